/*
Package command translates operator intents into bucket writes.

A command is a (serial, name, value) triple from the operator API or the
MQTT bridge: set_temperature, set_mode, set_away, set_fan,
set_eco_temperatures. Each command resolves to a write against the right
bucket (shared for setpoints and mode, device for fan and eco, structure
for away when the device belongs to one) and then wakes the device's
long-poll so the change lands within a poll cycle.

Temperature setpoints are clamped to the device's safety window. The
window comes from the shared bucket's lower/upper safety temperatures when
the device reports them, otherwise from conservative defaults. Clamping
rather than rejecting matches what the thermostat itself does with
out-of-range input.
*/
package command
