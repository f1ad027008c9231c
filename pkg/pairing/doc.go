/*
Package pairing implements device ownership: entry codes, the claim state
machine, and the pairing tier every protocol endpoint consults.

# Tiers

A device is in exactly one tier, derived from the store on every check:

	paired   an owner row exists for the serial
	pending  an unclaimed, unexpired entry code exists
	unknown  neither

The transport layer gates endpoints on the tier: unknown devices are
rejected, pending devices may subscribe (so the pairing dialog reaches the
screen) but their writes are dropped, paired devices get full service.

# Entry Codes

An entry code is three digits followed by four uppercase letters, displayed
on the thermostat and typed into the operator UI. Codes are unique across
devices; issuing a new code for a serial invalidates its previous one.
Issuance is rate limited per serial (token bucket, one per second with a
small burst) because the firmware re-requests aggressively when unpaired.

Claiming is first-wins under a single store transaction: concurrent claims
of the same code produce exactly one owner. A successful claim records the
owner, stamps the user's structure id onto the device buckets, and
synthesises the user bucket the firmware expects.

# Pairing Dialog

Issuing a code also synthesises the confirm-pairing alert dialog bucket so
the device renders the code on screen. Dismissal replaces the dialog with
an empty value and bumps the revision, which wakes the device's long-poll
and clears the screen.
*/
package pairing
