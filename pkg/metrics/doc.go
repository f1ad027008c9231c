/*
Package metrics defines the Prometheus metrics and the health registry.

All metrics register at package init against the default registry and are
exposed on the operator listener's /metrics endpoint. Names carry the
hearthd_ prefix:

	hearthd_device_requests_total     device protocol requests by method/path
	hearthd_active_subscriptions      parked long-polls right now
	hearthd_put_conflicts_total       CAS losers on PUT
	hearthd_bucket_writes_total       committed writes by kind
	hearthd_buckets_total             buckets held in the cache
	hearthd_devices_online            devices currently online
	hearthd_entry_codes_issued_total  pairing codes issued
	hearthd_entry_codes_claimed_total pairing codes claimed
	hearthd_api_requests_total        operator API requests by method/status
	hearthd_bridge_publishes_total    MQTT state publishes
	hearthd_bridge_commands_total     MQTT inbound commands
	hearthd_weather_lookups_total     weather lookups by outcome

The health registry tracks per-component status (store, mqtt) and serves
/health, returning 503 while any component is unhealthy.
*/
package metrics
