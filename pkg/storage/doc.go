/*
Package storage persists hearthd state in a single bbolt database file.

The Store interface covers every table: buckets, device owners, entry keys,
weather cache rows, device log metadata, integrations, API keys, shares and
share invites. BoltStore is the only implementation; rows are JSON-encoded
and each table maps to one bolt bucket.

# Layout

	states              serial/key      -> types.Bucket
	entryKeys           code            -> types.EntryKey
	deviceOwners        serial          -> types.DeviceOwner
	users               id              -> types.User
	weather             postal/country  -> types.WeatherEntry
	apiKeys             id              -> types.APIKey
	deviceShares        id              -> types.DeviceShare
	deviceShareInvites  token           -> types.DeviceShareInvite
	integrations        user/kind       -> types.Integration
	logs                serial/seq      -> types.LogEntry

# Transactional Guarantees

Entry-code uniqueness and claiming both run inside single bolt update
transactions, which serialise naturally: CreateUniqueEntryKey retries its
generator on collision and replaces the serial's previous code atomically;
ClaimEntryKey checks unclaimed-and-unexpired and writes the claim in one
transaction, so concurrent claims have exactly one winner.

Absent rows return ErrNotFound; callers branch on it with errors.Is.

The state cache writes through this store on every commit and reloads the
full bucket table at startup, so a process restart loses nothing.
*/
package storage
