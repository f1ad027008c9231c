/*
Package state implements the in-memory bucket cache that is the source of
truth for all device state in hearthd.

Every piece of device state lives in a bucket: a JSON object addressed by
(serial, key) where the key is "kind.id" (device.SERIAL, shared.SERIAL,
structure.ID, user.ID, ...). The cache holds every bucket in memory, applies
merges, assigns revisions and timestamps, persists each write through the
storage layer, and announces every change on a subscriber stream.

# Architecture

The cache sits between the protocol surfaces and the persistent store:

	┌──────────────────── STATE CACHE ───────────────────────┐
	│                                                          │
	│  transport / api / command / pairing                     │
	│        │                                                 │
	│  ┌─────▼──────────────────────────────────┐             │
	│  │              Cache                      │             │
	│  │  - buckets: serial -> key -> *Bucket    │             │
	│  │  - single RWMutex                       │             │
	│  │  - revision + timestamp assignment      │             │
	│  │  - shallow field-wise merge             │             │
	│  └─────┬──────────────────────┬───────────┘             │
	│        │                      │                          │
	│  ┌─────▼─────────┐     ┌─────▼──────────────┐           │
	│  │ storage.Store │     │ Change subscribers │           │
	│  │ (write-thru)  │     │ (fanout, metrics,  │           │
	│  └───────────────┘     │  bridge)           │           │
	│                        └────────────────────┘           │
	└──────────────────────────────────────────────────────────┘

# Versioning Rules

Every bucket carries a revision and a millisecond timestamp, both assigned
by the server:

  - A write that changes the merged value bumps the revision by exactly one
    and stamps the current server time.
  - A write whose merged value equals the stored value is a no-op: same
    revision, same timestamp. Idempotent retries are free.
  - Timestamps never go backwards; a write in the same millisecond as the
    previous one reuses the previous timestamp.
  - Value equality is JSON equality, so an integer 7 from one client and a
    float 7 from another compare equal.

# Merge Semantics

Upsert merges the incoming value into the stored value field by field
(shallow). Fields absent from the incoming value survive. One exception is
carved out for fan scheduling: an active fan timer in the stored bucket is
preserved against incoming writes that do not explicitly stop the fan,
because legacy firmware pushes full device snapshots that would otherwise
erase a running timer.

UpsertAt is the client-authoritative variant used when a device proves it
holds newer state than the server (for example after a server wipe). It
stores the client's revision and timestamp as-is. Replace overwrites the
whole value and always bumps, for cases like dialog dismissal where the new
value may equal the old one but the device must still be woken.

# Change Stream

Subscribe registers a named callback that observes every committed write in
commit order. Callbacks run synchronously on the writing goroutine after
the lock is released; a panicking subscriber is recovered and logged so one
bad consumer cannot stall the write path. The fan-out registry, the metrics
gauges, and the MQTT bridge are all fed from this stream.

# Concurrency

All public methods are safe for concurrent use. The cache holds one lock
for the bucket map; persistence and subscriber delivery happen outside it.

# See Also

  - pkg/storage for the persistent write-through store
  - pkg/fanout for the subscriber registry fed by the change stream
  - pkg/transport for the device protocol that drives most writes
*/
package state
