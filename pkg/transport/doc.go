/*
Package transport terminates the proprietary HTTP protocol spoken by the
thermostat firmware.

The protocol is a bucket sync protocol: the device discovers service URLs
through /nest/entry, lists its buckets, then holds a long-poll subscribe
open and PUTs local changes. The server's job is to tell each device which
buckets it is missing and to wake it the moment one changes.

# Architecture

	┌────────────────── DEVICE PROTOCOL SERVER ──────────────────┐
	│                                                              │
	│   legacy URL rewriter (/czfe, /transport, /entry, ...)      │
	│        │                                                     │
	│  ┌─────▼──────────────────────────────────────┐             │
	│  │                 Routes                      │             │
	│  │  /nest/entry         service discovery      │             │
	│  │  /nest/ping          liveness               │             │
	│  │  /nest/passphrase    pairing code issue     │             │
	│  │  /nest/transport     subscribe (long-poll)  │             │
	│  │  /nest/transport/put device writes          │             │
	│  │  /nest/transport/device/{serial}  listing   │             │
	│  │  /nest/upload        device log upload      │             │
	│  │  /nest/weather       weather proxy          │             │
	│  └─────┬──────────────────────────────────────┘             │
	│        │                                                     │
	│  state.Cache   fanout.Registry   pairing.Service            │
	│  presence.Tracker   weather.Service   storage.Store         │
	└──────────────────────────────────────────────────────────────┘

# Subscribe Reconciliation

A subscribe request carries the client's view: one entry per bucket with
the revision and timestamp it last saw. Entries with a value and zero
revision and timestamp are pushes; they are merged into the cache and the
merged result is returned, because a push doubles as a re-sync. For
catch-up entries:

  - Equal timestamps mean the client is synced; the entry is excluded.
    Revision is deliberately not a tiebreaker here.
  - A server timestamp or revision ahead of the client's puts the current
    bucket in the response.
  - A client revision or timestamp ahead of the server's, with a value
    attached, is written through as client-authoritative state.

If nothing is outdated the connection parks as a waiter in the fan-out
registry until a write touches a subscribed key, the configured timeout
expires (empty response), or the connection drops. After registering, the
handler re-reads the subscribed keys from the cache so a write that landed
between reconciliation and registration is not lost.

# Serial Extraction

Devices identify themselves several ways depending on firmware age, in
priority order: the Basic-Auth username (prefixed "nest."), the
X-nl-Device-Serial header, the serial query parameter, then the path.
Serials normalise to uppercase alphanumerics, minimum ten characters.

# Pairing Gate

Every stateful endpoint checks the device's pairing tier. Unknown devices
get 401 everywhere. Pending devices (code issued, not yet claimed) may
subscribe, so the pairing dialog can reach the screen, and their PUTs are
accepted but not written. Only paired devices get full service.

# See Also

  - pkg/state for merge and versioning semantics
  - pkg/fanout for the long-poll waiter registry
  - pkg/pairing for tier derivation and entry codes
*/
package transport
