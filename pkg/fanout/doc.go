/*
Package fanout routes bucket change notifications to parked long-poll
subscribers.

Each device connection that has nothing to sync registers a waiter keyed by
(serial, session). When a write commits, the registry wakes every waiter
subscribed to the changed key whose last-seen revision is older than the
new one.

# Waiter Lifecycle

	Add(serial, session, keys, streaming) ──► waiter parked
	         │
	  Notify(serial, buckets)
	         │
	  one-shot:  delivered once, detached on delivery
	  streaming: stays registered, remembers delivered revisions
	         │
	  Remove(serial, session, handle) ──► gone

One-shot waiters back the classic subscribe: one delivery, one response,
connection closed. Streaming waiters back chunked subscribes: they stay
registered across deliveries and track the revision they have seen per key
so a re-notification of the same revision is filtered.

Re-using a session id replaces the previous waiter for that session, which
is how a reconnecting device sheds its dead predecessor. Remove compares
the waiter handle so a late cleanup from a dead connection cannot evict the
session's new waiter.

# Delivery

Notification channels are buffered and sends never block: the registry
collects targets under its lock and sends outside it. A streaming waiter
whose buffer is full drops the delivery; the client's next reconciliation
catches it up. Per-serial caps bound how many concurrent subscriptions one
device may hold.

# See Also

  - pkg/transport for the subscribe handler that parks waiters
  - pkg/state for the change stream that drives Notify
*/
package fanout
