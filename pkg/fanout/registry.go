package fanout

import (
	"errors"
	"sync"

	"github.com/openhearth/hearthd/pkg/log"
	"github.com/openhearth/hearthd/pkg/types"
	"github.com/rs/zerolog"
)

// ErrTooManySubscriptions is returned when a device exceeds its waiter cap.
var ErrTooManySubscriptions = errors.New("too many subscriptions for device")

// Waiter is one long-poll connection waiting for bucket changes. A one-shot
// waiter is detached on first delivery; a streaming waiter stays registered
// and receives a chunk per delivery.
type Waiter struct {
	Serial    string
	Session   string
	Streaming bool

	// subscribed key -> last revision the client has seen
	keys map[string]int64

	ch chan []*types.Bucket
}

// Ch returns the delivery channel. For a one-shot waiter at most one slice is
// ever sent; the channel is never closed.
func (w *Waiter) Ch() <-chan []*types.Bucket { return w.ch }

// Registry indexes open subscribe connections by serial. All map mutations
// happen under a single mutex; deliveries happen outside it, so a slow
// consumer never blocks Notify.
type Registry struct {
	mu      sync.Mutex
	waiters map[string]map[string]*Waiter // serial -> session -> waiter
	max     int
	logger  zerolog.Logger
}

// NewRegistry creates a registry with the given per-device waiter cap.
func NewRegistry(maxPerDevice int) *Registry {
	return &Registry{
		waiters: make(map[string]map[string]*Waiter),
		max:     maxPerDevice,
		logger:  log.WithComponent("fanout"),
	}
}

// Add registers a waiter. keys maps each subscribed bucket key to the last
// revision the client reported. A session id collision replaces the previous
// waiter (the device reconnected); the cap counts distinct sessions.
func (r *Registry) Add(serial, session string, keys map[string]int64, streaming bool) (*Waiter, error) {
	w := &Waiter{
		Serial:    serial,
		Session:   session,
		Streaming: streaming,
		keys:      keys,
	}
	if streaming {
		w.ch = make(chan []*types.Bucket, 16)
	} else {
		w.ch = make(chan []*types.Bucket, 1)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.waiters[serial]
	if !ok {
		m = make(map[string]*Waiter)
		r.waiters[serial] = m
	}
	if _, replacing := m[session]; !replacing && len(m) >= r.max {
		return nil, ErrTooManySubscriptions
	}
	m[session] = w
	return w, nil
}

// Remove detaches a waiter. It is idempotent and safe when the session id has
// been reused: only the stored handle identity is removed.
func (r *Registry) Remove(serial, session string, w *Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.waiters[serial]
	if !ok {
		return
	}
	if cur, ok := m[session]; ok && cur == w {
		delete(m, session)
		if len(m) == 0 {
			delete(r.waiters, serial)
		}
	}
}

// Notify wakes every waiter of the serial that subscribes to at least one of
// the updated buckets at a newer revision than it has seen. Targets are
// collected under the lock; channel sends happen after it is released.
func (r *Registry) Notify(serial string, updated []*types.Bucket) {
	type target struct {
		w       *Waiter
		buckets []*types.Bucket
	}

	r.mu.Lock()
	var targets []target
	for session, w := range r.waiters[serial] {
		var relevant []*types.Bucket
		for _, b := range updated {
			last, subscribed := w.keys[b.Key]
			if subscribed && b.Revision > last {
				relevant = append(relevant, b)
			}
		}
		if len(relevant) == 0 {
			continue
		}
		if w.Streaming {
			// The client now knows these revisions.
			for _, b := range relevant {
				w.keys[b.Key] = b.Revision
			}
		} else {
			delete(r.waiters[serial], session)
		}
		targets = append(targets, target{w: w, buckets: relevant})
	}
	if m := r.waiters[serial]; m != nil && len(m) == 0 {
		delete(r.waiters, serial)
	}
	r.mu.Unlock()

	for _, t := range targets {
		select {
		case t.w.ch <- t.buckets:
		default:
			// Streaming consumer fell behind; dropping the chunk keeps
			// Notify non-blocking. The client resyncs on reconnect.
			r.logger.Warn().
				Str("serial", serial).
				Str("session", t.w.Session).
				Msg("waiter channel full, dropping chunk")
		}
	}
}

// HasWaiters reports whether the serial has at least one open subscription.
// The availability tracker treats a live long-poll as presence.
func (r *Registry) HasWaiters(serial string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[serial]) > 0
}

// CountFor returns the number of open subscriptions for a serial.
func (r *Registry) CountFor(serial string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[serial])
}

// Total returns the number of open subscriptions across all serials.
func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.waiters {
		n += len(m)
	}
	return n
}
