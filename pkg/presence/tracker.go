package presence

import (
	"sync"
	"time"

	"github.com/openhearth/hearthd/pkg/log"
	"github.com/rs/zerolog"
)

// ChangeFunc is called with (serial, online) on every availability
// transition. Callbacks run outside the tracker lock.
type ChangeFunc func(serial string, online bool)

type deviceState struct {
	lastSeen time.Time
	online   bool
}

// Tracker keeps a per-device last-seen clock and flips devices offline when
// they stay silent past the timeout. A live long-poll subscription defers the
// offline transition.
type Tracker struct {
	mu      sync.Mutex
	devices map[string]*deviceState

	timeout  time.Duration
	interval time.Duration

	hasActiveSub func(serial string) bool
	callbacks    []ChangeFunc

	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger

	now func() time.Time
}

// NewTracker creates a tracker. hasActiveSub may be nil.
func NewTracker(timeout, interval time.Duration, hasActiveSub func(string) bool) *Tracker {
	return &Tracker{
		devices:      make(map[string]*deviceState),
		timeout:      timeout,
		interval:     interval,
		hasActiveSub: hasActiveSub,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		logger:       log.WithComponent("presence"),
		now:          time.Now,
	}
}

// OnChange registers a transition callback. Register before Start.
func (t *Tracker) OnChange(fn ChangeFunc) {
	t.callbacks = append(t.callbacks, fn)
}

// MarkSeen records ingress from a serial and emits a connected event when the
// device was previously offline or unknown.
func (t *Tracker) MarkSeen(serial string) {
	t.mu.Lock()
	d, ok := t.devices[serial]
	if !ok {
		d = &deviceState{}
		t.devices[serial] = d
	}
	d.lastSeen = t.now()
	wasOnline := d.online
	d.online = true
	t.mu.Unlock()

	if !wasOnline {
		t.logger.Info().Str("serial", serial).Msg("device connected")
		t.notify(serial, true)
	}
}

// IsOnline reports the current availability of a serial.
func (t *Tracker) IsOnline(serial string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[serial]
	return ok && d.online
}

// LastSeen returns the last ingress time for a serial and whether the serial
// is known at all.
func (t *Tracker) LastSeen(serial string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[serial]
	if !ok {
		return time.Time{}, false
	}
	return d.lastSeen, true
}

// Snapshot returns serial -> online for every known device.
func (t *Tracker) Snapshot() map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]bool, len(t.devices))
	for s, d := range t.devices {
		out[s] = d.online
	}
	return out
}

// Start launches the periodic sweep.
func (t *Tracker) Start() {
	go t.run()
}

// Stop halts the sweep and waits for it to exit.
func (t *Tracker) Stop() {
	close(t.stopCh)
	<-t.doneCh
}

func (t *Tracker) run() {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.stopCh:
			return
		}
	}
}

// sweep flips silent devices offline. Transitions are collected under the
// lock and announced after it is released.
func (t *Tracker) sweep() {
	now := t.now()
	var offline []string

	t.mu.Lock()
	for serial, d := range t.devices {
		if !d.online {
			continue
		}
		if now.Sub(d.lastSeen) < t.timeout {
			continue
		}
		if t.hasActiveSub != nil && t.hasActiveSub(serial) {
			// An open long-poll implies presence; refresh instead.
			d.lastSeen = now
			continue
		}
		d.online = false
		offline = append(offline, serial)
	}
	t.mu.Unlock()

	for _, serial := range offline {
		t.logger.Info().Str("serial", serial).Msg("device disconnected")
		t.notify(serial, false)
	}
}

func (t *Tracker) notify(serial string, online bool) {
	for _, fn := range t.callbacks {
		fn(serial, online)
	}
}
