package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSerial = "ABCDEFGH1234"

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(serial string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := "offline"
	if online {
		state = "online"
	}
	r.events = append(r.events, serial+":"+state)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestMarkSeenTransitionsOnline(t *testing.T) {
	tr := NewTracker(time.Minute, time.Second, nil)
	rec := &recorder{}
	tr.OnChange(rec.record)

	assert.False(t, tr.IsOnline(testSerial))
	_, known := tr.LastSeen(testSerial)
	assert.False(t, known)

	tr.MarkSeen(testSerial)
	assert.True(t, tr.IsOnline(testSerial))

	// Repeated ingress while online does not re-announce.
	tr.MarkSeen(testSerial)
	assert.Equal(t, []string{testSerial + ":online"}, rec.all())
}

func TestSweepFlipsSilentDeviceOffline(t *testing.T) {
	tr := NewTracker(time.Minute, time.Second, nil)
	rec := &recorder{}
	tr.OnChange(rec.record)

	clock := time.Now()
	tr.now = func() time.Time { return clock }

	tr.MarkSeen(testSerial)
	require.True(t, tr.IsOnline(testSerial))

	// Still within the timeout.
	clock = clock.Add(30 * time.Second)
	tr.sweep()
	assert.True(t, tr.IsOnline(testSerial))

	clock = clock.Add(45 * time.Second)
	tr.sweep()
	assert.False(t, tr.IsOnline(testSerial))
	assert.Equal(t, []string{testSerial + ":online", testSerial + ":offline"}, rec.all())
}

func TestSweepDefersWhileSubscribed(t *testing.T) {
	subscribed := true
	tr := NewTracker(time.Minute, time.Second, func(string) bool { return subscribed })

	clock := time.Now()
	tr.now = func() time.Time { return clock }

	tr.MarkSeen(testSerial)

	// The open long-poll keeps the device online past the timeout.
	clock = clock.Add(2 * time.Minute)
	tr.sweep()
	assert.True(t, tr.IsOnline(testSerial))

	// Once the subscription is gone the refreshed clock still applies, so the
	// device survives one more window before going offline.
	subscribed = false
	clock = clock.Add(30 * time.Second)
	tr.sweep()
	assert.True(t, tr.IsOnline(testSerial))

	clock = clock.Add(2 * time.Minute)
	tr.sweep()
	assert.False(t, tr.IsOnline(testSerial))
}

func TestSnapshot(t *testing.T) {
	tr := NewTracker(time.Minute, time.Second, nil)

	clock := time.Now()
	tr.now = func() time.Time { return clock }

	tr.MarkSeen("SERIALAAAA01")
	tr.MarkSeen("SERIALBBBB02")

	clock = clock.Add(2 * time.Minute)
	tr.MarkSeen("SERIALBBBB02") // refresh one of them
	tr.sweep()

	snap := tr.Snapshot()
	assert.Equal(t, map[string]bool{
		"SERIALAAAA01": false,
		"SERIALBBBB02": true,
	}, snap)
}

func TestStartStop(t *testing.T) {
	tr := NewTracker(time.Minute, 10*time.Millisecond, nil)
	tr.Start()
	time.Sleep(30 * time.Millisecond)
	tr.Stop()
}
