package state

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhearth/hearthd/pkg/storage"
	"github.com/openhearth/hearthd/pkg/types"
)

const testSerial = "ABCDEFGH1234"

func newTestCache(t *testing.T) (*Cache, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cache := NewCache(store)
	require.NoError(t, cache.Warm())
	return cache, store
}

func TestUpsertCreatesAtRevisionOne(t *testing.T) {
	cache, _ := newTestCache(t)

	b, changed, err := cache.Upsert(testSerial, "shared."+testSerial, map[string]any{"target_temperature": 21.5})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(1), b.Revision)
	assert.Greater(t, b.Timestamp, int64(0))
	assert.Equal(t, 21.5, b.Value["target_temperature"])
}

func TestUpsertBumpsOnlyOnChange(t *testing.T) {
	cache, _ := newTestCache(t)
	key := "shared." + testSerial

	first, _, err := cache.Upsert(testSerial, key, map[string]any{"target_temperature": 21.5})
	require.NoError(t, err)

	// Identical write: no bump, same timestamp.
	second, changed, err := cache.Upsert(testSerial, key, map[string]any{"target_temperature": 21.5})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first.Revision, second.Revision)
	assert.Equal(t, first.Timestamp, second.Timestamp)

	// Different value: exactly one bump.
	third, changed, err := cache.Upsert(testSerial, key, map[string]any{"target_temperature": 23.0})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, first.Revision+1, third.Revision)
	assert.GreaterOrEqual(t, third.Timestamp, first.Timestamp)
}

func TestUpsertMergesFieldWise(t *testing.T) {
	cache, _ := newTestCache(t)
	key := "device." + testSerial

	_, _, err := cache.Upsert(testSerial, key, map[string]any{"mode": "heat", "humidity": 40.0})
	require.NoError(t, err)

	b, _, err := cache.Upsert(testSerial, key, map[string]any{"humidity": 45.0})
	require.NoError(t, err)
	assert.Equal(t, "heat", b.Value["mode"])
	assert.Equal(t, 45.0, b.Value["humidity"])
}

func TestUpsertAssignsStructureID(t *testing.T) {
	cache, store := newTestCache(t)
	require.NoError(t, store.PutDeviceOwner(&types.DeviceOwner{
		Serial: testSerial,
		UserID: "user_abc123",
	}))

	b, _, err := cache.Upsert(testSerial, types.DeviceKey(testSerial), map[string]any{"mode": "heat"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", b.Value["structure_id"])

	// An explicit structure_id survives.
	b, _, err = cache.Upsert(testSerial, types.DeviceKey(testSerial), map[string]any{"structure_id": "custom"})
	require.NoError(t, err)
	assert.Equal(t, "custom", b.Value["structure_id"])
}

func TestUpsertNoStructureIDWithoutOwner(t *testing.T) {
	cache, _ := newTestCache(t)

	b, _, err := cache.Upsert(testSerial, types.DeviceKey(testSerial), map[string]any{"mode": "heat"})
	require.NoError(t, err)
	_, present := b.Value["structure_id"]
	assert.False(t, present)
}

func TestUpsertAtClientAuthoritative(t *testing.T) {
	cache, _ := newTestCache(t)
	key := "shared." + testSerial

	_, _, err := cache.Upsert(testSerial, key, map[string]any{"target_temperature": 20.0})
	require.NoError(t, err)

	b, changed, err := cache.UpsertAt(testSerial, key, map[string]any{"target_temperature": 22.0}, 9, 5_000)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(9), b.Revision)
	assert.Equal(t, int64(5_000), b.Timestamp)
}

func TestReplaceAlwaysBumps(t *testing.T) {
	cache, _ := newTestCache(t)
	key := types.AlertDialogKey(testSerial)

	first, err := cache.Replace(testSerial, key, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Revision)

	// Same empty value still bumps so subscribers wake.
	second, err := cache.Replace(testSerial, key, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Revision)
}

func TestEnsureBucketOnlyCreates(t *testing.T) {
	cache, _ := newTestCache(t)
	key := types.AlertDialogKey(testSerial)

	b, created, err := cache.EnsureBucket(testSerial, key, map[string]any{"dialog_id": "confirm_pairing"}, 1)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), b.Revision)

	b, created, err = cache.EnsureBucket(testSerial, key, map[string]any{"dialog_id": "other"}, 1)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "confirm_pairing", b.Value["dialog_id"])
}

func TestChangeStreamOrderedPerSerial(t *testing.T) {
	cache, _ := newTestCache(t)
	key := "shared." + testSerial

	var mu sync.Mutex
	var revisions []int64
	cache.Subscribe("test", func(ev ChangeEvent) {
		mu.Lock()
		revisions = append(revisions, ev.Revision)
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		_, _, err := cache.Upsert(testSerial, key, map[string]any{"n": float64(i)})
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, revisions, 5)
	for i, rev := range revisions {
		assert.Equal(t, int64(i+1), rev)
	}
}

func TestSubscriberPanicDoesNotStopDelivery(t *testing.T) {
	cache, _ := newTestCache(t)

	delivered := false
	cache.Subscribe("bad", func(ev ChangeEvent) { panic("boom") })
	cache.Subscribe("good", func(ev ChangeEvent) { delivered = true })

	_, _, err := cache.Upsert(testSerial, "shared."+testSerial, map[string]any{"a": 1.0})
	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestWarmRestoresState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	store, err := storage.NewBoltStore(path)
	require.NoError(t, err)
	cache := NewCache(store)
	require.NoError(t, cache.Warm())
	_, _, err = cache.Upsert(testSerial, "shared."+testSerial, map[string]any{"target_temperature": 21.5})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store2, err := storage.NewBoltStore(path)
	require.NoError(t, err)
	defer store2.Close()
	cache2 := NewCache(store2)
	require.NoError(t, cache2.Warm())

	b := cache2.Get(testSerial, "shared."+testSerial)
	require.NotNil(t, b)
	assert.Equal(t, int64(1), b.Revision)
	assert.Equal(t, 21.5, b.Value["target_temperature"])
}

func TestForget(t *testing.T) {
	cache, _ := newTestCache(t)

	_, _, err := cache.Upsert(testSerial, "shared."+testSerial, map[string]any{"a": 1.0})
	require.NoError(t, err)
	_, _, err = cache.Upsert(testSerial, "device."+testSerial, map[string]any{"b": 2.0})
	require.NoError(t, err)

	require.NoError(t, cache.Forget(testSerial))
	assert.Nil(t, cache.Get(testSerial, "shared."+testSerial))
	assert.Empty(t, cache.List(testSerial))
}

func TestConcurrentUpsertsMonotonicRevisions(t *testing.T) {
	cache, _ := newTestCache(t)
	key := "shared." + testSerial

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, _ = cache.Upsert(testSerial, key, map[string]any{"n": float64(n)})
		}(i)
	}
	wg.Wait()

	b := cache.Get(testSerial, key)
	require.NotNil(t, b)
	// At most one bump per distinct value, at least one write landed.
	assert.GreaterOrEqual(t, b.Revision, int64(1))
	assert.LessOrEqual(t, b.Revision, int64(20))
}
