package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhearth/hearthd/pkg/types"
)

const testSerial = "ABCDEFGH1234"

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBucketRoundTrip(t *testing.T) {
	store := newTestStore(t)

	b := &types.Bucket{
		Serial:    testSerial,
		Key:       "shared." + testSerial,
		Revision:  3,
		Timestamp: 1000,
		Value:     map[string]any{"target_temperature": 21.5},
	}
	require.NoError(t, store.PutBucket(b))

	got, err := store.GetBucket(testSerial, b.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Revision)
	assert.Equal(t, 21.5, got.Value["target_temperature"])

	_, err = store.GetBucket(testSerial, "device.MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListBucketsScopedToSerial(t *testing.T) {
	store := newTestStore(t)

	other := "ZYXWVUTS9876"
	for i, serial := range []string{testSerial, testSerial, other} {
		require.NoError(t, store.PutBucket(&types.Bucket{
			Serial: serial,
			Key:    fmt.Sprintf("shared.%s%d", serial, i),
			Value:  map[string]any{},
		}))
	}

	mine, err := store.ListBuckets(testSerial)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	all, err := store.ListAllBuckets()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, store.DeleteBucketsForSerial(testSerial))
	mine, err = store.ListBuckets(testSerial)
	require.NoError(t, err)
	assert.Empty(t, mine)
	rest, err := store.ListBuckets(other)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestCreateUniqueEntryKeyRetriesCollisions(t *testing.T) {
	store := newTestStore(t)

	// A generator that collides once before producing a fresh code.
	codes := []string{"111AAAA", "111AAAA", "222BBBB"}
	i := 0
	gen := func() string {
		c := codes[i%len(codes)]
		i++
		return c
	}

	first, err := store.CreateUniqueEntryKey("SERIALAAAA01", time.Hour, gen, 10)
	require.NoError(t, err)
	assert.Equal(t, "111AAAA", first.Code)

	second, err := store.CreateUniqueEntryKey("SERIALBBBB02", time.Hour, gen, 10)
	require.NoError(t, err)
	assert.Equal(t, "222BBBB", second.Code)
}

func TestCreateUniqueEntryKeyExhaustion(t *testing.T) {
	store := newTestStore(t)

	gen := func() string { return "333CCCC" }
	_, err := store.CreateUniqueEntryKey("SERIALAAAA01", time.Hour, gen, 5)
	require.NoError(t, err)

	_, err = store.CreateUniqueEntryKey("SERIALBBBB02", time.Hour, gen, 5)
	assert.ErrorIs(t, err, ErrCodeSpaceExhausted)
}

func TestCreateUniqueEntryKeyReplacesPriorForSerial(t *testing.T) {
	store := newTestStore(t)

	first, err := store.CreateUniqueEntryKey(testSerial, time.Hour, func() string { return "444DDDD" }, 5)
	require.NoError(t, err)

	_, err = store.CreateUniqueEntryKey(testSerial, time.Hour, func() string { return "555EEEE" }, 5)
	require.NoError(t, err)

	_, err = store.GetEntryKey(first.Code)
	assert.ErrorIs(t, err, ErrNotFound)

	ek, err := store.GetEntryKeyForSerial(testSerial)
	require.NoError(t, err)
	assert.Equal(t, "555EEEE", ek.Code)
}

func TestClaimEntryKeyConditions(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UnixMilli()

	ek, err := store.CreateUniqueEntryKey(testSerial, time.Hour, func() string { return "666FFFF" }, 5)
	require.NoError(t, err)

	// First claim wins.
	got, ok, err := store.ClaimEntryKey(ek.Code, "user_a", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testSerial, got.Serial)
	assert.Equal(t, "user_a", got.ClaimedBy)

	// Second claim loses.
	_, ok, err = store.ClaimEntryKey(ek.Code, "user_b", now)
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown code loses.
	_, ok, err = store.ClaimEntryKey("000ZZZZ", "user_c", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimEntryKeyExpired(t *testing.T) {
	store := newTestStore(t)

	ek, err := store.CreateUniqueEntryKey(testSerial, time.Millisecond, func() string { return "777GGGG" }, 5)
	require.NoError(t, err)

	_, ok, err := store.ClaimEntryKey(ek.Code, "user_a", time.Now().UnixMilli()+10_000)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeviceOwnerRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutDeviceOwner(&types.DeviceOwner{
		Serial:    testSerial,
		UserID:    "user_abc",
		CreatedAt: 1000,
	}))

	o, err := store.GetDeviceOwner(testSerial)
	require.NoError(t, err)
	assert.Equal(t, "user_abc", o.UserID)

	byUser, err := store.ListDeviceOwnersByUser("user_abc")
	require.NoError(t, err)
	assert.Len(t, byUser, 1)

	require.NoError(t, store.DeleteDeviceOwner(testSerial))
	_, err = store.GetDeviceOwner(testSerial)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWeatherRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutWeather(&types.WeatherEntry{
		PostalCode: "80301",
		Country:    "US",
		FetchedAt:  1000,
		Data:       []byte(`{"temp": 12}`),
	}))

	w, err := store.GetWeather("80301", "US")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), w.FetchedAt)

	_, err = store.GetWeather("99999", "US")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeviceLogsAppendAndList(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendDeviceLog(&types.LogEntry{
			Serial:     testSerial,
			ReceivedAt: int64(1000 + i),
			Size:       i,
		}))
	}

	logs, err := store.ListDeviceLogs(testSerial, 3)
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	all, err := store.ListDeviceLogs(testSerial, 100)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestIntegrationRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutIntegration(&types.Integration{
		UserID:    "user_abc",
		Kind:      "mqtt",
		Config:    []byte(`{"host": "broker"}`),
		UpdatedAt: 1000,
	}))

	in, err := store.GetIntegration("user_abc", "mqtt")
	require.NoError(t, err)
	assert.JSONEq(t, `{"host": "broker"}`, string(in.Config))

	all, err := store.ListIntegrations("mqtt")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
