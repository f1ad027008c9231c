package pairing

import (
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhearth/hearthd/pkg/state"
	"github.com/openhearth/hearthd/pkg/storage"
	"github.com/openhearth/hearthd/pkg/types"
)

const testSerial = "ABCDEFGH1234"

func newTestService(t *testing.T) (*Service, *state.Cache, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cache := state.NewCache(store)
	require.NoError(t, cache.Warm())
	return NewService(store, cache, time.Hour), cache, store
}

func TestGenerateCodeFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9]{3}[A-Z]{4}$`)
	for i := 0; i < 100; i++ {
		code := GenerateCode()
		assert.True(t, pattern.MatchString(code), "bad code %q", code)
	}
}

func TestTierTransitions(t *testing.T) {
	svc, _, store := newTestService(t)

	tier, err := svc.Tier(testSerial)
	require.NoError(t, err)
	assert.Equal(t, types.TierUnknown, tier)

	_, err = svc.IssueCode(testSerial)
	require.NoError(t, err)

	tier, err = svc.Tier(testSerial)
	require.NoError(t, err)
	assert.Equal(t, types.TierPending, tier)

	require.NoError(t, store.PutDeviceOwner(&types.DeviceOwner{
		Serial: testSerial,
		UserID: "user_abc",
	}))

	tier, err = svc.Tier(testSerial)
	require.NoError(t, err)
	assert.Equal(t, types.TierPaired, tier)
}

func TestIssueCodeSynthesisesDialog(t *testing.T) {
	svc, cache, _ := newTestService(t)

	ek, err := svc.IssueCode(testSerial)
	require.NoError(t, err)
	assert.NotEmpty(t, ek.Code)
	assert.Greater(t, ek.ExpiresAt, time.Now().UnixMilli())

	dialog := cache.Get(testSerial, types.AlertDialogKey(testSerial))
	require.NotNil(t, dialog)
	assert.Equal(t, int64(1), dialog.Revision)
	assert.Equal(t, DialogConfirmPairing, dialog.Value["dialog_id"])
}

func TestIssueCodeReplacesPrior(t *testing.T) {
	svc, _, store := newTestService(t)

	first, err := svc.IssueCode(testSerial)
	require.NoError(t, err)
	second, err := svc.IssueCode(testSerial)
	require.NoError(t, err)
	assert.NotEqual(t, first.Code, second.Code)

	_, err = store.GetEntryKey(first.Code)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClaimHappyPath(t *testing.T) {
	svc, cache, store := newTestService(t)

	ek, err := svc.IssueCode(testSerial)
	require.NoError(t, err)

	serial, ok, err := svc.Claim(ek.Code, "user_abc123")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, testSerial, serial)

	owner, err := store.GetDeviceOwner(testSerial)
	require.NoError(t, err)
	assert.Equal(t, "user_abc123", owner.UserID)

	// The user bucket carries a structure membership; some firmware ignores
	// the pairing dialog without one.
	ub := cache.Get(testSerial, types.UserKey("abc123"))
	require.NotNil(t, ub)
	assert.NotEmpty(t, ub.Value["structure_memberships"])
}

func TestClaimInvalidCode(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, ok, err := svc.Claim("000XXXX", "user_abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimRaceExactlyOneWinner(t *testing.T) {
	svc, _, store := newTestService(t)

	ek, err := svc.IssueCode(testSerial)
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			userID := "user_" + string(rune('a'+n))
			if _, ok, err := svc.Claim(ek.Code, userID); err == nil && ok {
				wins <- userID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	owner, err := store.GetDeviceOwner(testSerial)
	require.NoError(t, err)
	assert.Equal(t, winners[0], owner.UserID)
}

func TestDismissDialogBumpsRevision(t *testing.T) {
	svc, cache, _ := newTestService(t)

	_, err := svc.IssueCode(testSerial)
	require.NoError(t, err)

	before := cache.Get(testSerial, types.AlertDialogKey(testSerial))
	require.NotNil(t, before)

	require.NoError(t, svc.DismissDialog(testSerial))

	after := cache.Get(testSerial, types.AlertDialogKey(testSerial))
	require.NotNil(t, after)
	assert.Greater(t, after.Revision, before.Revision)
	assert.Empty(t, after.Value)
}

func TestIssueCodeRateLimited(t *testing.T) {
	svc, _, _ := newTestService(t)

	// Burst of 5 allowed, then throttled.
	var limited bool
	for i := 0; i < 10; i++ {
		if _, err := svc.IssueCode(testSerial); err != nil {
			limited = true
			break
		}
	}
	assert.True(t, limited)
}
