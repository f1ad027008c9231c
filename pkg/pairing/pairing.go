package pairing

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/openhearth/hearthd/pkg/httperr"
	"github.com/openhearth/hearthd/pkg/log"
	"github.com/openhearth/hearthd/pkg/metrics"
	"github.com/openhearth/hearthd/pkg/state"
	"github.com/openhearth/hearthd/pkg/storage"
	"github.com/openhearth/hearthd/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DialogConfirmPairing is the dialog_id shown on the device while a pairing
// code is outstanding.
const DialogConfirmPairing = "confirm_pairing"

// maxCodeAttempts bounds the unique-code generation loop.
const maxCodeAttempts = 64

// Service decides auth tiers and drives the entry-code lifecycle.
type Service struct {
	store storage.Store
	cache *state.Cache
	ttl   time.Duration

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	logger zerolog.Logger
}

// NewService creates the pairing service. ttl is the entry-code lifetime.
func NewService(store storage.Store, cache *state.Cache, ttl time.Duration) *Service {
	return &Service{
		store:    store,
		cache:    cache,
		ttl:      ttl,
		limiters: make(map[string]*rate.Limiter),
		logger:   log.WithComponent("pairing"),
	}
}

// Tier computes the trust level for a serial: paired when an owner row
// exists, pending while an unclaimed unexpired code is outstanding, unknown
// otherwise.
func (s *Service) Tier(serial string) (types.AuthTier, error) {
	_, err := s.store.GetDeviceOwner(serial)
	if err == nil {
		return types.TierPaired, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return types.TierUnknown, fmt.Errorf("owner lookup: %w", err)
	}

	ek, err := s.store.GetEntryKeyForSerial(serial)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.TierUnknown, nil
		}
		return types.TierUnknown, fmt.Errorf("entry key lookup: %w", err)
	}
	if !ek.Claimed() && !ek.Expired(time.Now().UnixMilli()) {
		return types.TierPending, nil
	}
	return types.TierUnknown, nil
}

// Owner returns the owning user id for a serial, or "" when unowned.
func (s *Service) Owner(serial string) (string, error) {
	o, err := s.store.GetDeviceOwner(serial)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return o.UserID, nil
}

func (s *Service) limiter(serial string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	l, ok := s.limiters[serial]
	if !ok {
		// A thermostat re-requests its code at most every few seconds.
		l = rate.NewLimiter(rate.Every(time.Second), 5)
		s.limiters[serial] = l
	}
	return l
}

// IssueCode mints a fresh entry code for the serial, replacing any prior
// codes, and synthesises the pairing-confirmation dialog bucket so a
// subscribed device shows the prompt.
func (s *Service) IssueCode(serial string) (*types.EntryKey, error) {
	if !s.limiter(serial).Allow() {
		return nil, httperr.New(httperr.KindTooMany, "entry code requests too frequent")
	}

	ek, err := s.store.CreateUniqueEntryKey(serial, s.ttl, GenerateCode, maxCodeAttempts)
	if err != nil {
		if errors.Is(err, storage.ErrCodeSpaceExhausted) {
			return nil, httperr.Wrap(httperr.KindServiceUnavailable, "could not generate entry code", err)
		}
		return nil, httperr.Wrap(httperr.KindServiceUnavailable, "entry code persistence failed", err)
	}

	if _, _, err := s.cache.EnsureBucket(serial, types.AlertDialogKey(serial), map[string]any{
		"dialog_id":   DialogConfirmPairing,
		"dialog_data": "",
	}, 1); err != nil {
		s.logger.Error().Err(err).Str("serial", serial).Msg("failed to synthesise pairing dialog")
	}

	metrics.EntryCodesIssued.Inc()
	s.logger.Info().Str("serial", serial).Str("code", ek.Code).Msg("entry code issued")
	return ek, nil
}

// Status describes the claim state of the serial's current code.
type Status struct {
	State     string // "no_key", "pending", "claimed"
	Claimed   bool
	ExpiresAt int64
	ClaimedBy string
	ClaimedAt int64
}

// CodeStatus reports where the serial's latest entry code stands.
func (s *Service) CodeStatus(serial string) (*Status, error) {
	ek, err := s.store.GetEntryKeyForSerial(serial)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &Status{State: "no_key"}, nil
		}
		return nil, err
	}
	if ek.Claimed() {
		return &Status{
			State:     "claimed",
			Claimed:   true,
			ClaimedBy: ek.ClaimedBy,
			ClaimedAt: ek.ClaimedAt,
		}, nil
	}
	if ek.Expired(time.Now().UnixMilli()) {
		return &Status{State: "no_key"}, nil
	}
	return &Status{State: "pending", ExpiresAt: ek.ExpiresAt}, nil
}

// Claim consumes an entry code for a user. The store update is atomic, so of
// two racing claims exactly one succeeds. On success the device gains an
// owner and the owner's user bucket is synthesised with a structure
// membership (some firmware ignores the pairing dialog without it).
func (s *Service) Claim(code, userID string) (string, bool, error) {
	now := time.Now().UnixMilli()
	ek, ok, err := s.store.ClaimEntryKey(code, userID, now)
	if err != nil {
		return "", false, fmt.Errorf("claim failed: %w", err)
	}
	if !ok {
		return "", false, nil
	}

	if err := s.store.PutDeviceOwner(&types.DeviceOwner{
		Serial:    ek.Serial,
		UserID:    userID,
		CreatedAt: now,
	}); err != nil {
		return "", false, fmt.Errorf("failed to record ownership: %w", err)
	}

	s.synthesiseUserBucket(ek.Serial, userID)

	metrics.EntryCodesClaimed.Inc()
	s.logger.Info().
		Str("serial", ek.Serial).
		Str("user_id", userID).
		Msg("device claimed")
	return ek.Serial, true, nil
}

// SynthesisePairingArtifacts makes sure an owned device has its alert-dialog
// bucket and the owner's user bucket. The listing handler calls this so the
// artifacts exist whether the device subscribes or lists first.
func (s *Service) SynthesisePairingArtifacts(serial, ownerID string) {
	if _, _, err := s.cache.EnsureBucket(serial, types.AlertDialogKey(serial), map[string]any{}, 1); err != nil {
		s.logger.Error().Err(err).Str("serial", serial).Msg("failed to synthesise alert dialog")
	}
	s.synthesiseUserBucket(serial, ownerID)
}

func (s *Service) synthesiseUserBucket(serial, userID string) {
	id := trimUserPrefix(userID)
	value := map[string]any{
		"name": "",
		"structure_memberships": []any{
			map[string]any{
				"structure": types.StructureKey(id),
				"roles":     []any{"owner"},
			},
		},
	}
	if _, _, err := s.cache.EnsureBucket(serial, types.UserKey(id), value, 1); err != nil {
		s.logger.Error().Err(err).Str("serial", serial).Msg("failed to synthesise user bucket")
	}
}

// DismissDialog clears the pairing prompt: the dialog bucket is replaced with
// an empty value at a bumped revision so woken subscribers hide it.
func (s *Service) DismissDialog(serial string) error {
	_, err := s.cache.Replace(serial, types.AlertDialogKey(serial), map[string]any{})
	return err
}

func trimUserPrefix(id string) string {
	const p = "user_"
	if len(id) > len(p) && id[:len(p)] == p {
		return id[len(p):]
	}
	return id
}

// GenerateCode produces a candidate entry code: three digits followed by four
// uppercase letters, the format legacy firmware renders on screen.
func GenerateCode() string {
	const digits = "0123456789"
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	b := make([]byte, 7)
	for i := 0; i < 3; i++ {
		b[i] = digits[rand.Intn(len(digits))]
	}
	for i := 3; i < 7; i++ {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
