package api

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/openhearth/hearthd/pkg/httperr"
	"github.com/openhearth/hearthd/pkg/storage"
	"github.com/openhearth/hearthd/pkg/types"
)

// claimRejected is the fixed message a losing or invalid claim returns. The
// dashboard distinguishes outcomes via the success flag, not the status code.
const claimRejected = "Invalid, expired, or already claimed entry key"

const shareInviteTTL = 7 * 24 * time.Hour

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		httperr.Write(w, httperr.New(httperr.KindNotFound, "not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "hearthd",
		"version": s.opts.Version,
		"uptime":  time.Since(s.startTime).String(),
	})
}

// handleStatus reports one device: tier, owner, availability, bucket refs.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing serial"))
		return
	}

	buckets := s.cache.List(serial)
	if len(buckets) == 0 {
		httperr.Write(w, httperr.New(httperr.KindNotFound, "unknown device"))
		return
	}

	tier, err := s.pairing.Tier(serial)
	if err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "tier lookup failed", err))
		return
	}
	owner, _ := s.pairing.Owner(serial)

	objects := make([]map[string]any, 0, len(buckets))
	for _, b := range buckets {
		objects = append(objects, map[string]any{
			"object_key":       b.Key,
			"object_revision":  b.Revision,
			"object_timestamp": b.Timestamp,
		})
	}

	resp := map[string]any{
		"serial":        serial,
		"tier":          string(tier),
		"owner":         owner,
		"online":        s.tracker.IsOnline(serial),
		"subscriptions": s.registry.CountFor(serial),
		"objects":       objects,
	}
	if seen, ok := s.tracker.LastSeen(serial); ok {
		resp["last_seen"] = seen.UnixMilli()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	serials := s.cache.Serials()
	devices := make([]map[string]any, 0, len(serials))
	for _, serial := range serials {
		tier, err := s.pairing.Tier(serial)
		if err != nil {
			tier = types.TierUnknown
		}
		owner, _ := s.pairing.Owner(serial)
		devices = append(devices, map[string]any{
			"serial":  serial,
			"tier":    string(tier),
			"owner":   owner,
			"online":  s.tracker.IsOnline(serial),
			"buckets": len(s.cache.List(serial)),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	online := 0
	for _, up := range s.tracker.Snapshot() {
		if up {
			online++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":              s.opts.Version,
		"uptime_seconds":       int64(time.Since(s.startTime).Seconds()),
		"devices":              len(s.cache.Serials()),
		"devices_online":       online,
		"buckets":              s.cache.BucketCount(),
		"active_subscriptions": s.registry.Total(),
	})
}

// handleNotifyDevice force-wakes a device's open subscriptions with the
// current state of every bucket it holds.
func (s *Server) handleNotifyDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Serial string `json:"serial"`
	}
	if err := readJSON(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	if req.Serial == "" {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing serial"))
		return
	}

	buckets := s.cache.List(req.Serial)
	if len(buckets) == 0 {
		httperr.Write(w, httperr.New(httperr.KindNotFound, "unknown device"))
		return
	}
	s.registry.Notify(req.Serial, buckets)
	writeJSON(w, http.StatusOK, map[string]any{
		"notified": s.registry.CountFor(req.Serial),
	})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Serial  string `json:"serial"`
		Command string `json:"command"`
		Value   any    `json:"value"`
	}
	if err := readJSON(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	if req.Serial == "" || req.Command == "" {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing serial or command"))
		return
	}

	b, err := s.commands.Execute(req.Serial, req.Command, req.Value)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"object_key":       b.Key,
		"object_revision":  b.Revision,
		"object_timestamp": b.Timestamp,
	})
}

func (s *Server) handleDismissPairing(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	if err := s.pairing.DismissDialog(serial); err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "dismiss failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleDeleteDevice forgets a device entirely: state, ownership, codes.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		var req struct {
			Serial string `json:"serial"`
		}
		if err := readJSON(r, &req); err == nil {
			serial = req.Serial
		}
	}
	if serial == "" {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing serial"))
		return
	}

	if err := s.cache.Forget(serial); err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "failed to delete device state", err))
		return
	}
	if err := s.store.DeleteDeviceOwner(serial); err != nil && !errors.Is(err, storage.ErrNotFound) {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "failed to delete ownership", err))
		return
	}
	if err := s.store.DeleteEntryKeysForSerial(serial); err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "failed to delete entry keys", err))
		return
	}
	s.logger.Info().Str("serial", serial).Msg("device deleted")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleRegister claims an entry code for a user.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code   string `json:"code"`
		UserID string `json:"userId"`
	}
	if err := readJSON(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	if req.Code == "" || req.UserID == "" {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing code or userId"))
		return
	}

	serial, ok, err := s.pairing.Claim(req.Code, req.UserID)
	if err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "claim failed", err))
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": claimRejected,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"serial":  serial,
	})
}

func (s *Server) handleRegisteredDevices(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing userId"))
		return
	}

	owners, err := s.store.ListDeviceOwnersByUser(userID)
	if err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "owner lookup failed", err))
		return
	}

	devices := make([]map[string]any, 0, len(owners))
	for _, o := range owners {
		devices = append(devices, map[string]any{
			"serial":        o.Serial,
			"registered_at": o.CreatedAt,
			"online":        s.tracker.IsOnline(o.Serial),
		})
	}

	// Devices shared with this user appear alongside owned ones.
	shares, err := s.store.ListDeviceSharesByUser(userID)
	if err == nil {
		for _, sh := range shares {
			devices = append(devices, map[string]any{
				"serial": sh.Serial,
				"shared": true,
				"online": s.tracker.IsOnline(sh.Serial),
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleUnregisterDevice(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing userId"))
		return
	}

	owner, err := s.store.GetDeviceOwner(serial)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httperr.Write(w, httperr.New(httperr.KindNotFound, "device not registered"))
			return
		}
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "owner lookup failed", err))
		return
	}
	if owner.UserID != userID {
		httperr.Write(w, httperr.New(httperr.KindUnauthorized, "not the device owner"))
		return
	}

	if err := s.store.DeleteDeviceOwner(serial); err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "failed to delete ownership", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleEnsureUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		Email  string `json:"email"`
	}
	if err := readJSON(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	if req.UserID == "" {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing userId"))
		return
	}

	if _, err := s.store.GetUser(req.UserID); err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "created": false})
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "user lookup failed", err))
		return
	}

	u := &types.User{
		ID:        req.UserID,
		Email:     req.Email,
		CreatedAt: s.nowMs(),
	}
	if err := s.store.PutUser(u); err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "failed to create user", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "created": true})
}

func (s *Server) handlePutMQTTConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string          `json:"userId"`
		Config json.RawMessage `json:"config"`
	}
	if err := readJSON(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	if req.UserID == "" || len(req.Config) == 0 {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing userId or config"))
		return
	}

	in := &types.Integration{
		UserID:    req.UserID,
		Kind:      "mqtt",
		Config:    req.Config,
		UpdatedAt: s.nowMs(),
	}
	if err := s.store.PutIntegration(in); err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "failed to save config", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"config":  json.RawMessage(in.Config),
	})
}

func (s *Server) handleGetMQTTConfig(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing userId"))
		return
	}
	in, err := s.store.GetIntegration(userID, "mqtt")
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httperr.Write(w, httperr.New(httperr.KindNotFound, "no mqtt config"))
			return
		}
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "config lookup failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config":     json.RawMessage(in.Config),
		"updated_at": in.UpdatedAt,
	})
}

// handleCreateAPIKey mints an operator API key. The full key is returned
// exactly once; only its hash and a short preview are stored.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string   `json:"userId"`
		Name        string   `json:"name"`
		Permissions []string `json:"permissions"`
	}
	if err := readJSON(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	if req.UserID == "" || req.Name == "" {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing userId or name"))
		return
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "key generation failed", err))
		return
	}
	key := "hk_" + hex.EncodeToString(raw)
	sum := sha256.Sum256([]byte(key))

	rec := &types.APIKey{
		ID:          uuid.NewString(),
		KeyHash:     hex.EncodeToString(sum[:]),
		KeyPreview:  key[:10] + "…",
		UserID:      req.UserID,
		Name:        req.Name,
		Permissions: req.Permissions,
		CreatedAt:   s.nowMs(),
	}
	if err := s.store.PutAPIKey(rec); err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "failed to save key", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      rec.ID,
		"key":     key,
		"preview": rec.KeyPreview,
	})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing userId"))
		return
	}
	keys, err := s.store.ListAPIKeysByUser(userID)
	if err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "key lookup failed", err))
		return
	}
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]any{
			"id":           k.ID,
			"name":         k.Name,
			"preview":      k.KeyPreview,
			"permissions":  k.Permissions,
			"created_at":   k.CreatedAt,
			"last_used_at": k.LastUsedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAPIKey(r.PathValue("id")); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httperr.Write(w, httperr.New(httperr.KindNotFound, "no such key"))
			return
		}
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "failed to delete key", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Serial     string `json:"serial"`
		OwnerID    string `json:"ownerId"`
		SharedWith string `json:"sharedWith"`
	}
	if err := readJSON(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	if req.Serial == "" || req.OwnerID == "" || req.SharedWith == "" {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing serial, ownerId, or sharedWith"))
		return
	}
	if owner, err := s.pairing.Owner(req.Serial); err != nil || owner != req.OwnerID {
		httperr.Write(w, httperr.New(httperr.KindUnauthorized, "not the device owner"))
		return
	}

	sh := &types.DeviceShare{
		ID:         uuid.NewString(),
		Serial:     req.Serial,
		OwnerID:    req.OwnerID,
		SharedWith: req.SharedWith,
		CreatedAt:  s.nowMs(),
	}
	if err := s.store.PutDeviceShare(sh); err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "failed to save share", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": sh.ID})
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	var (
		shares []*types.DeviceShare
		err    error
	)
	switch {
	case r.URL.Query().Get("serial") != "":
		shares, err = s.store.ListDeviceSharesBySerial(r.URL.Query().Get("serial"))
	case r.URL.Query().Get("userId") != "":
		shares, err = s.store.ListDeviceSharesByUser(r.URL.Query().Get("userId"))
	default:
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing serial or userId"))
		return
	}
	if err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "share lookup failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shares": shares})
}

func (s *Server) handleDeleteShare(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDeviceShare(r.PathValue("id")); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httperr.Write(w, httperr.New(httperr.KindNotFound, "no such share"))
			return
		}
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "failed to delete share", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleCreateShareInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Serial  string `json:"serial"`
		OwnerID string `json:"ownerId"`
		Email   string `json:"email"`
	}
	if err := readJSON(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	if req.Serial == "" || req.OwnerID == "" || req.Email == "" {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing serial, ownerId, or email"))
		return
	}
	if owner, err := s.pairing.Owner(req.Serial); err != nil || owner != req.OwnerID {
		httperr.Write(w, httperr.New(httperr.KindUnauthorized, "not the device owner"))
		return
	}

	inv := &types.DeviceShareInvite{
		ID:        uuid.NewString(),
		Serial:    req.Serial,
		OwnerID:   req.OwnerID,
		Email:     req.Email,
		Token:     uuid.NewString(),
		CreatedAt: s.nowMs(),
		ExpiresAt: s.nowMs() + shareInviteTTL.Milliseconds(),
	}
	if err := s.store.PutDeviceShareInvite(inv); err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "failed to save invite", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"token":      inv.Token,
		"expires_at": inv.ExpiresAt,
	})
}

func (s *Server) handleAcceptShareInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token  string `json:"token"`
		UserID string `json:"userId"`
	}
	if err := readJSON(r, &req); err != nil {
		httperr.Write(w, err)
		return
	}
	if req.Token == "" || req.UserID == "" {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing token or userId"))
		return
	}

	inv, err := s.store.GetDeviceShareInvite(req.Token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httperr.Write(w, httperr.New(httperr.KindNotFound, "no such invite"))
			return
		}
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "invite lookup failed", err))
		return
	}
	if inv.ExpiresAt < s.nowMs() || inv.AcceptedAt != 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": "invite expired or already accepted",
		})
		return
	}

	sh := &types.DeviceShare{
		ID:         uuid.NewString(),
		Serial:     inv.Serial,
		OwnerID:    inv.OwnerID,
		SharedWith: req.UserID,
		CreatedAt:  s.nowMs(),
	}
	if err := s.store.PutDeviceShare(sh); err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "failed to save share", err))
		return
	}
	inv.AcceptedAt = s.nowMs()
	if err := s.store.PutDeviceShareInvite(inv); err != nil {
		s.logger.Warn().Err(err).Str("invite", inv.ID).Msg("failed to mark invite accepted")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"serial":  inv.Serial,
	})
}

func (s *Server) handleDeviceLogs(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "missing serial"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	logs, err := s.store.ListDeviceLogs(serial, limit)
	if err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "log lookup failed", err))
		return
	}
	out := make([]map[string]any, 0, len(logs))
	for _, e := range logs {
		out = append(out, map[string]any{
			"id":          e.ID,
			"received_at": e.ReceivedAt,
			"size":        e.Size,
			"compressed":  e.Compressed,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": out})
}
