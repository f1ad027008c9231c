package types

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Bucket kind prefixes. A bucket key is a dotted "kind.id" string.
const (
	KindDevice      = "device"
	KindShared      = "shared"
	KindStructure   = "structure"
	KindUser        = "user"
	KindAlertDialog = "device_alert_dialog"
)

// Bucket is the fundamental unit of device state: a versioned JSON object
// keyed by (serial, key). Revision bumps only when the value changes;
// Timestamp is always server-assigned milliseconds.
type Bucket struct {
	Serial    string         `json:"serial"`
	Key       string         `json:"object_key"`
	Revision  int64          `json:"object_revision"`
	Timestamp int64          `json:"object_timestamp"`
	Value     map[string]any `json:"value"`
	UpdatedAt int64          `json:"updated_at"`
}

// Clone returns a copy of the bucket with its own top-level value map.
// Merges are shallow, so copying the top level is sufficient.
func (b *Bucket) Clone() *Bucket {
	if b == nil {
		return nil
	}
	c := *b
	c.Value = CloneValue(b.Value)
	return &c
}

// CloneValue copies the top-level keys of a bucket value.
func CloneValue(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// ValueEqual reports whether two bucket values are equal. Comparison goes
// through JSON so that int64(21) and float64(21) from a decoded request
// compare equal.
func ValueEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// KindOf returns the kind prefix of a bucket key ("device" for
// "device.123ABC"). Empty string if the key has no dot.
func KindOf(key string) string {
	i := strings.IndexByte(key, '.')
	if i < 0 {
		return ""
	}
	return key[:i]
}

// IDOf returns the id suffix of a bucket key.
func IDOf(key string) string {
	i := strings.IndexByte(key, '.')
	if i < 0 {
		return ""
	}
	return key[i+1:]
}

func DeviceKey(serial string) string      { return KindDevice + "." + serial }
func SharedKey(serial string) string      { return KindShared + "." + serial }
func StructureKey(id string) string       { return KindStructure + "." + id }
func UserKey(id string) string            { return KindUser + "." + id }
func AlertDialogKey(serial string) string { return KindAlertDialog + "." + serial }

// AuthTier is the trust level computed for a device serial on every gated
// request.
type AuthTier string

const (
	TierPaired  AuthTier = "paired"
	TierPending AuthTier = "pending"
	TierUnknown AuthTier = "unknown"
)

// EntryKey is a short-lived pairing code displayed on the device.
type EntryKey struct {
	Code      string `json:"code"`
	Serial    string `json:"serial"`
	CreatedAt int64  `json:"created_at_ms"`
	ExpiresAt int64  `json:"expires_at_ms"`
	ClaimedBy string `json:"claimed_by,omitempty"`
	ClaimedAt int64  `json:"claimed_at_ms,omitempty"`
}

// Claimed reports whether the code has been consumed.
func (k *EntryKey) Claimed() bool { return k.ClaimedBy != "" }

// Expired reports whether the code is past its TTL at the given time.
func (k *EntryKey) Expired(nowMs int64) bool { return nowMs >= k.ExpiresAt }

// DeviceOwner maps a device serial to the account that claimed it.
type DeviceOwner struct {
	Serial    string `json:"serial"`
	UserID    string `json:"user_id"`
	CreatedAt int64  `json:"created_at_ms"`
}

// User is an operator account.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	CreatedAt int64  `json:"created_at_ms"`
}

// WeatherEntry caches one upstream weather response.
type WeatherEntry struct {
	PostalCode string          `json:"postal_code"`
	Country    string          `json:"country"`
	FetchedAt  int64           `json:"fetched_at_ms"`
	Data       json.RawMessage `json:"data"`
}

// APIKey is a hashed operator API credential. Only the preview is ever
// returned after creation.
type APIKey struct {
	ID          string   `json:"id"`
	KeyHash     string   `json:"key_hash"`
	KeyPreview  string   `json:"key_preview"`
	UserID      string   `json:"user_id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	CreatedAt   int64    `json:"created_at_ms"`
	LastUsedAt  int64    `json:"last_used_at_ms,omitempty"`
}

// DeviceShare grants a second user access to a device.
type DeviceShare struct {
	ID         string `json:"id"`
	Serial     string `json:"serial"`
	OwnerID    string `json:"owner_id"`
	SharedWith string `json:"shared_with"`
	CreatedAt  int64  `json:"created_at_ms"`
}

// DeviceShareInvite is a pending share sent to an email address.
type DeviceShareInvite struct {
	ID         string `json:"id"`
	Serial     string `json:"serial"`
	OwnerID    string `json:"owner_id"`
	Email      string `json:"email"`
	Token      string `json:"token"`
	CreatedAt  int64  `json:"created_at_ms"`
	ExpiresAt  int64  `json:"expires_at_ms"`
	AcceptedAt int64  `json:"accepted_at_ms,omitempty"`
}

// Integration holds per-user integration configuration (currently MQTT).
type Integration struct {
	UserID    string          `json:"user_id"`
	Kind      string          `json:"kind"`
	Config    json.RawMessage `json:"config"`
	UpdatedAt int64           `json:"updated_at_ms"`
}

// LogEntry is one device log upload.
type LogEntry struct {
	ID         string `json:"id"`
	Serial     string `json:"serial"`
	ReceivedAt int64  `json:"received_at_ms"`
	Size       int    `json:"size"`
	Compressed bool   `json:"compressed"`
	Data       []byte `json:"data,omitempty"`
}
