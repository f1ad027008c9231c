package storage

import (
	"errors"
	"time"

	"github.com/openhearth/hearthd/pkg/types"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrCodeSpaceExhausted is returned when a fresh entry code could not be
// generated within the attempt budget.
var ErrCodeSpaceExhausted = errors.New("entry code space exhausted")

// Store defines the interface for durable control-plane state.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Buckets
	PutBucket(b *types.Bucket) error
	GetBucket(serial, key string) (*types.Bucket, error)
	DeleteBucket(serial, key string) error
	ListBuckets(serial string) ([]*types.Bucket, error)
	ListAllBuckets() ([]*types.Bucket, error)
	DeleteBucketsForSerial(serial string) error

	// Entry keys (pairing codes)
	CreateUniqueEntryKey(serial string, ttl time.Duration, gen func() string, maxAttempts int) (*types.EntryKey, error)
	GetEntryKey(code string) (*types.EntryKey, error)
	GetEntryKeyForSerial(serial string) (*types.EntryKey, error)
	ClaimEntryKey(code, userID string, nowMs int64) (*types.EntryKey, bool, error)
	DeleteEntryKeysForSerial(serial string) error

	// Device ownership
	PutDeviceOwner(o *types.DeviceOwner) error
	GetDeviceOwner(serial string) (*types.DeviceOwner, error)
	DeleteDeviceOwner(serial string) error
	ListDeviceOwners() ([]*types.DeviceOwner, error)
	ListDeviceOwnersByUser(userID string) ([]*types.DeviceOwner, error)

	// Users
	PutUser(u *types.User) error
	GetUser(id string) (*types.User, error)
	ListUsers() ([]*types.User, error)

	// Weather cache
	PutWeather(w *types.WeatherEntry) error
	GetWeather(postalCode, country string) (*types.WeatherEntry, error)

	// API keys
	PutAPIKey(k *types.APIKey) error
	GetAPIKeyByHash(hash string) (*types.APIKey, error)
	ListAPIKeysByUser(userID string) ([]*types.APIKey, error)
	DeleteAPIKey(id string) error

	// Device shares and invites
	PutDeviceShare(s *types.DeviceShare) error
	ListDeviceSharesBySerial(serial string) ([]*types.DeviceShare, error)
	ListDeviceSharesByUser(userID string) ([]*types.DeviceShare, error)
	DeleteDeviceShare(id string) error
	PutDeviceShareInvite(i *types.DeviceShareInvite) error
	GetDeviceShareInvite(token string) (*types.DeviceShareInvite, error)
	DeleteDeviceShareInvite(id string) error

	// Integrations
	PutIntegration(i *types.Integration) error
	GetIntegration(userID, kind string) (*types.Integration, error)
	ListIntegrations(kind string) ([]*types.Integration, error)

	// Device log uploads
	AppendDeviceLog(e *types.LogEntry) error
	ListDeviceLogs(serial string, limit int) ([]*types.LogEntry, error)

	// Utility
	Close() error
}
