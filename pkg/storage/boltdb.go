package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openhearth/hearthd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bolt bucket names, one per table
	tblStates       = []byte("states")
	tblEntryKeys    = []byte("entryKeys")
	tblDeviceOwners = []byte("deviceOwners")
	tblUsers        = []byte("users")
	tblWeather      = []byte("weather")
	tblAPIKeys      = []byte("apiKeys")
	tblShares       = []byte("deviceShares")
	tblShareInvites = []byte("deviceShareInvites")
	tblIntegrations = []byte("integrations")
	tblLogs         = []byte("logs")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the database at dbPath.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		tables := [][]byte{
			tblStates,
			tblEntryKeys,
			tblDeviceOwners,
			tblUsers,
			tblWeather,
			tblAPIKeys,
			tblShares,
			tblShareInvites,
			tblIntegrations,
			tblLogs,
		}
		for _, tbl := range tables {
			if _, err := tx.CreateBucketIfNotExists(tbl); err != nil {
				return fmt.Errorf("failed to create table %s: %w", tbl, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// stateKey builds the composite row key for the states table. Serials are
// uppercase alphanumeric, so "/" never collides.
func stateKey(serial, objectKey string) []byte {
	return []byte(serial + "/" + objectKey)
}

// Bucket operations

func (s *BoltStore) PutBucket(b *types.Bucket) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tbl := tx.Bucket(tblStates)
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return tbl.Put(stateKey(b.Serial, b.Key), data)
	})
}

func (s *BoltStore) GetBucket(serial, key string) (*types.Bucket, error) {
	var b types.Bucket
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(tblStates).Get(stateKey(serial, key))
		if data == nil {
			return fmt.Errorf("bucket %s/%s: %w", serial, key, ErrNotFound)
		}
		return json.Unmarshal(data, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *BoltStore) DeleteBucket(serial, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tblStates).Delete(stateKey(serial, key))
	})
}

func (s *BoltStore) ListBuckets(serial string) ([]*types.Bucket, error) {
	var out []*types.Bucket
	prefix := []byte(serial + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(tblStates).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var b types.Bucket
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, &b)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListAllBuckets() ([]*types.Bucket, error) {
	var out []*types.Bucket
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tblStates).ForEach(func(k, v []byte) error {
			var b types.Bucket
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, &b)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteBucketsForSerial(serial string) error {
	prefix := []byte(serial + "/")
	return s.db.Update(func(tx *bolt.Tx) error {
		tbl := tx.Bucket(tblStates)
		c := tbl.Cursor()
		var doomed [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			kc := make([]byte, len(k))
			copy(kc, k)
			doomed = append(doomed, kc)
		}
		for _, k := range doomed {
			if err := tbl.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Entry key operations

// CreateUniqueEntryKey deletes any prior codes for the serial, then inserts a
// freshly generated code. The whole operation runs in a single transaction so
// two concurrent issuances cannot mint the same code.
func (s *BoltStore) CreateUniqueEntryKey(serial string, ttl time.Duration, gen func() string, maxAttempts int) (*types.EntryKey, error) {
	now := time.Now().UnixMilli()
	var created *types.EntryKey
	err := s.db.Update(func(tx *bolt.Tx) error {
		tbl := tx.Bucket(tblEntryKeys)

		if err := deleteEntryKeysForSerial(tbl, serial); err != nil {
			return err
		}

		for i := 0; i < maxAttempts; i++ {
			code := gen()
			if tbl.Get([]byte(code)) != nil {
				continue
			}
			ek := &types.EntryKey{
				Code:      code,
				Serial:    serial,
				CreatedAt: now,
				ExpiresAt: now + ttl.Milliseconds(),
			}
			data, err := json.Marshal(ek)
			if err != nil {
				return err
			}
			if err := tbl.Put([]byte(code), data); err != nil {
				return err
			}
			created = ek
			return nil
		}
		return ErrCodeSpaceExhausted
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *BoltStore) GetEntryKey(code string) (*types.EntryKey, error) {
	var ek types.EntryKey
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(tblEntryKeys).Get([]byte(code))
		if data == nil {
			return fmt.Errorf("entry key %s: %w", code, ErrNotFound)
		}
		return json.Unmarshal(data, &ek)
	})
	if err != nil {
		return nil, err
	}
	return &ek, nil
}

// GetEntryKeyForSerial returns the newest code issued to a serial, claimed or
// not. Callers check expiry and claim state.
func (s *BoltStore) GetEntryKeyForSerial(serial string) (*types.EntryKey, error) {
	var found *types.EntryKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tblEntryKeys).ForEach(func(k, v []byte) error {
			var ek types.EntryKey
			if err := json.Unmarshal(v, &ek); err != nil {
				return err
			}
			if ek.Serial != serial {
				return nil
			}
			if found == nil || ek.CreatedAt > found.CreatedAt {
				found = &ek
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("entry key for %s: %w", serial, ErrNotFound)
	}
	return found, nil
}

// ClaimEntryKey marks the code claimed iff it exists, is unexpired, and is
// currently unclaimed. The update is a single transaction, so of two
// concurrent claims exactly one wins.
func (s *BoltStore) ClaimEntryKey(code, userID string, nowMs int64) (*types.EntryKey, bool, error) {
	var ek types.EntryKey
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		tbl := tx.Bucket(tblEntryKeys)
		data := tbl.Get([]byte(code))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &ek); err != nil {
			return err
		}
		if ek.Claimed() || ek.Expired(nowMs) {
			return nil
		}
		ek.ClaimedBy = userID
		ek.ClaimedAt = nowMs
		out, err := json.Marshal(&ek)
		if err != nil {
			return err
		}
		if err := tbl.Put([]byte(code), out); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		return nil, false, nil
	}
	return &ek, true, nil
}

func (s *BoltStore) DeleteEntryKeysForSerial(serial string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteEntryKeysForSerial(tx.Bucket(tblEntryKeys), serial)
	})
}

func deleteEntryKeysForSerial(tbl *bolt.Bucket, serial string) error {
	var doomed [][]byte
	err := tbl.ForEach(func(k, v []byte) error {
		var ek types.EntryKey
		if err := json.Unmarshal(v, &ek); err != nil {
			return err
		}
		if ek.Serial == serial {
			kc := make([]byte, len(k))
			copy(kc, k)
			doomed = append(doomed, kc)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range doomed {
		if err := tbl.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Device owner operations

func (s *BoltStore) PutDeviceOwner(o *types.DeviceOwner) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(o)
		if err != nil {
			return err
		}
		return tx.Bucket(tblDeviceOwners).Put([]byte(o.Serial), data)
	})
}

func (s *BoltStore) GetDeviceOwner(serial string) (*types.DeviceOwner, error) {
	var o types.DeviceOwner
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(tblDeviceOwners).Get([]byte(serial))
		if data == nil {
			return fmt.Errorf("owner of %s: %w", serial, ErrNotFound)
		}
		return json.Unmarshal(data, &o)
	})
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *BoltStore) DeleteDeviceOwner(serial string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tblDeviceOwners).Delete([]byte(serial))
	})
}

func (s *BoltStore) ListDeviceOwners() ([]*types.DeviceOwner, error) {
	var out []*types.DeviceOwner
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tblDeviceOwners).ForEach(func(k, v []byte) error {
			var o types.DeviceOwner
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			out = append(out, &o)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListDeviceOwnersByUser(userID string) ([]*types.DeviceOwner, error) {
	all, err := s.ListDeviceOwners()
	if err != nil {
		return nil, err
	}
	var out []*types.DeviceOwner
	for _, o := range all {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

// User operations

func (s *BoltStore) PutUser(u *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return tx.Bucket(tblUsers).Put([]byte(u.ID), data)
	})
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var u types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(tblUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var out []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tblUsers).ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			out = append(out, &u)
			return nil
		})
	})
	return out, err
}

// Weather cache operations

func weatherKey(postalCode, country string) []byte {
	return []byte(postalCode + "/" + country)
}

func (s *BoltStore) PutWeather(w *types.WeatherEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return tx.Bucket(tblWeather).Put(weatherKey(w.PostalCode, w.Country), data)
	})
}

func (s *BoltStore) GetWeather(postalCode, country string) (*types.WeatherEntry, error) {
	var w types.WeatherEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(tblWeather).Get(weatherKey(postalCode, country))
		if data == nil {
			return fmt.Errorf("weather %s/%s: %w", postalCode, country, ErrNotFound)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// API key operations

func (s *BoltStore) PutAPIKey(k *types.APIKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(k)
		if err != nil {
			return err
		}
		return tx.Bucket(tblAPIKeys).Put([]byte(k.ID), data)
	})
}

func (s *BoltStore) GetAPIKeyByHash(hash string) (*types.APIKey, error) {
	var found *types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tblAPIKeys).ForEach(func(k, v []byte) error {
			var key types.APIKey
			if err := json.Unmarshal(v, &key); err != nil {
				return err
			}
			if key.KeyHash == hash {
				found = &key
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("api key: %w", ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListAPIKeysByUser(userID string) ([]*types.APIKey, error) {
	var out []*types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tblAPIKeys).ForEach(func(k, v []byte) error {
			var key types.APIKey
			if err := json.Unmarshal(v, &key); err != nil {
				return err
			}
			if key.UserID == userID {
				out = append(out, &key)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteAPIKey(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tblAPIKeys).Delete([]byte(id))
	})
}

// Device share operations

func (s *BoltStore) PutDeviceShare(sh *types.DeviceShare) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sh)
		if err != nil {
			return err
		}
		return tx.Bucket(tblShares).Put([]byte(sh.ID), data)
	})
}

func (s *BoltStore) ListDeviceSharesBySerial(serial string) ([]*types.DeviceShare, error) {
	return s.listShares(func(sh *types.DeviceShare) bool { return sh.Serial == serial })
}

func (s *BoltStore) ListDeviceSharesByUser(userID string) ([]*types.DeviceShare, error) {
	return s.listShares(func(sh *types.DeviceShare) bool {
		return sh.SharedWith == userID || sh.OwnerID == userID
	})
}

func (s *BoltStore) listShares(match func(*types.DeviceShare) bool) ([]*types.DeviceShare, error) {
	var out []*types.DeviceShare
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tblShares).ForEach(func(k, v []byte) error {
			var sh types.DeviceShare
			if err := json.Unmarshal(v, &sh); err != nil {
				return err
			}
			if match(&sh) {
				out = append(out, &sh)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteDeviceShare(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tblShares).Delete([]byte(id))
	})
}

func (s *BoltStore) PutDeviceShareInvite(i *types.DeviceShareInvite) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(i)
		if err != nil {
			return err
		}
		return tx.Bucket(tblShareInvites).Put([]byte(i.ID), data)
	})
}

func (s *BoltStore) GetDeviceShareInvite(token string) (*types.DeviceShareInvite, error) {
	var found *types.DeviceShareInvite
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tblShareInvites).ForEach(func(k, v []byte) error {
			var i types.DeviceShareInvite
			if err := json.Unmarshal(v, &i); err != nil {
				return err
			}
			if i.Token == token {
				found = &i
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("share invite: %w", ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) DeleteDeviceShareInvite(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tblShareInvites).Delete([]byte(id))
	})
}

// Integration operations

func integrationKey(userID, kind string) []byte {
	return []byte(userID + "/" + kind)
}

func (s *BoltStore) PutIntegration(i *types.Integration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(i)
		if err != nil {
			return err
		}
		return tx.Bucket(tblIntegrations).Put(integrationKey(i.UserID, i.Kind), data)
	})
}

func (s *BoltStore) GetIntegration(userID, kind string) (*types.Integration, error) {
	var i types.Integration
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(tblIntegrations).Get(integrationKey(userID, kind))
		if data == nil {
			return fmt.Errorf("integration %s/%s: %w", userID, kind, ErrNotFound)
		}
		return json.Unmarshal(data, &i)
	})
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *BoltStore) ListIntegrations(kind string) ([]*types.Integration, error) {
	var out []*types.Integration
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tblIntegrations).ForEach(func(k, v []byte) error {
			var i types.Integration
			if err := json.Unmarshal(v, &i); err != nil {
				return err
			}
			if kind == "" || i.Kind == kind {
				out = append(out, &i)
			}
			return nil
		})
	})
	return out, err
}

// Device log operations

func (s *BoltStore) AppendDeviceLog(e *types.LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tbl := tx.Bucket(tblLogs)
		if e.ID == "" {
			seq, err := tbl.NextSequence()
			if err != nil {
				return err
			}
			e.ID = fmt.Sprintf("%s/%016d", e.Serial, seq)
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tbl.Put([]byte(e.ID), data)
	})
}

func (s *BoltStore) ListDeviceLogs(serial string, limit int) ([]*types.LogEntry, error) {
	var out []*types.LogEntry
	prefix := []byte(serial + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(tblLogs).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var e types.LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}
