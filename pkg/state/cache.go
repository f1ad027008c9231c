package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openhearth/hearthd/pkg/log"
	"github.com/openhearth/hearthd/pkg/storage"
	"github.com/openhearth/hearthd/pkg/types"
	"github.com/rs/zerolog"
)

// ChangeEvent describes one committed bucket mutation.
type ChangeEvent struct {
	Serial        string
	Key           string
	Prior         map[string]any // nil when the bucket was created
	Value         map[string]any
	ChangedFields []string
	Revision      int64
	Timestamp     int64
}

// SubscriberFunc receives change events. Delivery happens on the writer's
// goroutine in registration order; implementations must hand work off
// quickly and must not write buckets of the same serial re-entrantly.
type SubscriberFunc func(ChangeEvent)

type subscriber struct {
	name string
	fn   SubscriberFunc
}

// Cache is the process-wide bucket state: an in-memory mirror of the states
// table with write-through persistence and an ordered change stream.
type Cache struct {
	store  storage.Store
	logger zerolog.Logger

	mu      sync.RWMutex
	buckets map[string]map[string]*types.Bucket // serial -> key -> bucket

	lockMu      sync.Mutex
	serialLocks map[string]*sync.Mutex

	subMu sync.RWMutex
	subs  []subscriber

	nowMs func() int64
}

// NewCache creates an empty cache over the given store. Call Warm before
// serving traffic.
func NewCache(store storage.Store) *Cache {
	return &Cache{
		store:       store,
		logger:      log.WithComponent("state"),
		buckets:     make(map[string]map[string]*types.Bucket),
		serialLocks: make(map[string]*sync.Mutex),
		nowMs:       func() int64 { return time.Now().UnixMilli() },
	}
}

// Warm loads every bucket from the persistent store into memory.
func (c *Cache) Warm() error {
	all, err := c.store.ListAllBuckets()
	if err != nil {
		return fmt.Errorf("failed to warm cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range all {
		m, ok := c.buckets[b.Serial]
		if !ok {
			m = make(map[string]*types.Bucket)
			c.buckets[b.Serial] = m
		}
		m[b.Key] = b
	}
	c.logger.Info().Int("buckets", len(all)).Int("serials", len(c.buckets)).Msg("cache warmed")
	return nil
}

// Subscribe registers a change-stream subscriber. Subscribers are invoked in
// registration order; a panic in one does not stop delivery to the rest.
func (c *Cache) Subscribe(name string, fn SubscriberFunc) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs = append(c.subs, subscriber{name: name, fn: fn})
}

// Get returns a copy of the bucket, or nil if absent.
func (c *Cache) Get(serial, key string) *types.Bucket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.buckets[serial]; ok {
		return m[key].Clone()
	}
	return nil
}

// List returns copies of every bucket held for a serial, sorted by key.
func (c *Cache) List(serial string) []*types.Bucket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.buckets[serial]
	out := make([]*types.Bucket, 0, len(m))
	for _, b := range m {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Serials returns every serial with at least one bucket, sorted.
func (c *Cache) Serials() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.buckets))
	for s, m := range c.buckets {
		if len(m) > 0 {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// BucketCount returns the total number of cached buckets.
func (c *Cache) BucketCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, m := range c.buckets {
		n += len(m)
	}
	return n
}

func (c *Cache) serialLock(serial string) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	l, ok := c.serialLocks[serial]
	if !ok {
		l = &sync.Mutex{}
		c.serialLocks[serial] = l
	}
	return l
}

// ownerID returns the owning user id for a serial with any "user_" prefix
// stripped, or "" when unowned.
func (c *Cache) ownerID(serial string) string {
	owner, err := c.store.GetDeviceOwner(serial)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Error().Err(err).Str("serial", serial).Msg("owner lookup failed")
		}
		return ""
	}
	return strings.TrimPrefix(owner.UserID, "user_")
}

// Upsert merges updates onto the stored bucket and commits the result with a
// server-assigned timestamp. The revision bumps by exactly one iff the merged
// value differs from the stored value; an idempotent write returns the stored
// bucket unchanged. Returns the committed bucket and whether it changed.
func (c *Cache) Upsert(serial, key string, updates map[string]any) (*types.Bucket, bool, error) {
	return c.upsert(serial, key, updates, 0, 0, false)
}

// UpsertAt merges updates like Upsert but commits at the client-supplied
// revision and timestamp. Used when the device's copy wins reconciliation.
func (c *Cache) UpsertAt(serial, key string, updates map[string]any, revision, timestamp int64) (*types.Bucket, bool, error) {
	return c.upsert(serial, key, updates, revision, timestamp, true)
}

func (c *Cache) upsert(serial, key string, updates map[string]any, revision, timestamp int64, clientAuthoritative bool) (*types.Bucket, bool, error) {
	lock := c.serialLock(serial)
	lock.Lock()
	defer lock.Unlock()

	now := c.nowMs()

	c.mu.RLock()
	var prior *types.Bucket
	if m, ok := c.buckets[serial]; ok {
		prior = m[key]
	}
	c.mu.RUnlock()

	var stored map[string]any
	if prior != nil {
		stored = prior.Value
	}

	merged := mergeValue(stored, updates, now)

	// Structure id assignment: device buckets of an owned device always
	// carry the owner-derived structure id.
	if types.KindOf(key) == types.KindDevice {
		if sid, _ := merged["structure_id"].(string); sid == "" {
			if owner := c.ownerID(serial); owner != "" {
				merged["structure_id"] = owner
			}
		}
	}

	if prior != nil && types.ValueEqual(merged, prior.Value) && !clientAuthoritative {
		return prior.Clone(), false, nil
	}

	next := &types.Bucket{
		Serial:    serial,
		Key:       key,
		Value:     merged,
		UpdatedAt: now,
	}
	switch {
	case clientAuthoritative:
		next.Revision = revision
		next.Timestamp = timestamp
	case prior == nil:
		next.Revision = 1
		next.Timestamp = now
	default:
		next.Revision = prior.Revision + 1
		next.Timestamp = now
		if next.Timestamp < prior.Timestamp {
			next.Timestamp = prior.Timestamp
		}
	}

	changed := changedFields(stored, merged)

	c.mu.Lock()
	m, ok := c.buckets[serial]
	if !ok {
		m = make(map[string]*types.Bucket)
		c.buckets[serial] = m
	}
	m[key] = next
	c.mu.Unlock()

	if err := c.store.PutBucket(next); err != nil {
		// Roll the cache back so readers never observe an unpersisted
		// value.
		c.mu.Lock()
		if prior != nil {
			c.buckets[serial][key] = prior
		} else {
			delete(c.buckets[serial], key)
		}
		c.mu.Unlock()
		return nil, false, fmt.Errorf("failed to persist bucket %s/%s: %w", serial, key, err)
	}

	c.emit(ChangeEvent{
		Serial:        serial,
		Key:           key,
		Prior:         types.CloneValue(stored),
		Value:         types.CloneValue(merged),
		ChangedFields: changed,
		Revision:      next.Revision,
		Timestamp:     next.Timestamp,
	})

	return next.Clone(), true, nil
}

// Replace overwrites the bucket value wholesale at a bumped revision, even
// when the new value equals the old one. Used for operator actions that must
// wake subscribers, like dismissing the pairing dialog.
func (c *Cache) Replace(serial, key string, value map[string]any) (*types.Bucket, error) {
	lock := c.serialLock(serial)
	lock.Lock()
	defer lock.Unlock()

	now := c.nowMs()

	c.mu.RLock()
	var prior *types.Bucket
	if m, ok := c.buckets[serial]; ok {
		prior = m[key]
	}
	c.mu.RUnlock()

	next := &types.Bucket{
		Serial:    serial,
		Key:       key,
		Revision:  1,
		Timestamp: now,
		Value:     types.CloneValue(value),
		UpdatedAt: now,
	}
	if next.Value == nil {
		next.Value = map[string]any{}
	}
	var stored map[string]any
	if prior != nil {
		next.Revision = prior.Revision + 1
		stored = prior.Value
		if next.Timestamp < prior.Timestamp {
			next.Timestamp = prior.Timestamp
		}
	}

	c.mu.Lock()
	m, ok := c.buckets[serial]
	if !ok {
		m = make(map[string]*types.Bucket)
		c.buckets[serial] = m
	}
	m[key] = next
	c.mu.Unlock()

	if err := c.store.PutBucket(next); err != nil {
		c.mu.Lock()
		if prior != nil {
			c.buckets[serial][key] = prior
		} else {
			delete(c.buckets[serial], key)
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to persist bucket %s/%s: %w", serial, key, err)
	}

	c.emit(ChangeEvent{
		Serial:        serial,
		Key:           key,
		Prior:         types.CloneValue(stored),
		Value:         types.CloneValue(next.Value),
		ChangedFields: changedFields(stored, next.Value),
		Revision:      next.Revision,
		Timestamp:     next.Timestamp,
	})

	return next.Clone(), nil
}

// EnsureBucket creates the bucket with the given value and revision if it
// does not exist yet. Existing buckets are left untouched and returned as-is.
func (c *Cache) EnsureBucket(serial, key string, value map[string]any, revision int64) (*types.Bucket, bool, error) {
	lock := c.serialLock(serial)
	lock.Lock()
	defer lock.Unlock()

	c.mu.RLock()
	var prior *types.Bucket
	if m, ok := c.buckets[serial]; ok {
		prior = m[key]
	}
	c.mu.RUnlock()

	if prior != nil {
		return prior.Clone(), false, nil
	}

	now := c.nowMs()
	next := &types.Bucket{
		Serial:    serial,
		Key:       key,
		Revision:  revision,
		Timestamp: now,
		Value:     types.CloneValue(value),
		UpdatedAt: now,
	}
	if next.Value == nil {
		next.Value = map[string]any{}
	}

	c.mu.Lock()
	m, ok := c.buckets[serial]
	if !ok {
		m = make(map[string]*types.Bucket)
		c.buckets[serial] = m
	}
	m[key] = next
	c.mu.Unlock()

	if err := c.store.PutBucket(next); err != nil {
		c.mu.Lock()
		delete(c.buckets[serial], key)
		c.mu.Unlock()
		return nil, false, fmt.Errorf("failed to persist bucket %s/%s: %w", serial, key, err)
	}

	c.emit(ChangeEvent{
		Serial:        serial,
		Key:           key,
		Prior:         nil,
		Value:         types.CloneValue(next.Value),
		ChangedFields: changedFields(nil, next.Value),
		Revision:      next.Revision,
		Timestamp:     next.Timestamp,
	})

	return next.Clone(), true, nil
}

// Forget removes every bucket for a serial from the cache and the store.
func (c *Cache) Forget(serial string) error {
	lock := c.serialLock(serial)
	lock.Lock()
	defer lock.Unlock()

	if err := c.store.DeleteBucketsForSerial(serial); err != nil {
		return fmt.Errorf("failed to forget %s: %w", serial, err)
	}

	c.mu.Lock()
	delete(c.buckets, serial)
	c.mu.Unlock()
	return nil
}

// emit delivers a change event to every subscriber in registration order,
// still under the serial lock so per-serial ordering matches commit order.
func (c *Cache) emit(ev ChangeEvent) {
	c.subMu.RLock()
	subs := c.subs
	c.subMu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error().
						Str("subscriber", s.name).
						Str("serial", ev.Serial).
						Str("key", ev.Key).
						Interface("panic", r).
						Msg("change subscriber panicked")
				}
			}()
			s.fn(ev)
		}()
	}
}
