package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long an aggregation result stays usable.
const DefaultTTL = 5 * time.Minute

// Entry is a cached value. Timestamp is when it was stored and drives expiry;
// IssuedAt is when the fetch that produced it started.
type Entry[V any] struct {
	Key       string
	Data      V
	Timestamp time.Time
	IssuedAt  time.Time
}

// TTLCache stores values in memory. A value older than the TTL is treated as
// absent, never as stale-but-usable.
type TTLCache[V any] struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	items map[string]Entry[V]
}

// Option configures a TTLCache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewTTLCache constructs a cache whose entries expire ttl after they were set.
// A non-positive ttl falls back to DefaultTTL.
func NewTTLCache[V any](ttl time.Duration, opts ...Option) *TTLCache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TTLCache[V]{
		ttl:   ttl,
		now:   o.now,
		items: make(map[string]Entry[V]),
	}
}

// Get returns a cached value if it exists and has not expired.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if c.now().Sub(entry.Timestamp) > c.ttl {
		c.mu.Lock()
		if cur, still := c.items[key]; still && cur.Timestamp.Equal(entry.Timestamp) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return entry.Data, true
}

// Set stores a value stamped with the current time.
func (c *TTLCache[V]) Set(key string, value V) {
	if c == nil {
		return
	}
	now := c.now()
	c.mu.Lock()
	c.items[key] = Entry[V]{Key: key, Data: value, Timestamp: now, IssuedAt: now}
	c.mu.Unlock()
}

// SetIfNewer stores a value produced by a fetch that started at issuedAt, unless
// the key already holds a live entry from a fetch that started later. It reports
// whether the value was stored.
func (c *TTLCache[V]) SetIfNewer(key string, value V, issuedAt time.Time) bool {
	if c == nil {
		return false
	}
	return c.SetIfNewerAt(key, value, issuedAt, c.now())
}

// SetIfNewerAt is SetIfNewer for a value that already aged elsewhere, such as a
// shared cache level. Expiry runs from storedAt instead of now, so copying an
// entry between levels never extends its life. A value already older than the
// TTL is not stored.
func (c *TTLCache[V]) SetIfNewerAt(key string, value V, issuedAt, storedAt time.Time) bool {
	if c == nil {
		return false
	}
	now := c.now()
	if storedAt.After(now) {
		storedAt = now
	}
	if now.Sub(storedAt) > c.ttl {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.items[key]; ok && now.Sub(cur.Timestamp) <= c.ttl && cur.IssuedAt.After(issuedAt) {
		return false
	}
	c.items[key] = Entry[V]{Key: key, Data: value, Timestamp: storedAt, IssuedAt: issuedAt}
	return true
}

// Delete removes a cached entry.
func (c *TTLCache[V]) Delete(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// InvalidateAll drops every entry.
func (c *TTLCache[V]) InvalidateAll() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.items = make(map[string]Entry[V])
	c.mu.Unlock()
}

// Len counts stored entries, expired or not.
func (c *TTLCache[V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Key hashes a filter combination into a fixed-length cache key. Parts are joined
// with a separator that cannot appear in a hex digest, so ("ab","c") and ("a","bc")
// differ.
func Key(parts ...string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}
