package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestTTLCache_ExpiresAfterFiveMinutes(t *testing.T) {
	clock := newClock()
	c := NewTTLCache[string](DefaultTTL, WithClock(clock.Now))

	c.Set("k", "data")
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "data", v)

	clock.Advance(5 * time.Minute)
	_, ok = c.Get("k")
	assert.True(t, ok, "an entry exactly at the TTL is still live")

	clock.Advance(time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len(), "expired entries are evicted on read")
}

func TestTTLCache_MissAndInvalidateAll(t *testing.T) {
	c := NewTTLCache[int](time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", 1)
	c.Set("b", 2)
	c.InvalidateAll()

	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestTTLCache_SetIfNewer(t *testing.T) {
	clock := newClock()
	c := NewTTLCache[string](DefaultTTL, WithClock(clock.Now))

	slowStart := clock.Now()
	clock.Advance(time.Second)
	fastStart := clock.Now()
	clock.Advance(time.Second)

	assert.True(t, c.SetIfNewer("k", "fast", fastStart))
	assert.False(t, c.SetIfNewer("k", "slow", slowStart), "stale in-flight result is discarded")

	v, _ := c.Get("k")
	assert.Equal(t, "fast", v)

	clock.Advance(DefaultTTL + time.Second)
	assert.True(t, c.SetIfNewer("k", "slow", slowStart), "expired entries do not block writes")
}

func TestTTLCache_SetIfNewerAtKeepsOriginalAge(t *testing.T) {
	clock := newClock()
	c := NewTTLCache[string](DefaultTTL, WithClock(clock.Now))

	fetched := clock.Now()
	clock.Advance(DefaultTTL - 10*time.Second)
	require.True(t, c.SetIfNewerAt("k", "copied", fetched, fetched))

	_, ok := c.Get("k")
	assert.True(t, ok)

	clock.Advance(20 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "expiry runs from the original fetch, not from the copy")

	assert.False(t, c.SetIfNewerAt("k", "copied", fetched, fetched), "values older than the ttl are not stored")
	assert.Zero(t, c.Len())
}

func TestTTLCache_NilReceiver(t *testing.T) {
	var c *TTLCache[string]
	_, ok := c.Get("k")
	assert.False(t, ok)
	c.Set("k", "v")
	c.InvalidateAll()
	assert.Zero(t, c.Len())
}

func TestTTLCache_ConcurrentAccess(t *testing.T) {
	c := NewTTLCache[int](time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Set("shared", i)
			c.Get("shared")
		}(i)
	}
	wg.Wait()

	_, ok := c.Get("shared")
	assert.True(t, ok)
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key("tenant", "org", "12"), Key("tenant", "org", "12"))
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"))
	assert.Len(t, Key("x"), 64)
}

func TestDebouncer_TriggerRunsLastOnly(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)

	var calls atomic.Int32
	var last atomic.Int32
	for i := 1; i <= 5; i++ {
		d.Trigger("filters", func() {
			calls.Add(1)
			last.Store(int32(i))
		})
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(5), last.Load())
	assert.Zero(t, d.Pending())
}

func TestDebouncer_KeysAreIndependent(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)

	var a, b atomic.Int32
	d.Trigger("a", func() { a.Add(1) })
	d.Trigger("b", func() { b.Add(1) })

	require.Eventually(t, func() bool { return a.Load() == 1 && b.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAwait_SharesResultOfLastCall(t *testing.T) {
	d := NewDebouncer(40 * time.Millisecond)

	var executions atomic.Int32
	results := make([]string, 3)
	var wg sync.WaitGroup
	for i, label := range []string{"first", "second", "third"} {
		wg.Add(1)
		go func(i int, label string) {
			defer wg.Done()
			v, err := Await(context.Background(), d, "k", func() (string, error) {
				executions.Add(1)
				return label, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i, label)
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, int32(1), executions.Load())
	assert.Equal(t, []string{"third", "third", "third"}, results)
}

func TestAwait_PropagatesErrorAndCancellation(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	boom := errors.New("boom")

	_, err := Await(context.Background(), d, "k", func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)

	slow := NewDebouncer(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Await(ctx, slow, "k", func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeRedis struct {
	mu      sync.Mutex
	data    map[string]string
	ttls    map[string]time.Duration
	failGet error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return redis.NewStringResult("", f.failGet)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := match[:len(match)-1]
	var keys []string
	for k := range f.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return redis.NewScanCmdResult(keys, 0, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

type payload struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

func TestRedisCache_RoundTripAndInvalidate(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	client.data["other:keep"] = "x"
	c := NewRedisCache[payload](client, "finops", 0)

	_, _, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	fetchedAt := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	require.NoError(t, c.Set(ctx, "k", payload{Name: "series", Value: 1.5}, fetchedAt))
	assert.Equal(t, DefaultTTL, client.ttls["finops:k"])

	got, at, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload{Name: "series", Value: 1.5}, got)
	assert.True(t, fetchedAt.Equal(at), "the original fetch time travels with the value")

	require.NoError(t, c.InvalidateAll(ctx))
	_, _, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Contains(t, client.data, "other:keep")
}

func TestRedisCache_GetError(t *testing.T) {
	client := newFakeRedis()
	client.failGet = errors.New("connection reset")
	c := NewRedisCache[payload](client, "finops", time.Minute)

	_, _, ok, err := c.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "connection reset")
}
