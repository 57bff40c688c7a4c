// Package cache holds the in-memory TTL cache, the optional Redis second level and
// the per-key debouncer that wrap the aggregation entry points.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultDebounceDelay collapses filter changes that arrive closer than this.
const DefaultDebounceDelay = 300 * time.Millisecond

// Debouncer runs only the last function scheduled for a key within the delay
// window. Different keys never wait on each other.
type Debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*burst
}

// burst is every call for one key that landed inside the same window.
type burst struct {
	timer *time.Timer
	gen   uint64
	fn    func() (any, error)
	done  chan struct{}
	value any
	err   error
}

// NewDebouncer returns a debouncer. A non-positive delay falls back to
// DefaultDebounceDelay.
func NewDebouncer(delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	return &Debouncer{
		delay:   delay,
		pending: make(map[string]*burst),
	}
}

// Trigger schedules fn for key, replacing any function still waiting for that
// key and restarting the window.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.schedule(key, func() (any, error) {
		fn()
		return nil, nil
	})
}

// Pending counts keys with a scheduled function.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Debouncer) schedule(key string, fn func() (any, error)) *burst {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.pending[key]
	if ok {
		b.timer.Stop()
		b.fn = fn
	} else {
		b = &burst{fn: fn, done: make(chan struct{})}
		d.pending[key] = b
	}
	// A stopped timer may already be waiting on d.mu inside fire; the generation
	// lets fire tell stale wakeups apart.
	b.gen++
	gen := b.gen
	b.timer = time.AfterFunc(d.delay, func() { d.fire(key, b, gen) })
	return b
}

func (d *Debouncer) fire(key string, b *burst, gen uint64) {
	d.mu.Lock()
	if d.pending[key] != b || b.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	fn := b.fn
	d.mu.Unlock()

	b.value, b.err = fn()
	close(b.done)
}

// Await schedules fn under key and waits for the burst to run. Every caller of the
// burst gets the result of the single execution of the last scheduled fn. A
// cancelled ctx stops the wait but not the scheduled execution.
func Await[T any](ctx context.Context, d *Debouncer, key string, fn func() (T, error)) (T, error) {
	var zero T
	b := d.schedule(key, func() (any, error) { return fn() })

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-b.done:
	}
	if b.err != nil {
		return zero, b.err
	}
	if b.value == nil {
		return zero, nil
	}
	v, ok := b.value.(T)
	if !ok {
		return zero, fmt.Errorf("debounce %q: result has type %T", key, b.value)
	}
	return v, nil
}
