package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Subject identifies whose budget a request spends.
type Subject struct {
	ClienteID string
	APIKeyID  string
	// RequestsPerMinute, when positive, gives the API key its own budget of that
	// size instead of the tenant's shared default budget.
	RequestsPerMinute int64
}

// Limiter caps analytics requests over a one-minute window, per tenant by
// default and per API key for keys that carry their own limit.
type Limiter struct {
	store    extratelimit.Limiter
	newStore func(requestsPerMinute int64) extratelimit.Limiter

	mu     sync.Mutex
	custom map[int64]extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, requestsPerMinute int64) *Limiter {
	newStore := func(rpm int64) extratelimit.Limiter {
		return extratelimit.NewRedisStore(rdb,
			extratelimit.WithLimit(int(rpm)),
			extratelimit.WithWindow(time.Minute),
		)
	}
	return &Limiter{
		store:    newStore(requestsPerMinute),
		newStore: newStore,
		custom:   make(map[int64]extratelimit.Limiter),
	}
}

// NewTestLimiter serves every budget from store.
func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{
		store:    store,
		newStore: func(int64) extratelimit.Limiter { return store },
		custom:   make(map[int64]extratelimit.Limiter),
	}
}

func (l *Limiter) storeFor(rpm int64) extratelimit.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.custom[rpm]
	if !ok {
		s = l.newStore(rpm)
		l.custom[rpm] = s
	}
	return s
}

func tenantKey(clienteID string) string {
	return fmt.Sprintf("ratelimit:cliente:%s", clienteID)
}

func apiKeyKey(apiKeyID string) string {
	return fmt.Sprintf("ratelimit:apikey:%s", apiKeyID)
}

// Allow spends cost requests from the subject's budget. Expensive endpoints pass
// a cost above one.
func (l *Limiter) Allow(ctx context.Context, sub Subject, cost int) (bool, error) {
	if cost <= 0 {
		cost = 1
	}
	store, key := l.store, tenantKey(sub.ClienteID)
	if sub.RequestsPerMinute > 0 && sub.APIKeyID != "" {
		store, key = l.storeFor(sub.RequestsPerMinute), apiKeyKey(sub.APIKeyID)
	}
	res, err := store.AllowN(ctx, key, cost)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
