// Package analytics composes the store, the optional edge function and the pure
// aggregation, forecasting and rollup packages behind a cached, debounced service.
package analytics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vnmchuo/ipu-finops/internal/cache"
	"github.com/vnmchuo/ipu-finops/internal/consumption"
	"github.com/vnmchuo/ipu-finops/internal/edge"
	"github.com/vnmchuo/ipu-finops/internal/forecast"
	"github.com/vnmchuo/ipu-finops/internal/store"
)

const (
	DefaultCycleLimit = 12
	DefaultHorizon    = 3
)

// SeriesSource produces an aggregated series remotely. *edge.Client implements it.
type SeriesSource interface {
	Series(ctx context.Context, req edge.Request, pricing consumption.PricingContext) (consumption.AggregatedSeries, error)
}

// SharedCache is a cache level shared between replicas. Values carry the time
// they were originally fetched.
// *cache.RedisCache[consumption.AggregatedSeries] implements it.
type SharedCache interface {
	Get(ctx context.Context, key string) (consumption.AggregatedSeries, time.Time, bool, error)
	Set(ctx context.Context, key string, value consumption.AggregatedSeries, fetchedAt time.Time) error
	InvalidateAll(ctx context.Context) error
}

type Service struct {
	store  store.Store
	source SeriesSource
	shared SharedCache

	cycles  *cache.TTLCache[[]consumption.BillingCycle]
	series  *cache.TTLCache[consumption.AggregatedSeries]
	rollups *cache.TTLCache[RollupResult]
	tenants *cache.TTLCache[store.Tenant]

	debouncer *cache.Debouncer
	group     singleflight.Group

	excludedMeters []string
	cycleLimit     int
	horizon        int
	ttl            time.Duration
	now            func() time.Time

	logger *zap.Logger
	tracer trace.Tracer
	hits   metric.Int64Counter
	misses metric.Int64Counter
}

type settings struct {
	source         SeriesSource
	shared         SharedCache
	ttl            time.Duration
	debounce       time.Duration
	excludedMeters []string
	cycleLimit     int
	horizon        int
	now            func() time.Time
	logger         *zap.Logger
	tracer         trace.Tracer
	meter          metric.Meter
}

type Option func(*settings)

// WithSeriesSource routes unfiltered series queries to a remote source.
func WithSeriesSource(src SeriesSource) Option {
	return func(s *settings) { s.source = src }
}

func WithSharedCache(c SharedCache) Option {
	return func(s *settings) { s.shared = c }
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) { s.ttl = ttl }
}

// WithDebounce collapses identical queries that arrive within delay. Zero
// disables debouncing.
func WithDebounce(delay time.Duration) Option {
	return func(s *settings) { s.debounce = delay }
}

func WithExcludedMeters(meters []string) Option {
	return func(s *settings) { s.excludedMeters = meters }
}

func WithDefaults(cycleLimit, horizon int) Option {
	return func(s *settings) {
		s.cycleLimit = cycleLimit
		s.horizon = horizon
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *settings) { s.tracer = t }
}

func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

func New(st store.Store, opts ...Option) *Service {
	cfg := settings{
		ttl:            cache.DefaultTTL,
		excludedMeters: store.DefaultExcludedMeters,
		cycleLimit:     DefaultCycleLimit,
		horizon:        DefaultHorizon,
		now:            time.Now,
		logger:         zap.NewNop(),
		tracer:         tracenoop.NewTracerProvider().Tracer("analytics"),
		meter:          metricnoop.NewMeterProvider().Meter("analytics"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.cycleLimit <= 0 {
		cfg.cycleLimit = DefaultCycleLimit
	}
	if cfg.horizon <= 0 {
		cfg.horizon = DefaultHorizon
	}
	if cfg.ttl <= 0 {
		cfg.ttl = cache.DefaultTTL
	}

	clock := cache.WithClock(cfg.now)
	s := &Service{
		store:          st,
		source:         cfg.source,
		shared:         cfg.shared,
		cycles:         cache.NewTTLCache[[]consumption.BillingCycle](cfg.ttl, clock),
		series:         cache.NewTTLCache[consumption.AggregatedSeries](cfg.ttl, clock),
		rollups:        cache.NewTTLCache[RollupResult](cfg.ttl, clock),
		tenants:        cache.NewTTLCache[store.Tenant](cfg.ttl, clock),
		excludedMeters: cfg.excludedMeters,
		cycleLimit:     cfg.cycleLimit,
		horizon:        cfg.horizon,
		ttl:            cfg.ttl,
		now:            cfg.now,
		logger:         cfg.logger.Named("analytics"),
		tracer:         cfg.tracer,
	}
	if cfg.debounce > 0 {
		s.debouncer = cache.NewDebouncer(cfg.debounce)
	}

	var err error
	s.hits, err = cfg.meter.Int64Counter("finops.cache.hits",
		metric.WithDescription("Cache lookups answered from memory"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		s.logger.Warn("cache hit counter unavailable", zap.Error(err))
		s.hits = metricnoop.Int64Counter{}
	}
	s.misses, err = cfg.meter.Int64Counter("finops.cache.misses",
		metric.WithDescription("Cache lookups that went upstream"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		s.logger.Warn("cache miss counter unavailable", zap.Error(err))
		s.misses = metricnoop.Int64Counter{}
	}
	return s
}

// DefaultHorizon is the horizon used when a forecast request names none.
func (s *Service) DefaultHorizon() int { return s.horizon }

// Invalidate drops every cached result in both cache levels.
func (s *Service) Invalidate(ctx context.Context) error {
	s.cycles.InvalidateAll()
	s.series.InvalidateAll()
	s.rollups.InvalidateAll()
	s.tenants.InvalidateAll()
	s.logger.Info("caches invalidated")
	if s.shared != nil {
		if err := s.shared.InvalidateAll(ctx); err != nil {
			return err
		}
	}
	return nil
}

// load answers from l1 when possible. Otherwise it optionally debounces identical
// requests, collapses concurrent fetches of the same key and stores the result
// unless a fetch that started later already did. fetch reports when its data was
// produced; a zero time means the fetch itself produced it.
func load[V any](ctx context.Context, s *Service, name string, l1 *cache.TTLCache[V], key string, debounce bool, fetch func(context.Context) (V, time.Time, error)) (V, error) {
	attrs := metric.WithAttributes(attribute.String("cache", name))
	if v, ok := l1.Get(key); ok {
		s.hits.Add(ctx, 1, attrs)
		return v, nil
	}
	s.misses.Add(ctx, 1, attrs)

	// The shared fetch outlives any single caller.
	fetchCtx := context.WithoutCancel(ctx)
	run := func() (V, error) {
		v, err, shared := s.group.Do(name+":"+key, func() (any, error) {
			issued := s.now()
			start := time.Now()
			v, fetchedAt, err := fetch(fetchCtx)
			if err != nil {
				return nil, err
			}
			stored := false
			if fetchedAt.IsZero() {
				stored = l1.SetIfNewer(key, v, issued)
			} else {
				stored = l1.SetIfNewerAt(key, v, fetchedAt, fetchedAt)
			}
			if !stored {
				s.logger.Debug("discarded stale result", zap.String("cache", name))
			}
			s.logger.Debug("fetched", zap.String("cache", name), zap.Duration("took", time.Since(start)))
			return v, nil
		})
		if err != nil {
			var zero V
			return zero, err
		}
		if shared {
			s.logger.Debug("shared in-flight fetch", zap.String("cache", name))
		}
		return v.(V), nil
	}

	if !debounce || s.debouncer == nil {
		return run()
	}
	return cache.Await(ctx, s.debouncer, name+":"+key, run)
}

// ForecastResult pairs the observed history with the forecast built from it.
type ForecastResult struct {
	History []forecast.HistoryPoint `json:"history"`
	Points  []forecast.Point        `json:"points"`
}
