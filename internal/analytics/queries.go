package analytics

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/ipu-finops/internal/apperror"
	"github.com/vnmchuo/ipu-finops/internal/cache"
	"github.com/vnmchuo/ipu-finops/internal/consumption"
	"github.com/vnmchuo/ipu-finops/internal/edge"
	"github.com/vnmchuo/ipu-finops/internal/forecast"
	"github.com/vnmchuo/ipu-finops/internal/rollup"
	"github.com/vnmchuo/ipu-finops/internal/store"
)

// Query is one filter combination over the consumption data.
type Query struct {
	Dimension     consumption.Dimension
	CycleLimit    int
	OrgID         string
	ProjectName   string
	MeterName     string
	SelectedItems []string
}

func (q Query) filtered() bool {
	return q.OrgID != "" || q.ProjectName != "" || q.MeterName != ""
}

func (q Query) cacheKey(clienteID string, pricing consumption.PricingContext) string {
	items := append([]string(nil), q.SelectedItems...)
	sort.Strings(items)
	return cache.Key(
		"series", clienteID, string(q.Dimension), strconv.Itoa(q.CycleLimit),
		q.OrgID, q.ProjectName, q.MeterName, strings.Join(items, "\x1e"),
		strconv.FormatFloat(pricing.PricePerIPU, 'g', -1, 64),
	)
}

// RollupResult is the organization hierarchy of one billing cycle.
type RollupResult struct {
	Cycle         consumption.BillingCycle    `json:"cycle"`
	Organizations []rollup.OrganizationRollup `json:"organizations"`
	TotalIPU      float64                     `json:"total_ipu"`
	TotalCost     float64                     `json:"total_cost"`
}

// Trend compares the projected total of the cycle in progress with the last
// complete cycle. ChangePercent is for display only.
type Trend struct {
	Current       consumption.Projection    `json:"current"`
	PreviousCycle *consumption.BillingCycle `json:"previous_cycle,omitempty"`
	Previous      *consumption.Totals       `json:"previous,omitempty"`
	ChangePercent *float64                  `json:"change_percent,omitempty"`
}

func (s *Service) startSpan(ctx context.Context, name string, clienteID string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, name)
	if clienteID != "" {
		span.SetAttributes(attribute.String("cliente_id", clienteID))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperror.KindOf(err)))
	}
	span.End()
}

// ResolveTenant maps an authenticated user to a tenant.
func (s *Service) ResolveTenant(ctx context.Context, userID string) (t store.Tenant, err error) {
	ctx, span := s.startSpan(ctx, "analytics.resolve_tenant", "")
	defer func() { endSpan(span, err) }()

	return load(ctx, s, "tenant", s.tenants, cache.Key("tenant", userID), false, func(ctx context.Context) (store.Tenant, time.Time, error) {
		t, err := s.store.ResolveTenant(ctx, userID)
		return t, time.Time{}, err
	})
}

// Cycles returns the billing cycle catalog in ascending order. An empty catalog
// is not an error.
func (s *Service) Cycles(ctx context.Context) (cycles []consumption.BillingCycle, err error) {
	ctx, span := s.startSpan(ctx, "analytics.cycles", "")
	defer func() { endSpan(span, err) }()

	return load(ctx, s, "cycles", s.cycles, cache.Key("cycles"), false, func(ctx context.Context) ([]consumption.BillingCycle, time.Time, error) {
		cycles, err := s.store.GetAvailableCycles(ctx)
		if err != nil {
			return nil, time.Time{}, err
		}
		if cycles == nil {
			cycles = []consumption.BillingCycle{}
		}
		return cycles, time.Time{}, nil
	})
}

// Series returns the dense observed series for q. Cycles still in progress are
// left out.
func (s *Service) Series(ctx context.Context, tenant store.Tenant, q Query) (series consumption.AggregatedSeries, err error) {
	ctx, span := s.startSpan(ctx, "analytics.series", tenant.ClienteID)
	defer func() { endSpan(span, err) }()

	raw, _, err := s.rawSeries(ctx, tenant, q)
	if err != nil {
		return consumption.AggregatedSeries{}, err
	}
	return consumption.FilterComplete(raw, s.now()), nil
}

// Forecast projects the total IPU of q over horizon future cycles. A
// non-positive horizon uses the service default.
func (s *Service) Forecast(ctx context.Context, tenant store.Tenant, q Query, horizon int) (res ForecastResult, err error) {
	ctx, span := s.startSpan(ctx, "analytics.forecast", tenant.ClienteID)
	defer func() { endSpan(span, err) }()

	if horizon <= 0 {
		horizon = s.horizon
	}
	raw, pricing, err := s.rawSeries(ctx, tenant, q)
	if err != nil {
		return ForecastResult{}, err
	}
	history := forecast.FromSeries(consumption.FilterComplete(raw, s.now()))
	points, err := forecast.Forecast(history, horizon, pricing)
	if err != nil {
		return ForecastResult{}, err
	}
	span.SetAttributes(attribute.Int("history", len(history)), attribute.Int("horizon", horizon))
	return ForecastResult{History: history, Points: points}, nil
}

// Trend projects the cycle in progress to its full length. The boolean is false
// when no cycle is in progress.
func (s *Service) Trend(ctx context.Context, tenant store.Tenant, q Query) (t Trend, ok bool, err error) {
	ctx, span := s.startSpan(ctx, "analytics.trend", tenant.ClienteID)
	defer func() { endSpan(span, err) }()

	raw, _, err := s.rawSeries(ctx, tenant, q)
	if err != nil {
		return Trend{}, false, err
	}
	now := s.now()
	if raw.Len() == 0 {
		return Trend{}, false, nil
	}
	last := raw.Entries[raw.Len()-1]
	if consumption.IsComplete(last.Cycle, now) || last.Cycle.StartDate.After(now) {
		return Trend{}, false, nil
	}

	proj, err := consumption.ProjectPartialCycle(last.Total(), last.Cycle, now)
	if err != nil {
		return Trend{}, false, err
	}
	t = Trend{Current: proj}

	complete := consumption.FilterComplete(raw, now)
	if complete.Len() > 0 {
		prev := complete.Entries[complete.Len()-1]
		totals := prev.Total()
		t.PreviousCycle = &prev.Cycle
		t.Previous = &totals
		if totals.IPU > 0 {
			pct := (proj.Projected.IPU - totals.IPU) / totals.IPU * 100
			t.ChangePercent = &pct
		}
	}
	return t, true, nil
}

// Rollup builds the organization hierarchy for the cycle starting at start, or for
// the latest complete cycle when start is zero.
func (s *Service) Rollup(ctx context.Context, tenant store.Tenant, start time.Time) (res RollupResult, err error) {
	ctx, span := s.startSpan(ctx, "analytics.rollup", tenant.ClienteID)
	defer func() { endSpan(span, err) }()

	catalog, err := s.Cycles(ctx)
	if err != nil {
		return RollupResult{}, err
	}
	cycle, err := s.rollupCycle(catalog, start)
	if err != nil {
		return RollupResult{}, err
	}
	pricing, err := s.store.GetPricing(ctx, tenant.ClienteID)
	if err != nil {
		return RollupResult{}, err
	}

	key := cache.Key("rollup", tenant.ClienteID, cycle.Key(), strconv.FormatFloat(pricing.PricePerIPU, 'g', -1, 64))
	return load(ctx, s, "rollup", s.rollups, key, true, func(ctx context.Context) (RollupResult, time.Time, error) {
		res, err := s.fetchRollup(ctx, tenant, cycle, pricing)
		return res, time.Time{}, err
	})
}

func (s *Service) rollupCycle(catalog []consumption.BillingCycle, start time.Time) (consumption.BillingCycle, error) {
	if start.IsZero() {
		return consumption.LatestComplete(catalog, s.now())
	}
	for _, c := range catalog {
		if c.StartDate.Equal(start) {
			return c, nil
		}
	}
	return consumption.BillingCycle{}, apperror.NotFound("billing cycle", start.Format("2006-01-02"))
}

func (s *Service) fetchRollup(ctx context.Context, tenant store.Tenant, cycle consumption.BillingCycle, pricing consumption.PricingContext) (RollupResult, error) {
	configIDs, err := s.store.ListConfigIDs(ctx, tenant.ClienteID)
	if err != nil {
		return RollupResult{}, err
	}
	records, err := s.store.QueryConsumption(ctx, configIDs, store.ConsumptionFilter{
		ExcludedMeters: s.excludedMeters,
		From:           &cycle,
	})
	if err != nil {
		return RollupResult{}, err
	}

	series, err := consumption.Aggregate(records, []consumption.BillingCycle{cycle}, consumption.DimOrganization, pricing)
	if err != nil {
		return RollupResult{}, err
	}
	names := make(map[string]string)
	for _, r := range records {
		if r.OrgName != "" {
			names[r.OrgID] = r.OrgName
		}
	}

	orgs, err := rollup.Rollup(rollup.FromEntry(series.Entries[0], names), pricing)
	if err != nil {
		return RollupResult{}, err
	}
	res := RollupResult{Cycle: cycle, Organizations: orgs}
	for _, o := range orgs {
		res.TotalIPU += o.IPU
	}
	res.TotalCost = pricing.Cost(res.TotalIPU)
	return res, nil
}

// rawSeries returns the series over the last CycleLimit catalog cycles, including
// a cycle in progress, together with the pricing it was computed with.
func (s *Service) rawSeries(ctx context.Context, tenant store.Tenant, q Query) (consumption.AggregatedSeries, consumption.PricingContext, error) {
	if q.Dimension == "" {
		q.Dimension = consumption.DimOrganization
	}
	if !q.Dimension.Valid() {
		return consumption.AggregatedSeries{}, consumption.PricingContext{}, apperror.Inputf("unknown dimension %q", q.Dimension)
	}
	if q.CycleLimit <= 0 {
		q.CycleLimit = s.cycleLimit
	}

	pricing, err := s.store.GetPricing(ctx, tenant.ClienteID)
	if err != nil {
		return consumption.AggregatedSeries{}, consumption.PricingContext{}, err
	}

	key := q.cacheKey(tenant.ClienteID, pricing)
	series, err := load(ctx, s, "series", s.series, key, true, func(ctx context.Context) (consumption.AggregatedSeries, time.Time, error) {
		return s.fetchSeries(ctx, tenant, q, pricing, key)
	})
	if err != nil {
		return consumption.AggregatedSeries{}, consumption.PricingContext{}, err
	}
	return series, pricing, nil
}

// fetchSeries reads the shared level first. A shared hit returns its original
// fetch time so the in-memory copy expires with it.
func (s *Service) fetchSeries(ctx context.Context, tenant store.Tenant, q Query, pricing consumption.PricingContext, key string) (consumption.AggregatedSeries, time.Time, error) {
	started := s.now()
	if s.shared != nil {
		series, fetchedAt, ok, err := s.shared.Get(ctx, key)
		switch {
		case err != nil:
			s.logger.Warn("shared cache read failed", zap.Error(err))
		case ok && !fetchedAt.IsZero() && started.Sub(fetchedAt) <= s.ttl:
			return series, fetchedAt, nil
		case ok:
			s.logger.Debug("shared entry expired", zap.Time("fetched_at", fetchedAt))
		}
	}

	var (
		series consumption.AggregatedSeries
		err    error
	)
	if s.source != nil && !q.filtered() {
		series, err = s.source.Series(ctx, edge.Request{
			ClienteID:     tenant.ClienteID,
			CycleLimit:    q.CycleLimit,
			SelectedItems: q.SelectedItems,
			Dimension:     string(q.Dimension),
		}, pricing)
	} else {
		series, err = s.localSeries(ctx, tenant, q, pricing)
	}
	if err != nil {
		return consumption.AggregatedSeries{}, time.Time{}, err
	}

	if s.shared != nil {
		if err := s.shared.Set(ctx, key, series, started); err != nil {
			s.logger.Warn("shared cache write failed", zap.Error(err))
		}
	}
	return series, time.Time{}, nil
}

func (s *Service) localSeries(ctx context.Context, tenant store.Tenant, q Query, pricing consumption.PricingContext) (consumption.AggregatedSeries, error) {
	catalog, err := s.Cycles(ctx)
	if err != nil {
		return consumption.AggregatedSeries{}, err
	}
	window := consumption.LastN(catalog, q.CycleLimit)
	if len(window) == 0 {
		return consumption.AggregatedSeries{Dimension: q.Dimension, Entries: []consumption.SeriesEntry{}}, nil
	}

	configIDs, err := s.store.ListConfigIDs(ctx, tenant.ClienteID)
	if err != nil {
		return consumption.AggregatedSeries{}, err
	}
	records, err := s.store.QueryConsumption(ctx, configIDs, store.ConsumptionFilter{
		OrgID:          q.OrgID,
		ProjectName:    q.ProjectName,
		MeterName:      q.MeterName,
		ExcludedMeters: s.excludedMeters,
		From:           &window[0],
	})
	if err != nil {
		return consumption.AggregatedSeries{}, err
	}
	return consumption.Aggregate(records, window, q.Dimension, pricing, consumption.WithSelectedItems(q.SelectedItems...))
}
