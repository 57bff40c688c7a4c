package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/ipu-finops/internal/analytics"
	"github.com/vnmchuo/ipu-finops/internal/apperror"
	"github.com/vnmchuo/ipu-finops/internal/auth"
	"github.com/vnmchuo/ipu-finops/internal/consumption"
	"github.com/vnmchuo/ipu-finops/internal/forecast"
	"github.com/vnmchuo/ipu-finops/internal/rollup"
	"github.com/vnmchuo/ipu-finops/internal/store"
	"github.com/vnmchuo/ipu-finops/pkg/ratelimit"
)

var (
	jan = consumption.NewCycle(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	feb = consumption.NewCycle(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC))
)

type mockService struct {
	tenantErr error
	cycles    []consumption.BillingCycle
	series    consumption.AggregatedSeries
	forecast  analytics.ForecastResult
	rollup    analytics.RollupResult
	trend     analytics.Trend
	trendOK   bool
	err       error

	lastQuery   analytics.Query
	lastHorizon int
	lastStart   time.Time
	invalidated bool
}

func (m *mockService) ResolveTenant(ctx context.Context, userID string) (store.Tenant, error) {
	if m.tenantErr != nil {
		return store.Tenant{}, m.tenantErr
	}
	return store.Tenant{ClienteID: "c-1"}, nil
}

func (m *mockService) Cycles(ctx context.Context) ([]consumption.BillingCycle, error) {
	return m.cycles, m.err
}

func (m *mockService) Series(ctx context.Context, tenant store.Tenant, q analytics.Query) (consumption.AggregatedSeries, error) {
	m.lastQuery = q
	return m.series, m.err
}

func (m *mockService) Forecast(ctx context.Context, tenant store.Tenant, q analytics.Query, horizon int) (analytics.ForecastResult, error) {
	m.lastQuery, m.lastHorizon = q, horizon
	return m.forecast, m.err
}

func (m *mockService) Rollup(ctx context.Context, tenant store.Tenant, start time.Time) (analytics.RollupResult, error) {
	m.lastStart = start
	return m.rollup, m.err
}

func (m *mockService) Trend(ctx context.Context, tenant store.Tenant, q analytics.Query) (analytics.Trend, bool, error) {
	return m.trend, m.trendOK, m.err
}

func (m *mockService) Invalidate(ctx context.Context) error {
	m.invalidated = true
	return m.err
}

type mockLimiterStore struct {
	allowed bool
	err     error
	keys    []string
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	m.keys = append(m.keys, key)
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func setupTest(svc *mockService, limiterAllowed bool) *Handler {
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	h := NewHandler(svc, limiter, noop.NewTracerProvider().Tracer("test"), zap.NewNop())
	h.now = func() time.Time { return time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC) }
	return h
}

func authed(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	ctx := auth.WithUserID(req.Context(), "user-1")
	ctx = auth.WithRequestID(ctx, "req-1")
	return req.WithContext(ctx)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHandleSeries_Unauthorized(t *testing.T) {
	h := setupTest(&mockService{}, true)
	w := httptest.NewRecorder()
	h.HandleSeries(w, httptest.NewRequest(http.MethodGet, "/v1/series", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, StateError, decode(t, w)["state"])
}

func TestHandleSeries_RateLimited(t *testing.T) {
	h := setupTest(&mockService{}, false)
	w := httptest.NewRecorder()
	h.HandleSeries(w, authed(http.MethodGet, "/v1/series"))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestHandleSeries_LimiterFailureIsRetryable(t *testing.T) {
	svc := &mockService{}
	h := NewHandler(svc, ratelimit.NewTestLimiter(&mockLimiterStore{err: errors.New("redis down")}),
		noop.NewTracerProvider().Tracer("test"), zap.NewNop())
	w := httptest.NewRecorder()
	h.HandleSeries(w, authed(http.MethodGet, "/v1/series"))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, StateRetryableError, decode(t, w)["state"])
	assert.Empty(t, w.Header().Get("Retry-After"))
}

func TestHandleSeries_PerKeyRateLimit(t *testing.T) {
	store := &mockLimiterStore{allowed: true}
	h := NewHandler(&mockService{}, ratelimit.NewTestLimiter(store), noop.NewTracerProvider().Tracer("test"), zap.NewNop())

	h.HandleSeries(httptest.NewRecorder(), authed(http.MethodGet, "/v1/series"))

	req := authed(http.MethodGet, "/v1/series")
	ctx := auth.WithAPIKeyID(req.Context(), "key-9")
	ctx = auth.WithRateLimit(ctx, 30)
	h.HandleSeries(httptest.NewRecorder(), req.WithContext(ctx))

	assert.Equal(t, []string{"ratelimit:cliente:c-1", "ratelimit:apikey:key-9"}, store.keys)
}

func TestHandleSeries_UnknownTenant(t *testing.T) {
	h := setupTest(&mockService{tenantErr: apperror.NotFound("tenant for user", "user-1")}, true)
	w := httptest.NewRecorder()
	h.HandleSeries(w, authed(http.MethodGet, "/v1/series"))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleSeries_ParsesFilters(t *testing.T) {
	svc := &mockService{series: consumption.AggregatedSeries{
		Dimension: consumption.DimMeter,
		Entries:   []consumption.SeriesEntry{{Cycle: jan, Totals: map[string]consumption.Totals{"Compute": {IPU: 1, Cost: 2}}}},
	}}
	h := setupTest(svc, true)
	w := httptest.NewRecorder()
	h.HandleSeries(w, authed(http.MethodGet, "/v1/series?dimension=metric&cycles=6&org=o1&items=Compute,%20Storage,"))

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, StateOK, body["state"])
	assert.Equal(t, "req-1", body["request_id"])
	assert.Equal(t, analytics.Query{
		Dimension:     consumption.DimMeter,
		CycleLimit:    6,
		OrgID:         "o1",
		SelectedItems: []string{"Compute", "Storage"},
	}, svc.lastQuery)
}

func TestHandleSeries_EmptyState(t *testing.T) {
	h := setupTest(&mockService{}, true)
	w := httptest.NewRecorder()
	h.HandleSeries(w, authed(http.MethodGet, "/v1/series"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StateEmpty, decode(t, w)["state"])
}

func TestHandleSeries_BadInput(t *testing.T) {
	h := setupTest(&mockService{}, true)
	for _, target := range []string{"/v1/series?dimension=galaxy", "/v1/series?cycles=-1", "/v1/series?cycles=abc"} {
		w := httptest.NewRecorder()
		h.HandleSeries(w, authed(http.MethodGet, target))
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		state  string
	}{
		{"insufficient history", apperror.InsufficientHistory(1, 2), http.StatusUnprocessableEntity, StateInsufficientData},
		{"invalid pricing", apperror.InvalidPricing(0), http.StatusUnprocessableEntity, StateInsufficientData},
		{"upstream", apperror.UpstreamFetch("query consumption", errors.New("timeout")), http.StatusBadGateway, StateRetryableError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, StateRetryableError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupTest(&mockService{err: tt.err}, true)
			w := httptest.NewRecorder()
			h.HandleForecast(w, authed(http.MethodGet, "/v1/forecast"))

			assert.Equal(t, tt.status, w.Code)
			body := decode(t, w)
			assert.Equal(t, tt.state, body["state"])
			assert.NotNil(t, body["error"])
		})
	}
}

func TestHandleForecast_Horizon(t *testing.T) {
	svc := &mockService{forecast: analytics.ForecastResult{
		Points: []forecast.Point{{Cycle: feb, IPU: 10, Cost: 20, Confidence: 0.5}},
	}}
	h := setupTest(svc, true)

	w := httptest.NewRecorder()
	h.HandleForecast(w, authed(http.MethodGet, "/v1/forecast?horizon=6"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 6, svc.lastHorizon)

	w = httptest.NewRecorder()
	h.HandleForecast(w, authed(http.MethodGet, "/v1/forecast?horizon=0"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRollup(t *testing.T) {
	svc := &mockService{rollup: analytics.RollupResult{
		Cycle:         jan,
		Organizations: []rollup.OrganizationRollup{{OrgID: "o1", IsPrincipal: true, Percentage: 100}},
	}}
	h := setupTest(svc, true)

	w := httptest.NewRecorder()
	h.HandleRollup(w, authed(http.MethodGet, "/v1/rollup?cycle=2024-01-01"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, jan.StartDate, svc.lastStart)
	assert.Equal(t, StateOK, decode(t, w)["state"])

	w = httptest.NewRecorder()
	h.HandleRollup(w, authed(http.MethodGet, "/v1/rollup?cycle=01-2024"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRollup_EmptyCatalog(t *testing.T) {
	h := setupTest(&mockService{err: apperror.EmptyCycleCatalog()}, true)
	w := httptest.NewRecorder()
	h.HandleRollup(w, authed(http.MethodGet, "/v1/rollup"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StateEmpty, decode(t, w)["state"])
}

func TestHandleCycles(t *testing.T) {
	h := setupTest(&mockService{cycles: []consumption.BillingCycle{jan, feb}}, true)
	w := httptest.NewRecorder()
	h.HandleCycles(w, authed(http.MethodGet, "/v1/cycles"))

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	data := body["data"].(map[string]any)
	assert.Len(t, data["cycles"], 2)
	assert.Equal(t, "2024-01-01T00:00:00Z", data["latest_complete"].(map[string]any)["start_date"])
	assert.Equal(t, "2024-02-01T00:00:00Z", data["in_progress"].(map[string]any)["start_date"])
}

func TestHandleTrend(t *testing.T) {
	h := setupTest(&mockService{trendOK: false}, true)
	w := httptest.NewRecorder()
	h.HandleTrend(w, authed(http.MethodGet, "/v1/trend"))
	assert.Equal(t, StateEmpty, decode(t, w)["state"])

	pct := 12.5
	h = setupTest(&mockService{trendOK: true, trend: analytics.Trend{ChangePercent: &pct}}, true)
	w = httptest.NewRecorder()
	h.HandleTrend(w, authed(http.MethodGet, "/v1/trend"))
	body := decode(t, w)
	assert.Equal(t, StateOK, body["state"])
	assert.Equal(t, 12.5, body["data"].(map[string]any)["change_percent"])
}

func TestHandleInvalidate(t *testing.T) {
	svc := &mockService{}
	h := setupTest(svc, true)
	w := httptest.NewRecorder()
	h.HandleInvalidate(w, authed(http.MethodPost, "/v1/cache/invalidate"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, svc.invalidated)
}

func TestRouter(t *testing.T) {
	h := setupTest(&mockService{cycles: []consumption.BillingCycle{jan}}, true)
	passthrough := auth.Middleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), "user-1")))
		})
	})
	srv := httptest.NewServer(NewRouter(h, passthrough, zap.NewNop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/cycles")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/cycles", nil)
	req.Header.Set("Authorization", "Bearer k")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
