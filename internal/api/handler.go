package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/ipu-finops/internal/analytics"
	"github.com/vnmchuo/ipu-finops/internal/apperror"
	"github.com/vnmchuo/ipu-finops/internal/auth"
	"github.com/vnmchuo/ipu-finops/internal/consumption"
	"github.com/vnmchuo/ipu-finops/internal/store"
	"github.com/vnmchuo/ipu-finops/pkg/ratelimit"
)

// View states returned with every response.
const (
	StateOK               = "ok"
	StateEmpty            = "empty"
	StateInsufficientData = "insufficient_data"
	StateRetryableError   = "retryable_error"
	StateError            = "error"
)

// forecastCost is the rate limit cost of a forecast request.
const forecastCost = 2

// Service is what the handlers need from *analytics.Service.
type Service interface {
	ResolveTenant(ctx context.Context, userID string) (store.Tenant, error)
	Cycles(ctx context.Context) ([]consumption.BillingCycle, error)
	Series(ctx context.Context, tenant store.Tenant, q analytics.Query) (consumption.AggregatedSeries, error)
	Forecast(ctx context.Context, tenant store.Tenant, q analytics.Query, horizon int) (analytics.ForecastResult, error)
	Rollup(ctx context.Context, tenant store.Tenant, start time.Time) (analytics.RollupResult, error)
	Trend(ctx context.Context, tenant store.Tenant, q analytics.Query) (analytics.Trend, bool, error)
	Invalidate(ctx context.Context) error
}

type Handler struct {
	svc     Service
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	logger  *zap.Logger
	now     func() time.Time
}

func NewHandler(svc Service, limiter *ratelimit.Limiter, tracer trace.Tracer, logger *zap.Logger) *Handler {
	return &Handler{
		svc:     svc,
		limiter: limiter,
		tracer:  tracer,
		logger:  logger.Named("api"),
		now:     time.Now,
	}
}

type envelope struct {
	State     string     `json:"state"`
	Data      any        `json:"data,omitempty"`
	Error     *errorBody `json:"error,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
}

type errorBody struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) ok(w http.ResponseWriter, r *http.Request, data any, empty bool) {
	state := StateOK
	if empty {
		state = StateEmpty
	}
	writeJSON(w, http.StatusOK, envelope{State: state, Data: data, RequestID: auth.GetRequestID(r.Context())})
}

// writeError maps an error kind to a status code and a view state.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperror.KindOf(err)
	status, state := http.StatusInternalServerError, StateRetryableError
	switch kind {
	case apperror.KindInvalidPricing, apperror.KindInsufficientHistory:
		status, state = http.StatusUnprocessableEntity, StateInsufficientData
	case apperror.KindUpstreamFetch:
		status, state = http.StatusBadGateway, StateRetryableError
	case apperror.KindEmptyCycleCatalog:
		status, state = http.StatusOK, StateEmpty
	case apperror.KindInput:
		status, state = http.StatusBadRequest, StateError
	case apperror.KindNotFound:
		status, state = http.StatusNotFound, StateError
	}

	requestID := auth.GetRequestID(r.Context())
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.String("kind", string(kind)), zap.String("request_id", requestID))
	} else {
		h.logger.Debug("request rejected", zap.Error(err), zap.String("kind", string(kind)), zap.String("request_id", requestID))
	}
	writeJSON(w, status, envelope{
		State:     state,
		Error:     &errorBody{Kind: string(kind), Message: err.Error()},
		RequestID: requestID,
	})
}

// prepare authenticates the caller, resolves its tenant and spends rate limit
// budget. It writes the response itself when it returns false.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request, spanName string, cost int) (context.Context, trace.Span, store.Tenant, bool) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, envelope{State: StateError, Error: &errorBody{Message: "unauthorized"}})
		return ctx, nil, store.Tenant{}, false
	}

	tenant, err := h.svc.ResolveTenant(ctx, userID)
	if err != nil {
		h.writeError(w, r, err)
		return ctx, nil, store.Tenant{}, false
	}

	allowed, err := h.limiter.Allow(ctx, ratelimit.Subject{
		ClienteID:         tenant.ClienteID,
		APIKeyID:          auth.GetAPIKeyID(ctx),
		RequestsPerMinute: auth.GetRateLimit(ctx),
	}, cost)
	if err != nil {
		h.writeError(w, r, apperror.UpstreamFetch("rate limiter", err))
		return ctx, nil, store.Tenant{}, false
	}
	if !allowed {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, envelope{
			State:     StateError,
			Error:     &errorBody{Message: "rate limit exceeded"},
			RequestID: auth.GetRequestID(ctx),
		})
		return ctx, nil, store.Tenant{}, false
	}

	ctx, span := h.tracer.Start(ctx, spanName)
	span.SetAttributes(
		attribute.String("cliente_id", tenant.ClienteID),
		attribute.String("request_id", auth.GetRequestID(ctx)),
	)
	return ctx, span, tenant, true
}

func parseQuery(r *http.Request) (analytics.Query, error) {
	v := r.URL.Query()
	q := analytics.Query{
		OrgID:       v.Get("org"),
		ProjectName: v.Get("project"),
		MeterName:   v.Get("meter"),
	}
	if d := v.Get("dimension"); d != "" {
		dim, err := consumption.ParseDimension(d)
		if err != nil {
			return q, err
		}
		q.Dimension = dim
	}
	if c := v.Get("cycles"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n <= 0 {
			return q, apperror.Inputf("invalid 'cycles' value %q (use a positive integer)", c)
		}
		q.CycleLimit = n
	}
	if items := v.Get("items"); items != "" {
		for _, it := range strings.Split(items, ",") {
			if it = strings.TrimSpace(it); it != "" {
				q.SelectedItems = append(q.SelectedItems, it)
			}
		}
	}
	return q, nil
}

type cyclesResponse struct {
	Cycles         []consumption.BillingCycle `json:"cycles"`
	LatestComplete *consumption.BillingCycle  `json:"latest_complete,omitempty"`
	InProgress     *consumption.BillingCycle  `json:"in_progress,omitempty"`
}

func (h *Handler) HandleCycles(w http.ResponseWriter, r *http.Request) {
	ctx, span, _, ok := h.prepare(w, r, "api.cycles", 1)
	if !ok {
		return
	}
	defer span.End()

	cycles, err := h.svc.Cycles(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	now := h.now()
	resp := cyclesResponse{Cycles: cycles}
	if c, err := consumption.LatestComplete(cycles, now); err == nil {
		resp.LatestComplete = &c
	}
	if c, ok := consumption.InProgress(cycles, now); ok {
		resp.InProgress = &c
	}
	h.ok(w, r, resp, len(cycles) == 0)
}

func (h *Handler) HandleSeries(w http.ResponseWriter, r *http.Request) {
	ctx, span, tenant, ok := h.prepare(w, r, "api.series", 1)
	if !ok {
		return
	}
	defer span.End()

	q, err := parseQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	series, err := h.svc.Series(ctx, tenant, q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.Int("cycles", series.Len()))
	h.ok(w, r, series, series.Len() == 0)
}

func (h *Handler) HandleForecast(w http.ResponseWriter, r *http.Request) {
	ctx, span, tenant, ok := h.prepare(w, r, "api.forecast", forecastCost)
	if !ok {
		return
	}
	defer span.End()

	q, err := parseQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	horizon := 0
	if s := r.URL.Query().Get("horizon"); s != "" {
		horizon, err = strconv.Atoi(s)
		if err != nil || horizon <= 0 {
			h.writeError(w, r, apperror.Inputf("invalid 'horizon' value %q (use a positive integer)", s))
			return
		}
	}

	res, err := h.svc.Forecast(ctx, tenant, q, horizon)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.ok(w, r, res, false)
}

func (h *Handler) HandleRollup(w http.ResponseWriter, r *http.Request) {
	ctx, span, tenant, ok := h.prepare(w, r, "api.rollup", 1)
	if !ok {
		return
	}
	defer span.End()

	var start time.Time
	if s := r.URL.Query().Get("cycle"); s != "" {
		var err error
		start, err = time.Parse("2006-01-02", s)
		if err != nil {
			h.writeError(w, r, apperror.Inputf("invalid 'cycle' date %q (use YYYY-MM-DD)", s))
			return
		}
	}

	res, err := h.svc.Rollup(ctx, tenant, start)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.ok(w, r, res, len(res.Organizations) == 0)
}

func (h *Handler) HandleTrend(w http.ResponseWriter, r *http.Request) {
	ctx, span, tenant, ok := h.prepare(w, r, "api.trend", 1)
	if !ok {
		return
	}
	defer span.End()

	q, err := parseQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	trend, found, err := h.svc.Trend(ctx, tenant, q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !found {
		h.ok(w, r, nil, true)
		return
	}
	h.ok(w, r, trend, false)
}

func (h *Handler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	ctx, span, tenant, ok := h.prepare(w, r, "api.invalidate", 1)
	if !ok {
		return
	}
	defer span.End()

	if err := h.svc.Invalidate(ctx); err != nil {
		h.writeError(w, r, apperror.UpstreamFetch("invalidate shared cache", err))
		return
	}
	h.logger.Info("cache invalidated", zap.String("cliente_id", tenant.ClienteID))
	h.ok(w, r, nil, false)
}
