// Package edge talks to the remote multi-series function that returns
// pre-aggregated consumption per dimension value.
package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/vnmchuo/ipu-finops/internal/apperror"
	"github.com/vnmchuo/ipu-finops/internal/consumption"
)

const (
	maxErrorBody   = 4 << 10
	defaultTimeout = 30 * time.Second
)

// Request is the body sent to the multi-series function.
type Request struct {
	ClienteID     string   `json:"clienteId"`
	CycleLimit    int      `json:"cycleLimit"`
	SelectedItems []string `json:"selectedItems,omitempty"`
	Dimension     string   `json:"dimension"`
}

// Response carries one bucket per billing cycle. Items maps a dimension value to
// the IPU consumed in that cycle.
type Response struct {
	Cycles []CycleBucket `json:"cycles"`
}

type CycleBucket struct {
	StartDate string             `json:"start_date"`
	EndDate   string             `json:"end_date"`
	Items     map[string]float64 `json:"items"`
}

type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps outbound calls at rps per second with the given burst.
// A non-positive rps leaves calls unthrottled.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func New(url, apiKey string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "multi-series",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return c
}

// Fetch calls the function once. Failures are returned as UPSTREAM_FETCH errors;
// retrying is left to the caller.
func (c *Client) Fetch(ctx context.Context, req Request) (Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, apperror.UpstreamFetch("multi-series", err).WithContext("throttled", "true")
		}
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Response{}, apperror.UpstreamFetch("multi-series", err).WithContext("breaker", c.breaker.State().String())
		}
		return Response{}, apperror.UpstreamFetch("multi-series", err)
	}
	return result.(Response), nil
}

func (c *Client) do(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Response{}, fmt.Errorf("multi-series error: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode multi-series response: %w", err)
	}
	return out, nil
}

// Series fetches the remote buckets and re-aggregates them locally, so prices and
// column sets match the local aggregation path exactly.
func (c *Client) Series(ctx context.Context, req Request, pricing consumption.PricingContext) (consumption.AggregatedSeries, error) {
	dim, err := consumption.ParseDimension(req.Dimension)
	if err != nil {
		return consumption.AggregatedSeries{}, err
	}
	if err := pricing.Validate(); err != nil {
		return consumption.AggregatedSeries{}, err
	}

	resp, err := c.Fetch(ctx, req)
	if err != nil {
		return consumption.AggregatedSeries{}, err
	}
	records, cycles, err := resp.Records(dim)
	if err != nil {
		return consumption.AggregatedSeries{}, err
	}
	cycles = consumption.LastN(cycles, req.CycleLimit)
	return consumption.Aggregate(records, cycles, dim, pricing, consumption.WithSelectedItems(req.SelectedItems...))
}

// Records flattens the buckets into one record per cell. Malformed buckets are
// reported as UPSTREAM_FETCH errors because the data came from the remote side.
func (r Response) Records(dim consumption.Dimension) ([]consumption.ConsumptionRecord, []consumption.BillingCycle, error) {
	var records []consumption.ConsumptionRecord
	cycles := make([]consumption.BillingCycle, 0, len(r.Cycles))
	for _, b := range r.Cycles {
		cycle, err := consumption.ParseCycle(b.StartDate, b.EndDate)
		if err != nil {
			return nil, nil, apperror.UpstreamFetch("multi-series", err)
		}
		cycles = append(cycles, cycle)
		for value, ipu := range b.Items {
			rec := dim.Record(cycle, value, ipu)
			if err := rec.Validate(); err != nil {
				return nil, nil, apperror.UpstreamFetch("multi-series", err).WithContext("item", value)
			}
			records = append(records, rec)
		}
	}
	return records, consumption.NormalizeCycles(cycles), nil
}
