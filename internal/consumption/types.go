// Package consumption buckets raw IPU consumption into billing cycles.
//
// It holds the billing cycle catalog, the parametric aggregator and the cycle
// completeness filter. Every function here is pure: inputs are never mutated and
// the same inputs always produce the same output.
//
// Example usage:
//
//	cycles := consumption.ListCycles(records)
//	series, err := consumption.Aggregate(records, cycles, consumption.DimOrganization, pricing)
//	if err != nil {
//	    return err
//	}
//	history := consumption.FilterComplete(series, time.Now())
package consumption

import (
	"math"
	"sort"
	"time"

	"github.com/vnmchuo/ipu-finops/internal/apperror"
)

const cycleDateLayout = "2006-01-02"

// BillingCycle is a billing period. Its identity is the (StartDate, EndDate) pair.
type BillingCycle struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// NewCycle builds a cycle from two dates, truncating both to UTC midnight.
func NewCycle(start, end time.Time) BillingCycle {
	return BillingCycle{StartDate: truncateDay(start), EndDate: truncateDay(end)}
}

// ParseCycle builds a cycle from two YYYY-MM-DD dates.
func ParseCycle(start, end string) (BillingCycle, error) {
	s, err := time.Parse(cycleDateLayout, start)
	if err != nil {
		return BillingCycle{}, apperror.Inputf("invalid cycle start date %q", start)
	}
	e, err := time.Parse(cycleDateLayout, end)
	if err != nil {
		return BillingCycle{}, apperror.Inputf("invalid cycle end date %q", end)
	}
	return NewCycle(s, e), nil
}

// Key is the one canonical lookup key for a cycle.
func (c BillingCycle) Key() string {
	return c.StartDate.Format(cycleDateLayout) + "_" + c.EndDate.Format(cycleDateLayout)
}

func (c BillingCycle) String() string {
	return c.StartDate.Format(cycleDateLayout) + ".." + c.EndDate.Format(cycleDateLayout)
}

// Equal reports whether both cycles have the same identity.
func (c BillingCycle) Equal(o BillingCycle) bool {
	return c.StartDate.Equal(o.StartDate) && c.EndDate.Equal(o.EndDate)
}

// Days is the inclusive number of calendar days covered by the cycle.
func (c BillingCycle) Days() int {
	return int(c.EndDate.Sub(c.StartDate).Hours()/24) + 1
}

// ConsumptionRecord is one raw measured IPU quantity. Every groupable field is
// carried so that a Dimension can select the grouping value.
type ConsumptionRecord struct {
	Cycle       BillingCycle `json:"cycle"`
	OrgID       string       `json:"org_id"`
	OrgName     string       `json:"org_name,omitempty"`
	ProjectName string       `json:"project_name,omitempty"`
	AssetID     string       `json:"asset_id,omitempty"`
	MeterName   string       `json:"meter_name"`
	IPU         float64      `json:"ipu"`
}

// Validate rejects rows the core cannot aggregate.
func (r ConsumptionRecord) Validate() error {
	if math.IsNaN(r.IPU) || math.IsInf(r.IPU, 0) || r.IPU < 0 {
		return apperror.Inputf("record for meter %q has invalid ipu %v", r.MeterName, r.IPU)
	}
	if r.Cycle.StartDate.IsZero() || r.Cycle.EndDate.IsZero() {
		return apperror.Inputf("record for meter %q has no billing cycle", r.MeterName)
	}
	if r.Cycle.EndDate.Before(r.Cycle.StartDate) {
		return apperror.Inputf("record cycle %s ends before it starts", r.Cycle)
	}
	return nil
}

// PricingContext is supplied once per aggregation call and never cached on its own.
type PricingContext struct {
	PricePerIPU    float64 `json:"price_per_ipu"`
	ContractedIPUs float64 `json:"contracted_ipus"`
}

func (p PricingContext) Validate() error {
	if math.IsNaN(p.PricePerIPU) || p.PricePerIPU <= 0 {
		return apperror.InvalidPricing(p.PricePerIPU)
	}
	return nil
}

// Cost prices an IPU quantity.
func (p PricingContext) Cost(ipu float64) float64 {
	return ipu * p.PricePerIPU
}

// Totals is one cell of an aggregated series.
type Totals struct {
	IPU  float64 `json:"ipu"`
	Cost float64 `json:"cost"`
}

// SeriesEntry holds the totals of every dimension value for one cycle.
type SeriesEntry struct {
	Cycle  BillingCycle      `json:"cycle"`
	Totals map[string]Totals `json:"totals"`
}

// Total sums every dimension value of the entry.
func (e SeriesEntry) Total() Totals {
	var t Totals
	for _, v := range e.Totals {
		t.IPU += v.IPU
		t.Cost += v.Cost
	}
	return t
}

// AggregatedSeries is a dense, cycle-ordered matrix of observed totals.
type AggregatedSeries struct {
	Dimension Dimension     `json:"dimension"`
	Entries   []SeriesEntry `json:"entries"`
}

func (s AggregatedSeries) Len() int { return len(s.Entries) }

// Keys returns the sorted dimension values present in the series.
func (s AggregatedSeries) Keys() []string {
	if len(s.Entries) == 0 {
		return []string{}
	}
	keys := make([]string, 0, len(s.Entries[0].Totals))
	for k := range s.Entries[0].Totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Cycles returns the cycle of every entry, in series order.
func (s AggregatedSeries) Cycles() []BillingCycle {
	out := make([]BillingCycle, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.Cycle
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
