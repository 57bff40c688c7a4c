package consumption

import (
	"github.com/vnmchuo/ipu-finops/internal/apperror"
)

// AggregateOption tunes a single Aggregate call.
type AggregateOption func(*aggregateConfig)

type aggregateConfig struct {
	selected map[string]struct{}
	// order keeps selected items in caller order so they always appear as columns.
	order []string
}

// WithSelectedItems restricts the series to the given dimension values. Every
// selected value becomes a column, even when it has no consumption.
func WithSelectedItems(items ...string) AggregateOption {
	return func(c *aggregateConfig) {
		if len(items) == 0 {
			return
		}
		c.selected = make(map[string]struct{}, len(items))
		c.order = c.order[:0]
		for _, it := range items {
			if _, dup := c.selected[it]; dup {
				continue
			}
			c.selected[it] = struct{}{}
			c.order = append(c.order, it)
		}
	}
}

// Aggregate sums records per (cycle, dimension value) over the given window and
// prices every cell. The output has one entry per cycle, in window order, and every
// entry carries the same key set. Records outside the window are dropped.
func Aggregate(records []ConsumptionRecord, cycles []BillingCycle, dim Dimension, pricing PricingContext, opts ...AggregateOption) (AggregatedSeries, error) {
	if err := pricing.Validate(); err != nil {
		return AggregatedSeries{}, err
	}
	if !dim.Valid() {
		return AggregatedSeries{}, apperror.Inputf("unknown dimension %q", dim)
	}

	var cfg aggregateConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	index := make(map[string]int, len(cycles))
	for i, c := range cycles {
		k := c.Key()
		if _, dup := index[k]; dup {
			return AggregatedSeries{}, apperror.Inputf("cycle %s appears twice in the window", c)
		}
		index[k] = i
	}

	ipu := make([]map[string]float64, len(cycles))
	for i := range ipu {
		ipu[i] = make(map[string]float64)
	}
	values := make(map[string]struct{})
	for _, v := range cfg.order {
		values[v] = struct{}{}
	}

	for _, r := range records {
		i, ok := index[r.Cycle.Key()]
		if !ok {
			continue
		}
		v := dim.Value(r)
		if cfg.selected != nil {
			if _, keep := cfg.selected[v]; !keep {
				continue
			}
		}
		values[v] = struct{}{}
		ipu[i][v] += r.IPU
	}

	series := AggregatedSeries{
		Dimension: dim,
		Entries:   make([]SeriesEntry, len(cycles)),
	}
	for i, c := range cycles {
		totals := make(map[string]Totals, len(values))
		for v := range values {
			q := ipu[i][v]
			totals[v] = Totals{IPU: q, Cost: pricing.Cost(q)}
		}
		series.Entries[i] = SeriesEntry{Cycle: c, Totals: totals}
	}
	return series, nil
}

// TotalHistory collapses a series into one IPU value per cycle, in series order.
func TotalHistory(series AggregatedSeries) []float64 {
	out := make([]float64, len(series.Entries))
	for i, e := range series.Entries {
		out[i] = e.Total().IPU
	}
	return out
}
