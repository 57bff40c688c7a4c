package consumption

import (
	"time"

	"github.com/vnmchuo/ipu-finops/internal/apperror"
)

// FilterComplete drops every trailing entry whose cycle has not ended by now.
// Applying it twice gives the same result as applying it once.
func FilterComplete(series AggregatedSeries, now time.Time) AggregatedSeries {
	end := len(series.Entries)
	for end > 0 && !IsComplete(series.Entries[end-1].Cycle, now) {
		end--
	}
	out := AggregatedSeries{
		Dimension: series.Dimension,
		Entries:   make([]SeriesEntry, end),
	}
	copy(out.Entries, series.Entries[:end])
	return out
}

// Projection is a linear full-cycle estimate of an in-progress cycle. It is for
// trend display only and is never merged into an AggregatedSeries.
type Projection struct {
	Cycle       BillingCycle `json:"cycle"`
	Observed    Totals       `json:"observed"`
	Projected   Totals       `json:"projected"`
	DaysElapsed int          `json:"days_elapsed"`
	DaysTotal   int          `json:"days_total"`
}

// ProjectPartialCycle scales the observed totals of a cycle by
// totalDays/daysElapsed. Day counts are inclusive; a finished cycle is returned
// unscaled.
func ProjectPartialCycle(partial Totals, cycle BillingCycle, now time.Time) (Projection, error) {
	today := truncateDay(now)
	if today.Before(cycle.StartDate) {
		return Projection{}, apperror.Inputf("cycle %s has not started", cycle)
	}

	total := cycle.Days()
	elapsed := int(today.Sub(cycle.StartDate).Hours()/24) + 1
	if elapsed > total {
		elapsed = total
	}

	factor := float64(total) / float64(elapsed)
	return Projection{
		Cycle:    cycle,
		Observed: partial,
		Projected: Totals{
			IPU:  partial.IPU * factor,
			Cost: partial.Cost * factor,
		},
		DaysElapsed: elapsed,
		DaysTotal:   total,
	}, nil
}
