package consumption

import (
	"sort"
	"time"

	"github.com/vnmchuo/ipu-finops/internal/apperror"
)

// ListCycles returns the distinct cycles of records, ascending by start date.
// No records yields an empty, non-nil list.
func ListCycles(records []ConsumptionRecord) []BillingCycle {
	cycles := make([]BillingCycle, 0, 16)
	for _, r := range records {
		cycles = append(cycles, r.Cycle)
	}
	return NormalizeCycles(cycles)
}

// NormalizeCycles de-duplicates cycles by identity and sorts them by start date,
// then end date. The input slice is left untouched.
func NormalizeCycles(cycles []BillingCycle) []BillingCycle {
	seen := make(map[string]struct{}, len(cycles))
	out := make([]BillingCycle, 0, len(cycles))
	for _, c := range cycles {
		k := c.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].EndDate.Before(out[j].EndDate)
	})
	return out
}

// IsComplete reports whether the cycle ended before now.
func IsComplete(c BillingCycle, now time.Time) bool {
	return c.EndDate.Before(now)
}

// LastN returns the newest n cycles of an ascending list. n <= 0 keeps every cycle.
func LastN(cycles []BillingCycle, n int) []BillingCycle {
	if n <= 0 || n >= len(cycles) {
		out := make([]BillingCycle, len(cycles))
		copy(out, cycles)
		return out
	}
	out := make([]BillingCycle, n)
	copy(out, cycles[len(cycles)-n:])
	return out
}

// LatestComplete returns the newest complete cycle of an ascending list.
func LatestComplete(cycles []BillingCycle, now time.Time) (BillingCycle, error) {
	for i := len(cycles) - 1; i >= 0; i-- {
		if IsComplete(cycles[i], now) {
			return cycles[i], nil
		}
	}
	return BillingCycle{}, apperror.EmptyCycleCatalog()
}

// InProgress returns the newest cycle that has started but not ended.
func InProgress(cycles []BillingCycle, now time.Time) (BillingCycle, bool) {
	for i := len(cycles) - 1; i >= 0; i-- {
		c := cycles[i]
		if !IsComplete(c, now) && !c.StartDate.After(now) {
			return c, true
		}
	}
	return BillingCycle{}, false
}
