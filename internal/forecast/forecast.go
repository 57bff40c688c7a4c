// Package forecast projects future IPU consumption from completed billing cycles.
//
// Three estimators run over the same history and are blended with fixed weights:
//
//   - linear: ordinary least squares over the cycle index
//   - seasonal: a 12-slot seasonal index applied to the last three cycles
//   - moving average: the last three cycles, nudged by a damped growth rate
//
// Confidence is a heuristic score in [0.3, 0.95] built from the relative variance of
// the history, the amount of history and the distance of the forecast point. It is
// not a statistical confidence interval, and thresholds such as "high" or "low"
// belong to the presentation layer.
package forecast

import (
	"math"
	"time"

	"github.com/vnmchuo/ipu-finops/internal/apperror"
	"github.com/vnmchuo/ipu-finops/internal/consumption"
)

const (
	WeightLinear        = 0.2
	WeightSeasonal      = 0.3
	WeightMovingAverage = 0.5

	// MinHistory is the shortest history a forecast accepts.
	MinHistory = 2

	MinConfidence = 0.3
	MaxConfidence = 0.95

	seasonLength  = 12
	averageWindow = 3
	growthWindow  = 6
	// growth is damped twice so volatile series do not run away.
	growthDamping   = 0.5
	growthStepShare = 0.3
	distanceDecay   = 0.1
	fullQualityAt   = 6
)

// HistoryPoint is the observed IPU of one completed cycle.
type HistoryPoint struct {
	Cycle consumption.BillingCycle `json:"cycle"`
	IPU   float64                  `json:"ipu"`
}

// Point is one synthetic future cycle.
type Point struct {
	Cycle      consumption.BillingCycle `json:"cycle"`
	IPU        float64                  `json:"ipu"`
	Cost       float64                  `json:"cost"`
	Confidence float64                  `json:"confidence"`

	// Component estimates before weighting.
	Linear        float64 `json:"linear"`
	Seasonal      float64 `json:"seasonal"`
	MovingAverage float64 `json:"moving_average"`
}

// FromSeries turns a completed series into forecast history, one point per cycle.
func FromSeries(series consumption.AggregatedSeries) []HistoryPoint {
	out := make([]HistoryPoint, len(series.Entries))
	for i, e := range series.Entries {
		out[i] = HistoryPoint{Cycle: e.Cycle, IPU: e.Total().IPU}
	}
	return out
}

// Forecast produces horizon future points from history. The history must be in
// cycle order and hold at least MinHistory points. Point j is labeled with the
// calendar month that starts j months after the day following the last history
// cycle; when the last history point carries no cycle the labels stay zero.
func Forecast(history []HistoryPoint, horizon int, pricing consumption.PricingContext) ([]Point, error) {
	if len(history) < MinHistory {
		return nil, apperror.InsufficientHistory(len(history), MinHistory)
	}
	if horizon <= 0 {
		return nil, apperror.Inputf("forecast horizon must be positive, got %d", horizon)
	}
	if err := pricing.Validate(); err != nil {
		return nil, err
	}

	values := make([]float64, len(history))
	for i, h := range history {
		if math.IsNaN(h.IPU) || math.IsInf(h.IPU, 0) || h.IPU < 0 {
			return nil, apperror.Inputf("history point %d has invalid ipu %v", i, h.IPU)
		}
		values[i] = h.IPU
	}

	linear := Linear(values, horizon)
	seasonal := Seasonal(values, horizon)
	moving := MovingAverage(values, horizon)

	variance := NormalizedVariance(values)
	quality := math.Min(1, float64(len(values))/fullQualityAt)
	last := history[len(history)-1].Cycle

	points := make([]Point, horizon)
	for j := 0; j < horizon; j++ {
		ipu := WeightLinear*linear[j] + WeightSeasonal*seasonal[j] + WeightMovingAverage*moving[j]
		ipu = math.Max(0, ipu)
		points[j] = Point{
			Cycle:         futureCycle(last, j),
			IPU:           ipu,
			Cost:          math.Max(0, pricing.Cost(ipu)),
			Confidence:    confidence(variance, quality, j),
			Linear:        linear[j],
			Seasonal:      seasonal[j],
			MovingAverage: moving[j],
		}
	}
	return points, nil
}

// Linear fits y = a + b*i by least squares and predicts indices n..n+horizon-1,
// clipped at zero.
func Linear(values []float64, horizon int) []float64 {
	n := float64(len(values))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	var slope float64
	if denom := n*sumXX - sumX*sumX; denom != 0 {
		slope = (n*sumXY - sumX*sumY) / denom
	}
	intercept := (sumY - slope*sumX) / n

	out := make([]float64, horizon)
	for j := range out {
		out[j] = math.Max(0, intercept+slope*(n+float64(j)))
	}
	return out
}

// SeasonalIndex averages values[i]/mean per i mod 12. With less than a full year
// of history, or a zero mean, every slot is 1.0.
func SeasonalIndex(values []float64) [seasonLength]float64 {
	var index [seasonLength]float64
	for i := range index {
		index[i] = 1
	}
	if len(values) < seasonLength {
		return index
	}
	avg := mean(values)
	if avg <= 0 {
		return index
	}

	var sums [seasonLength]float64
	var counts [seasonLength]int
	for i, v := range values {
		slot := i % seasonLength
		sums[slot] += v / avg
		counts[slot]++
	}
	for i := range index {
		if counts[i] > 0 {
			index[i] = sums[i] / float64(counts[i])
		}
	}
	return index
}

// Seasonal scales the average of the last three values by the seasonal factor of
// each target slot.
func Seasonal(values []float64, horizon int) []float64 {
	index := SeasonalIndex(values)
	base := mean(tail(values, averageWindow))
	n := len(values)

	out := make([]float64, horizon)
	for j := range out {
		out[j] = base * index[(n+j)%seasonLength]
	}
	return out
}

// MovingAverage extends the last-three average by a doubly damped growth rate.
func MovingAverage(values []float64, horizon int) []float64 {
	base := mean(tail(values, averageWindow))
	growth := AverageGrowthRate(tail(values, growthWindow))

	out := make([]float64, horizon)
	for j := range out {
		out[j] = base * (1 + growthDamping*growth*growthStepShare*float64(j+1))
	}
	return out
}

// AverageGrowthRate is the mean period-over-period growth. Pairs whose base is not
// positive are skipped.
func AverageGrowthRate(values []float64) float64 {
	var sum float64
	var count int
	for i := 1; i < len(values); i++ {
		prev := values[i-1]
		if prev <= 0 {
			continue
		}
		sum += (values[i] - prev) / prev
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// NormalizedVariance is min(1, variance/mean²) with the population variance. A
// non-positive mean counts as maximal uncertainty.
func NormalizedVariance(values []float64) float64 {
	if len(values) == 0 {
		return 1
	}
	avg := mean(values)
	if avg <= 0 {
		return 1
	}
	var ss float64
	for _, v := range values {
		d := v - avg
		ss += d * d
	}
	variance := ss / float64(len(values))
	return math.Min(1, variance/(avg*avg))
}

func confidence(normalizedVariance, quality float64, j int) float64 {
	distance := math.Max(0, 1-distanceDecay*float64(j))
	c := (1 - normalizedVariance) * quality * distance
	return math.Min(MaxConfidence, math.Max(MinConfidence, c))
}

// futureCycle labels forecast point j after the last observed cycle.
func futureCycle(last consumption.BillingCycle, j int) consumption.BillingCycle {
	if last.EndDate.IsZero() {
		return consumption.BillingCycle{}
	}
	first := last.EndDate.AddDate(0, 0, 1)
	start := addMonthsClamped(first, j)
	end := time.Date(start.Year(), start.Month()+1, 0, 0, 0, 0, 0, time.UTC)
	return consumption.NewCycle(start, end)
}

// addMonthsClamped moves t by months, clamping the day to the target month length
// instead of overflowing into the next month.
func addMonthsClamped(t time.Time, months int) time.Time {
	firstOfTarget := time.Date(t.Year(), t.Month()+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	lastDay := time.Date(firstOfTarget.Year(), firstOfTarget.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	d := t.Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), d, 0, 0, 0, 0, time.UTC)
}

func tail(values []float64, n int) []float64 {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
