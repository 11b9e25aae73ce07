package normalize

import (
	"math"
	"sort"
	"time"
)

// ZScoreEpsilon is the stddev below which a series carries no signal.
const ZScoreEpsilon = 1e-3

// Clamp limits v to [lo, hi]; NaN becomes lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// P95 is the nearest-rank 95th percentile: the value at rank ceil(0.95*n) of
// the sorted values. It is 0 for an empty slice.
func P95(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(0.95 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// P95Norm maps raw onto 0..100 against the source's P95. A zero P95 means
// every observation is 0.
func P95Norm(raw, p95 float64) float64 {
	if p95 <= 0 {
		return 0
	}
	return Clamp(100*raw/p95, 0, 100)
}

type DailyCount struct {
	Day   time.Time
	Count float64
}

// ZScores scores each day of one country's series against the days of the
// same series within the trailing window ending on that day, inclusive.
// Days absent from the series are not filled in. The result is aligned with
// series after sorting by day.
func ZScores(series []DailyCount, windowDays int) []float64 {
	sort.SliceStable(series, func(i, j int) bool { return series[i].Day.Before(series[j].Day) })
	out := make([]float64, len(series))
	start := 0
	for i, cur := range series {
		from := cur.Day.AddDate(0, 0, -(windowDays - 1))
		for series[start].Day.Before(from) {
			start++
		}
		var sum float64
		n := float64(i - start + 1)
		for _, p := range series[start : i+1] {
			sum += p.Count
		}
		mean := sum / n
		var sq float64
		for _, p := range series[start : i+1] {
			sq += (p.Count - mean) * (p.Count - mean)
		}
		std := math.Sqrt(sq / n)
		if std < ZScoreEpsilon {
			out[i] = 0
			continue
		}
		out[i] = (cur.Count - mean) / std
	}
	return out
}

// ZNorm maps a z-score onto 0..100.
func ZNorm(z float64) float64 {
	return Clamp(math.Abs(z)*20, 0, 100)
}
