package normalize_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sofia/pkg/normalize"
)

func days(start time.Time, counts ...float64) []normalize.DailyCount {
	out := make([]normalize.DailyCount, len(counts))
	for i, c := range counts {
		out[i] = normalize.DailyCount{Day: start.AddDate(0, 0, i), Count: c}
	}
	return out
}

func TestSofia_Normalize_P95(t *testing.T) {
	t.Parallel()

	require.Equal(t, 100.0, normalize.P95([]float64{1, 1, 2, 10, 10, 10, 100}))
	require.Equal(t, 0.0, normalize.P95(nil))
	require.Equal(t, 7.0, normalize.P95([]float64{7}))

	// rank ceil(0.95*20) = 19
	vals := make([]float64, 20)
	for i := range vals {
		vals[i] = float64(20 - i)
	}
	require.Equal(t, 19.0, normalize.P95(vals))
	require.Equal(t, float64(20), vals[0], "input is not reordered")

	require.Equal(t, 0.0, normalize.P95Norm(5, 0))
	require.Equal(t, 100.0, normalize.P95Norm(500, 100))
	require.Equal(t, 50.0, normalize.P95Norm(50, 100))
}

func TestSofia_Normalize_Clamp(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0.0, normalize.Clamp(-3, 0, 100))
	require.Equal(t, 100.0, normalize.Clamp(130, 0, 100))
	require.Equal(t, 42.5, normalize.Clamp(42.5, 0, 100))
	require.Equal(t, 0.0, normalize.Clamp(math.NaN(), 0, 100))
}

func TestSofia_Normalize_ZScores(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("flat series has no signal", func(t *testing.T) {
		t.Parallel()
		flat := make([]float64, 30)
		for i := range flat {
			flat[i] = 5
		}
		for _, z := range normalize.ZScores(days(start, flat...), 30) {
			require.Zero(t, z)
		}
	})

	t.Run("spike", func(t *testing.T) {
		t.Parallel()
		zs := normalize.ZScores(days(start, 10, 10, 10, 40), 30)
		// window {10,10,10,40}: mean 17.5, std sqrt(168.75)
		require.InDelta(t, (40-17.5)/math.Sqrt(168.75), zs[3], 1e-9)
		require.InDelta(t, 20*(40-17.5)/math.Sqrt(168.75), normalize.ZNorm(zs[3]), 1e-9)
		require.Zero(t, zs[0])
	})

	t.Run("window excludes older days", func(t *testing.T) {
		t.Parallel()
		// With a 2-day window the last day only sees {100, 100}.
		zs := normalize.ZScores(days(start, 1, 100, 100), 2)
		require.Zero(t, zs[2])
		require.NotZero(t, zs[1])
	})

	t.Run("gaps are not filled", func(t *testing.T) {
		t.Parallel()
		series := []normalize.DailyCount{
			{Day: start, Count: 3},
			{Day: start.AddDate(0, 0, 10), Count: 3},
		}
		require.Equal(t, []float64{0, 0}, normalize.ZScores(series, 30))
	})

	require.Equal(t, 100.0, normalize.ZNorm(-7))
}
