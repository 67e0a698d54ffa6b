package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundsim/backtest-backend/pkg/types"
)

func series(start time.Time, values ...float64) []types.DailyValue {
	out := make([]types.DailyValue, len(values))
	for i, v := range values {
		out[i] = types.DailyValue{
			Date:  start.AddDate(0, 0, i),
			Value: decimal.NewFromFloat(v),
		}
	}
	return out
}

var day0 = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

func TestComputeTooShortSeries(t *testing.T) {
	m := Compute(nil, DefaultConfig())
	assert.Zero(t, m.TotalReturn)
	assert.Zero(t, m.SharpeRatio)

	m = Compute(series(day0, 100), DefaultConfig())
	assert.Zero(t, m.TotalReturn)
	assert.Zero(t, m.SharpeRatio)
}

func TestComputeFlatSeries(t *testing.T) {
	m := Compute(series(day0, 100, 100, 100, 100), DefaultConfig())

	assert.Zero(t, m.TotalReturn)
	assert.Zero(t, m.SharpeRatio)
	assert.Zero(t, m.SortinoRatio)
	assert.Zero(t, m.MaxDrawdown)
	assert.Zero(t, m.WinRate)
	assert.Zero(t, m.AvgWinLossRatio)
	assert.Zero(t, m.MaxConsecutiveWins)
	assert.Zero(t, m.MaxConsecutiveLosses)
}

func TestTotalReturn(t *testing.T) {
	m := Compute(series(day0, 100, 110, 101), DefaultConfig())
	assert.InDelta(t, 0.01, m.TotalReturn, 1e-9)
}

func TestMaxDrawdownDepthAndDate(t *testing.T) {
	m := Compute(series(day0, 100, 120, 90, 130), DefaultConfig())

	// Trough is 90 against the 120 peak: -25%, bottoming on the third day.
	assert.InDelta(t, -25.0, m.MaxDrawdown, 1e-9)
	assert.Equal(t, day0.AddDate(0, 0, 2), m.MaxDrawdownDate)
}

func TestMaxDrawdownMonotonicSeriesIsZero(t *testing.T) {
	m := Compute(series(day0, 100, 105, 110, 120), DefaultConfig())
	assert.Zero(t, m.MaxDrawdown)
	assert.True(t, m.MaxDrawdownDate.IsZero())
}

func TestSharpeRatioKnownSeries(t *testing.T) {
	cfg := Config{AnnualRiskFreeRate: 0, TradingDaysPerYear: 252}
	m := Compute(series(day0, 100, 110, 115.5), cfg)

	// Returns are 10% and 5%: mean 0.075, sample stddev 0.025*sqrt(2)/sqrt(1).
	returns := []float64{0.1, 0.05}
	meanR := (returns[0] + returns[1]) / 2
	std := math.Sqrt(math.Pow(returns[0]-meanR, 2) + math.Pow(returns[1]-meanR, 2))
	want := math.Sqrt(252) * meanR / std

	assert.InDelta(t, want, m.SharpeRatio, 1e-6)
}

func TestSharpeZeroWhenVolatilityZero(t *testing.T) {
	cfg := Config{AnnualRiskFreeRate: 0, TradingDaysPerYear: 252}
	m := Compute(series(day0, 100, 110, 121), cfg)
	assert.Zero(t, m.SharpeRatio)
}

func TestSortinoInfiniteWithoutDownside(t *testing.T) {
	cfg := Config{AnnualRiskFreeRate: 0, TradingDaysPerYear: 252}
	m := Compute(series(day0, 100, 110, 121), cfg)

	require.True(t, math.IsInf(m.SortinoRatio, 1), "sortino = %v", m.SortinoRatio)
}

func TestSortinoUsesDownsideDeviationOnly(t *testing.T) {
	cfg := Config{AnnualRiskFreeRate: 0, TradingDaysPerYear: 252}
	// Mixed returns with more than one losing day so the downside deviation
	// is defined: +10%, -10%, +10%, -20%.
	m := Compute(series(day0, 100, 110, 99, 108.9, 87.12), cfg)

	assert.False(t, math.IsInf(m.SortinoRatio, 1))
	assert.True(t, m.SortinoRatio < 0, "negative mean excess must give negative sortino, got %v", m.SortinoRatio)
}

func TestWinRateCountsAllDaysInDenominator(t *testing.T) {
	// One win, one flat day: 1 win over 2 elapsed days.
	m := Compute(series(day0, 100, 110, 110), DefaultConfig())
	assert.InDelta(t, 0.5, m.WinRate, 1e-9)
}

func TestAvgWinLossRatio(t *testing.T) {
	cfg := Config{AnnualRiskFreeRate: 0, TradingDaysPerYear: 252}
	// Returns +10%, -10%, +10%: avg win 0.1, avg loss 0.1.
	m := Compute(series(day0, 100, 110, 99, 108.9), cfg)
	assert.InDelta(t, 1.0, m.AvgWinLossRatio, 1e-6)
}

func TestAvgWinLossRatioInfiniteWithoutLosses(t *testing.T) {
	m := Compute(series(day0, 100, 110, 115.5), DefaultConfig())
	assert.True(t, math.IsInf(m.AvgWinLossRatio, 1))
}

func TestStreaksZeroReturnBreaksRuns(t *testing.T) {
	// Returns: +10%, +10%, 0, +10% — the flat day splits the winning run.
	m := Compute(series(day0, 100, 110, 121, 121, 133.1), DefaultConfig())
	assert.Equal(t, 2, m.MaxConsecutiveWins)
	assert.Zero(t, m.MaxConsecutiveLosses)
}

func TestStreaksAlternating(t *testing.T) {
	m := Compute(series(day0, 100, 110, 99, 108.9, 97, 87, 80), DefaultConfig())
	assert.Equal(t, 1, m.MaxConsecutiveWins)
	assert.Equal(t, 3, m.MaxConsecutiveLosses)
}

func TestDailyReturnsSkipsZeroPrevious(t *testing.T) {
	got := dailyReturns(series(day0, 0, 100, 110))
	require.Len(t, got, 1)
	assert.InDelta(t, 0.1, got[0], 1e-9)
}
