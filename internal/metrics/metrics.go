// Package metrics computes risk and return statistics from the daily
// portfolio value series produced by a simulation run.
//
// Compute is a pure function of the series: the engine calls it on the
// growing prefix during a run and once more on the full series at the end,
// so rolling and final numbers can never disagree on the same input.
package metrics

import (
	"math"
	"time"

	"github.com/fundsim/backtest-backend/pkg/types"
)

// zeroEps is the threshold below which a standard deviation is treated as
// numerically zero instead of being divided by.
const zeroEps = 1e-12

// Config parameterizes the statistics computation.
type Config struct {
	// AnnualRiskFreeRate is divided by TradingDaysPerYear to obtain the daily
	// excess-return baseline.
	AnnualRiskFreeRate float64
	TradingDaysPerYear int
}

// DefaultConfig returns the standard 4.34% annual rate over 252 trading days.
func DefaultConfig() Config {
	return Config{
		AnnualRiskFreeRate: types.DefaultAnnualRiskFreeRate,
		TradingDaysPerYear: types.DefaultTradingDaysPerYear,
	}
}

// Compute derives the full statistics set from a value series. Fewer than two
// points yields the zero metrics.
func Compute(series []types.DailyValue, cfg Config) *types.PerformanceMetrics {
	if cfg.TradingDaysPerYear <= 0 {
		cfg.TradingDaysPerYear = types.DefaultTradingDaysPerYear
	}

	m := &types.PerformanceMetrics{}
	if len(series) < 2 {
		return m
	}

	first, _ := series[0].Value.Float64()
	last, _ := series[len(series)-1].Value.Float64()
	if first != 0 {
		m.TotalReturn = last/first - 1
	}

	returns := dailyReturns(series)
	if len(returns) == 0 {
		return m
	}

	annualize := math.Sqrt(float64(cfg.TradingDaysPerYear))
	dailyRiskFree := cfg.AnnualRiskFreeRate / float64(cfg.TradingDaysPerYear)

	excess := make([]float64, len(returns))
	for i, r := range returns {
		excess[i] = r - dailyRiskFree
	}
	meanExcess := mean(excess)

	if std := sampleStdDev(excess); std > zeroEps {
		m.SharpeRatio = annualize * meanExcess / std
	}

	var downside []float64
	for _, e := range excess {
		if e < 0 {
			downside = append(downside, e)
		}
	}
	if std := sampleStdDev(downside); std > zeroEps {
		m.SortinoRatio = annualize * meanExcess / std
	} else if meanExcess > 0 {
		m.SortinoRatio = math.Inf(1)
	}

	m.MaxDrawdown, m.MaxDrawdownDate = maxDrawdown(series)

	wins, winSum, lossSum, losses := 0, 0.0, 0.0, 0
	for _, r := range returns {
		if r > 0 {
			wins++
			winSum += r
		} else if r < 0 {
			losses++
			lossSum += -r
		}
	}
	totalDays := len(series) - 1
	if totalDays < 1 {
		totalDays = 1
	}
	m.WinRate = float64(wins) / float64(totalDays)

	switch {
	case losses > 0:
		m.AvgWinLossRatio = (winSum / float64(max(wins, 1))) / (lossSum / float64(losses))
	case wins > 0:
		m.AvgWinLossRatio = math.Inf(1)
	}

	m.MaxConsecutiveWins, m.MaxConsecutiveLosses = longestStreaks(returns)

	return m
}

// dailyReturns converts the value series into simple daily returns. A zero
// previous value contributes no return rather than a division by zero.
func dailyReturns(series []types.DailyValue) []float64 {
	returns := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		prev, _ := series[i-1].Value.Float64()
		curr, _ := series[i].Value.Float64()
		if prev == 0 {
			continue
		}
		returns = append(returns, curr/prev-1)
	}
	return returns
}

// maxDrawdown returns the deepest decline from a running peak as a negative
// percentage, with the date it bottomed. A series that never declines yields
// zero and the zero time.
func maxDrawdown(series []types.DailyValue) (float64, time.Time) {
	var minDrawdown float64
	var bottom time.Time
	peak, _ := series[0].Value.Float64()
	for _, point := range series {
		v, _ := point.Value.Float64()
		if v > peak {
			peak = v
		}
		if peak == 0 {
			continue
		}
		dd := (v - peak) / peak
		if dd < minDrawdown {
			minDrawdown = dd
			bottom = point.Date
		}
	}
	return minDrawdown * 100, bottom
}

// longestStreaks run-length encodes the sign sequence of the returns and
// returns the longest win (positive) and loss (negative) runs. Zero returns
// break both streak types.
func longestStreaks(returns []float64) (maxWins, maxLosses int) {
	winRun, lossRun := 0, 0
	for _, r := range returns {
		switch {
		case r > 0:
			winRun++
			lossRun = 0
		case r < 0:
			lossRun++
			winRun = 0
		default:
			winRun, lossRun = 0, 0
		}
		if winRun > maxWins {
			maxWins = winRun
		}
		if lossRun > maxLosses {
			maxLosses = lossRun
		}
	}
	return maxWins, maxLosses
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

// sampleStdDev is the n-1 standard deviation; zero for fewer than two values.
func sampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - m
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}
