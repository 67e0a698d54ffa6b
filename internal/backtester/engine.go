// Package backtester drives the day-by-day portfolio simulation: it walks the
// configured date range one trading day at a time, asks the decision agent
// for orders, applies them to the ledger, records the day's valuation and
// keeps the performance statistics current.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fundsim/backtest-backend/internal/agent"
	"github.com/fundsim/backtest-backend/internal/metrics"
	"github.com/fundsim/backtest-backend/internal/portfolio"
	"github.com/fundsim/backtest-backend/pkg/types"
)

// rollingMinPoints is the series size above which the rolling statistics
// start being recomputed.
const rollingMinPoints = 3

// ErrCancelled reports a run stopped by Cancel before reaching its end date.
var ErrCancelled = errors.New("backtest cancelled")

// PriceSource supplies historical daily bars. Absence of data must surface as
// an error, never as zero-valued bars.
type PriceSource interface {
	GetPrices(ctx context.Context, ticker string, start, end time.Time) ([]types.Price, error)
}

// Engine runs one simulation. Days are processed strictly in ascending order
// and each day's trades are applied sequentially: they all contend on the
// single cash balance, so there is nothing to parallelize within a day.
//
// An engine is single-use: Run may be taken once, and the progress channel is
// closed when it returns, so consumers ranging over ProgressChan terminate.
type Engine struct {
	mu     sync.RWMutex
	logger *zap.Logger
	prices PriceSource
	agent  agent.Agent

	started   atomic.Bool
	running   atomic.Bool
	cancelled atomic.Bool

	// Progress state, guarded by mu.
	config        *types.BacktestConfig
	currentDate   time.Time
	daysSimulated int
	daysSkipped   int
	currentValue  decimal.Decimal
	rolling       *types.PerformanceMetrics

	progressChan chan *types.RunProgress
}

// NewEngine creates a simulation engine.
func NewEngine(logger *zap.Logger, prices PriceSource, decider agent.Agent) *Engine {
	return &Engine{
		logger:       logger,
		prices:       prices,
		agent:        decider,
		progressChan: make(chan *types.RunProgress, 100),
	}
}

// Run executes a backtest with the given configuration. The run completes
// with whatever subset of days had usable data; only cancellation, a context
// error or an invalid configuration abort it.
func (e *Engine) Run(ctx context.Context, config *types.BacktestConfig) (*types.BacktestResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.ID == "" {
		config.ID = uuid.New().String()
	}

	if !e.started.CompareAndSwap(false, true) {
		return nil, errors.New("engine already started")
	}
	e.running.Store(true)
	defer e.running.Store(false)
	defer close(e.progressChan)
	e.cancelled.Store(false)

	startedAt := time.Now()
	days := TradingDays(config.StartDate, config.EndDate)
	book := portfolio.New(config.InitialCapital, config.Tickers)
	metricsCfg := metrics.Config{
		AnnualRiskFreeRate: config.Metrics.AnnualRiskFreeRate,
		TradingDaysPerYear: config.Metrics.TradingDaysPerYear,
	}

	e.mu.Lock()
	e.config = config
	e.daysSimulated = 0
	e.daysSkipped = 0
	e.currentValue = config.InitialCapital
	e.rolling = nil
	e.mu.Unlock()

	e.logger.Info("Starting backtest",
		zap.String("id", config.ID),
		zap.Strings("tickers", config.Tickers),
		zap.Int("tradingDays", len(days)),
		zap.String("initialCapital", config.InitialCapital.String()),
	)

	// The series opens with the initial capital so the first traded day has a
	// prior value to compute a return against.
	values := make([]types.DailyValue, 0, len(days)+1)
	if len(days) > 0 {
		values = append(values, types.DailyValue{Date: days[0], Value: config.InitialCapital})
	}
	var rows []types.DayRow

	for i, day := range days {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if e.cancelled.Load() {
			return nil, ErrCancelled
		}

		lookbackStart := day.AddDate(0, 0, -config.LookbackDays)
		if lookbackStart.Equal(day) {
			// No history to hand the agent.
			continue
		}

		closes, ok := e.fetchCloses(ctx, config.Tickers, day)
		if !ok {
			e.skipDay(day, i+1, len(days))
			continue
		}

		out := e.decide(ctx, config, lookbackStart, day, book)
		if out == nil {
			// Agent deadline exceeded: the day is skipped, not aborted.
			e.skipDay(day, i+1, len(days))
			continue
		}

		executed := make(map[string]int64, len(config.Tickers))
		for _, ticker := range config.Tickers {
			decision := out.DecisionFor(ticker)
			executed[ticker] = book.Execute(ticker, decision.Action, decision.Quantity, closes[ticker])
		}

		total, err := book.Value(closes)
		if err != nil {
			// Unreachable while fetchCloses covers every ticker; fail loudly
			// rather than record a bogus valuation.
			return nil, fmt.Errorf("valuation on %s: %w", day.Format("2006-01-02"), err)
		}
		values = append(values, types.DailyValue{Date: day, Value: total})
		rows = append(rows, buildDayRows(day, config.Tickers, out, executed, closes, book)...)

		var rolling *types.PerformanceMetrics
		if len(values) > rollingMinPoints {
			rolling = metrics.Compute(values, metricsCfg)
		}

		e.mu.Lock()
		e.currentDate = day
		e.daysSimulated++
		e.currentValue = total
		if rolling != nil {
			e.rolling = rolling
		}
		e.mu.Unlock()

		e.sendProgress("running", i+1, len(days))
	}

	final := metrics.Compute(values, metricsCfg)

	finalValue := config.InitialCapital
	if len(values) > 0 {
		finalValue = values[len(values)-1].Value
	}

	e.mu.RLock()
	simulated, skipped := e.daysSimulated, e.daysSkipped
	e.mu.RUnlock()

	result := &types.BacktestResult{
		ID:                 config.ID,
		Config:             config,
		Values:             values,
		Rows:               rows,
		Metrics:            final,
		RealizedGains:      book.RealizedGains(),
		TotalRealizedGains: book.TotalRealizedGains(),
		FinalValue:         finalValue,
		DaysSimulated:      simulated,
		DaysSkipped:        skipped,
		StartedAt:          startedAt,
		CompletedAt:        time.Now(),
		Duration:           time.Since(startedAt),
	}

	e.logger.Info("Backtest completed",
		zap.String("id", config.ID),
		zap.Int("daysSimulated", simulated),
		zap.Int("daysSkipped", skipped),
		zap.String("finalValue", finalValue.String()),
		zap.Float64("totalReturn", final.TotalReturn),
		zap.Duration("duration", result.Duration),
	)

	return result, nil
}

// Cancel stops a running backtest at the next day boundary.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// GetProgress returns the current progress snapshot.
func (e *Engine) GetProgress() *types.RunProgress {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status := "idle"
	if e.running.Load() {
		status = "running"
	}

	progress := &types.RunProgress{
		Status:        status,
		CurrentDate:   e.currentDate,
		DaysSimulated: e.daysSimulated,
		DaysSkipped:   e.daysSkipped,
		CurrentValue:  e.currentValue,
		Metrics:       e.rolling,
	}
	if e.config != nil {
		progress.ID = e.config.ID
	}
	return progress
}

// ProgressChan returns the progress update channel. Updates are dropped when
// the channel is full, and the channel closes once Run returns.
func (e *Engine) ProgressChan() <-chan *types.RunProgress {
	return e.progressChan
}

// fetchCloses resolves a close price for every tracked ticker on the given
// day: the last bar in [day-1, day]. Any missing ticker makes the whole day
// unusable.
func (e *Engine) fetchCloses(ctx context.Context, tickers []string, day time.Time) (map[string]decimal.Decimal, bool) {
	closes := make(map[string]decimal.Decimal, len(tickers))
	for _, ticker := range tickers {
		bars, err := e.prices.GetPrices(ctx, ticker, day.AddDate(0, 0, -1), day)
		if err != nil {
			e.logger.Warn("missing price data, skipping day",
				zap.String("ticker", ticker),
				zap.Time("date", day),
				zap.Error(err),
			)
			return nil, false
		}
		if len(bars) == 0 {
			e.logger.Warn("empty price data, skipping day",
				zap.String("ticker", ticker),
				zap.Time("date", day),
			)
			return nil, false
		}
		closes[ticker] = bars[len(bars)-1].Close
	}
	return closes, true
}

// decide invokes the agent under the configured deadline. A timeout returns
// nil (skip the day); any other failure degrades to holding every ticker.
func (e *Engine) decide(ctx context.Context, config *types.BacktestConfig, lookbackStart, day time.Time, book *portfolio.Portfolio) *types.AgentOutput {
	actx, cancel := context.WithTimeout(ctx, config.AgentTimeout)
	defer cancel()

	out, err := e.agent.Decide(actx, agent.Request{
		Tickers:       config.Tickers,
		LookbackStart: lookbackStart,
		CurrentDate:   day,
		Portfolio:     book.Snapshot(),
		Model:         config.Model,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e.logger.Warn("agent timed out, skipping day",
				zap.Time("date", day),
				zap.Duration("timeout", config.AgentTimeout),
			)
			return nil
		}
		e.logger.Error("agent failed, holding all tickers",
			zap.Time("date", day),
			zap.Error(err),
		)
		return agent.HoldAll(config.Tickers)
	}
	if out == nil {
		return agent.HoldAll(config.Tickers)
	}
	return out
}

func (e *Engine) skipDay(day time.Time, processed, total int) {
	e.mu.Lock()
	e.currentDate = day
	e.daysSkipped++
	e.mu.Unlock()
	e.sendProgress("running", processed, total)
}

func (e *Engine) sendProgress(status string, processed, total int) {
	progress := e.GetProgress()
	progress.Status = status
	if total > 0 {
		progress.Progress = float64(processed) / float64(total) * 100
	}

	select {
	case e.progressChan <- progress:
	default:
		// Channel full, drop the update.
	}
}

// buildDayRows produces the per-ticker report lines for one simulated day.
func buildDayRows(day time.Time, tickers []string, out *types.AgentOutput, executed map[string]int64, closes map[string]decimal.Decimal, book *portfolio.Portfolio) []types.DayRow {
	rows := make([]types.DayRow, 0, len(tickers))
	for _, ticker := range tickers {
		decision := out.DecisionFor(ticker)
		bullish, bearish, neutral := out.SignalTally(ticker)
		shares := book.Position(ticker).Shares
		rows = append(rows, types.DayRow{
			Date:          day,
			Ticker:        ticker,
			Action:        decision.Action,
			Quantity:      executed[ticker],
			Price:         closes[ticker],
			SharesOwned:   shares,
			PositionValue: closes[ticker].Mul(decimal.NewFromInt(shares)),
			Bullish:       bullish,
			Bearish:       bearish,
			Neutral:       neutral,
		})
	}
	return rows
}

// TradingDays returns the weekdays in [start, end], truncated to dates.
func TradingDays(start, end time.Time) []time.Time {
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)

	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days = append(days, d)
		}
	}
	return days
}
