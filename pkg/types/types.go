// Package types provides shared type definitions for the backtesting backend.
package types

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Action is a per-ticker trading instruction produced by the decision agent.
type Action string

const (
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionShort Action = "short"
	ActionCover Action = "cover"
	ActionHold  Action = "hold"
)

// Valid reports whether the action is one the executor recognizes.
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionShort, ActionCover, ActionHold:
		return true
	}
	return false
}

// Decision is the agent's instruction for a single ticker on a single day.
// Quantity is a requested share count; the executor may fill less.
type Decision struct {
	Action   Action `json:"action"`
	Quantity int64  `json:"quantity"`
}

// AnalystSignal is signal metadata attached to an agent response. The engine
// treats it as opaque except for tallying the Signal field in day reports.
type AnalystSignal struct {
	Signal     string  `json:"signal"`
	Confidence float64 `json:"confidence,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// AgentOutput is the full response from one agent invocation: per-ticker
// decisions plus per-analyst, per-ticker signals.
type AgentOutput struct {
	Decisions      map[string]Decision                 `json:"decisions"`
	AnalystSignals map[string]map[string]AnalystSignal `json:"analyst_signals,omitempty"`
}

// DecisionFor returns the decision for a ticker, defaulting to a zero-share
// hold when the agent said nothing about it.
func (o *AgentOutput) DecisionFor(ticker string) Decision {
	if o == nil || o.Decisions == nil {
		return Decision{Action: ActionHold}
	}
	d, ok := o.Decisions[ticker]
	if !ok {
		return Decision{Action: ActionHold}
	}
	return d
}

// SignalTally counts bullish/bearish/neutral analyst signals for one ticker.
func (o *AgentOutput) SignalTally(ticker string) (bullish, bearish, neutral int) {
	if o == nil {
		return 0, 0, 0
	}
	for _, perTicker := range o.AnalystSignals {
		sig, ok := perTicker[ticker]
		if !ok {
			continue
		}
		switch strings.ToLower(sig.Signal) {
		case "bullish":
			bullish++
		case "bearish":
			bearish++
		case "neutral":
			neutral++
		}
	}
	return bullish, bearish, neutral
}

// Price is a single daily OHLCV bar. The simulation only consumes Date and
// Close; the remaining fields pass through from the data source.
type Price struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// PositionSnapshot is the read-only view of one held lot.
type PositionSnapshot struct {
	Shares    int64           `json:"shares"`
	CostBasis decimal.Decimal `json:"costBasis"`
}

// PortfolioSnapshot is the read-only copy of the ledger handed to the agent
// before each decision. Mutating it has no effect on the run.
type PortfolioSnapshot struct {
	Cash          decimal.Decimal             `json:"cash"`
	Positions     map[string]PositionSnapshot `json:"positions"`
	RealizedGains map[string]decimal.Decimal  `json:"realizedGains"`
}

// DailyValue is one point of the portfolio value series. The series is
// append-only and strictly date-ordered.
type DailyValue struct {
	Date  time.Time       `json:"date"`
	Value decimal.Decimal `json:"value"`
}

// DayRow is the per-ticker report line for one simulated day. Quantity is the
// executed share count, not the requested one.
type DayRow struct {
	Date          time.Time       `json:"date"`
	Ticker        string          `json:"ticker"`
	Action        Action          `json:"action"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	SharesOwned   int64           `json:"sharesOwned"`
	PositionValue decimal.Decimal `json:"positionValue"`
	Bullish       int             `json:"bullish"`
	Bearish       int             `json:"bearish"`
	Neutral       int             `json:"neutral"`
}

// PerformanceMetrics holds the risk/return statistics derived from the daily
// value series. All fields are recomputable from the series alone.
type PerformanceMetrics struct {
	// TotalReturn is the fractional return over the whole series.
	TotalReturn float64 `json:"totalReturn"`
	// SharpeRatio is annualized; zero when return volatility is zero.
	SharpeRatio float64 `json:"sharpeRatio"`
	// SortinoRatio is annualized and +Inf when there is positive mean excess
	// return with no downside volatility.
	SortinoRatio float64 `json:"sortinoRatio"`
	// MaxDrawdown is the worst peak-to-trough decline as a negative percentage.
	MaxDrawdown     float64   `json:"maxDrawdown"`
	MaxDrawdownDate time.Time `json:"maxDrawdownDate,omitempty"`
	// WinRate is the fraction of days with strictly positive daily return.
	WinRate float64 `json:"winRate"`
	// AvgWinLossRatio is mean win over mean absolute loss; +Inf with wins and
	// no losses.
	AvgWinLossRatio      float64 `json:"avgWinLossRatio"`
	MaxConsecutiveWins   int     `json:"maxConsecutiveWins"`
	MaxConsecutiveLosses int     `json:"maxConsecutiveLosses"`
}

// MarshalJSON renders infinite ratios as the string "inf"; JSON numbers have
// no representation for them and encoding/json would otherwise fail.
func (m PerformanceMetrics) MarshalJSON() ([]byte, error) {
	type alias PerformanceMetrics
	out := struct {
		alias
		SortinoRatio    any `json:"sortinoRatio"`
		AvgWinLossRatio any `json:"avgWinLossRatio"`
	}{
		alias:           alias(m),
		SortinoRatio:    m.SortinoRatio,
		AvgWinLossRatio: m.AvgWinLossRatio,
	}
	if math.IsInf(m.SortinoRatio, 1) {
		out.SortinoRatio = "inf"
	}
	if math.IsInf(m.AvgWinLossRatio, 1) {
		out.AvgWinLossRatio = "inf"
	}
	return json.Marshal(out)
}

// BacktestResult is the full output of one simulation run.
type BacktestResult struct {
	ID                 string                     `json:"id"`
	Config             *BacktestConfig            `json:"config"`
	Values             []DailyValue               `json:"values"`
	Rows               []DayRow                   `json:"rows"`
	Metrics            *PerformanceMetrics        `json:"metrics"`
	RealizedGains      map[string]decimal.Decimal `json:"realizedGains"`
	TotalRealizedGains decimal.Decimal            `json:"totalRealizedGains"`
	FinalValue         decimal.Decimal            `json:"finalValue"`
	DaysSimulated      int                        `json:"daysSimulated"`
	DaysSkipped        int                        `json:"daysSkipped"`
	StartedAt          time.Time                  `json:"startedAt"`
	CompletedAt        time.Time                  `json:"completedAt"`
	Duration           time.Duration              `json:"duration"`
}

// RunProgress describes a running simulation.
type RunProgress struct {
	ID            string              `json:"id"`
	Status        string              `json:"status"`   // "running", "completed", "failed", "cancelled"
	Progress      float64             `json:"progress"` // 0-100
	CurrentDate   time.Time           `json:"currentDate"`
	DaysSimulated int                 `json:"daysSimulated"`
	DaysSkipped   int                 `json:"daysSkipped"`
	CurrentValue  decimal.Decimal     `json:"currentValue"`
	Metrics       *PerformanceMetrics `json:"metrics,omitempty"`
}
