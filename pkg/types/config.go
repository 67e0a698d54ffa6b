// Package types provides configuration types for the backtesting backend.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Defaults applied by BacktestConfig.Validate.
const (
	DefaultLookbackDays       = 30
	DefaultAgentTimeout       = 2 * time.Minute
	DefaultAnnualRiskFreeRate = 0.0434
	DefaultTradingDaysPerYear = 252
)

// ModelConfig selects the decision agent's model. It is opaque to the
// simulation core and passed through to the agent on every invocation.
type ModelConfig struct {
	Name     string   `json:"name" mapstructure:"name"`
	Provider string   `json:"provider" mapstructure:"provider"`
	Analysts []string `json:"analysts,omitempty" mapstructure:"analysts"`
}

// MetricsConfig controls the performance statistics computation.
type MetricsConfig struct {
	// AnnualRiskFreeRate sets the excess-return baseline; divided by
	// TradingDaysPerYear to obtain the daily rate.
	AnnualRiskFreeRate float64 `json:"annualRiskFreeRate" mapstructure:"annual_risk_free_rate"`
	TradingDaysPerYear int     `json:"tradingDaysPerYear" mapstructure:"trading_days_per_year"`
}

// BacktestConfig is the immutable configuration for one simulation run.
type BacktestConfig struct {
	ID             string          `json:"id"`
	Tickers        []string        `json:"tickers"`
	StartDate      time.Time       `json:"startDate"`
	EndDate        time.Time       `json:"endDate"`
	InitialCapital decimal.Decimal `json:"initialCapital"`
	// LookbackDays bounds the history window handed to the agent. It has no
	// effect on execution or valuation.
	LookbackDays int `json:"lookbackDays"`
	// AgentTimeout caps a single agent invocation; exceeding it skips the day.
	AgentTimeout time.Duration `json:"agentTimeout"`
	Model        ModelConfig   `json:"model"`
	Metrics      MetricsConfig `json:"metrics"`
}

// Validate checks the configuration and fills defaults. It must pass before
// any simulation begins; a failure here is fatal, not recoverable.
func (c *BacktestConfig) Validate() error {
	if len(c.Tickers) == 0 {
		return errors.New("config: at least one ticker required")
	}
	if c.StartDate.IsZero() || c.EndDate.IsZero() {
		return errors.New("config: start and end dates required")
	}
	if c.EndDate.Before(c.StartDate) {
		return fmt.Errorf("config: end date %s before start date %s",
			c.EndDate.Format("2006-01-02"), c.StartDate.Format("2006-01-02"))
	}
	if c.InitialCapital.Sign() <= 0 {
		return fmt.Errorf("config: initial capital must be positive, got %s", c.InitialCapital)
	}
	if c.LookbackDays < 0 {
		return fmt.Errorf("config: negative lookback days %d", c.LookbackDays)
	}
	if c.LookbackDays == 0 {
		c.LookbackDays = DefaultLookbackDays
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = DefaultAgentTimeout
	}
	if c.Metrics.AnnualRiskFreeRate == 0 {
		c.Metrics.AnnualRiskFreeRate = DefaultAnnualRiskFreeRate
	}
	if c.Metrics.TradingDaysPerYear <= 0 {
		c.Metrics.TradingDaysPerYear = DefaultTradingDaysPerYear
	}
	return nil
}

// ServerConfig configures the HTTP/WebSocket API server.
type ServerConfig struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          int           `json:"port" mapstructure:"port"`
	WebSocketPath string        `json:"websocketPath" mapstructure:"websocket_path"`
	ReadTimeout   time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	EnableMetrics bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
}
