package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validConfig() *BacktestConfig {
	return &BacktestConfig{
		Tickers:        []string{"AAPL"},
		StartDate:      time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
		InitialCapital: decimal.NewFromInt(100000),
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if c.LookbackDays != DefaultLookbackDays {
		t.Errorf("lookback = %d, want %d", c.LookbackDays, DefaultLookbackDays)
	}
	if c.AgentTimeout != DefaultAgentTimeout {
		t.Errorf("agent timeout = %s, want %s", c.AgentTimeout, DefaultAgentTimeout)
	}
	if c.Metrics.AnnualRiskFreeRate != DefaultAnnualRiskFreeRate {
		t.Errorf("risk-free rate = %v, want %v", c.Metrics.AnnualRiskFreeRate, DefaultAnnualRiskFreeRate)
	}
	if c.Metrics.TradingDaysPerYear != DefaultTradingDaysPerYear {
		t.Errorf("trading days = %d, want %d", c.Metrics.TradingDaysPerYear, DefaultTradingDaysPerYear)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]func(*BacktestConfig){
		"no tickers":        func(c *BacktestConfig) { c.Tickers = nil },
		"zero start date":   func(c *BacktestConfig) { c.StartDate = time.Time{} },
		"zero end date":     func(c *BacktestConfig) { c.EndDate = time.Time{} },
		"end before start":  func(c *BacktestConfig) { c.EndDate = c.StartDate.AddDate(0, 0, -1) },
		"zero capital":      func(c *BacktestConfig) { c.InitialCapital = decimal.Zero },
		"negative capital":  func(c *BacktestConfig) { c.InitialCapital = decimal.NewFromInt(-1) },
		"negative lookback": func(c *BacktestConfig) { c.LookbackDays = -5 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
