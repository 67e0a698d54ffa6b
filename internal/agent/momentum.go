package agent

import (
	"context"
	"time"

	"github.com/fundsim/backtest-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceReader is the slice of the price source the momentum agent needs.
type PriceReader interface {
	GetPrices(ctx context.Context, ticker string, start, end time.Time) ([]types.Price, error)
}

// MomentumAgent is a self-contained rule-based agent: it buys when the close
// has risen over the lookback window and liquidates when it has fallen. It
// exists so runs and tests do not depend on a model provider.
type MomentumAgent struct {
	logger *zap.Logger
	prices PriceReader
	// buyFraction is the share of available cash committed per buy signal.
	buyFraction decimal.Decimal
}

// NewMomentumAgent creates a momentum agent committing buyFraction of cash
// per buy signal; a non-positive fraction defaults to 25%.
func NewMomentumAgent(logger *zap.Logger, prices PriceReader, buyFraction decimal.Decimal) *MomentumAgent {
	if buyFraction.Sign() <= 0 {
		buyFraction = decimal.NewFromFloat(0.25)
	}
	return &MomentumAgent{
		logger:      logger.Named("momentum-agent"),
		prices:      prices,
		buyFraction: buyFraction,
	}
}

// Decide compares the first and last close in the lookback window per ticker.
func (a *MomentumAgent) Decide(ctx context.Context, req Request) (*types.AgentOutput, error) {
	out := &types.AgentOutput{
		Decisions:      make(map[string]types.Decision, len(req.Tickers)),
		AnalystSignals: map[string]map[string]types.AnalystSignal{"momentum": {}},
	}

	for _, ticker := range req.Tickers {
		decision, signal := a.decideTicker(ctx, req, ticker)
		out.Decisions[ticker] = decision
		out.AnalystSignals["momentum"][ticker] = signal
	}
	return out, nil
}

func (a *MomentumAgent) decideTicker(ctx context.Context, req Request, ticker string) (types.Decision, types.AnalystSignal) {
	hold := types.Decision{Action: types.ActionHold}

	prices, err := a.prices.GetPrices(ctx, ticker, req.LookbackStart, req.CurrentDate)
	if err != nil || len(prices) < 2 {
		if err != nil {
			a.logger.Warn("no lookback prices, holding",
				zap.String("ticker", ticker), zap.Error(err))
		}
		return hold, types.AnalystSignal{Signal: "neutral"}
	}

	first := prices[0].Close
	last := prices[len(prices)-1].Close

	switch {
	case last.GreaterThan(first):
		budget := req.Portfolio.Cash.Mul(a.buyFraction)
		qty := budget.DivRound(last, 0).IntPart()
		for qty > 0 && last.Mul(decimal.NewFromInt(qty)).GreaterThan(budget) {
			qty--
		}
		if qty <= 0 {
			return hold, types.AnalystSignal{Signal: "bullish"}
		}
		return types.Decision{Action: types.ActionBuy, Quantity: qty},
			types.AnalystSignal{Signal: "bullish"}
	case last.LessThan(first):
		held := req.Portfolio.Positions[ticker].Shares
		if held == 0 {
			return hold, types.AnalystSignal{Signal: "bearish"}
		}
		return types.Decision{Action: types.ActionSell, Quantity: held},
			types.AnalystSignal{Signal: "bearish"}
	default:
		return hold, types.AnalystSignal{Signal: "neutral"}
	}
}
