// Package agent defines the decision-making boundary of the simulation. The
// engine hands an opaque agent the ticker list, a bounded history window and
// a read-only portfolio snapshot, and receives per-ticker trade decisions
// back. Any implementation satisfies the boundary: rule-based, statistical or
// model-driven.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fundsim/backtest-backend/pkg/types"
	"go.uber.org/zap"
)

// Request carries everything an agent may consider for one trading day.
type Request struct {
	Tickers       []string
	LookbackStart time.Time
	CurrentDate   time.Time
	Portfolio     *types.PortfolioSnapshot
	Model         types.ModelConfig
}

// Agent produces trading decisions for one day. Decide blocks; the engine
// bounds it with a deadline on ctx.
type Agent interface {
	Decide(ctx context.Context, req Request) (*types.AgentOutput, error)
}

// HoldAll returns an output holding every ticker, the safe default when an
// agent response cannot be used.
func HoldAll(tickers []string) *types.AgentOutput {
	decisions := make(map[string]types.Decision, len(tickers))
	for _, ticker := range tickers {
		decisions[ticker] = types.Decision{Action: types.ActionHold}
	}
	return &types.AgentOutput{Decisions: decisions}
}

// ParseOutput decodes a raw agent response. Anything that cannot be
// interpreted degrades to a hold decision rather than failing the day: a
// malformed document holds everything, a malformed per-ticker decision holds
// that ticker.
func ParseOutput(logger *zap.Logger, raw []byte, tickers []string) *types.AgentOutput {
	var out types.AgentOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		logger.Error("unparseable agent response, holding all tickers",
			zap.Error(err),
			zap.Int("responseBytes", len(raw)),
		)
		return HoldAll(tickers)
	}
	if out.Decisions == nil {
		out.Decisions = make(map[string]types.Decision, len(tickers))
	}
	for ticker, decision := range out.Decisions {
		if !decision.Action.Valid() || decision.Quantity < 0 {
			logger.Warn("invalid decision, holding ticker",
				zap.String("ticker", ticker),
				zap.String("action", string(decision.Action)),
				zap.Int64("quantity", decision.Quantity),
			)
			out.Decisions[ticker] = types.Decision{Action: types.ActionHold}
		}
	}
	return &out
}
