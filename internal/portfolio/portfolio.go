// Package portfolio implements the cash and position ledger for a simulation
// run: trade execution, weighted-average cost-basis accounting and
// mark-to-market valuation.
package portfolio

import (
	"fmt"

	"github.com/fundsim/backtest-backend/pkg/types"
	"github.com/shopspring/decimal"
)

// Position tracks the currently held lot for one ticker. CostBasis is the
// volume-weighted average purchase price per share; it is zero whenever
// Shares is zero.
type Position struct {
	Shares    int64
	CostBasis decimal.Decimal
}

// Portfolio is the mutable ledger for one run. It is not safe for concurrent
// use: the simulation driver applies trades strictly sequentially because
// every trade contends on the shared cash balance.
type Portfolio struct {
	cash          decimal.Decimal
	positions     map[string]*Position
	realizedGains map[string]decimal.Decimal
}

// New creates a ledger holding initialCash and a zero position for each
// tracked ticker.
func New(initialCash decimal.Decimal, tickers []string) *Portfolio {
	p := &Portfolio{
		cash:          initialCash,
		positions:     make(map[string]*Position, len(tickers)),
		realizedGains: make(map[string]decimal.Decimal, len(tickers)),
	}
	for _, ticker := range tickers {
		p.positions[ticker] = &Position{CostBasis: decimal.Zero}
		p.realizedGains[ticker] = decimal.Zero
	}
	return p
}

// Cash returns the available cash balance.
func (p *Portfolio) Cash() decimal.Decimal {
	return p.cash
}

// Position returns a copy of the position for a ticker; the zero Position
// when the ticker was never traded.
func (p *Portfolio) Position(ticker string) Position {
	if pos, ok := p.positions[ticker]; ok {
		return *pos
	}
	return Position{CostBasis: decimal.Zero}
}

// RealizedGain returns the cumulative realized gain for a ticker.
func (p *Portfolio) RealizedGain(ticker string) decimal.Decimal {
	return p.realizedGains[ticker]
}

// RealizedGains returns a copy of the per-ticker realized gains.
func (p *Portfolio) RealizedGains() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(p.realizedGains))
	for ticker, gain := range p.realizedGains {
		out[ticker] = gain
	}
	return out
}

// TotalRealizedGains sums realized gains across all tickers.
func (p *Portfolio) TotalRealizedGains() decimal.Decimal {
	total := decimal.Zero
	for _, gain := range p.realizedGains {
		total = total.Add(gain)
	}
	return total
}

// Execute applies one order to the ledger and returns the quantity actually
// executed, which may be smaller than requested: buys are clamped to what the
// cash balance affords and sells to the shares actually held. Short and cover
// are accepted for interface compatibility but not modelled; they execute
// nothing, as does hold or a non-positive quantity.
func (p *Portfolio) Execute(ticker string, action types.Action, quantity int64, price decimal.Decimal) int64 {
	if quantity <= 0 {
		return 0
	}
	switch action {
	case types.ActionBuy:
		return p.buy(ticker, quantity, price)
	case types.ActionSell:
		return p.sell(ticker, quantity, price)
	default:
		return 0
	}
}

func (p *Portfolio) buy(ticker string, quantity int64, price decimal.Decimal) int64 {
	if price.Sign() <= 0 {
		return 0
	}
	cost := price.Mul(decimal.NewFromInt(quantity))
	if cost.GreaterThan(p.cash) {
		quantity = maxAffordable(p.cash, price)
		if quantity == 0 {
			return 0
		}
		cost = price.Mul(decimal.NewFromInt(quantity))
	}

	pos := p.position(ticker)
	totalShares := pos.Shares + quantity
	totalCost := pos.CostBasis.Mul(decimal.NewFromInt(pos.Shares)).Add(cost)
	pos.CostBasis = totalCost.Div(decimal.NewFromInt(totalShares))
	pos.Shares = totalShares
	p.cash = p.cash.Sub(cost)
	return quantity
}

func (p *Portfolio) sell(ticker string, quantity int64, price decimal.Decimal) int64 {
	pos := p.position(ticker)
	if quantity > pos.Shares {
		quantity = pos.Shares
	}
	if quantity == 0 {
		return 0
	}

	qty := decimal.NewFromInt(quantity)
	gain := price.Sub(pos.CostBasis).Mul(qty)
	p.realizedGains[ticker] = p.realizedGains[ticker].Add(gain)

	pos.Shares -= quantity
	p.cash = p.cash.Add(price.Mul(qty))
	if pos.Shares == 0 {
		// invariant: no shares, no basis
		pos.CostBasis = decimal.Zero
	}
	return quantity
}

// Value marks the portfolio to market: cash plus shares times close for every
// held ticker. A missing price for a ticker with a nonzero share count is a
// contract violation, never silently valued at zero.
func (p *Portfolio) Value(prices map[string]decimal.Decimal) (decimal.Decimal, error) {
	total := p.cash
	for ticker, pos := range p.positions {
		if pos.Shares == 0 {
			continue
		}
		price, ok := prices[ticker]
		if !ok {
			return decimal.Zero, fmt.Errorf("portfolio: no price for held ticker %s", ticker)
		}
		total = total.Add(price.Mul(decimal.NewFromInt(pos.Shares)))
	}
	return total, nil
}

// Snapshot returns a deep read-only copy of the ledger for the agent.
func (p *Portfolio) Snapshot() *types.PortfolioSnapshot {
	snap := &types.PortfolioSnapshot{
		Cash:          p.cash,
		Positions:     make(map[string]types.PositionSnapshot, len(p.positions)),
		RealizedGains: make(map[string]decimal.Decimal, len(p.realizedGains)),
	}
	for ticker, pos := range p.positions {
		snap.Positions[ticker] = types.PositionSnapshot{
			Shares:    pos.Shares,
			CostBasis: pos.CostBasis,
		}
	}
	for ticker, gain := range p.realizedGains {
		snap.RealizedGains[ticker] = gain
	}
	return snap
}

func (p *Portfolio) position(ticker string) *Position {
	pos, ok := p.positions[ticker]
	if !ok {
		pos = &Position{CostBasis: decimal.Zero}
		p.positions[ticker] = pos
	}
	return pos
}

// maxAffordable returns the largest whole share count purchasable at price
// with the given cash. Decimal division rounds, so the estimate is walked
// down until the cost actually fits.
func maxAffordable(cash, price decimal.Decimal) int64 {
	n := cash.DivRound(price, 0).IntPart()
	for n > 0 && price.Mul(decimal.NewFromInt(n)).GreaterThan(cash) {
		n--
	}
	if n < 0 {
		return 0
	}
	return n
}
