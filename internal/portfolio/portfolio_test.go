package portfolio

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fundsim/backtest-backend/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestBuyDebitsCashAndSetsBasis(t *testing.T) {
	p := New(d("100000"), []string{"AAPL"})

	executed := p.Execute("AAPL", types.ActionBuy, 100, d("50"))
	if executed != 100 {
		t.Fatalf("executed = %d, want 100", executed)
	}
	if !p.Cash().Equal(d("95000")) {
		t.Errorf("cash = %s, want 95000", p.Cash())
	}
	pos := p.Position("AAPL")
	if pos.Shares != 100 {
		t.Errorf("shares = %d, want 100", pos.Shares)
	}
	if !pos.CostBasis.Equal(d("50")) {
		t.Errorf("cost basis = %s, want 50", pos.CostBasis)
	}
}

func TestBuyClampsToAffordableShares(t *testing.T) {
	p := New(d("1000"), []string{"AAPL"})

	executed := p.Execute("AAPL", types.ActionBuy, 100, d("300"))
	if executed != 3 {
		t.Fatalf("executed = %d, want 3", executed)
	}
	if !p.Cash().Equal(d("100")) {
		t.Errorf("cash = %s, want 100", p.Cash())
	}
}

func TestBuyClampSpendsDownToZero(t *testing.T) {
	p := New(d("1000"), []string{"AAPL"})

	executed := p.Execute("AAPL", types.ActionBuy, 1000, d("5"))
	if executed != 200 {
		t.Fatalf("executed = %d, want 200", executed)
	}
	if !p.Cash().Equal(decimal.Zero) {
		t.Errorf("cash = %s, want 0", p.Cash())
	}
}

func TestBuyUnaffordableExecutesNothing(t *testing.T) {
	p := New(d("49"), []string{"AAPL"})

	executed := p.Execute("AAPL", types.ActionBuy, 1, d("50"))
	if executed != 0 {
		t.Fatalf("executed = %d, want 0", executed)
	}
	if !p.Cash().Equal(d("49")) {
		t.Errorf("cash = %s, want unchanged 49", p.Cash())
	}
	if p.Position("AAPL").Shares != 0 {
		t.Errorf("shares = %d, want 0", p.Position("AAPL").Shares)
	}
}

func TestBuyMergesWeightedAverageBasis(t *testing.T) {
	p := New(d("100000"), []string{"AAPL"})

	p.Execute("AAPL", types.ActionBuy, 100, d("50"))
	p.Execute("AAPL", types.ActionBuy, 100, d("70"))

	pos := p.Position("AAPL")
	if pos.Shares != 200 {
		t.Fatalf("shares = %d, want 200", pos.Shares)
	}
	// (100*50 + 100*70) / 200
	if !pos.CostBasis.Equal(d("60")) {
		t.Errorf("cost basis = %s, want 60", pos.CostBasis)
	}
}

func TestSellRealizesGainAgainstBasis(t *testing.T) {
	p := New(d("100000"), []string{"AAPL"})
	p.Execute("AAPL", types.ActionBuy, 100, d("50"))

	executed := p.Execute("AAPL", types.ActionSell, 40, d("60"))
	if executed != 40 {
		t.Fatalf("executed = %d, want 40", executed)
	}
	// (60 - 50) * 40
	if !p.RealizedGain("AAPL").Equal(d("400")) {
		t.Errorf("realized gain = %s, want 400", p.RealizedGain("AAPL"))
	}
	if !p.Cash().Equal(d("97400")) {
		t.Errorf("cash = %s, want 97400", p.Cash())
	}
	pos := p.Position("AAPL")
	if pos.Shares != 60 {
		t.Errorf("shares = %d, want 60", pos.Shares)
	}
	if !pos.CostBasis.Equal(d("50")) {
		t.Errorf("cost basis = %s, want unchanged 50", pos.CostBasis)
	}
}

func TestSellClampsToHeldShares(t *testing.T) {
	p := New(d("100000"), []string{"AAPL"})
	p.Execute("AAPL", types.ActionBuy, 10, d("50"))

	executed := p.Execute("AAPL", types.ActionSell, 999, d("55"))
	if executed != 10 {
		t.Fatalf("executed = %d, want 10", executed)
	}
	if p.Position("AAPL").Shares != 0 {
		t.Errorf("shares = %d, want 0", p.Position("AAPL").Shares)
	}
}

func TestSellWithoutPositionExecutesNothing(t *testing.T) {
	p := New(d("100000"), []string{"AAPL"})

	if executed := p.Execute("AAPL", types.ActionSell, 10, d("50")); executed != 0 {
		t.Fatalf("executed = %d, want 0", executed)
	}
	if !p.RealizedGain("AAPL").Equal(decimal.Zero) {
		t.Errorf("realized gain = %s, want 0", p.RealizedGain("AAPL"))
	}
}

func TestBasisResetsWhenPositionCloses(t *testing.T) {
	p := New(d("100000"), []string{"AAPL"})
	p.Execute("AAPL", types.ActionBuy, 100, d("50"))
	p.Execute("AAPL", types.ActionSell, 100, d("60"))

	pos := p.Position("AAPL")
	if pos.Shares != 0 {
		t.Fatalf("shares = %d, want 0", pos.Shares)
	}
	if !pos.CostBasis.Equal(decimal.Zero) {
		t.Errorf("cost basis = %s, want 0 after full close", pos.CostBasis)
	}

	// The next buy starts a fresh lot at its own price.
	p.Execute("AAPL", types.ActionBuy, 10, d("80"))
	if !p.Position("AAPL").CostBasis.Equal(d("80")) {
		t.Errorf("cost basis = %s, want 80", p.Position("AAPL").CostBasis)
	}
}

func TestRoundTripAtSamePriceRestoresCash(t *testing.T) {
	initial := d("100000")
	p := New(initial, []string{"AAPL"})

	p.Execute("AAPL", types.ActionBuy, 123, d("81.25"))
	p.Execute("AAPL", types.ActionSell, 123, d("81.25"))

	if !p.Cash().Equal(initial) {
		t.Errorf("cash = %s, want %s", p.Cash(), initial)
	}
	if !p.RealizedGain("AAPL").Equal(decimal.Zero) {
		t.Errorf("realized gain = %s, want 0", p.RealizedGain("AAPL"))
	}
}

func TestShortCoverHoldAreNoOps(t *testing.T) {
	p := New(d("100000"), []string{"AAPL"})
	p.Execute("AAPL", types.ActionBuy, 10, d("50"))

	for _, action := range []types.Action{types.ActionShort, types.ActionCover, types.ActionHold} {
		if executed := p.Execute("AAPL", action, 5, d("50")); executed != 0 {
			t.Errorf("%s executed = %d, want 0", action, executed)
		}
	}
	if !p.Cash().Equal(d("99500")) {
		t.Errorf("cash = %s, want 99500", p.Cash())
	}
	if p.Position("AAPL").Shares != 10 {
		t.Errorf("shares = %d, want 10", p.Position("AAPL").Shares)
	}
}

func TestNonPositiveQuantityExecutesNothing(t *testing.T) {
	p := New(d("100000"), []string{"AAPL"})

	if executed := p.Execute("AAPL", types.ActionBuy, 0, d("50")); executed != 0 {
		t.Errorf("zero quantity executed = %d, want 0", executed)
	}
	if executed := p.Execute("AAPL", types.ActionBuy, -5, d("50")); executed != 0 {
		t.Errorf("negative quantity executed = %d, want 0", executed)
	}
}

func TestValueMarksToMarket(t *testing.T) {
	p := New(d("100000"), []string{"AAPL", "MSFT"})
	p.Execute("AAPL", types.ActionBuy, 100, d("50"))
	p.Execute("MSFT", types.ActionBuy, 10, d("300"))

	total, err := p.Value(map[string]decimal.Decimal{
		"AAPL": d("55"),
		"MSFT": d("310"),
	})
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	// 92000 cash + 5500 + 3100
	if !total.Equal(d("100600")) {
		t.Errorf("value = %s, want 100600", total)
	}
}

func TestValueFailsOnMissingPriceForHeldTicker(t *testing.T) {
	p := New(d("100000"), []string{"AAPL"})
	p.Execute("AAPL", types.ActionBuy, 1, d("50"))

	if _, err := p.Value(map[string]decimal.Decimal{}); err == nil {
		t.Fatal("expected error for missing price of held ticker")
	}
}

func TestValueIgnoresZeroPositions(t *testing.T) {
	p := New(d("100000"), []string{"AAPL", "MSFT"})

	total, err := p.Value(map[string]decimal.Decimal{})
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if !total.Equal(d("100000")) {
		t.Errorf("value = %s, want 100000", total)
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	p := New(d("100000"), []string{"AAPL"})
	p.Execute("AAPL", types.ActionBuy, 10, d("50"))

	snap := p.Snapshot()
	snap.Positions["AAPL"] = types.PositionSnapshot{Shares: 999}
	snap.Cash = decimal.Zero

	if p.Position("AAPL").Shares != 10 {
		t.Errorf("shares = %d, mutation of snapshot leaked into ledger", p.Position("AAPL").Shares)
	}
	if !p.Cash().Equal(d("99500")) {
		t.Errorf("cash = %s, mutation of snapshot leaked into ledger", p.Cash())
	}
}

func TestMaxAffordableNeverOverspends(t *testing.T) {
	cases := []struct {
		cash, price string
		want        int64
	}{
		{"100", "3", 33},
		{"100", "100", 1},
		{"99.99", "100", 0},
		{"1000", "333.33", 3},
		{"0", "50", 0},
	}
	for _, tc := range cases {
		got := maxAffordable(d(tc.cash), d(tc.price))
		if got != tc.want {
			t.Errorf("maxAffordable(%s, %s) = %d, want %d", tc.cash, tc.price, got, tc.want)
		}
		cost := d(tc.price).Mul(decimal.NewFromInt(got))
		if cost.GreaterThan(d(tc.cash)) {
			t.Errorf("maxAffordable(%s, %s) overspends: cost %s", tc.cash, tc.price, cost)
		}
	}
}
