package rebalance

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"peg-keeper/internal/amm"
	"peg-keeper/internal/token"
)

var (
	zai  = &token.Token{Symbol: "ZAI", Address: common.HexToAddress("0x00000000000000000000000000000000000000a1"), Decimals: 6}
	usdc = &token.Token{Symbol: "USDC", Address: common.HexToAddress("0x00000000000000000000000000000000000000b2"), Decimals: 6}
	pair = token.NewPair("ZAI/USDC", zai, usdc)
)

type recordingQuoter struct {
	calls     int
	amountOut *big.Int
	path      []common.Address
	err       error
}

func (q *recordingQuoter) AmountsIn(_ context.Context, amountOut *big.Int, path []common.Address) ([]*big.Int, error) {
	q.calls++
	q.amountOut = new(big.Int).Set(amountOut)
	q.path = append([]common.Address(nil), path...)
	if q.err != nil {
		return nil, q.err
	}
	// 0.3% fee on top of the requested output
	in := new(big.Int).Mul(amountOut, big.NewInt(1003))
	in.Div(in, big.NewInt(1000))
	return []*big.Int{in, new(big.Int).Set(amountOut)}, nil
}

func defaultOptions() Options {
	return Options{
		Allowed: Band{Low: decimal.RequireFromString("0.996"), High: decimal.RequireFromString("1.002")},
		Target:  Band{Low: decimal.RequireFromString("0.997"), High: decimal.RequireFromString("1.001")},
	}
}

func snapshot(s0, s1 int64) amm.Snapshot {
	return amm.Snapshot{Supply0: decimal.NewFromInt(s0), Supply1: decimal.NewFromInt(s1)}
}

func TestDecideExpandAndBuy(t *testing.T) {
	q := &recordingQuoter{}
	calc := NewCalculator(defaultOptions(), q, zerolog.Nop())

	action, err := calc.Decide(context.Background(), pair, snapshot(1_050_000, 950_000))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if action.Kind != KindExpandAndBuy {
		t.Fatalf("expected expand_and_buy, got %s", action.Kind)
	}
	if !action.Swap.DexPrice.GreaterThan(decimal.RequireFromString("1.105")) {
		t.Fatalf("unexpected price %s", action.Swap.DexPrice)
	}

	wantPath := []common.Address{usdc.Address, zai.Address}
	if len(action.Swap.Path) != 2 || action.Swap.Path[0] != wantPath[0] || action.Swap.Path[1] != wantPath[1] {
		t.Fatalf("unexpected path %v", action.Swap.Path)
	}
	if action.Swap.TokenToSell != usdc || action.Swap.TokenToBuy != zai {
		t.Fatalf("expand_and_buy should sell token1 for token0")
	}

	// total 2,000,000: expected = 1,000,000 + (0.001/4)*2,000,000 = 1,000,500
	if !action.Swap.AmountToBuyMin.Equal(decimal.NewFromInt(49_500)) {
		t.Fatalf("quantity to buy = %s, want 49500", action.Swap.AmountToBuyMin)
	}
	if q.calls != 1 || q.amountOut.String() != "49500000000" {
		t.Fatalf("router should be asked once for 49500000000, got %d calls with %v", q.calls, q.amountOut)
	}
	if !action.Swap.AmountToSell.Equal(decimal.RequireFromString("49648.5")) {
		t.Fatalf("amount to sell should come from the router quote, got %s", action.Swap.AmountToSell)
	}
}

func TestDecideContractAndSell(t *testing.T) {
	q := &recordingQuoter{}
	calc := NewCalculator(defaultOptions(), q, zerolog.Nop())

	action, err := calc.Decide(context.Background(), pair, snapshot(995_000, 1_000_000))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if action.Kind != KindContractAndSell {
		t.Fatalf("expected contract_and_sell, got %s", action.Kind)
	}
	if !action.Swap.DexPrice.Equal(decimal.RequireFromString("0.995")) {
		t.Fatalf("unexpected price %s", action.Swap.DexPrice)
	}
	if action.Swap.Path[0] != zai.Address || action.Swap.Path[1] != usdc.Address {
		t.Fatalf("contract_and_sell should sell token0 for token1, path %v", action.Swap.Path)
	}
	// total 1,995,000: expected = 997,500 - 0.00075*1,995,000 = 996,003.75
	if !action.Swap.AmountToBuyMin.Equal(decimal.RequireFromString("1003.75")) {
		t.Fatalf("quantity to buy = %s, want 1003.75", action.Swap.AmountToBuyMin)
	}
	if q.amountOut.String() != "1003750000" {
		t.Fatalf("unexpected router amount out %s", q.amountOut)
	}
}

func TestDecideInsideBandSkipsRouter(t *testing.T) {
	q := &recordingQuoter{}
	calc := NewCalculator(defaultOptions(), q, zerolog.Nop())

	for _, snap := range []amm.Snapshot{
		snapshot(998_000, 1_000_000),
		snapshot(996_000, 1_000_000),
		snapshot(1_002_000, 1_000_000),
	} {
		action, err := calc.Decide(context.Background(), pair, snap)
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		if action.Kind != KindNone {
			t.Fatalf("price %s should be inside the band, got %s", action.Swap.DexPrice, action.Kind)
		}
		if len(action.Swap.Path) != 0 || !action.Swap.AmountToSell.IsZero() || !action.Swap.AmountToBuyMin.IsZero() {
			t.Fatalf("none action must carry no swap, got %+v", action.Swap)
		}
	}
	if q.calls != 0 {
		t.Fatalf("router must not be queried inside the band, got %d calls", q.calls)
	}
}

func TestDecidePathEndpointsBelongToPair(t *testing.T) {
	calc := NewCalculator(defaultOptions(), &recordingQuoter{}, zerolog.Nop())
	for _, snap := range []amm.Snapshot{
		snapshot(1_200_000, 800_000),
		snapshot(1_003_500, 1_000_000),
		snapshot(800_000, 1_200_000),
		snapshot(995_900, 1_000_000),
	} {
		action, err := calc.Decide(context.Background(), pair, snap)
		if err != nil {
			t.Fatalf("Decide(%s/%s): %v", snap.Supply0, snap.Supply1, err)
		}
		if action.Kind == KindNone {
			t.Fatalf("%s/%s should be outside the band", snap.Supply0, snap.Supply1)
		}
		if len(action.Swap.Path) != 2 || action.Swap.Path[0] == action.Swap.Path[1] {
			t.Fatalf("path must be two distinct hops, got %v", action.Swap.Path)
		}
		for _, hop := range action.Swap.Path {
			if !pair.Contains(hop) {
				t.Fatalf("hop %s is not a pair token", hop.Hex())
			}
		}
		if action.Swap.AmountToSell.IsNegative() || action.Swap.AmountToBuyMin.IsNegative() {
			t.Fatalf("amounts must be non-negative: %+v", action.Swap)
		}
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	calc := NewCalculator(defaultOptions(), &recordingQuoter{}, zerolog.Nop())
	snap := snapshot(1_050_000, 950_000)

	first, err := calc.Decide(context.Background(), pair, snap)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	second, err := calc.Decide(context.Background(), pair, snap)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if first.Kind != second.Kind ||
		!first.Swap.AmountToSell.Equal(second.Swap.AmountToSell) ||
		!first.Swap.AmountToBuyMin.Equal(second.Swap.AmountToBuyMin) ||
		!first.Swap.DexPrice.Equal(second.Swap.DexPrice) {
		t.Fatalf("re-evaluation diverged: %+v vs %+v", first, second)
	}
}

func TestDecideDivisionByZero(t *testing.T) {
	calc := NewCalculator(defaultOptions(), &recordingQuoter{}, zerolog.Nop())
	if _, err := calc.Decide(context.Background(), pair, snapshot(1_000, 0)); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestDecideNegativeQuantityIsInvariantViolation(t *testing.T) {
	opts := defaultOptions()
	opts.Target = Band{Low: decimal.RequireFromString("1.2"), High: decimal.RequireFromString("1.3")}
	q := &recordingQuoter{}
	calc := NewCalculator(opts, q, zerolog.Nop())

	if _, err := calc.Decide(context.Background(), pair, snapshot(1_050_000, 950_000)); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	if q.calls != 0 {
		t.Fatal("router must not be queried for an invalid correction")
	}
}

func TestDecidePropagatesQuoteErrors(t *testing.T) {
	quoteErr := errors.New("execution reverted: UniswapV2Library: INSUFFICIENT_LIQUIDITY")
	calc := NewCalculator(defaultOptions(), &recordingQuoter{err: quoteErr}, zerolog.Nop())
	if _, err := calc.Decide(context.Background(), pair, snapshot(1_050_000, 950_000)); !errors.Is(err, quoteErr) {
		t.Fatalf("router error should be wrapped, got %v", err)
	}
}

func TestConstantProductSolverLandsOnGoal(t *testing.T) {
	opts := defaultOptions()
	opts.Solver = SolverConstantProduct
	calc := NewCalculator(opts, &recordingQuoter{}, zerolog.Nop())

	cases := []struct {
		snap amm.Snapshot
		kind Kind
		goal decimal.Decimal
	}{
		{snapshot(1_050_000, 950_000), KindExpandAndBuy, opts.Target.High},
		{snapshot(995_000, 1_000_000), KindContractAndSell, opts.Target.Low},
	}

	tolerance := decimal.RequireFromString("0.000000001")
	for _, tc := range cases {
		action, err := calc.Decide(context.Background(), pair, tc.snap)
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		if action.Kind != tc.kind {
			t.Fatalf("expected %s, got %s", tc.kind, action.Kind)
		}

		k := tc.snap.Supply0.Mul(tc.snap.Supply1)
		var s0, s1 decimal.Decimal
		if tc.kind == KindExpandAndBuy {
			s0 = tc.snap.Supply0.Sub(action.Swap.AmountToBuyMin)
			s1 = k.Div(s0)
		} else {
			s1 = tc.snap.Supply1.Sub(action.Swap.AmountToBuyMin)
			s0 = k.Div(s1)
		}
		if diff := s0.Div(s1).Sub(tc.goal).Abs(); diff.GreaterThan(tolerance) {
			t.Fatalf("post-swap ratio %s misses goal %s", s0.Div(s1), tc.goal)
		}
	}
}
