package rebalance

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"peg-keeper/internal/amm"
	"peg-keeper/internal/fixedpoint"
	"peg-keeper/internal/token"
)

var (
	// ErrDivisionByZero is returned when the pool holds no Token1 reserve.
	ErrDivisionByZero = errors.New("division by zero")
	// ErrInvariantViolation flags a computation that must not happen for a consistent configuration.
	ErrInvariantViolation = errors.New("invariant violation")
)

// Solver selects how the post-swap reserve target is computed.
type Solver string

const (
	// SolverLinear linearises around parity assuming total liquidity is conserved.
	SolverLinear Solver = "linear"
	// SolverConstantProduct solves x*y=k exactly for the goal ratio, ignoring fees.
	SolverConstantProduct Solver = "constant_product"
)

var (
	decOne  = decimal.NewFromInt(1)
	decTwo  = decimal.NewFromInt(2)
	decFour = decimal.NewFromInt(4)
)

// Quoter returns router input quotes for a desired output.
type Quoter interface {
	AmountsIn(ctx context.Context, amountOut *big.Int, path []common.Address) ([]*big.Int, error)
}

// Options configure the price bands.
type Options struct {
	Allowed Band
	Target  Band
	Solver  Solver
}

// Calculator maps reserve snapshots onto keeper actions.
type Calculator struct {
	opts   Options
	quoter Quoter
	logger zerolog.Logger
}

// NewCalculator builds a calculator. An empty solver defaults to SolverLinear.
func NewCalculator(opts Options, quoter Quoter, logger zerolog.Logger) *Calculator {
	if opts.Solver == "" {
		opts.Solver = SolverLinear
	}
	return &Calculator{opts: opts, quoter: quoter, logger: logger.With().Str("component", "calculator").Logger()}
}

// Price returns supply_0 / supply_1 for a snapshot.
func Price(snap amm.Snapshot) (decimal.Decimal, error) {
	if snap.Supply1.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("%w: pool %s has no token1 reserve", ErrDivisionByZero, snap.Pool.Hex())
	}
	return snap.Supply0.Div(snap.Supply1), nil
}

// Decide computes the action required to bring the pair's price back into the target band.
// The router is only queried when the price is outside the allowed band.
func (c *Calculator) Decide(ctx context.Context, pair token.Pair, snap amm.Snapshot) (Action, error) {
	price, err := Price(snap)
	if err != nil {
		return Action{}, err
	}

	if c.opts.Allowed.Contains(price) {
		return noAction(pair, price), nil
	}

	overvalued := price.GreaterThan(decOne)
	goal := c.opts.Target.Low
	if overvalued {
		goal = c.opts.Target.High
	}

	quantity, err := c.quantityToBuy(snap, overvalued, goal)
	if err != nil {
		return Action{}, err
	}
	if quantity.IsNegative() {
		return Action{}, fmt.Errorf("%w: negative quantity to buy %s for %s at price %s", ErrInvariantViolation, quantity, pair.Symbol, price)
	}

	kind, sell, buy := KindContractAndSell, pair.Token0, pair.Token1
	if overvalued {
		kind, sell, buy = KindExpandAndBuy, pair.Token1, pair.Token0
	}

	amountOut, err := fixedpoint.ToBaseUnits(quantity, buy.Decimals)
	if err != nil {
		return Action{}, fmt.Errorf("scale quantity to buy: %w", err)
	}
	if amountOut.Sign() == 0 {
		c.logger.Debug().Str("pair", pair.Symbol).Str("dex_price", price.String()).Msg("correction rounds to zero base units")
		return noAction(pair, price), nil
	}

	path := []common.Address{sell.Address, buy.Address}
	amounts, err := c.quoter.AmountsIn(ctx, amountOut, path)
	if err != nil {
		return Action{}, fmt.Errorf("quote amounts in: %w", err)
	}
	if len(amounts) != len(path) {
		return Action{}, fmt.Errorf("%w: router returned %d amounts for a %d hop path", ErrInvariantViolation, len(amounts), len(path))
	}

	amountToSell, err := fixedpoint.FromBaseUnits(amounts[0], sell.Decimals)
	if err != nil {
		return Action{}, fmt.Errorf("scale router quote: %w", err)
	}

	c.logger.Debug().
		Str("pair", pair.Symbol).
		Str("dex_price", price.String()).
		Str("goal_ratio", goal.String()).
		Str("quantity_to_buy", quantity.String()).
		Str("quantity_to_sell", amountToSell.String()).
		Str("amount_out", amountOut.String()).
		Str("amount_in", amounts[0].String()).
		Msg("swap amounts computed")

	return Action{
		Kind: kind,
		Swap: SwapDetails{
			DexPrice:       price,
			TokenToSell:    sell,
			AmountToSell:   amountToSell,
			TokenToBuy:     buy,
			AmountToBuyMin: quantity,
			Path:           path,
		},
	}, nil
}

func (c *Calculator) quantityToBuy(snap amm.Snapshot, overvalued bool, goal decimal.Decimal) (decimal.Decimal, error) {
	if c.opts.Solver == SolverConstantProduct {
		return constantProductQuantity(snap, overvalued, goal)
	}
	return linearQuantity(snap, overvalued, goal), nil
}

// linearQuantity approximates the token0 reserve that yields goal when total liquidity
// stays constant: total/2 + (goal-1)/4 * total.
func linearQuantity(snap amm.Snapshot, overvalued bool, goal decimal.Decimal) decimal.Decimal {
	total := snap.Supply0.Add(snap.Supply1)
	expected := total.Div(decTwo).Add(goal.Sub(decOne).Div(decFour).Mul(total))
	if overvalued {
		return snap.Supply0.Sub(expected)
	}
	return expected.Sub(snap.Supply0)
}

// constantProductQuantity returns the output reserve delta that moves s0/s1 to goal with s0*s1 fixed.
func constantProductQuantity(snap amm.Snapshot, overvalued bool, goal decimal.Decimal) (decimal.Decimal, error) {
	if !goal.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: goal ratio %s must be positive", ErrInvariantViolation, goal)
	}
	k := snap.Supply0.Mul(snap.Supply1)
	if overvalued {
		target, err := sqrt(k.Mul(goal))
		if err != nil {
			return decimal.Decimal{}, err
		}
		return snap.Supply0.Sub(target), nil
	}
	target, err := sqrt(k.Div(goal))
	if err != nil {
		return decimal.Decimal{}, err
	}
	return snap.Supply1.Sub(target), nil
}

func sqrt(d decimal.Decimal) (decimal.Decimal, error) {
	f, _, err := big.ParseFloat(d.String(), 10, 256, big.ToNearestEven)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", d, err)
	}
	if f.Sign() < 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: square root of %s", ErrInvariantViolation, d)
	}
	return decimal.NewFromString(f.Sqrt(f).Text('f', 24))
}

func noAction(pair token.Pair, price decimal.Decimal) Action {
	return Action{
		Kind: KindNone,
		Swap: SwapDetails{
			DexPrice:       price,
			TokenToSell:    pair.Token0,
			AmountToSell:   decimal.Zero,
			TokenToBuy:     pair.Token1,
			AmountToBuyMin: decimal.Zero,
		},
	}
}
