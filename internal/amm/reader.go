package amm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"peg-keeper/internal/chain"
	"peg-keeper/internal/fixedpoint"
	"peg-keeper/internal/token"
)

// ErrPoolNotFound is returned when the factory has no pool for a token pair.
var ErrPoolNotFound = errors.New("pool not found")

// Snapshot is one getReserves read, normalised into the pair's Token0/Token1 order.
type Snapshot struct {
	Pool      common.Address
	Supply0   decimal.Decimal
	Supply1   decimal.Decimal
	Timestamp uint32
}

// Options locate the AMM contracts.
type Options struct {
	Factory common.Address
	Router  common.Address
}

// Reader queries UniswapV2-style factory, pair and router contracts.
type Reader struct {
	chain  chain.Reader
	opts   Options
	logger zerolog.Logger
}

// NewReader builds a reserve reader over a chain backend.
func NewReader(backend chain.Reader, opts Options, logger zerolog.Logger) *Reader {
	return &Reader{chain: backend, opts: opts, logger: logger.With().Str("component", "amm_reader").Logger()}
}

// PoolAddress asks the factory for the pair contract of two tokens.
func (r *Reader) PoolAddress(ctx context.Context, tokenA, tokenB common.Address) (common.Address, error) {
	out, err := r.call(ctx, factoryABI, r.opts.Factory, "getPair", tokenA, tokenB)
	if err != nil {
		return common.Address{}, err
	}
	pool, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: unexpected getPair output %T", chain.ErrRPC, out[0])
	}
	if pool == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s/%s", ErrPoolNotFound, tokenA.Hex(), tokenB.Hex())
	}
	return pool, nil
}

// Reserves reads both reserves from a single getReserves call and maps them onto pair order.
func (r *Reader) Reserves(ctx context.Context, pool common.Address, pair token.Pair) (Snapshot, error) {
	out, err := r.call(ctx, pairABI, pool, "getReserves")
	if err != nil {
		return Snapshot{}, err
	}
	if len(out) != 3 {
		return Snapshot{}, fmt.Errorf("%w: unexpected getReserves response", chain.ErrRPC)
	}

	raw0, ok0 := out[0].(*big.Int)
	raw1, ok1 := out[1].(*big.Int)
	ts, ok2 := out[2].(uint32)
	if !ok0 || !ok1 || !ok2 {
		return Snapshot{}, fmt.Errorf("%w: failed to decode getReserves output", chain.ErrRPC)
	}

	// the pool reports reserves in address order; the pair may be configured the other way round
	if !pair.Canonical() {
		raw0, raw1 = raw1, raw0
	}

	supply0, err := fixedpoint.FromBaseUnits(raw0, pair.Token0.Decimals)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: reserve of %s: %w", chain.ErrRPC, pair.Token0.Symbol, err)
	}
	supply1, err := fixedpoint.FromBaseUnits(raw1, pair.Token1.Decimals)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: reserve of %s: %w", chain.ErrRPC, pair.Token1.Symbol, err)
	}

	snap := Snapshot{
		Pool:      pool,
		Supply0:   supply0,
		Supply1:   supply1,
		Timestamp: ts,
	}
	r.logger.Debug().
		Str("pair", pair.Symbol).
		Str("supply_0", snap.Supply0.String()).
		Str("supply_1", snap.Supply1.String()).
		Msg("reserves read")
	return snap, nil
}

// PairSnapshot resolves the pool of pair and reads its reserves.
func (r *Reader) PairSnapshot(ctx context.Context, pair token.Pair) (Snapshot, error) {
	pool, err := r.PoolAddress(ctx, pair.Token0.Address, pair.Token1.Address)
	if err != nil {
		return Snapshot{}, err
	}
	return r.Reserves(ctx, pool, pair)
}

// AmountsIn quotes the inputs required along path to receive amountOut of the last token.
func (r *Reader) AmountsIn(ctx context.Context, amountOut *big.Int, path []common.Address) ([]*big.Int, error) {
	return r.amounts(ctx, "getAmountsIn", amountOut, path)
}

// AmountsOut quotes the outputs received along path for amountIn of the first token.
func (r *Reader) AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	return r.amounts(ctx, "getAmountsOut", amountIn, path)
}

func (r *Reader) amounts(ctx context.Context, method string, amount *big.Int, path []common.Address) ([]*big.Int, error) {
	out, err := r.call(ctx, routerABI, r.opts.Router, method, amount, path)
	if err != nil {
		return nil, err
	}
	amounts, ok := out[0].([]*big.Int)
	if !ok || len(amounts) != len(path) {
		return nil, fmt.Errorf("%w: unexpected %s output", chain.ErrRPC, method)
	}
	return amounts, nil
}

func (r *Reader) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	payload, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	res, err := r.chain.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s on %s: %w", chain.ErrRPC, method, to.Hex(), err)
	}

	out, err := contract.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %w", chain.ErrRPC, method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty %s response", chain.ErrRPC, method)
	}
	return out, nil
}
