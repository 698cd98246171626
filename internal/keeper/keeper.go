package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"peg-keeper/internal/alerting"
	"peg-keeper/internal/amm"
	"peg-keeper/internal/chain"
	"peg-keeper/internal/executor"
	"peg-keeper/internal/fixedpoint"
	"peg-keeper/internal/metrics"
	"peg-keeper/internal/rebalance"
	"peg-keeper/internal/storage"
	"peg-keeper/internal/token"
)

// BlockSource reports the chain head.
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// SnapshotReader reads a pair's reserves in one call.
type SnapshotReader interface {
	PairSnapshot(ctx context.Context, pair token.Pair) (amm.Snapshot, error)
}

// Decider turns a snapshot into an action.
type Decider interface {
	Decide(ctx context.Context, pair token.Pair, snap amm.Snapshot) (rebalance.Action, error)
}

// ActionExecutor submits actions on chain.
type ActionExecutor interface {
	Execute(ctx context.Context, pair token.Pair, action rebalance.Action) (executor.Result, error)
}

// Watermark is the last block height the keeper processed.
type Watermark struct {
	Block uint64
	Seen  bool
}

// Deps groups the keeper's collaborators. Journal, Locker, Notifier and Metrics are optional.
type Deps struct {
	Blocks   BlockSource
	Reader   SnapshotReader
	Decider  Decider
	Executor ActionExecutor
	Journal  storage.ExecutionStore
	Locker   storage.AdvisoryLocker
	LockKey  int64
	Notifier alerting.Notifier
	Metrics  *metrics.Metrics
}

// Keeper processes every configured pair once per new block.
type Keeper struct {
	deps   Deps
	pairs  []token.Pair
	logger zerolog.Logger
}

// New constructs a keeper.
func New(pairs []token.Pair, deps Deps, logger zerolog.Logger) *Keeper {
	return &Keeper{deps: deps, pairs: pairs, logger: logger.With().Str("component", "keeper").Logger()}
}

// Tick handles one wake-up. Pairs are processed only when the head differs from
// the watermark; per-pair failures are logged and never abort the tick.
func (k *Keeper) Tick(ctx context.Context, last Watermark) (Watermark, error) {
	head, err := k.deps.Blocks.BlockNumber(ctx)
	if err != nil {
		k.deps.Metrics.ObserveTick("error")
		return last, fmt.Errorf("%w: block number: %w", chain.ErrRPC, err)
	}

	if last.Seen && head == last.Block {
		k.deps.Metrics.ObserveTick("skipped_same_block")
		k.logger.Info().Uint64("block", head).Msg("skipping block, already handled")
		return last, nil
	}
	next := Watermark{Block: head, Seen: true}
	k.deps.Metrics.ObserveBlock(head)

	unlock, proceed, err := k.acquireLock(ctx)
	if err != nil {
		k.deps.Metrics.ObserveTick("error")
		return next, err
	}
	if !proceed {
		k.deps.Metrics.ObserveTick("skipped_locked")
		k.logger.Info().Uint64("block", head).Msg("skip block because advisory lock held elsewhere")
		return next, nil
	}
	if unlock != nil {
		defer unlock()
	}

	k.logger.Info().Uint64("block", head).Int("pairs", len(k.pairs)).Msg("unseen block, ticking keeper")
	for _, pair := range k.pairs {
		if err := ctx.Err(); err != nil {
			return next, err
		}
		if err := k.ProcessPair(ctx, head, pair); err != nil {
			kind := ErrorKind(err)
			k.deps.Metrics.ObservePairError(pair.Symbol, kind)
			k.logger.Error().Err(err).
				Str("pair", pair.Symbol).
				Uint64("block", head).
				Str("error_kind", kind).
				Msg("pair processing failed")
		}
	}
	k.deps.Metrics.ObserveTick("processed")
	return next, nil
}

// ProcessPair reads, decides and, when needed, executes for a single pair.
func (k *Keeper) ProcessPair(ctx context.Context, block uint64, pair token.Pair) error {
	snap, err := k.deps.Reader.PairSnapshot(ctx, pair)
	if err != nil {
		return fmt.Errorf("read reserves: %w", err)
	}

	action, err := k.deps.Decider.Decide(ctx, pair, snap)
	if err != nil {
		return fmt.Errorf("decide: %w", err)
	}
	k.deps.Metrics.ObserveAction(pair.Symbol, action.Kind.String(), action.Swap.DexPrice.InexactFloat64())

	log := k.logger.With().
		Str("pair", pair.Symbol).
		Uint64("block", block).
		Str("action", action.Kind.String()).
		Str("dex_price", action.Swap.DexPrice.String()).
		Logger()

	if action.Kind == rebalance.KindNone {
		log.Info().Msg("no favourable swap to make")
		return nil
	}

	log.Info().
		Str("sell", action.Swap.AmountToSell.String()+" "+action.Swap.TokenToSell.Symbol).
		Str("buy_min", action.Swap.AmountToBuyMin.String()+" "+action.Swap.TokenToBuy.Symbol).
		Msg("price outside allowed band, executing")

	res, execErr := k.deps.Executor.Execute(ctx, pair, action)
	k.deps.Metrics.ObserveExecution(pair.Symbol, res.State.String())
	k.record(ctx, block, pair, action, res, execErr)
	return execErr
}

// Evaluation is a read-only decision for one pair.
type Evaluation struct {
	Pair     token.Pair
	Snapshot amm.Snapshot
	Action   rebalance.Action
	Err      error
}

// Evaluate computes the current action for every pair without executing anything.
func (k *Keeper) Evaluate(ctx context.Context) []Evaluation {
	out := make([]Evaluation, 0, len(k.pairs))
	for _, pair := range k.pairs {
		ev := Evaluation{Pair: pair}
		ev.Snapshot, ev.Err = k.deps.Reader.PairSnapshot(ctx, pair)
		if ev.Err == nil {
			ev.Action, ev.Err = k.deps.Decider.Decide(ctx, pair, ev.Snapshot)
		}
		out = append(out, ev)
	}
	return out
}

func (k *Keeper) record(ctx context.Context, block uint64, pair token.Pair, action rebalance.Action, res executor.Result, execErr error) {
	var txHash, reason string
	if res.TxHash != (common.Hash{}) {
		txHash = res.TxHash.Hex()
	}
	if execErr != nil {
		reason = execErr.Error()
		if res.Revert != nil && res.Revert.Reason() != "" {
			reason = res.Revert.Reason()
		}
	}

	if k.deps.Journal != nil {
		rec := storage.ExecutionRecord{
			BlockNumber:    int64(block),
			Pair:           pair.Symbol,
			Action:         action.Kind.String(),
			DexPrice:       action.Swap.DexPrice,
			AmountToSell:   action.Swap.AmountToSell,
			AmountToBuyMin: action.Swap.AmountToBuyMin,
			Outcome:        res.State.String(),
		}
		if txHash != "" {
			rec.TxHash = &txHash
		}
		if reason != "" {
			rec.Error = &reason
		}
		if _, err := k.deps.Journal.InsertExecution(ctx, rec); err != nil {
			k.logger.Error().Err(err).Str("pair", pair.Symbol).Msg("failed to journal execution")
		}
	}

	if k.deps.Notifier != nil && alertable(res.State) {
		note := alerting.Notification{
			Time:           time.Now().UTC(),
			Block:          block,
			Pair:           pair.Symbol,
			Action:         action.Kind.String(),
			DexPrice:       action.Swap.DexPrice,
			SellSymbol:     action.Swap.TokenToSell.Symbol,
			AmountToSell:   action.Swap.AmountToSell,
			BuySymbol:      action.Swap.TokenToBuy.Symbol,
			AmountToBuyMin: action.Swap.AmountToBuyMin,
			Outcome:        res.State.String(),
			TxHash:         txHash,
			Reason:         reason,
		}
		if err := k.deps.Notifier.Notify(ctx, note); err != nil {
			k.logger.Error().Err(err).Str("pair", pair.Symbol).Msg("failed to dispatch alert")
		}
	}
}

func alertable(state executor.State) bool {
	switch state {
	case executor.StateConfirmed, executor.StateReverted, executor.StateTransportFailed, executor.StateTimedOut:
		return true
	}
	return false
}

func (k *Keeper) acquireLock(ctx context.Context) (func(), bool, error) {
	if k.deps.LockKey == 0 || k.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := k.deps.Locker.TryAdvisoryLock(ctx, k.deps.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// ErrorKind maps a per-pair failure onto the keeper's error taxonomy.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, amm.ErrPoolNotFound):
		return "pool_not_found"
	case errors.Is(err, rebalance.ErrDivisionByZero):
		return "division_by_zero"
	case errors.Is(err, rebalance.ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, fixedpoint.ErrArithmeticOverflow):
		return "arithmetic_overflow"
	case errors.Is(err, executor.ErrContractRevert):
		return "contract_revert"
	case errors.Is(err, executor.ErrConfirmationTimeout):
		return "confirmation_timeout"
	case errors.Is(err, executor.ErrTransport):
		return "transport_failure"
	case errors.Is(err, chain.ErrRPC), errors.Is(err, fixedpoint.ErrMissingValue):
		return "rpc_error"
	default:
		return "unknown"
	}
}
