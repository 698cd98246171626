package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"peg-keeper/internal/chain"
	"peg-keeper/internal/delegate"
	"peg-keeper/internal/fixedpoint"
	"peg-keeper/internal/rebalance"
	"peg-keeper/internal/token"
)

var (
	// ErrContractRevert marks a failure the contract reported, decoded or not.
	ErrContractRevert = errors.New("contract revert")
	// ErrTransport marks a submission or confirmation failure caused by the node or network.
	ErrTransport = errors.New("transport failure")
	// ErrConfirmationTimeout marks a transaction that did not reach the required depth in time.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
)

// State tracks an action through execution.
type State int

const (
	StateDecided State = iota
	StateCallBuilt
	StateSubmitted
	StateConfirmed
	StateReverted
	StateTransportFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateDecided:
		return "decided"
	case StateCallBuilt:
		return "call_built"
	case StateSubmitted:
		return "submitted"
	case StateConfirmed:
		return "confirmed"
	case StateReverted:
		return "reverted"
	case StateTransportFailed:
		return "transport_failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Result is the terminal state of one execution attempt.
type Result struct {
	State    State
	TxHash   common.Hash
	Block    uint64
	GasUsed  uint64
	Revert   *RevertError
	SwapArgs delegate.SwapArgs
}

// Options configure the executor.
type Options struct {
	StabilityModule     common.Address
	AdapterName         string
	Confirmations       uint64
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	DryRun              bool
}

// Executor submits stability module transactions for keeper actions.
type Executor struct {
	backend   chain.Backend
	builder   *delegate.Builder
	opts      Options
	adapterID [AdapterIDLength]byte
	logger    zerolog.Logger
}

// New builds an executor. It fails when the adapter name cannot be encoded.
func New(backend chain.Backend, builder *delegate.Builder, opts Options, logger zerolog.Logger) (*Executor, error) {
	id, err := AdapterID(opts.AdapterName)
	if err != nil {
		return nil, err
	}
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Executor{
		backend:   backend,
		builder:   builder,
		opts:      opts,
		adapterID: id,
		logger:    logger.With().Str("component", "executor").Logger(),
	}, nil
}

// Execute drives one action from decision to a terminal state. The returned
// error is nil only for StateConfirmed and for dry runs stopping at StateCallBuilt.
func (e *Executor) Execute(ctx context.Context, pair token.Pair, action rebalance.Action) (Result, error) {
	res := Result{State: StateDecided}
	if action.Kind == rebalance.KindNone {
		return res, fmt.Errorf("nothing to execute for %s", pair.Symbol)
	}

	payload, args, err := e.builder.Build(action.Swap)
	if err != nil {
		return res, fmt.Errorf("build delegate payload: %w", err)
	}
	res.SwapArgs = args

	calldata, err := ModuleCall(action.Kind, e.adapterID, payload, args.AmountIn)
	if err != nil {
		return res, err
	}
	res.State = StateCallBuilt

	log := e.logger.With().Str("pair", pair.Symbol).Str("action", action.Kind.String()).Logger()
	log.Debug().
		Str("adapter_id", common.Bytes2Hex(e.adapterID[:])).
		Str("amount_in", args.AmountIn.String()).
		Str("amount_out_min", args.AmountOutMin.String()).
		Str("deadline", args.Deadline.String()).
		Str("delegate_data", common.Bytes2Hex(payload)).
		Msg("module call built")

	if e.opts.DryRun {
		log.Info().Msg("dry run; transaction not submitted")
		return res, nil
	}

	e.logBalance(ctx, log)

	hash, err := e.backend.Submit(ctx, e.opts.StabilityModule, calldata)
	if err != nil {
		return e.submissionFailed(res, err, log)
	}
	res.State = StateSubmitted
	res.TxHash = hash
	log.Info().Str("tx_hash", hash.Hex()).Uint64("confirmations", e.opts.Confirmations).Msg("transaction submitted, awaiting confirmations")

	receipt, err := e.waitForConfirmations(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrConfirmationTimeout) {
			res.State = StateTimedOut
		} else {
			res.State = StateTransportFailed
		}
		return res, err
	}
	res.Block = receipt.BlockNumber.Uint64()
	res.GasUsed = receipt.GasUsed

	if receipt.Status != types.ReceiptStatusSuccessful {
		res.State = StateReverted
		res.Revert = e.replayRevert(ctx, calldata, receipt.BlockNumber)
		return res, res.Revert
	}

	res.State = StateConfirmed
	log.Info().Str("tx_hash", hash.Hex()).Uint64("block", res.Block).Uint64("gas_used", res.GasUsed).Msg("transaction confirmed")
	return res, nil
}

func (e *Executor) submissionFailed(res Result, err error, log zerolog.Logger) (Result, error) {
	if reason := decodeRevert(err); reason != nil {
		res.State = StateReverted
		res.Revert = reason
		log.Error().Err(err).Str("revert_reason", reason.Reason()).Msg("module call reverted")
		return res, reason
	}
	res.State = StateTransportFailed
	return res, fmt.Errorf("%w: submit: %w", ErrTransport, err)
}

// replayRevert re-executes a failed transaction as an eth_call at its inclusion block to recover the reason.
func (e *Executor) replayRevert(ctx context.Context, calldata []byte, block *big.Int) *RevertError {
	to := e.opts.StabilityModule
	_, err := e.backend.CallContract(ctx, ethereum.CallMsg{From: e.backend.From(), To: &to, Data: calldata}, block)
	if reason := decodeRevert(err); reason != nil {
		return reason
	}
	return &RevertError{Message: "transaction mined with failed status"}
}

func (e *Executor) waitForConfirmations(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.ConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			head, headErr := e.backend.BlockNumber(ctx)
			if headErr != nil {
				return nil, e.pollFailed(ctx, hash, headErr)
			}
			included := receipt.BlockNumber.Uint64()
			if head >= included && head-included+1 >= e.opts.Confirmations {
				return receipt, nil
			}
		case errors.Is(err, ethereum.NotFound):
		default:
			return nil, e.pollFailed(ctx, hash, err)
		}

		select {
		case <-ctx.Done():
			return nil, e.pollFailed(ctx, hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *Executor) pollFailed(ctx context.Context, hash common.Hash, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s not confirmed within %s", ErrConfirmationTimeout, hash.Hex(), e.opts.ConfirmationTimeout)
	}
	return fmt.Errorf("%w: await %s: %w", ErrTransport, hash.Hex(), err)
}

func (e *Executor) logBalance(ctx context.Context, log zerolog.Logger) {
	wei, err := e.backend.BalanceAt(ctx, e.backend.From(), nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read wallet balance")
		return
	}
	balance, err := fixedpoint.FromBaseUnits(wei, 18)
	if err != nil {
		balance = decimal.Zero
	}
	log.Info().Str("wallet", e.backend.From().Hex()).Str("balance", balance.String()).Msg("current wallet balance")
}
