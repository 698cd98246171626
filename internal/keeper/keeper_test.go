package keeper

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

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

var (
	usdc = &token.Token{Symbol: "USDC", Address: common.HexToAddress("0x01"), Decimals: 6}
	dai  = &token.Token{Symbol: "DAI", Address: common.HexToAddress("0x02"), Decimals: 18}
	usdt = &token.Token{Symbol: "USDT", Address: common.HexToAddress("0x03"), Decimals: 6}

	pairA = token.NewPair("USDC-DAI", usdc, dai)
	pairB = token.NewPair("USDT-DAI", usdt, dai)
)

type stubBlocks struct {
	heights []uint64
	err     error
	calls   int
}

func (s *stubBlocks) BlockNumber(context.Context) (uint64, error) {
	if s.err != nil {
		return 0, s.err
	}
	h := s.heights[s.calls]
	if s.calls < len(s.heights)-1 {
		s.calls++
	}
	return h, nil
}

type stubReader struct {
	reads []string
}

func (s *stubReader) PairSnapshot(_ context.Context, pair token.Pair) (amm.Snapshot, error) {
	s.reads = append(s.reads, pair.Symbol)
	return amm.Snapshot{Supply0: decimal.NewFromInt(1_000_000), Supply1: decimal.NewFromInt(950_000)}, nil
}

type stubDecider struct{}

func (stubDecider) Decide(_ context.Context, pair token.Pair, _ amm.Snapshot) (rebalance.Action, error) {
	return rebalance.Action{
		Kind: rebalance.KindContractAndSell,
		Swap: rebalance.SwapDetails{
			DexPrice:       decimal.RequireFromString("0.95"),
			TokenToSell:    pair.Token0,
			AmountToSell:   decimal.NewFromInt(1000),
			TokenToBuy:     pair.Token1,
			AmountToBuyMin: decimal.NewFromInt(990),
			Path:           []common.Address{pair.Token0.Address, pair.Token1.Address},
		},
	}, nil
}

type stubExecutor struct {
	failFor map[string]error
	seen    []string
}

func (s *stubExecutor) Execute(_ context.Context, pair token.Pair, _ rebalance.Action) (executor.Result, error) {
	s.seen = append(s.seen, pair.Symbol)
	if err := s.failFor[pair.Symbol]; err != nil {
		return executor.Result{State: executor.StateTransportFailed}, err
	}
	return executor.Result{State: executor.StateConfirmed, TxHash: common.HexToHash("0xabc"), Block: 10}, nil
}

type memoryJournal struct {
	records []storage.ExecutionRecord
}

func (m *memoryJournal) InsertExecution(_ context.Context, rec storage.ExecutionRecord) (storage.ExecutionRecord, error) {
	rec.ID = int64(len(m.records) + 1)
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memoryJournal) ListRecentExecutions(context.Context, int) ([]storage.ExecutionRecord, error) {
	return m.records, nil
}

func (m *memoryJournal) ListExecutionsBetween(context.Context, time.Time, time.Time) ([]storage.ExecutionRecord, error) {
	return m.records, nil
}

type recordingNotifier struct {
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.notes = append(r.notes, note)
	return nil
}

type stubLocker struct {
	acquired bool
	released int
}

func (s *stubLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !s.acquired {
		return nil, false, nil
	}
	return func() { s.released++ }, true, nil
}

func TestTickContinuesAfterPairFailure(t *testing.T) {
	exec := &stubExecutor{failFor: map[string]error{
		"USDC-DAI": fmt.Errorf("%w: connection reset", executor.ErrTransport),
	}}
	journal := &memoryJournal{}
	notifier := &recordingNotifier{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	k := New([]token.Pair{pairA, pairB}, Deps{
		Blocks:   &stubBlocks{heights: []uint64{100}},
		Reader:   &stubReader{},
		Decider:  stubDecider{},
		Executor: exec,
		Journal:  journal,
		Notifier: notifier,
		Metrics:  m,
	}, zerolog.Nop())

	wm, err := k.Tick(context.Background(), Watermark{})
	if err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if !wm.Seen || wm.Block != 100 {
		t.Fatalf("unexpected watermark %+v", wm)
	}
	if len(exec.seen) != 2 || exec.seen[1] != "USDT-DAI" {
		t.Fatalf("expected both pairs executed, got %v", exec.seen)
	}
	if len(journal.records) != 2 {
		t.Fatalf("expected 2 journal rows, got %d", len(journal.records))
	}
	failed := journal.records[0]
	if failed.Outcome != "transport_failed" || failed.Error == nil || failed.TxHash != nil {
		t.Fatalf("unexpected failed record %+v", failed)
	}
	ok := journal.records[1]
	if ok.Outcome != "confirmed" || ok.TxHash == nil || ok.BlockNumber != 100 {
		t.Fatalf("unexpected confirmed record %+v", ok)
	}
	if len(notifier.notes) != 2 || notifier.notes[1].SellSymbol != "USDT" {
		t.Fatalf("unexpected notifications %+v", notifier.notes)
	}
	if got := testutil.ToFloat64(m.PairErrors.WithLabelValues("USDC-DAI", "transport_failure")); got != 1 {
		t.Fatalf("pair error counter = %v", got)
	}
}

func TestTickSkipsSameBlock(t *testing.T) {
	reader := &stubReader{}
	k := New([]token.Pair{pairA}, Deps{
		Blocks:   &stubBlocks{heights: []uint64{7, 7, 8}},
		Reader:   reader,
		Decider:  stubDecider{},
		Executor: &stubExecutor{},
	}, zerolog.Nop())

	ctx := context.Background()
	wm, err := k.Tick(ctx, Watermark{})
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	wm, err = k.Tick(ctx, wm)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if len(reader.reads) != 1 {
		t.Fatalf("same block must not be reprocessed, reads=%v", reader.reads)
	}
	wm, err = k.Tick(ctx, wm)
	if err != nil {
		t.Fatalf("third tick: %v", err)
	}
	if wm.Block != 8 || len(reader.reads) != 2 {
		t.Fatalf("expected block 8 processed, wm=%+v reads=%v", wm, reader.reads)
	}
}

func TestTickLowerHeightIsProcessed(t *testing.T) {
	reader := &stubReader{}
	k := New([]token.Pair{pairA}, Deps{
		Blocks:   &stubBlocks{heights: []uint64{41}},
		Reader:   reader,
		Decider:  stubDecider{},
		Executor: &stubExecutor{},
	}, zerolog.Nop())

	wm, err := k.Tick(context.Background(), Watermark{Block: 42, Seen: true})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if wm.Block != 41 || len(reader.reads) != 1 {
		t.Fatalf("reorged head should be processed, wm=%+v reads=%v", wm, reader.reads)
	}
}

func TestTickBlockNumberFailureKeepsWatermark(t *testing.T) {
	k := New([]token.Pair{pairA}, Deps{
		Blocks:   &stubBlocks{err: errors.New("dial tcp: refused")},
		Reader:   &stubReader{},
		Decider:  stubDecider{},
		Executor: &stubExecutor{},
	}, zerolog.Nop())

	last := Watermark{Block: 5, Seen: true}
	wm, err := k.Tick(context.Background(), last)
	if !errors.Is(err, chain.ErrRPC) {
		t.Fatalf("expected ErrRPC, got %v", err)
	}
	if wm != last {
		t.Fatalf("watermark moved: %+v", wm)
	}
}

func TestTickSkipsWhenLockHeldElsewhere(t *testing.T) {
	reader := &stubReader{}
	locker := &stubLocker{}
	k := New([]token.Pair{pairA}, Deps{
		Blocks:   &stubBlocks{heights: []uint64{9}},
		Reader:   reader,
		Decider:  stubDecider{},
		Executor: &stubExecutor{},
		Locker:   locker,
		LockKey:  77,
	}, zerolog.Nop())

	wm, err := k.Tick(context.Background(), Watermark{})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if wm.Block != 9 || len(reader.reads) != 0 {
		t.Fatalf("expected skipped block, wm=%+v reads=%v", wm, reader.reads)
	}

	locker.acquired = true
	if _, err := k.Tick(context.Background(), Watermark{Block: 8, Seen: true}); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(reader.reads) != 1 || locker.released != 1 {
		t.Fatalf("expected processing under lock, reads=%v released=%d", reader.reads, locker.released)
	}
}

func TestEvaluateDoesNotExecute(t *testing.T) {
	exec := &stubExecutor{}
	k := New([]token.Pair{pairA, pairB}, Deps{
		Reader:   &stubReader{},
		Decider:  stubDecider{},
		Executor: exec,
	}, zerolog.Nop())

	evals := k.Evaluate(context.Background())
	if len(evals) != 2 || len(exec.seen) != 0 {
		t.Fatalf("evaluate must be read-only: evals=%d executed=%v", len(evals), exec.seen)
	}
	if evals[0].Action.Kind != rebalance.KindContractAndSell {
		t.Fatalf("unexpected action %v", evals[0].Action.Kind)
	}
}

func TestErrorKind(t *testing.T) {
	cases := map[string]error{
		"pool_not_found":       fmt.Errorf("read: %w", amm.ErrPoolNotFound),
		"division_by_zero":     rebalance.ErrDivisionByZero,
		"invariant_violation":  rebalance.ErrInvariantViolation,
		"contract_revert":      &executor.RevertError{Name: "Unauthorized"},
		"confirmation_timeout": executor.ErrConfirmationTimeout,
		"transport_failure":    executor.ErrTransport,
		"rpc_error":            fmt.Errorf("%w: boom", chain.ErrRPC),
		"arithmetic_overflow":  fixedpoint.ErrArithmeticOverflow,
		"unknown":              errors.New("other"),
	}
	if got := ErrorKind(fmt.Errorf("scale router quote: %w", fixedpoint.ErrMissingValue)); got != "rpc_error" {
		t.Errorf("missing router amount classified as %q", got)
	}
	for want, err := range cases {
		if got := ErrorKind(err); got != want {
			t.Errorf("ErrorKind(%v) = %q, want %q", err, got, want)
		}
	}
}
