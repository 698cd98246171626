package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"peg-keeper/internal/alerting"
	"peg-keeper/internal/amm"
	"peg-keeper/internal/chain"
	"peg-keeper/internal/config"
	"peg-keeper/internal/delegate"
	"peg-keeper/internal/executor"
	"peg-keeper/internal/keeper"
	"peg-keeper/internal/metrics"
	"peg-keeper/internal/rebalance"
	"peg-keeper/internal/scheduler"
	"peg-keeper/internal/storage"
	"peg-keeper/internal/token"
	"peg-keeper/internal/version"
)

const notifierTimeout = 10 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// RunOptions configure the long-running keeper.
type RunOptions struct {
	DryRun bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting journaled executions.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	Pair      string
}

// runtime holds the wired keeper and everything that must be closed with it.
type runtime struct {
	client *chain.Client
	reader *amm.Reader
	store  *storage.Store
	keeper *keeper.Keeper
	pairs  []token.Pair
}

func (r *runtime) Close() {
	if r.store != nil {
		r.store.Close()
	}
	if r.client != nil {
		r.client.Close()
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, notifierTimeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) dial(ctx context.Context) (*chain.Client, error) {
	return chain.Dial(ctx, chain.Options{
		RPCURL:             a.Config.Ethereum.RPCURL,
		PrivateKey:         a.Config.Ethereum.PrivateKey,
		ChainID:            a.Config.Ethereum.ChainID,
		RequestTimeout:     a.Config.Ethereum.RequestTimeout,
		GasLimitMultiplier: a.Config.Execution.GasLimitMultiplier,
	}, a.Logger)
}

// buildRuntime dials the node and wires reader, calculator, executor and keeper.
func (a *App) buildRuntime(ctx context.Context, opts RunOptions, m *metrics.Metrics, withStore bool) (*runtime, error) {
	cfg := a.Config
	pairs, err := cfg.ResolvePairs()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	client, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	rt := &runtime{client: client, pairs: pairs}

	if err := verifyContracts(ctx, client, cfg.ContractAddresses()); err != nil {
		rt.Close()
		return nil, err
	}

	router := cfg.Address(cfg.Contracts.Router)
	rt.reader = amm.NewReader(client, amm.Options{
		Factory: cfg.Address(cfg.Contracts.Factory),
		Router:  router,
	}, a.Logger)

	solver := rebalance.Solver(cfg.Rebalance.Solver)
	if solver == rebalance.SolverConstantProduct {
		a.Logger.Warn().Msg("constant_product solver enabled; quantities differ from the linear default")
	}
	calculator := rebalance.NewCalculator(rebalance.Options{
		Allowed: rebalance.Band{Low: cfg.Rebalance.AllowedLow, High: cfg.Rebalance.AllowedHigh},
		Target:  rebalance.Band{Low: cfg.Rebalance.TargetLow, High: cfg.Rebalance.TargetHigh},
		Solver:  solver,
	}, rt.reader, a.Logger)

	exec, err := executor.New(client, delegate.NewBuilder(router, cfg.Execution.SwapDeadline), executor.Options{
		StabilityModule:     cfg.Address(cfg.Contracts.StabilityModule),
		AdapterName:         cfg.Contracts.AdapterName,
		Confirmations:       cfg.Execution.Confirmations,
		ConfirmationTimeout: cfg.Execution.ConfirmationTimeout,
		PollInterval:        cfg.Execution.ReceiptPollInterval,
		DryRun:              opts.DryRun || cfg.Execution.DryRun,
	}, a.Logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	deps := keeper.Deps{
		Blocks:   client,
		Reader:   rt.reader,
		Decider:  calculator,
		Executor: exec,
		Notifier: a.newNotifier(),
		Metrics:  m,
	}

	if withStore {
		store, _, err := a.openStore(ctx)
		if err != nil {
			rt.Close()
			return nil, err
		}
		if store == nil {
			a.Logger.Warn().Msg("database.dsn not configured; execution journal disabled")
		} else {
			rt.store = store
			deps.Journal = store
			deps.Locker = store
			deps.LockKey = cfg.Database.AdvisoryLockKey
		}
	}

	rt.keeper = keeper.New(pairs, deps, a.Logger)
	return rt, nil
}

type codeReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// verifyContracts fails startup when a configured contract address has no deployed code.
func verifyContracts(ctx context.Context, reader codeReader, contracts []config.ContractAddress) error {
	for _, contract := range contracts {
		addr := common.HexToAddress(contract.Value)
		code, err := reader.CodeAt(ctx, addr, nil)
		if err != nil {
			return fmt.Errorf("%w: code at %s %s: %w", chain.ErrRPC, contract.Key, addr.Hex(), err)
		}
		if len(code) == 0 {
			return fmt.Errorf("%w: %s %s has no contract code", config.ErrInvalid, contract.Key, addr.Hex())
		}
	}
	return nil
}

// Run executes the long-running keeper loop.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var m *metrics.Metrics
	if a.Config.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		go func() {
			if err := metrics.Serve(ctx, a.Config.Metrics.Listen, reg, a.Logger); err != nil {
				a.Logger.Error().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	rt, err := a.buildRuntime(ctx, opts, m, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	dryRun := opts.DryRun || a.Config.Execution.DryRun
	a.Logger.Info().
		Str("version", version.String()).
		Str("wallet", rt.client.From().Hex()).
		Str("chain_id", rt.client.ChainID().String()).
		Str("stability_module", a.Config.Contracts.StabilityModule).
		Str("adapter", a.Config.Contracts.Adapter).
		Str("adapter_name", a.Config.Contracts.AdapterName).
		Int("pairs", len(rt.pairs)).
		Bool("dry_run", dryRun).
		Msg("starting peg keeper")

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	err = scheduler.Run(ctx, sched, keeper.Watermark{}, rt.keeper.Tick)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("keeper terminated with error")
		return err
	}

	a.Logger.Info().Msg("peg keeper stopped")
	return nil
}
