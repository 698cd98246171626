package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "pegkeeper"

// Metrics holds the keeper's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Ticks      *prometheus.CounterVec
	Actions    *prometheus.CounterVec
	Executions *prometheus.CounterVec
	PairErrors *prometheus.CounterVec
	DexPrice   *prometheus.GaugeVec
	LastBlock  prometheus.Gauge
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Keeper wake-ups by result (processed, skipped_same_block, skipped_locked, error).",
		}, []string{"result"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Decisions taken per pair.",
		}, []string{"pair", "action"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Terminal execution states per pair.",
		}, []string{"pair", "outcome"}),
		PairErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pair_errors_total",
			Help:      "Per-pair tick failures by error kind.",
		}, []string{"pair", "kind"}),
		DexPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dex_price",
			Help:      "Last observed token0/token1 reserve ratio.",
		}, []string{"pair"}),
		LastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_block",
			Help:      "Last block height processed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Ticks, m.Actions, m.Executions, m.PairErrors, m.DexPrice, m.LastBlock)
	}
	return m
}

// ObserveTick counts one keeper wake-up by result.
func (m *Metrics) ObserveTick(result string) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(result).Inc()
}

// ObserveBlock records the latest block height seen.
func (m *Metrics) ObserveBlock(block uint64) {
	if m == nil {
		return
	}
	m.LastBlock.Set(float64(block))
}

// ObserveAction counts a decision and records the pair's DEX price.
func (m *Metrics) ObserveAction(pair, action string, price float64) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(pair, action).Inc()
	m.DexPrice.WithLabelValues(pair).Set(price)
}

// ObserveExecution counts an execution attempt by terminal outcome.
func (m *Metrics) ObserveExecution(pair, outcome string) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(pair, outcome).Inc()
}

// ObservePairError counts a failed pair by error kind.
func (m *Metrics) ObservePairError(pair, kind string) {
	if m == nil {
		return
	}
	m.PairErrors.WithLabelValues(pair, kind).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info().Str("component", "metrics").Str("addr", addr).Msg("metrics listener started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
