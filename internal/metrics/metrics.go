package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds all Prometheus metrics for the arbitrage scanner.
type Metrics struct {
	// Scan cycle metrics
	CyclesTotal  prometheus.Counter
	CycleLatency prometheus.Histogram

	// Candidate pipeline metrics
	CandidatesEvaluated prometheus.Counter
	CandidatesDropped   *prometheus.CounterVec
	Opportunities       prometheus.Counter

	// RPC metrics
	RPCRequests   *prometheus.CounterVec
	RPCRotations  prometheus.Counter
	RPCRateLimits prometheus.Counter
	BatchSplits   prometheus.Counter
	BatchRetries  prometheus.Counter

	// Execution metrics
	TradesAttempted  prometheus.Counter
	TradesSubmitted  prometheus.Counter
	TradesSucceeded  prometheus.Counter
	TradesFailed     prometheus.Counter
	TradesSimulated  prometheus.Counter
	PreflightReverts prometheus.Counter

	// System metrics
	PairsTracked    prometheus.Gauge
	EndpointInUse   prometheus.Gauge
	BestSpread      prometheus.Gauge
	DecimalsFetches prometheus.Counter

	server *http.Server
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_scan_cycles_total",
				Help: "Total number of completed scan cycles",
			},
		),
		CycleLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arb_scan_cycle_latency_seconds",
				Help:    "Wall-clock duration of one scan cycle",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~400s
			},
		),
		CandidatesEvaluated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_candidates_evaluated_total",
				Help: "Total number of candidates entering the evaluation pipeline",
			},
		),
		CandidatesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_candidates_dropped_total",
				Help: "Total number of candidates dropped, by reason",
			},
			[]string{"reason"},
		),
		Opportunities: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_opportunities_total",
				Help: "Total number of opportunities passing every filter",
			},
		),
		RPCRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_rpc_requests_total",
				Help: "Total number of JSON-RPC requests by outcome",
			},
			[]string{"outcome"},
		),
		RPCRotations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_rpc_rotations_total",
				Help: "Total number of endpoint rotations",
			},
		),
		RPCRateLimits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_rpc_rate_limits_total",
				Help: "Total number of rate-limit responses detected",
			},
		),
		BatchSplits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_batch_splits_total",
				Help: "Total number of batch halvings after whole-batch failure",
			},
		),
		BatchRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_batch_retries_total",
				Help: "Total number of batch retries after rate limit or timeout",
			},
		),
		TradesAttempted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_trades_attempted_total",
				Help: "Total number of opportunities handed to the executor",
			},
		),
		TradesSubmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_trades_submitted_total",
				Help: "Total number of transactions submitted on-chain",
			},
		),
		TradesSucceeded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_trades_succeeded_total",
				Help: "Total number of transactions with receipt status 1",
			},
		),
		TradesFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_trades_failed_total",
				Help: "Total number of transactions with receipt status 0",
			},
		),
		TradesSimulated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_trades_simulated_total",
				Help: "Total number of trades stopped after a successful pre-flight in simulation mode",
			},
		),
		PreflightReverts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_preflight_reverts_total",
				Help: "Total number of pre-flight simulations that reverted",
			},
		),
		PairsTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arb_pairs_tracked",
				Help: "Number of unique pair addresses in the current cycle",
			},
		),
		EndpointInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arb_rpc_endpoint_index",
				Help: "Index of the RPC endpoint currently in use",
			},
		),
		BestSpread: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arb_best_spread_percent",
				Help: "Best on-chain spread observed in the last cycle",
			},
		),
		DecimalsFetches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_decimals_fetches_total",
				Help: "Total number of decimals() values fetched over the network",
			},
		),
	}

	prometheus.MustRegister(
		m.CyclesTotal,
		m.CycleLatency,
		m.CandidatesEvaluated,
		m.CandidatesDropped,
		m.Opportunities,
		m.RPCRequests,
		m.RPCRotations,
		m.RPCRateLimits,
		m.BatchSplits,
		m.BatchRetries,
		m.TradesAttempted,
		m.TradesSubmitted,
		m.TradesSucceeded,
		m.TradesFailed,
		m.TradesSimulated,
		m.PreflightReverts,
		m.PairsTracked,
		m.EndpointInUse,
		m.BestSpread,
		m.DecimalsFetches,
	)

	return m
}

// StartServer starts the HTTP server for Prometheus metrics.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Info().Int("port", port).Str("path", path).Msg("Starting metrics server")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// RecordCycle records one completed scan cycle and its duration.
func (m *Metrics) RecordCycle(d time.Duration) {
	m.CyclesTotal.Inc()
	m.CycleLatency.Observe(d.Seconds())
}

// RecordDrop increments the drop counter for the given reason.
func (m *Metrics) RecordDrop(reason string) {
	m.CandidatesDropped.WithLabelValues(reason).Inc()
}

// RecordRPCRequest increments the request counter for the given outcome.
func (m *Metrics) RecordRPCRequest(outcome string) {
	m.RPCRequests.WithLabelValues(outcome).Inc()
}
