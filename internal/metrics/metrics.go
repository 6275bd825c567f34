// Package metrics provides Prometheus instrumentation for drawsettle.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksIngested counts ticks by outcome (accepted, late, filtered).
	TicksIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drawsettle_ticks_total",
		Help: "Price ticks seen by the aggregator",
	}, []string{"outcome"})

	// WindowsEmitted counts finalized 60-second windows.
	WindowsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drawsettle_windows_emitted_total",
		Help: "Finalized price windows",
	})

	// BufferMismatches counts windows that did not receive exactly 60 ticks.
	BufferMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drawsettle_buffer_size_mismatch_total",
		Help: "Windows finalized with a tick count other than 60",
	})

	// BufferSize is the number of filled slots in the active window.
	BufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drawsettle_buffer_size",
		Help: "Filled slots in the active window buffer",
	})

	// PipelineStages counts publish/anchor outcomes.
	PipelineStages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drawsettle_pipeline_stage_total",
		Help: "Window pipeline stage results",
	}, []string{"stage", "result"})

	// StageLatency tracks publish and anchor latency.
	StageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drawsettle_pipeline_stage_seconds",
		Help:    "Window pipeline stage latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
	}, []string{"stage"})

	// Settlements counts close attempts by outcome.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drawsettle_settlements_total",
		Help: "Position close attempts by outcome",
	}, []string{"outcome"})

	// Payouts counts relayed payouts by result.
	Payouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drawsettle_payouts_total",
		Help: "Ledger payouts for relayed positions",
	}, []string{"result"})

	// LedgerOps counts ledger credits and debits by result.
	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drawsettle_ledger_ops_total",
		Help: "Ledger operations",
	}, []string{"op", "result"})

	// RelayerFunds counts relayed opens by outcome.
	RelayerFunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drawsettle_relayer_fund_total",
		Help: "Relayed position opens by outcome",
	}, []string{"outcome"})

	// ChainTxs counts submitted transactions by method and result.
	ChainTxs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drawsettle_chain_tx_total",
		Help: "Submitted chain transactions",
	}, []string{"method", "result"})

	// FeedConnected is 1 while the trade feed is connected.
	FeedConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drawsettle_feed_connected",
		Help: "Whether the trade feed websocket is connected",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drawsettle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drawsettle_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to a "ok"/"error" label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		// The matched pattern keeps label cardinality bounded.
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer cannot hijack")
	}
	return h.Hijack()
}
