// Package metrics exposes the engine's Prometheus instruments.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksEvaluated counts ticks evaluated against a price level.
	TicksEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theta_ticks_evaluated_total",
			Help: "Total number of ticks evaluated by ticker",
		},
		[]string{"ticker"},
	)

	// DelayedTicks counts ticks that arrived late.
	DelayedTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theta_ticks_delayed_total",
			Help: "Total number of delayed ticks by ticker",
		},
		[]string{"ticker"},
	)

	// Crossings counts price level crossings by direction.
	Crossings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theta_level_crossings_total",
			Help: "Total number of price level crossings",
		},
		[]string{"ticker", "direction"},
	)

	// MonitoredTickers tracks how many tickers are being monitored.
	MonitoredTickers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "theta_monitored_tickers",
			Help: "Current number of monitored tickers",
		},
	)

	// FeedErrors counts tick streams that failed.
	FeedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theta_feed_errors_total",
			Help: "Total number of tick feed failures",
		},
		[]string{"ticker"},
	)

	// Reversals counts reversal attempts by outcome.
	Reversals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theta_reversals_total",
			Help: "Total number of reversal attempts by outcome",
		},
		[]string{"ticker", "action", "outcome"},
	)

	// MarketConversions counts limit orders forced to market.
	MarketConversions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theta_market_conversions_total",
			Help: "Total number of market conversions by result",
		},
		[]string{"ticker", "result"},
	)

	// OutstandingOrders tracks in-flight reversal orders.
	OutstandingOrders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "theta_outstanding_orders",
			Help: "Current number of outstanding reversal orders",
		},
	)

	// ThetasComposed tracks the composed strategies held by the portfolio.
	ThetasComposed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "theta_strategies",
			Help: "Current number of composed theta strategies",
		},
	)

	// HTTPRequestDuration tracks dashboard request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "theta_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "path", "status"},
	)
)

// Middleware records request metrics labelled by route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestDuration.WithLabelValues(r.Method, path, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}
