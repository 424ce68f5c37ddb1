// Package metrics provides Prometheus instrumentation for the credit pool.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/wad"
)

var (
	// EventsTotal counts committed engine events, partitioned by kind.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditpool_events_total",
		Help: "Total number of committed pool events",
	}, []string{"kind"})

	// RejectedCalls counts pool calls rejected with an error, by operation
	// and HTTP status class.
	RejectedCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditpool_rejected_calls_total",
		Help: "Pool calls rejected by the engine",
	}, []string{"op", "status"})

	// UtilizeIndex is the interest index as a float, 1.0 at launch.
	UtilizeIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "creditpool_utilize_index",
		Help: "Cumulative interest index",
	})

	// TotalUtilized is the aggregate owed amount at the stored index.
	TotalUtilized = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "creditpool_total_utilized",
		Help: "Aggregate utilized amount in asset units",
	})

	ClaimTokenSupply = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "creditpool_claim_token_supply",
		Help: "Outstanding claim tokens",
	})

	AccumulatedProtocolFee = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "creditpool_accumulated_protocol_fee",
		Help: "Protocol fee owed to the treasury",
	})

	// QueueDepth is the number of requests not yet finalized.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "creditpool_withdraw_queue_depth",
		Help: "Withdrawal requests awaiting finalization",
	})

	RequestedWithdrawTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "creditpool_requested_withdraw_total",
		Help: "Expected assets of unfinalized withdrawal requests",
	})

	ReservedForClaimTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "creditpool_reserved_for_claim_total",
		Help: "Assets reserved for finalized, unclaimed requests",
	})

	OpenLiquidations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "creditpool_open_liquidations",
		Help: "Accounts with an open liquidation",
	})

	// ExchangeRate and Utilization need the pool's asset balance, so they
	// are sampled from the service rather than from commit hooks.
	ExchangeRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "creditpool_exchange_rate",
		Help: "Assets per claim token",
	})

	Utilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "creditpool_utilization_ratio",
		Help: "Utilized share of pool assets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "creditpool_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditpool_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "creditpool_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Observe is a pool commit hook: it counts the events and refreshes the
// gauges that depend on state alone.
func Observe(state *model.PoolState, events []model.Event) {
	for _, e := range events {
		EventsTotal.WithLabelValues(string(e.Kind)).Inc()
	}
	if state == nil {
		return
	}
	UtilizeIndex.Set(Ratio(state.UtilizeIndex))
	TotalUtilized.Set(Amount(state.TotalUtilized))
	ClaimTokenSupply.Set(Amount(state.ClaimTokenSupply))
	AccumulatedProtocolFee.Set(Amount(state.AccumulatedProtocolFee))
	RequestedWithdrawTotal.Set(Amount(state.RequestedWithdrawTotal))
	ReservedForClaimTotal.Set(Amount(state.ReservedForClaimTotal))
	OpenLiquidations.Set(float64(len(state.LiquidationIndex)))
	if state.NextRequestID >= state.NextRequestIDToFinalize {
		QueueDepth.Set(float64(state.NextRequestID - state.NextRequestIDToFinalize))
	}
}

// ObserveRates records the balance-dependent ratios.
func ObserveRates(exchangeRate, utilization *uint256.Int) {
	ExchangeRate.Set(Ratio(exchangeRate))
	Utilization.Set(Ratio(utilization))
}

// Ratio converts a 1e18-scaled value to a float for export only.
func Ratio(x *uint256.Int) float64 {
	if x == nil {
		return 0
	}
	return wad.ToDecimal(x).InexactFloat64()
}

// Amount converts an integer amount to a float for export only.
func Amount(x *uint256.Int) float64 {
	if x == nil {
		return 0
	}
	return decimal.NewFromBigInt(x.ToBig(), 0).InexactFloat64()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
