// Registers:
//
//	#depthflow_events_total{exchange,kind}
//	#depthflow_decode_errors_total{exchange}
//	#depthflow_reconnects_total{connection}
//	#depthflow_resyncs_total{instrument}
//	#depthflow_queue_dropped_total{instrument}
//	#depthflow_late_trades_total{instrument}
//	#depthflow_fetch_errors_total{venue,permanent}
//	#go_* and process_* system metrics
//
// Exposes them on /metrics using the Prometheus HTTP handler.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"depthflow/logger"
)

var (
	once         sync.Once
	registry     *prometheus.Registry
	eventsTotal  *prometheus.CounterVec
	decodeErrors *prometheus.CounterVec
	reconnects   *prometheus.CounterVec
	resyncs      *prometheus.CounterVec
	queueDropped *prometheus.CounterVec
	lateTrades   *prometheus.CounterVec
	fetchErrors  *prometheus.CounterVec
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthflow_events_total",
			Help: "Normalized events decoded from exchange streams",
		}, []string{"exchange", "kind"})
		decodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthflow_decode_errors_total",
			Help: "Frames dropped because they could not be decoded",
		}, []string{"exchange"})
		reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthflow_reconnects_total",
			Help: "Websocket reconnect attempts",
		}, []string{"connection"})
		resyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthflow_resyncs_total",
			Help: "Order book resyncs after a gap, overflow or reconnect",
		}, []string{"instrument"})
		queueDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthflow_queue_dropped_total",
			Help: "Depth diffs shed by full instrument queues",
		}, []string{"instrument"})
		lateTrades = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthflow_late_trades_total",
			Help: "Trades that arrived after their bucket closed",
		}, []string{"instrument"})
		fetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthflow_fetch_errors_total",
			Help: "Historical fetch failures",
		}, []string{"venue", "permanent"})

		registry.MustRegister(eventsTotal, decodeErrors, reconnects, resyncs, queueDropped, lateTrades, fetchErrors)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the registered collectors.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Serve exposes Handler on addr until the server fails.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.GetLogger().WithComponent("metrics").WithError(err).Error("prometheus server stopped")
		}
	}()
}

func IncEvent(exchange, kind string) {
	if eventsTotal != nil {
		eventsTotal.WithLabelValues(exchange, kind).Inc()
	}
}

func IncDecodeError(exchange string) {
	if decodeErrors != nil {
		decodeErrors.WithLabelValues(exchange).Inc()
	}
}

func IncReconnect(connection string) {
	if reconnects != nil {
		reconnects.WithLabelValues(connection).Inc()
	}
}

func IncResync(instrument string) {
	if resyncs != nil {
		resyncs.WithLabelValues(instrument).Inc()
	}
}

func AddQueueDropped(instrument string, n int) {
	if queueDropped != nil && n > 0 {
		queueDropped.WithLabelValues(instrument).Add(float64(n))
	}
}

func AddLateTrades(instrument string, n int) {
	if lateTrades != nil && n > 0 {
		lateTrades.WithLabelValues(instrument).Add(float64(n))
	}
}

func IncFetchError(venue string, permanent bool) {
	if fetchErrors != nil {
		fetchErrors.WithLabelValues(venue, strconv.FormatBool(permanent)).Inc()
	}
}
