package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"depthflow/logger"
)

// Metric is one structured metric event as seen by in-process consumers
// such as the dashboard store.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

type MetricHandler func(Metric)

type MetricHandlerID uint64

type registeredHandler struct {
	id MetricHandlerID
	fn MetricHandler
}

// handlers is replaced on every change so dispatch reads it without a lock.
// Handlers run in registration order.
var (
	handlersMu sync.Mutex
	handlers   atomic.Pointer[[]registeredHandler]
	lastID     MetricHandlerID
)

// RegisterMetricHandler returns 0 for a nil handler.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	handlersMu.Lock()
	defer handlersMu.Unlock()

	lastID++
	next := append(currentHandlers(), registeredHandler{id: lastID, fn: handler})
	handlers.Store(&next)
	return lastID
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	handlersMu.Lock()
	defer handlersMu.Unlock()

	cur := currentHandlers()
	next := make([]registeredHandler, 0, len(cur))
	for _, h := range cur {
		if h.id != id {
			next = append(next, h)
		}
	}
	handlers.Store(&next)
}

// currentHandlers returns a copy the caller may append to.
func currentHandlers() []registeredHandler {
	p := handlers.Load()
	if p == nil {
		return nil
	}
	return append([]registeredHandler(nil), (*p)...)
}

// recordMetric applies the feature gate, logs the metric at debug and hands
// it to the registered handlers. The caller's fields are never modified.
func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if f, gated := featureFor(name); gated && !IsFeatureEnabled(f) {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	m := Metric{
		Timestamp: timeNow(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    make(logger.Fields, len(fields)),
	}
	for k, v := range fields {
		m.Fields[k] = v
	}
	log.WithComponent(component).WithFields(m.Fields).WithFields(logger.Fields{
		"metric":      name,
		"metric_type": metricType,
		"value":       value,
	}).Debug("metric")

	if p := handlers.Load(); p != nil {
		for _, h := range *p {
			h.fn(m)
		}
	}
	return m, true
}
