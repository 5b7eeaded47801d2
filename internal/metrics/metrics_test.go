package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"depthflow/logger"
)

func TestEmitQueueSamplesDispatchesGauge(t *testing.T) {
	got := capture(t)

	emitQueueSamples(logger.GetLogger(), []QueueSample{{Name: "okx_spot:BTC-USDT", Len: 3, Capacity: 8}})

	if len(*got) == 0 {
		t.Fatal("expected a queue length metric")
	}
	m := (*got)[0]
	if m.Name != "feed_queue_length" || m.Type != "gauge" {
		t.Fatalf("unexpected metric: %+v", m)
	}
	if m.Fields["queue"] != "okx_spot:BTC-USDT" {
		t.Fatalf("queue field missing: %v", m.Fields)
	}
}

func TestEmitDropMetricSkipsZeroCount(t *testing.T) {
	got := capture(t)

	EmitDropMetric(nil, DropMetricLateTrade, "bybit_linear", "bybit_linear:BTCUSDT", "aggregator", 0)
	if len(*got) != 0 {
		t.Fatalf("unexpected metric for zero drops: %+v", *got)
	}

	EmitDropMetric(nil, DropMetricLateTrade, "bybit_linear", "bybit_linear:BTCUSDT", "aggregator", 2)
	if len(*got) != 1 || (*got)[0].Name != string(DropMetricLateTrade) || (*got)[0].Value != 2 {
		t.Fatalf("unexpected drop metric: %+v", *got)
	}
}

func TestPrometheusHandlerExposesCounters(t *testing.T) {
	Init()
	IncEvent("binance_linear", "trade")
	IncReconnect("binance_linear")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"depthflow_events_total", "depthflow_reconnects_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("%s missing from exposition", name)
		}
	}
}
