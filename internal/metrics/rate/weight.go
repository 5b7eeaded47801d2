package rate

import (
	"net/http"
	"strconv"
	"strings"

	"depthflow/internal/metrics"
	"depthflow/logger"
)

// Usage is the request budget a venue reported in its response headers.
// Limit is zero when the venue does not publish it.
type Usage struct {
	Used   float64
	Limit  float64
	Window string
}

// ParseUsage reads the venue specific rate limit headers.
func ParseUsage(venue string, header http.Header) (Usage, bool) {
	switch strings.ToLower(venue) {
	case "binance":
		for _, h := range []struct{ key, window string }{
			{"X-MBX-USED-WEIGHT-1M", "1m"},
			{"X-MBX-USED-WEIGHT", "1m"},
			{"X-MBX-USED-WEIGHT-1S", "1s"},
		} {
			if used, ok := headerFloat(header, h.key); ok {
				return Usage{Used: used, Window: h.window}, true
			}
		}
	case "bybit":
		limit, okLimit := headerFloat(header, "X-Bapi-Limit")
		remaining, okRemaining := headerFloat(header, "X-Bapi-Limit-Status")
		if okLimit && okRemaining {
			return Usage{Used: limit - remaining, Limit: limit, Window: "1s"}, true
		}
	case "kucoin":
		limit, okLimit := headerFloat(header, "gw-ratelimit-limit")
		remaining, okRemaining := headerFloat(header, "gw-ratelimit-remaining")
		if okLimit && okRemaining {
			return Usage{Used: limit - remaining, Limit: limit, Window: "30s"}, true
		}
	case "okx":
		limit, okLimit := headerFloat(header, "Rate-Limit-Limit")
		remaining, okRemaining := headerFloat(header, "Rate-Limit-Remaining")
		if okLimit && okRemaining {
			return Usage{Used: limit - remaining, Limit: limit, Window: "2s"}, true
		}
	}
	return Usage{}, false
}

func headerFloat(header http.Header, key string) (float64, bool) {
	raw := strings.TrimSpace(header.Get(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ReportUsedWeight emits a used_weight gauge when the headers carry one.
func ReportUsedWeight(log *logger.Log, venue, component string, header http.Header) (Usage, bool) {
	usage, ok := ParseUsage(venue, header)
	if !ok {
		return usage, false
	}
	fields := logger.Fields{"exchange": strings.ToLower(venue), "window": usage.Window}
	if usage.Limit > 0 {
		fields["limit"] = usage.Limit
	}
	metrics.EmitMetric(log, component, "used_weight", usage.Used, "gauge", fields)
	return usage, true
}
