package rate

import (
	"fmt"
	"strings"

	"depthflow/internal/metrics"
	"depthflow/logger"
)

func limitFields(venue, instrument, source string) logger.Fields {
	fields := logger.Fields{
		"exchange": strings.ToLower(venue),
		"source":   strings.ToLower(source),
	}
	if instrument != "" {
		fields["instrument"] = instrument
	}
	return fields
}

// ReportRateLimitExceeded records a throttled request or stream. source is
// "rest" or "ws".
func ReportRateLimitExceeded(log *logger.Log, venue, instrument, source string) {
	if log == nil {
		log = logger.GetLogger()
	}
	component := fmt.Sprintf("%s_%s", strings.ToLower(venue), strings.ToLower(source))
	fields := limitFields(venue, instrument, source)
	metrics.EmitMetric(log, component, "rate_limit_exceeded", int64(1), "counter", fields)
	log.WithComponent(component).WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan records an IP ban signalled by the venue.
func ReportIPBan(log *logger.Log, venue, instrument, source string) {
	if log == nil {
		log = logger.GetLogger()
	}
	component := fmt.Sprintf("%s_%s", strings.ToLower(venue), strings.ToLower(source))
	fields := limitFields(venue, instrument, source)
	metrics.EmitMetric(log, component, "ip_ban", int64(1), "counter", fields)
	log.WithComponent(component).WithFields(fields).Error("ip banned")
}

// detectLimit classifies an error message from venue as a rate limit or an
// IP ban. Each venue words these differently.
func detectLimit(venue, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(venue) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "-1003")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "okx":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "frequency limit") || strings.Contains(lowerMsg, "50011")
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "blocked") || strings.Contains(lowerMsg, "ban"))
	case "kucoin":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "429000")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "limit") && strings.Contains(lowerMsg, "triggered")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits") || strings.Contains(lowerMsg, "10006"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage records a rate limit or ban when msg matches the
// venue's wording and reports whether anything matched.
func ReportLimitFromMessage(log *logger.Log, venue, instrument, source, msg string) bool {
	rateLimit, ipBan := detectLimit(venue, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, venue, instrument, source)
	}
	if ipBan {
		ReportIPBan(log, venue, instrument, source)
	}
	return rateLimit || ipBan
}
