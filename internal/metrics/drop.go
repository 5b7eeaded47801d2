package metrics

import "depthflow/logger"

// DropMetric names the counter emitted when an event is discarded.
type DropMetric string

const (
	// DropMetricDepthDiff counts diffs shed by a full instrument queue.
	DropMetricDepthDiff DropMetric = "depth_diffs_dropped"
	// DropMetricUndecodable counts frames the codec could not decode.
	DropMetricUndecodable DropMetric = "frames_undecodable"
	// DropMetricLateTrade counts trades that arrived after their bucket closed
	// and the late grace period elapsed.
	DropMetricLateTrade DropMetric = "late_trades_dropped"
	// DropMetricDuplicateTrade counts trades rejected by the dedupe window.
	DropMetricDuplicateTrade DropMetric = "duplicate_trades_dropped"
	DropMetricStaleDiff      DropMetric = "stale_diffs_dropped"
)

// EmitDropMetric emits count dropped events. Empty metadata is left out of
// the metric fields.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, instrument, stage string, count int) {
	if count <= 0 {
		return
	}
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if instrument != "" {
		fields["instrument"] = instrument
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "drops", string(metric), count, "counter", fields)

	switch metric {
	case DropMetricDepthDiff:
		AddQueueDropped(instrument, count)
	case DropMetricUndecodable:
		for i := 0; i < count; i++ {
			IncDecodeError(exchange)
		}
	case DropMetricLateTrade:
		AddLateTrades(instrument, count)
	}
}
