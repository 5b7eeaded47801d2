package metrics

import "depthflow/logger"

// WriterStats holds counters for a sink (S3 parquet or Kafka).
type WriterStats struct {
	BatchesWritten  int64
	ObjectsWritten  int64
	RecordsWritten  int64
	BytesWritten    int64
	ErrorsCount     int64
	PendingRecords  int
	PendingCapacity int
}

// ReportWriter emits the writer counters under component.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	if log == nil {
		log = logger.GetLogger()
	}

	errorRate := float64(0)
	if stats.BatchesWritten+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.BatchesWritten+stats.ErrorsCount)
	}
	avgRecordsPerBatch := float64(0)
	if stats.BatchesWritten > 0 {
		avgRecordsPerBatch = float64(stats.RecordsWritten) / float64(stats.BatchesWritten)
	}

	EmitMetric(log, component, "batches_written", stats.BatchesWritten, "counter", nil)
	EmitMetric(log, component, "objects_written", stats.ObjectsWritten, "counter", nil)
	EmitMetric(log, component, "records_written", stats.RecordsWritten, "counter", nil)
	EmitMetric(log, component, "bytes_written", stats.BytesWritten, "counter", logger.Fields{"unit": "bytes"})
	EmitMetric(log, component, "errors_count", stats.ErrorsCount, "counter", nil)
	EmitMetric(log, component, "error_rate", errorRate, "gauge", logger.Fields{"unit": "percent"})
	EmitMetric(log, component, "pending_queue_length", stats.PendingRecords, "gauge", nil)

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"batches_written":       stats.BatchesWritten,
		"objects_written":       stats.ObjectsWritten,
		"records_written":       stats.RecordsWritten,
		"bytes_written":         stats.BytesWritten,
		"errors_count":          stats.ErrorsCount,
		"error_rate":            errorRate,
		"avg_records_per_batch": avgRecordsPerBatch,
		"pending_records":       stats.PendingRecords,
		"pending_capacity":      stats.PendingCapacity,
	})
	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}
	entry.Info(component + " metrics")
}
