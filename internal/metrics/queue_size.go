package metrics

import (
	"context"
	"time"

	"depthflow/logger"
)

// QueueSample is one queue's occupancy at sampling time.
type QueueSample struct {
	Name     string
	Len      int
	Capacity int
	Dropped  uint64
}

// StartQueueSizeMetrics samples source every interval and emits a
// <name>_queue_length gauge per queue until ctx is done. It does nothing when
// the queue_size feature is disabled.
func StartQueueSizeMetrics(ctx context.Context, source func() []QueueSample, interval time.Duration) {
	if !IsFeatureEnabled(FeatureQueueSize) || source == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				emitQueueSamples(log, source())
			}
		}
	}()
}

func emitQueueSamples(log *logger.Log, samples []QueueSample) {
	for _, s := range samples {
		EmitMetric(log, "feed_queues", "feed_queue_length", s.Len, "gauge", logger.Fields{
			"queue":    s.Name,
			"capacity": s.Capacity,
			"dropped":  s.Dropped,
		})
	}
}
