package metrics

import (
	"strings"
	"sync"

	"depthflow/config"
)

// Feature gates a family of log/CloudWatch metrics.
type Feature string

const (
	FeatureUsedWeight Feature = "used_weight"
	FeatureQueueSize  Feature = "queue_size"
)

var (
	featuresMu sync.RWMutex
	features   = map[Feature]bool{
		FeatureUsedWeight: true,
		FeatureQueueSize:  true,
	}
)

// Configure applies the metrics section of the config.
func Configure(cfg config.MetricsConfig) {
	featuresMu.Lock()
	features[FeatureUsedWeight] = cfg.UsedWeight
	features[FeatureQueueSize] = cfg.QueueSize
	featuresMu.Unlock()

	if cfg.CloudWatch.PublishInterval > 0 {
		cloudWatchPublishInterval = cfg.CloudWatch.PublishInterval
	}
}

func IsFeatureEnabled(f Feature) bool {
	featuresMu.RLock()
	defer featuresMu.RUnlock()
	return features[f]
}

// featureFor maps a metric name to the feature that gates it, if any.
func featureFor(name string) (Feature, bool) {
	switch {
	case name == "used_weight":
		return FeatureUsedWeight, true
	case strings.HasSuffix(name, "_queue_length"):
		return FeatureQueueSize, true
	default:
		return "", false
	}
}
