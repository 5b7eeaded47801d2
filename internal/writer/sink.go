package writer

import (
	"context"
	"fmt"

	"depthflow/config"
	"depthflow/logger"
)

// Sink receives complete batches. Write is retried by the exporter, so it
// must be safe to call again with the same batch.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch Batch) error
	Close() error
}

// NewSinks builds every sink enabled in cfg.
func NewSinks(ctx context.Context, cfg config.StorageConfig) ([]Sink, error) {
	var sinks []Sink
	if cfg.Local.Enabled {
		localSink, err := NewLocalSink(cfg.Local.Dir)
		if err != nil {
			return nil, fmt.Errorf("local sink: %w", err)
		}
		sinks = append(sinks, localSink)
	}
	if cfg.S3.Enabled {
		s3Sink, err := NewS3Sink(ctx, cfg.S3)
		if err != nil {
			closeSinks(sinks)
			return nil, fmt.Errorf("s3 sink: %w", err)
		}
		sinks = append(sinks, s3Sink)
	}
	if cfg.Kafka.Enabled {
		kafkaSink, err := NewKafkaSink(cfg.Kafka)
		if err != nil {
			closeSinks(sinks)
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, kafkaSink)
	}
	return sinks, nil
}

func closeSinks(sinks []Sink) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			logger.GetLogger().WithComponent("candle_exporter").WithError(err).WithFields(logger.Fields{
				"sink": s.Name(),
			}).Warn("failed to close sink")
		}
	}
}
