package writer

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	kafka "github.com/segmentio/kafka-go"

	"depthflow/config"
	"depthflow/logger"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes one JSON message per candle, keyed by instrument so a
// partition sees an instrument's candles in order.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

func NewKafkaSink(cfg config.KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	logger.GetLogger().WithComponent("candle_exporter").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("kafka sink initialized")
	return &KafkaSink{writer: w, topic: cfg.Topic}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, batch Batch) error {
	key := []byte(batch.Instrument.String())
	msgs := make([]kafka.Message, 0, len(batch.Records))
	for _, rec := range batch.Records {
		value, err := sonic.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal candle: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:     key,
			Value:   value,
			Headers: []kafka.Header{{Key: "batch_id", Value: []byte(batch.ID)}},
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d messages to %s: %w", len(msgs), s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error { return s.writer.Close() }
