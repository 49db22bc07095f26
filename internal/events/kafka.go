package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/internal/risk"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON keyed by market
type KafkaSink struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
}

// KafkaOption customizes the Kafka writer
type KafkaOption func(w *kafka.Writer)

// WithRequiredAcks sets the acknowledgement level
func WithRequiredAcks(acks kafka.RequiredAcks) KafkaOption {
	return func(w *kafka.Writer) { w.RequiredAcks = acks }
}

// WithMaxAttempts sets the per-message retry budget
func WithMaxAttempts(n int) KafkaOption {
	return func(w *kafka.Writer) { w.MaxAttempts = n }
}

// NewKafkaSink creates the producer for the configured topic
func NewKafkaSink(cfg config.KafkaConfig, opts ...KafkaOption) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}

	return &KafkaSink{writer: w, topic: cfg.Topic, timeout: cfg.WriteTimeout}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

// Publish writes one event and waits for the acknowledgement
func (s *KafkaSink) Publish(ctx context.Context, ev risk.EmergencyDeleverage) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	msg := kafka.Message{
		Key:   []byte(ev.MarketID),
		Value: value,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID.String())},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes and closes the writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
