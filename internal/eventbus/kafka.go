package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// DefaultTopic receives pipeline and settlement events.
const DefaultTopic = "drawsettle.events"

// MessageWriter is the subset of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds an async, zstd-compressed writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		Compression:  kafka.Zstd,
	}
}

// KafkaSink writes events keyed by window or position so one key's events
// stay ordered within a partition.
type KafkaSink struct {
	w MessageWriter
}

func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{w: w}
}

func (s *KafkaSink) Emit(ctx context.Context, e domain.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventbus: marshal %s: %w", e.Kind, err)
	}
	msg := kafka.Message{
		Key:   []byte(e.Key()),
		Value: value,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.Kind)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return domain.External("kafka", "write", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.w.Close()
}
