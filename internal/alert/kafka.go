package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes alerts as JSON, keyed by symbol so one symbol's alerts
// stay ordered within a partition.
type KafkaSink struct {
	w       messageWriter
	timeout time.Duration
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka alert sink: brokers are required")
	}
	return &KafkaSink{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  3,
			WriteTimeout: 5 * time.Second,
		},
		timeout: 5 * time.Second,
	}, nil
}

func (k *KafkaSink) Alert(ctx context.Context, a Alert) error {
	v, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.w.WriteMessages(ctx, kafka.Message{Key: []byte(a.Symbol), Value: v, Time: a.Time}); err != nil {
		return fmt.Errorf("publish alert %s: %w", a.Kind, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.w.Close()
}
