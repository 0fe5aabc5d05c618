package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes every message to the Kafka topic named prefix + topic.
type KafkaPublisher struct {
	writer *kafka.Writer
	prefix string
}

// NewKafkaPublisher creates a publisher writing to brokers
func NewKafkaPublisher(brokers []string, prefix string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
		},
		prefix: prefix,
	}
}

func (p *KafkaPublisher) message(topic string, payload []byte) kafka.Message {
	return kafka.Message{
		Topic: p.prefix + topic,
		Key:   []byte(topic),
		Value: payload,
	}
}

// Publish writes payload and waits for the brokers to acknowledge it
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := p.writer.WriteMessages(ctx, p.message(topic, payload)); err != nil {
		return fmt.Errorf("kafka write error: %w", err)
	}
	return nil
}

// Close flushes pending writes and closes the connections
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
