// Package kafka publishes crawl events to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

// Config configures the Kafka writer.
type Config struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Keyed payloads choose their own partition key; others are unkeyed.
type Keyed interface {
	PartitionKey() string
}

// Publisher wraps a Kafka writer. The writer carries no default topic so
// every message names its own.
type Publisher struct {
	writer messageWriter
	prefix string
	now    func() time.Time
}

var _ crawler.Publisher = (*Publisher)(nil)

// New creates a Publisher for the brokers in cfg.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}
	return newWithWriter(w, cfg.TopicPrefix), nil
}

func newWithWriter(w messageWriter, prefix string) *Publisher {
	return &Publisher{writer: w, prefix: prefix, now: func() time.Time { return time.Now().UTC() }}
}

// Publish writes payload as JSON to topic. Kafka assigns no message ID on the
// synchronous path, so the returned ID is topic/key/timestamp.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := kafka.Message{
		Topic: p.prefix + topic,
		Value: value,
		Time:  p.now(),
	}
	if k, ok := payload.(Keyed); ok {
		msg.Key = []byte(k.PartitionKey())
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write message to %s: %w", msg.Topic, err)
	}
	return fmt.Sprintf("%s/%s/%d", msg.Topic, msg.Key, msg.Time.UnixNano()), nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
