// Package pubsub implements a Google Cloud Pub/Sub crawl event publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

// Config names the project whose topics receive crawl events.
type Config struct {
	ProjectID   string `mapstructure:"project_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// Keyed payloads are published with their partition key as ordering key, so
// one site's events are delivered in order.
type Keyed interface {
	PartitionKey() string
}

// Publisher publishes JSON payloads, one Pub/Sub topic per crawl topic.
type Publisher struct {
	client *pubsub.Client
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

var _ crawler.Publisher = (*Publisher)(nil)

// New wraps client. Topics are resolved lazily on first publish and must
// already exist.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client: client,
		prefix: cfg.TopicPrefix,
		logger: logger,
		topics: make(map[string]*pubsub.Topic),
	}
}

// Publish marshals the payload to JSON and publishes it, waiting for the
// server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", errors.New("pubsub client is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"topic": topic},
	}
	if k, ok := payload.(Keyed); ok {
		msg.OrderingKey = k.PartitionKey()
	}
	t := p.topic(topic)
	id, err := t.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			// A failed ordered publish pauses its key until resumed.
			t.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish message to %s: %w", topic, err)
	}
	return id, nil
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(p.prefix + name)
		t.EnableMessageOrdering = true
		p.topics[name] = t
	}
	return t
}

// Close flushes pending messages on every topic and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
	p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
