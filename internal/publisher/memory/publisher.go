// Package memory is a single-process crawl event publisher. Payloads are
// JSON-encoded on publish, as the network publishers do, so an event that
// would fail on Kafka or Pub/Sub also fails here.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("publisher closed")

// Publisher keeps an ordered log of encoded payloads per topic.
type Publisher struct {
	mu     sync.RWMutex
	topics map[string][]json.RawMessage
	closed bool
}

var _ crawler.Publisher = (*Publisher)(nil)

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{topics: map[string][]json.RawMessage{}}
}

// Publish appends the encoded payload to topic and returns "<topic>/<offset>".
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", topic, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrClosed
	}
	p.topics[topic] = append(p.topics[topic], data)
	return fmt.Sprintf("%s/%d", topic, len(p.topics[topic])-1), nil
}

// Topic returns the payloads published to topic, oldest first.
func (p *Publisher) Topic(topic string) []json.RawMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]json.RawMessage(nil), p.topics[topic]...)
}

// Decode unmarshals the payload at offset in topic into v.
func (p *Publisher) Decode(topic string, offset int, v any) error {
	p.mu.RLock()
	msgs := p.topics[topic]
	p.mu.RUnlock()
	if offset < 0 || offset >= len(msgs) {
		return fmt.Errorf("%s has no message at offset %d", topic, offset)
	}
	if err := json.Unmarshal(msgs[offset], v); err != nil {
		return fmt.Errorf("decode %s/%d: %w", topic, offset, err)
	}
	return nil
}

// Close rejects further publishes. Published payloads stay readable.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
