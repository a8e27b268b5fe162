package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
	"github.com/JakeFAU/browsercrawler/internal/progress"
)

// Topics used by PublisherSink.
const (
	TopicSiteEvents   = "site-events"
	TopicPageEvents   = "page-events"
	TopicWorkerEvents = "worker-events"
)

// PublisherSink forwards progress events to a crawler.Publisher, one message
// per event. Page start events are skipped unless IncludePageStart is set.
type PublisherSink struct {
	pub              crawler.Publisher
	logger           *zap.Logger
	IncludePageStart bool
}

// NewPublisherSink constructs a PublisherSink for pub.
func NewPublisherSink(pub crawler.Publisher, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, logger: logger}
}

// Consume publishes every event in the batch. A failed publish does not stop
// the rest of the batch; all failures are returned joined.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Stage == progress.StagePageStart && !s.IncludePageStart {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		topic := TopicFor(evt.Stage)
		id, err := s.pub.Publish(ctx, topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s for %s: %w", evt.Stage, evt.PartitionKey(), err))
			continue
		}
		s.logger.Debug("published progress event", zap.String("topic", topic), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// TopicFor maps a stage onto the topic carrying it.
func TopicFor(stage progress.Stage) string {
	switch stage {
	case progress.StageWorkerHB:
		return TopicWorkerEvents
	case progress.StagePageStart, progress.StagePageDone, progress.StagePageError:
		return TopicPageEvents
	default:
		return TopicSiteEvents
	}
}

// Close closes the publisher when it supports it.
func (s *PublisherSink) Close(context.Context) error {
	if s == nil || s.pub == nil {
		return nil
	}
	if c, ok := s.pub.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close publisher: %w", err)
		}
	}
	return nil
}
