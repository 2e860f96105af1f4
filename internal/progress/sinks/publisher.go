package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/harvest"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/progress"
)

// RunEvent is the message body published for each forwarded event.
type RunEvent struct {
	RunID string `json:"run_id"`
	progress.Event
}

// PublisherSink forwards repository outcomes and run milestones to a topic.
// Per-repository skips are not published.
type PublisherSink struct {
	publisher harvest.Publisher
	topic     string
}

// NewPublisherSink builds a PublisherSink for topic.
func NewPublisherSink(publisher harvest.Publisher, topic string) (*PublisherSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	return &PublisherSink{publisher: publisher, topic: topic}, nil
}

// Consume publishes each relevant event and returns the first failure.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var firstErr error
	for _, evt := range batch {
		if evt.Stage == progress.StageRepoSkipped {
			continue
		}
		msg := RunEvent{RunID: evt.RunUUID().String(), Event: evt}
		if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("publish %s: %w", evt.Stage, err)
		}
	}
	return firstErr
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
