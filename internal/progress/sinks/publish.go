package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/shelfbox/internal/ingest"
	"github.com/JakeFAU/shelfbox/internal/progress"
)

// Notification is the payload published when a crawl session or upload
// operation reaches a terminal state.
type Notification struct {
	Kind       string        `json:"kind"`
	RunID      string        `json:"run_id"`
	BoxID      string        `json:"box_id"`
	Status     ingest.Status `json:"status"`
	Summary    string        `json:"summary,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Attributes exposes routing keys as message attributes.
func (n Notification) Attributes() map[string]string {
	return map[string]string{"kind": n.Kind, "box_id": n.BoxID, "status": string(n.Status)}
}

// PublishSink forwards terminal run events to a topic so the query service can
// refresh its view of a box.
type PublishSink struct {
	publisher ingest.Publisher
	topic     string
}

// NewPublishSink builds a sink publishing to topic.
func NewPublishSink(publisher ingest.Publisher, topic string) *PublishSink {
	return &PublishSink{publisher: publisher, topic: topic}
}

// Consume publishes one notification per terminal event; failures are joined.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		var kind string
		switch evt.Stage {
		case progress.StageSessionDone:
			kind = kindCrawl
		case progress.StageUploadDone:
			kind = kindUpload
		default:
			continue
		}
		msg := Notification{
			Kind:       kind,
			RunID:      evt.RunID,
			BoxID:      evt.BoxID,
			Status:     evt.Status,
			Summary:    evt.Note,
			FinishedAt: evt.TS.UTC(),
		}
		if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
			errs = append(errs, fmt.Errorf("publish %s %s: %w", kind, evt.RunID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
