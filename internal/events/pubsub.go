// --- File: internal/events/pubsub.go ---
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"cloud.google.com/go/pubsub/v2"
)

// PubsubRecorder publishes every event as JSON to a Pub/Sub topic so other
// services (auditing, dashboards) can follow the dispatch lifecycle.
// Publishing is fire-and-forget; failures are logged.
type PubsubRecorder struct {
	publisher *pubsub.Publisher
	logger    *slog.Logger
	wg        sync.WaitGroup
}

func NewPubsubRecorder(client *pubsub.Client, topicID string, logger *slog.Logger) *PubsubRecorder {
	return &PubsubRecorder{
		publisher: client.Publisher(topicID),
		logger:    logger.With("component", "PubsubRecorder", "topic", topicID),
	}
}

func (r *PubsubRecorder) Record(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		r.logger.Error("Failed to marshal event", "event_id", e.ID, "err", err)
		return
	}

	result := r.publisher.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind": string(e.Kind),
		},
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// The publish context may already be gone when the batch is flushed.
		if _, err := result.Get(context.Background()); err != nil {
			r.logger.Warn("Failed to publish event", "event_id", e.ID, "kind", e.Kind, "err", err)
		}
	}()
}

// Stop flushes outstanding messages and waits for their results.
func (r *PubsubRecorder) Stop() {
	r.publisher.Stop()
	r.wg.Wait()
}
