// Package events records notable lifecycle events of the dispatch service:
// queue deletions, delivery failures, subscription removals.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindNotificationSubmitFailed Kind = "notification.submit_failed"
	KindNotificationDeleted      Kind = "notification.deleted"
	KindNotificationDeleteFailed Kind = "notification.delete_failed"
	KindNotificationEncodeFailed Kind = "notification.encoding_failed"
	KindNotificationFailed       Kind = "notification.failed"
	KindNotificationDelivered    Kind = "notification.delivered"
	KindSubscriptionRemoved      Kind = "subscription.removed"
	KindSubscriptionRemoveFailed Kind = "subscription.remove_failed"
	KindPassAborted              Kind = "pass.aborted"
)

// Event is a single recorded occurrence.
type Event struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	NotificationID string    `json:"notification_id,omitempty"`
	DeviceToken    string    `json:"device_token,omitempty"`
	StatusCode     int       `json:"status_code,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	At             time.Time `json:"at"`
}

// New stamps an event with an ID and the current time.
func New(kind Kind) Event {
	return Event{ID: uuid.NewString(), Kind: kind, At: time.Now().UTC()}
}

// Recorder is the event sink. Implementations must be safe for concurrent use:
// the dispatch loop and gateway callbacks record from different goroutines.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// SlogRecorder writes events to a structured logger.
type SlogRecorder struct {
	logger *slog.Logger
}

func NewSlogRecorder(logger *slog.Logger) *SlogRecorder {
	return &SlogRecorder{logger: logger.With("component", "EventRecorder")}
}

func (r *SlogRecorder) Record(ctx context.Context, e Event) {
	level := slog.LevelInfo
	switch e.Kind {
	case KindNotificationFailed, KindNotificationSubmitFailed, KindNotificationDeleteFailed,
		KindNotificationEncodeFailed, KindSubscriptionRemoveFailed, KindPassAborted:
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, string(e.Kind),
		"event_id", e.ID,
		"notification_id", e.NotificationID,
		"token", e.DeviceToken,
		"status", e.StatusCode,
		"detail", e.Detail,
	)
}

// Multi fans an event out to several recorders.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, e Event) {
	for _, r := range m {
		r.Record(ctx, e)
	}
}

// Capture keeps events in memory. Useful in tests and for local runs.
type Capture struct {
	mu     sync.Mutex
	events []Event
}

func (c *Capture) Record(_ context.Context, e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

// Events returns a copy of everything recorded so far.
func (c *Capture) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfKind returns the recorded events of a single kind.
func (c *Capture) OfKind(kind Kind) []Event {
	var out []Event
	for _, e := range c.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
