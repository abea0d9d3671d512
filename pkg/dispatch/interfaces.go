// --- File: pkg/dispatch/interfaces.go ---
package dispatch

import (
	"context"
)

// QueueStore is the persistence contract for the pending-notification queue.
type QueueStore interface {
	// ListPending returns a snapshot of every queued notification in fetch order.
	ListPending(ctx context.Context) ([]PendingNotification, error)

	// Delete removes a single queue entry. I/O failures are returned as *StorageError.
	Delete(ctx context.Context, id string) error
}

// SubscriberStore is the persistence contract for device subscriptions.
// This service only ever removes subscriptions; registration lives elsewhere.
type SubscriberStore interface {
	// RemoveSubscription deletes the subscription for a device token.
	// Removing a token that is not registered is not an error.
	RemoveSubscription(ctx context.Context, deviceToken string) error
}

// Gateway defines the contract for an asynchronous push provider client
// (e.g., Apple's APNS, Google's FCM).
type Gateway interface {
	// Submit hands the payload off for delivery. A nil error means the payload
	// was accepted, not that it was delivered. Outcomes arrive later through
	// the callbacks the gateway was built with.
	Submit(ctx context.Context, p EncodedPayload) error

	// PollFeedback drains the tokens the provider reported as permanently
	// undeliverable since the previous poll.
	PollFeedback(ctx context.Context) ([]FeedbackEntry, error)
}

// FeedbackStore buffers invalidated tokens between the gateway workers that
// discover them and the dispatch loop that polls them.
type FeedbackStore interface {
	Push(ctx context.Context, entry FeedbackEntry) error
	// Pop removes up to limit entries, oldest first, and returns the readable
	// ones. popped counts every row removed, including unreadable ones.
	Pop(ctx context.Context, limit int) (entries []FeedbackEntry, popped int, err error)
}
