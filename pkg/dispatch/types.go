// Package dispatch contains the public contracts and domain models for the
// push dispatch service.
package dispatch

import (
	"time"
)

// PendingNotification is one queued outbound push message.
type PendingNotification struct {
	ID          string
	DeviceToken string
	Alert       string
	Badge       int
	// Custom holds app-specific correlation fields (e.g. "magazine_id").
	// They are copied into the payload unmodified.
	Custom    map[string]any
	CreatedAt time.Time
}

// EncodedPayload is the provider-formatted form of a PendingNotification.
type EncodedPayload struct {
	NotificationID string
	DeviceToken    string
	Body           []byte
}

// FeedbackEntry reports a device token the provider considers permanently
// undeliverable.
type FeedbackEntry struct {
	DeviceToken string    `json:"device_token"`
	Timestamp   time.Time `json:"timestamp"`
	Reason      string    `json:"reason,omitempty"`
}
