// Package firestore implements the queue and subscriber stores on Google Cloud Firestore.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

const (
	QueueCollection        = "push_queue"
	SubscriptionCollection = "subscriptions"
)

// QueueRecord is the DB representation of a pending notification.
// The document ID is the notification ID.
type QueueRecord struct {
	DeviceToken string                 `firestore:"device_token"`
	Alert       string                 `firestore:"alert"`
	Badge       int                    `firestore:"badge"`
	Custom      map[string]interface{} `firestore:"custom,omitempty"`
	CreatedAt   time.Time              `firestore:"created_at"`
}

// SubscriptionRecord is the DB representation of a registered device.
type SubscriptionRecord struct {
	Token     string    `firestore:"token"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// QueueStore implements dispatch.QueueStore.
type QueueStore struct {
	client *firestore.Client
}

func NewQueueStore(client *firestore.Client) *QueueStore {
	return &QueueStore{client: client}
}

func (s *QueueStore) ListPending(ctx context.Context) ([]dispatch.PendingNotification, error) {
	iter := s.client.Collection(QueueCollection).OrderBy("created_at", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var pending []dispatch.PendingNotification
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, &dispatch.StorageError{Op: "list", Key: QueueCollection, Err: fmt.Errorf("firestore iteration failed: %w", err)}
		}

		var record QueueRecord
		if err := doc.DataTo(&record); err != nil {
			// Keep the row so the encoder reports it; an unreadable row would otherwise vanish silently.
			pending = append(pending, dispatch.PendingNotification{ID: doc.Ref.ID})
			continue
		}

		pending = append(pending, dispatch.PendingNotification{
			ID:          doc.Ref.ID,
			DeviceToken: record.DeviceToken,
			Alert:       record.Alert,
			Badge:       record.Badge,
			Custom:      record.Custom,
			CreatedAt:   record.CreatedAt,
		})
	}
	return pending, nil
}

func (s *QueueStore) Delete(ctx context.Context, id string) error {
	if _, err := s.client.Collection(QueueCollection).Doc(id).Delete(ctx); err != nil {
		return &dispatch.StorageError{Op: "delete", Key: id, Err: err}
	}
	return nil
}

// SubscriberStore implements dispatch.SubscriberStore.
type SubscriberStore struct {
	client *firestore.Client
}

func NewSubscriberStore(client *firestore.Client) *SubscriberStore {
	return &SubscriberStore{client: client}
}

func (s *SubscriberStore) RemoveSubscription(ctx context.Context, deviceToken string) error {
	if _, err := s.SubscriptionRef(deviceToken).Delete(ctx); err != nil {
		return &dispatch.StorageError{Op: "remove_subscription", Key: deviceToken, Err: err}
	}
	return nil
}

// SubscriptionRef: subscriptions/{tokenHash}
// The registration flow writes to the same document, which keeps writes idempotent.
func (s *SubscriberStore) SubscriptionRef(deviceToken string) *firestore.DocumentRef {
	return s.client.Collection(SubscriptionCollection).Doc(hashToken(deviceToken))
}

// Use hash of token as Doc ID to prevent duplicates and hot-spotting
func hashToken(t string) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}
