// --- File: internal/platform/fcm/sender.go ---
// Package fcm delivers APNs-formatted payloads to iOS devices through
// Firebase Cloud Messaging, for apps whose tokens are FCM registration tokens.
package fcm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/payload"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

type Sender struct {
	client MessagingClient
	logger *slog.Logger
}

// NewSender accepts the concrete client but stores it as the interface.
// Note: *messaging.Client automatically satisfies this interface.
func NewSender(client MessagingClient, logger *slog.Logger) *Sender {
	return &Sender{
		client: client,
		logger: logger.With("component", "FCMSender"),
	}
}

func (s *Sender) Send(ctx context.Context, p dispatch.EncodedPayload) error {
	msg, err := buildMessage(p)
	if err != nil {
		return &dispatch.TransportFailure{NotificationID: p.NotificationID, Err: err}
	}

	msgID, err := s.client.Send(ctx, msg)
	if err == nil {
		s.logger.Debug("FCM accepted notification", "notification_id", p.NotificationID, "message_id", msgID)
		return nil
	}

	rejection := &dispatch.ProviderRejection{
		NotificationID: p.NotificationID,
		DeviceToken:    p.DeviceToken,
		Reason:         err.Error(),
	}
	switch {
	case messaging.IsRegistrationTokenNotRegistered(err):
		// The token is garbage.
		rejection.StatusCode = http.StatusNotFound
		rejection.TokenInvalid = true
	case messaging.IsSenderIDMismatch(err):
		rejection.StatusCode = http.StatusForbidden
		rejection.TokenInvalid = true
	case messaging.IsInvalidArgument(err):
		rejection.StatusCode = http.StatusBadRequest
	case messaging.IsThirdPartyAuthError(err):
		rejection.StatusCode = http.StatusUnauthorized
	default:
		// Real network/auth/quota failure
		return &dispatch.TransportFailure{NotificationID: p.NotificationID, Err: fmt.Errorf("fcm transport failed: %w", err)}
	}
	return rejection
}

func buildMessage(p dispatch.EncodedPayload) (*messaging.Message, error) {
	decoded, err := payload.Decode(p.Body)
	if err != nil {
		return nil, err
	}
	badge := decoded.Badge

	data := make(map[string]string, len(decoded.Custom))
	for k, v := range decoded.Custom {
		data[k] = dataValue(v)
	}

	return &messaging.Message{
		Token: p.DeviceToken,
		Data:  data,
		Notification: &messaging.Notification{
			Body: decoded.Alert,
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{Body: decoded.Alert},
					Badge: &badge,
				},
				CustomData: decoded.Custom,
			},
		},
	}, nil
}

// dataValue renders a decoded custom field as FCM data text. Numbers keep
// their literal digits.
func dataValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}
