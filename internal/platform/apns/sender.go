// --- File: internal/platform/apns/sender.go ---
// Package apns provides the sender for the Apple Push Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/token"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

const (
	EnvironmentProduction  = "production"
	EnvironmentDevelopment = "development"
)

// Config holds the credentials for one of the two APNs auth modes.
// A certificate path selects certificate auth; otherwise the P8 token fields are used.
type Config struct {
	Environment string

	CertificatePath     string
	CertificatePassword string

	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
}

type Sender struct {
	client APNSClient
	topic  string // The App Bundle ID (e.g. com.example.reader)
	logger *slog.Logger
}

// NewSender creates a configured APNS sender.
// It loads credentials immediately to fail fast on startup if they are bad.
func NewSender(cfg Config, logger *slog.Logger) (*Sender, error) {
	var client *apns2.Client

	if cfg.CertificatePath != "" {
		cert, err := certificate.FromP12File(cfg.CertificatePath, cfg.CertificatePassword)
		if err != nil {
			return nil, fmt.Errorf("failed to load APNs certificate %s: %w", cfg.CertificatePath, err)
		}
		client = apns2.NewClient(cert)
	} else {
		authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
		if err != nil {
			return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
		}
		client = apns2.NewTokenClient(&token.Token{
			AuthKey: authKey,
			KeyID:   cfg.KeyID,
			TeamID:  cfg.TeamID,
		})
	}

	switch cfg.Environment {
	case EnvironmentDevelopment:
		client = client.Development()
	case EnvironmentProduction, "":
		client = client.Production()
	default:
		return nil, fmt.Errorf("unknown APNs environment %q", cfg.Environment)
	}

	return NewSenderWithClient(client, cfg.BundleID, logger), nil
}

// NewSenderWithClient wires an existing client; tests pass a mock here.
func NewSenderWithClient(client APNSClient, topic string, logger *slog.Logger) *Sender {
	return &Sender{
		client: client,
		topic:  topic,
		logger: logger.With("component", "APNSSender"),
	}
}

// Send pushes one payload. The APNs HTTP/2 API is unary, one request per token.
func (s *Sender) Send(ctx context.Context, p dispatch.EncodedPayload) error {
	notification := &apns2.Notification{
		DeviceToken: p.DeviceToken,
		Topic:       s.topic,
		Payload:     p.Body,
		PushType:    apns2.PushTypeAlert,
	}

	res, err := s.client.PushWithContext(ctx, notification)
	if err != nil {
		// Network/Transport Failure
		return &dispatch.TransportFailure{NotificationID: p.NotificationID, Err: err}
	}

	if res.Sent() {
		s.logger.Debug("APNs accepted notification", "notification_id", p.NotificationID, "apns_id", res.ApnsID)
		return nil
	}

	// See: https://developer.apple.com/documentation/usernotifications/handling-notification-responses-from-apns
	rejection := &dispatch.ProviderRejection{
		NotificationID: p.NotificationID,
		DeviceToken:    p.DeviceToken,
		StatusCode:     res.StatusCode,
		Reason:         res.Reason,
	}
	switch {
	case res.StatusCode == http.StatusGone || res.Reason == apns2.ReasonUnregistered:
		// Token is dead; APNs tells us when it was last valid.
		rejection.TokenInvalid = true
		rejection.Timestamp = res.Timestamp.Time
	case res.Reason == apns2.ReasonBadDeviceToken || res.Reason == apns2.ReasonDeviceTokenNotForTopic:
		rejection.TokenInvalid = true
	}

	if res.StatusCode >= http.StatusInternalServerError || res.StatusCode == http.StatusTooManyRequests {
		// Provider-side trouble says nothing about this particular notification.
		return &dispatch.TransportFailure{NotificationID: p.NotificationID, Err: rejection}
	}
	return rejection
}
