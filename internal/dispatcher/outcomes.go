package dispatcher

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tinywideclouds/go-push-dispatch-service/internal/events"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/gateway"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// OutcomeHandler receives asynchronous delivery outcomes from the gateway.
// It shares nothing with the Dispatcher but the recorder, and never resubmits
// or removes subscriptions: dead tokens are cleaned up through feedback.
type OutcomeHandler struct {
	recorder events.Recorder
	logger   *slog.Logger
}

func NewOutcomeHandler(recorder events.Recorder, logger *slog.Logger) *OutcomeHandler {
	return &OutcomeHandler{
		recorder: recorder,
		logger:   logger.With("component", "OutcomeHandler"),
	}
}

// Callbacks adapts the handler to the gateway's callback contract.
func (h *OutcomeHandler) Callbacks() gateway.Callbacks {
	return gateway.Callbacks{
		OnFailed:    h.OnFailed,
		OnSucceeded: h.OnSucceeded,
	}
}

func (h *OutcomeHandler) OnFailed(p dispatch.EncodedPayload, cause error) {
	ctx := context.Background()
	e := events.New(events.KindNotificationFailed)
	e.NotificationID = p.NotificationID
	e.DeviceToken = p.DeviceToken

	var rejection *dispatch.ProviderRejection
	var transport *dispatch.TransportFailure
	switch {
	case errors.As(cause, &rejection):
		h.logger.Warn("Push notification rejected by provider",
			"notification_id", rejection.NotificationID,
			"status", rejection.StatusCode,
			"reason", rejection.Reason,
			"token", rejection.DeviceToken,
			"token_invalid", rejection.TokenInvalid,
		)
		e.StatusCode = rejection.StatusCode
		e.Detail = rejection.Reason
	case errors.As(cause, &transport):
		h.logger.Error("Push notification failed in transport",
			"notification_id", p.NotificationID,
			"token", p.DeviceToken,
			"err", transport.Err,
		)
		e.Detail = "transport: " + errorString(transport.Err)
	default:
		h.logger.Error("Push notification failed for an unknown reason",
			"notification_id", p.NotificationID,
			"token", p.DeviceToken,
			"err", cause,
		)
		e.Detail = errorString(cause)
	}
	h.recorder.Record(ctx, e)
}

func (h *OutcomeHandler) OnSucceeded(p dispatch.EncodedPayload) {
	h.logger.Debug("Push notification delivered to provider", "notification_id", p.NotificationID)
	e := events.New(events.KindNotificationDelivered)
	e.NotificationID = p.NotificationID
	e.DeviceToken = p.DeviceToken
	h.recorder.Record(context.Background(), e)
}

func errorString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
