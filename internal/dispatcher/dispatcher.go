// Package dispatcher contains the periodic dispatch pass: drain the queue into
// the gateway, then reconcile subscriptions against provider feedback.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinywideclouds/go-push-dispatch-service/internal/events"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/payload"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// PassReport summarises one Tick. The scheduler ignores it; tests and logs use it.
type PassReport struct {
	Skipped bool
	Aborted bool

	Listed       int
	Encoded      int
	Submitted    int
	Deleted      int
	EncodeFailed int
	SubmitFailed int
	DeleteFailed int

	Invalidated   int
	Removed       int
	RemoveFailed  int
	FeedbackError bool
}

type Dispatcher struct {
	queue       dispatch.QueueStore
	subscribers dispatch.SubscriberStore
	gateway     dispatch.Gateway
	recorder    events.Recorder
	logger      *slog.Logger

	encode func(dispatch.PendingNotification) (dispatch.EncodedPayload, error)

	// inProgress is set for the duration of the queue phase of a pass.
	inProgress atomic.Bool
}

func New(
	queue dispatch.QueueStore,
	subscribers dispatch.SubscriberStore,
	gateway dispatch.Gateway,
	recorder events.Recorder,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		queue:       queue,
		subscribers: subscribers,
		gateway:     gateway,
		recorder:    recorder,
		logger:      logger.With("component", "Dispatcher"),
		encode:      payload.Encode,
	}
}

// InProgress reports whether a queue phase is currently running.
func (d *Dispatcher) InProgress() bool {
	return d.inProgress.Load()
}

// Tick runs one dispatch pass. A tick that arrives while a pass is running
// does nothing at all, feedback polling included.
func (d *Dispatcher) Tick(ctx context.Context) PassReport {
	if !d.inProgress.CompareAndSwap(false, true) {
		d.logger.Info("Dispatch pass already in progress; skipping tick")
		return PassReport{Skipped: true}
	}

	var report PassReport
	d.drainQueue(ctx, &report)
	d.reconcileFeedback(ctx, &report)

	d.logger.Info("Dispatch pass complete",
		"listed", report.Listed,
		"submitted", report.Submitted,
		"deleted", report.Deleted,
		"encode_failed", report.EncodeFailed,
		"submit_failed", report.SubmitFailed,
		"delete_failed", report.DeleteFailed,
		"invalidated", report.Invalidated,
		"removed", report.Removed,
	)
	return report
}

// drainQueue owns the single-flight guard and always releases it.
func (d *Dispatcher) drainQueue(ctx context.Context, r *PassReport) {
	defer d.inProgress.Store(false)
	defer d.recoverPhase(ctx, "queue", r)

	pending, err := d.queue.ListPending(ctx)
	if err != nil {
		d.logger.Error("Failed to read push queue", "err", err)
		return
	}
	r.Listed = len(pending)

	for _, n := range pending {
		d.dispatchOne(ctx, n, r)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, n dispatch.PendingNotification, r *PassReport) {
	log := d.logger.With("notification_id", n.ID, "token", n.DeviceToken)

	encoded, err := d.encode(n)
	if err != nil {
		r.EncodeFailed++
		log.Warn("Skipping notification that cannot be encoded", "err", err)
		d.record(ctx, events.KindNotificationEncodeFailed, n.ID, n.DeviceToken, err.Error())
		return
	}
	r.Encoded++

	if err := d.gateway.Submit(ctx, encoded); err != nil {
		// Not accepted: the entry stays queued for the next pass.
		r.SubmitFailed++
		log.Error("Gateway did not accept notification", "err", err)
		d.record(ctx, events.KindNotificationSubmitFailed, n.ID, n.DeviceToken, err.Error())
		return
	}
	r.Submitted++

	if err := d.queue.Delete(ctx, n.ID); err != nil {
		// The entry will be picked up and sent again next pass.
		r.DeleteFailed++
		log.Error("Error deleting push notification", "err", err)
		d.record(ctx, events.KindNotificationDeleteFailed, n.ID, n.DeviceToken, err.Error())
		return
	}
	r.Deleted++
	d.record(ctx, events.KindNotificationDeleted, n.ID, n.DeviceToken, "")
}

func (d *Dispatcher) reconcileFeedback(ctx context.Context, r *PassReport) {
	defer d.recoverPhase(ctx, "feedback", r)

	entries, err := d.gateway.PollFeedback(ctx)
	if err != nil {
		// Whatever was drained before the error is still processed.
		r.FeedbackError = true
		d.logger.Error("Failed to poll feedback", "err", err, "partial", len(entries))
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.DeviceToken == "" {
			continue
		}
		if _, dup := seen[e.DeviceToken]; dup {
			continue
		}
		seen[e.DeviceToken] = struct{}{}
		r.Invalidated++

		if err := d.subscribers.RemoveSubscription(ctx, e.DeviceToken); err != nil {
			r.RemoveFailed++
			d.logger.Error("Error deleting token", "token", e.DeviceToken, "err", err)
			d.record(ctx, events.KindSubscriptionRemoveFailed, "", e.DeviceToken, err.Error())
			continue
		}
		r.Removed++
		d.logger.Info("Removed token", "token", e.DeviceToken, "reason", e.Reason, "invalid_since", e.Timestamp)
		d.record(ctx, events.KindSubscriptionRemoved, "", e.DeviceToken, e.Reason)
	}
}

func (d *Dispatcher) recoverPhase(ctx context.Context, phase string, r *PassReport) {
	if p := recover(); p != nil {
		r.Aborted = true
		d.logger.Error("Dispatch pass aborted", "phase", phase, "panic", p)
		d.record(ctx, events.KindPassAborted, "", "", fmt.Sprintf("%s: %v", phase, p))
	}
}

func (d *Dispatcher) record(ctx context.Context, kind events.Kind, notificationID, token, detail string) {
	e := events.New(kind)
	e.NotificationID = notificationID
	e.DeviceToken = token
	e.Detail = detail
	d.recorder.Record(ctx, e)
}
