// --- File: internal/gateway/async.go ---
// Package gateway turns a synchronous, per-notification provider sender into
// the asynchronous submit/callback/feedback gateway the dispatch loop uses.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// Sender delivers one encoded payload to a provider and waits for its answer.
// Per-notification rejections are returned as *dispatch.ProviderRejection;
// any other error is treated as a transport failure.
type Sender interface {
	Send(ctx context.Context, p dispatch.EncodedPayload) error
}

// Callbacks receive terminal outcomes. They run on gateway worker goroutines,
// concurrently with the dispatch loop and with each other.
type Callbacks struct {
	OnFailed    func(p dispatch.EncodedPayload, err error)
	OnSucceeded func(p dispatch.EncodedPayload)
}

type Config struct {
	Workers       int
	BufferSize    int
	SendTimeout   time.Duration
	FeedbackBatch int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.FeedbackBatch <= 0 {
		c.FeedbackBatch = 100
	}
	return c
}

// AsyncGateway queues submissions in a bounded buffer drained by a fixed set
// of workers. Tokens the provider reports as dead are written to the
// FeedbackStore and handed back by PollFeedback.
type AsyncGateway struct {
	sender    Sender
	feedback  dispatch.FeedbackStore
	callbacks Callbacks
	cfg       Config
	logger    *slog.Logger

	jobs chan dispatch.EncodedPayload
	wg   sync.WaitGroup

	// mu guards stopped and the close of jobs against concurrent Submit calls.
	mu      sync.RWMutex
	started bool
	stopped bool

	sendCtx    context.Context
	cancelSend context.CancelFunc
}

func New(
	sender Sender,
	feedback dispatch.FeedbackStore,
	callbacks Callbacks,
	cfg Config,
	logger *slog.Logger,
) *AsyncGateway {
	cfg = cfg.withDefaults()
	sendCtx, cancel := context.WithCancel(context.Background())
	return &AsyncGateway{
		sender:     sender,
		feedback:   feedback,
		callbacks:  callbacks,
		cfg:        cfg,
		logger:     logger.With("component", "AsyncGateway"),
		jobs:       make(chan dispatch.EncodedPayload, cfg.BufferSize),
		sendCtx:    sendCtx,
		cancelSend: cancel,
	}
}

// Start launches the delivery workers. Calling it twice is a no-op.
func (g *AsyncGateway) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started || g.stopped {
		return
	}
	g.started = true
	for i := 0; i < g.cfg.Workers; i++ {
		g.wg.Add(1)
		go g.worker()
	}
	g.logger.Info("Gateway started", "workers", g.cfg.Workers, "buffer", g.cfg.BufferSize)
}

// Submit never blocks on the provider. It fails fast when the gateway is
// stopped or the buffer is full, leaving the caller's queue entry in place.
func (g *AsyncGateway) Submit(_ context.Context, p dispatch.EncodedPayload) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.stopped {
		return dispatch.ErrGatewayStopped
	}
	select {
	case g.jobs <- p:
		return nil
	default:
		return dispatch.ErrGatewayBusy
	}
}

// PollFeedback drains every pending feedback entry.
func (g *AsyncGateway) PollFeedback(ctx context.Context) ([]dispatch.FeedbackEntry, error) {
	var all []dispatch.FeedbackEntry
	for {
		batch, popped, err := g.feedback.Pop(ctx, g.cfg.FeedbackBatch)
		if err != nil {
			return all, err
		}
		all = append(all, batch...)
		// Unreadable rows shrink batch but still count towards a full page.
		if popped < g.cfg.FeedbackBatch {
			return all, nil
		}
	}
}

// Stop refuses new submissions and waits for queued deliveries to finish.
// If ctx expires first, in-flight sends are cancelled and ctx.Err() returned.
func (g *AsyncGateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	close(g.jobs)
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancelSend()
		g.logger.Info("Gateway drained and stopped")
		return nil
	case <-ctx.Done():
		g.cancelSend()
		g.logger.Warn("Gateway stop deadline reached; abandoning in-flight deliveries", "pending", len(g.jobs))
		return ctx.Err()
	}
}

func (g *AsyncGateway) worker() {
	defer g.wg.Done()
	for p := range g.jobs {
		g.deliver(p)
	}
}

func (g *AsyncGateway) deliver(p dispatch.EncodedPayload) {
	ctx, cancel := context.WithTimeout(g.sendCtx, g.cfg.SendTimeout)
	defer cancel()

	err := g.sender.Send(ctx, p)
	if err == nil {
		g.notifySucceeded(p)
		return
	}

	// Transport is checked first: a sender may wrap a provider answer that
	// says nothing about the notification itself (5xx, throttling).
	var transport *dispatch.TransportFailure
	if errors.As(err, &transport) {
		g.notifyFailed(p, transport)
		return
	}

	var rejection *dispatch.ProviderRejection
	if errors.As(err, &rejection) {
		if rejection.TokenInvalid {
			g.reportInvalidToken(ctx, rejection)
		}
		g.notifyFailed(p, rejection)
		return
	}

	g.notifyFailed(p, &dispatch.TransportFailure{NotificationID: p.NotificationID, Err: err})
}

func (g *AsyncGateway) reportInvalidToken(ctx context.Context, r *dispatch.ProviderRejection) {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	entry := dispatch.FeedbackEntry{DeviceToken: r.DeviceToken, Timestamp: ts, Reason: r.Reason}
	// The send context may be close to its deadline; feedback must not be lost to it.
	if err := g.feedback.Push(context.WithoutCancel(ctx), entry); err != nil {
		g.logger.Error("Failed to record invalid token feedback", "token", r.DeviceToken, "reason", r.Reason, "err", err)
	}
}

func (g *AsyncGateway) notifyFailed(p dispatch.EncodedPayload, err error) {
	if g.callbacks.OnFailed == nil {
		return
	}
	defer g.recoverCallback("OnFailed", p)
	g.callbacks.OnFailed(p, err)
}

func (g *AsyncGateway) notifySucceeded(p dispatch.EncodedPayload) {
	if g.callbacks.OnSucceeded == nil {
		return
	}
	defer g.recoverCallback("OnSucceeded", p)
	g.callbacks.OnSucceeded(p)
}

func (g *AsyncGateway) recoverCallback(name string, p dispatch.EncodedPayload) {
	if r := recover(); r != nil {
		g.logger.Error("Gateway callback panicked", "callback", name, "notification_id", p.NotificationID, "panic", r)
	}
}
