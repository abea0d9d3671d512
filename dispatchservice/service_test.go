package dispatchservice_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-dispatch-service/dispatchservice"
	"github.com/tinywideclouds/go-push-dispatch-service/dispatchservice/config"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/dispatcher"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/events"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/gateway"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/storage/cache"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/storage/memory"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

type countingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *countingSender) Send(_ context.Context, p dispatch.EncodedPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, p.DeviceToken)
	return nil
}

func (s *countingSender) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// stuckQueue blocks ListPending until its context is cancelled.
type stuckQueue struct {
	entered  chan struct{}
	once     sync.Once
	returned atomic.Bool
}

func (q *stuckQueue) ListPending(ctx context.Context) ([]dispatch.PendingNotification, error) {
	q.once.Do(func() { close(q.entered) })
	<-ctx.Done()
	q.returned.Store(true)
	return nil, ctx.Err()
}

func (q *stuckQueue) Delete(context.Context, string) error { return nil }

type harness struct {
	svc    *dispatchservice.Wrapper
	gw     *gateway.AsyncGateway
	sender *countingSender
}

func newHarness(t *testing.T, cfg *config.Config, queue dispatch.QueueStore) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	capture := &events.Capture{}
	sender := &countingSender{}
	outcomes := dispatcher.NewOutcomeHandler(capture, logger)
	gw := gateway.New(sender, cache.NewMemoryFeedbackStore(), outcomes.Callbacks(), gateway.Config{Workers: 1}, logger)
	d := dispatcher.New(queue, memory.NewSubscriberStore(), gw, capture, logger)

	svc, err := dispatchservice.New(cfg, d, gw, logger)
	require.NoError(t, err)
	return &harness{svc: svc, gw: gw, sender: sender}
}

func TestNew_RejectsNonPositiveInterval(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := dispatchservice.New(&config.Config{ListenAddr: ":0"}, nil, nil, logger)
	assert.Error(t, err)
}

func TestWrapper_RunOnStartDrainsQueue(t *testing.T) {
	queue := memory.NewQueueStore()
	queue.Enqueue(dispatch.PendingNotification{DeviceToken: "T1", Alert: "one"})
	queue.Enqueue(dispatch.PendingNotification{DeviceToken: "T2", Alert: "two"})

	h := newHarness(t, &config.Config{
		ListenAddr: ":0",
		Dispatch:   config.DispatchConfig{Interval: time.Hour, RunOnStart: true},
	}, queue)

	go func() { _ = h.svc.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		pending, _ := queue.ListPending(context.Background())
		return len(pending) == 0 && h.sender.Count() == 2
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.svc.Shutdown(ctx)

	err := h.gw.Submit(context.Background(), dispatch.EncodedPayload{NotificationID: "late"})
	assert.ErrorIs(t, err, dispatch.ErrGatewayStopped)
}

func TestWrapper_ScheduledPass(t *testing.T) {
	queue := memory.NewQueueStore()
	h := newHarness(t, &config.Config{
		ListenAddr: ":0",
		Dispatch:   config.DispatchConfig{Interval: time.Second},
	}, queue)

	go func() { _ = h.svc.Start(context.Background()) }()
	t.Cleanup(func() { _ = h.svc.Shutdown(context.Background()) })

	queue.Enqueue(dispatch.PendingNotification{DeviceToken: "T1", Alert: "scheduled"})

	require.Eventually(t, func() bool {
		return h.sender.Count() == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWrapper_ShutdownDeadlineCancelsRunningPass(t *testing.T) {
	queue := &stuckQueue{entered: make(chan struct{})}
	h := newHarness(t, &config.Config{
		ListenAddr: ":0",
		Dispatch:   config.DispatchConfig{Interval: time.Hour, RunOnStart: true},
	}, queue)

	go func() { _ = h.svc.Start(context.Background()) }()

	select {
	case <-queue.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("pass never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := h.svc.Shutdown(ctx)

	assert.Error(t, err)
	assert.Eventually(t, queue.returned.Load, time.Second, 10*time.Millisecond)
}
