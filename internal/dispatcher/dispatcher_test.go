package dispatcher_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-dispatch-service/internal/dispatcher"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/events"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/gateway"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/payload"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/storage/cache"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/storage/memory"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Mocks ---

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Submit(ctx context.Context, p dispatch.EncodedPayload) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockGateway) PollFeedback(ctx context.Context) ([]dispatch.FeedbackEntry, error) {
	args := m.Called(ctx)
	entries, _ := args.Get(0).([]dispatch.FeedbackEntry)
	return entries, args.Error(1)
}

// blockingQueue holds ListPending open until release is closed.
type blockingQueue struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (q *blockingQueue) ListPending(ctx context.Context) ([]dispatch.PendingNotification, error) {
	q.once.Do(func() { close(q.entered) })
	<-q.release
	return nil, nil
}

func (q *blockingQueue) Delete(context.Context, string) error { return nil }

type panickingQueue struct{}

func (panickingQueue) ListPending(context.Context) ([]dispatch.PendingNotification, error) {
	panic("queue exploded")
}

func (panickingQueue) Delete(context.Context, string) error { return nil }

// --- Tests ---

func TestTick_ExampleScenario(t *testing.T) {
	ctx := context.Background()
	queue := memory.NewQueueStore()
	t1 := queue.Enqueue(dispatch.PendingNotification{
		DeviceToken: "T1", Alert: `Hi "there"`, Badge: 2, Custom: map[string]any{"content_id": 42},
	})
	t2 := queue.Enqueue(dispatch.PendingNotification{
		DeviceToken: "T2", Alert: "ok", Badge: 0, Custom: map[string]any{"content_id": 43},
	})
	queue.FailDelete(t1, errors.New("connection reset"))

	gw := new(MockGateway)
	gw.On("Submit", mock.Anything, mock.AnythingOfType("dispatch.EncodedPayload")).Return(nil)
	gw.On("PollFeedback", mock.Anything).Return(nil, nil)

	capture := &events.Capture{}
	d := dispatcher.New(queue, memory.NewSubscriberStore(), gw, capture, newTestLogger())

	report := d.Tick(ctx)

	assert.Equal(t, 2, report.Listed)
	assert.Equal(t, 2, report.Submitted)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 1, report.DeleteFailed)

	pending, err := queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, t1, pending[0].ID)

	failed := capture.OfKind(events.KindNotificationDeleteFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, t1, failed[0].NotificationID)
	require.Len(t, capture.OfKind(events.KindNotificationDeleted), 1)
	assert.Equal(t, t2, capture.OfKind(events.KindNotificationDeleted)[0].NotificationID)

	// The submitted body for T1 decodes back to the original alert.
	var t1Body []byte
	for _, c := range gw.Calls {
		if c.Method == "Submit" && c.Arguments.Get(1).(dispatch.EncodedPayload).NotificationID == t1 {
			t1Body = c.Arguments.Get(1).(dispatch.EncodedPayload).Body
		}
	}
	decoded, err := payload.Decode(t1Body)
	require.NoError(t, err)
	assert.Equal(t, `Hi "there"`, decoded.Alert)
	assert.Equal(t, 2, decoded.Badge)

	// Next pass resubmits T1 and, with storage healthy again, deletes it.
	queue.FailDelete(t1, nil)
	report = d.Tick(ctx)
	assert.Equal(t, 1, report.Submitted)
	assert.Equal(t, 1, report.Deleted)
	pending, err = queue.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTick_PerEntryIsolation(t *testing.T) {
	ctx := context.Background()
	queue := memory.NewQueueStore()
	bad := queue.Enqueue(dispatch.PendingNotification{DeviceToken: "", Alert: "no token"})
	busy := queue.Enqueue(dispatch.PendingNotification{DeviceToken: "T-busy", Alert: "later"})
	good := queue.Enqueue(dispatch.PendingNotification{DeviceToken: "T-good", Alert: "now"})

	gw := new(MockGateway)
	gw.On("Submit", mock.Anything, mock.MatchedBy(func(p dispatch.EncodedPayload) bool {
		return p.NotificationID == busy
	})).Return(dispatch.ErrGatewayBusy)
	gw.On("Submit", mock.Anything, mock.MatchedBy(func(p dispatch.EncodedPayload) bool {
		return p.NotificationID == good
	})).Return(nil)
	gw.On("PollFeedback", mock.Anything).Return(nil, nil)

	capture := &events.Capture{}
	d := dispatcher.New(queue, memory.NewSubscriberStore(), gw, capture, newTestLogger())
	report := d.Tick(ctx)

	assert.Equal(t, 1, report.EncodeFailed)
	assert.Equal(t, 1, report.SubmitFailed)
	assert.Equal(t, 1, report.Deleted)

	pending, err := queue.ListPending(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{bad, busy}, ids, "only the delivered entry leaves the queue")

	require.Len(t, capture.OfKind(events.KindNotificationEncodeFailed), 1)
	require.Len(t, capture.OfKind(events.KindNotificationSubmitFailed), 1)
	gw.AssertNumberOfCalls(t, "Submit", 2)
}

func TestTick_QueueReadFailureStillPollsFeedback(t *testing.T) {
	ctx := context.Background()
	queue := memory.NewQueueStore()
	queue.FailList(errors.New("db down"))
	subs := memory.NewSubscriberStore("dead")

	gw := new(MockGateway)
	gw.On("PollFeedback", mock.Anything).Return([]dispatch.FeedbackEntry{{DeviceToken: "dead"}}, nil)

	d := dispatcher.New(queue, subs, gw, &events.Capture{}, newTestLogger())
	report := d.Tick(ctx)

	assert.Equal(t, 0, report.Listed)
	assert.Equal(t, 1, report.Removed)
	assert.False(t, subs.Has("dead"))
	gw.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestTick_FeedbackRemovesEachTokenOnce(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriberStore("A", "B", "C", "keep")
	subs.FailRemove("C", errors.New("permission denied"))

	now := time.Now().UTC()
	gw := new(MockGateway)
	gw.On("PollFeedback", mock.Anything).Return([]dispatch.FeedbackEntry{
		{DeviceToken: "A", Timestamp: now},
		{DeviceToken: "B", Timestamp: now},
		{DeviceToken: "A", Timestamp: now.Add(time.Second)},
		{DeviceToken: "C", Timestamp: now},
		{DeviceToken: ""},
	}, nil)

	capture := &events.Capture{}
	d := dispatcher.New(memory.NewQueueStore(), subs, gw, capture, newTestLogger())
	report := d.Tick(ctx)

	assert.Equal(t, 3, report.Invalidated)
	assert.Equal(t, 2, report.Removed)
	assert.Equal(t, 1, report.RemoveFailed)
	assert.Equal(t, 1, subs.Removals("A"))
	assert.Equal(t, 1, subs.Removals("B"))
	assert.True(t, subs.Has("C"), "failed removal leaves the subscription")
	assert.True(t, subs.Has("keep"))
	assert.Len(t, capture.OfKind(events.KindSubscriptionRemoved), 2)
	assert.Len(t, capture.OfKind(events.KindSubscriptionRemoveFailed), 1)
}

func TestTick_FeedbackErrorKeepsPartialBatch(t *testing.T) {
	subs := memory.NewSubscriberStore("A")
	gw := new(MockGateway)
	gw.On("PollFeedback", mock.Anything).Return(
		[]dispatch.FeedbackEntry{{DeviceToken: "A"}}, errors.New("redis timeout"))

	d := dispatcher.New(memory.NewQueueStore(), subs, gw, &events.Capture{}, newTestLogger())
	report := d.Tick(context.Background())

	assert.True(t, report.FeedbackError)
	assert.Equal(t, 1, report.Removed)
	assert.False(t, subs.Has("A"))
}

func TestTick_SingleFlight(t *testing.T) {
	queue := &blockingQueue{entered: make(chan struct{}), release: make(chan struct{})}
	gw := new(MockGateway)
	gw.On("PollFeedback", mock.Anything).Return(nil, nil)

	d := dispatcher.New(queue, memory.NewSubscriberStore(), gw, &events.Capture{}, newTestLogger())

	first := make(chan dispatcher.PassReport, 1)
	go func() { first <- d.Tick(context.Background()) }()

	select {
	case <-queue.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first pass never started")
	}
	require.True(t, d.InProgress())

	// Overlapping ticks do nothing, not even a feedback poll.
	var wg sync.WaitGroup
	skipped := make(chan bool, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			skipped <- d.Tick(context.Background()).Skipped
		}()
	}
	wg.Wait()
	close(skipped)
	for s := range skipped {
		assert.True(t, s)
	}
	gw.AssertNotCalled(t, "PollFeedback", mock.Anything)

	close(queue.release)
	select {
	case r := <-first:
		assert.False(t, r.Skipped)
	case <-time.After(2 * time.Second):
		t.Fatal("first pass never finished")
	}
	assert.False(t, d.InProgress())
	gw.AssertNumberOfCalls(t, "PollFeedback", 1)
}

func TestTick_GuardReleasedAfterPanic(t *testing.T) {
	gw := new(MockGateway)
	gw.On("PollFeedback", mock.Anything).Return(nil, nil)
	capture := &events.Capture{}
	d := dispatcher.New(panickingQueue{}, memory.NewSubscriberStore(), gw, capture, newTestLogger())

	report := d.Tick(context.Background())
	assert.True(t, report.Aborted)
	assert.False(t, d.InProgress())
	require.Len(t, capture.OfKind(events.KindPassAborted), 1)

	report = d.Tick(context.Background())
	assert.False(t, report.Skipped, "the next tick must run")
}

// stubSender waits for gate, then rejects the tokens it is told are dead
// and accepts the rest.
type stubSender struct {
	gate chan struct{}
	mu   sync.Mutex
	dead map[string]bool
	sent []string
}

func (s *stubSender) Send(_ context.Context, p dispatch.EncodedPayload) error {
	<-s.gate
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, p.NotificationID)
	if s.dead[p.DeviceToken] {
		return &dispatch.ProviderRejection{
			NotificationID: p.NotificationID,
			DeviceToken:    p.DeviceToken,
			StatusCode:     410,
			Reason:         "Unregistered",
			TokenInvalid:   true,
		}
	}
	return nil
}

func TestDispatcher_WithAsyncGateway(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	queue := memory.NewQueueStore()
	subs := memory.NewSubscriberStore("live", "dead")
	queue.Enqueue(dispatch.PendingNotification{DeviceToken: "live", Alert: "hello"})
	deadID := queue.Enqueue(dispatch.PendingNotification{DeviceToken: "dead", Alert: "hello"})

	capture := &events.Capture{}
	outcomes := dispatcher.NewOutcomeHandler(capture, logger)
	sender := &stubSender{gate: make(chan struct{}), dead: map[string]bool{"dead": true}}
	gw := gateway.New(sender, cache.NewMemoryFeedbackStore(), outcomes.Callbacks(), gateway.Config{Workers: 2}, logger)
	gw.Start()

	d := dispatcher.New(queue, subs, gw, capture, logger)
	first := d.Tick(ctx)
	assert.Equal(t, 2, first.Deleted)
	assert.Equal(t, 0, first.Invalidated)

	// Deliveries only happen once the pass is over.
	close(sender.gate)

	require.Eventually(t, func() bool {
		return len(capture.OfKind(events.KindNotificationDelivered)) == 1 &&
			len(capture.OfKind(events.KindNotificationFailed)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	failed := capture.OfKind(events.KindNotificationFailed)[0]
	assert.Equal(t, deadID, failed.NotificationID)
	assert.Equal(t, 410, failed.StatusCode)
	// A rejection alone does not remove the subscription.
	assert.True(t, subs.Has("dead"))

	second := d.Tick(ctx)
	assert.Equal(t, 1, second.Removed)
	assert.False(t, subs.Has("dead"))
	assert.True(t, subs.Has("live"))

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, gw.Stop(stopCtx))
}
