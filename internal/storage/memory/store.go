// Package memory provides in-process queue and subscriber stores for local
// runs and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// QueueStore keeps pending notifications in insertion order.
type QueueStore struct {
	mu      sync.Mutex
	entries []dispatch.PendingNotification

	listErr    error
	deleteErrs map[string]error
}

func NewQueueStore() *QueueStore {
	return &QueueStore{deleteErrs: make(map[string]error)}
}

// Enqueue adds a notification, assigning an ID and creation time when unset.
func (q *QueueStore) Enqueue(n dispatch.PendingNotification) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	q.entries = append(q.entries, n)
	return n.ID
}

func (q *QueueStore) ListPending(_ context.Context) ([]dispatch.PendingNotification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.listErr != nil {
		return nil, &dispatch.StorageError{Op: "list", Key: "push_queue", Err: q.listErr}
	}
	out := make([]dispatch.PendingNotification, len(q.entries))
	copy(out, q.entries)
	return out, nil
}

func (q *QueueStore) Delete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err, ok := q.deleteErrs[id]; ok {
		return &dispatch.StorageError{Op: "delete", Key: id, Err: err}
	}
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// FailList makes ListPending fail with err until cleared with nil.
func (q *QueueStore) FailList(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listErr = err
}

// FailDelete makes Delete(id) fail with err until cleared with nil.
func (q *QueueStore) FailDelete(id string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err == nil {
		delete(q.deleteErrs, id)
		return
	}
	q.deleteErrs[id] = err
}

// SubscriberStore is a set of registered device tokens.
type SubscriberStore struct {
	mu         sync.Mutex
	tokens     map[string]struct{}
	removeErrs map[string]error
	removals   map[string]int
}

func NewSubscriberStore(tokens ...string) *SubscriberStore {
	s := &SubscriberStore{
		tokens:     make(map[string]struct{}),
		removeErrs: make(map[string]error),
		removals:   make(map[string]int),
	}
	for _, t := range tokens {
		s.tokens[t] = struct{}{}
	}
	return s
}

func (s *SubscriberStore) RemoveSubscription(_ context.Context, deviceToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.removeErrs[deviceToken]; ok {
		return &dispatch.StorageError{Op: "remove_subscription", Key: deviceToken, Err: err}
	}
	s.removals[deviceToken]++
	delete(s.tokens, deviceToken)
	return nil
}

func (s *SubscriberStore) Has(deviceToken string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokens[deviceToken]
	return ok
}

// Removals reports how many successful RemoveSubscription calls a token received.
func (s *SubscriberStore) Removals(deviceToken string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removals[deviceToken]
}

// FailRemove makes RemoveSubscription(token) fail with err until cleared with nil.
func (s *SubscriberStore) FailRemove(deviceToken string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.removeErrs, deviceToken)
		return
	}
	s.removeErrs[deviceToken] = err
}
