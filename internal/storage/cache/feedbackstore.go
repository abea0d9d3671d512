// --- File: internal/storage/cache/feedbackstore.go ---
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// DefaultFeedbackKey is the Redis list that holds invalidated tokens.
const DefaultFeedbackKey = "push:feedback:invalid_tokens"

// ListClient defines the subset of Redis list commands we need.
type ListClient interface {
	LPush(ctx context.Context, key string, values ...[]byte) error
	RPopCount(ctx context.Context, key string, count int) ([][]byte, error)
}

// RedisFeedbackStore keeps feedback in a Redis list (LPUSH in, RPOP out) so
// invalidated tokens survive a restart between discovery and the next poll.
type RedisFeedbackStore struct {
	client ListClient
	key    string
	logger *slog.Logger
}

func NewRedisFeedbackStore(client ListClient, key string, logger *slog.Logger) *RedisFeedbackStore {
	if key == "" {
		key = DefaultFeedbackKey
	}
	return &RedisFeedbackStore{
		client: client,
		key:    key,
		logger: logger.With("component", "RedisFeedbackStore"),
	}
}

func (s *RedisFeedbackStore) Push(ctx context.Context, entry dispatch.FeedbackEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal feedback for %s: %w", entry.DeviceToken, err)
	}
	return s.client.LPush(ctx, s.key, data)
}

func (s *RedisFeedbackStore) Pop(ctx context.Context, limit int) ([]dispatch.FeedbackEntry, int, error) {
	raw, err := s.client.RPopCount(ctx, s.key, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to pop feedback: %w", err)
	}

	entries := make([]dispatch.FeedbackEntry, 0, len(raw))
	for _, r := range raw {
		var entry dispatch.FeedbackEntry
		if err := json.Unmarshal(r, &entry); err != nil {
			// Corrupt rows are dropped; there is nothing to retry.
			s.logger.Warn("Discarding malformed feedback entry", "raw", string(r), "err", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, len(raw), nil
}

// MemoryFeedbackStore is the in-process FeedbackStore used when Redis is disabled.
type MemoryFeedbackStore struct {
	mu      sync.Mutex
	entries []dispatch.FeedbackEntry
}

func NewMemoryFeedbackStore() *MemoryFeedbackStore {
	return &MemoryFeedbackStore{}
}

func (s *MemoryFeedbackStore) Push(_ context.Context, entry dispatch.FeedbackEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryFeedbackStore) Pop(_ context.Context, limit int) ([]dispatch.FeedbackEntry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	out := make([]dispatch.FeedbackEntry, limit)
	copy(out, s.entries[:limit])
	s.entries = s.entries[limit:]
	return out, limit, nil
}
