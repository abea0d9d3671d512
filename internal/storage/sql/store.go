// Package sql implements the queue and subscriber stores on Postgres through GORM,
// for deployments that keep the push queue in a relational database.
package sql

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

type pushRow struct {
	ID           int64          `gorm:"primaryKey;autoIncrement"`
	DeviceToken  string         `gorm:"not null;size:255"`
	AlertMessage string         `gorm:"type:text"`
	Badge        int            `gorm:"not null;default:0"`
	Custom       map[string]any `gorm:"serializer:json;type:jsonb"`
	CreatedAt    time.Time      `gorm:"index"`
}

func (pushRow) TableName() string { return "push_queue" }

type subscriptionRow struct {
	DeviceToken string `gorm:"primaryKey;size:255"`
	CreatedAt   time.Time
}

func (subscriptionRow) TableName() string { return "subscriptions" }

// Open connects to Postgres and, when migrate is set, creates the tables.
func Open(dsn string, migrate bool) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if migrate {
		if err := db.AutoMigrate(&pushRow{}, &subscriptionRow{}); err != nil {
			return nil, fmt.Errorf("failed to migrate push tables: %w", err)
		}
	}
	return db, nil
}

// QueueStore implements dispatch.QueueStore.
type QueueStore struct {
	db *gorm.DB
}

func NewQueueStore(db *gorm.DB) *QueueStore {
	return &QueueStore{db: db}
}

func (s *QueueStore) ListPending(ctx context.Context) ([]dispatch.PendingNotification, error) {
	var rows []pushRow
	if err := s.db.WithContext(ctx).Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, &dispatch.StorageError{Op: "list", Key: "push_queue", Err: err}
	}

	pending := make([]dispatch.PendingNotification, 0, len(rows))
	for _, r := range rows {
		pending = append(pending, dispatch.PendingNotification{
			ID:          strconv.FormatInt(r.ID, 10),
			DeviceToken: r.DeviceToken,
			Alert:       r.AlertMessage,
			Badge:       r.Badge,
			Custom:      r.Custom,
			CreatedAt:   r.CreatedAt,
		})
	}
	return pending, nil
}

func (s *QueueStore) Delete(ctx context.Context, id string) error {
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return &dispatch.StorageError{Op: "delete", Key: id, Err: fmt.Errorf("invalid queue id: %w", err)}
	}
	if err := s.db.WithContext(ctx).Delete(&pushRow{}, rowID).Error; err != nil {
		return &dispatch.StorageError{Op: "delete", Key: id, Err: err}
	}
	return nil
}

// Enqueue inserts a notification and returns its ID. Producers normally write
// the table themselves; this exists for tooling and tests.
func (s *QueueStore) Enqueue(ctx context.Context, n dispatch.PendingNotification) (string, error) {
	row := pushRow{
		DeviceToken:  n.DeviceToken,
		AlertMessage: n.Alert,
		Badge:        n.Badge,
		Custom:       n.Custom,
		CreatedAt:    n.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", &dispatch.StorageError{Op: "enqueue", Key: n.DeviceToken, Err: err}
	}
	return strconv.FormatInt(row.ID, 10), nil
}

// SubscriberStore implements dispatch.SubscriberStore.
type SubscriberStore struct {
	db *gorm.DB
}

func NewSubscriberStore(db *gorm.DB) *SubscriberStore {
	return &SubscriberStore{db: db}
}

func (s *SubscriberStore) RemoveSubscription(ctx context.Context, deviceToken string) error {
	err := s.db.WithContext(ctx).Where("device_token = ?", deviceToken).Delete(&subscriptionRow{}).Error
	if err != nil {
		return &dispatch.StorageError{Op: "remove_subscription", Key: deviceToken, Err: err}
	}
	return nil
}
