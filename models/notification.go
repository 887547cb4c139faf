package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sustainafood/sustainafood_backend/config"
	"github.com/sustainafood/sustainafood_backend/utils"
	"gorm.io/gorm"
)

// Outbox publish statuses for NotificationRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// NotificationRecord is an outbox row: one event for the notification service.
// Rows are written after the business transaction commits and published by the dispatcher.
type NotificationRecord struct {
	ID               int              `gorm:"primary_key;index:idx_notification_dispatch,priority:3" json:"id"`
	RecipientActorId int              `gorm:"index;not null" json:"recipient_actor_id"`
	Kind             NotificationKind `gorm:"size:50;not null;index" json:"kind"`
	Context          []byte           `gorm:"type:blob" json:"context"`
	CorrelationId    string           `gorm:"size:64;index" json:"correlation_id"`
	OccurredAt       time.Time        `gorm:"not null" json:"occurred_at"`
	PublishStatus    string           `gorm:"size:20;index;not null;default:'PENDING';index:idx_notification_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time       `json:"published_at"`
	PubSubMessageId  *string          `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int              `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time       `gorm:"index;index:idx_notification_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time       `gorm:"index" json:"locked_at"`
	LockedBy         *string          `gorm:"size:100" json:"locked_by"`
	LastPublishError *string          `gorm:"type:text" json:"last_publish_error"`
	CreatedAt        time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// NotificationEvent is what the core emits: who to tell, what happened, and the ids involved.
type NotificationEvent struct {
	RecipientActorId int
	Kind             NotificationKind
	Context          map[string]interface{}
}

func NewNotificationRecord(event NotificationEvent, correlationId string, now time.Time) (*NotificationRecord, error) {
	body, err := json.Marshal(event.Context)
	if err != nil {
		return nil, utils.ValidationError("notification context: %v", err)
	}
	return &NotificationRecord{
		RecipientActorId: event.RecipientActorId,
		Kind:             event.Kind,
		Context:          body,
		CorrelationId:    correlationId,
		OccurredAt:       now,
		PublishStatus:    OutboxPublishStatusPending,
	}, nil
}

func ConvertToNotificationMessage(record NotificationRecord) config.NotificationMessage {
	return config.NotificationMessage{
		ID:               record.ID,
		RecipientActorId: record.RecipientActorId,
		Kind:             string(record.Kind),
		Context:          json.RawMessage(record.Context),
		CorrelationId:    record.CorrelationId,
		OccurredAt:       record.OccurredAt,
	}
}

// ListNotificationRecords returns outbox rows for a recipient, newest first. An empty status matches all.
func ListNotificationRecords(db *gorm.DB, recipientActorId int, status string) ([]NotificationRecord, error) {
	q := db.Where("recipient_actor_id = ?", recipientActorId)
	if status != "" {
		q = q.Where("publish_status = ?", status)
	}
	var results []NotificationRecord
	if err := q.Order("id DESC").Find(&results).Error; err != nil {
		return nil, utils.PersistenceError(err, "list notifications")
	}
	return results, nil
}

// RequeueDeadNotifications puts DEAD rows back in the queue with a fresh attempt budget.
func RequeueDeadNotifications(ctx context.Context) (int64, error) {
	res := config.GetDB().WithContext(ctx).
		Model(&NotificationRecord{}).
		Where("publish_status = ?", OutboxPublishStatusDead).
		Updates(map[string]interface{}{
			"publish_status":   OutboxPublishStatusPending,
			"publish_attempts": 0,
			"next_attempt_at":  nil,
			"locked_at":        nil,
			"locked_by":        nil,
		})
	if res.Error != nil {
		return 0, utils.PersistenceError(res.Error, "requeue dead notifications")
	}
	return res.RowsAffected, nil
}
