package workflow

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sustainafood/sustainafood_backend/models"
	"github.com/sustainafood/sustainafood_backend/utils"
	"gorm.io/gorm"
)

// Notifier hands events to the notification service. It is called after commit.
type Notifier interface {
	Notify(ctx context.Context, events []models.NotificationEvent) error
}

type NotifierFunc func(ctx context.Context, events []models.NotificationEvent) error

func (f NotifierFunc) Notify(ctx context.Context, events []models.NotificationEvent) error {
	return f(ctx, events)
}

// OutboxNotifier writes events as notification_records for the OutboxDispatcher to publish.
type OutboxNotifier struct {
	DB  *gorm.DB
	Now func() time.Time
}

func NewOutboxNotifier(db *gorm.DB) *OutboxNotifier {
	return &OutboxNotifier{DB: db, Now: time.Now}
}

func (n *OutboxNotifier) Notify(ctx context.Context, events []models.NotificationEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := n.Now().UTC()
	correlationId := utils.CorrelationIdFromContextOrNew(ctx)
	records := make([]*models.NotificationRecord, 0, len(events))
	for _, event := range events {
		record, err := models.NewNotificationRecord(event, correlationId, now)
		if err != nil {
			return err
		}
		records = append(records, record)
	}
	if err := n.DB.WithContext(ctx).Create(&records).Error; err != nil {
		return utils.PersistenceError(err, "enqueue notifications")
	}
	return nil
}

// notifyBestEffort never fails the caller; a notifier error is only logged.
func notifyBestEffort(ctx context.Context, logger *logrus.Logger, notifier Notifier, fields logrus.Fields, events ...models.NotificationEvent) {
	if notifier == nil || len(events) == 0 {
		return
	}
	if err := notifier.Notify(ctx, events); err != nil && logger != nil {
		fields["field"] = "Notifier"
		fields["events"] = len(events)
		logger.WithFields(fields).Warn("failed to enqueue notifications: " + err.Error())
	}
}
