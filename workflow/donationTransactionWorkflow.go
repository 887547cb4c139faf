package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sustainafood/sustainafood_backend/config"
	"github.com/sustainafood/sustainafood_backend/models"
	"github.com/sustainafood/sustainafood_backend/utils"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// TransactionManager allocates donations to requests. Every ledger change for a donation runs
// under that donation's lock and inside one DB transaction.
type TransactionManager struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Locker   Locker
	Notifier Notifier
	Now      func() time.Time
}

func NewTransactionManager(db *gorm.DB) *TransactionManager {
	return &TransactionManager{
		DB:       db,
		Logger:   config.GetLogger(),
		Locker:   DefaultLocker(),
		Notifier: NewOutboxNotifier(db),
		Now:      time.Now,
	}
}

func (m *TransactionManager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *TransactionManager) logFailure(funcName string, data any, err error) {
	if m.Logger == nil || utils.KindOf(err) != utils.ErrorKindPersistence {
		return
	}
	config.LogError(m.Logger, "DonationTransaction", funcName, "", data, err)
}

// Allocate previews what CreateAndCommit would allocate without changing anything.
func (m *TransactionManager) Allocate(ctx context.Context, donationId, requestId int) (models.LineItems, bool, error) {
	db := m.DB.WithContext(ctx)
	donation, err := models.GetDonation(db, donationId)
	if err != nil {
		return models.LineItems{}, false, err
	}
	request, err := models.GetRequestNeed(db, requestId)
	if err != nil {
		return models.LineItems{}, false, err
	}
	return models.Allocate(donation, request, m.now())
}

// resolveItems returns the explicit items when given, otherwise the greedy allocation.
func resolveItems(donation *models.Donation, request *models.RequestNeed, explicit *models.LineItemsInput, now time.Time) (models.LineItems, error) {
	if explicit == nil {
		items, _, err := models.Allocate(donation, request, now)
		return items, err
	}
	if err := models.CheckAllocatable(donation, request, now); err != nil {
		return models.LineItems{}, err
	}
	if err := utils.ValidateStruct(explicit); err != nil {
		return models.LineItems{}, err
	}
	items, err := explicit.ToLineItems(donation.Category)
	if err != nil {
		return models.LineItems{}, err
	}
	if items.IsEmpty() {
		return models.LineItems{}, utils.ValidationError("no line items with a positive quantity")
	}
	return items, nil
}

// commitItems applies items to the ledger inside tx. When pending is non-nil it is approved in
// place, otherwise a new approved transaction is created.
func (m *TransactionManager) commitItems(tx *gorm.DB, donation *models.Donation, request *models.RequestNeed, items models.LineItems, pending *models.DonationTransaction) (*models.DonationTransaction, error) {
	if err := models.DecrementStock(tx, donation, items); err != nil {
		return nil, err
	}
	models.ApplyDonationStatus(donation)
	if err := models.SaveDonationState(tx, donation); err != nil {
		return nil, err
	}

	now := m.now()
	t := pending
	if t == nil {
		t = models.NewDonationTransaction(donation, request, items, models.TransactionStatusApproved)
		t.ResponseDate = &now
		if err := models.SaveDonationTransaction(tx, t); err != nil {
			return nil, err
		}
	} else {
		res := tx.Model(&models.DonationTransaction{}).
			Where("id = ? AND status = ?", t.ID, models.TransactionStatusPending).
			Updates(map[string]interface{}{
				"status":        models.TransactionStatusApproved,
				"response_date": &now,
			})
		if res.Error != nil {
			return nil, utils.PersistenceError(res.Error, "approve donation transaction")
		}
		if res.RowsAffected != 1 {
			return nil, utils.InvalidStateError("transaction %d is no longer pending", t.ID)
		}
		t.Status = models.TransactionStatusApproved
		t.ResponseDate = &now
	}

	if err := models.SyncRequestAllocations(tx, request); err != nil {
		return nil, err
	}
	return t, nil
}

// CreateAndCommit allocates from the donation to the request and records an approved transaction.
// explicit, when non-nil, replaces the greedy allocation and is checked against current stock.
func (m *TransactionManager) CreateAndCommit(ctx context.Context, donationId, requestId int, explicit *models.LineItemsInput) (result *models.DonationTransaction, err error) {
	ctx, span := startSpan(ctx, "workflow.CreateAndCommit",
		attribute.Int("donation_id", donationId), attribute.Int("request_need_id", requestId))
	defer func() { endSpan(span, err) }()

	unlock, err := m.Locker.Lock(ctx, DonationLockKey(donationId))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var donation *models.Donation
	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		donation, err = models.GetDonationForUpdate(tx, donationId)
		if err != nil {
			return err
		}
		request, err := models.GetRequestNeedForUpdate(tx, requestId)
		if err != nil {
			return err
		}
		if err := models.SyncRequestAllocations(tx, request); err != nil {
			return err
		}
		items, err := resolveItems(donation, request, explicit, m.now())
		if err != nil {
			return err
		}
		result, err = m.commitItems(tx, donation, request, items, nil)
		return err
	})
	if err != nil {
		m.logFailure("CreateAndCommit", map[string]int{"donation_id": donationId, "request_need_id": requestId}, err)
		return nil, utils.PersistenceError(err, "create and commit")
	}

	notifyBestEffort(ctx, m.Logger, m.Notifier,
		logrus.Fields{"donation_id": donationId, "transaction_id": result.ID},
		transactionEvent(result, result.DonorId, models.NotificationKindTransactionCommitted, donation.Status),
		transactionEvent(result, result.RecipientId, models.NotificationKindTransactionCommitted, donation.Status),
	)
	return result, nil
}

// CreatePending records a proposal without touching stock. The items are checked against the
// donation's availability now and again when the proposal is accepted.
func (m *TransactionManager) CreatePending(ctx context.Context, donationId, requestId int, explicit *models.LineItemsInput) (result *models.DonationTransaction, err error) {
	ctx, span := startSpan(ctx, "workflow.CreatePending",
		attribute.Int("donation_id", donationId), attribute.Int("request_need_id", requestId))
	defer func() { endSpan(span, err) }()

	unlock, err := m.Locker.Lock(ctx, DonationLockKey(donationId))
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		donation, err := models.GetDonationForUpdate(tx, donationId)
		if err != nil {
			return err
		}
		request, err := models.GetRequestNeed(tx, requestId)
		if err != nil {
			return err
		}
		items, err := resolveItems(donation, request, explicit, m.now())
		if err != nil {
			return err
		}
		if err := donation.CheckAvailability(items); err != nil {
			return err
		}
		result = models.NewDonationTransaction(donation, request, items, models.TransactionStatusPending)
		return models.SaveDonationTransaction(tx, result)
	})
	if err != nil {
		m.logFailure("CreatePending", map[string]int{"donation_id": donationId, "request_need_id": requestId}, err)
		return nil, utils.PersistenceError(err, "create pending transaction")
	}

	notifyBestEffort(ctx, m.Logger, m.Notifier,
		logrus.Fields{"donation_id": donationId, "transaction_id": result.ID},
		transactionEvent(result, result.DonorId, models.NotificationKindTransactionProposed, ""),
	)
	return result, nil
}

// donationIdOf reads the donation a transaction belongs to, so the right lock can be taken first.
func (m *TransactionManager) donationIdOf(ctx context.Context, transactionId int) (int, error) {
	t, err := utils.FetchModel[models.DonationTransaction](m.DB.WithContext(ctx), "donation transaction", transactionId)
	if err != nil {
		return 0, err
	}
	return t.DonationId, nil
}

// Accept approves a pending transaction, applying its frozen line items to the ledger.
func (m *TransactionManager) Accept(ctx context.Context, transactionId int) (result *models.DonationTransaction, err error) {
	ctx, span := startSpan(ctx, "workflow.Accept", attribute.Int("transaction_id", transactionId))
	defer func() { endSpan(span, err) }()

	donationId, err := m.donationIdOf(ctx, transactionId)
	if err != nil {
		return nil, err
	}
	unlock, err := m.Locker.Lock(ctx, DonationLockKey(donationId))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var donation *models.Donation
	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pending, err := models.GetDonationTransactionForUpdate(tx, transactionId)
		if err != nil {
			return err
		}
		if pending.Status != models.TransactionStatusPending {
			return utils.InvalidStateError("transaction %d is %s", pending.ID, pending.Status)
		}
		donation, err = models.GetDonationForUpdate(tx, pending.DonationId)
		if err != nil {
			return err
		}
		request, err := models.GetRequestNeedForUpdate(tx, pending.RequestNeedId)
		if err != nil {
			return err
		}
		if err := models.CheckAllocatable(donation, request, m.now()); err != nil {
			return err
		}
		items, err := pending.LineItems()
		if err != nil {
			return err
		}
		result, err = m.commitItems(tx, donation, request, items, pending)
		return err
	})
	if err != nil {
		m.logFailure("Accept", map[string]int{"transaction_id": transactionId}, err)
		return nil, utils.PersistenceError(err, "accept transaction")
	}

	notifyBestEffort(ctx, m.Logger, m.Notifier,
		logrus.Fields{"donation_id": donationId, "transaction_id": result.ID},
		transactionEvent(result, result.RecipientId, models.NotificationKindTransactionAccepted, donation.Status),
	)
	return result, nil
}

func rejectionReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return models.DefaultRejectionReason
	}
	return reason
}

// Reject rejects a pending transaction and closes its donation as rejected.
// Stock is untouched: a pending transaction never consumed any. A donation already
// fulfilled by other commits keeps its status.
func (m *TransactionManager) Reject(ctx context.Context, transactionId int, reason string) (result *models.DonationTransaction, err error) {
	ctx, span := startSpan(ctx, "workflow.Reject", attribute.Int("transaction_id", transactionId))
	defer func() { endSpan(span, err) }()

	donationId, err := m.donationIdOf(ctx, transactionId)
	if err != nil {
		return nil, err
	}
	unlock, err := m.Locker.Lock(ctx, DonationLockKey(donationId))
	if err != nil {
		return nil, err
	}
	defer unlock()

	reason = rejectionReason(reason)
	now := m.now()
	var donation struct{ Status models.DonationStatus }
	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.DonationTransaction{}).
			Where("id = ? AND status = ?", transactionId, models.TransactionStatusPending).
			Updates(map[string]interface{}{
				"status":           models.TransactionStatusRejected,
				"rejection_reason": reason,
				"response_date":    &now,
			})
		if res.Error != nil {
			return utils.PersistenceError(res.Error, "reject donation transaction")
		}
		if res.RowsAffected != 1 {
			current, err := utils.FetchModel[models.DonationTransaction](tx, "donation transaction", transactionId)
			if err != nil {
				return err
			}
			return utils.InvalidStateError("transaction %d is %s", current.ID, current.Status)
		}
		err := tx.Model(&models.Donation{}).
			Where("id = ? AND status <> ?", donationId, models.DonationStatusFulfilled).
			Updates(map[string]interface{}{
				"status":           models.DonationStatusRejected,
				"rejection_reason": reason,
			}).Error
		if err != nil {
			return utils.PersistenceError(err, "cascade donation rejection")
		}
		if err := tx.Model(&models.Donation{}).Where("id = ?", donationId).
			Select("status").Scan(&donation).Error; err != nil {
			return utils.PersistenceError(err, "read donation status")
		}
		result, err = models.GetDonationTransaction(tx, transactionId)
		return err
	})
	if err != nil {
		m.logFailure("Reject", map[string]int{"transaction_id": transactionId}, err)
		return nil, utils.PersistenceError(err, "reject transaction")
	}

	notifyBestEffort(ctx, m.Logger, m.Notifier,
		logrus.Fields{"donation_id": donationId, "transaction_id": result.ID},
		transactionEvent(result, result.RecipientId, models.NotificationKindTransactionRejected, donation.Status),
	)
	return result, nil
}

// RejectDonation closes a pending donation before anything was allocated from it.
func (m *TransactionManager) RejectDonation(ctx context.Context, donationId int, reason string) (result *models.Donation, err error) {
	ctx, span := startSpan(ctx, "workflow.RejectDonation", attribute.Int("donation_id", donationId))
	defer func() { endSpan(span, err) }()

	unlock, err := m.Locker.Lock(ctx, DonationLockKey(donationId))
	if err != nil {
		return nil, err
	}
	defer unlock()

	reason = rejectionReason(reason)
	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		donation, err := models.GetDonationForUpdate(tx, donationId)
		if err != nil {
			return err
		}
		if donation.Status != models.DonationStatusPending {
			return utils.InvalidStateError("donation %d is %s", donation.ID, donation.Status)
		}
		donation.Status = models.DonationStatusRejected
		donation.RejectionReason = reason
		if err := tx.Model(&models.Donation{}).Where("id = ?", donation.ID).Updates(map[string]interface{}{
			"status":           donation.Status,
			"rejection_reason": reason,
		}).Error; err != nil {
			return utils.PersistenceError(err, "reject donation")
		}
		result = donation
		return nil
	})
	if err != nil {
		m.logFailure("RejectDonation", map[string]int{"donation_id": donationId}, err)
		return nil, utils.PersistenceError(err, "reject donation")
	}

	notifyBestEffort(ctx, m.Logger, m.Notifier,
		logrus.Fields{"donation_id": donationId},
		models.NotificationEvent{
			RecipientActorId: result.DonorId,
			Kind:             models.NotificationKindDonationRejected,
			Context: map[string]interface{}{
				"donation_id":      result.ID,
				"title":            result.Title,
				"rejection_reason": result.RejectionReason,
			},
		},
	)
	return result, nil
}

// RecomputeDonationStatus re-derives and stores a donation's status from its current lines.
func (m *TransactionManager) RecomputeDonationStatus(ctx context.Context, donationId int) (status models.DonationStatus, err error) {
	unlock, err := m.Locker.Lock(ctx, DonationLockKey(donationId))
	if err != nil {
		return "", err
	}
	defer unlock()

	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		donation, err := models.GetDonationForUpdate(tx, donationId)
		if err != nil {
			return err
		}
		if donation.Category == models.CategoryPreparedMeals {
			donation.RemainingMeals = donation.RemainingTotal()
		}
		status = models.ApplyDonationStatus(donation)
		return models.SaveDonationState(tx, donation)
	})
	if err != nil {
		return "", utils.PersistenceError(err, "recompute donation status")
	}
	return status, nil
}

// RecomputeRequestStatus re-derives a request's allocated counters and status from approved transactions.
func (m *TransactionManager) RecomputeRequestStatus(ctx context.Context, requestId int) (status models.RequestStatus, err error) {
	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		status, err = models.RecomputeRequestStatus(tx, requestId)
		return err
	})
	if err != nil {
		return "", utils.PersistenceError(err, "recompute request status")
	}
	return status, nil
}

func (m *TransactionManager) GetTransaction(ctx context.Context, transactionId int) (*models.DonationTransaction, error) {
	return models.GetDonationTransaction(m.DB.WithContext(ctx), transactionId)
}

func (m *TransactionManager) ListTransactions(ctx context.Context, filter models.TransactionFilter, after *string) (*models.TransactionConnection, error) {
	return models.PageDonationTransactions(m.DB.WithContext(ctx), filter, after)
}

func transactionEvent(t *models.DonationTransaction, recipient int, kind models.NotificationKind, donationStatus models.DonationStatus) models.NotificationEvent {
	ctx := map[string]interface{}{
		"transaction_id":  t.ID,
		"donation_id":     t.DonationId,
		"request_need_id": t.RequestNeedId,
		"status":          t.Status,
	}
	if donationStatus != "" {
		ctx["donation_status"] = donationStatus
	}
	if t.Status == models.TransactionStatusRejected {
		ctx["rejection_reason"] = t.DisplayRejectionReason()
	}
	return models.NotificationEvent{RecipientActorId: recipient, Kind: kind, Context: ctx}
}
