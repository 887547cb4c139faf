package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sustainafood/sustainafood_backend/config"
	"github.com/sustainafood/sustainafood_backend/models"
	"github.com/sustainafood/sustainafood_backend/utils"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// DispatchManager assigns transporters to deliveries and drives the delivery lifecycle.
// A transporter's actor id is its transporter id.
type DispatchManager struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Notifier     Notifier
	Now          func() time.Time
	AutoReassign bool
}

func NewDispatchManager(db *gorm.DB) *DispatchManager {
	return &DispatchManager{
		DB:           db,
		Logger:       config.GetLogger(),
		Notifier:     NewOutboxNotifier(db),
		Now:          time.Now,
		AutoReassign: config.AutoReassignOnRefusal(),
	}
}

func (m *DispatchManager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *DispatchManager) warn(fields logrus.Fields, msg string) {
	if m.Logger == nil {
		return
	}
	fields["field"] = "DispatchManager"
	m.Logger.WithFields(fields).Warn(msg)
}

type NewDelivery struct {
	DonationTransactionId int    `json:"donation_transaction_id" validate:"required,gt=0"`
	PickupAddress         string `json:"pickup_address"`
	DeliveryAddress       string `json:"delivery_address"`
	AutoAssign            bool   `json:"auto_assign"`
}

// CreateDelivery opens a delivery for an approved transaction. With AutoAssign the nearest
// available transporter is assigned right away; finding none leaves the delivery pending.
func (m *DispatchManager) CreateDelivery(ctx context.Context, input *NewDelivery) (result *models.Delivery, err error) {
	ctx, span := startSpan(ctx, "workflow.CreateDelivery", attribute.Int("transaction_id", input.DonationTransactionId))
	defer func() { endSpan(span, err) }()

	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}

	var transaction *models.DonationTransaction
	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		transaction, err = models.GetDonationTransaction(tx, input.DonationTransactionId)
		if err != nil {
			return err
		}
		if transaction.Status != models.TransactionStatusApproved {
			return utils.InvalidStateError("transaction %d is %s", transaction.ID, transaction.Status)
		}
		var existing int64
		if err := tx.Model(&models.Delivery{}).Where("donation_transaction_id = ?", transaction.ID).Count(&existing).Error; err != nil {
			return utils.PersistenceError(err, "check existing delivery")
		}
		if existing > 0 {
			return utils.InvalidStateError("transaction %d already has a delivery", transaction.ID)
		}
		donation, err := models.GetDonation(tx, transaction.DonationId)
		if err != nil {
			return err
		}
		request, err := models.GetRequestNeed(tx, transaction.RequestNeedId)
		if err != nil {
			return err
		}

		delivery := &models.Delivery{
			DonationTransactionId: transaction.ID,
			PickupAddress:         input.PickupAddress,
			DeliveryAddress:       input.DeliveryAddress,
			PickupLatitude:        donation.Latitude,
			PickupLongitude:       donation.Longitude,
			Status:                models.DeliveryStatusPending,
		}
		if delivery.PickupAddress == "" {
			delivery.PickupAddress = donation.Location
		}
		if delivery.DeliveryAddress == "" {
			delivery.DeliveryAddress = request.DeliveryAddress
		}
		if err := models.SaveDelivery(tx, delivery); err != nil {
			return err
		}
		result = delivery
		return nil
	})
	if err != nil {
		return nil, utils.PersistenceError(err, "create delivery")
	}

	fields := logrus.Fields{"delivery_id": result.ID, "transaction_id": transaction.ID}
	notifyBestEffort(ctx, m.Logger, m.Notifier, fields,
		deliveryEvent(result, transaction.DonorId, models.NotificationKindDeliveryCreated),
		deliveryEvent(result, transaction.RecipientId, models.NotificationKindDeliveryCreated),
	)

	if !input.AutoAssign {
		return result, nil
	}
	assigned, found, assignErr := m.AssignNearest(ctx, result.ID)
	if assignErr != nil {
		m.warn(logrus.Fields{"delivery_id": result.ID}, "auto assignment failed: "+assignErr.Error())
		return result, nil
	}
	if !found {
		m.warn(logrus.Fields{"delivery_id": result.ID}, "no available transporter near pickup")
		return result, nil
	}
	return assigned, nil
}

// FindNearest returns the nearest available transporter to pickup, ignoring exclude.
func (m *DispatchManager) FindNearest(ctx context.Context, pickup models.Coordinates, exclude ...int) (*models.Transporter, bool, error) {
	candidates, err := models.ListAvailableTransporters(m.DB.WithContext(ctx))
	if err != nil {
		return nil, false, err
	}
	t, ok := models.FindNearest(pickup, candidates, exclude...)
	return t, ok, nil
}

// Assign gives a pending delivery to transporterId and marks the transporter unavailable.
// A delivery that already has a transporter needs force; the displaced transporter is released.
func (m *DispatchManager) Assign(ctx context.Context, deliveryId, transporterId int, force bool) (result *models.Delivery, err error) {
	ctx, span := startSpan(ctx, "workflow.Assign",
		attribute.Int("delivery_id", deliveryId), attribute.Int("transporter_id", transporterId), attribute.Bool("force", force))
	defer func() { endSpan(span, err) }()

	var displaced *int
	var transaction *models.DonationTransaction
	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		delivery, err := models.GetDeliveryForUpdate(tx, deliveryId)
		if err != nil {
			return err
		}
		if delivery.Status != models.DeliveryStatusPending {
			return utils.InvalidStateError("delivery %d is %s", delivery.ID, delivery.Status)
		}
		transaction, err = utils.FetchModel[models.DonationTransaction](tx, "donation transaction", delivery.DonationTransactionId)
		if err != nil {
			return err
		}
		if delivery.TransporterId != nil {
			if !force {
				return utils.NewError(utils.ErrorKindAlreadyAssigned, "delivery %d is assigned to transporter %d", delivery.ID, *delivery.TransporterId)
			}
			if *delivery.TransporterId == transporterId {
				result = delivery
				return nil
			}
		}
		if _, err := models.GetTransporter(tx, transporterId); err != nil {
			return err
		}
		reserved, err := models.ReserveTransporter(tx, transporterId)
		if err != nil {
			return err
		}
		if !reserved {
			return utils.InvalidStateError("transporter %d is not available", transporterId)
		}
		if delivery.TransporterId != nil {
			if err := models.ReleaseTransporter(tx, *delivery.TransporterId); err != nil {
				return err
			}
			displaced = delivery.TransporterId
		}
		delivery.TransporterId = &transporterId
		if err := models.UpdateDeliveryFields(tx, delivery); err != nil {
			return err
		}
		result = delivery
		return nil
	})
	if err != nil {
		return nil, utils.PersistenceError(err, "assign transporter")
	}

	fields := logrus.Fields{"delivery_id": deliveryId, "transporter_id": transporterId}
	events := []models.NotificationEvent{
		deliveryEvent(result, transporterId, models.NotificationKindTransporterAssigned),
		deliveryEvent(result, transaction.DonorId, models.NotificationKindDeliveryAssigned),
		deliveryEvent(result, transaction.RecipientId, models.NotificationKindDeliveryAssigned),
	}
	if displaced != nil {
		events = append(events, deliveryEvent(result, *displaced, models.NotificationKindDeliveryUnassigned))
	}
	notifyBestEffort(ctx, m.Logger, m.Notifier, fields, events...)
	return result, nil
}

// AssignNearest assigns the nearest available transporter to an unassigned pending delivery.
// found is false when no transporter qualifies; the delivery is then left pending.
func (m *DispatchManager) AssignNearest(ctx context.Context, deliveryId int, exclude ...int) (result *models.Delivery, found bool, err error) {
	ctx, span := startSpan(ctx, "workflow.AssignNearest", attribute.Int("delivery_id", deliveryId))
	defer func() { endSpan(span, err) }()

	delivery, err := models.GetDelivery(m.DB.WithContext(ctx), deliveryId)
	if err != nil {
		return nil, false, err
	}
	if delivery.Status != models.DeliveryStatusPending {
		return nil, false, utils.InvalidStateError("delivery %d is %s", delivery.ID, delivery.Status)
	}
	if delivery.TransporterId != nil {
		return nil, false, utils.NewError(utils.ErrorKindAlreadyAssigned, "delivery %d is assigned to transporter %d", delivery.ID, *delivery.TransporterId)
	}
	pickup, ok := delivery.PickupCoordinates()
	if !ok {
		return nil, false, utils.ValidationError("delivery %d has no pickup coordinates", delivery.ID)
	}

	skip := append([]int(nil), exclude...)
	for {
		nearest, ok, err := m.FindNearest(ctx, pickup, skip...)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return delivery, false, nil
		}
		assigned, err := m.Assign(ctx, deliveryId, nearest.ID, false)
		if err == nil {
			return assigned, true, nil
		}
		// Another dispatch reserved this transporter between the search and the assignment.
		if errors.Is(err, utils.ErrInvalidState) {
			if current, getErr := models.GetTransporter(m.DB.WithContext(ctx), nearest.ID); getErr == nil && !current.IsAvailable {
				skip = append(skip, nearest.ID)
				continue
			}
		}
		return nil, false, err
	}
}

// RefusalResult reports what happened after a transporter refused a delivery.
type RefusalResult struct {
	Delivery   *models.Delivery `json:"delivery"`
	Reassigned bool             `json:"reassigned"`
}

// Refuse unassigns the refusing transporter, makes them available again and, when enabled,
// looks for the next nearest transporter other than them.
func (m *DispatchManager) Refuse(ctx context.Context, deliveryId, transporterId int) (result *RefusalResult, err error) {
	ctx, span := startSpan(ctx, "workflow.Refuse",
		attribute.Int("delivery_id", deliveryId), attribute.Int("transporter_id", transporterId))
	defer func() { endSpan(span, err) }()

	var delivery *models.Delivery
	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		delivery, err = models.GetDeliveryForUpdate(tx, deliveryId)
		if err != nil {
			return err
		}
		if !delivery.IsAssignedTo(transporterId) {
			return utils.NewError(utils.ErrorKindForbidden, "transporter %d is not assigned to delivery %d", transporterId, delivery.ID)
		}
		if delivery.Status != models.DeliveryStatusPending {
			return utils.InvalidStateError("delivery %d is %s", delivery.ID, delivery.Status)
		}
		delivery.TransporterId = nil
		delivery.Status = models.DeliveryStatusPending
		if err := models.UpdateDeliveryFields(tx, delivery); err != nil {
			return err
		}
		return models.ReleaseTransporter(tx, transporterId)
	})
	if err != nil {
		return nil, utils.PersistenceError(err, "refuse delivery")
	}

	fields := logrus.Fields{"delivery_id": deliveryId, "transporter_id": transporterId}
	notifyBestEffort(ctx, m.Logger, m.Notifier, fields,
		deliveryEvent(delivery, transporterId, models.NotificationKindTransporterRefused),
	)

	result = &RefusalResult{Delivery: delivery}
	if !m.AutoReassign {
		return result, nil
	}
	assigned, found, assignErr := m.AssignNearest(ctx, deliveryId, transporterId)
	switch {
	case assignErr != nil:
		m.warn(logrus.Fields{"delivery_id": deliveryId, "transporter_id": transporterId}, "reassignment failed: "+assignErr.Error())
	case !found:
		m.warn(logrus.Fields{"delivery_id": deliveryId, "transporter_id": transporterId}, "no alternative transporter; delivery left pending")
	default:
		result.Delivery = assigned
		result.Reassigned = true
	}
	return result, nil
}

// AcceptDelivery is the assigned transporter confirming the job.
func (m *DispatchManager) AcceptDelivery(ctx context.Context, deliveryId, transporterId int) (*models.Delivery, error) {
	return m.UpdateDeliveryStatus(ctx, deliveryId, transporterId, models.DeliveryStatusAccepted)
}

// UpdateDeliveryStatus moves the delivery along its lifecycle on behalf of its transporter.
// Reaching delivered or failed frees the transporter.
func (m *DispatchManager) UpdateDeliveryStatus(ctx context.Context, deliveryId, transporterId int, next models.DeliveryStatus) (result *models.Delivery, err error) {
	ctx, span := startSpan(ctx, "workflow.UpdateDeliveryStatus",
		attribute.Int("delivery_id", deliveryId), attribute.String("status", string(next)))
	defer func() { endSpan(span, err) }()

	var transaction *models.DonationTransaction
	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		delivery, err := models.GetDeliveryForUpdate(tx, deliveryId)
		if err != nil {
			return err
		}
		if !delivery.IsAssignedTo(transporterId) {
			return utils.NewError(utils.ErrorKindForbidden, "transporter %d is not assigned to delivery %d", transporterId, delivery.ID)
		}
		if !delivery.Status.CanTransition(next) {
			return utils.InvalidStateError("delivery %d cannot go from %s to %s", delivery.ID, delivery.Status, next)
		}
		now := m.now()
		delivery.Status = next
		switch next {
		case models.DeliveryStatusAccepted:
			delivery.AcceptedAt = &now
		case models.DeliveryStatusDelivered:
			delivery.DeliveredAt = &now
		}
		if err := models.UpdateDeliveryFields(tx, delivery); err != nil {
			return err
		}
		if next.IsTerminal() {
			if err := models.ReleaseTransporter(tx, transporterId); err != nil {
				return err
			}
		}
		transaction, err = utils.FetchModel[models.DonationTransaction](tx, "donation transaction", delivery.DonationTransactionId)
		if err != nil {
			return err
		}
		result = delivery
		return nil
	})
	if err != nil {
		return nil, utils.PersistenceError(err, "update delivery status")
	}

	fields := logrus.Fields{"delivery_id": deliveryId, "transporter_id": transporterId}
	notifyBestEffort(ctx, m.Logger, m.Notifier, fields,
		deliveryEvent(result, transaction.DonorId, models.NotificationKindDeliveryStatus),
		deliveryEvent(result, transaction.RecipientId, models.NotificationKindDeliveryStatus),
	)
	return result, nil
}

func (m *DispatchManager) GetDelivery(ctx context.Context, deliveryId int) (*models.Delivery, error) {
	return models.GetDelivery(m.DB.WithContext(ctx), deliveryId)
}

func (m *DispatchManager) ListPendingDeliveries(ctx context.Context) ([]models.Delivery, error) {
	return models.ListPendingUnassignedDeliveries(m.DB.WithContext(ctx))
}

func (m *DispatchManager) ListTransporterDeliveries(ctx context.Context, transporterId int, status models.DeliveryStatus) ([]models.Delivery, error) {
	return models.ListDeliveriesByTransporter(m.DB.WithContext(ctx), transporterId, status)
}

func deliveryEvent(d *models.Delivery, recipient int, kind models.NotificationKind) models.NotificationEvent {
	ctx := map[string]interface{}{
		"delivery_id":      d.ID,
		"transaction_id":   d.DonationTransactionId,
		"status":           d.Status,
		"pickup_address":   d.PickupAddress,
		"delivery_address": d.DeliveryAddress,
	}
	if d.TransporterId != nil {
		ctx["transporter_id"] = *d.TransporterId
	}
	return models.NotificationEvent{RecipientActorId: recipient, Kind: kind, Context: ctx}
}
