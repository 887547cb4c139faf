package models

import (
	"time"

	"github.com/sustainafood/sustainafood_backend/utils"
	"gorm.io/gorm"
)

// Delivery moves an approved transaction from the donor to the recipient.
// TransporterId is nil while unassigned; status stays pending until the transporter accepts.
type Delivery struct {
	ID                    int            `gorm:"primaryKey;autoIncrement:false" json:"id"`
	DonationTransactionId int            `gorm:"uniqueIndex;not null" json:"donation_transaction_id"`
	TransporterId         *int           `gorm:"index" json:"transporter_id"`
	PickupAddress         string         `gorm:"size:255" json:"pickup_address"`
	DeliveryAddress       string         `gorm:"size:255" json:"delivery_address"`
	PickupLatitude        *float64       `json:"pickup_latitude"`
	PickupLongitude       *float64       `json:"pickup_longitude"`
	Status                DeliveryStatus `gorm:"size:20;not null;index" json:"status"`
	AcceptedAt            *time.Time     `json:"accepted_at,omitempty"`
	DeliveredAt           *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt             time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (d *Delivery) PickupCoordinates() (Coordinates, bool) {
	if d.PickupLatitude == nil || d.PickupLongitude == nil {
		return Coordinates{}, false
	}
	return Coordinates{Latitude: *d.PickupLatitude, Longitude: *d.PickupLongitude}, true
}

func (d *Delivery) IsAssignedTo(transporterId int) bool {
	return d.TransporterId != nil && *d.TransporterId == transporterId
}

func GetDelivery(db *gorm.DB, id int) (*Delivery, error) {
	return utils.FetchModel[Delivery](db, "delivery", id)
}

func GetDeliveryForUpdate(tx *gorm.DB, id int) (*Delivery, error) {
	return utils.FetchModelForUpdate[Delivery](tx, "delivery", id)
}

// SaveDelivery assigns the next DeliveryId and inserts d.
func SaveDelivery(tx *gorm.DB, d *Delivery) error {
	id, err := NextSequence(tx, CounterDelivery)
	if err != nil {
		return err
	}
	d.ID = id
	if err := tx.Create(d).Error; err != nil {
		return utils.WrapDBError(err, "delivery", id)
	}
	return nil
}

// UpdateDeliveryFields writes the assignment and lifecycle columns of d.
func UpdateDeliveryFields(tx *gorm.DB, d *Delivery) error {
	err := tx.Model(&Delivery{}).Where("id = ?", d.ID).Updates(map[string]interface{}{
		"transporter_id": d.TransporterId,
		"status":         d.Status,
		"accepted_at":    d.AcceptedAt,
		"delivered_at":   d.DeliveredAt,
	}).Error
	return utils.PersistenceError(err, "update delivery")
}

// ListPendingUnassignedDeliveries returns deliveries waiting for a transporter, oldest first.
func ListPendingUnassignedDeliveries(db *gorm.DB) ([]Delivery, error) {
	var results []Delivery
	err := db.Where("status = ? AND transporter_id IS NULL", DeliveryStatusPending).
		Order("id ASC").Find(&results).Error
	if err != nil {
		return nil, utils.PersistenceError(err, "list pending deliveries")
	}
	return results, nil
}

// ListDeliveriesByTransporter returns the transporter's deliveries, optionally with a given status.
func ListDeliveriesByTransporter(db *gorm.DB, transporterId int, status DeliveryStatus) ([]Delivery, error) {
	q := db.Where("transporter_id = ?", transporterId)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var results []Delivery
	if err := q.Order("id ASC").Find(&results).Error; err != nil {
		return nil, utils.PersistenceError(err, "list transporter deliveries")
	}
	return results, nil
}
