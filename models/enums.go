package models

import (
	"strings"

	"github.com/sustainafood/sustainafood_backend/utils"
)

type Category string

const (
	CategoryPackagedProducts Category = "packaged_products"
	CategoryPreparedMeals    Category = "prepared_meals"
)

func (c Category) IsValid() bool {
	return c == CategoryPackagedProducts || c == CategoryPreparedMeals
}

// ParseCategory accepts the stored form and the legacy capitalised form ("Prepared_Meals").
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", utils.ValidationError("invalid category %q", s)
	}
	return c, nil
}

type DonationStatus string

const (
	DonationStatusPending            DonationStatus = "pending"
	DonationStatusApproved           DonationStatus = "approved"
	DonationStatusPartiallyFulfilled DonationStatus = "partially_fulfilled"
	DonationStatusFulfilled          DonationStatus = "fulfilled"
	DonationStatusRejected           DonationStatus = "rejected"
	DonationStatusCancelled          DonationStatus = "cancelled"
)

// IsClosed reports statuses that accept no further allocations.
func (s DonationStatus) IsClosed() bool {
	return s == DonationStatusFulfilled || s == DonationStatusRejected || s == DonationStatusCancelled
}

type RequestStatus string

const (
	RequestStatusPending            RequestStatus = "pending"
	RequestStatusApproved           RequestStatus = "approved"
	RequestStatusPartiallyFulfilled RequestStatus = "partially_fulfilled"
	RequestStatusFulfilled          RequestStatus = "fulfilled"
	RequestStatusRejected           RequestStatus = "rejected"
)

type TransactionStatus string

const (
	TransactionStatusPending  TransactionStatus = "pending"
	TransactionStatusApproved TransactionStatus = "approved"
	TransactionStatusRejected TransactionStatus = "rejected"
)

func ParseTransactionStatus(s string) (TransactionStatus, error) {
	switch st := TransactionStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case TransactionStatusPending, TransactionStatusApproved, TransactionStatusRejected:
		return st, nil
	}
	return "", utils.ValidationError("invalid transaction status %q", s)
}

type DeliveryStatus string

const (
	DeliveryStatusPending    DeliveryStatus = "pending"
	DeliveryStatusAccepted   DeliveryStatus = "accepted"
	DeliveryStatusPickedUp   DeliveryStatus = "picked_up"
	DeliveryStatusInProgress DeliveryStatus = "in_progress"
	DeliveryStatusDelivered  DeliveryStatus = "delivered"
	DeliveryStatusFailed     DeliveryStatus = "failed"
)

func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	switch st := DeliveryStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case DeliveryStatusPending, DeliveryStatusAccepted, DeliveryStatusPickedUp,
		DeliveryStatusInProgress, DeliveryStatusDelivered, DeliveryStatusFailed:
		return st, nil
	}
	return "", utils.ValidationError("invalid delivery status %q", s)
}

func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusDelivered || s == DeliveryStatusFailed
}

// nextDeliveryStatus lists the forward transitions a transporter may report.
var nextDeliveryStatus = map[DeliveryStatus]DeliveryStatus{
	DeliveryStatusAccepted:   DeliveryStatusPickedUp,
	DeliveryStatusPickedUp:   DeliveryStatusInProgress,
	DeliveryStatusInProgress: DeliveryStatusDelivered,
}

// CanTransition reports whether a delivery may move from s to next.
// Any non-terminal delivery may fail.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == DeliveryStatusFailed {
		return true
	}
	if s == DeliveryStatusPending {
		return next == DeliveryStatusAccepted
	}
	return nextDeliveryStatus[s] == next
}

type NotificationKind string

const (
	NotificationKindTransactionCommitted NotificationKind = "transaction_committed"
	NotificationKindTransactionProposed  NotificationKind = "transaction_proposed"
	NotificationKindTransactionAccepted  NotificationKind = "transaction_accepted"
	NotificationKindTransactionRejected  NotificationKind = "transaction_rejected"
	NotificationKindDonationRejected     NotificationKind = "donation_rejected"
	NotificationKindDeliveryCreated      NotificationKind = "delivery_created"
	NotificationKindTransporterAssigned  NotificationKind = "transporter_assigned"
	NotificationKindDeliveryAssigned     NotificationKind = "delivery_assigned"
	NotificationKindTransporterRefused   NotificationKind = "transporter_refused"
	NotificationKindDeliveryUnassigned   NotificationKind = "delivery_unassigned"
	NotificationKindDeliveryStatus       NotificationKind = "delivery_status_changed"
)

// Counter names, one sequence per entity type.
const (
	CounterDonation            = "DonationId"
	CounterRequestNeed         = "RequestNeedId"
	CounterDonationTransaction = "DonationTransactionId"
	CounterDelivery            = "DeliveryId"
)

const DefaultRejectionReason = "No reason provided"
