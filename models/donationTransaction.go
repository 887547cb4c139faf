package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sustainafood/sustainafood_backend/utils"
	"gorm.io/gorm"
)

// DonationTransaction records one allocation from a donation to a request.
// Allocation lines are frozen once the status leaves pending.
type DonationTransaction struct {
	ID                int                `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ReferenceId       string             `gorm:"size:36;uniqueIndex;not null" json:"reference_id"`
	DonationId        int                `gorm:"index;not null" json:"donation_id"`
	RequestNeedId     int                `gorm:"index;not null" json:"request_need_id"`
	DonorId           int                `gorm:"index" json:"donor_id"`
	RecipientId       int                `gorm:"index" json:"recipient_id"`
	Category          Category           `gorm:"size:30;not null" json:"category"`
	Status            TransactionStatus  `gorm:"size:20;not null;index" json:"status"`
	RejectionReason   string             `gorm:"size:500" json:"rejection_reason,omitempty"`
	ResponseDate      *time.Time         `json:"response_date,omitempty"`
	TotalWeight       decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"total_weight"`
	AllocatedProducts []AllocatedProduct `gorm:"foreignKey:DonationTransactionId" json:"allocated_products,omitempty"`
	AllocatedMeals    []AllocatedMeal    `gorm:"foreignKey:DonationTransactionId" json:"allocated_meals,omitempty"`
	CreatedAt         time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

type AllocatedProduct struct {
	ID                    int             `gorm:"primary_key" json:"id"`
	DonationTransactionId int             `gorm:"index;not null" json:"donation_transaction_id"`
	ProductId             int             `gorm:"index;not null" json:"product_id"`
	Name                  string          `gorm:"size:255" json:"name"`
	Quantity              int             `gorm:"not null" json:"quantity"`
	WeightPerUnit         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"weight_per_unit"`
}

type AllocatedMeal struct {
	ID                    int    `gorm:"primary_key" json:"id"`
	DonationTransactionId int    `gorm:"index;not null" json:"donation_transaction_id"`
	DonationMealId        int    `gorm:"index;not null" json:"donation_meal_id"`
	MealName              string `gorm:"size:255" json:"meal_name"`
	Quantity              int    `gorm:"not null" json:"quantity"`
}

// DisplayRejectionReason never returns an empty string for a rejected transaction.
func (t *DonationTransaction) DisplayRejectionReason() string {
	if t.RejectionReason == "" {
		return DefaultRejectionReason
	}
	return t.RejectionReason
}

// LineItems rebuilds the allocation as a LineItems value.
func (t *DonationTransaction) LineItems() (LineItems, error) {
	switch t.Category {
	case CategoryPackagedProducts:
		lines := make([]ProductLine, 0, len(t.AllocatedProducts))
		for _, p := range t.AllocatedProducts {
			lines = append(lines, ProductLine{ProductId: p.ProductId, Name: p.Name, Quantity: p.Quantity})
		}
		return NewProductLineItems(lines)
	case CategoryPreparedMeals:
		lines := make([]MealLine, 0, len(t.AllocatedMeals))
		for _, m := range t.AllocatedMeals {
			lines = append(lines, MealLine{MealId: m.DonationMealId, Name: m.MealName, Quantity: m.Quantity})
		}
		return NewMealLineItems(lines)
	}
	return LineItems{}, utils.ValidationError("transaction %d has invalid category %q", t.ID, t.Category)
}

// NewDonationTransaction builds an unsaved transaction carrying items, with weights taken
// from the donation's product lines.
func NewDonationTransaction(donation *Donation, request *RequestNeed, items LineItems, status TransactionStatus) *DonationTransaction {
	t := &DonationTransaction{
		ReferenceId:   uuid.NewString(),
		DonationId:    donation.ID,
		RequestNeedId: request.ID,
		DonorId:       donation.DonorId,
		RecipientId:   request.RecipientId,
		Category:      items.Category(),
		Status:        status,
		TotalWeight:   decimal.Zero,
	}
	for _, line := range items.Products() {
		weight := donation.ProductWeight(line.ProductId)
		name := line.Name
		if name == "" {
			if i := donation.productIndex(line.ProductId); i >= 0 {
				name = donation.Products[i].Name
			}
		}
		t.AllocatedProducts = append(t.AllocatedProducts, AllocatedProduct{
			ProductId:     line.ProductId,
			Name:          name,
			Quantity:      line.Quantity,
			WeightPerUnit: weight,
		})
		t.TotalWeight = t.TotalWeight.Add(weight.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	for _, line := range items.Meals() {
		name := line.Name
		if name == "" {
			if i := donation.mealIndex(line.MealId); i >= 0 {
				name = donation.Meals[i].MealName
			}
		}
		t.AllocatedMeals = append(t.AllocatedMeals, AllocatedMeal{
			DonationMealId: line.MealId,
			MealName:       name,
			Quantity:       line.Quantity,
		})
	}
	return t
}

// SaveDonationTransaction assigns the next DonationTransactionId and inserts t with its lines.
func SaveDonationTransaction(tx *gorm.DB, t *DonationTransaction) error {
	id, err := NextSequence(tx, CounterDonationTransaction)
	if err != nil {
		return err
	}
	t.ID = id
	if err := tx.Create(t).Error; err != nil {
		return utils.PersistenceError(err, "create donation transaction")
	}
	return nil
}

func preloadTransactionLines(db *gorm.DB) *gorm.DB {
	return db.
		Preload("AllocatedProducts", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("AllocatedMeals", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") })
}

func GetDonationTransaction(db *gorm.DB, id int) (*DonationTransaction, error) {
	var t DonationTransaction
	if err := preloadTransactionLines(db).First(&t, id).Error; err != nil {
		return nil, utils.WrapDBError(err, "donation transaction", id)
	}
	return &t, nil
}

func GetDonationTransactionForUpdate(tx *gorm.DB, id int) (*DonationTransaction, error) {
	return utils.FetchModelForUpdate[DonationTransaction](preloadTransactionLines(tx), "donation transaction", id)
}

// TransactionFilter narrows ListDonationTransactions. Zero values are ignored.
type TransactionFilter struct {
	DonationId    int
	RequestNeedId int
	RecipientId   int
	Status        TransactionStatus
	// AfterId skips rows up to and including this id.
	AfterId int
	Limit   int
}

type TransactionConnection struct {
	Items    []DonationTransaction `json:"items"`
	PageInfo PageInfo              `json:"pageInfo"`
}

// ListDonationTransactions returns matching transactions oldest first.
func ListDonationTransactions(db *gorm.DB, filter TransactionFilter) ([]DonationTransaction, error) {
	q := preloadTransactionLines(db)
	if filter.DonationId > 0 {
		q = q.Where("donation_id = ?", filter.DonationId)
	}
	if filter.RequestNeedId > 0 {
		q = q.Where("request_need_id = ?", filter.RequestNeedId)
	}
	if filter.RecipientId > 0 {
		q = q.Where("recipient_id = ?", filter.RecipientId)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.AfterId > 0 {
		q = q.Where("id > ?", filter.AfterId)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var results []DonationTransaction
	if err := q.Order("id ASC").Find(&results).Error; err != nil {
		return nil, utils.PersistenceError(err, "list donation transactions")
	}
	return results, nil
}

// PageDonationTransactions fetches one page past the cursor, probing one extra row for HasNextPage.
func PageDonationTransactions(db *gorm.DB, filter TransactionFilter, after *string) (*TransactionConnection, error) {
	afterId, err := DecodeCursor(after)
	if err != nil {
		return nil, err
	}
	size := ClampPageSize(filter.Limit)
	filter.AfterId = afterId
	filter.Limit = size + 1
	rows, err := ListDonationTransactions(db, filter)
	if err != nil {
		return nil, err
	}
	conn := &TransactionConnection{Items: rows}
	if len(rows) > size {
		conn.Items = rows[:size]
		conn.PageInfo.HasNextPage = true
	}
	if len(conn.Items) > 0 {
		conn.PageInfo.StartCursor = EncodeCursor(conn.Items[0].ID)
		conn.PageInfo.EndCursor = EncodeCursor(conn.Items[len(conn.Items)-1].ID)
	}
	return conn, nil
}
