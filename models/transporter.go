package models

import (
	"context"
	"math"
	"time"

	"github.com/sustainafood/sustainafood_backend/config"
	"github.com/sustainafood/sustainafood_backend/utils"
	"gorm.io/gorm"
)

const EarthRadiusMeters = 6371000.0

type Coordinates struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// IsOrigin reports the (0,0) pair, which is treated as "no location".
func (c Coordinates) IsOrigin() bool {
	return c.Latitude == 0 && c.Longitude == 0
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Coordinates) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(b.Latitude - a.Latitude)
	dLng := toRad(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Latitude))*math.Cos(toRad(b.Latitude))*math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push h just past 1 for antipodal points
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

type Transporter struct {
	ID          int       `gorm:"primary_key" json:"id"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	Phone       string    `gorm:"size:20;uniqueIndex" json:"phone"`
	VehicleType string    `gorm:"size:50" json:"vehicle_type"`
	IsAvailable bool      `gorm:"not null;default:true;index" json:"is_available"`
	Latitude    *float64  `json:"latitude"`
	Longitude   *float64  `json:"longitude"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (t *Transporter) Coordinates() (Coordinates, bool) {
	if t.Latitude == nil || t.Longitude == nil {
		return Coordinates{}, false
	}
	c := Coordinates{Latitude: *t.Latitude, Longitude: *t.Longitude}
	if c.IsOrigin() {
		return Coordinates{}, false
	}
	return c, true
}

// FindNearest returns the available candidate closest to pickup, skipping ids in exclude and
// candidates without a usable location. Ties go to the earlier candidate.
func FindNearest(pickup Coordinates, candidates []Transporter, exclude ...int) (*Transporter, bool) {
	skip := make(map[int]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	var best *Transporter
	bestDistance := math.Inf(1)
	for i := range candidates {
		c := &candidates[i]
		if !c.IsAvailable {
			continue
		}
		if _, ok := skip[c.ID]; ok {
			continue
		}
		at, ok := c.Coordinates()
		if !ok {
			continue
		}
		if d := Haversine(pickup, at); d < bestDistance {
			best, bestDistance = c, d
		}
	}
	return best, best != nil
}

type NewTransporter struct {
	Name        string   `json:"name" validate:"required,max=255"`
	Phone       string   `json:"phone" validate:"required"`
	VehicleType string   `json:"vehicle_type"`
	Latitude    *float64 `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude   *float64 `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
}

func CreateTransporter(ctx context.Context, input *NewTransporter) (*Transporter, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	c, err := config.GetConfig()
	if err != nil {
		return nil, err
	}
	phone, err := utils.NormalizePhoneNumber(input.Phone, c.DefaultCountryCode)
	if err != nil {
		return nil, err
	}
	transporter := Transporter{
		Name:        input.Name,
		Phone:       phone,
		VehicleType: input.VehicleType,
		IsAvailable: true,
		Latitude:    input.Latitude,
		Longitude:   input.Longitude,
	}
	db := config.GetDB().WithContext(ctx)
	var count int64
	if err := db.Model(&Transporter{}).Where("phone = ?", phone).Count(&count).Error; err != nil {
		return nil, utils.PersistenceError(err, "check transporter phone")
	}
	if count > 0 {
		return nil, utils.ValidationError("phone %s is already registered", phone)
	}
	if err := db.Create(&transporter).Error; err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return nil, utils.ValidationError("phone %s is already registered", phone)
		}
		return nil, utils.PersistenceError(err, "create transporter")
	}
	return &transporter, nil
}

func GetTransporter(db *gorm.DB, id int) (*Transporter, error) {
	return utils.FetchModel[Transporter](db, "transporter", id)
}

func UpdateTransporterLocation(ctx context.Context, id int, at Coordinates) (*Transporter, error) {
	if err := utils.ValidateStruct(at); err != nil {
		return nil, err
	}
	db := config.GetDB().WithContext(ctx)
	res := db.Model(&Transporter{}).Where("id = ?", id).Updates(map[string]interface{}{
		"latitude":  at.Latitude,
		"longitude": at.Longitude,
	})
	if res.Error != nil {
		return nil, utils.PersistenceError(res.Error, "update transporter location")
	}
	if res.RowsAffected == 0 {
		return nil, utils.NotFoundError("transporter", id)
	}
	return GetTransporter(db, id)
}

func SetTransporterAvailability(ctx context.Context, id int, available bool) (*Transporter, error) {
	db := config.GetDB().WithContext(ctx)
	transporter, err := GetTransporter(db, id)
	if err != nil {
		return nil, err
	}
	if transporter.IsAvailable == available {
		return transporter, nil
	}
	if err := db.Model(transporter).Update("is_available", available).Error; err != nil {
		return nil, utils.PersistenceError(err, "set transporter availability")
	}
	transporter.IsAvailable = available
	return transporter, nil
}

// ListAvailableTransporters returns every transporter currently marked available.
func ListAvailableTransporters(db *gorm.DB) ([]Transporter, error) {
	var results []Transporter
	if err := db.Where("is_available = ?", true).Order("id ASC").Find(&results).Error; err != nil {
		return nil, utils.PersistenceError(err, "list available transporters")
	}
	return results, nil
}

// ReserveTransporter flips an available transporter to unavailable.
// It reports false when the transporter was not available at the time of the update.
func ReserveTransporter(tx *gorm.DB, id int) (bool, error) {
	res := tx.Model(&Transporter{}).Where("id = ? AND is_available = ?", id, true).Update("is_available", false)
	if res.Error != nil {
		return false, utils.PersistenceError(res.Error, "reserve transporter")
	}
	return res.RowsAffected == 1, nil
}

func ReleaseTransporter(tx *gorm.DB, id int) error {
	err := tx.Model(&Transporter{}).Where("id = ?", id).Update("is_available", true).Error
	return utils.PersistenceError(err, "release transporter")
}
