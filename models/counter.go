package models

import (
	"github.com/sustainafood/sustainafood_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Counter is a named monotonic sequence. Seq holds the last value handed out.
type Counter struct {
	Name string `gorm:"primaryKey;size:100" json:"name"`
	Seq  int    `gorm:"not null;default:0" json:"seq"`
}

// NextSequence increments the named counter and returns the new value.
// The upsert and the read-back run in one (nested) transaction, so the row lock taken by
// the upsert is held until the value is read: concurrent callers never see the same value.
func NextSequence(db *gorm.DB, name string) (int, error) {
	var seq int
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"seq": gorm.Expr("seq + 1")}),
		}).Create(&Counter{Name: name, Seq: 1}).Error; err != nil {
			return err
		}
		return tx.Model(&Counter{}).Where("name = ?", name).Select("seq").Scan(&seq).Error
	})
	if err != nil {
		return 0, utils.PersistenceError(err, "increment counter "+name)
	}
	return seq, nil
}
