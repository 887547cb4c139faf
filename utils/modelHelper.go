package utils

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/* DB fetching */

// FetchModel loads T by primary key on db (which may be a transaction).
// Missing rows come back as NotFound, anything else as PersistenceError.
func FetchModel[T any](db *gorm.DB, entity string, id int, associations ...string) (*T, error) {
	q := db
	for _, field := range associations {
		q = q.Preload(field)
	}
	var result T
	if err := q.First(&result, id).Error; err != nil {
		return nil, WrapDBError(err, entity, id)
	}
	return &result, nil
}

// FetchModelForUpdate is FetchModel with a row lock (SELECT ... FOR UPDATE) where the dialect supports it.
func FetchModelForUpdate[T any](tx *gorm.DB, entity string, id int, associations ...string) (*T, error) {
	return FetchModel[T](tx.Clauses(clause.Locking{Strength: "UPDATE"}), entity, id, associations...)
}
