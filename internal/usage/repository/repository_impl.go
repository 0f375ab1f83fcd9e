package repository

import (
	"context"

	usagedomain "github.com/veridoc/apigate/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

// Upsert writes a full day aggregate. The recorder is the single writer
// for a (credential, day) pair, so overwriting with its totals is safe.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, agg *usagedomain.UsageAggregate) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "credential_id"}, {Name: "day"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"request_count",
			"error_count",
			"latency_sum_ms",
			"endpoints",
			"updated_at",
		}),
	}).Create(agg).Error
}

func (r *repo) ListSince(ctx context.Context, db *gorm.DB, credentialID, sinceDay string) ([]usagedomain.UsageAggregate, error) {
	var aggs []usagedomain.UsageAggregate
	err := db.WithContext(ctx).
		Where("credential_id = ? AND day >= ?", credentialID, sinceDay).
		Order("day ASC").
		Find(&aggs).Error
	if err != nil {
		return nil, err
	}
	return aggs, nil
}
