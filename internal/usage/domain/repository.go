package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, agg *UsageAggregate) error
	ListSince(ctx context.Context, db *gorm.DB, credentialID, sinceDay string) ([]UsageAggregate, error)
}
