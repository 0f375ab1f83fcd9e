// Package domain contains persistence models for usage aggregation.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageAggregate is the durable, append-only per-day rollup for one
// credential. It is derived state: admission never depends on it.
type UsageAggregate struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	CredentialID string            `gorm:"column:credential_id;type:text;not null;uniqueIndex:ux_usage_credential_day,priority:1"`
	Day          string            `gorm:"type:text;not null;uniqueIndex:ux_usage_credential_day,priority:2"`
	RequestCount int64             `gorm:"column:request_count;not null"`
	ErrorCount   int64             `gorm:"column:error_count;not null"`
	LatencySumMS int64             `gorm:"column:latency_sum_ms;not null"`
	Endpoints    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageAggregate) TableName() string { return "usage_aggregates" }

// DayKey formats a timestamp as an aggregate day key.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MonthPrefix formats a timestamp as the prefix shared by all day keys
// of its month.
func MonthPrefix(t time.Time) string {
	return t.UTC().Format("2006-01")
}
