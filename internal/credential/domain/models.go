package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
)

// Environment partitions credentials and resources. A sandbox credential
// never touches a production resource and vice versa.
type Environment string

const (
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

// ParseEnvironment validates the wire form of an environment.
func ParseEnvironment(raw string) (Environment, bool) {
	switch Environment(raw) {
	case EnvSandbox:
		return EnvSandbox, true
	case EnvProduction:
		return EnvProduction, true
	default:
		return "", false
	}
}

// Status is the credential lifecycle state. Credentials are never
// deleted; terminal states preserve audit history.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
	StatusExpired   Status = "expired"
)

// CanTransition reports whether the state machine permits a move.
// active <-> suspended is reversible; revoked and expired are terminal.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusActive:
		return to == StatusSuspended || to == StatusRevoked || to == StatusExpired
	case StatusSuspended:
		return to == StatusActive || to == StatusRevoked || to == StatusExpired
	default:
		return false
	}
}

// Credential stores a hashed API credential. The plaintext secret exists
// only in the Issue/Rotate response; only the salted hash is persisted.
type Credential struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	OwnerID     snowflake.ID   `gorm:"column:owner_id;not null;index"`
	KeyID       string         `gorm:"column:key_id;type:text;not null;uniqueIndex"`
	Name        string         `gorm:"type:text;not null"`
	Environment string         `gorm:"type:text;not null"`
	Scopes      pq.StringArray `gorm:"type:text[];not null"`
	SecretHash  string         `gorm:"column:secret_hash;type:text;not null"`
	SecretSalt  string         `gorm:"column:secret_salt;type:text;not null"`
	Status      string         `gorm:"type:text;not null;default:active"`
	IPAllowList pq.StringArray `gorm:"column:ip_allow_list;type:text[]"`
	PlanTier    string         `gorm:"column:plan_tier;type:text;not null"`
	CreatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ExpiresAt   *time.Time     `gorm:"column:expires_at"`
	LastUsedAt  *time.Time     `gorm:"column:last_used_at"`
	RotatedAt   *time.Time     `gorm:"column:rotated_at"`
}

// TableName sets the database table name.
func (Credential) TableName() string { return "credentials" }
