package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	Issue(ctx context.Context, req IssueRequest) (*SecretResponse, error)
	Rotate(ctx context.Context, ownerID, keyID string) (*SecretResponse, error)
	Suspend(ctx context.Context, ownerID, keyID string) error
	Revoke(ctx context.Context, ownerID, keyID string) error
	Reactivate(ctx context.Context, ownerID, keyID string) error
	Resolve(ctx context.Context, secret string) (*Credential, error)
	List(ctx context.Context, ownerID string) ([]Response, error)
	Get(ctx context.Context, ownerID, keyID string) (*Response, error)
}

// QuotaResetter clears rate-limit state for a credential. Satisfied by
// the rate limiter; rotation grants a fresh quota.
type QuotaResetter interface {
	Reset(ctx context.Context, credentialID string) error
}

type IssueRequest struct {
	OwnerID     string     `json:"owner_id"`
	Name        string     `json:"name"`
	Environment string     `json:"environment"`
	Scopes      []string   `json:"scopes"`
	ExpiresAt   *time.Time `json:"expires_at"`
	PlanTier    string     `json:"plan_tier"`
	IPAllowList []string   `json:"ip_allow_list"`
}

type Response struct {
	KeyID       string     `json:"key_id"`
	Name        string     `json:"name"`
	Environment string     `json:"environment"`
	Scopes      []string   `json:"scopes"`
	Status      string     `json:"status"`
	PlanTier    string     `json:"plan_tier"`
	IPAllowList []string   `json:"ip_allow_list"`
	MaskedKey   string     `json:"masked_key"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	RotatedAt   *time.Time `json:"rotated_at"`
}

// SecretResponse carries the plaintext secret. It is produced exactly
// once per issuance or rotation and never again.
type SecretResponse struct {
	KeyID     string    `json:"key_id"`
	Secret    string    `json:"secret"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	ErrInvalidCredential   = errors.New("invalid_credential")
	ErrRevokedCredential   = errors.New("revoked_credential")
	ErrExpiredCredential   = errors.New("expired_credential")
	ErrSuspendedCredential = errors.New("suspended_credential")

	ErrNotFound           = errors.New("not_found")
	ErrInvalidOwner       = errors.New("invalid_owner")
	ErrInvalidName        = errors.New("invalid_name")
	ErrInvalidKeyID       = errors.New("invalid_key_id")
	ErrInvalidEnvironment = errors.New("invalid_environment")
	ErrInvalidExpiry      = errors.New("invalid_expiry")
	ErrInvalidAllowList   = errors.New("invalid_allow_list")
	ErrInvalidTransition  = errors.New("invalid_transition")
)
