package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	credentialdomain "github.com/veridoc/apigate/internal/credential/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() credentialdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, cred *credentialdomain.Credential) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credentials (id, owner_id, key_id, name, environment, scopes, secret_hash, secret_salt, status, ip_allow_list, plan_tier, created_at, updated_at, expires_at, last_used_at, rotated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID,
		cred.OwnerID,
		cred.KeyID,
		cred.Name,
		cred.Environment,
		cred.Scopes,
		cred.SecretHash,
		cred.SecretSalt,
		cred.Status,
		cred.IPAllowList,
		cred.PlanTier,
		cred.CreatedAt,
		cred.UpdatedAt,
		cred.ExpiresAt,
		cred.LastUsedAt,
		cred.RotatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, cred *credentialdomain.Credential) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credentials
		 SET name = ?, scopes = ?, secret_hash = ?, secret_salt = ?, status = ?, ip_allow_list = ?, plan_tier = ?, updated_at = ?, expires_at = ?, last_used_at = ?, rotated_at = ?
		 WHERE key_id = ?`,
		cred.Name,
		cred.Scopes,
		cred.SecretHash,
		cred.SecretSalt,
		cred.Status,
		cred.IPAllowList,
		cred.PlanTier,
		cred.UpdatedAt,
		cred.ExpiresAt,
		cred.LastUsedAt,
		cred.RotatedAt,
		cred.KeyID,
	).Error
}

const credentialColumns = `id, owner_id, key_id, name, environment, scopes, secret_hash, secret_salt, status, ip_allow_list, plan_tier, created_at, updated_at, expires_at, last_used_at, rotated_at`

// FindByKeyID looks a credential up by its public key id, across owners.
// This is the resolution path: the key id is parsed out of the presented
// secret before the salted hash is compared.
func (r *repo) FindByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*credentialdomain.Credential, error) {
	var cred credentialdomain.Credential
	err := db.WithContext(ctx).Raw(
		`SELECT `+credentialColumns+` FROM credentials WHERE key_id = ?`,
		keyID,
	).Scan(&cred).Error
	if err != nil {
		return nil, err
	}
	if cred.ID == 0 {
		return nil, nil
	}
	return &cred, nil
}

func (r *repo) FindByOwnerAndKeyID(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, keyID string) (*credentialdomain.Credential, error) {
	var cred credentialdomain.Credential
	err := db.WithContext(ctx).Raw(
		`SELECT `+credentialColumns+` FROM credentials WHERE owner_id = ? AND key_id = ?`,
		ownerID,
		keyID,
	).Scan(&cred).Error
	if err != nil {
		return nil, err
	}
	if cred.ID == 0 {
		return nil, nil
	}
	return &cred, nil
}

func (r *repo) ListByOwner(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]credentialdomain.Credential, error) {
	var creds []credentialdomain.Credential
	err := db.WithContext(ctx).Raw(
		`SELECT `+credentialColumns+` FROM credentials WHERE owner_id = ? ORDER BY created_at DESC`,
		ownerID,
	).Scan(&creds).Error
	if err != nil {
		return nil, err
	}
	return creds, nil
}
