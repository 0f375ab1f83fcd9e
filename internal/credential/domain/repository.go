package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, cred *Credential) error
	Update(ctx context.Context, db *gorm.DB, cred *Credential) error
	FindByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*Credential, error)
	FindByOwnerAndKeyID(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, keyID string) (*Credential, error)
	ListByOwner(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]Credential, error)
}
