package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/veridoc/apigate/internal/clock"
	credentialdomain "github.com/veridoc/apigate/internal/credential/domain"
	"github.com/veridoc/apigate/internal/plan"
	"github.com/veridoc/apigate/internal/scope"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	secretPrefixLive = "vd_live_"
	secretPrefixTest = "vd_test_"
	secretBytes      = 32

	// lastUsedAt writes are throttled off the hot path.
	lastUsedRefresh = time.Minute
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    credentialdomain.Repository
	Catalog *plan.CatalogHolder
	Clock   clock.Clock
	Quota   credentialdomain.QuotaResetter `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    credentialdomain.Repository
	genID   *snowflake.Node
	catalog *plan.CatalogHolder
	clock   clock.Clock
	quota   credentialdomain.QuotaResetter
}

func New(p Params) credentialdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("credential.service"),
		repo:    p.Repo,
		genID:   p.GenID,
		catalog: p.Catalog,
		clock:   p.Clock,
		quota:   p.Quota,
	}
}

func (s *Service) Issue(ctx context.Context, req credentialdomain.IssueRequest) (*credentialdomain.SecretResponse, error) {
	ownerID, err := parseOwnerID(req.OwnerID)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, credentialdomain.ErrInvalidName
	}

	env, ok := credentialdomain.ParseEnvironment(strings.ToLower(strings.TrimSpace(req.Environment)))
	if !ok {
		return nil, credentialdomain.ErrInvalidEnvironment
	}

	if err := scope.Validate(req.Scopes); err != nil {
		return nil, err
	}
	scopes := scope.Normalize(req.Scopes)

	tier := plan.NormalizeTier(req.PlanTier)
	if _, err := s.catalog.Resolve(tier); err != nil {
		return nil, err
	}

	allowList, err := normalizeAllowList(req.IPAllowList)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, credentialdomain.ErrInvalidExpiry
	}

	id := s.genID.Generate()
	keyID := newKeyID(id)
	plain, hash, salt, err := generateSecret(keyID, env)
	if err != nil {
		return nil, err
	}

	cred := &credentialdomain.Credential{
		ID:          id,
		OwnerID:     ownerID,
		KeyID:       keyID,
		Name:        name,
		Environment: string(env),
		Scopes:      scopes,
		SecretHash:  hash,
		SecretSalt:  salt,
		Status:      string(credentialdomain.StatusActive),
		IPAllowList: allowList,
		PlanTier:    tier,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   req.ExpiresAt,
	}

	if err := s.repo.Insert(ctx, s.db, cred); err != nil {
		return nil, err
	}

	s.log.Info("credential issued",
		zap.String("key_id", keyID),
		zap.String("environment", string(env)),
		zap.String("plan_tier", tier),
	)

	return &credentialdomain.SecretResponse{KeyID: keyID, Secret: plain, CreatedAt: now}, nil
}

func (s *Service) Rotate(ctx context.Context, ownerID, keyID string) (*credentialdomain.SecretResponse, error) {
	owner, err := parseOwnerID(ownerID)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return nil, credentialdomain.ErrInvalidKeyID
	}

	var result *credentialdomain.SecretResponse
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByOwnerAndKeyID(ctx, tx, owner, trimmed)
		if err != nil {
			return err
		}
		if current == nil {
			return credentialdomain.ErrNotFound
		}
		switch credentialdomain.Status(current.Status) {
		case credentialdomain.StatusActive, credentialdomain.StatusSuspended:
		default:
			return credentialdomain.ErrInvalidTransition
		}

		env, _ := credentialdomain.ParseEnvironment(current.Environment)
		plain, hash, salt, err := generateSecret(current.KeyID, env)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		current.SecretHash = hash
		current.SecretSalt = salt
		current.UpdatedAt = now
		current.RotatedAt = &now
		if err := s.repo.Update(ctx, tx, current); err != nil {
			return err
		}

		result = &credentialdomain.SecretResponse{KeyID: current.KeyID, Secret: plain, CreatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Fresh secret, fresh quota. Counter loss is harmless, so a reset
	// failure is logged rather than failing the rotation.
	if s.quota != nil {
		if err := s.quota.Reset(ctx, trimmed); err != nil {
			s.log.Warn("quota reset after rotation failed",
				zap.String("key_id", trimmed),
				zap.Error(err),
			)
		}
	}

	s.log.Info("credential rotated", zap.String("key_id", trimmed))
	return result, nil
}

func (s *Service) Suspend(ctx context.Context, ownerID, keyID string) error {
	return s.transition(ctx, ownerID, keyID, credentialdomain.StatusSuspended)
}

func (s *Service) Revoke(ctx context.Context, ownerID, keyID string) error {
	return s.transition(ctx, ownerID, keyID, credentialdomain.StatusRevoked)
}

func (s *Service) Reactivate(ctx context.Context, ownerID, keyID string) error {
	return s.transition(ctx, ownerID, keyID, credentialdomain.StatusActive)
}

func (s *Service) transition(ctx context.Context, ownerID, keyID string, to credentialdomain.Status) error {
	owner, err := parseOwnerID(ownerID)
	if err != nil {
		return err
	}
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return credentialdomain.ErrInvalidKeyID
	}

	cred, err := s.repo.FindByOwnerAndKeyID(ctx, s.db, owner, trimmed)
	if err != nil {
		return err
	}
	if cred == nil {
		return credentialdomain.ErrNotFound
	}

	from := credentialdomain.Status(cred.Status)
	if !from.CanTransition(to) {
		return credentialdomain.ErrInvalidTransition
	}

	cred.Status = string(to)
	cred.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, cred); err != nil {
		return err
	}

	s.log.Info("credential status changed",
		zap.String("key_id", trimmed),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// Resolve authenticates a presented secret. Expiry is evaluated against
// the clock on every call; the result is never cached.
func (s *Service) Resolve(ctx context.Context, secret string) (*credentialdomain.Credential, error) {
	keyID, ok := parseSecretKeyID(secret)
	if !ok {
		return nil, credentialdomain.ErrInvalidCredential
	}

	cred, err := s.repo.FindByKeyID(ctx, s.db, keyID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, credentialdomain.ErrInvalidCredential
	}

	if !credentialdomain.VerifySecret(cred.SecretSalt, secret, cred.SecretHash) {
		return nil, credentialdomain.ErrInvalidCredential
	}

	now := s.clock.Now()
	switch credentialdomain.Status(cred.Status) {
	case credentialdomain.StatusRevoked:
		return nil, credentialdomain.ErrRevokedCredential
	case credentialdomain.StatusSuspended:
		return nil, credentialdomain.ErrSuspendedCredential
	case credentialdomain.StatusExpired:
		return nil, credentialdomain.ErrExpiredCredential
	}

	if cred.ExpiresAt != nil && now.After(*cred.ExpiresAt) {
		s.markExpired(ctx, cred, now)
		return nil, credentialdomain.ErrExpiredCredential
	}

	s.touchLastUsed(ctx, cred, now)
	return cred, nil
}

func (s *Service) List(ctx context.Context, ownerID string) ([]credentialdomain.Response, error) {
	owner, err := parseOwnerID(ownerID)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.ListByOwner(ctx, s.db, owner)
	if err != nil {
		return nil, err
	}

	resp := make([]credentialdomain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, toResponse(&items[i]))
	}
	return resp, nil
}

func (s *Service) Get(ctx context.Context, ownerID, keyID string) (*credentialdomain.Response, error) {
	owner, err := parseOwnerID(ownerID)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return nil, credentialdomain.ErrInvalidKeyID
	}

	cred, err := s.repo.FindByOwnerAndKeyID(ctx, s.db, owner, trimmed)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, credentialdomain.ErrNotFound
	}

	resp := toResponse(cred)
	return &resp, nil
}

func (s *Service) markExpired(ctx context.Context, cred *credentialdomain.Credential, now time.Time) {
	cred.Status = string(credentialdomain.StatusExpired)
	cred.UpdatedAt = now
	if err := s.repo.Update(ctx, s.db, cred); err != nil {
		s.log.Warn("persisting expired status failed",
			zap.String("key_id", cred.KeyID),
			zap.Error(err),
		)
	}
}

func (s *Service) touchLastUsed(ctx context.Context, cred *credentialdomain.Credential, now time.Time) {
	if cred.LastUsedAt != nil && now.Sub(*cred.LastUsedAt) < lastUsedRefresh {
		return
	}
	cred.LastUsedAt = &now
	cred.UpdatedAt = now
	if err := s.repo.Update(ctx, s.db, cred); err != nil {
		s.log.Debug("last_used_at update failed",
			zap.String("key_id", cred.KeyID),
			zap.Error(err),
		)
	}
}

func toResponse(cred *credentialdomain.Credential) credentialdomain.Response {
	return credentialdomain.Response{
		KeyID:       cred.KeyID,
		Name:        cred.Name,
		Environment: cred.Environment,
		Scopes:      cred.Scopes,
		Status:      cred.Status,
		PlanTier:    cred.PlanTier,
		IPAllowList: cred.IPAllowList,
		MaskedKey:   maskedKey(cred.KeyID, credentialdomain.Environment(cred.Environment)),
		CreatedAt:   cred.CreatedAt,
		ExpiresAt:   cred.ExpiresAt,
		LastUsedAt:  cred.LastUsedAt,
		RotatedAt:   cred.RotatedAt,
	}
}

func parseOwnerID(raw string) (snowflake.ID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, credentialdomain.ErrInvalidOwner
	}
	id, err := snowflake.ParseString(trimmed)
	if err != nil || id == 0 {
		return 0, credentialdomain.ErrInvalidOwner
	}
	return id, nil
}

func normalizeAllowList(entries []string) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	normalized := make([]string, 0, len(entries))
	for _, entry := range entries {
		value := strings.TrimSpace(entry)
		if value == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return nil, credentialdomain.ErrInvalidAllowList
		}
		normalized = append(normalized, prefix.Masked().String())
	}
	return normalized, nil
}

func environmentPrefix(env credentialdomain.Environment) string {
	if env == credentialdomain.EnvSandbox {
		return secretPrefixTest
	}
	return secretPrefixLive
}

// generateSecret builds "vd_<live|test>_<KEYID>_<64 hex>" and returns the
// plaintext together with its salted hash. The key id is embedded so
// resolution is a single indexed lookup followed by a constant-time
// hash comparison.
func generateSecret(keyID string, env credentialdomain.Environment) (plain, hash, salt string, err error) {
	raw := make([]byte, secretBytes)
	if _, err = rand.Read(raw); err != nil {
		return "", "", "", err
	}

	salt, err = credentialdomain.NewSalt()
	if err != nil {
		return "", "", "", err
	}

	trimmed := strings.TrimPrefix(keyID, "key_")
	plain = fmt.Sprintf("%s%s_%s", environmentPrefix(env), trimmed, hex.EncodeToString(raw))
	return plain, credentialdomain.HashSecret(salt, plain), salt, nil
}

func newKeyID(id snowflake.ID) string {
	return "key_" + strings.ToUpper(strconv.FormatInt(int64(id), 36))
}

func maskedKey(keyID string, env credentialdomain.Environment) string {
	trimmed := strings.TrimPrefix(keyID, "key_")
	return environmentPrefix(env) + trimmed + "_****"
}

// parseSecretKeyID recovers the public key id embedded in a secret.
// Malformed input is indistinguishable from a wrong secret to callers.
func parseSecretKeyID(secret string) (string, bool) {
	var rest string
	switch {
	case strings.HasPrefix(secret, secretPrefixLive):
		rest = strings.TrimPrefix(secret, secretPrefixLive)
	case strings.HasPrefix(secret, secretPrefixTest):
		rest = strings.TrimPrefix(secret, secretPrefixTest)
	default:
		return "", false
	}

	idx := strings.LastIndex(rest, "_")
	if idx <= 0 {
		return "", false
	}
	idPart, secretPart := rest[:idx], rest[idx+1:]
	if len(secretPart) != secretBytes*2 {
		return "", false
	}
	return "key_" + idPart, true
}
