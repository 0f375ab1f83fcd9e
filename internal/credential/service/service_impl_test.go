package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/veridoc/apigate/internal/clock"
	credentialdomain "github.com/veridoc/apigate/internal/credential/domain"
	"github.com/veridoc/apigate/internal/credential/repository"
	"github.com/veridoc/apigate/internal/plan"
	"github.com/veridoc/apigate/internal/scope"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type quotaStub struct {
	mu     sync.Mutex
	resets []string
}

func (q *quotaStub) Reset(ctx context.Context, credentialID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resets = append(q.resets, credentialID)
	return nil
}

func (q *quotaStub) Resets() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.resets...)
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func setupService(t *testing.T) (*Service, *clock.FakeClock, *quotaStub) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_pragma=foreign_keys(1)"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&credentialdomain.Credential{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Exec("DELETE FROM credentials").Error; err != nil {
		t.Fatalf("truncate: %v", err)
	}

	holder, err := plan.NewStaticHolder(plan.DefaultCatalog())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	quota := &quotaStub{}

	svc := New(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   mustNode(t),
		Repo:    repository.Provide(),
		Catalog: holder,
		Clock:   fake,
		Quota:   quota,
	}).(*Service)

	return svc, fake, quota
}

func issueRequest(owner snowflake.ID) credentialdomain.IssueRequest {
	return credentialdomain.IssueRequest{
		OwnerID:     owner.String(),
		Name:        "ci pipeline",
		Environment: "production",
		Scopes:      []string{"document.process"},
		PlanTier:    "professional",
	}
}

func TestIssueReturnsSecretOnce(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	owner := mustNode(t).Generate()

	resp, err := svc.Issue(ctx, issueRequest(owner))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(resp.Secret, "vd_live_") {
		t.Fatalf("production secret should carry live prefix: %s", resp.Secret)
	}

	list, err := svc.List(ctx, owner.String())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one credential, got %d", len(list))
	}
	if strings.Contains(list[0].MaskedKey, resp.Secret) {
		t.Fatalf("plaintext secret must not be re-returned")
	}

	resolved, err := svc.Resolve(ctx, resp.Secret)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.KeyID != resp.KeyID {
		t.Fatalf("resolved wrong credential: %s", resolved.KeyID)
	}
	if resolved.SecretHash == resp.Secret {
		t.Fatalf("stored hash must differ from plaintext")
	}
}

func TestIssueRejectsUnknownScopeAndTier(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	owner := mustNode(t).Generate()

	req := issueRequest(owner)
	req.Scopes = []string{"billing:charge"}
	if _, err := svc.Issue(ctx, req); !errors.Is(err, scope.ErrInvalidScope) {
		t.Fatalf("expected ErrInvalidScope, got %v", err)
	}

	req = issueRequest(owner)
	req.PlanTier = "platinum"
	if _, err := svc.Issue(ctx, req); !errors.Is(err, plan.ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}

	req = issueRequest(owner)
	req.IPAllowList = []string{"not-a-cidr"}
	if _, err := svc.Issue(ctx, req); !errors.Is(err, credentialdomain.ErrInvalidAllowList) {
		t.Fatalf("expected ErrInvalidAllowList, got %v", err)
	}
}

func TestIssueDistinctSecretsForSameName(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	ownerA := mustNode(t).Generate()
	ownerB := mustNode(t).Generate()

	reqA := issueRequest(ownerA)
	reqB := issueRequest(ownerB)

	respA, err := svc.Issue(ctx, reqA)
	if err != nil {
		t.Fatalf("issue a: %v", err)
	}
	respB, err := svc.Issue(ctx, reqB)
	if err != nil {
		t.Fatalf("issue b: %v", err)
	}

	if respA.KeyID == respB.KeyID || respA.Secret == respB.Secret {
		t.Fatalf("identical name/environment must still yield distinct credentials")
	}
}

func TestRotateInvalidatesOldSecretAndResetsQuota(t *testing.T) {
	svc, _, quota := setupService(t)
	ctx := context.Background()
	owner := mustNode(t).Generate()

	issued, err := svc.Issue(ctx, issueRequest(owner))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	rotated, err := svc.Rotate(ctx, owner.String(), issued.KeyID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.Secret == issued.Secret {
		t.Fatalf("rotation must mint a new secret")
	}

	if _, err := svc.Resolve(ctx, issued.Secret); !errors.Is(err, credentialdomain.ErrInvalidCredential) {
		t.Fatalf("old secret after rotate: want ErrInvalidCredential, got %v", err)
	}
	if _, err := svc.Resolve(ctx, rotated.Secret); err != nil {
		t.Fatalf("new secret should resolve: %v", err)
	}

	resets := quota.Resets()
	if len(resets) != 1 || resets[0] != issued.KeyID {
		t.Fatalf("rotation should reset quota for %s, got %v", issued.KeyID, resets)
	}
}

func TestStatusTransitions(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	owner := mustNode(t).Generate()

	issued, err := svc.Issue(ctx, issueRequest(owner))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := svc.Suspend(ctx, owner.String(), issued.KeyID); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, err := svc.Resolve(ctx, issued.Secret); !errors.Is(err, credentialdomain.ErrSuspendedCredential) {
		t.Fatalf("suspended resolve: want ErrSuspendedCredential, got %v", err)
	}

	if err := svc.Reactivate(ctx, owner.String(), issued.KeyID); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if _, err := svc.Resolve(ctx, issued.Secret); err != nil {
		t.Fatalf("reactivated resolve: %v", err)
	}

	if err := svc.Revoke(ctx, owner.String(), issued.KeyID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.Resolve(ctx, issued.Secret); !errors.Is(err, credentialdomain.ErrRevokedCredential) {
		t.Fatalf("revoked resolve: want ErrRevokedCredential, got %v", err)
	}

	// Revocation is terminal.
	if err := svc.Reactivate(ctx, owner.String(), issued.KeyID); !errors.Is(err, credentialdomain.ErrInvalidTransition) {
		t.Fatalf("reactivate after revoke: want ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.Rotate(ctx, owner.String(), issued.KeyID); !errors.Is(err, credentialdomain.ErrInvalidTransition) {
		t.Fatalf("rotate after revoke: want ErrInvalidTransition, got %v", err)
	}
}

func TestExpiryEvaluatedAtResolve(t *testing.T) {
	svc, fake, _ := setupService(t)
	ctx := context.Background()
	owner := mustNode(t).Generate()

	req := issueRequest(owner)
	expires := fake.Now().Add(time.Hour)
	req.ExpiresAt = &expires

	issued, err := svc.Issue(ctx, req)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := svc.Resolve(ctx, issued.Secret); err != nil {
		t.Fatalf("resolve before expiry: %v", err)
	}

	fake.Advance(2 * time.Hour)
	if _, err := svc.Resolve(ctx, issued.Secret); !errors.Is(err, credentialdomain.ErrExpiredCredential) {
		t.Fatalf("resolve after expiry: want ErrExpiredCredential, got %v", err)
	}

	// Expiry is persisted as a terminal state once observed.
	got, err := svc.Get(ctx, owner.String(), issued.KeyID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != string(credentialdomain.StatusExpired) {
		t.Fatalf("expected persisted expired status, got %s", got.Status)
	}
}

func TestResolveRejectsGarbage(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	for _, secret := range []string{"", "vd_live_", "sk_other_ABC_123", "vd_live_ABC_short"} {
		if _, err := svc.Resolve(ctx, secret); !errors.Is(err, credentialdomain.ErrInvalidCredential) {
			t.Fatalf("secret %q: want ErrInvalidCredential, got %v", secret, err)
		}
	}
}
