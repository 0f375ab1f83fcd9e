// Package gate orders the admission pipeline for protected resources:
// resolve the credential, check permissions, then charge quota. Each
// step short-circuits so a caller can always tell a bad key from a
// denied scope from an exhausted quota.
package gate

import (
	"context"
	"errors"
	"fmt"

	credentialdomain "github.com/veridoc/apigate/internal/credential/domain"
	obsmetrics "github.com/veridoc/apigate/internal/observability/metrics"
	"github.com/veridoc/apigate/internal/permission"
	"github.com/veridoc/apigate/internal/ratelimit"
	"github.com/veridoc/apigate/internal/scope"
	usagedomain "github.com/veridoc/apigate/internal/usage/domain"
	"go.uber.org/zap"
)

// ErrStoreUnavailable is the single sentinel for unreachable backing
// stores, shared with the rate limiter.
var ErrStoreUnavailable = ratelimit.ErrStoreUnavailable

// Request describes one admission decision.
type Request struct {
	Secret        string
	RequiredScope scope.Scope
	Environment   credentialdomain.Environment
	CallerIP      string
	Endpoint      string
}

// Verdict is a successful admission. Credential is nil only when the
// gate admitted under fail-open policy with the credential store down.
type Verdict struct {
	Credential *credentialdomain.Credential
	Tier       string
}

// CredentialResolver authenticates a presented secret.
type CredentialResolver interface {
	Resolve(ctx context.Context, secret string) (*credentialdomain.Credential, error)
}

// Admitter charges one request against a credential's quota.
type Admitter interface {
	Admit(ctx context.Context, credentialID, tier string) error
}

type Gate struct {
	resolver   CredentialResolver
	checker    *permission.Checker
	admitter   Admitter
	recorder   usagedomain.Recorder
	metrics    *obsmetrics.Metrics
	log        *zap.Logger
	failOpen   bool
	defaultEnv credentialdomain.Environment
}

type Options struct {
	FailOpen            bool
	ResourceEnvironment credentialdomain.Environment
}

func New(resolver CredentialResolver, checker *permission.Checker, admitter Admitter, recorder usagedomain.Recorder, m *obsmetrics.Metrics, log *zap.Logger, opts Options) *Gate {
	return &Gate{
		resolver:   resolver,
		checker:    checker,
		admitter:   admitter,
		recorder:   recorder,
		metrics:    m,
		log:        log,
		failOpen:   opts.FailOpen,
		defaultEnv: opts.ResourceEnvironment,
	}
}

// Validate runs resolve, permission and quota checks in order and
// returns the first denial. Store failures honor the fail-open policy;
// the default is to deny rather than silently drop enforcement.
func (g *Gate) Validate(ctx context.Context, req Request) (*Verdict, error) {
	resourceEnv := req.Environment
	if resourceEnv == "" {
		resourceEnv = g.defaultEnv
	}

	cred, err := g.resolver.Resolve(ctx, req.Secret)
	if err != nil {
		if isCredentialDenial(err) {
			g.denied(ctx, err, req.Endpoint)
			return nil, err
		}
		if g.failOpen {
			g.log.Warn("credential store unreachable, admitting under fail-open policy",
				zap.String("endpoint", req.Endpoint),
				zap.Error(err),
			)
			g.allowed(ctx, "", req.Endpoint)
			return &Verdict{}, nil
		}
		g.denied(ctx, ErrStoreUnavailable, req.Endpoint)
		return nil, fmt.Errorf("resolve credential: %w", ErrStoreUnavailable)
	}

	if err := g.checker.Check(cred, req.RequiredScope, resourceEnv, req.CallerIP); err != nil {
		g.denied(ctx, err, req.Endpoint)
		return nil, err
	}

	if err := g.admitter.Admit(ctx, cred.KeyID, cred.PlanTier); err != nil {
		if errors.Is(err, ratelimit.ErrStoreUnavailable) {
			if g.failOpen {
				g.log.Warn("rate limit store unreachable, admitting under fail-open policy",
					zap.String("key_id", cred.KeyID),
					zap.Error(err),
				)
				g.allowed(ctx, cred.PlanTier, req.Endpoint)
				return &Verdict{Credential: cred, Tier: cred.PlanTier}, nil
			}
			g.denied(ctx, ErrStoreUnavailable, req.Endpoint)
			return nil, err
		}
		g.denied(ctx, err, req.Endpoint)
		return nil, err
	}

	g.allowed(ctx, cred.PlanTier, req.Endpoint)
	return &Verdict{Credential: cred, Tier: cred.PlanTier}, nil
}

// Record forwards a completed request to the usage pipeline. It never
// blocks and never fails; usage tracking is best-effort.
func (g *Gate) Record(ctx context.Context, ev usagedomain.Event) {
	if g.recorder != nil {
		g.recorder.Record(ev)
	}
	g.metrics.RecordUsageEvent(ctx, string(ev.Outcome))
}

func (g *Gate) allowed(ctx context.Context, tier, endpoint string) {
	g.metrics.RecordGateAllowed(ctx, tier, endpoint)
}

func (g *Gate) denied(ctx context.Context, err error, endpoint string) {
	g.metrics.RecordGateDenied(ctx, DenyReason(err), endpoint)
}

func isCredentialDenial(err error) bool {
	return errors.Is(err, credentialdomain.ErrInvalidCredential) ||
		errors.Is(err, credentialdomain.ErrExpiredCredential) ||
		errors.Is(err, credentialdomain.ErrRevokedCredential) ||
		errors.Is(err, credentialdomain.ErrSuspendedCredential)
}

// DenyReason maps a denial to its low-cardinality metric label.
func DenyReason(err error) string {
	switch {
	case errors.Is(err, credentialdomain.ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, credentialdomain.ErrExpiredCredential):
		return "expired_credential"
	case errors.Is(err, credentialdomain.ErrRevokedCredential):
		return "revoked_credential"
	case errors.Is(err, credentialdomain.ErrSuspendedCredential):
		return "suspended_credential"
	case errors.Is(err, permission.ErrScopeDenied):
		return "scope_denied"
	case errors.Is(err, permission.ErrEnvironmentMismatch):
		return "environment_mismatch"
	case errors.Is(err, permission.ErrIPNotAllowed):
		return "ip_not_allowed"
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return "rate_limit"
	case errors.Is(err, ratelimit.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "unknown"
	}
}
