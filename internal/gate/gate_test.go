package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/lib/pq"
	credentialdomain "github.com/veridoc/apigate/internal/credential/domain"
	"github.com/veridoc/apigate/internal/permission"
	"github.com/veridoc/apigate/internal/ratelimit"
	usagedomain "github.com/veridoc/apigate/internal/usage/domain"
	"go.uber.org/zap"
)

type resolverStub struct {
	cred *credentialdomain.Credential
	err  error
}

func (r *resolverStub) Resolve(ctx context.Context, secret string) (*credentialdomain.Credential, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.cred, nil
}

type admitterStub struct {
	err   error
	calls int
}

func (a *admitterStub) Admit(ctx context.Context, credentialID, tier string) error {
	a.calls++
	return a.err
}

type recorderStub struct {
	events []usagedomain.Event
}

func (r *recorderStub) Record(ev usagedomain.Event) {
	r.events = append(r.events, ev)
}

func (r *recorderStub) Query(ctx context.Context, credentialID string, days int) (*usagedomain.Summary, error) {
	return &usagedomain.Summary{}, nil
}

func activeCredential() *credentialdomain.Credential {
	return &credentialdomain.Credential{
		KeyID:       "key_7K2M",
		Environment: "production",
		Scopes:      pq.StringArray{"document:process"},
		PlanTier:    "professional",
		Status:      string(credentialdomain.StatusActive),
	}
}

func testGate(resolver *resolverStub, admitter *admitterStub, opts Options) (*Gate, *recorderStub) {
	rec := &recorderStub{}
	return New(resolver, permission.NewChecker(), admitter, rec, nil, zap.NewNop(), opts), rec
}

func request() Request {
	return Request{
		Secret:        "vd_live_7K2M_aaaa",
		RequiredScope: "document:process",
		Environment:   "production",
		CallerIP:      "203.0.113.7",
		Endpoint:      "POST /v1/documents/process",
	}
}

func TestValidateAdmitsActiveCredential(t *testing.T) {
	resolver := &resolverStub{cred: activeCredential()}
	admitter := &admitterStub{}
	g, _ := testGate(resolver, admitter, Options{})

	verdict, err := g.Validate(context.Background(), request())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if verdict.Credential == nil || verdict.Credential.KeyID != "key_7K2M" {
		t.Fatalf("verdict credential = %+v", verdict.Credential)
	}
	if verdict.Tier != "professional" {
		t.Fatalf("verdict tier = %s", verdict.Tier)
	}
	if admitter.calls != 1 {
		t.Fatalf("admitter calls = %d", admitter.calls)
	}
}

func TestValidateShortCircuitsBeforeQuota(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*resolverStub, *Request)
		wantErr error
	}{
		{
			name: "invalid credential",
			mutate: func(r *resolverStub, _ *Request) {
				r.cred = nil
				r.err = credentialdomain.ErrInvalidCredential
			},
			wantErr: credentialdomain.ErrInvalidCredential,
		},
		{
			name: "revoked credential",
			mutate: func(r *resolverStub, _ *Request) {
				r.cred = nil
				r.err = credentialdomain.ErrRevokedCredential
			},
			wantErr: credentialdomain.ErrRevokedCredential,
		},
		{
			name: "missing scope",
			mutate: func(_ *resolverStub, req *Request) {
				req.RequiredScope = "calculation:create"
			},
			wantErr: permission.ErrScopeDenied,
		},
		{
			name: "environment mismatch",
			mutate: func(_ *resolverStub, req *Request) {
				req.Environment = "sandbox"
			},
			wantErr: permission.ErrEnvironmentMismatch,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resolver := &resolverStub{cred: activeCredential()}
			admitter := &admitterStub{}
			g, _ := testGate(resolver, admitter, Options{})

			req := request()
			tc.mutate(resolver, &req)

			_, err := g.Validate(context.Background(), req)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("want %v, got %v", tc.wantErr, err)
			}
			if admitter.calls != 0 {
				t.Fatalf("quota must not be charged on %s", tc.name)
			}
		})
	}
}

func TestValidateIPAllowList(t *testing.T) {
	cred := activeCredential()
	cred.IPAllowList = pq.StringArray{"203.0.113.0/24"}
	resolver := &resolverStub{cred: cred}
	g, _ := testGate(resolver, &admitterStub{}, Options{})

	req := request()
	req.CallerIP = "198.51.100.9"
	if _, err := g.Validate(context.Background(), req); !errors.Is(err, permission.ErrIPNotAllowed) {
		t.Fatalf("want ErrIPNotAllowed, got %v", err)
	}

	req.CallerIP = "203.0.113.9"
	if _, err := g.Validate(context.Background(), req); err != nil {
		t.Fatalf("allow-listed address should pass: %v", err)
	}
}

func TestValidatePropagatesRateLimitDenial(t *testing.T) {
	resolver := &resolverStub{cred: activeCredential()}
	admitter := &admitterStub{err: &ratelimit.LimitExceededError{Window: "minute"}}
	g, _ := testGate(resolver, admitter, Options{})

	_, err := g.Validate(context.Background(), request())
	if !errors.Is(err, ratelimit.ErrRateLimitExceeded) {
		t.Fatalf("want rate limit denial, got %v", err)
	}
	var denied *ratelimit.LimitExceededError
	if !errors.As(err, &denied) {
		t.Fatalf("reset metadata must survive the gate: %v", err)
	}
}

func TestValidateFailClosedByDefault(t *testing.T) {
	resolver := &resolverStub{cred: activeCredential()}
	admitter := &admitterStub{err: ratelimit.ErrStoreUnavailable}
	g, _ := testGate(resolver, admitter, Options{})

	_, err := g.Validate(context.Background(), request())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("fail-closed should surface store unavailability, got %v", err)
	}
}

func TestValidateFailOpenAdmitsOnStoreError(t *testing.T) {
	resolver := &resolverStub{cred: activeCredential()}
	admitter := &admitterStub{err: ratelimit.ErrStoreUnavailable}
	g, _ := testGate(resolver, admitter, Options{FailOpen: true})

	verdict, err := g.Validate(context.Background(), request())
	if err != nil {
		t.Fatalf("fail-open should admit: %v", err)
	}
	if verdict.Credential == nil {
		t.Fatalf("credential resolved before the store error must be kept")
	}
}

func TestValidateResolveInfraFailure(t *testing.T) {
	resolver := &resolverStub{err: errors.New("connection refused")}

	g, _ := testGate(resolver, &admitterStub{}, Options{})
	if _, err := g.Validate(context.Background(), request()); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("fail-closed resolve failure should map to store unavailable, got %v", err)
	}

	g, _ = testGate(resolver, &admitterStub{}, Options{FailOpen: true})
	verdict, err := g.Validate(context.Background(), request())
	if err != nil {
		t.Fatalf("fail-open resolve failure should admit: %v", err)
	}
	if verdict.Credential != nil {
		t.Fatalf("no credential identity exists under fail-open resolve failure")
	}
}

func TestValidateUsesConfiguredEnvironmentDefault(t *testing.T) {
	resolver := &resolverStub{cred: activeCredential()}
	g, _ := testGate(resolver, &admitterStub{}, Options{ResourceEnvironment: "sandbox"})

	req := request()
	req.Environment = ""
	if _, err := g.Validate(context.Background(), req); !errors.Is(err, permission.ErrEnvironmentMismatch) {
		t.Fatalf("default sandbox environment should reject production credential, got %v", err)
	}
}

func TestRecordForwardsToRecorder(t *testing.T) {
	resolver := &resolverStub{cred: activeCredential()}
	g, rec := testGate(resolver, &admitterStub{}, Options{})

	g.Record(context.Background(), usagedomain.Event{
		CredentialID: "key_7K2M",
		Endpoint:     "POST /v1/documents/process",
		Outcome:      usagedomain.OutcomeOK,
	})

	if len(rec.events) != 1 || rec.events[0].CredentialID != "key_7K2M" {
		t.Fatalf("recorder events = %+v", rec.events)
	}
}
