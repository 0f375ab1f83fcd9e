package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/veridoc/apigate/internal/clock"
	"github.com/veridoc/apigate/internal/config"
	credentialdomain "github.com/veridoc/apigate/internal/credential/domain"
	credentialrepo "github.com/veridoc/apigate/internal/credential/repository"
	credentialservice "github.com/veridoc/apigate/internal/credential/service"
	"github.com/veridoc/apigate/internal/engine"
	"github.com/veridoc/apigate/internal/gate"
	"github.com/veridoc/apigate/internal/permission"
	"github.com/veridoc/apigate/internal/plan"
	"github.com/veridoc/apigate/internal/ratelimit"
	usagedomain "github.com/veridoc/apigate/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type recorderStub struct {
	mu      sync.Mutex
	events  []usagedomain.Event
	summary *usagedomain.Summary
}

func (r *recorderStub) Record(ev usagedomain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorderStub) Query(ctx context.Context, credentialID string, days int) (*usagedomain.Summary, error) {
	if days > usagedomain.MaxQueryDays || days < 0 {
		return nil, usagedomain.ErrInvalidRange
	}
	if r.summary != nil {
		return r.summary, nil
	}
	return &usagedomain.Summary{}, nil
}

func (r *recorderStub) Events() []usagedomain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]usagedomain.Event(nil), r.events...)
}

type serverFixture struct {
	server   *Server
	engine   *gin.Engine
	clock    *clock.FakeClock
	recorder *recorderStub
	owner    string
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func setupServer(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	holder, err := plan.NewStaticHolder(plan.Catalog{
		Tiers: map[string]plan.Limits{
			"free":         {PerMinute: 2, PerHour: 100, PerDay: 1000, Burst: 50},
			"professional": {PerMinute: 50, PerHour: 2000, PerDay: 25000, Burst: 100},
		},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	node := mustNode(t)
	log := zap.NewNop()

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), holder, fake, log)

	credentialSvc := credentialservice.New(credentialservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Repo:    credentialrepo.Provide(),
		Catalog: holder,
		Clock:   fake,
		Quota:   limiter,
	})

	rec := &recorderStub{}
	g := gate.New(credentialSvc, permission.NewChecker(), limiter, rec, nil, log, gate.Options{
		ResourceEnvironment: credentialdomain.EnvProduction,
	})

	r := gin.New()
	r.Use(ErrorHandlingMiddleware(fake))

	srv := NewServer(ServerParams{
		Gin:           r,
		Cfg:           config.Config{},
		GenID:         node,
		CredentialSvc: credentialSvc,
		Recorder:      rec,
		Limiter:       limiter,
		Gate:          g,
		EngineClient:  engine.NewLoopback(node, fake),
		Log:           log,
	})
	srv.RegisterAPIRoutes()

	return &serverFixture{
		server:   srv,
		engine:   r,
		clock:    fake,
		recorder: rec,
		owner:    node.Generate().String(),
	}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:51234"
	for k, v := range header {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *serverFixture) issue(t *testing.T, tier string, scopes []string) (keyID, secret string) {
	t.Helper()

	w := f.do(t, http.MethodPost, "/v1/credentials", gin.H{
		"name":        "ci pipeline",
		"environment": "production",
		"scopes":      scopes,
		"plan_tier":   tier,
	}, map[string]string{"X-Owner-Id": f.owner})

	if w.Code != http.StatusCreated {
		t.Fatalf("issue status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		KeyID  string `json:"key_id"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode issue response: %v", err)
	}
	if resp.Secret == "" {
		t.Fatal("issue response is missing the plaintext secret")
	}
	return resp.KeyID, resp.Secret
}

func errType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp.Error.Type
}

func TestProtectedResourceEndToEnd(t *testing.T) {
	f := setupServer(t)
	_, secret := f.issue(t, "professional", []string{"document:process"})

	w := f.do(t, http.MethodPost, "/v1/documents/process", gin.H{
		"document_url": "https://example.com/contract.pdf",
		"kind":         "invoice",
	}, map[string]string{"Authorization": "Bearer " + secret})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp engine.DocumentResult
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID == "" || resp.Status != "queued" {
		t.Fatalf("unexpected result %+v", resp)
	}

	events := f.recorder.Events()
	if len(events) != 1 {
		t.Fatalf("recorded events = %d, want 1", len(events))
	}
	if events[0].Outcome != usagedomain.OutcomeOK {
		t.Fatalf("outcome = %s, want ok", events[0].Outcome)
	}
	if events[0].Endpoint != "POST /v1/documents/process" {
		t.Fatalf("endpoint = %q", events[0].Endpoint)
	}
}

func TestMissingBearerIsUnauthorized(t *testing.T) {
	f := setupServer(t)

	for _, header := range []map[string]string{
		nil,
		{"Authorization": "Basic abc"},
		{"Authorization": "Bearer "},
	} {
		w := f.do(t, http.MethodPost, "/v1/documents/process", gin.H{"document_url": "https://x"}, header)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("header %v: status = %d, want 401", header, w.Code)
		}
	}
}

func TestUnknownSecretIsUnauthorized(t *testing.T) {
	f := setupServer(t)

	w := f.do(t, http.MethodPost, "/v1/documents/process", gin.H{"document_url": "https://x"},
		map[string]string{"Authorization": "Bearer vd_live_deadbeef"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := errType(t, w); got != "invalid_credential" {
		t.Fatalf("error type = %q", got)
	}
}

func TestWrongScopeIsForbidden(t *testing.T) {
	f := setupServer(t)
	_, secret := f.issue(t, "professional", []string{"calculation:view"})

	w := f.do(t, http.MethodPost, "/v1/documents/process", gin.H{"document_url": "https://x"},
		map[string]string{"Authorization": "Bearer " + secret})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if got := errType(t, w); got != "scope_denied" {
		t.Fatalf("error type = %q", got)
	}
}

func TestRevokedCredentialIsUnauthorized(t *testing.T) {
	f := setupServer(t)
	keyID, secret := f.issue(t, "professional", []string{"document:process"})

	w := f.do(t, http.MethodPost, "/v1/credentials/"+keyID+"/revoke", nil,
		map[string]string{"X-Owner-Id": f.owner})
	if w.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, body %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodPost, "/v1/documents/process", gin.H{"document_url": "https://x"},
		map[string]string{"Authorization": "Bearer " + secret})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := errType(t, w); got != "revoked_credential" {
		t.Fatalf("error type = %q", got)
	}
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	f := setupServer(t)
	_, secret := f.issue(t, "free", []string{"document:process"})

	headers := map[string]string{"Authorization": "Bearer " + secret}
	body := gin.H{"document_url": "https://x"}

	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodPost, "/v1/documents/process", body, headers)
		if w.Code != http.StatusAccepted {
			t.Fatalf("request %d: status = %d, body %s", i, w.Code, w.Body.String())
		}
	}

	w := f.do(t, http.MethodPost, "/v1/documents/process", body, headers)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := errType(t, w); got != "rate_limit_exceeded" {
		t.Fatalf("error type = %q", got)
	}
	// Denied by the minute window at 12:00:00; it resets at 12:01:00
	// on the limiter's clock, so the header reports the full window.
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After = %q, want 60", got)
	}

	var resp struct {
		Error struct {
			ResetAt string `json:"reset_at"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.ResetAt == "" {
		t.Fatal("reset_at is missing from the denial body")
	}

	// A fresh minute window admits again.
	f.clock.Advance(time.Minute)
	w = f.do(t, http.MethodPost, "/v1/documents/process", body, headers)
	if w.Code != http.StatusAccepted {
		t.Fatalf("after window reset: status = %d", w.Code)
	}
}

func TestCredentialLifecycleOverHTTP(t *testing.T) {
	f := setupServer(t)
	keyID, secret := f.issue(t, "professional", []string{"document:process"})
	owner := map[string]string{"X-Owner-Id": f.owner}

	w := f.do(t, http.MethodGet, "/v1/credentials", nil, owner)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/v1/credentials/"+keyID, nil, owner)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte(secret)) {
		t.Fatal("credential detail leaked the plaintext secret")
	}

	w = f.do(t, http.MethodPost, "/v1/credentials/"+keyID+"/rotate", nil, owner)
	if w.Code != http.StatusOK {
		t.Fatalf("rotate status = %d, body %s", w.Code, w.Body.String())
	}
	var rotated struct {
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &rotated); err != nil {
		t.Fatalf("decode rotate: %v", err)
	}
	if rotated.Secret == "" || rotated.Secret == secret {
		t.Fatal("rotation must mint a fresh secret")
	}

	// The old secret stops resolving immediately.
	w = f.do(t, http.MethodPost, "/v1/documents/process", gin.H{"document_url": "https://x"},
		map[string]string{"Authorization": "Bearer " + secret})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("old secret: status = %d, want 401", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/credentials/"+keyID+"/suspend", nil, owner)
	if w.Code != http.StatusOK {
		t.Fatalf("suspend status = %d", w.Code)
	}
	w = f.do(t, http.MethodPost, "/v1/credentials/"+keyID+"/reactivate", nil, owner)
	if w.Code != http.StatusOK {
		t.Fatalf("reactivate status = %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/documents/process", gin.H{"document_url": "https://x"},
		map[string]string{"Authorization": "Bearer " + rotated.Secret})
	if w.Code != http.StatusAccepted {
		t.Fatalf("reactivated: status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestMissingOwnerHeaderIsValidation(t *testing.T) {
	f := setupServer(t)

	w := f.do(t, http.MethodPost, "/v1/credentials", gin.H{"name": "x"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestReactivateRevokedConflicts(t *testing.T) {
	f := setupServer(t)
	keyID, _ := f.issue(t, "professional", []string{"document:process"})
	owner := map[string]string{"X-Owner-Id": f.owner}

	w := f.do(t, http.MethodPost, "/v1/credentials/"+keyID+"/revoke", nil, owner)
	if w.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/credentials/"+keyID+"/reactivate", nil, owner)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if got := errType(t, w); got != "invalid_transition" {
		t.Fatalf("error type = %q", got)
	}
}

func TestCredentialUsageEndpoint(t *testing.T) {
	f := setupServer(t)
	keyID, secret := f.issue(t, "professional", []string{"document:process"})
	f.recorder.summary = &usagedomain.Summary{RequestsToday: 3}

	w := f.do(t, http.MethodPost, "/v1/documents/process", gin.H{"document_url": "https://x"},
		map[string]string{"Authorization": "Bearer " + secret})
	if w.Code != http.StatusAccepted {
		t.Fatalf("seed request status = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/v1/credentials/"+keyID+"/usage?days=7", nil,
		map[string]string{"X-Owner-Id": f.owner})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp credentialUsageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.KeyID != keyID {
		t.Fatalf("key_id = %q", resp.KeyID)
	}
	if resp.Summary == nil || resp.Summary.RequestsToday != 3 {
		t.Fatalf("summary = %+v", resp.Summary)
	}
	if len(resp.Windows) == 0 {
		t.Fatal("windows are missing")
	}
	for _, window := range resp.Windows {
		if window.Granularity == ratelimit.GranularityMinute && window.Used != 1 {
			t.Fatalf("minute window used = %d, want 1", window.Used)
		}
	}
}

func TestUsageRejectsBadDays(t *testing.T) {
	f := setupServer(t)
	keyID, _ := f.issue(t, "professional", []string{"document:process"})
	owner := map[string]string{"X-Owner-Id": f.owner}

	for _, days := range []string{"abc", "120"} {
		w := f.do(t, http.MethodGet, "/v1/credentials/"+keyID+"/usage?days="+days, nil, owner)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("days=%s: status = %d, want 400", days, w.Code)
		}
	}
}

func TestCalculationRoundTrip(t *testing.T) {
	f := setupServer(t)
	_, secret := f.issue(t, "professional", []string{"calculation:create", "calculation:view"})
	headers := map[string]string{"Authorization": "Bearer " + secret}

	w := f.do(t, http.MethodPost, "/v1/calculations", gin.H{
		"name":   "quarterly tax",
		"inputs": gin.H{"q1": 100.0, "q2": 250.5},
	}, headers)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}

	var created engine.CalculationResult
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Total != 350.5 {
		t.Fatalf("total = %v, want 350.5", created.Total)
	}

	w = f.do(t, http.MethodGet, "/v1/calculations/"+created.ID, nil, headers)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/v1/calculations/calc_missing", nil, headers)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing: status = %d, want 404", w.Code)
	}
}

func TestErrorRequestsRecordedWithErrorOutcome(t *testing.T) {
	f := setupServer(t)
	_, secret := f.issue(t, "professional", []string{"document:process"})

	w := f.do(t, http.MethodPost, "/v1/documents/process", gin.H{"document_url": ""},
		map[string]string{"Authorization": "Bearer " + secret})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	events := f.recorder.Events()
	if len(events) != 1 {
		t.Fatalf("recorded events = %d, want 1", len(events))
	}
	if events[0].Outcome != usagedomain.OutcomeError {
		t.Fatalf("outcome = %s, want error", events[0].Outcome)
	}
}

func TestMapErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"invalid credential", credentialdomain.ErrInvalidCredential, http.StatusUnauthorized, "invalid_credential"},
		{"expired", credentialdomain.ErrExpiredCredential, http.StatusUnauthorized, "expired_credential"},
		{"suspended", credentialdomain.ErrSuspendedCredential, http.StatusUnauthorized, "suspended_credential"},
		{"scope", permission.ErrScopeDenied, http.StatusForbidden, "scope_denied"},
		{"environment", permission.ErrEnvironmentMismatch, http.StatusForbidden, "environment_mismatch"},
		{"ip", permission.ErrIPNotAllowed, http.StatusForbidden, "ip_not_allowed"},
		{"limit", &ratelimit.LimitExceededError{Window: "minute", ResetAt: time.Now()}, http.StatusTooManyRequests, "rate_limit_exceeded"},
		{"store", ratelimit.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
		{"transition", credentialdomain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{"not found", credentialdomain.ErrNotFound, http.StatusNotFound, "not_found"},
		{"unknown tier", plan.ErrUnknownTier, http.StatusBadRequest, "validation_error"},
		{"wrapped", fmt.Errorf("resolve credential: %w", ratelimit.ErrStoreUnavailable), http.StatusServiceUnavailable, "store_unavailable"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := mapError(tc.err)
			if status != tc.wantStatus {
				t.Fatalf("status = %d, want %d", status, tc.wantStatus)
			}
			if payload.Type != tc.wantType {
				t.Fatalf("type = %q, want %q", payload.Type, tc.wantType)
			}
		})
	}
}
