package permission

import (
	"errors"
	"testing"

	credentialdomain "github.com/veridoc/apigate/internal/credential/domain"
	"github.com/veridoc/apigate/internal/scope"
)

func testCredential() *credentialdomain.Credential {
	return &credentialdomain.Credential{
		Environment: string(credentialdomain.EnvProduction),
		Scopes:      []string{"document:process"},
	}
}

func TestCheckScope(t *testing.T) {
	checker := NewChecker()
	cred := testCredential()

	if err := checker.Check(cred, scope.ScopeDocumentProcess, credentialdomain.EnvProduction, "203.0.113.7"); err != nil {
		t.Fatalf("granted scope should pass: %v", err)
	}
	if err := checker.Check(cred, scope.ScopeCalculationCreate, credentialdomain.EnvProduction, "203.0.113.7"); !errors.Is(err, ErrScopeDenied) {
		t.Fatalf("want ErrScopeDenied, got %v", err)
	}
}

func TestCheckEnvironment(t *testing.T) {
	checker := NewChecker()
	cred := testCredential()
	cred.Environment = string(credentialdomain.EnvSandbox)

	err := checker.Check(cred, scope.ScopeDocumentProcess, credentialdomain.EnvProduction, "203.0.113.7")
	if !errors.Is(err, ErrEnvironmentMismatch) {
		t.Fatalf("sandbox credential against production resource: want ErrEnvironmentMismatch, got %v", err)
	}
}

func TestCheckIPAllowList(t *testing.T) {
	checker := NewChecker()
	cred := testCredential()
	cred.IPAllowList = []string{"10.0.0.0/24"}

	if err := checker.Check(cred, scope.ScopeDocumentProcess, credentialdomain.EnvProduction, "10.0.0.42"); err != nil {
		t.Fatalf("listed address should pass: %v", err)
	}
	if err := checker.Check(cred, scope.ScopeDocumentProcess, credentialdomain.EnvProduction, "192.168.1.5"); !errors.Is(err, ErrIPNotAllowed) {
		t.Fatalf("unlisted address: want ErrIPNotAllowed, got %v", err)
	}
	if err := checker.Check(cred, scope.ScopeDocumentProcess, credentialdomain.EnvProduction, "not-an-ip"); !errors.Is(err, ErrIPNotAllowed) {
		t.Fatalf("unparsable address: want ErrIPNotAllowed, got %v", err)
	}

	cred.IPAllowList = nil
	if err := checker.Check(cred, scope.ScopeDocumentProcess, credentialdomain.EnvProduction, "not-an-ip"); err != nil {
		t.Fatalf("empty allow-list is unrestricted: %v", err)
	}
}
