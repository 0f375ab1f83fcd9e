// Package scope defines the fixed capability vocabulary a credential may
// be granted against the protected document and calculation engines.
package scope

import (
	"errors"
	"strings"
)

type Scope string

var ErrInvalidScope = errors.New("invalid_scope")

const (
	ScopeDocumentProcess Scope = "document:process"
	ScopeDocumentExtract Scope = "document:extract"
	ScopeDocumentStatus  Scope = "document:status"

	ScopeCalculationCreate Scope = "calculation:create"
	ScopeCalculationView   Scope = "calculation:view"

	ScopeUsageView Scope = "usage:view"

	ScopeCredentialView   Scope = "credential:view"
	ScopeCredentialCreate Scope = "credential:create"
	ScopeCredentialRotate Scope = "credential:rotate"
	ScopeCredentialRevoke Scope = "credential:revoke"
)

var allScopes = []Scope{
	ScopeDocumentProcess,
	ScopeDocumentExtract,
	ScopeDocumentStatus,
	ScopeCalculationCreate,
	ScopeCalculationView,
	ScopeUsageView,
	ScopeCredentialView,
	ScopeCredentialCreate,
	ScopeCredentialRotate,
	ScopeCredentialRevoke,
}

var validScopes = func() map[string]struct{} {
	lookup := make(map[string]struct{}, len(allScopes))
	for _, scope := range allScopes {
		lookup[normalize(string(scope))] = struct{}{}
	}
	return lookup
}()

// All returns the full vocabulary.
func All() []string {
	values := make([]string, len(allScopes))
	for i, scope := range allScopes {
		values[i] = string(scope)
	}
	return values
}

// Has reports whether the granted scope set covers the required scope.
// A bare "*" or an "object:*" wildcard grant covers everything under it.
func Has(scopes []string, required Scope) bool {
	requiredScope := normalize(string(required))
	if requiredScope == "" {
		return false
	}

	requiredObject := strings.SplitN(requiredScope, ":", 2)[0]

	for _, scope := range scopes {
		normalized := normalize(scope)
		if normalized == "" {
			continue
		}
		if normalized == "*" {
			return true
		}
		if normalized == requiredScope {
			return true
		}
		if requiredObject != "" && normalized == requiredObject+":*" {
			return true
		}
	}
	return false
}

// Validate rejects any scope outside the vocabulary. Wildcards are
// accepted when their object prefix names a known object.
func Validate(scopes []string) error {
	for _, scope := range Normalize(scopes) {
		if IsValid(scope) {
			continue
		}
		if object, ok := strings.CutSuffix(scope, ":*"); ok && knownObject(object) {
			continue
		}
		return ErrInvalidScope
	}
	return nil
}

// Normalize lowercases, folds "." separators to ":" and deduplicates.
func Normalize(scopes []string) []string {
	if len(scopes) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(scopes))
	normalized := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		value := normalize(scope)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		normalized = append(normalized, value)
	}
	return normalized
}

func IsValid(scope string) bool {
	_, ok := validScopes[normalize(scope)]
	return ok
}

func knownObject(object string) bool {
	for _, scope := range allScopes {
		if strings.SplitN(string(scope), ":", 2)[0] == object {
			return true
		}
	}
	return false
}

func normalize(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	return strings.ReplaceAll(normalized, ".", ":")
}
