// Package permission validates scope, environment and caller-IP
// constraints for a resolved credential. Checks are pure: no I/O, no
// shared state.
package permission

import (
	"errors"
	"net/netip"

	credentialdomain "github.com/veridoc/apigate/internal/credential/domain"
	"github.com/veridoc/apigate/internal/scope"
)

var (
	ErrScopeDenied         = errors.New("scope_denied")
	ErrEnvironmentMismatch = errors.New("environment_mismatch")
	ErrIPNotAllowed        = errors.New("ip_not_allowed")
)

type Checker struct{}

func NewChecker() *Checker { return &Checker{} }

// Check applies the three constraint checks in order. Denial reasons are
// distinct so callers can tell a missing scope from a blocked address.
func (c *Checker) Check(cred *credentialdomain.Credential, required scope.Scope, resourceEnv credentialdomain.Environment, callerIP string) error {
	if !scope.Has(cred.Scopes, required) {
		return ErrScopeDenied
	}

	if credentialdomain.Environment(cred.Environment) != resourceEnv {
		return ErrEnvironmentMismatch
	}

	return c.checkIP(cred.IPAllowList, callerIP)
}

// checkIP matches the caller against the CIDR allow-list. An empty list
// means unrestricted; a non-empty list with an unparsable caller address
// denies.
func (c *Checker) checkIP(allowList []string, callerIP string) error {
	if len(allowList) == 0 {
		return nil
	}

	addr, err := netip.ParseAddr(callerIP)
	if err != nil {
		return ErrIPNotAllowed
	}
	addr = addr.Unmap()

	for _, entry := range allowList {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			// Allow-list entries are validated at issuance; an
			// unparsable row cannot grant access.
			continue
		}
		if prefix.Contains(addr) {
			return nil
		}
	}
	return ErrIPNotAllowed
}
