package auth

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// ErrUnauthenticated is returned when no valid credential accompanies a request.
var ErrUnauthenticated = errors.New("unauthenticated")

// Scope is a permission granted to a credential.
type Scope string

const (
	ScopeDeposit  Scope = "deposit"
	ScopeTransfer Scope = "transfer"
	ScopeRead     Scope = "read"
	ScopeAdmin    Scope = "admin"
)

// UserScopes are granted to bearer tokens issued for end users.
var UserScopes = []Scope{ScopeDeposit, ScopeTransfer, ScopeRead}

// ParseScope validates a scope name.
func ParseScope(s string) (Scope, bool) {
	switch Scope(s) {
	case ScopeDeposit, ScopeTransfer, ScopeRead, ScopeAdmin:
		return Scope(s), true
	}
	return "", false
}

// Method records how a principal authenticated.
type Method string

const (
	MethodBearer Method = "bearer"
	MethodAPIKey Method = "api_key"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	AccountID string
	Scopes    []Scope
	Method    Method
	KeyID     string
}

// Has reports whether the principal carries scope. Admin implies every scope.
func (p Principal) Has(scope Scope) bool {
	for _, s := range p.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

const principalLocal = "auth.principal"

// SetPrincipal stores the principal on the request context.
func SetPrincipal(c *fiber.Ctx, p Principal) {
	c.Locals(principalLocal, p)
}

// PrincipalFrom returns the request's principal.
func PrincipalFrom(c *fiber.Ctx) (Principal, bool) {
	p, ok := c.Locals(principalLocal).(Principal)
	return p, ok && p.AccountID != ""
}

// MustPrincipal returns the principal or a 401 error.
func MustPrincipal(c *fiber.Ctx) (Principal, error) {
	p, ok := PrincipalFrom(c)
	if !ok {
		return Principal{}, fiber.NewError(fiber.StatusUnauthorized, ErrUnauthenticated.Error())
	}
	return p, nil
}
