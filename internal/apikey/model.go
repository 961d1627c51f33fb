package apikey

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/congo-pay/paywallet/internal/auth"
	"github.com/congo-pay/paywallet/internal/ledger"
)

var (
	// ErrNotFound is returned for unknown key ids.
	ErrNotFound = ledger.ErrNotFound
	// ErrInvalidKey covers malformed, unknown, revoked and expired credentials alike.
	ErrInvalidKey = errors.New("invalid api key")
	// ErrLimitReached means the account already holds the maximum of active keys.
	ErrLimitReached = errors.New("active api key limit reached")
	// ErrInvalidExpiry rejects expiry codes other than 1H, 1D, 1M and 1Y.
	ErrInvalidExpiry = errors.New("expiry must be one of 1H, 1D, 1M, 1Y")
	// ErrInvalidScope rejects unknown scopes and scopes the issuer does not hold.
	ErrInvalidScope = errors.New("invalid scope")
	// ErrNameRequired rejects keys without a label.
	ErrNameRequired = errors.New("api key name is required")
	// ErrNotExpired is returned when rolling over a key that is still valid.
	ErrNotExpired = errors.New("api key has not expired")
)

// MaxActiveKeys bounds the unrevoked, unexpired keys per account.
const MaxActiveKeys = 5

// Key is a stored API credential. The secret itself is never persisted.
type Key struct {
	ID         string       `json:"id"`
	AccountID  string       `json:"account_id"`
	Name       string       `json:"name"`
	Prefix     string       `json:"prefix"`
	Hash       string       `json:"-"`
	Scopes     []auth.Scope `json:"scopes"`
	ExpiresAt  time.Time    `json:"expires_at"`
	Revoked    bool         `json:"revoked"`
	CreatedAt  time.Time    `json:"created_at"`
	LastUsedAt *time.Time   `json:"last_used_at,omitempty"`
}

// Active reports whether the key can authenticate at now.
func (k Key) Active(now time.Time) bool {
	return !k.Revoked && now.Before(k.ExpiresAt)
}

// ParseExpiry converts an expiry code into a duration.
func ParseExpiry(code string) (time.Duration, error) {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "1H":
		return time.Hour, nil
	case "1D":
		return 24 * time.Hour, nil
	case "1M":
		return 30 * 24 * time.Hour, nil
	case "1Y":
		return 365 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("%w: got %q", ErrInvalidExpiry, code)
}

func scopeStrings(scopes []auth.Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

func parseScopes(raw []string) ([]auth.Scope, error) {
	seen := make(map[auth.Scope]bool, len(raw))
	out := make([]auth.Scope, 0, len(raw))
	for _, r := range raw {
		s, ok := auth.ParseScope(strings.ToLower(strings.TrimSpace(r)))
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidScope, r)
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one scope is required", ErrInvalidScope)
	}
	return out, nil
}
