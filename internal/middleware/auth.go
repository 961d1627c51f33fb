package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/paywallet/internal/auth"
)

// APIKeyHeader carries service-to-service credentials.
const APIKeyHeader = "x-api-key"

// KeyAuthenticator resolves API keys; *apikey.Service implements it.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, plaintext string) (auth.Principal, error)
}

// Authenticate accepts an API key or an HS256 bearer token and stores the
// resulting principal on the request. Requests with neither are rejected.
func Authenticate(keys KeyAuthenticator, jwtSecret []byte) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if key := strings.TrimSpace(c.Get(APIKeyHeader)); key != "" {
			p, err := keys.Authenticate(c.UserContext(), key)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				return fiber.NewError(http.StatusUnauthorized, "invalid api key")
			}
			auth.SetPrincipal(c, p)
			return c.Next()
		}

		authz := c.Get(fiber.HeaderAuthorization)
		if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing credentials")
		}
		p, err := auth.VerifyBearer(strings.TrimSpace(authz[7:]), jwtSecret, time.Now())
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}
		auth.SetPrincipal(c, p)
		return c.Next()
	}
}

// RequireScope rejects principals lacking scope.
func RequireScope(scope auth.Scope) fiber.Handler {
	return func(c *fiber.Ctx) error {
		p, err := auth.MustPrincipal(c)
		if err != nil {
			return err
		}
		if !p.Has(scope) {
			return fiber.NewError(http.StatusForbidden, "missing permission: "+string(scope))
		}
		return c.Next()
	}
}
