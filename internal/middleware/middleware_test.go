package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/paywallet/internal/auth"
	"github.com/congo-pay/paywallet/internal/httpapi"
	"github.com/congo-pay/paywallet/internal/logging"
)

var secret = []byte("jwt-secret")

type stubKeys map[string]auth.Principal

func (s stubKeys) Authenticate(_ context.Context, plaintext string) (auth.Principal, error) {
	p, ok := s[plaintext]
	if !ok {
		return auth.Principal{}, errors.New("unknown key")
	}
	return p, nil
}

func whoami(c *fiber.Ctx) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	return c.SendString(p.AccountID + "/" + string(p.Method))
}

func newApp(keys KeyAuthenticator) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: httpapi.ErrorHandler})
	app.Use(RequestID(), Audit(logging.Discard()))
	app.Get("/me", Authenticate(keys, secret), whoami)
	app.Post("/admin", Authenticate(keys, secret), RequireScope(auth.ScopeAdmin), whoami)
	return app
}

func bearer(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	token, err := auth.SignHS256(map[string]any{"sub": sub, "exp": exp.Unix()}, secret)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestAuthenticate(t *testing.T) {
	keys := stubKeys{
		"sk_good": {AccountID: "acct_key", Scopes: []auth.Scope{auth.ScopeRead}, Method: auth.MethodAPIKey},
		"sk_root": {AccountID: "ops", Scopes: []auth.Scope{auth.ScopeAdmin}, Method: auth.MethodAPIKey},
	}
	app := newApp(keys)

	cases := []struct {
		name   string
		header string
		value  string
		path   string
		method string
		status int
	}{
		{"no credentials", "", "", "/me", http.MethodGet, http.StatusUnauthorized},
		{"api key", APIKeyHeader, "sk_good", "/me", http.MethodGet, http.StatusOK},
		{"bad api key", APIKeyHeader, "sk_bad", "/me", http.MethodGet, http.StatusUnauthorized},
		{"bearer", fiber.HeaderAuthorization, bearer(t, "acct_jwt", time.Now().Add(time.Hour)), "/me", http.MethodGet, http.StatusOK},
		{"expired bearer", fiber.HeaderAuthorization, bearer(t, "acct_jwt", time.Now().Add(-time.Minute)), "/me", http.MethodGet, http.StatusUnauthorized},
		{"missing scope", APIKeyHeader, "sk_good", "/admin", http.MethodPost, http.StatusForbidden},
		{"bearer is not admin", fiber.HeaderAuthorization, bearer(t, "acct_jwt", time.Now().Add(time.Hour)), "/admin", http.MethodPost, http.StatusForbidden},
		{"admin", APIKeyHeader, "sk_root", "/admin", http.MethodPost, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
		})
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(RequestIDFrom(c)) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "req-123", resp.Header.Get(RequestIDHeader))
}

func TestRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	app := fiber.New(fiber.Config{ErrorHandler: httpapi.ErrorHandler})
	app.Use(func(c *fiber.Ctx) error {
		auth.SetPrincipal(c, auth.Principal{AccountID: c.Get("X-Account")})
		return c.Next()
	})
	app.Use(RateLimit(rdb, 3, logging.Discard()))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusNoContent) })

	call := func(account string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Account", account)
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		return resp.StatusCode
	}

	minute := time.Now().Unix() / 60
	var statuses []int
	for i := 0; i < 4; i++ {
		statuses = append(statuses, call("a"))
	}
	limited := 0
	for _, s := range statuses {
		if s == http.StatusTooManyRequests {
			limited++
		}
	}
	if time.Now().Unix()/60 == minute {
		assert.Equal(t, 1, limited)
		assert.Equal(t, http.StatusTooManyRequests, statuses[3])
	} else {
		assert.LessOrEqual(t, limited, 1, "window rolled over mid-test")
	}
	assert.Equal(t, http.StatusNoContent, call("b"))

	mr.Close()
	assert.Equal(t, http.StatusNoContent, call("a"), "fails open without redis")
}
