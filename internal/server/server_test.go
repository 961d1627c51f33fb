package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/paywallet/internal/config"
	"github.com/congo-pay/paywallet/internal/logging"
	"github.com/congo-pay/paywallet/internal/routes"
)

func testDeps() routes.Deps {
	return routes.Deps{
		Cfg: config.Config{
			AppName:     "PayWallet",
			AppEnv:      "development",
			Idempotency: config.Idempotency{MaxAttempts: 5},
			Ledger:      config.Ledger{DefaultCurrency: "NGN", RetryAttempts: 5},
		},
		Logger: logging.Discard(),
	}
}

func TestNewServesErrorsAsJSON(t *testing.T) {
	srv, err := New(context.Background(), testDeps())
	require.NoError(t, err)

	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/api/v1/wallets/me", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestNewRequiresBackendsOutsideDevelopment(t *testing.T) {
	d := testDeps()
	d.Cfg.AppEnv = "production"
	_, err := New(context.Background(), d)
	assert.Error(t, err)
}
