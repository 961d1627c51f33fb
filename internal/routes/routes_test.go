package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/paywallet/internal/auth"
	"github.com/congo-pay/paywallet/internal/config"
	"github.com/congo-pay/paywallet/internal/httpapi"
	"github.com/congo-pay/paywallet/internal/logging"
	"github.com/congo-pay/paywallet/internal/reconcile"
)

const (
	testJWTSecret     = "jwt-secret"
	testWebhookSecret = "whsec_test"
)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	cfg := config.Config{
		AppEnv:    "test",
		JWTSecret: testJWTSecret,
		Idempotency: config.Idempotency{
			TTL:         time.Hour,
			ClaimWindow: 30 * time.Second,
			MaxAttempts: 5,
		},
		Ledger:    config.Ledger{DefaultCurrency: "NGN", RetryAttempts: 5, RetryBaseDelay: time.Millisecond},
		Provider:  config.Provider{WebhookSecret: testWebhookSecret},
		Reconcile: config.Reconcile{Workers: 1},
	}
	app := fiber.New(fiber.Config{ErrorHandler: httpapi.ErrorHandler})
	workers, err := Setup(context.Background(), app, Deps{Cfg: cfg, Logger: logging.Discard()})
	require.NoError(t, err)
	assert.Empty(t, workers)
	return app
}

type client struct {
	t     *testing.T
	app   *fiber.App
	token string
}

func newClient(t *testing.T, app *fiber.App, accountID string) client {
	t.Helper()
	token, err := auth.SignHS256(map[string]any{
		"sub": accountID,
		"exp": float64(time.Now().Add(time.Hour).Unix()),
	}, []byte(testJWTSecret))
	require.NoError(t, err)
	return client{t: t, app: app, token: token}
}

func (c client) do(method, path string, body any, headers map[string]string) (int, map[string]any) {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.app.Test(req, -1)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func (c client) createWallet() string {
	c.t.Helper()
	status, body := c.do(http.MethodPost, "/api/v1/wallets", map[string]any{}, nil)
	require.Equal(c.t, http.StatusCreated, status, body)
	id, _ := body["id"].(string)
	require.NotEmpty(c.t, id)
	return id
}

func webhook(t *testing.T, app *fiber.App, payload map[string]any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(reconcile.SignatureHeader, reconcile.NewVerifier(testWebhookSecret).Sign(raw))
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealthWithoutBackends(t *testing.T) {
	app := newTestApp(t)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status map[string]string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, notConfigured, body.Status["postgres"])
	assert.Equal(t, notConfigured, body.Status["nats"])
}

func TestDepositDebitAndReplayOverHTTP(t *testing.T) {
	app := newTestApp(t)
	alice := newClient(t, app, "acct_alice")
	walletID := alice.createWallet()

	event := map[string]any{
		"id":   "E1",
		"type": reconcile.TypePaymentSuccess,
		"data": map[string]any{"wallet_id": walletID, "amount": 1000, "currency": "NGN"},
	}
	status, body := webhook(t, app, event)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, reconcile.StatusApplied, body["status"])

	status, body = webhook(t, app, event)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, reconcile.StatusDuplicate, body["status"])

	key := map[string]string{httpapi.IdempotencyKeyHeader: "k1"}
	debit := "/api/v1/wallets/" + walletID + "/debit"

	status, _ = alice.do(http.MethodPost, debit, map[string]any{"amount": 1500}, key)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, first := alice.do(http.MethodPost, debit, map[string]any{"amount": 400}, key)
	require.Equal(t, http.StatusCreated, status)
	status, again := alice.do(http.MethodPost, debit, map[string]any{"amount": 400}, key)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, first["id"], again["id"])

	status, bal := alice.do(http.MethodGet, "/api/v1/wallets/"+walletID+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 600, bal["amount"])
	assert.Equal(t, "6.00", bal["display"])

	status, hist := alice.do(http.MethodGet, "/api/v1/wallets/"+walletID+"/history", nil, nil)
	require.Equal(t, http.StatusOK, status)
	entries, _ := hist["entries"].([]any)
	assert.Len(t, entries, 2)
}

func TestRouteAuthorization(t *testing.T) {
	app := newTestApp(t)
	alice := newClient(t, app, "acct_alice")
	bob := newClient(t, app, "acct_bob")
	walletID := alice.createWallet()

	anonymous := client{t: t, app: app}
	status, _ := anonymous.do(http.MethodGet, "/api/v1/wallets/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, mine := alice.do(http.MethodGet, "/api/v1/wallets/me", nil, nil)
	require.Equal(t, http.StatusOK, status)
	wallets, _ := mine["wallets"].([]any)
	assert.Len(t, wallets, 1)

	status, _ = bob.do(http.MethodGet, "/api/v1/wallets/"+walletID+"/balance", nil, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = alice.do(http.MethodPost, "/api/v1/admin/wallets/"+walletID+"/freeze", nil, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = alice.do(http.MethodGet, "/api/v1/admin/events", nil, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestCustomersCannotCreditWithoutProviderEvent(t *testing.T) {
	app := newTestApp(t)
	alice := newClient(t, app, "acct_alice")
	walletID := alice.createWallet()
	key := map[string]string{httpapi.IdempotencyKeyHeader: "self-credit"}

	status, _ := alice.do(http.MethodPost, "/api/v1/admin/wallets/"+walletID+"/credit", map[string]any{"amount": 1000000}, key)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = alice.do(http.MethodPost, "/api/v1/wallets/"+walletID+"/credit", map[string]any{"amount": 1000000}, key)
	assert.Equal(t, http.StatusNotFound, status)

	status, bal := alice.do(http.MethodGet, "/api/v1/wallets/"+walletID+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, bal["amount"])

	status, intent := alice.do(http.MethodPost, "/api/v1/wallets/"+walletID+"/deposits", map[string]any{"amount": 1000}, key)
	assert.Equal(t, http.StatusCreated, status, intent)
}

func TestAPIKeyIssuedToBearerCanCallAPI(t *testing.T) {
	app := newTestApp(t)
	alice := newClient(t, app, "acct_alice")
	walletID := alice.createWallet()

	status, issued := alice.do(http.MethodPost, "/api/v1/keys", map[string]any{
		"name":        "reporting",
		"permissions": []string{"read"},
		"expiry":      "1D",
	}, nil)
	require.Equal(t, http.StatusCreated, status, issued)
	plaintext, _ := issued["api_key"].(string)
	require.NotEmpty(t, plaintext)

	service := client{t: t, app: app}
	status, _ = service.do(http.MethodGet, "/api/v1/wallets/"+walletID+"/balance", nil, map[string]string{"x-api-key": plaintext})
	assert.Equal(t, http.StatusOK, status)

	status, _ = service.do(http.MethodPost, "/api/v1/wallets/"+walletID+"/debit", map[string]any{"amount": 1},
		map[string]string{"x-api-key": plaintext, httpapi.IdempotencyKeyHeader: "k"})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = alice.do(http.MethodPost, "/api/v1/keys", map[string]any{
		"name":        "escalate",
		"permissions": []string{"admin"},
		"expiry":      "1D",
	}, nil)
	assert.Equal(t, http.StatusForbidden, status)
}
