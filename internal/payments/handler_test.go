package payments

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/paywallet/internal/auth"
	"github.com/congo-pay/paywallet/internal/httpapi"
	"github.com/congo-pay/paywallet/internal/ledger"
)

func newApp(svc *Service, account string) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: httpapi.ErrorHandler})
	app.Use(func(c *fiber.Ctx) error {
		auth.SetPrincipal(c, auth.Principal{AccountID: account, Scopes: auth.UserScopes, Method: auth.MethodBearer})
		return c.Next()
	})
	h := NewHandler(svc)
	app.Post("/wallets/:walletId/credit", h.Credit)
	app.Post("/wallets/:walletId/debit", h.Debit)
	app.Post("/transfers", h.Transfer)
	app.Get("/wallets/:walletId/balance", h.Balance)
	app.Get("/wallets/:walletId/history", h.History)
	return app
}

func jsonRequest(method, path, key string, body any) *http.Request {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(httpapi.IdempotencyKeyHeader, key)
	}
	return req
}

func readJSON(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, dst), string(body))
}

func TestHandlerDebitFlow(t *testing.T) {
	e := newEnv(t)
	w := e.wallet(t, "acct_1")
	app := newApp(e.svc, "acct_1")

	resp, err := app.Test(jsonRequest(http.MethodPost, "/wallets/"+w.ID+"/credit", "c1", map[string]int64{"amount": 1000}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = app.Test(jsonRequest(http.MethodPost, "/wallets/"+w.ID+"/debit", "k1", map[string]int64{"amount": 1500}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err = app.Test(jsonRequest(http.MethodPost, "/wallets/"+w.ID+"/debit", "k1", map[string]int64{"amount": 400}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = app.Test(jsonRequest(http.MethodPost, "/wallets/"+w.ID+"/debit", "k1", map[string]int64{"amount": 400}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/wallets/"+w.ID+"/balance", nil))
	require.NoError(t, err)
	var b Balance
	readJSON(t, resp, &b)
	assert.Equal(t, int64(600), b.Amount)
	assert.Equal(t, "6.00", b.Display)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/wallets/"+w.ID+"/history?limit=1", nil))
	require.NoError(t, err)
	var page Page
	readJSON(t, resp, &page)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, int64(1), page.NextCursor)
}

func TestHandlerRequestValidation(t *testing.T) {
	e := newEnv(t)
	w := e.wallet(t, "acct_1")
	other := e.wallet(t, "acct_2")
	app := newApp(e.svc, "acct_1")

	resp, err := app.Test(jsonRequest(http.MethodPost, "/wallets/"+w.ID+"/credit", "", map[string]int64{"amount": 5}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(jsonRequest(http.MethodPost, "/wallets/"+w.ID+"/credit", "k", map[string]int64{"amount": -5}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err = app.Test(jsonRequest(http.MethodPost, "/wallets/"+w.ID+"/debit", "k", map[string]int64{"amount": ledger.MaxAmount + 1}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err = app.Test(jsonRequest(http.MethodPost, "/wallets/"+other.ID+"/credit", "k", map[string]int64{"amount": 5}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = app.Test(jsonRequest(http.MethodPost, "/transfers", "t", map[string]any{
		"from_wallet_id": w.ID, "to_wallet_number": "123", "amount": 5,
	}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/wallets/"+w.ID+"/history?cursor=abc", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

}

func TestHandlerOperatorCreditsAnyWallet(t *testing.T) {
	e := newEnv(t)
	w := e.wallet(t, "acct_1")
	app := fiber.New(fiber.Config{ErrorHandler: httpapi.ErrorHandler})
	app.Use(func(c *fiber.Ctx) error {
		auth.SetPrincipal(c, auth.Principal{AccountID: "ops", Scopes: []auth.Scope{auth.ScopeAdmin}, Method: auth.MethodAPIKey})
		return c.Next()
	})
	app.Post("/admin/wallets/:walletId/credit", NewHandler(e.svc).Credit)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/admin/wallets/"+w.ID+"/credit", "ops-1", map[string]int64{"amount": 250}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int64(250), e.balance(t, "acct_1", w.ID))
}
