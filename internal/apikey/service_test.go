package apikey

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/congo-pay/paywallet/internal/auth"
	"github.com/congo-pay/paywallet/internal/logging"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newService(t *testing.T) (*Service, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	return NewService(NewMemoryRepository(), logging.Discard(), WithClock(clk.Now), WithCost(bcrypt.MinCost)), clk
}

var user = auth.Principal{AccountID: "acct_1", Scopes: auth.UserScopes, Method: auth.MethodBearer}

func TestIssueAndAuthenticate(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, IssueInput{Issuer: user, Name: "server", Scopes: []string{"read", "deposit", "read"}, Expiry: "1D"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issued.Plaintext, "sk_"+issued.Key.Prefix+"_"))
	assert.Equal(t, []auth.Scope{auth.ScopeRead, auth.ScopeDeposit}, issued.Key.Scopes)
	assert.NotContains(t, issued.Key.Hash, issued.Plaintext)

	p, err := svc.Authenticate(ctx, issued.Plaintext)
	require.NoError(t, err)
	assert.Equal(t, "acct_1", p.AccountID)
	assert.Equal(t, auth.MethodAPIKey, p.Method)
	assert.True(t, p.Has(auth.ScopeDeposit))
	assert.False(t, p.Has(auth.ScopeTransfer))

	keys, err := svc.List(ctx, "acct_1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)

	for _, bad := range []string{"", "sk_nope", issued.Plaintext + "x", strings.Replace(issued.Plaintext, "sk_", "pk_", 1)} {
		_, err := svc.Authenticate(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestIssueValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Issue(ctx, IssueInput{Issuer: user, Name: "k", Scopes: []string{"read"}, Expiry: "2W"})
	assert.ErrorIs(t, err, ErrInvalidExpiry)
	_, err = svc.Issue(ctx, IssueInput{Issuer: user, Name: "k", Scopes: []string{"launch"}, Expiry: "1H"})
	assert.ErrorIs(t, err, ErrInvalidScope)
	_, err = svc.Issue(ctx, IssueInput{Issuer: user, Name: "k", Scopes: []string{"admin"}, Expiry: "1H"})
	assert.ErrorIs(t, err, ErrInvalidScope)
	_, err = svc.Issue(ctx, IssueInput{Issuer: user, Name: " ", Scopes: []string{"read"}, Expiry: "1H"})
	assert.ErrorIs(t, err, ErrNameRequired)
}

func TestActiveKeyLimit(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()

	for i := 0; i < MaxActiveKeys; i++ {
		_, err := svc.Issue(ctx, IssueInput{Issuer: user, Name: "k", Scopes: []string{"read"}, Expiry: "1H"})
		require.NoError(t, err)
	}
	_, err := svc.Issue(ctx, IssueInput{Issuer: user, Name: "k", Scopes: []string{"read"}, Expiry: "1H"})
	require.ErrorIs(t, err, ErrLimitReached)

	clk.Advance(time.Hour)
	_, err = svc.Issue(ctx, IssueInput{Issuer: user, Name: "k", Scopes: []string{"read"}, Expiry: "1H"})
	assert.NoError(t, err)
}

func TestExpiryRevokeAndRollover(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, IssueInput{Issuer: user, Name: "ci", Scopes: []string{"transfer"}, Expiry: "1H"})
	require.NoError(t, err)

	_, err = svc.Rollover(ctx, "acct_1", issued.Key.ID, "1D")
	require.ErrorIs(t, err, ErrNotExpired)

	clk.Advance(time.Hour)
	_, err = svc.Authenticate(ctx, issued.Plaintext)
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = svc.Rollover(ctx, "acct_2", issued.Key.ID, "1D")
	require.ErrorIs(t, err, ErrNotFound)

	next, err := svc.Rollover(ctx, "acct_1", issued.Key.ID, "1D")
	require.NoError(t, err)
	assert.Equal(t, "ci", next.Key.Name)
	assert.Equal(t, []auth.Scope{auth.ScopeTransfer}, next.Key.Scopes)

	p, err := svc.Authenticate(ctx, next.Plaintext)
	require.NoError(t, err)
	assert.Equal(t, next.Key.ID, p.KeyID)

	require.ErrorIs(t, svc.Revoke(ctx, "acct_2", next.Key.ID), ErrNotFound)
	require.NoError(t, svc.Revoke(ctx, "acct_1", next.Key.ID))
	_, err = svc.Authenticate(ctx, next.Plaintext)
	assert.ErrorIs(t, err, ErrInvalidKey)
}
