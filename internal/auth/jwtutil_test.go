package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyBearer(t *testing.T) {
	secret := []byte("s3cret")
	now := time.Unix(1_700_000_000, 0)

	token, err := SignHS256(map[string]any{"sub": "acct_1", "exp": now.Add(time.Hour).Unix()}, secret)
	require.NoError(t, err)

	p, err := VerifyBearer(token, secret, now)
	require.NoError(t, err)
	assert.Equal(t, "acct_1", p.AccountID)
	assert.Equal(t, MethodBearer, p.Method)
	assert.True(t, p.Has(ScopeTransfer))
	assert.False(t, p.Has(ScopeAdmin))

	_, err = VerifyBearer(token, []byte("other"), now)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = VerifyBearer(token, secret, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrUnauthenticated)

	noSub, err := SignHS256(map[string]any{"exp": now.Add(time.Hour).Unix()}, secret)
	require.NoError(t, err)
	_, err = VerifyBearer(noSub, secret, now)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = VerifyBearer("not.a.jwt", secret, now)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerifyBearerRequiresExpiry(t *testing.T) {
	secret := []byte("s3cret")
	now := time.Unix(1_700_000_000, 0)

	noExp, err := SignHS256(map[string]any{"sub": "acct_1"}, secret)
	require.NoError(t, err)
	_, err = VerifyBearer(noExp, secret, now)
	require.ErrorIs(t, err, ErrUnauthenticated)
	assert.Contains(t, err.Error(), "no expiry")

	textExp, err := SignHS256(map[string]any{"sub": "acct_1", "exp": "never"}, secret)
	require.NoError(t, err)
	_, err = VerifyBearer(textExp, secret, now)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAdminScopeImpliesAll(t *testing.T) {
	p := Principal{AccountID: "ops", Scopes: []Scope{ScopeAdmin}}
	for _, s := range []Scope{ScopeDeposit, ScopeTransfer, ScopeRead, ScopeAdmin} {
		assert.True(t, p.Has(s), s)
	}
	_, ok := ParseScope("withdraw")
	assert.False(t, ok)
}
