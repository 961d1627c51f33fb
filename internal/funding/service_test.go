package funding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/paywallet/internal/idempotency"
	"github.com/congo-pay/paywallet/internal/ledger"
	"github.com/congo-pay/paywallet/internal/logging"
	"github.com/congo-pay/paywallet/internal/wallet"
)

type failingProvider struct{}

func (failingProvider) InitializeTransaction(context.Context, Checkout) (Authorization, error) {
	return Authorization{}, errors.New("gateway timeout")
}

func setup(t *testing.T, provider Provider) (*Service, *wallet.Service, wallet.Wallet) {
	t.Helper()
	repo := wallet.NewMemoryRepository()
	store := ledger.NewMemoryStore(wallet.Policies(repo))
	wallets := wallet.NewService(repo, store, wallet.Defaults{Currency: "NGN"}, logging.Discard())
	w, err := wallets.Create(context.Background(), wallet.CreateInput{OwnerID: "acct_1"})
	require.NoError(t, err)
	svc, err := NewService(NewMemoryIntentRepository(), wallets, provider, idempotency.NewMemoryGuard(idempotency.Options{}), logging.Discard())
	require.NoError(t, err)
	return svc, wallets, w
}

func TestInitiateDepositIsIdempotent(t *testing.T) {
	svc, _, w := setup(t, StaticProvider{CheckoutURL: "https://pay.test/checkout"})
	ctx := context.Background()
	in := DepositInput{AccountID: "acct_1", WalletID: w.ID, Amount: 5_000, IdempotencyKey: "dep-1"}

	first, replayed, err := svc.InitiateDeposit(ctx, in)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, StatusPending, first.Status)
	assert.Contains(t, first.AuthorizationURL, "reference="+first.Reference)
	assert.Equal(t, "NGN", first.Currency)

	again, replayed, err := svc.InitiateDeposit(ctx, in)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.Reference, again.Reference)

	in.Amount = 6_000
	_, _, err = svc.InitiateDeposit(ctx, in)
	assert.ErrorIs(t, err, idempotency.ErrFingerprintMismatch)
}

func TestInitiateDepositChecksOwnerAndStatus(t *testing.T) {
	svc, wallets, w := setup(t, nil)
	ctx := context.Background()

	_, _, err := svc.InitiateDeposit(ctx, DepositInput{AccountID: "acct_2", WalletID: w.ID, Amount: 10, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, wallet.ErrNotOwner)

	_, _, err = svc.InitiateDeposit(ctx, DepositInput{AccountID: "acct_1", WalletID: w.ID, Amount: 0, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)

	_, err = wallets.Freeze(ctx, w.ID)
	require.NoError(t, err)
	_, _, err = svc.InitiateDeposit(ctx, DepositInput{AccountID: "acct_1", WalletID: w.ID, Amount: 10, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ledger.ErrWalletNotActive)
}

func TestProviderFailureReleasesKey(t *testing.T) {
	svc, _, w := setup(t, failingProvider{})
	ctx := context.Background()
	in := DepositInput{AccountID: "acct_1", WalletID: w.ID, Amount: 100, IdempotencyKey: "retry-me"}

	_, _, err := svc.InitiateDeposit(ctx, in)
	require.ErrorIs(t, err, ErrProvider)

	svc.provider = StaticProvider{}
	intent, replayed, err := svc.InitiateDeposit(ctx, in)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, StatusPending, intent.Status)
}

func TestSettlement(t *testing.T) {
	svc, _, w := setup(t, nil)
	ctx := context.Background()
	intent, _, err := svc.InitiateDeposit(ctx, DepositInput{AccountID: "acct_1", WalletID: w.ID, Amount: 700, IdempotencyKey: "k"})
	require.NoError(t, err)

	_, err = svc.MarkSucceeded(ctx, intent.Reference, w.ID, 699)
	require.ErrorIs(t, err, ErrAmountMismatch)

	settled, err := svc.MarkSucceeded(ctx, intent.Reference, w.ID, 700)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, settled.Status)

	_, err = svc.MarkFailed(ctx, intent.Reference)
	assert.ErrorIs(t, err, ErrIntentSettled)

	got, err := svc.Status(ctx, "acct_1", intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)

	_, err = svc.Status(ctx, "acct_2", intent.Reference)
	assert.ErrorIs(t, err, wallet.ErrNotOwner)

	_, err = svc.MarkFailed(ctx, "DEP_missing")
	assert.ErrorIs(t, err, ErrIntentNotFound)
}
