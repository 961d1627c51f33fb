package payments

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/paywallet/internal/idempotency"
	"github.com/congo-pay/paywallet/internal/ledger"
	"github.com/congo-pay/paywallet/internal/logging"
	"github.com/congo-pay/paywallet/internal/notification"
	"github.com/congo-pay/paywallet/internal/projector"
	"github.com/congo-pay/paywallet/internal/wallet"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification.Message
}

func (n *recordingNotifier) Send(_ context.Context, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

type env struct {
	svc      *Service
	wallets  *wallet.Service
	store    *ledger.MemoryStore
	guard    *idempotency.MemoryGuard
	notifier *recordingNotifier
}

func newEnv(t *testing.T) *env {
	t.Helper()
	repo := wallet.NewMemoryRepository()
	store := ledger.NewMemoryStore(wallet.Policies(repo))
	wallets := wallet.NewService(repo, store, wallet.Defaults{Currency: "NGN"}, logging.Discard())
	guard := idempotency.NewMemoryGuard(idempotency.Options{})
	notifier := &recordingNotifier{}
	proj := projector.New(store, projector.NewMemoryCache(), logging.Discard())
	svc, err := NewService(store, wallets, guard, proj, notifier, logging.Discard())
	require.NoError(t, err)
	return &env{svc: svc, wallets: wallets, store: store, guard: guard, notifier: notifier}
}

func (e *env) wallet(t *testing.T, owner string) wallet.Wallet {
	t.Helper()
	w, err := e.wallets.Create(context.Background(), wallet.CreateInput{OwnerID: owner})
	require.NoError(t, err)
	return w
}

func (e *env) balance(t *testing.T, owner, walletID string) int64 {
	t.Helper()
	b, err := e.svc.Balance(context.Background(), Caller{AccountID: owner}, walletID)
	require.NoError(t, err)
	return b.Amount
}

func TestDebitKeyReuseAfterInsufficientFunds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w := e.wallet(t, "acct_1")
	caller := Caller{AccountID: "acct_1"}

	_, _, err := e.svc.Credit(ctx, MoveInput{Caller: caller, WalletID: w.ID, Amount: 1000, IdempotencyKey: "seed"})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), e.balance(t, "acct_1", w.ID))

	_, _, err = e.svc.Debit(ctx, MoveInput{Caller: caller, WalletID: w.ID, Amount: 1500, IdempotencyKey: "k1"})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, int64(1000), e.balance(t, "acct_1", w.ID))

	first, replayed, err := e.svc.Debit(ctx, MoveInput{Caller: caller, WalletID: w.ID, Amount: 400, IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int64(-400), first.Amount)

	again, replayed, err := e.svc.Debit(ctx, MoveInput{Caller: caller, WalletID: w.ID, Amount: 400, IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, int64(600), e.balance(t, "acct_1", w.ID))

	entries, err := e.store.ListEntries(ctx, w.ID, ledger.Range{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestKeyReusedForDifferentRequest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w := e.wallet(t, "acct_1")
	caller := Caller{AccountID: "acct_1"}

	_, _, err := e.svc.Credit(ctx, MoveInput{Caller: caller, WalletID: w.ID, Amount: 100, IdempotencyKey: "k"})
	require.NoError(t, err)
	_, _, err = e.svc.Credit(ctx, MoveInput{Caller: caller, WalletID: w.ID, Amount: 200, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, idempotency.ErrFingerprintMismatch)

	// Keys are scoped per operation.
	_, replayed, err := e.svc.Debit(ctx, MoveInput{Caller: caller, WalletID: w.ID, Amount: 50, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int64(50), e.balance(t, "acct_1", w.ID))
}

func TestRecoversWhenGuardLostTheCommit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w := e.wallet(t, "acct_1")
	caller := Caller{AccountID: "acct_1"}

	first, _, err := e.svc.Credit(ctx, MoveInput{Caller: caller, WalletID: w.ID, Amount: 300, IdempotencyKey: "k"})
	require.NoError(t, err)

	// A fresh guard has no record of the key, as after a cache flush.
	amnesiac, err := NewService(e.store, e.wallets, idempotency.NewMemoryGuard(idempotency.Options{}), e.svc.projector, nil, logging.Discard())
	require.NoError(t, err)
	again, replayed, err := amnesiac.Credit(ctx, MoveInput{Caller: caller, WalletID: w.ID, Amount: 300, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, int64(300), e.balance(t, "acct_1", w.ID))
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w := e.wallet(t, "acct_1")
	caller := Caller{AccountID: "acct_1"}
	_, _, err := e.svc.Credit(ctx, MoveInput{Caller: caller, WalletID: w.ID, Amount: 1000, IdempotencyKey: "seed"})
	require.NoError(t, err)

	var ok, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := e.svc.Debit(ctx, MoveInput{Caller: caller, WalletID: w.ID, Amount: 100, IdempotencyKey: string(rune('a' + i))})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ledger.ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				t.Errorf("debit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(15), insufficient.Load())
	assert.Equal(t, int64(0), e.balance(t, "acct_1", w.ID))

	entries, err := e.store.ListEntries(ctx, w.ID, ledger.Range{})
	require.NoError(t, err)
	for i, entry := range entries {
		assert.Equal(t, int64(i+1), entry.Sequence)
	}
}

func TestConcurrentRetriesOfOneKeyPostOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w := e.wallet(t, "acct_1")
	caller := Caller{AccountID: "acct_1"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := e.svc.Credit(ctx, MoveInput{Caller: caller, WalletID: w.ID, Amount: 70, IdempotencyKey: "same"})
			if err != nil && !errors.Is(err, idempotency.ErrInProgress) {
				t.Errorf("credit: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(70), e.balance(t, "acct_1", w.ID))
}

func TestTransfer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	from := e.wallet(t, "acct_1")
	to := e.wallet(t, "acct_2")
	caller := Caller{AccountID: "acct_1"}
	_, _, err := e.svc.Credit(ctx, MoveInput{Caller: caller, WalletID: from.ID, Amount: 5000, IdempotencyKey: "seed"})
	require.NoError(t, err)

	in := TransferInput{Caller: caller, FromWalletID: from.ID, ToWalletNumber: to.WalletNumber, Amount: 2000, IdempotencyKey: "t1"}
	tr, replayed, err := e.svc.Transfer(ctx, in)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Regexp(t, `^TRF_`, tr.Reference)
	assert.Equal(t, int64(-2000), tr.Debit.Amount)
	assert.Equal(t, int64(2000), tr.Credit.Amount)

	again, replayed, err := e.svc.Transfer(ctx, in)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, tr.Reference, again.Reference)

	assert.Equal(t, int64(3000), e.balance(t, "acct_1", from.ID))
	assert.Equal(t, int64(2000), e.balance(t, "acct_2", to.ID))

	e.notifier.mu.Lock()
	var transfers int
	for _, m := range e.notifier.sent {
		if m.Kind == notification.KindTransfer {
			transfers++
		}
	}
	e.notifier.mu.Unlock()
	assert.Equal(t, 2, transfers)
}

func TestTransferRules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	from := e.wallet(t, "acct_1")
	to := e.wallet(t, "acct_2")
	usd, err := e.wallets.Create(ctx, wallet.CreateInput{OwnerID: "acct_3", Currency: "USD"})
	require.NoError(t, err)
	caller := Caller{AccountID: "acct_1"}

	_, _, err = e.svc.Transfer(ctx, TransferInput{Caller: caller, FromWalletID: from.ID, ToWalletNumber: to.WalletNumber, Amount: 1, IdempotencyKey: "a"})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	_, _, err = e.svc.Transfer(ctx, TransferInput{Caller: caller, FromWalletID: from.ID, ToWalletNumber: from.WalletNumber, Amount: 1, IdempotencyKey: "b"})
	assert.ErrorIs(t, err, ErrSameWallet)

	_, _, err = e.svc.Transfer(ctx, TransferInput{Caller: caller, FromWalletID: from.ID, ToWalletNumber: usd.WalletNumber, Amount: 1, IdempotencyKey: "c"})
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	_, _, err = e.svc.Transfer(ctx, TransferInput{Caller: Caller{AccountID: "acct_2"}, FromWalletID: from.ID, ToWalletNumber: to.WalletNumber, Amount: 1, IdempotencyKey: "d"})
	assert.ErrorIs(t, err, wallet.ErrNotOwner)

	_, _, err = e.svc.Transfer(ctx, TransferInput{Caller: caller, FromWalletID: from.ID, ToWalletNumber: "0000000000000", Amount: 1, IdempotencyKey: "e"})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestFrozenWalletRejectsMovements(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w := e.wallet(t, "acct_1")
	caller := Caller{AccountID: "acct_1"}
	_, err := e.wallets.Freeze(ctx, w.ID)
	require.NoError(t, err)

	_, _, err = e.svc.Credit(ctx, MoveInput{Caller: caller, WalletID: w.ID, Amount: 10, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ledger.ErrWalletNotActive)
}

func TestAdjustAndHistory(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w := e.wallet(t, "acct_1")
	caller := Caller{AccountID: "acct_1"}

	for i := 0; i < 5; i++ {
		_, _, err := e.svc.Credit(ctx, MoveInput{Caller: caller, WalletID: w.ID, Amount: 10, IdempotencyKey: string(rune('a' + i))})
		require.NoError(t, err)
	}
	adj, _, err := e.svc.Adjust(ctx, AdjustInput{ActorID: "ops", WalletID: w.ID, Amount: -80, Reason: "duplicate manual credit", IdempotencyKey: "adj1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.KindAdjustment, adj.Kind)

	_, _, err = e.svc.Adjust(ctx, AdjustInput{ActorID: "ops", WalletID: w.ID, Amount: 5, IdempotencyKey: "adj2"})
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)

	page, err := e.svc.History(ctx, caller, w.ID, 0, 4)
	require.NoError(t, err)
	require.Len(t, page.Entries, 4)
	assert.Equal(t, int64(4), page.NextCursor)

	rest, err := e.svc.History(ctx, caller, w.ID, page.NextCursor, 4)
	require.NoError(t, err)
	require.Len(t, rest.Entries, 2)
	assert.Zero(t, rest.NextCursor)
	assert.Equal(t, int64(6), rest.Entries[1].Sequence)

	b, err := e.svc.Balance(ctx, Caller{AccountID: "someone", Admin: true}, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-30), b.Amount)
	assert.Equal(t, "-0.30", b.Display)

	_, err = e.svc.History(ctx, Caller{AccountID: "someone"}, w.ID, 0, 0)
	assert.ErrorIs(t, err, wallet.ErrNotOwner)
}
