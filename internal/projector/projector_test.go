package projector

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/paywallet/internal/ledger"
	"github.com/congo-pay/paywallet/internal/logging"
)

func caches(t *testing.T) map[string]Cache {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return map[string]Cache{
		"memory": NewMemoryCache(),
		"redis":  NewRedisCache(rdb),
	}
}

func post(t *testing.T, store ledger.Store, walletID string, amount int64) ledger.Entry {
	t.Helper()
	kind := ledger.KindDeposit
	if amount < 0 {
		kind = ledger.KindWithdrawal
	}
	e, err := ledger.Append(context.Background(), store, ledger.AppendRequest{WalletID: walletID, Amount: amount, Kind: kind})
	require.NoError(t, err)
	return e
}

func TestCurrentBalanceWithoutCacheFoldsHistory(t *testing.T) {
	store := ledger.NewMemoryStore(ledger.NewStaticPolicies("w1"))
	post(t, store, "w1", 1_000)
	post(t, store, "w1", -250)

	p := New(store, nil, logging.Discard())
	balance, err := p.CurrentBalance(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(750), balance)
}

func TestApplyAdvancesCache(t *testing.T) {
	for name, cache := range caches(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := ledger.NewMemoryStore(ledger.NewStaticPolicies("w1"))
			p := New(store, cache, logging.Discard())

			p.Apply(ctx, post(t, store, "w1", 1_000))
			p.Apply(ctx, post(t, store, "w1", -400))

			snap, ok, err := cache.Get(ctx, "w1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, Snapshot{Balance: 600, Sequence: 2}, snap)

			balance, err := p.CurrentBalance(ctx, "w1")
			require.NoError(t, err)
			assert.Equal(t, int64(600), balance)
		})
	}
}

func TestStaleCacheHealsOnRead(t *testing.T) {
	for name, cache := range caches(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := ledger.NewMemoryStore(ledger.NewStaticPolicies("w1"))
			p := New(store, cache, logging.Discard())

			p.Apply(ctx, post(t, store, "w1", 500))
			// Written without Apply, as after a crash between append and cache update.
			post(t, store, "w1", 300)
			post(t, store, "w1", -100)

			balance, err := p.CurrentBalance(ctx, "w1")
			require.NoError(t, err)
			assert.Equal(t, int64(700), balance)

			snap, _, err := cache.Get(ctx, "w1")
			require.NoError(t, err)
			assert.Equal(t, int64(3), snap.Sequence)
		})
	}
}

func TestApplyWithGapReplays(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore(ledger.NewStaticPolicies("w1"))
	cache := NewMemoryCache()
	p := New(store, cache, logging.Discard())

	post(t, store, "w1", 200)
	post(t, store, "w1", 50)
	p.Apply(ctx, post(t, store, "w1", 25))

	snap, ok, _ := cache.Get(ctx, "w1")
	require.True(t, ok)
	assert.Equal(t, Snapshot{Balance: 275, Sequence: 3}, snap)
}

func TestCachePutNeverMovesBackwards(t *testing.T) {
	for name, cache := range caches(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, cache.Put(ctx, "w1", Snapshot{Balance: 900, Sequence: 5}))
			require.NoError(t, cache.Put(ctx, "w1", Snapshot{Balance: 100, Sequence: 3}))

			snap, ok, err := cache.Get(ctx, "w1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, Snapshot{Balance: 900, Sequence: 5}, snap)
		})
	}
}

func TestVerifyDetectsMismatch(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore(ledger.NewStaticPolicies("w1"))
	cache := NewMemoryCache()
	p := New(store, cache, logging.Discard())

	post(t, store, "w1", 400)
	require.NoError(t, cache.Put(ctx, "w1", Snapshot{Balance: 999, Sequence: 1}))

	d, err := p.Verify(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, d.Mismatch)
	assert.Equal(t, int64(400), d.Ledger)
	assert.Equal(t, int64(999), d.Cached)
}
