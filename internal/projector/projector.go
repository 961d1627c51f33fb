package projector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/congo-pay/paywallet/internal/ledger"
	"github.com/congo-pay/paywallet/internal/logging"
)

// Snapshot is a cached fold: the balance after applying every entry up to Sequence.
type Snapshot struct {
	Balance  int64 `json:"balance"`
	Sequence int64 `json:"sequence"`
}

// Cache stores snapshots. Put must never move a snapshot backwards.
type Cache interface {
	Get(ctx context.Context, walletID string) (Snapshot, bool, error)
	Put(ctx context.Context, walletID string, snap Snapshot) error
}

// Projector derives balances from the ledger. The cache only ever holds a
// prefix fold, so stale or lost snapshots are repaired by replaying the tail.
type Projector struct {
	store  ledger.Store
	cache  Cache
	logger *slog.Logger
}

// New builds a projector. A nil cache folds the full history on every read.
func New(store ledger.Store, cache Cache, logger *slog.Logger) *Projector {
	return &Projector{store: store, cache: cache, logger: logging.Component(logger, "projector")}
}

// CurrentBalance returns the wallet balance in minor units.
func (p *Projector) CurrentBalance(ctx context.Context, walletID string) (int64, error) {
	snap, err := p.refresh(ctx, walletID)
	if err != nil {
		return 0, err
	}
	return snap.Balance, nil
}

// Snapshot returns the balance together with the last applied sequence.
func (p *Projector) Snapshot(ctx context.Context, walletID string) (Snapshot, error) {
	return p.refresh(ctx, walletID)
}

func (p *Projector) refresh(ctx context.Context, walletID string) (Snapshot, error) {
	snap := p.cached(ctx, walletID)

	delta, last, err := ledger.Fold(ctx, p.store, walletID, snap.Sequence)
	if err != nil {
		return Snapshot{}, fmt.Errorf("replay entries: %w", err)
	}
	if last == snap.Sequence {
		return snap, nil
	}

	next := Snapshot{Balance: snap.Balance + delta, Sequence: last}
	p.save(ctx, walletID, next)
	return next, nil
}

// Apply folds freshly appended entries into the cache. Entries that do not
// extend the cached prefix trigger a replay instead.
func (p *Projector) Apply(ctx context.Context, entries ...ledger.Entry) {
	if p.cache == nil {
		return
	}

	byWallet := make(map[string][]ledger.Entry)
	var order []string
	for _, e := range entries {
		if _, ok := byWallet[e.WalletID]; !ok {
			order = append(order, e.WalletID)
		}
		byWallet[e.WalletID] = append(byWallet[e.WalletID], e)
	}

	for _, walletID := range order {
		snap := p.cached(ctx, walletID)
		contiguous := true
		for _, e := range byWallet[walletID] {
			if e.Sequence <= snap.Sequence {
				continue
			}
			if e.Sequence != snap.Sequence+1 {
				contiguous = false
				break
			}
			snap.Balance += e.Amount
			snap.Sequence = e.Sequence
		}
		if contiguous {
			p.save(ctx, walletID, snap)
			continue
		}
		if _, err := p.refresh(ctx, walletID); err != nil {
			p.logger.Warn("balance replay failed", "wallet_id", walletID, "error", err)
		}
	}
}

// Verify recomputes the balance from the full history and compares it with the cache.
func (p *Projector) Verify(ctx context.Context, walletID string) (Drift, error) {
	full, last, err := ledger.Fold(ctx, p.store, walletID, 0)
	if err != nil {
		return Drift{}, fmt.Errorf("fold entries: %w", err)
	}
	d := Drift{WalletID: walletID, Ledger: full, Sequence: last}
	if p.cache != nil {
		if snap, ok, err := p.cache.Get(ctx, walletID); err == nil && ok {
			d.Cached, d.CachedSequence = snap.Balance, snap.Sequence
			d.Stale = snap.Sequence < last
			if snap.Sequence == last {
				d.Mismatch = snap.Balance != full
			}
		}
	}
	return d, nil
}

// Drift reports a comparison between the ledger fold and the cached snapshot.
type Drift struct {
	WalletID       string `json:"wallet_id"`
	Ledger         int64  `json:"ledger_balance"`
	Sequence       int64  `json:"sequence"`
	Cached         int64  `json:"cached_balance"`
	CachedSequence int64  `json:"cached_sequence"`
	Stale          bool   `json:"stale"`
	Mismatch       bool   `json:"mismatch"`
}

func (p *Projector) cached(ctx context.Context, walletID string) Snapshot {
	if p.cache == nil {
		return Snapshot{}
	}
	snap, ok, err := p.cache.Get(ctx, walletID)
	if err != nil {
		p.logger.Warn("balance cache read failed", "wallet_id", walletID, "error", err)
		return Snapshot{}
	}
	if !ok {
		return Snapshot{}
	}
	return snap
}

func (p *Projector) save(ctx context.Context, walletID string, snap Snapshot) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Put(ctx, walletID, snap); err != nil {
		p.logger.Warn("balance cache write failed", "wallet_id", walletID, "error", err)
	}
}
