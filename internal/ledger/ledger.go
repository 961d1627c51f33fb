package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInsufficientFunds occurs when a withdrawal would take a non-overdraft
	// wallet below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWalletNotActive is returned for postings against frozen or closed wallets.
	ErrWalletNotActive = errors.New("wallet not active")

	// ErrNotFound covers unknown wallets and entries.
	ErrNotFound = errors.New("not found")

	// ErrConflict signals storage contention that persisted through every retry.
	// Callers may retry.
	ErrConflict = errors.New("conflict")

	// ErrDuplicateEntry indicates the idempotency key was already posted. The
	// previously written entries are returned alongside it.
	ErrDuplicateEntry = errors.New("duplicate entry")

	// ErrInvalidEntry rejects malformed requests, such as amounts whose sign disagrees with the kind.
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrExcessReversal rejects reversals that would exceed the entry they correct.
	ErrExcessReversal = errors.New("reversal exceeds original entry")
)

// Amount bounds in minor units. A single entry moves at most MaxAmount and a
// balance never leaves [-MaxBalance, MaxBalance], so running sums cannot
// overflow int64.
const (
	MaxAmount  int64 = 1_000_000_000_000_000
	MaxBalance int64 = 1_000_000_000_000_000_000
)

// Kind classifies a ledger movement.
type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
	KindAdjustment Kind = "adjustment"
	KindReversal   Kind = "reversal"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindAdjustment, KindReversal:
		return true
	}
	return false
}

// Wallet lifecycle states as seen by the ledger.
const (
	StatusActive = "active"
	StatusFrozen = "frozen"
	StatusClosed = "closed"
)

// Entry is an immutable signed movement in integer minor units.
type Entry struct {
	ID             string    `json:"id"`
	WalletID       string    `json:"wallet_id"`
	Sequence       int64     `json:"sequence"`
	Amount         int64     `json:"amount"`
	Kind           Kind      `json:"kind"`
	ExternalRef    string    `json:"external_ref,omitempty"`
	Reverses       string    `json:"reverses,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// AppendRequest describes one entry to post.
type AppendRequest struct {
	WalletID    string
	Amount      int64
	Kind        Kind
	ExternalRef string
	// Reverses names the entry a reversal corrects.
	Reverses string
	// IdempotencyKey, when set, is unique per wallet and makes the posting replay-safe.
	IdempotencyKey string
}

// Validate checks amount sign against kind.
func (r AppendRequest) Validate() error {
	if r.WalletID == "" {
		return fmt.Errorf("%w: wallet id is required", ErrInvalidEntry)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, r.Kind)
	}
	if r.Amount == 0 {
		return fmt.Errorf("%w: amount must be non-zero", ErrInvalidEntry)
	}
	if r.Amount > MaxAmount || r.Amount < -MaxAmount {
		return fmt.Errorf("%w: amount exceeds %d", ErrInvalidEntry, MaxAmount)
	}
	switch r.Kind {
	case KindDeposit:
		if r.Amount < 0 {
			return fmt.Errorf("%w: deposits must be positive", ErrInvalidEntry)
		}
	case KindWithdrawal:
		if r.Amount > 0 {
			return fmt.Errorf("%w: withdrawals must be negative", ErrInvalidEntry)
		}
	case KindReversal:
		if r.Reverses == "" {
			return fmt.Errorf("%w: reversal must reference an entry", ErrInvalidEntry)
		}
	}
	return nil
}

// Range selects entries with sequence greater than AfterSequence. Limit <= 0 means no limit.
type Range struct {
	AfterSequence int64
	Limit         int
}

// Policy is the wallet state the ledger enforces on every posting.
type Policy struct {
	Status         string
	AllowOverdraft bool
}

// PolicySource resolves wallet policy. Implementations return ErrNotFound for unknown wallets.
type PolicySource interface {
	Policy(ctx context.Context, walletID string) (Policy, error)
}

// SealFunc runs while a wallet's postings are blocked and sees its balance.
type SealFunc func(ctx context.Context, balance int64) error

// Store is the append-only source of truth for balances.
type Store interface {
	// Post writes all requests atomically. Wallets are serialized individually;
	// postings to distinct wallets never contend.
	Post(ctx context.Context, reqs ...AppendRequest) ([]Entry, error)
	// Seal runs fn under the lock Post takes for walletID, so a status change
	// made by fn is ordered against every posting. SQL stores run fn inside
	// the locking transaction, reachable through infra.Conn.
	Seal(ctx context.Context, walletID string, fn SealFunc) error
	ListEntries(ctx context.Context, walletID string, r Range) ([]Entry, error)
	FindByExternalRef(ctx context.Context, walletID, ref string) (Entry, error)
	// ReversedTotal is the absolute amount already reversed against entryID.
	ReversedTotal(ctx context.Context, entryID string) (int64, error)
	Balance(ctx context.Context, walletID string) (int64, error)
}

// Append posts a single entry.
func Append(ctx context.Context, s Store, req AppendRequest) (Entry, error) {
	entries, err := s.Post(ctx, req)
	if len(entries) > 0 {
		return entries[0], err
	}
	return Entry{}, err
}

// Sum folds entry amounts.
func Sum(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Amount
	}
	return total
}

func checkPolicy(p Policy) error {
	if p.Status != StatusActive {
		return fmt.Errorf("%w: status %s", ErrWalletNotActive, p.Status)
	}
	return nil
}

// checkFunds keeps the balance in range and enforces the overdraft rule for
// withdrawals. Validated amounts keep projected+req.Amount from overflowing.
func checkFunds(p Policy, req AppendRequest, projected int64) error {
	next := projected + req.Amount
	if next > MaxBalance || next < -MaxBalance {
		return fmt.Errorf("%w: balance would leave the supported range", ErrInvalidEntry)
	}
	if req.Kind != KindWithdrawal || p.AllowOverdraft {
		return nil
	}
	if next < 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// checkReversal bounds the cumulative reversals of original to its own amount.
func checkReversal(original Entry, req AppendRequest, alreadyReversed int64) error {
	if original.WalletID != req.WalletID {
		return fmt.Errorf("%w: reversal must post to the original wallet", ErrInvalidEntry)
	}
	if original.Kind == KindReversal {
		return fmt.Errorf("%w: cannot reverse a reversal", ErrInvalidEntry)
	}
	if alreadyReversed+abs(req.Amount) > abs(original.Amount) {
		return fmt.Errorf("%w: %d already reversed of %d", ErrExcessReversal, alreadyReversed, abs(original.Amount))
	}
	return nil
}
