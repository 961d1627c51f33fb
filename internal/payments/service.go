package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/congo-pay/paywallet/internal/idempotency"
	"github.com/congo-pay/paywallet/internal/ledger"
	"github.com/congo-pay/paywallet/internal/logging"
	"github.com/congo-pay/paywallet/internal/money"
	"github.com/congo-pay/paywallet/internal/notification"
	"github.com/congo-pay/paywallet/internal/projector"
	"github.com/congo-pay/paywallet/internal/wallet"
)

var (
	// ErrSameWallet rejects transfers whose source and destination coincide.
	ErrSameWallet = errors.New("cannot transfer to the same wallet")
	// ErrCurrencyMismatch rejects transfers between wallets of different currencies.
	ErrCurrencyMismatch = errors.New("wallet currencies differ")
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Service implements the client-facing money movements. Every mutation runs
// under the idempotency guard, and the ledger entry carries the guard key so a
// lost commit can never cause a second posting.
type Service struct {
	store     ledger.Store
	wallets   *wallet.Service
	guard     idempotency.Guard
	projector *projector.Projector
	notifier  notification.Notifier
	logger    *slog.Logger
}

// NewService wires the payment service. The notifier is optional.
func NewService(store ledger.Store, wallets *wallet.Service, guard idempotency.Guard, proj *projector.Projector, notifier notification.Notifier, logger *slog.Logger) (*Service, error) {
	switch {
	case store == nil:
		return nil, fmt.Errorf("ledger store is required")
	case wallets == nil:
		return nil, fmt.Errorf("wallet service is required")
	case guard == nil:
		return nil, fmt.Errorf("idempotency guard is required")
	case proj == nil:
		return nil, fmt.Errorf("balance projector is required")
	}
	return &Service{
		store:     store,
		wallets:   wallets,
		guard:     guard,
		projector: proj,
		notifier:  notifier,
		logger:    logging.Component(logger, "payments"),
	}, nil
}

// Caller identifies who is acting. Admin callers may act on any wallet.
type Caller struct {
	AccountID string
	Admin     bool
}

// MoveInput describes a credit or debit of a single wallet.
type MoveInput struct {
	Caller         Caller
	WalletID       string
	Amount         int64
	IdempotencyKey string
}

// Credit adds funds to a wallet. The bool reports a replayed key.
func (s *Service) Credit(ctx context.Context, in MoveInput) (ledger.Entry, bool, error) {
	return s.move(ctx, "credit", ledger.KindDeposit, in)
}

// Debit removes funds from a wallet, honouring its overdraft policy.
func (s *Service) Debit(ctx context.Context, in MoveInput) (ledger.Entry, bool, error) {
	return s.move(ctx, "debit", ledger.KindWithdrawal, in)
}

func (s *Service) move(ctx context.Context, op string, kind ledger.Kind, in MoveInput) (ledger.Entry, bool, error) {
	if in.Amount <= 0 {
		return ledger.Entry{}, false, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidEntry)
	}
	w, err := s.authorize(ctx, in.Caller, in.WalletID)
	if err != nil {
		return ledger.Entry{}, false, err
	}

	amount := in.Amount
	if kind == ledger.KindWithdrawal {
		amount = -amount
	}
	key := idempotency.Scope("api", in.Caller.AccountID, op, in.IdempotencyKey)
	entries, replayed, err := s.post(ctx, key, idempotency.Fingerprint(op, w.ID, in.Amount), ledger.AppendRequest{
		WalletID: w.ID,
		Amount:   amount,
		Kind:     kind,
	})
	if err != nil {
		return ledger.Entry{}, false, err
	}
	entry := entries[0]
	if !replayed {
		s.logger.Info("wallet "+op, "wallet_id", w.ID, "entry_id", entry.ID, "sequence", entry.Sequence, "amount", entry.Amount)
		notifyKind := notification.KindDebit
		if kind == ledger.KindDeposit {
			notifyKind = notification.KindDepositApplied
		}
		s.notify(ctx, notification.Message{
			Kind:        notifyKind,
			Destination: w.OwnerID,
			Body:        fmt.Sprintf("%s of %s %s", op, money.Format(in.Amount, w.Currency), w.Currency),
			Data:        map[string]any{"wallet_id": w.ID, "entry_id": entry.ID, "amount": entry.Amount},
		})
	}
	return entry, replayed, nil
}

// TransferInput moves funds to another wallet addressed by its wallet number.
type TransferInput struct {
	Caller         Caller
	FromWalletID   string
	ToWalletNumber string
	Amount         int64
	IdempotencyKey string
}

// Transfer is the pair of entries a transfer posts.
type Transfer struct {
	Reference string       `json:"reference"`
	Debit     ledger.Entry `json:"debit"`
	Credit    ledger.Entry `json:"credit"`
}

// Transfer debits the source and credits the destination in one atomic posting.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (Transfer, bool, error) {
	if in.Amount <= 0 {
		return Transfer{}, false, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidEntry)
	}
	from, err := s.authorize(ctx, in.Caller, in.FromWalletID)
	if err != nil {
		return Transfer{}, false, err
	}
	to, err := s.wallets.GetByNumber(ctx, strings.TrimSpace(in.ToWalletNumber))
	if err != nil {
		return Transfer{}, false, err
	}
	if from.ID == to.ID {
		return Transfer{}, false, ErrSameWallet
	}
	if from.Currency != to.Currency {
		return Transfer{}, false, fmt.Errorf("%w: %s to %s", ErrCurrencyMismatch, from.Currency, to.Currency)
	}

	key := idempotency.Scope("api", in.Caller.AccountID, "transfer", in.IdempotencyKey)
	fp := idempotency.Fingerprint("transfer", from.ID, in.Amount, to.WalletNumber)
	reference := "TRF_" + ulid.Make().String()
	entries, replayed, err := s.post(ctx, key, fp,
		ledger.AppendRequest{WalletID: from.ID, Amount: -in.Amount, Kind: ledger.KindWithdrawal, ExternalRef: reference},
		ledger.AppendRequest{WalletID: to.ID, Amount: in.Amount, Kind: ledger.KindDeposit, ExternalRef: reference},
	)
	if err != nil {
		return Transfer{}, false, err
	}
	if len(entries) != 2 {
		return Transfer{}, false, fmt.Errorf("transfer %s: expected 2 entries, got %d", key, len(entries))
	}
	t := Transfer{Reference: entries[0].ExternalRef, Debit: entries[0], Credit: entries[1]}
	if !replayed {
		s.logger.Info("wallet transfer", "reference", t.Reference, "from_wallet_id", from.ID, "to_wallet_id", to.ID, "amount", in.Amount)
		display := money.Format(in.Amount, from.Currency)
		s.notify(ctx, notification.Message{
			Kind:        notification.KindTransfer,
			Destination: to.OwnerID,
			Body:        fmt.Sprintf("received %s %s from wallet %s", display, to.Currency, from.WalletNumber),
			Data:        map[string]any{"reference": t.Reference, "entry_id": t.Credit.ID, "amount": in.Amount},
		})
		s.notify(ctx, notification.Message{
			Kind:        notification.KindTransfer,
			Destination: from.OwnerID,
			Body:        fmt.Sprintf("sent %s %s to wallet %s", display, from.Currency, to.WalletNumber),
			Data:        map[string]any{"reference": t.Reference, "entry_id": t.Debit.ID, "amount": -in.Amount},
		})
	}
	return t, replayed, nil
}

// AdjustInput is an operator correction. Amount may be negative and is not
// subject to the overdraft rule.
type AdjustInput struct {
	ActorID        string
	WalletID       string
	Amount         int64
	Reason         string
	IdempotencyKey string
}

// Adjust posts an operator adjustment.
func (s *Service) Adjust(ctx context.Context, in AdjustInput) (ledger.Entry, bool, error) {
	if in.Amount == 0 {
		return ledger.Entry{}, false, fmt.Errorf("%w: amount must be non-zero", ledger.ErrInvalidEntry)
	}
	if strings.TrimSpace(in.Reason) == "" {
		return ledger.Entry{}, false, fmt.Errorf("%w: reason is required", ledger.ErrInvalidEntry)
	}
	w, err := s.wallets.Get(ctx, in.WalletID)
	if err != nil {
		return ledger.Entry{}, false, err
	}
	key := idempotency.Scope("admin", in.ActorID, "adjust", in.IdempotencyKey)
	entries, replayed, err := s.post(ctx, key, idempotency.Fingerprint("adjust", w.ID, in.Amount), ledger.AppendRequest{
		WalletID:    w.ID,
		Amount:      in.Amount,
		Kind:        ledger.KindAdjustment,
		ExternalRef: "adjustment: " + in.Reason,
	})
	if err != nil {
		return ledger.Entry{}, false, err
	}
	if !replayed {
		s.logger.Warn("wallet adjusted", "wallet_id", w.ID, "entry_id", entries[0].ID, "amount", in.Amount, "actor", in.ActorID, "reason", in.Reason)
	}
	return entries[0], replayed, nil
}

// post claims key, writes reqs tagged with it and commits the written entries.
// Domain failures release the key so the caller may retry with corrected input.
func (s *Service) post(ctx context.Context, key, fingerprint string, reqs ...ledger.AppendRequest) ([]ledger.Entry, bool, error) {
	for i := range reqs {
		reqs[i].IdempotencyKey = key
	}

	var fresh []ledger.Entry
	raw, _, err := idempotency.Run(ctx, s.guard, key, fingerprint, func(ctx context.Context) ([]byte, error) {
		entries, err := s.store.Post(ctx, reqs...)
		switch {
		case errors.Is(err, ledger.ErrDuplicateEntry):
			// Written by an attempt whose guard record was lost or expired.
			s.logger.Info("ledger already holds idempotency key", "idempotency_key", key)
		case err != nil:
			return nil, err
		default:
			fresh = entries
		}
		return json.Marshal(entries)
	})
	if err != nil {
		return nil, false, err
	}

	var entries []ledger.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false, fmt.Errorf("decode stored result for %s: %w", key, err)
	}
	if len(entries) == 0 {
		return nil, false, fmt.Errorf("%w: empty stored result for %s", ledger.ErrConflict, key)
	}
	if fresh == nil {
		return entries, true, nil
	}
	s.projector.Apply(ctx, fresh...)
	return fresh, false, nil
}

// Balance is a wallet's projected balance.
type Balance struct {
	WalletID string `json:"wallet_id"`
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
	Display  string `json:"display"`
	Sequence int64  `json:"sequence"`
}

// Balance reads the projected balance. It never mutates the ledger.
func (s *Service) Balance(ctx context.Context, caller Caller, walletID string) (Balance, error) {
	w, err := s.authorize(ctx, caller, walletID)
	if err != nil {
		return Balance{}, err
	}
	snap, err := s.projector.Snapshot(ctx, w.ID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		WalletID: w.ID,
		Currency: w.Currency,
		Amount:   snap.Balance,
		Display:  money.Format(snap.Balance, w.Currency),
		Sequence: snap.Sequence,
	}, nil
}

// Verify folds the wallet's full history and compares it with the cached
// projection. Drift is logged so it can be alerted on.
func (s *Service) Verify(ctx context.Context, walletID string) (projector.Drift, error) {
	w, err := s.wallets.Get(ctx, walletID)
	if err != nil {
		return projector.Drift{}, err
	}
	d, err := s.projector.Verify(ctx, w.ID)
	if err != nil {
		return projector.Drift{}, err
	}
	if d.Mismatch {
		s.logger.Error("projection drift", "wallet_id", w.ID, "ledger", d.Ledger, "cached", d.Cached, "sequence", d.Sequence)
	}
	return d, nil
}

// Page is a slice of history. NextCursor is zero on the last page.
type Page struct {
	Entries    []ledger.Entry `json:"entries"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

// History lists entries with sequence greater than cursor, oldest first.
func (s *Service) History(ctx context.Context, caller Caller, walletID string, cursor int64, limit int) (Page, error) {
	if cursor < 0 {
		return Page{}, fmt.Errorf("%w: cursor must not be negative", ledger.ErrInvalidEntry)
	}
	switch {
	case limit <= 0:
		limit = defaultPageSize
	case limit > maxPageSize:
		limit = maxPageSize
	}
	w, err := s.authorize(ctx, caller, walletID)
	if err != nil {
		return Page{}, err
	}
	entries, err := s.store.ListEntries(ctx, w.ID, ledger.Range{AfterSequence: cursor, Limit: limit + 1})
	if err != nil {
		return Page{}, err
	}
	page := Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.NextCursor = entries[limit-1].Sequence
	}
	if page.Entries == nil {
		page.Entries = []ledger.Entry{}
	}
	return page, nil
}

func (s *Service) authorize(ctx context.Context, caller Caller, walletID string) (wallet.Wallet, error) {
	if caller.Admin {
		return s.wallets.Get(ctx, walletID)
	}
	return s.wallets.Authorize(ctx, walletID, caller.AccountID)
}

func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("notification failed", "kind", msg.Kind, "error", err)
	}
}
