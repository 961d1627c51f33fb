package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/congo-pay/paywallet/internal/infra"
	"github.com/congo-pay/paywallet/internal/logging"
)

const entryColumns = `id, wallet_id, sequence, amount, kind, external_ref, reverses, idempotency_key, created_at`

// PostgresStore persists entries in PostgreSQL. Each posting locks the wallet
// rows FOR UPDATE in id order; UNIQUE(wallet_id, sequence) backs the lock.
type PostgresStore struct {
	db      *pgxpool.Pool
	backoff infra.Backoff
	logger  *slog.Logger
}

// NewPostgresStore constructs a Postgres-backed ledger.
func NewPostgresStore(db *pgxpool.Pool, backoff infra.Backoff, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, backoff: backoff, logger: logging.Component(logger, "ledger")}
}

// Post implements Store. Contention is retried with bounded backoff and
// surfaces as ErrConflict once exhausted.
func (s *PostgresStore) Post(ctx context.Context, reqs ...AppendRequest) ([]Entry, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: nothing to post", ErrInvalidEntry)
	}
	for _, r := range reqs {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}

	var out []Entry
	var dupErr error
	err := infra.Retry(ctx, s.backoff, infra.IsTransient, func(ctx context.Context) error {
		return infra.WithTx(ctx, s.db, s.logger, func(tx pgx.Tx) error {
			entries, err := s.post(ctx, tx, reqs)
			if errors.Is(err, ErrDuplicateEntry) {
				// Nothing was written; surface the replay after rollback.
				out, dupErr = entries, err
				return errDuplicateRollback
			}
			if err != nil {
				return err
			}
			out = entries
			return nil
		})
	})
	switch {
	case errors.Is(err, errDuplicateRollback):
		return out, dupErr
	case errors.Is(err, infra.ErrRetriesExhausted):
		s.logger.Warn("ledger posting gave up under contention", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrConflict, err)
	case err != nil:
		return nil, err
	}
	return out, nil
}

var errDuplicateRollback = errors.New("duplicate posting")

func (s *PostgresStore) post(ctx context.Context, tx pgx.Tx, reqs []AppendRequest) ([]Entry, error) {
	walletIDs := distinctSorted(reqs)
	policies := make(map[string]Policy, len(walletIDs))
	for _, id := range walletIDs {
		p, err := lockWallet(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		policies[id] = p
	}

	var existing []Entry
	for _, r := range reqs {
		if r.IdempotencyKey == "" {
			continue
		}
		walletUUID, _ := uuid.Parse(r.WalletID)
		e, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries
            WHERE wallet_id = $1 AND idempotency_key = $2`, walletUUID, r.IdempotencyKey))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		existing = append(existing, e)
	}
	if len(existing) > 0 {
		return existing, ErrDuplicateEntry
	}

	projected := make(map[string]int64, len(walletIDs))
	next := make(map[string]int64, len(walletIDs))
	for _, id := range walletIDs {
		if err := checkPolicy(policies[id]); err != nil {
			return nil, err
		}
		var balance, last int64
		walletUUID, _ := uuid.Parse(id)
		if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::bigint, COALESCE(MAX(sequence), 0)
            FROM ledger_entries WHERE wallet_id = $1`, walletUUID).Scan(&balance, &last); err != nil {
			return nil, fmt.Errorf("read wallet totals: %w", err)
		}
		projected[id], next[id] = balance, last
	}

	now := time.Now().UTC()
	out := make([]Entry, 0, len(reqs))
	pendingReversals := make(map[string]int64)
	for _, r := range reqs {
		if err := checkFunds(policies[r.WalletID], r, projected[r.WalletID]); err != nil {
			return nil, err
		}
		if r.Reverses != "" {
			// The original lives on r's wallet, which this transaction holds locked.
			original, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, r.Reverses))
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: entry %s", ErrNotFound, r.Reverses)
			}
			if err != nil {
				return nil, err
			}
			var already int64
			if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(ABS(amount)), 0)::bigint FROM ledger_entries WHERE reverses = $1`,
				r.Reverses).Scan(&already); err != nil {
				return nil, fmt.Errorf("sum reversals: %w", err)
			}
			if err := checkReversal(original, r, already+pendingReversals[r.Reverses]); err != nil {
				return nil, err
			}
			pendingReversals[r.Reverses] += abs(r.Amount)
		}
		projected[r.WalletID] += r.Amount
		next[r.WalletID]++

		e := Entry{
			ID:             ulid.Make().String(),
			WalletID:       r.WalletID,
			Sequence:       next[r.WalletID],
			Amount:         r.Amount,
			Kind:           r.Kind,
			ExternalRef:    r.ExternalRef,
			Reverses:       r.Reverses,
			IdempotencyKey: r.IdempotencyKey,
			CreatedAt:      now,
		}
		walletUUID, _ := uuid.Parse(e.WalletID)
		if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries (`+entryColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, walletUUID, e.Sequence, e.Amount, string(e.Kind),
			infra.NullableString(e.ExternalRef), infra.NullableString(e.Reverses),
			infra.NullableString(e.IdempotencyKey), e.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func lockWallet(ctx context.Context, tx pgx.Tx, walletID string) (Policy, error) {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: wallet %s", ErrNotFound, walletID)
	}
	var p Policy
	err = tx.QueryRow(ctx, `SELECT status, allow_overdraft FROM wallets WHERE id = $1 FOR UPDATE`, id).
		Scan(&p.Status, &p.AllowOverdraft)
	if errors.Is(err, pgx.ErrNoRows) {
		return Policy{}, fmt.Errorf("%w: wallet %s", ErrNotFound, walletID)
	}
	if err != nil {
		return Policy{}, fmt.Errorf("lock wallet: %w", err)
	}
	return p, nil
}

// ListEntries implements Store.
func (s *PostgresStore) ListEntries(ctx context.Context, walletID string, r Range) ([]Entry, error) {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return nil, fmt.Errorf("%w: wallet %s", ErrNotFound, walletID)
	}
	limit := r.Limit
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
        WHERE wallet_id = $1 AND sequence > $2 ORDER BY sequence ASC LIMIT $3`, id, r.AfterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindByExternalRef implements Store.
func (s *PostgresStore) FindByExternalRef(ctx context.Context, walletID, ref string) (Entry, error) {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: wallet %s", ErrNotFound, walletID)
	}
	return scanEntry(s.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries
        WHERE wallet_id = $1 AND external_ref = $2 ORDER BY sequence ASC LIMIT 1`, id, ref))
}

// ReversedTotal implements Store.
func (s *PostgresStore) ReversedTotal(ctx context.Context, entryID string) (int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COALESCE(SUM(ABS(amount)), 0)::bigint FROM ledger_entries WHERE reverses = $1`, entryID).
		Scan(&total); err != nil {
		return 0, fmt.Errorf("sum reversals: %w", err)
	}
	return total, nil
}

// Balance implements Store.
func (s *PostgresStore) Balance(ctx context.Context, walletID string) (int64, error) {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return 0, fmt.Errorf("%w: wallet %s", ErrNotFound, walletID)
	}
	return sumEntries(ctx, s.db, id)
}

func sumEntries(ctx context.Context, q infra.Querier, walletID uuid.UUID) (int64, error) {
	var balance int64
	if err := q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::bigint FROM ledger_entries WHERE wallet_id = $1`, walletID).
		Scan(&balance); err != nil {
		return 0, fmt.Errorf("sum entries: %w", err)
	}
	return balance, nil
}

// Seal implements Store. fn runs inside the transaction that holds the
// wallet row FOR UPDATE; its ctx carries that transaction for infra.Conn.
func (s *PostgresStore) Seal(ctx context.Context, walletID string, fn SealFunc) error {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return fmt.Errorf("%w: wallet %s", ErrNotFound, walletID)
	}
	err = infra.Retry(ctx, s.backoff, infra.IsTransient, func(ctx context.Context) error {
		return infra.WithTx(ctx, s.db, s.logger, func(tx pgx.Tx) error {
			if _, err := lockWallet(ctx, tx, walletID); err != nil {
				return err
			}
			balance, err := sumEntries(ctx, tx, id)
			if err != nil {
				return err
			}
			return fn(infra.ContextWithTx(ctx, tx), balance)
		})
	})
	if errors.Is(err, infra.ErrRetriesExhausted) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var walletID uuid.UUID
	var kind string
	var externalRef, reverses, key *string
	err := row.Scan(&e.ID, &walletID, &e.Sequence, &e.Amount, &kind, &externalRef, &reverses, &key, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("scan ledger entry: %w", err)
	}
	e.WalletID = walletID.String()
	e.Kind = Kind(kind)
	e.ExternalRef = infra.StringValue(externalRef)
	e.Reverses = infra.StringValue(reverses)
	e.IdempotencyKey = infra.StringValue(key)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}
