package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/paywallet/internal/infra"
	"github.com/congo-pay/paywallet/internal/ledger"
)

const eventColumns = `id, type, wallet_id, amount, currency, reference, original_event_id, checksum,
    status, reason, entry_id, attempt, deliveries, payload, received_at, processed_at`

// PostgresEventStore persists events in the payment_events table.
type PostgresEventStore struct {
	db *pgxpool.Pool
}

// NewPostgresEventStore builds a Postgres-backed event store.
func NewPostgresEventStore(db *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// Record implements EventStore. xmax is zero only on the row version this
// statement inserted, which tells a fresh insert from a conflict update.
func (s *PostgresEventStore) Record(ctx context.Context, ev PaymentEvent) (PaymentEvent, bool, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	var processedAt *time.Time
	if Terminal(ev.Status) {
		processedAt = &ev.ReceivedAt
	}
	row := s.db.QueryRow(ctx, `INSERT INTO payment_events (`+eventColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14, $15)
        ON CONFLICT (id) DO UPDATE SET
            deliveries = payment_events.deliveries + 1,
            attempt = GREATEST(payment_events.attempt, EXCLUDED.attempt)
        RETURNING `+eventColumns+`, (xmax = 0) AS inserted`,
		ev.ID, ev.Type, infra.NullableString(ev.WalletID), ev.Amount, infra.NullableString(ev.Currency),
		infra.NullableString(ev.Reference), infra.NullableString(ev.OriginalEventID), ev.Checksum,
		ev.Status, infra.NullableString(ev.Reason), infra.NullableString(ev.EntryID), ev.Attempt,
		ev.Payload, ev.ReceivedAt, processedAt)

	var inserted bool
	stored, err := scanEvent(row, &inserted)
	if err != nil {
		return PaymentEvent{}, false, fmt.Errorf("record payment event: %w", err)
	}
	return stored, inserted, nil
}

// Finalize implements EventStore.
func (s *PostgresEventStore) Finalize(ctx context.Context, id string, o Outcome) (PaymentEvent, error) {
	ev, err := scanEvent(s.db.QueryRow(ctx, `UPDATE payment_events
        SET status = $2, reason = $3, entry_id = $4, processed_at = now()
        WHERE id = $1 AND status = 'pending'
        RETURNING `+eventColumns, id, o.Status, infra.NullableString(o.Reason), infra.NullableString(o.EntryID)))
	if errors.Is(err, ledger.ErrNotFound) {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return PaymentEvent{}, getErr
		}
		return current, ErrAlreadyFinal
	}
	return ev, err
}

// Get implements EventStore.
func (s *PostgresEventStore) Get(ctx context.Context, id string) (PaymentEvent, error) {
	return scanEvent(s.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM payment_events WHERE id = $1`, id))
}

// ListByStatus implements EventStore.
func (s *PostgresEventStore) ListByStatus(ctx context.Context, status string, limit int) ([]PaymentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT `+eventColumns+` FROM payment_events
        WHERE status = $1 ORDER BY received_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query payment events: %w", err)
	}
	defer rows.Close()

	out := []PaymentEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row, extra ...any) (PaymentEvent, error) {
	var ev PaymentEvent
	var walletID, currency, reference, original, reason, entryID *string
	dest := []any{&ev.ID, &ev.Type, &walletID, &ev.Amount, &currency, &reference, &original, &ev.Checksum,
		&ev.Status, &reason, &entryID, &ev.Attempt, &ev.Deliveries, &ev.Payload, &ev.ReceivedAt, &ev.ProcessedAt}
	err := row.Scan(append(dest, extra...)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentEvent{}, ledger.ErrNotFound
	}
	if err != nil {
		return PaymentEvent{}, fmt.Errorf("scan payment event: %w", err)
	}
	ev.WalletID = infra.StringValue(walletID)
	ev.Currency = infra.StringValue(currency)
	ev.Reference = infra.StringValue(reference)
	ev.OriginalEventID = infra.StringValue(original)
	ev.Reason = infra.StringValue(reason)
	ev.EntryID = infra.StringValue(entryID)
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	return ev, nil
}
