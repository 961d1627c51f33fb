package funding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/paywallet/internal/ledger"
)

var (
	// ErrIntentNotFound aliases the ledger sentinel for unknown references.
	ErrIntentNotFound = ledger.ErrNotFound

	// ErrIntentSettled is returned when an intent has already left pending.
	ErrIntentSettled = errors.New("deposit intent already settled")

	// ErrAmountMismatch is returned when a provider confirmation disagrees with the intent.
	ErrAmountMismatch = errors.New("amount does not match deposit intent")

	// ErrProvider wraps processor failures.
	ErrProvider = errors.New("payment provider error")
)

// Intent statuses.
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Intent is a deposit the payer has been asked to complete with the processor.
type Intent struct {
	Reference        string    `json:"reference"`
	WalletID         string    `json:"wallet_id"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	Status           string    `json:"status"`
	AuthorizationURL string    `json:"authorization_url"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// IntentRepository persists deposit intents.
type IntentRepository interface {
	Create(ctx context.Context, intent Intent) error
	Get(ctx context.Context, reference string) (Intent, error)
	// Settle moves a pending intent to status; anything else yields ErrIntentSettled.
	Settle(ctx context.Context, reference, status string) (Intent, error)
}

type memoryIntents struct {
	mu      sync.RWMutex
	storage map[string]Intent
}

// NewMemoryIntentRepository constructs an in-memory repository for tests and local runs.
func NewMemoryIntentRepository() IntentRepository {
	return &memoryIntents{storage: make(map[string]Intent)}
}

func (r *memoryIntents) Create(_ context.Context, in Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.storage[in.Reference]; exists {
		return fmt.Errorf("deposit intent %s exists", in.Reference)
	}
	r.storage[in.Reference] = in
	return nil
}

func (r *memoryIntents) Get(_ context.Context, reference string) (Intent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.storage[reference]
	if !ok {
		return Intent{}, fmt.Errorf("%w: deposit %s", ErrIntentNotFound, reference)
	}
	return in, nil
}

func (r *memoryIntents) Settle(_ context.Context, reference, status string) (Intent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.storage[reference]
	if !ok {
		return Intent{}, fmt.Errorf("%w: deposit %s", ErrIntentNotFound, reference)
	}
	if in.Status != StatusPending {
		return in, ErrIntentSettled
	}
	in.Status = status
	in.UpdatedAt = time.Now().UTC()
	r.storage[reference] = in
	return in, nil
}

const intentColumns = `reference, wallet_id, amount, currency, status, authorization_url, created_at, updated_at`

// PostgresIntentRepository stores intents in PostgreSQL.
type PostgresIntentRepository struct {
	db *pgxpool.Pool
}

// NewPostgresIntentRepository builds a repository backed by PostgreSQL.
func NewPostgresIntentRepository(db *pgxpool.Pool) *PostgresIntentRepository {
	return &PostgresIntentRepository{db: db}
}

// Create inserts a pending intent.
func (r *PostgresIntentRepository) Create(ctx context.Context, in Intent) error {
	walletID, err := uuid.Parse(in.WalletID)
	if err != nil {
		return fmt.Errorf("%w: wallet %s", ledger.ErrNotFound, in.WalletID)
	}
	_, err = r.db.Exec(ctx, `INSERT INTO deposit_intents (`+intentColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.Reference, walletID, in.Amount, in.Currency, in.Status, in.AuthorizationURL, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert deposit intent: %w", err)
	}
	return nil
}

// Get fetches an intent by reference.
func (r *PostgresIntentRepository) Get(ctx context.Context, reference string) (Intent, error) {
	return scanIntent(r.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM deposit_intents WHERE reference = $1`, reference))
}

// Settle performs a conditional update out of pending.
func (r *PostgresIntentRepository) Settle(ctx context.Context, reference, status string) (Intent, error) {
	in, err := scanIntent(r.db.QueryRow(ctx, `UPDATE deposit_intents SET status = $2, updated_at = now()
        WHERE reference = $1 AND status = 'pending' RETURNING `+intentColumns, reference, status))
	if errors.Is(err, ErrIntentNotFound) {
		current, getErr := r.Get(ctx, reference)
		if getErr != nil {
			return Intent{}, getErr
		}
		return current, ErrIntentSettled
	}
	return in, err
}

func scanIntent(row pgx.Row) (Intent, error) {
	var in Intent
	var walletID uuid.UUID
	err := row.Scan(&in.Reference, &walletID, &in.Amount, &in.Currency, &in.Status, &in.AuthorizationURL, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Intent{}, ErrIntentNotFound
	}
	if err != nil {
		return Intent{}, fmt.Errorf("scan deposit intent: %w", err)
	}
	in.WalletID = walletID.String()
	in.CreatedAt = in.CreatedAt.UTC()
	in.UpdatedAt = in.UpdatedAt.UTC()
	return in, nil
}
