package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/paywallet/internal/infra"
)

// Repository persists wallet metadata.
type Repository interface {
	Create(ctx context.Context, wallet Wallet) error
	Get(ctx context.Context, id string) (Wallet, error)
	GetByOwner(ctx context.Context, ownerID, currency string) (Wallet, error)
	GetByNumber(ctx context.Context, number string) (Wallet, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Wallet, error)
	// UpdateStatus moves the wallet from one status to another, failing with
	// ErrInvalidTransition if the current status is no longer from.
	UpdateStatus(ctx context.Context, id, from, to string) (Wallet, error)
	SetOverdraft(ctx context.Context, id string, allow bool) (Wallet, error)
}

const walletColumns = `id, owner_id, wallet_number, currency, status, allow_overdraft, created_at, updated_at`

// PostgresRepository stores wallets in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a wallet record.
func (r *PostgresRepository) Create(ctx context.Context, w Wallet) error {
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return fmt.Errorf("wallet id: %w", err)
	}
	_, err = r.db.Exec(ctx, `INSERT INTO wallets (`+walletColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, w.OwnerID, w.WalletNumber, w.Currency, w.Status, w.AllowOverdraft, w.CreatedAt.UTC(), w.UpdatedAt.UTC())
	if infra.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// Get fetches wallet metadata by identifier.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Wallet, error) {
	walletID, err := uuid.Parse(id)
	if err != nil {
		return Wallet{}, fmt.Errorf("%w: wallet %s", ErrNotFound, id)
	}
	return scanWallet(r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletID))
}

// GetByOwner returns the owner's wallet in the given currency.
func (r *PostgresRepository) GetByOwner(ctx context.Context, ownerID, currency string) (Wallet, error) {
	return scanWallet(r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets
        WHERE owner_id = $1 AND currency = $2`, ownerID, currency))
}

// GetByNumber resolves a 13-digit wallet number.
func (r *PostgresRepository) GetByNumber(ctx context.Context, number string) (Wallet, error) {
	return scanWallet(r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE wallet_number = $1`, number))
}

// ListByOwner returns every wallet the owner holds, oldest first.
func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string) ([]Wallet, error) {
	rows, err := r.db.Query(ctx, `SELECT `+walletColumns+` FROM wallets
        WHERE owner_id = $1 ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer rows.Close()

	wallets := []Wallet{}
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// UpdateStatus implements Repository with a conditional update. Inside
// ledger.Store.Seal it joins the transaction holding the wallet lock.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id, from, to string) (Wallet, error) {
	walletID, err := uuid.Parse(id)
	if err != nil {
		return Wallet{}, fmt.Errorf("%w: wallet %s", ErrNotFound, id)
	}
	q := infra.Conn(ctx, r.db)
	w, err := scanWallet(q.QueryRow(ctx, `UPDATE wallets SET status = $3, updated_at = now()
        WHERE id = $1 AND status = $2 RETURNING `+walletColumns, walletID, from, to))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := scanWallet(q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletID)); getErr != nil {
			return Wallet{}, getErr
		}
		return Wallet{}, ErrInvalidTransition
	}
	return w, err
}

// SetOverdraft toggles the overdraft flag.
func (r *PostgresRepository) SetOverdraft(ctx context.Context, id string, allow bool) (Wallet, error) {
	walletID, err := uuid.Parse(id)
	if err != nil {
		return Wallet{}, fmt.Errorf("%w: wallet %s", ErrNotFound, id)
	}
	return scanWallet(r.db.QueryRow(ctx, `UPDATE wallets SET allow_overdraft = $2, updated_at = now()
        WHERE id = $1 RETURNING `+walletColumns, walletID, allow))
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	var id uuid.UUID
	var createdAt, updatedAt time.Time
	err := row.Scan(&id, &w.OwnerID, &w.WalletNumber, &w.Currency, &w.Status, &w.AllowOverdraft, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, ErrNotFound
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("scan wallet: %w", err)
	}
	w.ID = id.String()
	w.CreatedAt = createdAt.UTC()
	w.UpdatedAt = updatedAt.UTC()
	return w, nil
}
