package apikey

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/paywallet/internal/auth"
)

// Repository persists API keys.
type Repository interface {
	// Create stores k unless the account already holds max active keys at now.
	Create(ctx context.Context, k Key, max int, now time.Time) error
	Get(ctx context.Context, id string) (Key, error)
	GetByPrefix(ctx context.Context, prefix string) (Key, error)
	ListByAccount(ctx context.Context, accountID string) ([]Key, error)
	Revoke(ctx context.Context, id string) error
	Touch(ctx context.Context, id string, at time.Time) error
}

type memoryRepository struct {
	mu       sync.RWMutex
	keys     map[string]Key
	byPrefix map[string]string
}

// NewMemoryRepository returns an in-memory key store.
func NewMemoryRepository() Repository {
	return &memoryRepository{keys: make(map[string]Key), byPrefix: make(map[string]string)}
}

func (r *memoryRepository) Create(_ context.Context, k Key, max int, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := 0
	for _, existing := range r.keys {
		if existing.AccountID == k.AccountID && existing.Active(now) {
			active++
		}
	}
	if active >= max {
		return ErrLimitReached
	}
	if _, dup := r.byPrefix[k.Prefix]; dup {
		return fmt.Errorf("api key prefix %s already exists", k.Prefix)
	}
	r.keys[k.ID] = k
	r.byPrefix[k.Prefix] = k.ID
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[id]
	if !ok {
		return Key{}, ErrNotFound
	}
	return k, nil
}

func (r *memoryRepository) GetByPrefix(ctx context.Context, prefix string) (Key, error) {
	r.mu.RLock()
	id, ok := r.byPrefix[prefix]
	r.mu.RUnlock()
	if !ok {
		return Key{}, ErrNotFound
	}
	return r.Get(ctx, id)
}

func (r *memoryRepository) ListByAccount(_ context.Context, accountID string) ([]Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Key
	for _, k := range r.keys {
		if k.AccountID == accountID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepository) Revoke(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.Revoked = true
	r.keys[id] = k
	return nil
}

func (r *memoryRepository) Touch(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.LastUsedAt = &at
	r.keys[id] = k
	return nil
}

// PostgresRepository stores keys in the api_keys table.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed key store.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const keyColumns = `id::text, account_id, name, prefix, key_hash, scopes, expires_at, revoked, created_at, last_used_at`

// Create serializes issuance per account with a transaction-scoped advisory lock.
func (r *PostgresRepository) Create(ctx context.Context, k Key, max int, now time.Time) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, k.AccountID); err != nil {
			return fmt.Errorf("lock account keys: %w", err)
		}
		var active int
		err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM api_keys
			WHERE account_id = $1 AND NOT revoked AND expires_at > $2`, k.AccountID, now).Scan(&active)
		if err != nil {
			return fmt.Errorf("count active keys: %w", err)
		}
		if active >= max {
			return ErrLimitReached
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO api_keys (id, account_id, name, prefix, key_hash, scopes, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			k.ID, k.AccountID, k.Name, k.Prefix, k.Hash, scopeStrings(k.Scopes), k.ExpiresAt, k.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert api key: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Key, error) {
	return scanKey(r.db.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id::text = $1`, id))
}

func (r *PostgresRepository) GetByPrefix(ctx context.Context, prefix string) (Key, error) {
	return scanKey(r.db.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE prefix = $1`, prefix))
}

func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string) ([]Key, error) {
	rows, err := r.db.Query(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	var out []Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Revoke(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `UPDATE api_keys SET revoked = TRUE WHERE id::text = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id::text = $1`, id, at)
	return err
}

func scanKey(row pgx.Row) (Key, error) {
	var (
		k      Key
		scopes []string
	)
	err := row.Scan(&k.ID, &k.AccountID, &k.Name, &k.Prefix, &k.Hash, &scopes, &k.ExpiresAt, &k.Revoked, &k.CreatedAt, &k.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Key{}, ErrNotFound
	}
	if err != nil {
		return Key{}, fmt.Errorf("scan api key: %w", err)
	}
	k.Scopes = make([]auth.Scope, len(scopes))
	for i, s := range scopes {
		k.Scopes[i] = auth.Scope(s)
	}
	return k, nil
}
