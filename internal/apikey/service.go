package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/congo-pay/paywallet/internal/auth"
	"github.com/congo-pay/paywallet/internal/logging"
)

const (
	keyPrefix    = "sk_"
	prefixBytes  = 6
	secretBytes  = 24
	issueRetries = 3
)

// Service issues and verifies API keys.
type Service struct {
	repo   Repository
	cost   int
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCost sets the bcrypt cost. Tests use bcrypt.MinCost.
func WithCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

// NewService builds a key service.
func NewService(repo Repository, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{repo: repo, cost: bcrypt.DefaultCost, now: time.Now, logger: logging.Component(logger, "apikey")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueInput describes a new key. Scopes must be held by the issuer.
type IssueInput struct {
	Issuer auth.Principal
	Name   string
	Scopes []string
	Expiry string
}

// Issued carries the plaintext key, which is shown exactly once.
type Issued struct {
	Key       Key    `json:"key"`
	Plaintext string `json:"api_key"`
}

// Issue creates a key for the issuer's account.
func (s *Service) Issue(ctx context.Context, in IssueInput) (Issued, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Issued{}, ErrNameRequired
	}
	ttl, err := ParseExpiry(in.Expiry)
	if err != nil {
		return Issued{}, err
	}
	scopes, err := parseScopes(in.Scopes)
	if err != nil {
		return Issued{}, err
	}
	for _, sc := range scopes {
		if !in.Issuer.Has(sc) {
			return Issued{}, fmt.Errorf("%w: issuer lacks %s", ErrInvalidScope, sc)
		}
	}
	return s.create(ctx, in.Issuer.AccountID, name, scopes, ttl)
}

// Rollover replaces an expired key with a fresh one carrying the same name and scopes.
func (s *Service) Rollover(ctx context.Context, accountID, expiredKeyID, expiry string) (Issued, error) {
	ttl, err := ParseExpiry(expiry)
	if err != nil {
		return Issued{}, err
	}
	old, err := s.owned(ctx, accountID, expiredKeyID)
	if err != nil {
		return Issued{}, err
	}
	if s.now().Before(old.ExpiresAt) {
		return Issued{}, ErrNotExpired
	}
	issued, err := s.create(ctx, accountID, old.Name, old.Scopes, ttl)
	if err != nil {
		return Issued{}, err
	}
	if !old.Revoked {
		if err := s.repo.Revoke(ctx, old.ID); err != nil {
			s.logger.Warn("revoke rolled-over key failed", "key_id", old.ID, "error", err)
		}
	}
	return issued, nil
}

func (s *Service) create(ctx context.Context, accountID, name string, scopes []auth.Scope, ttl time.Duration) (Issued, error) {
	var lastErr error
	for attempt := 0; attempt < issueRetries; attempt++ {
		prefix, err := randomHex(prefixBytes)
		if err != nil {
			return Issued{}, err
		}
		secret, err := randomHex(secretBytes)
		if err != nil {
			return Issued{}, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
		if err != nil {
			return Issued{}, fmt.Errorf("hash api key: %w", err)
		}
		now := s.now().UTC()
		k := Key{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Name:      name,
			Prefix:    prefix,
			Hash:      string(hash),
			Scopes:    scopes,
			ExpiresAt: now.Add(ttl),
			CreatedAt: now,
		}
		err = s.repo.Create(ctx, k, MaxActiveKeys, now)
		if errors.Is(err, ErrLimitReached) {
			return Issued{}, err
		}
		if err != nil {
			// Most likely a prefix collision; draw again.
			lastErr = err
			continue
		}
		s.logger.Info("api key issued", "key_id", k.ID, "account_id", accountID, "scopes", scopeStrings(scopes), "expires_at", k.ExpiresAt)
		return Issued{Key: k, Plaintext: keyPrefix + prefix + "_" + secret}, nil
	}
	return Issued{}, lastErr
}

// Authenticate resolves a plaintext key into a principal.
func (s *Service) Authenticate(ctx context.Context, plaintext string) (auth.Principal, error) {
	prefix, secret, ok := splitKey(plaintext)
	if !ok {
		return auth.Principal{}, ErrInvalidKey
	}
	k, err := s.repo.GetByPrefix(ctx, prefix)
	if errors.Is(err, ErrNotFound) {
		return auth.Principal{}, ErrInvalidKey
	}
	if err != nil {
		return auth.Principal{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(secret)) != nil {
		return auth.Principal{}, ErrInvalidKey
	}
	now := s.now()
	if !k.Active(now) {
		return auth.Principal{}, ErrInvalidKey
	}
	if err := s.repo.Touch(ctx, k.ID, now.UTC()); err != nil {
		s.logger.Warn("record api key use failed", "key_id", k.ID, "error", err)
	}
	return auth.Principal{AccountID: k.AccountID, Scopes: k.Scopes, Method: auth.MethodAPIKey, KeyID: k.ID}, nil
}

// Revoke disables a key owned by accountID.
func (s *Service) Revoke(ctx context.Context, accountID, keyID string) error {
	k, err := s.owned(ctx, accountID, keyID)
	if err != nil {
		return err
	}
	if err := s.repo.Revoke(ctx, k.ID); err != nil {
		return err
	}
	s.logger.Info("api key revoked", "key_id", k.ID, "account_id", accountID)
	return nil
}

// List returns the account's keys, oldest first.
func (s *Service) List(ctx context.Context, accountID string) ([]Key, error) {
	return s.repo.ListByAccount(ctx, accountID)
}

// Keys owned by someone else are reported as missing.
func (s *Service) owned(ctx context.Context, accountID, keyID string) (Key, error) {
	k, err := s.repo.Get(ctx, keyID)
	if err != nil {
		return Key{}, err
	}
	if k.AccountID != accountID {
		return Key{}, ErrNotFound
	}
	return k, nil
}

func splitKey(plaintext string) (prefix, secret string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(plaintext), keyPrefix)
	if !found {
		return "", "", false
	}
	prefix, secret, found = strings.Cut(rest, "_")
	if !found || len(prefix) != 2*prefixBytes || len(secret) != 2*secretBytes {
		return "", "", false
	}
	return prefix, secret, true
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
