package wallet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/paywallet/internal/ledger"
	"github.com/congo-pay/paywallet/internal/logging"
)

const createAttempts = 3

var (
	numberFloor = big.NewInt(1_000_000_000_000)
	numberSpan  = big.NewInt(9_000_000_000_000)
)

// Defaults apply to wallets created without explicit settings.
type Defaults struct {
	Currency       string
	AllowOverdraft bool
}

// Service exposes wallet lifecycle operations.
type Service struct {
	repo     Repository
	ledger   ledger.Store
	defaults Defaults
	logger   *slog.Logger
}

// NewService builds a wallet service instance.
func NewService(repo Repository, store ledger.Store, defaults Defaults, logger *slog.Logger) *Service {
	if defaults.Currency == "" {
		defaults.Currency = "NGN"
	}
	return &Service{repo: repo, ledger: store, defaults: defaults, logger: logging.Component(logger, "wallet")}
}

// CreateInput captures data required to create a wallet.
type CreateInput struct {
	OwnerID  string
	Currency string
	// AllowOverdraft overrides the configured default when set.
	AllowOverdraft *bool
}

// Create provisions a wallet. Each owner holds at most one wallet per currency.
func (s *Service) Create(ctx context.Context, input CreateInput) (Wallet, error) {
	if strings.TrimSpace(input.OwnerID) == "" {
		return Wallet{}, fmt.Errorf("%w: owner id required", ledger.ErrInvalidEntry)
	}
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = s.defaults.Currency
	}
	if len(currency) != 3 {
		return Wallet{}, fmt.Errorf("%w: currency must be a 3-letter code", ledger.ErrInvalidEntry)
	}
	overdraft := s.defaults.AllowOverdraft
	if input.AllowOverdraft != nil {
		overdraft = *input.AllowOverdraft
	}

	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		if _, err := s.repo.GetByOwner(ctx, input.OwnerID, currency); err == nil {
			return Wallet{}, ErrAlreadyExists
		} else if !errors.Is(err, ErrNotFound) {
			return Wallet{}, err
		}

		number, err := generateWalletNumber()
		if err != nil {
			return Wallet{}, err
		}
		now := time.Now().UTC()
		w := Wallet{
			ID:             uuid.NewString(),
			OwnerID:        input.OwnerID,
			WalletNumber:   number,
			Currency:       currency,
			Status:         ledger.StatusActive,
			AllowOverdraft: overdraft,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		// A unique violation is either a number collision or a concurrent create;
		// the owner lookup above tells them apart on the next pass.
		if err := s.repo.Create(ctx, w); err != nil {
			lastErr = err
			if errors.Is(err, ErrAlreadyExists) {
				continue
			}
			return Wallet{}, err
		}
		s.logger.Info("wallet created", "wallet_id", w.ID, "wallet_number", w.WalletNumber, "currency", w.Currency)
		return w, nil
	}
	return Wallet{}, lastErr
}

// Get retrieves wallet metadata.
func (s *Service) Get(ctx context.Context, id string) (Wallet, error) {
	return s.repo.Get(ctx, id)
}

// GetByOwner returns the owner's wallet in currency, or the default currency when empty.
func (s *Service) GetByOwner(ctx context.Context, ownerID, currency string) (Wallet, error) {
	if currency == "" {
		currency = s.defaults.Currency
	}
	return s.repo.GetByOwner(ctx, ownerID, strings.ToUpper(currency))
}

// GetByNumber resolves a wallet by its public number.
func (s *Service) GetByNumber(ctx context.Context, number string) (Wallet, error) {
	return s.repo.GetByNumber(ctx, strings.TrimSpace(number))
}

// ListByOwner returns all wallets held by ownerID.
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]Wallet, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

// Authorize loads the wallet and checks that accountID owns it.
func (s *Service) Authorize(ctx context.Context, walletID, accountID string) (Wallet, error) {
	w, err := s.repo.Get(ctx, walletID)
	if err != nil {
		return Wallet{}, err
	}
	if w.OwnerID != accountID {
		return Wallet{}, ErrNotOwner
	}
	return w, nil
}

// Freeze blocks new postings on an active wallet.
func (s *Service) Freeze(ctx context.Context, id string) (Wallet, error) {
	return s.transition(ctx, id, ledger.StatusFrozen)
}

// Unfreeze reactivates a frozen wallet.
func (s *Service) Unfreeze(ctx context.Context, id string) (Wallet, error) {
	return s.transition(ctx, id, ledger.StatusActive)
}

// Close permanently retires a wallet whose balance is zero. The balance check
// and the status change run under the ledger's wallet lock, so no posting can
// land between them.
func (s *Service) Close(ctx context.Context, id string) (Wallet, error) {
	var closed Wallet
	err := s.ledger.Seal(ctx, id, func(ctx context.Context, balance int64) error {
		if balance != 0 {
			return fmt.Errorf("%w: balance is %d", ErrNonZeroBalance, balance)
		}
		w, err := s.transition(ctx, id, ledger.StatusClosed)
		if err != nil {
			return err
		}
		closed = w
		return nil
	})
	if err != nil {
		return Wallet{}, err
	}
	return closed, nil
}

// SetOverdraft toggles whether withdrawals may take the wallet below zero.
func (s *Service) SetOverdraft(ctx context.Context, id string, allow bool) (Wallet, error) {
	w, err := s.repo.Get(ctx, id)
	if err != nil {
		return Wallet{}, err
	}
	if w.Status == ledger.StatusClosed {
		return Wallet{}, ErrInvalidTransition
	}
	w, err = s.repo.SetOverdraft(ctx, id, allow)
	if err != nil {
		return Wallet{}, err
	}
	s.logger.Info("wallet overdraft updated", "wallet_id", id, "allow_overdraft", allow)
	return w, nil
}

func (s *Service) transition(ctx context.Context, id, to string) (Wallet, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Wallet{}, err
	}
	if !canTransition(current.Status, to) {
		return Wallet{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}
	w, err := s.repo.UpdateStatus(ctx, id, current.Status, to)
	if err != nil {
		return Wallet{}, err
	}
	s.logger.Info("wallet status changed", "wallet_id", id, "from", current.Status, "to", to)
	return w, nil
}

// Policies adapts a Repository into the ledger's PolicySource.
func Policies(repo Repository) ledger.PolicySource { return policySource{repo: repo} }

type policySource struct{ repo Repository }

func (p policySource) Policy(ctx context.Context, walletID string) (ledger.Policy, error) {
	w, err := p.repo.Get(ctx, walletID)
	if err != nil {
		return ledger.Policy{}, err
	}
	return w.Policy(), nil
}

func generateWalletNumber() (string, error) {
	n, err := rand.Int(rand.Reader, numberSpan)
	if err != nil {
		return "", fmt.Errorf("generate wallet number: %w", err)
	}
	return n.Add(n, numberFloor).String(), nil
}
