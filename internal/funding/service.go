package funding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/congo-pay/paywallet/internal/idempotency"
	"github.com/congo-pay/paywallet/internal/ledger"
	"github.com/congo-pay/paywallet/internal/logging"
	"github.com/congo-pay/paywallet/internal/wallet"
)

// Service coordinates deposit intents with the payment provider. Balances only
// move when the reconciliation engine applies the provider's confirmation.
type Service struct {
	intents  IntentRepository
	wallets  *wallet.Service
	provider Provider
	guard    idempotency.Guard
	logger   *slog.Logger
}

// NewService prepares a funding service.
func NewService(intents IntentRepository, wallets *wallet.Service, provider Provider, guard idempotency.Guard, logger *slog.Logger) (*Service, error) {
	if wallets == nil {
		return nil, fmt.Errorf("wallet service is required")
	}
	if guard == nil {
		return nil, fmt.Errorf("idempotency guard is required")
	}
	if provider == nil {
		provider = StaticProvider{}
	}
	return &Service{intents: intents, wallets: wallets, provider: provider, guard: guard, logger: logging.Component(logger, "funding")}, nil
}

// DepositInput captures a request to fund a wallet through the provider.
type DepositInput struct {
	AccountID      string
	WalletID       string
	Amount         int64
	IdempotencyKey string
}

// InitiateDeposit registers a pending intent and returns the provider checkout link.
// Retries with the same key return the original intent.
func (s *Service) InitiateDeposit(ctx context.Context, in DepositInput) (Intent, bool, error) {
	if in.Amount <= 0 || in.Amount > ledger.MaxAmount {
		return Intent{}, false, fmt.Errorf("%w: amount must be between 1 and %d", ledger.ErrInvalidEntry, ledger.MaxAmount)
	}
	w, err := s.wallets.Authorize(ctx, in.WalletID, in.AccountID)
	if err != nil {
		return Intent{}, false, err
	}
	if !w.Active() {
		return Intent{}, false, ledger.ErrWalletNotActive
	}

	key := idempotency.Scope("api", in.AccountID, "deposit", in.IdempotencyKey)
	fp := idempotency.Fingerprint("deposit", w.ID, in.Amount)
	raw, replayed, err := idempotency.Run(ctx, s.guard, key, fp, func(ctx context.Context) ([]byte, error) {
		reference := "DEP_" + ulid.Make().String()
		auth, err := s.provider.InitializeTransaction(ctx, Checkout{
			Reference:    reference,
			Amount:       in.Amount,
			Currency:     w.Currency,
			WalletNumber: w.WalletNumber,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProvider, err)
		}
		now := time.Now().UTC()
		intent := Intent{
			Reference:        reference,
			WalletID:         w.ID,
			Amount:           in.Amount,
			Currency:         w.Currency,
			Status:           StatusPending,
			AuthorizationURL: auth.URL,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := s.intents.Create(ctx, intent); err != nil {
			return nil, err
		}
		s.logger.Info("deposit initiated", "reference", reference, "wallet_id", w.ID, "amount", in.Amount)
		return json.Marshal(intent)
	})
	if err != nil {
		return Intent{}, false, err
	}
	var intent Intent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return Intent{}, false, fmt.Errorf("decode stored deposit: %w", err)
	}
	return intent, replayed, nil
}

// Status returns a deposit intent owned by accountID.
func (s *Service) Status(ctx context.Context, accountID, reference string) (Intent, error) {
	in, err := s.intents.Get(ctx, reference)
	if err != nil {
		return Intent{}, err
	}
	if _, err := s.wallets.Authorize(ctx, in.WalletID, accountID); err != nil {
		return Intent{}, err
	}
	return in, nil
}

// Lookup returns an intent without an ownership check.
func (s *Service) Lookup(ctx context.Context, reference string) (Intent, error) {
	return s.intents.Get(ctx, reference)
}

// MarkSucceeded settles a pending intent once the provider confirms the payment.
// The confirmation must name the intent's wallet and amount.
func (s *Service) MarkSucceeded(ctx context.Context, reference, walletID string, amount int64) (Intent, error) {
	in, err := s.intents.Get(ctx, reference)
	if err != nil {
		return Intent{}, err
	}
	if err := in.Matches(walletID, amount); err != nil {
		return in, err
	}
	return s.settle(ctx, reference, StatusSucceeded)
}

// MarkFailed settles a pending intent as failed.
func (s *Service) MarkFailed(ctx context.Context, reference string) (Intent, error) {
	return s.settle(ctx, reference, StatusFailed)
}

func (s *Service) settle(ctx context.Context, reference, status string) (Intent, error) {
	in, err := s.intents.Settle(ctx, reference, status)
	if err != nil {
		if errors.Is(err, ErrIntentSettled) {
			s.logger.Warn("deposit already settled", "reference", reference, "status", in.Status, "requested", status)
		}
		return in, err
	}
	s.logger.Info("deposit settled", "reference", reference, "status", status)
	return in, nil
}

// Matches checks a provider confirmation against the intent.
func (in Intent) Matches(walletID string, amount int64) error {
	if walletID != "" && walletID != in.WalletID {
		return fmt.Errorf("%w: wallet %s, expected %s", ErrAmountMismatch, walletID, in.WalletID)
	}
	if amount != in.Amount {
		return fmt.Errorf("%w: got %d, expected %d", ErrAmountMismatch, amount, in.Amount)
	}
	return nil
}
