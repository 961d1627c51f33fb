package wallet

import (
	"errors"
	"time"

	"github.com/congo-pay/paywallet/internal/ledger"
)

var (
	// ErrNotFound aliases the ledger sentinel so callers can match either.
	ErrNotFound = ledger.ErrNotFound

	// ErrNotOwner is returned when an account touches a wallet it does not own.
	ErrNotOwner = errors.New("wallet not owned by caller")

	// ErrAlreadyExists signals an owner already holds a wallet in that currency.
	ErrAlreadyExists = errors.New("wallet already exists")

	// ErrInvalidTransition rejects lifecycle changes such as unfreezing a closed wallet.
	ErrInvalidTransition = errors.New("invalid wallet status transition")

	// ErrNonZeroBalance prevents closing a wallet that still holds or owes funds.
	ErrNonZeroBalance = errors.New("wallet balance must be zero to close")
)

// Wallet represents a stored value account backed by the ledger.
type Wallet struct {
	ID             string
	OwnerID        string
	WalletNumber   string
	Currency       string
	Status         string
	AllowOverdraft bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Active reports whether the wallet accepts postings.
func (w Wallet) Active() bool { return w.Status == ledger.StatusActive }

// Policy is the ledger's view of the wallet.
func (w Wallet) Policy() ledger.Policy {
	return ledger.Policy{Status: w.Status, AllowOverdraft: w.AllowOverdraft}
}

// allowedTransitions lists the statuses each status may move to. Closed is terminal.
var allowedTransitions = map[string][]string{
	ledger.StatusActive: {ledger.StatusFrozen, ledger.StatusClosed},
	ledger.StatusFrozen: {ledger.StatusActive, ledger.StatusClosed},
}

func canTransition(from, to string) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
