package ledger

import (
	"context"
	"fmt"
	"sync"
)

// StaticPolicies is a mutable PolicySource for tests and tooling.
type StaticPolicies struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewStaticPolicies marks every given wallet active without overdraft.
func NewStaticPolicies(walletIDs ...string) *StaticPolicies {
	p := &StaticPolicies{policies: make(map[string]Policy, len(walletIDs))}
	for _, id := range walletIDs {
		p.policies[id] = Policy{Status: StatusActive}
	}
	return p
}

// Set replaces the policy for a wallet.
func (p *StaticPolicies) Set(walletID string, policy Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policies[walletID] = policy
}

// Policy implements PolicySource.
func (p *StaticPolicies) Policy(_ context.Context, walletID string) (Policy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	policy, ok := p.policies[walletID]
	if !ok {
		return Policy{}, fmt.Errorf("%w: wallet %s", ErrNotFound, walletID)
	}
	return policy, nil
}

// SeedBalance posts an opening deposit. It is a test helper.
func SeedBalance(ctx context.Context, s Store, walletID string, amount int64) (Entry, error) {
	return Append(ctx, s, AppendRequest{WalletID: walletID, Amount: amount, Kind: KindDeposit, ExternalRef: "seed"})
}
