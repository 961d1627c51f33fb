package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// walletLog is one wallet's entry history guarded by its own lock.
type walletLog struct {
	mu      sync.Mutex
	entries []Entry
	byKey   map[string]int
}

// MemoryStore is a concurrency-safe in-memory Store useful for tests and local runs.
type MemoryStore struct {
	policies PolicySource
	now      func() time.Time

	mu   sync.Mutex // guards the maps below, never held while posting
	logs map[string]*walletLog
	byID map[string]Entry
}

// NewMemoryStore builds a store that consults policies before every posting.
func NewMemoryStore(policies PolicySource) *MemoryStore {
	return &MemoryStore{
		policies: policies,
		now:      func() time.Time { return time.Now().UTC() },
		logs:     make(map[string]*walletLog),
		byID:     make(map[string]Entry),
	}
}

func (s *MemoryStore) log(walletID string) *walletLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[walletID]
	if !ok {
		l = &walletLog{byKey: make(map[string]int)}
		s.logs[walletID] = l
	}
	return l
}

// Post implements Store.
func (s *MemoryStore) Post(ctx context.Context, reqs ...AppendRequest) ([]Entry, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: nothing to post", ErrInvalidEntry)
	}
	for _, r := range reqs {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}

	walletIDs := distinctSorted(reqs)

	// Lock in a stable order so multi-wallet postings cannot deadlock.
	logs := make(map[string]*walletLog, len(walletIDs))
	for _, id := range walletIDs {
		l := s.log(id)
		l.mu.Lock()
		defer l.mu.Unlock()
		logs[id] = l
	}

	// Resolved under the wallet locks so a concurrent Seal is observed.
	policies := make(map[string]Policy, len(walletIDs))
	for _, id := range walletIDs {
		p, err := s.policies.Policy(ctx, id)
		if err != nil {
			return nil, err
		}
		policies[id] = p
	}

	if existing := s.replayed(reqs, logs); len(existing) > 0 {
		return existing, ErrDuplicateEntry
	}

	projected := make(map[string]int64, len(walletIDs))
	for _, id := range walletIDs {
		if err := checkPolicy(policies[id]); err != nil {
			return nil, err
		}
		projected[id] = Sum(logs[id].entries)
	}

	pendingReversals := make(map[string]int64)
	for _, r := range reqs {
		if err := checkFunds(policies[r.WalletID], r, projected[r.WalletID]); err != nil {
			return nil, err
		}
		projected[r.WalletID] += r.Amount
		if r.Reverses != "" {
			original, err := s.entry(r.Reverses)
			if err != nil {
				return nil, err
			}
			already := reversedIn(logs[r.WalletID].entries, original.ID) + pendingReversals[original.ID]
			if err := checkReversal(original, r, already); err != nil {
				return nil, err
			}
			pendingReversals[original.ID] += abs(r.Amount)
		}
	}

	now := s.now()
	out := make([]Entry, 0, len(reqs))
	next := make(map[string]int64, len(walletIDs))
	for _, id := range walletIDs {
		next[id] = int64(len(logs[id].entries))
	}
	for _, r := range reqs {
		next[r.WalletID]++
		out = append(out, Entry{
			ID:             ulid.Make().String(),
			WalletID:       r.WalletID,
			Sequence:       next[r.WalletID],
			Amount:         r.Amount,
			Kind:           r.Kind,
			ExternalRef:    r.ExternalRef,
			Reverses:       r.Reverses,
			IdempotencyKey: r.IdempotencyKey,
			CreatedAt:      now,
		})
	}

	s.mu.Lock()
	for _, e := range out {
		l := logs[e.WalletID]
		if e.IdempotencyKey != "" {
			l.byKey[e.IdempotencyKey] = len(l.entries)
		}
		l.entries = append(l.entries, e)
		s.byID[e.ID] = e
	}
	s.mu.Unlock()

	return out, nil
}

// Seal implements Store.
func (s *MemoryStore) Seal(ctx context.Context, walletID string, fn SealFunc) error {
	l := s.log(walletID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(ctx, Sum(l.entries))
}

// replayed returns entries already written under the requests' idempotency keys.
func (s *MemoryStore) replayed(reqs []AppendRequest, logs map[string]*walletLog) []Entry {
	var existing []Entry
	for _, r := range reqs {
		if r.IdempotencyKey == "" {
			continue
		}
		l := logs[r.WalletID]
		if idx, ok := l.byKey[r.IdempotencyKey]; ok {
			existing = append(existing, l.entries[idx])
		}
	}
	return existing
}

func (s *MemoryStore) entry(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	return e, nil
}

// ListEntries implements Store.
func (s *MemoryStore) ListEntries(_ context.Context, walletID string, r Range) ([]Entry, error) {
	l := s.log(walletID)
	l.mu.Lock()
	defer l.mu.Unlock()

	start := int(r.AfterSequence)
	if start < 0 {
		start = 0
	}
	if start >= len(l.entries) {
		return []Entry{}, nil
	}
	end := len(l.entries)
	if r.Limit > 0 && start+r.Limit < end {
		end = start + r.Limit
	}
	out := make([]Entry, end-start)
	copy(out, l.entries[start:end])
	return out, nil
}

// FindByExternalRef implements Store.
func (s *MemoryStore) FindByExternalRef(_ context.Context, walletID, ref string) (Entry, error) {
	l := s.log(walletID)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.ExternalRef == ref {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: no entry with external ref %s", ErrNotFound, ref)
}

// ReversedTotal implements Store.
func (s *MemoryStore) ReversedTotal(_ context.Context, entryID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, e := range s.byID {
		if e.Reverses == entryID {
			total += abs(e.Amount)
		}
	}
	return total, nil
}

// Balance implements Store.
func (s *MemoryStore) Balance(_ context.Context, walletID string) (int64, error) {
	l := s.log(walletID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return Sum(l.entries), nil
}

func reversedIn(entries []Entry, entryID string) int64 {
	var total int64
	for _, e := range entries {
		if e.Reverses == entryID {
			total += abs(e.Amount)
		}
	}
	return total
}

func distinctSorted(reqs []AppendRequest) []string {
	seen := make(map[string]struct{}, len(reqs))
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if _, ok := seen[r.WalletID]; ok {
			continue
		}
		seen[r.WalletID] = struct{}{}
		ids = append(ids, r.WalletID)
	}
	sort.Strings(ids)
	return ids
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
