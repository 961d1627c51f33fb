package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryRepository struct {
	mu       sync.RWMutex
	storage  map[string]Wallet
	byNumber map[string]string
	byOwner  map[string]string // owner|currency -> id
}

// NewMemoryRepository constructs an in-memory repository for tests and local runs.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		storage:  make(map[string]Wallet),
		byNumber: make(map[string]string),
		byOwner:  make(map[string]string),
	}
}

func ownerKey(ownerID, currency string) string { return ownerID + "|" + currency }

func (r *memoryRepository) Create(_ context.Context, w Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.storage[w.ID]; exists {
		return ErrAlreadyExists
	}
	if _, exists := r.byNumber[w.WalletNumber]; exists {
		return ErrAlreadyExists
	}
	if _, exists := r.byOwner[ownerKey(w.OwnerID, w.Currency)]; exists {
		return ErrAlreadyExists
	}
	r.storage[w.ID] = w
	r.byNumber[w.WalletNumber] = w.ID
	r.byOwner[ownerKey(w.OwnerID, w.Currency)] = w.ID
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.storage[id]
	if !ok {
		return Wallet{}, fmt.Errorf("%w: wallet %s", ErrNotFound, id)
	}
	return w, nil
}

func (r *memoryRepository) GetByOwner(ctx context.Context, ownerID, currency string) (Wallet, error) {
	r.mu.RLock()
	id, ok := r.byOwner[ownerKey(ownerID, currency)]
	r.mu.RUnlock()
	if !ok {
		return Wallet{}, fmt.Errorf("%w: no %s wallet for owner", ErrNotFound, currency)
	}
	return r.Get(ctx, id)
}

func (r *memoryRepository) GetByNumber(ctx context.Context, number string) (Wallet, error) {
	r.mu.RLock()
	id, ok := r.byNumber[number]
	r.mu.RUnlock()
	if !ok {
		return Wallet{}, fmt.Errorf("%w: wallet number %s", ErrNotFound, number)
	}
	return r.Get(ctx, id)
}

func (r *memoryRepository) ListByOwner(_ context.Context, ownerID string) ([]Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []Wallet{}
	for _, w := range r.storage {
		if w.OwnerID == ownerID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepository) UpdateStatus(_ context.Context, id, from, to string) (Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.storage[id]
	if !ok {
		return Wallet{}, fmt.Errorf("%w: wallet %s", ErrNotFound, id)
	}
	if w.Status != from {
		return Wallet{}, ErrInvalidTransition
	}
	w.Status = to
	w.UpdatedAt = time.Now().UTC()
	r.storage[id] = w
	return w, nil
}

func (r *memoryRepository) SetOverdraft(_ context.Context, id string, allow bool) (Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.storage[id]
	if !ok {
		return Wallet{}, fmt.Errorf("%w: wallet %s", ErrNotFound, id)
	}
	w.AllowOverdraft = allow
	w.UpdatedAt = time.Now().UTC()
	r.storage[id] = w
	return w, nil
}
