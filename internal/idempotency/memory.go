package idempotency

import (
	"context"
	"sync"
	"time"
)

type state string

const (
	stateClaimed   state = "claimed"
	stateCommitted state = "committed"
	stateFailed    state = "failed"
)

type record struct {
	state       state
	claimedAt   time.Time
	attempts    int
	fingerprint string
	result      []byte
	expiresAt   time.Time
}

// MemoryGuard is a process-local Guard.
type MemoryGuard struct {
	opts Options

	mu      sync.Mutex
	records map[string]*record
}

// NewMemoryGuard builds an in-memory guard.
func NewMemoryGuard(opts Options) *MemoryGuard {
	return &MemoryGuard{opts: opts.withDefaults(), records: make(map[string]*record)}
}

// Claim implements Guard.
func (g *MemoryGuard) Claim(_ context.Context, key, fingerprint string) (Claim, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.opts.Now()
	rec, ok := g.records[key]
	if ok && now.After(rec.expiresAt) {
		delete(g.records, key)
		ok = false
	}
	if !ok {
		g.records[key] = &record{
			state:       stateClaimed,
			claimedAt:   now,
			attempts:    1,
			fingerprint: fingerprint,
			expiresAt:   now.Add(g.opts.TTL),
		}
		return Claim{Acquired: true, Attempt: 1}, nil
	}

	if fingerprint != "" && rec.fingerprint != "" && fingerprint != rec.fingerprint {
		return Claim{}, ErrFingerprintMismatch
	}

	switch rec.state {
	case stateCommitted:
		return Claim{Attempt: rec.attempts, Result: append([]byte(nil), rec.result...)}, nil
	case stateFailed:
		return Claim{}, ErrClaimFailed
	}

	if !g.opts.stale(rec.claimedAt, rec.attempts) {
		return Claim{}, ErrInProgress
	}
	if rec.attempts >= g.opts.MaxAttempts {
		rec.state = stateFailed
		return Claim{}, ErrClaimFailed
	}
	rec.attempts++
	rec.claimedAt = now
	return Claim{Acquired: true, Attempt: rec.attempts}, nil
}

// Commit implements Guard.
func (g *MemoryGuard) Commit(_ context.Context, key string, attempt int, result []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[key]
	if !ok || rec.attempts != attempt {
		return ErrNotClaimed
	}
	switch rec.state {
	case stateCommitted:
		return nil
	case stateFailed:
		return ErrNotClaimed
	}
	rec.state = stateCommitted
	rec.result = append([]byte(nil), result...)
	rec.expiresAt = g.opts.Now().Add(g.opts.TTL)
	return nil
}

// Release implements Guard.
func (g *MemoryGuard) Release(_ context.Context, key string, attempt int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[key]
	if !ok {
		return nil
	}
	if rec.attempts != attempt {
		return ErrNotClaimed
	}
	if rec.state == stateClaimed {
		delete(g.records, key)
	}
	return nil
}
