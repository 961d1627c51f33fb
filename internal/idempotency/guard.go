package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInProgress means another caller holds a live claim on the key.
	ErrInProgress = errors.New("idempotency key in progress")
	// ErrClaimFailed means the key exhausted its reclaim attempts and needs review.
	ErrClaimFailed = errors.New("idempotency claim failed")
	// ErrFingerprintMismatch means the key was first used for a different request.
	ErrFingerprintMismatch = errors.New("idempotency key reused with a different request")
	// ErrNotClaimed is returned when settling a key the caller's attempt no longer holds.
	ErrNotClaimed = errors.New("idempotency key not claimed")
)

// Claim is the outcome of a claim attempt. When Acquired is false the key was
// already committed and Result carries the stored outcome.
type Claim struct {
	Acquired bool
	Attempt  int
	Result   []byte
}

// Guard provides an atomic claim/commit primitive keyed by caller or provider ids.
// Commit and Release take the attempt returned by Claim; a holder whose claim
// was taken over gets ErrNotClaimed and leaves the new holder's claim intact.
type Guard interface {
	Claim(ctx context.Context, key, fingerprint string) (Claim, error)
	Commit(ctx context.Context, key string, attempt int, result []byte) error
	Release(ctx context.Context, key string, attempt int) error
}

// Options tune claim expiry. A claim of attempt n may be taken over once it
// is older than Window * 2^(n-1); after MaxAttempts the key is marked failed.
type Options struct {
	Window      time.Duration
	MaxAttempts int
	TTL         time.Duration
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) stale(claimedAt time.Time, attempt int) bool {
	return o.Now().Sub(claimedAt) >= o.Window<<(attempt-1)
}

// Run claims key, invokes fn when acquired and commits its result. A replayed
// key returns the stored result without calling fn. When fn fails the claim is
// released so a corrected request may reuse the key.
func Run(ctx context.Context, g Guard, key, fingerprint string, fn func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	c, err := g.Claim(ctx, key, fingerprint)
	if err != nil {
		return nil, false, err
	}
	if !c.Acquired {
		return c.Result, true, nil
	}

	// Settle the claim even if the caller has gone away.
	settleCtx := context.WithoutCancel(ctx)

	result, err := fn(ctx)
	if err != nil {
		if relErr := g.Release(settleCtx, key, c.Attempt); relErr != nil {
			return nil, false, errors.Join(err, fmt.Errorf("release %s: %w", key, relErr))
		}
		return nil, false, err
	}
	if err := g.Commit(settleCtx, key, c.Attempt, result); err != nil {
		return result, false, fmt.Errorf("commit %s: %w", key, err)
	}
	return result, false, nil
}

// Scope namespaces a client-supplied key, e.g. Scope("api", account, "debit", key).
func Scope(parts ...string) string {
	return strings.Join(parts, ":")
}

// Fingerprint summarizes the request a key was first used for.
func Fingerprint(parts ...any) string {
	s := make([]string, len(parts))
	for i, p := range parts {
		s[i] = fmt.Sprint(p)
	}
	return strings.Join(s, "|")
}
