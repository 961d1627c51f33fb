package idempotency

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed lua/claim.lua
var luaClaim string

//go:embed lua/commit.lua
var luaCommit string

//go:embed lua/release.lua
var luaRelease string

const keyPrefix = "idem:v1:"

// RedisGuard keeps claims in Redis hashes; every transition is one Lua script
// so concurrent claimers see a single winner.
type RedisGuard struct {
	rdb  redis.Scripter
	opts Options

	scrClaim   *redis.Script
	scrCommit  *redis.Script
	scrRelease *redis.Script
}

// NewRedisGuard builds a Redis-backed guard.
func NewRedisGuard(rdb redis.Scripter, opts Options) *RedisGuard {
	return &RedisGuard{
		rdb:        rdb,
		opts:       opts.withDefaults(),
		scrClaim:   redis.NewScript(luaClaim),
		scrCommit:  redis.NewScript(luaCommit),
		scrRelease: redis.NewScript(luaRelease),
	}
}

// Scripts exposes the Lua scripts for preloading.
func (g *RedisGuard) Scripts() []*redis.Script {
	return []*redis.Script{g.scrClaim, g.scrCommit, g.scrRelease}
}

// Claim implements Guard.
func (g *RedisGuard) Claim(ctx context.Context, key, fingerprint string) (Claim, error) {
	res, err := g.scrClaim.Run(ctx, g.rdb, []string{keyPrefix + key},
		g.opts.Now().UnixMilli(),
		g.opts.Window.Milliseconds(),
		g.opts.MaxAttempts,
		fingerprint,
		g.opts.TTL.Milliseconds(),
	).Slice()
	if err != nil {
		return Claim{}, fmt.Errorf("claim %s: %w", key, err)
	}
	if len(res) != 3 {
		return Claim{}, fmt.Errorf("claim %s: unexpected reply %v", key, res)
	}

	outcome, _ := res[0].(string)
	attempt, _ := res[1].(int64)
	stored, _ := res[2].(string)

	switch outcome {
	case "acquired":
		return Claim{Acquired: true, Attempt: int(attempt)}, nil
	case "committed":
		return Claim{Attempt: int(attempt), Result: []byte(stored)}, nil
	case "in_progress":
		return Claim{}, ErrInProgress
	case "failed":
		return Claim{}, ErrClaimFailed
	case "mismatch":
		return Claim{}, ErrFingerprintMismatch
	default:
		return Claim{}, fmt.Errorf("claim %s: unknown outcome %q", key, outcome)
	}
}

// Commit implements Guard.
func (g *RedisGuard) Commit(ctx context.Context, key string, attempt int, result []byte) error {
	ok, err := g.scrCommit.Run(ctx, g.rdb, []string{keyPrefix + key}, attempt, string(result), g.opts.TTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	if ok != 1 {
		return ErrNotClaimed
	}
	return nil
}

// Release implements Guard.
func (g *RedisGuard) Release(ctx context.Context, key string, attempt int) error {
	res, err := g.scrRelease.Run(ctx, g.rdb, []string{keyPrefix + key}, attempt).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	if res < 0 {
		return ErrNotClaimed
	}
	return nil
}
