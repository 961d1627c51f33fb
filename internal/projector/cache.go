package projector

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MemoryCache keeps snapshots in process.
type MemoryCache struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewMemoryCache builds an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{snaps: make(map[string]Snapshot)}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, walletID string) (Snapshot, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.snaps[walletID]
	return s, ok, nil
}

// Put implements Cache.
func (c *MemoryCache) Put(_ context.Context, walletID string, snap Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.snaps[walletID]; ok && cur.Sequence >= snap.Sequence {
		return nil
	}
	c.snaps[walletID] = snap
	return nil
}

//go:embed lua/put_snapshot.lua
var luaPutSnapshot string

// RedisCache stores snapshots as hashes under balance:{walletID}.
type RedisCache struct {
	rdb    redis.Cmdable
	scrPut *redis.Script
}

// NewRedisCache builds a Redis-backed snapshot cache.
func NewRedisCache(rdb redis.Cmdable) *RedisCache {
	return &RedisCache{rdb: rdb, scrPut: redis.NewScript(luaPutSnapshot)}
}

// Scripts exposes the Lua scripts for preloading.
func (c *RedisCache) Scripts() []*redis.Script {
	return []*redis.Script{c.scrPut}
}

func cacheKey(walletID string) string {
	return "balance:{" + walletID + "}"
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, walletID string) (Snapshot, bool, error) {
	vals, err := c.rdb.HMGet(ctx, cacheKey(walletID), "balance", "sequence").Result()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Snapshot{}, false, nil
	}

	balance, err := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("parse cached balance: %w", err)
	}
	seq, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("parse cached sequence: %w", err)
	}
	return Snapshot{Balance: balance, Sequence: seq}, true, nil
}

// Put implements Cache; the script drops writes that would move the sequence backwards.
func (c *RedisCache) Put(ctx context.Context, walletID string, snap Snapshot) error {
	err := c.scrPut.Run(ctx, c.rdb, []string{cacheKey(walletID)},
		strconv.FormatInt(snap.Balance, 10), strconv.FormatInt(snap.Sequence, 10)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
