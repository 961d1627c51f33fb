package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient configures a Redis client and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// PreloadScripts loads Lua scripts into the server cache in the background.
// Script.Run falls back to EVAL on NOSCRIPT, so failures only cost a round trip.
func PreloadScripts(rdb redis.Scripter, logger *slog.Logger, scripts ...*redis.Script) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, s := range scripts {
			if err := s.Load(ctx, rdb).Err(); err != nil && logger != nil {
				logger.Warn("preload lua script", "error", err)
			}
		}
	}()
}
