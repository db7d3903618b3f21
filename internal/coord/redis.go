// Package coord owns the coordination-store plumbing: the Redis client the
// slot manager and waitlist share, and the key layout every ephemeral
// campaign key follows.
//
// All campaign keys are hash-tagged with the campaign id (`{campaignId}`) so
// that multi-key Lua scripts stay single-slot on a Redis Cluster deployment.
package coord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the coordination-store connection settings.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr string

	// Password is optional.
	Password string

	// DB is the Redis database number. Ignored in cluster mode.
	DB int
}

// Dial connects to Redis and verifies the connection with a PING.
// Timeouts are deliberately short: every caller of the coordination store is
// on a latency budget, and a slow Redis should fail fast rather than stall
// promotions.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("coord: redis connection failed: %w", err)
	}

	logger.Info("connected to coordination store", "addr", cfg.Addr, "db", cfg.DB)
	return client, nil
}

// SummarizeQueueKey is the global list completed call ids are pushed onto for
// the external summarization job. It is the only coordination key that is not
// campaign-scoped.
const SummarizeQueueKey = "summarize:jobs"
