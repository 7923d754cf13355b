package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mike2153/NestWatcher-sub000/internal/config"
)

// SeenCache remembers content hashes of status files that were already
// processed, so a re-delivered or re-touched file is not applied twice.
type SeenCache interface {
	Seen(ctx context.Context, hash string) (bool, error)
	Mark(ctx context.Context, hash string) error
}

// HashContent returns the dedupe key for a status file's bytes.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RedisSeen backs the cache with Redis so dedupe survives watcher restarts.
type RedisSeen struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSeen builds the cache from config.
func NewRedisSeen(cfg config.Config) *RedisSeen {
	return &RedisSeen{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
		ttl: 7 * 24 * time.Hour,
	}
}

func seenKey(hash string) string {
	return "watcher:seen:" + hash
}

func (c *RedisSeen) Seen(ctx context.Context, hash string) (bool, error) {
	n, err := c.client.Exists(ctx, seenKey(hash)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisSeen) Mark(ctx context.Context, hash string) error {
	return c.client.Set(ctx, seenKey(hash), 1, c.ttl).Err()
}

func (c *RedisSeen) Close() error {
	return c.client.Close()
}

// MemorySeen is the fallback when no Redis address is configured. Dedupe
// then only holds for the life of the process.
type MemorySeen struct {
	mu     sync.Mutex
	hashes map[string]struct{}
}

func NewMemorySeen() *MemorySeen {
	return &MemorySeen{hashes: make(map[string]struct{})}
}

func (c *MemorySeen) Seen(_ context.Context, hash string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.hashes[hash]
	return ok, nil
}

func (c *MemorySeen) Mark(_ context.Context, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes[hash] = struct{}{}
	return nil
}
