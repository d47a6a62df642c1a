// Package rank assigns completion order within a job. Every completion for
// the same job id receives a unique, gap-free rank starting at 1, even when
// devices finish in the same millisecond. The Redis implementation relies on
// INCR being atomic; the memory implementation is a mutex-guarded map.
package rank

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter hands out the next rank for a job.
type Counter interface {
	Next(ctx context.Context, jobID string) (int, error)
}

// RedisCounter increments a per-job key atomically. Keys expire after ttl so
// counters for finished jobs do not accumulate.
type RedisCounter struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCounter builds a counter over an existing Redis client.
func NewRedisCounter(client *redis.Client, ttl time.Duration) *RedisCounter {
	return &RedisCounter{client: client, ttl: ttl}
}

func (c *RedisCounter) key(jobID string) string {
	return fmt.Sprintf("rank:job:%s", jobID)
}

// Next returns the rank in a single atomic step. INCR on a fresh key yields 1.
func (c *RedisCounter) Next(ctx context.Context, jobID string) (int, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, c.key(jobID))
	if c.ttl > 0 {
		pipe.Expire(ctx, c.key(jobID), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("rank incr: %w", err)
	}
	return int(incr.Val()), nil
}

// MemoryCounter is the in-process fallback used by tests and single-node runs.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int)}
}

func (c *MemoryCounter) Next(_ context.Context, jobID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[jobID]++
	return c.counts[jobID], nil
}
