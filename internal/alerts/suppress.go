package alerts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Suppressor decides whether a (severity, message) pair was already delivered
// inside the suppression window. TryMark is atomic: the first caller inside a
// window wins and later callers are told to drop.
type Suppressor interface {
	TryMark(ctx context.Context, severity, message string) (bool, error)
}

func suppressKey(severity, message string) string {
	sum := sha256.Sum256([]byte(severity + "\x1f" + message))
	return fmt.Sprintf("alert:sent:%s", hex.EncodeToString(sum[:16]))
}

// RedisSuppressor marks deliveries with SET NX + TTL so multiple coordinator
// replicas share one window.
type RedisSuppressor struct {
	client *redis.Client
	window time.Duration
}

func NewRedisSuppressor(client *redis.Client, window time.Duration) *RedisSuppressor {
	return &RedisSuppressor{client: client, window: window}
}

func (s *RedisSuppressor) TryMark(ctx context.Context, severity, message string) (bool, error) {
	ok, err := s.client.SetNX(ctx, suppressKey(severity, message), 1, s.window).Result()
	if err != nil {
		return false, fmt.Errorf("suppression setnx: %w", err)
	}
	return ok, nil
}

// MemorySuppressor keeps the window in-process.
type MemorySuppressor struct {
	mu     sync.Mutex
	window time.Duration
	sent   map[string]time.Time
	now    func() time.Time
}

func NewMemorySuppressor(window time.Duration) *MemorySuppressor {
	return &MemorySuppressor{
		window: window,
		sent:   make(map[string]time.Time),
		now:    time.Now,
	}
}

func (s *MemorySuppressor) TryMark(_ context.Context, severity, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	key := suppressKey(severity, message)
	if at, ok := s.sent[key]; ok && now.Sub(at) < s.window {
		return false, nil
	}
	s.sent[key] = now
	return true, nil
}
