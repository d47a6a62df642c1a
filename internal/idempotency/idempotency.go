// Package idempotency deduplicates job executions by fingerprint. The first
// successful execution of a fingerprint caches its result with a TTL; later
// requests inside the TTL get the cached result back without side effects.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fingerprint derives the dedup key from the ordered idempotencyKeys of a bot
// definition applied to the job params. Missing fields hash as empty strings
// so the same param set always produces the same fingerprint.
func Fingerprint(botKey string, idempotencyKeys []string, params map[string]any) string {
	parts := make([]string, 0, len(idempotencyKeys)+1)
	parts = append(parts, botKey)
	for _, k := range idempotencyKeys {
		v := params[k]
		switch t := v.(type) {
		case nil:
			parts = append(parts, "")
		case string:
			parts = append(parts, t)
		default:
			b, _ := json.Marshal(t)
			parts = append(parts, string(b))
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Record is the cached outcome stored per fingerprint.
type Record struct {
	JobID       string         `json:"job_id"`
	Result      map[string]any `json:"result,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Store reads and writes idempotency records.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore builds a store over an existing Redis client.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func (s *Store) key(fingerprint string) string {
	return fmt.Sprintf("idem:%s", fingerprint)
}

func (s *Store) claimKey(fingerprint string) string {
	return fmt.Sprintf("idem:claim:%s", fingerprint)
}

// Lookup returns the live record for a fingerprint, if any.
func (s *Store) Lookup(ctx context.Context, fingerprint string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, s.key(fingerprint)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("idempotency decode: %w", err)
	}
	return rec, true, nil
}

// Save writes the record with set-if-not-exists semantics. The first writer
// wins; a concurrent duplicate gets reported=false and should use Lookup.
func (s *Store) Save(ctx context.Context, fingerprint string, rec Record) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("idempotency encode: %w", err)
	}
	set, err := s.client.SetNX(ctx, s.key(fingerprint), raw, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency setnx: %w", err)
	}
	return set, nil
}

// Invalidate drops a record and any claim; used when an operator replays a
// job on purpose.
func (s *Store) Invalidate(ctx context.Context, fingerprint string) error {
	return s.client.Del(ctx, s.key(fingerprint), s.claimKey(fingerprint)).Err()
}

var claimScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if owner then return {0, owner} end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return {1, ARGV[1]}
`)

// Claim marks a fingerprint as executing, naming the owning job. Exactly one
// concurrent caller wins; losers get the owner's job id back so they can
// attach to the in-flight execution instead of starting a second one.
func (s *Store) Claim(ctx context.Context, fingerprint, jobID string) (bool, string, error) {
	res, err := claimScript.Run(ctx, s.client, []string{s.claimKey(fingerprint)},
		jobID, s.ttl.Milliseconds()).Result()
	if err != nil {
		return false, "", fmt.Errorf("idempotency claim: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, "", fmt.Errorf("idempotency claim: unexpected reply %v", res)
	}
	won, _ := arr[0].(int64)
	owner, _ := arr[1].(string)
	return won == 1, owner, nil
}

// ReleaseClaim frees a fingerprint after a terminal failure or cancellation
// so a later resubmission executes for real.
func (s *Store) ReleaseClaim(ctx context.Context, fingerprint string) error {
	return s.client.Del(ctx, s.claimKey(fingerprint)).Err()
}
