package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each claim is a Redis hash with fields state, execution_id, input_hash and
// payload. The key's own TTL carries expiry. All transitions run as Lua
// scripts so reads and writes of one key are atomic.
var (
	claimScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  redis.call('HSET', KEYS[1], 'state', 'IN_PROGRESS', 'execution_id', ARGV[1], 'input_hash', ARGV[2])
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  return {'ACQUIRED', ARGV[1], ARGV[2], ''}
end
local v = redis.call('HMGET', KEYS[1], 'execution_id', 'input_hash', 'payload')
return {state, v[1] or '', v[2] or '', v[3] or ''}
`)

	completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'execution_id') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'COMPLETED', 'payload', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

	extendScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'execution_id', 'state')
if v[1] ~= ARGV[1] or v[2] ~= 'IN_PROGRESS' then
  return 0
end
return redis.call('PEXPIRE', KEYS[1], ARGV[2])
`)

	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'execution_id') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// RedisStore is a Redis-backed Store shared by all orchestrator replicas.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed claim store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Claim runs the claim script against key.
func (s *RedisStore) Claim(ctx context.Context, key, executionID, inputHash string, ttl time.Duration) (ClaimResult, error) {
	vals, err := claimScript.Run(ctx, s.client, []string{key}, executionID, inputHash, ttlMillis(ttl)).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis claim %q: %w", key, err)
	}
	if len(vals) != 4 {
		return nil, fmt.Errorf("redis claim %q: unexpected reply %v", key, vals)
	}

	state, owner, storedHash, payload := vals[0], vals[1], vals[2], vals[3]
	switch State(state) {
	case "ACQUIRED":
		if owner != executionID {
			return LostRace{}, nil
		}
		return Acquired{}, nil
	case StateCompleted:
		if err := checkHash(key, storedHash, inputHash); err != nil {
			return nil, err
		}
		var raw json.RawMessage
		if payload != "" {
			raw = json.RawMessage(payload)
		}
		return AlreadyCompleted{ExecutionID: owner, Payload: raw}, nil
	case StateInProgress:
		return AlreadyRunning{ExecutionID: owner}, nil
	default:
		return nil, fmt.Errorf("redis claim %q: unknown state %q", key, state)
	}
}

// Complete runs the complete script; zero means the claim changed owner.
func (s *RedisStore) Complete(ctx context.Context, key, executionID string, payload json.RawMessage, ttl time.Duration) error {
	n, err := completeScript.Run(ctx, s.client, []string{key}, executionID, string(payload), ttlMillis(ttl)).Int()
	if err != nil {
		return fmt.Errorf("redis complete %q: %w", key, err)
	}
	if n == 0 {
		return notOwnerError(key, executionID)
	}
	return nil
}

// Extend runs the compare-and-expire script.
func (s *RedisStore) Extend(ctx context.Context, key, executionID string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, s.client, []string{key}, executionID, ttlMillis(ttl)).Int()
	if err != nil {
		return fmt.Errorf("redis extend %q: %w", key, err)
	}
	if n == 0 {
		return notOwnerError(key, executionID)
	}
	return nil
}

// Release runs the compare-and-delete script.
func (s *RedisStore) Release(ctx context.Context, key, executionID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{key}, executionID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release %q: %w", key, err)
	}
	return nil
}

// Get reads the hash and its remaining TTL.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %q: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	rec := &Record{
		Key:         key,
		ExecutionID: fields["execution_id"],
		State:       State(fields["state"]),
		InputHash:   fields["input_hash"],
	}
	if p := fields["payload"]; p != "" {
		rec.Payload = json.RawMessage(p)
	}
	if ttl, err := s.client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
		rec.ExpiresAt = time.Now().Add(ttl)
	}
	return rec, nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func ttlMillis(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
