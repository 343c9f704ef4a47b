package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/orchestra/internal/testutil"
	"github.com/pitabwire/orchestra/model"
)

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("acquire then running", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		res, err := s.Claim(ctx, "idem:create-product:denim", "exec-1", "h1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, Acquired{}, res)

		res, err = s.Claim(ctx, "idem:create-product:denim", "exec-2", "h1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, AlreadyRunning{ExecutionID: "exec-1"}, res)
	})

	t.Run("completed replays payload", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := "idem:create-product:boots"

		_, err := s.Claim(ctx, key, "exec-1", "h1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, key, "exec-1", json.RawMessage(`{"product_id":"p-1"}`), time.Hour))

		res, err := s.Claim(ctx, key, "exec-2", "h1", time.Minute)
		require.NoError(t, err)
		done, ok := res.(AlreadyCompleted)
		require.True(t, ok, "got %T", res)
		assert.Equal(t, "exec-1", done.ExecutionID)
		assert.JSONEq(t, `{"product_id":"p-1"}`, string(done.Payload))

		rec, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, StateCompleted, rec.State)
	})

	t.Run("completed with different input conflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := "idem:create-product:hat"

		_, err := s.Claim(ctx, key, "exec-1", "h1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, key, "exec-1", json.RawMessage(`{}`), time.Hour))

		_, err = s.Claim(ctx, key, "exec-2", "h2", time.Minute)
		require.Error(t, err)
		assert.Equal(t, model.ErrIdempotencyConflict, model.CodeOf(err))
	})

	t.Run("release allows immediate reclaim", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := "idem:create-product:scarf"

		_, err := s.Claim(ctx, key, "exec-1", "h1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, key, "exec-1"))

		res, err := s.Claim(ctx, key, "exec-2", "h1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, Acquired{}, res)
	})

	t.Run("release by non-owner is a no-op", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := "lock:create-product:sku-1"

		_, err := s.Claim(ctx, key, "exec-1", "", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, key, "exec-other"))
		require.NoError(t, s.Release(ctx, "lock:absent", "exec-1"))

		rec, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "exec-1", rec.ExecutionID)
	})

	t.Run("complete by non-owner fails", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := "idem:create-product:belt"

		_, err := s.Claim(ctx, key, "exec-1", "h1", time.Minute)
		require.NoError(t, err)

		err = s.Complete(ctx, key, "exec-2", json.RawMessage(`{}`), time.Hour)
		require.Error(t, err)
		assert.Equal(t, model.ErrConflict, model.CodeOf(err))
	})

	t.Run("extend renews only the owner's running claim", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := "lock:create-product:sku-2"

		_, err := s.Claim(ctx, key, "exec-1", "", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Extend(ctx, key, "exec-1", time.Hour))

		err = s.Extend(ctx, key, "exec-2", time.Hour)
		assert.Equal(t, model.ErrConflict, model.CodeOf(err))

		err = s.Extend(ctx, "lock:absent", "exec-1", time.Hour)
		assert.Equal(t, model.ErrConflict, model.CodeOf(err))

		require.NoError(t, s.Complete(ctx, key, "exec-1", json.RawMessage(`{}`), time.Hour))
		err = s.Extend(ctx, key, "exec-1", time.Hour)
		assert.Equal(t, model.ErrConflict, model.CodeOf(err))
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := "idem:create-product:race"

		const n = 16
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			acquired int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := s.Claim(ctx, key, "exec-"+string(rune('a'+i)), "h1", time.Minute)
				if err != nil {
					t.Errorf("Claim error: %v", err)
					return
				}
				if _, ok := res.(Acquired); ok {
					mu.Lock()
					acquired++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, acquired)
	})

	t.Run("get absent key", func(t *testing.T) {
		s := newStore(t)
		rec, err := s.Get(context.Background(), "idem:none:none")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ExpiredClaimIsReclaimable(t *testing.T) {
	s := NewMemoryStore()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	ctx := context.Background()

	_, err := s.Claim(ctx, "idem:wf:k", "exec-1", "h1", time.Minute)
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)
	res, err := s.Claim(ctx, "idem:wf:k", "exec-2", "h1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Acquired{}, res)
	assert.Equal(t, 1, s.Len())

	rec, err := s.Get(ctx, "idem:wf:k")
	require.NoError(t, err)
	assert.Equal(t, "exec-2", rec.ExecutionID)
}

func TestMemoryStore_ExtendKeepsClaimAlive(t *testing.T) {
	s := NewMemoryStore()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	ctx := context.Background()

	_, err := s.Claim(ctx, "lock:wf:k", "exec-1", "", time.Minute)
	require.NoError(t, err)

	clock = clock.Add(50 * time.Second)
	require.NoError(t, s.Extend(ctx, "lock:wf:k", "exec-1", time.Minute))

	clock = clock.Add(50 * time.Second)
	res, err := s.Claim(ctx, "lock:wf:k", "exec-2", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, AlreadyRunning{ExecutionID: "exec-1"}, res)

	clock = clock.Add(time.Minute)
	err = s.Extend(ctx, "lock:wf:k", "exec-1", time.Minute)
	assert.Equal(t, model.ErrConflict, model.CodeOf(err), "an expired claim cannot be revived")
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		_, client := newTestRedis(t)
		return NewRedisStore(client)
	})
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client)
	ctx := context.Background()

	_, err := s.Claim(ctx, "idem:wf:ttl", "exec-1", "h1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("idem:wf:ttl"))

	mr.FastForward(31 * time.Second)

	res, err := s.Claim(ctx, "idem:wf:ttl", "exec-2", "h1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Acquired{}, res)
}

func TestRedisStore_ExtendResetsTTL(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client)
	ctx := context.Background()

	_, err := s.Claim(ctx, "lock:wf:ttl", "exec-1", "", 30*time.Second)
	require.NoError(t, err)

	mr.FastForward(20 * time.Second)
	require.NoError(t, s.Extend(ctx, "lock:wf:ttl", "exec-1", 30*time.Second))

	mr.FastForward(20 * time.Second)
	res, err := s.Claim(ctx, "lock:wf:ttl", "exec-2", "", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, AlreadyRunning{ExecutionID: "exec-1"}, res)
}

func TestRedisStore_StoresHashFields(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client)
	ctx := context.Background()

	_, err := s.Claim(ctx, "idem:wf:fields", "exec-1", "h1", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "IN_PROGRESS", mr.HGet("idem:wf:fields", "state"))
	assert.Equal(t, "exec-1", mr.HGet("idem:wf:fields", "execution_id"))
	assert.Equal(t, "h1", mr.HGet("idem:wf:fields", "input_hash"))
	assert.Greater(t, mr.TTL("idem:wf:fields"), time.Duration(0))
}

func TestRedisStore_HealthCheck(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client)
	require.NoError(t, s.HealthCheck(context.Background()))

	mr.Close()
	assert.Error(t, s.HealthCheck(context.Background()))
}

func TestPgStore_Contract(t *testing.T) {
	pool := testutil.PostgresPool(t)
	require.NoError(t, NewPgStore(pool).Migrate(context.Background()))

	runStoreContract(t, func(t *testing.T) Store {
		testutil.TruncateTables(t, pool, "idempotency_claims")
		return NewPgStore(pool)
	})
}

func TestFormatKeys(t *testing.T) {
	assert.Equal(t, "idem:create-product:denim-jacket", FormatIdempotencyKey("create-product", "denim-jacket"))
	assert.Equal(t, "lock:create-product:sku:42", FormatLockKey("create-product", "sku:42"))
}

func TestHashInput(t *testing.T) {
	a := HashInput(json.RawMessage(`{"handle":"denim"}`))
	b := HashInput(json.RawMessage(`{"handle":"denim"}`))
	c := HashInput(json.RawMessage(`{"handle":"boots"}`))

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Empty(t, HashInput(nil))
}

func TestClaimResult_Labels(t *testing.T) {
	for want, res := range map[string]ClaimResult{
		"acquired":          Acquired{},
		"already_running":   AlreadyRunning{},
		"already_completed": AlreadyCompleted{},
		"lost_race":         LostRace{},
	} {
		assert.Equal(t, want, res.Label())
	}
}
