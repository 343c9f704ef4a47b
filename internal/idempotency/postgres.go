package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const claimsSchema = `
CREATE TABLE IF NOT EXISTS idempotency_claims (
	key          TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	state        TEXT NOT NULL,
	input_hash   TEXT NOT NULL DEFAULT '',
	payload      JSONB,
	expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_claims_expires ON idempotency_claims (expires_at);
`

// PgStore is a PostgreSQL-backed Store. A claim is a single upsert that only
// overwrites an expired row, so concurrent claimers serialize on the primary
// key.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL claim store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the claims table if it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, claimsSchema); err != nil {
		return fmt.Errorf("migrate idempotency_claims: %w", err)
	}
	return nil
}

// Claim inserts the row, or takes over an expired one. When neither happens
// the existing row is read back; if it vanished in between, the caller lost a
// race.
func (s *PgStore) Claim(ctx context.Context, key, executionID, inputHash string, ttl time.Duration) (ClaimResult, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_claims (key, execution_id, state, input_hash, payload, expires_at)
		VALUES ($1, $2, $3, $4, NULL, now() + $5::bigint * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE SET
			execution_id = EXCLUDED.execution_id,
			state        = EXCLUDED.state,
			input_hash   = EXCLUDED.input_hash,
			payload      = NULL,
			expires_at   = EXCLUDED.expires_at
		WHERE idempotency_claims.expires_at <= now()`,
		key, executionID, string(StateInProgress), inputHash, ttlMillis(ttl),
	)
	if err != nil {
		return nil, fmt.Errorf("insert claim %q: %w", key, err)
	}
	if tag.RowsAffected() == 1 {
		return Acquired{}, nil
	}

	var (
		owner, state, storedHash string
		payload                  []byte
		live                     bool
	)
	err = s.pool.QueryRow(ctx, `
		SELECT execution_id, state, input_hash, payload, expires_at > now()
		FROM idempotency_claims
		WHERE key = $1`,
		key,
	).Scan(&owner, &state, &storedHash, &payload, &live)
	if errors.Is(err, pgx.ErrNoRows) {
		return LostRace{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query claim %q: %w", key, err)
	}
	if !live {
		return LostRace{}, nil
	}

	if State(state) == StateCompleted {
		if err := checkHash(key, storedHash, inputHash); err != nil {
			return nil, err
		}
		return AlreadyCompleted{ExecutionID: owner, Payload: json.RawMessage(payload)}, nil
	}
	return AlreadyRunning{ExecutionID: owner}, nil
}

// Complete marks the claim COMPLETED if executionID still owns it.
func (s *PgStore) Complete(ctx context.Context, key, executionID string, payload json.RawMessage, ttl time.Duration) error {
	var body any
	if len(payload) > 0 {
		body = []byte(payload)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_claims
		SET state = $3, payload = $4, expires_at = now() + $5::bigint * interval '1 millisecond'
		WHERE key = $1 AND execution_id = $2`,
		key, executionID, string(StateCompleted), body, ttlMillis(ttl),
	)
	if err != nil {
		return fmt.Errorf("complete claim %q: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return notOwnerError(key, executionID)
	}
	return nil
}

// Extend renews a live IN_PROGRESS claim owned by executionID.
func (s *PgStore) Extend(ctx context.Context, key, executionID string, ttl time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_claims
		SET expires_at = now() + $4::bigint * interval '1 millisecond'
		WHERE key = $1 AND execution_id = $2 AND state = $3 AND expires_at > now()`,
		key, executionID, string(StateInProgress), ttlMillis(ttl),
	)
	if err != nil {
		return fmt.Errorf("extend claim %q: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return notOwnerError(key, executionID)
	}
	return nil
}

// Release deletes the claim if executionID owns it.
func (s *PgStore) Release(ctx context.Context, key, executionID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_claims WHERE key = $1 AND execution_id = $2`,
		key, executionID,
	)
	if err != nil {
		return fmt.Errorf("release claim %q: %w", key, err)
	}
	return nil
}

// Get returns the live record for key.
func (s *PgStore) Get(ctx context.Context, key string) (*Record, error) {
	rec := &Record{Key: key}
	var (
		state   string
		payload []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT execution_id, state, input_hash, payload, expires_at
		FROM idempotency_claims
		WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&rec.ExecutionID, &state, &rec.InputHash, &payload, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query claim %q: %w", key, err)
	}
	rec.State = State(state)
	if len(payload) > 0 {
		rec.Payload = json.RawMessage(payload)
	}
	return rec, nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
