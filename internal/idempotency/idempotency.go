// Package idempotency provides atomic claim stores that guard workflow
// executions against duplicate and concurrent dispatch.
//
// A claim moves through two states: IN_PROGRESS while the owning execution
// runs, then COMPLETED with a cached result payload. A failed execution
// releases (deletes) its claim so a retry may proceed immediately.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/orchestra/model"
)

// State is the lifecycle state of a claim.
type State string

const (
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
)

// Record is the stored value for a claimed key.
type Record struct {
	Key         string          `json:"key"`
	ExecutionID string          `json:"execution_id"`
	State       State           `json:"state"`
	InputHash   string          `json:"input_hash,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// ClaimResult is the outcome of Store.Claim. It is one of Acquired,
// AlreadyRunning, AlreadyCompleted, or LostRace.
type ClaimResult interface {
	claimResult()
	// Label is a short metrics label for the result.
	Label() string
}

// Acquired means the caller now owns the key.
type Acquired struct{}

// AlreadyRunning means another execution holds an IN_PROGRESS claim.
type AlreadyRunning struct {
	ExecutionID string
}

// AlreadyCompleted means the key finished earlier; Payload is the cached
// result of that execution.
type AlreadyCompleted struct {
	ExecutionID string
	Payload     json.RawMessage
}

// LostRace means a concurrent claimer changed the key between the atomic
// insert and the follow-up read. Callers may retry.
type LostRace struct{}

func (Acquired) claimResult()         {}
func (AlreadyRunning) claimResult()   {}
func (AlreadyCompleted) claimResult() {}
func (LostRace) claimResult()         {}

func (Acquired) Label() string         { return "acquired" }
func (AlreadyRunning) Label() string   { return "already_running" }
func (AlreadyCompleted) Label() string { return "already_completed" }
func (LostRace) Label() string         { return "lost_race" }

// Store provides atomic claim acquisition keyed by an idempotency or lock key.
type Store interface {
	// Claim atomically takes key for executionID. An expired claim is
	// treated as absent. A COMPLETED claim whose input hash differs from
	// inputHash yields an IDEMPOTENCY_CONFLICT error.
	Claim(ctx context.Context, key, executionID, inputHash string, ttl time.Duration) (ClaimResult, error)

	// Complete marks the claim owned by executionID as COMPLETED and caches
	// payload for ttl. It returns a conflict error if executionID no longer
	// owns the key.
	Complete(ctx context.Context, key, executionID string, payload json.RawMessage, ttl time.Duration) error

	// Extend pushes the expiry of an IN_PROGRESS claim owned by executionID
	// to ttl from now. It returns a conflict error if the claim is gone,
	// expired, completed or owned by someone else.
	Extend(ctx context.Context, key, executionID string, ttl time.Duration) error

	// Release deletes the claim if executionID still owns it. Releasing a
	// key owned by someone else, or an absent key, is a no-op.
	Release(ctx context.Context, key, executionID string) error

	// Get returns the live record for key, or nil if there is none.
	Get(ctx context.Context, key string) (*Record, error)
}

// FormatIdempotencyKey builds the standard idempotency key.
func FormatIdempotencyKey(workflowName, key string) string {
	return fmt.Sprintf("idem:%s:%s", workflowName, key)
}

// FormatLockKey builds the standard mutual-exclusion key.
func FormatLockKey(workflowName, key string) string {
	return fmt.Sprintf("lock:%s:%s", workflowName, key)
}

// HashInput produces a deterministic hash of a workflow input for conflict
// detection. Callers pass the canonical JSON encoding.
func HashInput(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	h := sha256.Sum256(input)
	return hex.EncodeToString(h[:])
}

// checkHash compares the stored hash of a completed claim against the
// caller's. Empty hashes on either side skip the comparison, which lock keys
// rely on.
func checkHash(key, stored, incoming string) error {
	if stored == "" || incoming == "" || stored == incoming {
		return nil
	}
	return model.NewIdempotencyConflictError(
		fmt.Sprintf("idempotency key %q already used with different input", key),
	)
}

func notOwnerError(key, executionID string) error {
	return model.NewConflictError(
		fmt.Sprintf("claim %q is not held by execution %q", key, executionID),
	)
}
