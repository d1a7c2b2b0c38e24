// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesync

import (
	"errors"
	"fmt"
)

// Sentinel errors for programmatic checks across packages.
var (
	// ErrNotFound indicates a requested entity or remote record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSyncHalted indicates the pending queue stopped draining because of a
	// non-retryable condition (auth failure or quota exhaustion).
	ErrSyncHalted = errors.New("sync halted")
)

// NetworkError wraps transport failures, timeouts and 5xx responses.
// It is the only retryable class in the taxonomy.
type NetworkError struct {
	Op  string // "create", "update", "delete", "list", "get"
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AmbiguousResponseError is raised when a remote response cannot be normalized
// into the canonical {remoteId, status} contract. Guessing an id here would
// corrupt local remote-id bookkeeping, so the operation fails instead.
type AmbiguousResponseError struct {
	Op     string
	Detail string
	Body   []byte
}

func (e *AmbiguousResponseError) Error() string {
	return fmt.Sprintf("ambiguous remote response for %s: %s", e.Op, e.Detail)
}

// AuthError indicates the remote rejected our credentials. Fatal until
// re-authentication; the reconciler halts further attempts for the run.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (status %d): %s", e.StatusCode, e.Message)
}

// ValidationError indicates the remote rejected the payload. Not retried;
// surfaced verbatim on the entity.
type ValidationError struct {
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("remote rejected request (status %d): %s", e.StatusCode, e.Message)
}

// ConflictError indicates an optimistic-concurrency or duplicate-record
// conflict (HTTP 409). Routed to the resolver, never silently resolved.
type ConflictError struct {
	Message string
	Record  *RemoteRecord // current server state, when the server included it
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote conflict: %s", e.Message)
}

// QuotaExceededError indicates the remote is rate limiting or out of quota
// (HTTP 429). Halts the whole queue; surfaced as an actionable condition.
type QuotaExceededError struct {
	Message    string
	RetryAfter string // raw Retry-After header, if any
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("remote quota exceeded: %s", e.Message)
}

// InvalidTransitionError reports a mutation outside the entity state machine.
type InvalidTransitionError struct {
	LocalID string
	From    SyncState
	To      SyncState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid sync state transition for %s: %s -> %s", e.LocalID, e.From, e.To)
}

// IsRetryable reports whether an error should be retried with backoff.
// Only network-class failures (transport errors, timeouts, 5xx) qualify.
func IsRetryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
