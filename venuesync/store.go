// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesync

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the local persistence contract the reconciler and auditor operate
// against. The backend must provide atomic multi-record transactions and
// indexed queries by sync state; venuesqlite is the SQLite implementation.
type Store interface {
	// Lookups
	Get(ctx context.Context, localID string) (*Entity, error)
	List(ctx context.Context) ([]*Entity, error)
	ListByState(ctx context.Context, states ...SyncState) ([]*Entity, error)
	FindByRemoteID(ctx context.Context, remoteID int64) (*Entity, error)
	FindByDedupKey(ctx context.Context, dedupKey string) ([]*Entity, error)
	CountByState(ctx context.Context) (map[SyncState]int, error)

	// Pending queue
	GetPending(ctx context.Context) ([]PendingOperation, error)
	DropPending(ctx context.Context, entityLocalID string) error

	// State machine
	Transition(ctx context.Context, localID string, to SyncState) error

	// Reconciler commits. Each runs as a single transaction over the entity
	// and its pending operation. CommitUpload drops the pending operation
	// only when its snapshot version still matches the uploaded one, so an
	// edit made while the upload was in flight keeps its intent-to-sync.
	CommitUpload(ctx context.Context, localID string, remoteID, remoteVersion, uploadedVersion int64) error
	AdoptRemoteID(ctx context.Context, localID string, remoteID, remoteVersion int64) error
	MarkError(ctx context.Context, localID, reason string) error
	MarkConflict(ctx context.Context, localID string, serverPayload json.RawMessage) error

	// Pull merge primitives
	ApplyRemote(ctx context.Context, localID string, rec *RemoteRecord) error
	TouchLastSynced(ctx context.Context, localID string, at time.Time) error

	// Auditor repair: rebuild the pending operation from the current row and
	// set the entity PENDING (create when it has no remote id, else update).
	RequeueFromRow(ctx context.Context, localID string) error

	// Pull cursor persistence
	PullCursor(ctx context.Context) (string, error)
	SetPullCursor(ctx context.Context, cursor string) error
}
