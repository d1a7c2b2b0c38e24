// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesync

import (
	"encoding/json"
	"time"
)

// VenuePayload holds the domain fields of a curated venue record.
type VenuePayload struct {
	Name     string `json:"name"`
	Locality string `json:"locality"`
	Address  string `json:"address,omitempty"`
	Cuisine  string `json:"cuisine,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Website  string `json:"website,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Entity is a locally stored venue record together with its sync bookkeeping.
type Entity struct {
	LocalID   string
	RemoteID  *int64 // nil until assigned by the server
	CuratorID string
	Payload   VenuePayload
	DedupKey  string
	SyncState SyncState

	Version       int64 // local monotonic edit counter
	RemoteVersion int64 // server version at last sync (optimistic concurrency)

	CreatedAt      time.Time
	LastModifiedAt time.Time
	LastSyncedAt   *time.Time
	LastError      string

	// ConflictPayload holds the server-side version of a CONFLICT entity so
	// both versions stay visible for manual resolution.
	ConflictPayload json.RawMessage
}

// Synced reports whether the entity has ever been acknowledged by the server.
func (e *Entity) Synced() bool { return e.RemoteID != nil }

// PendingOperation is one coalesced unit of local intent awaiting upload.
// At most one exists per entity; repeated edits replace its snapshot.
type PendingOperation struct {
	EntityLocalID   string
	Kind            OpKind
	PayloadSnapshot json.RawMessage // nil for delete
	SnapshotVersion int64
	IdempotencyKey  string
	QueuedAt        time.Time
}

// RemoteRecord is a venue record as returned by the remote entity API after
// response normalization.
type RemoteRecord struct {
	RemoteID  int64        `json:"id"`
	CuratorID string       `json:"curator_id"`
	Payload   VenuePayload `json:"payload"`
	Version   int64        `json:"version"`
	UpdatedAt time.Time    `json:"updated_at"`
	Deleted   bool         `json:"deleted"`
}

// DedupKey derives the record's composite natural key.
func (r *RemoteRecord) DedupKey() string {
	return ComputeDedupKey(r.Payload.Name, r.Payload.Locality, r.CuratorID)
}

// CallResult is the canonical outcome of a remote mutation after the
// normalization layer has absorbed the upstream's varying response shapes.
type CallResult struct {
	RemoteID      int64 // 0 when the call carries no id (update/delete acks)
	RemoteVersion int64 // 0 when the response did not include a version
	Status        string
}

// ChangePage is one page of remote changes from the change-listing call.
type ChangePage struct {
	Records    []RemoteRecord `json:"records"`
	NextCursor string         `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
}

// SyncStats summarizes one reconciliation run.
type SyncStats struct {
	Uploaded  int           `json:"uploaded"`
	Pulled    int           `json:"pulled"`
	Conflicts int           `json:"conflicts"`
	Errors    int           `json:"errors"`
	Deduped   int           `json:"deduped"`
	Skipped   int           `json:"skipped"` // tombstone-guarded or local-edit-guarded pulls
	Duration  time.Duration `json:"duration"`
}

// AuditReport summarizes one integrity audit pass.
type AuditReport struct {
	Repaired int            `json:"repaired"`
	Summary  map[string]int `json:"summary"`
}

// Event is a reconciler progress notification for the UI/caller layer.
type Event struct {
	Kind     EventKind
	Done     int
	Total    int
	EntityID string
	Reason   string
	Stats    *SyncStats
}

// Listener receives reconciler events. Listeners are invoked synchronously
// between entity operations and must not block.
type Listener func(Event)
