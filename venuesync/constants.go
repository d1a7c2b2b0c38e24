// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesync

// SyncState is the per-entity sync lifecycle state.
type SyncState string

// Sync lifecycle states
const (
	StateNew        SyncState = "NEW"        // created locally, never uploaded
	StatePending    SyncState = "PENDING"    // local edit awaiting upload
	StateSynced     SyncState = "SYNCED"     // acknowledged by the remote store
	StateConflict   SyncState = "CONFLICT"   // diverged from remote, needs manual merge
	StateError      SyncState = "ERROR"      // upload failed non-retryably
	StateTombstoned SyncState = "TOMBSTONED" // soft-deleted, never resurrected by pulls
)

// OpKind identifies the kind of a pending operation.
type OpKind string

// Pending operation kinds
const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Call statuses returned by the remote client after normalization
const (
	CallOK = "ok"
)

// EventKind identifies a reconciler progress event.
type EventKind string

// Reconciler events emitted toward the UI/caller layer
const (
	EventSyncStarted   EventKind = "sync-started"
	EventSyncProgress  EventKind = "sync-progress"
	EventSyncCompleted EventKind = "sync-completed"
	EventSyncError     EventKind = "sync-error"
)
