// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/venuekit/go-venuesync/venuesync"
)

// Create inserts a new venue captured by the curator and records the create
// intent in the pending queue within the same transaction. The entity starts
// in NEW; its first successful upload moves it straight to SYNCED.
func (s *Store) Create(ctx context.Context, payload venuesync.VenuePayload) (*venuesync.Entity, error) {
	if payload.Name == "" {
		return nil, fmt.Errorf("venue name is required")
	}
	s.writeMu.Lock()
	unlock := sync.OnceFunc(s.writeMu.Unlock)
	defer unlock()

	localID := uuid.New().String()
	now := nowString()
	dedupKey := venuesync.ComputeDedupKey(payload.Name, payload.Locality, s.curatorID)
	snapshot, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO venues (local_id, curator_id, name, locality, address, cuisine,
			phone, website, notes, dedup_key, sync_state, version, created_at, last_modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'NEW', 1, ?, ?)
	`, localID, s.curatorID, payload.Name, payload.Locality, payload.Address,
		payload.Cuisine, payload.Phone, payload.Website, payload.Notes, dedupKey, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert venue: %w", err)
	}

	idemKey := venuesync.ComputeIdempotencyKey(localID, venuesync.OpCreate, 1)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_pending (entity_local_id, op, payload, snapshot_version, idempotency_key, queued_at)
		VALUES (?, 'create', ?, 1, ?, ?)
	`, localID, string(snapshot), idemKey, now)
	if err != nil {
		return nil, fmt.Errorf("failed to queue create operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit create: %w", err)
	}
	unlock()
	s.notify(localID, venuesync.StateNew)
	return s.Get(ctx, localID)
}

// Update applies a local edit. A synced entity moves back to PENDING; an
// entity with an outstanding pending operation has that operation's snapshot
// replaced (coalescing), never a second operation appended.
func (s *Store) Update(ctx context.Context, localID string, payload venuesync.VenuePayload) (*venuesync.Entity, error) {
	if payload.Name == "" {
		return nil, fmt.Errorf("venue name is required")
	}
	s.writeMu.Lock()
	unlock := sync.OnceFunc(s.writeMu.Unlock)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entity, err := loadForUpdate(ctx, tx, localID)
	if err != nil {
		return nil, err
	}

	// Every live state edits back to PENDING except NEW, which stays NEW
	// because its create was never uploaded.
	target := venuesync.StatePending
	if entity.state == venuesync.StateNew {
		target = venuesync.StateNew
	}
	if err := validateTransition(localID, entity.state, target); err != nil {
		return nil, err
	}

	newVersion := entity.version + 1
	now := nowString()
	dedupKey := venuesync.ComputeDedupKey(payload.Name, payload.Locality, s.curatorID)
	_, err = tx.ExecContext(ctx, `
		UPDATE venues SET
			name = ?, locality = ?, address = ?, cuisine = ?, phone = ?, website = ?, notes = ?,
			dedup_key = ?, sync_state = ?, version = ?, last_modified_at = ?,
			last_error = '', conflict_payload = NULL
		WHERE local_id = ?
	`, payload.Name, payload.Locality, payload.Address, payload.Cuisine, payload.Phone,
		payload.Website, payload.Notes, dedupKey, string(target), newVersion, now, localID)
	if err != nil {
		return nil, fmt.Errorf("failed to update venue: %w", err)
	}

	kind := venuesync.OpUpdate
	if !entity.hasRemote {
		kind = venuesync.OpCreate
	}
	if err := coalescePending(ctx, tx, localID, kind, payload, newVersion, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	unlock()
	s.notify(localID, target)
	return s.Get(ctx, localID)
}

// Delete removes a venue. A never-synced entity is purged outright together
// with its pending operation; a synced one becomes a tombstone with a delete
// operation queued for the remote side.
func (s *Store) Delete(ctx context.Context, localID string) error {
	s.writeMu.Lock()
	unlock := sync.OnceFunc(s.writeMu.Unlock)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entity, err := loadForUpdate(ctx, tx, localID)
	if err != nil {
		return err
	}

	if !entity.hasRemote {
		// Never synced: nothing remote to delete, purge local trace.
		if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_pending WHERE entity_local_id = ?`, localID); err != nil {
			return fmt.Errorf("failed to purge pending operation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM venues WHERE local_id = ?`, localID); err != nil {
			return fmt.Errorf("failed to purge venue: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit purge: %w", err)
		}
		unlock()
		s.notify(localID, venuesync.StateTombstoned)
		return nil
	}

	if err := validateTransition(localID, entity.state, venuesync.StateTombstoned); err != nil {
		return err
	}
	newVersion := entity.version + 1
	now := nowString()
	_, err = tx.ExecContext(ctx, `
		UPDATE venues SET sync_state = 'TOMBSTONED', version = ?, last_modified_at = ? WHERE local_id = ?
	`, newVersion, now, localID)
	if err != nil {
		return fmt.Errorf("failed to tombstone venue: %w", err)
	}

	idemKey := venuesync.ComputeIdempotencyKey(localID, venuesync.OpDelete, newVersion)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_pending (entity_local_id, op, payload, snapshot_version, idempotency_key, queued_at)
		VALUES (?, 'delete', NULL, ?, ?, ?)
		ON CONFLICT(entity_local_id) DO UPDATE SET
			op = 'delete', payload = NULL, snapshot_version = excluded.snapshot_version,
			idempotency_key = excluded.idempotency_key
	`, localID, newVersion, idemKey, now)
	if err != nil {
		return fmt.Errorf("failed to queue delete operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	unlock()
	s.notify(localID, venuesync.StateTombstoned)
	return nil
}

// Restore lifts a tombstone back into the sync cycle. Only an explicit
// restore may do this; pull merges never resurrect tombstones.
func (s *Store) Restore(ctx context.Context, localID string) error {
	s.writeMu.Lock()
	unlock := sync.OnceFunc(s.writeMu.Unlock)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entity, err := loadForUpdate(ctx, tx, localID)
	if err != nil {
		return err
	}
	if entity.state != venuesync.StateTombstoned {
		return &venuesync.InvalidTransitionError{LocalID: localID, From: entity.state, To: venuesync.StatePending}
	}

	newVersion := entity.version + 1
	now := nowString()
	_, err = tx.ExecContext(ctx, `
		UPDATE venues SET sync_state = 'PENDING', version = ?, last_modified_at = ?, last_error = '' WHERE local_id = ?
	`, newVersion, now, localID)
	if err != nil {
		return fmt.Errorf("failed to restore venue: %w", err)
	}
	if err := requeueRowInTx(ctx, tx, localID, newVersion, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit restore: %w", err)
	}
	unlock()
	s.notify(localID, venuesync.StatePending)
	return nil
}

// RetryErrored returns an ERROR entity to PENDING so the next sync run picks
// it up again. The retained pending operation is reused; when it is missing
// the operation is rebuilt from the current row.
func (s *Store) RetryErrored(ctx context.Context, localID string) error {
	s.writeMu.Lock()
	unlock := sync.OnceFunc(s.writeMu.Unlock)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entity, err := loadForUpdate(ctx, tx, localID)
	if err != nil {
		return err
	}
	if entity.state != venuesync.StateError {
		return &venuesync.InvalidTransitionError{LocalID: localID, From: entity.state, To: venuesync.StatePending}
	}

	now := nowString()
	_, err = tx.ExecContext(ctx, `
		UPDATE venues SET sync_state = 'PENDING', last_error = '' WHERE local_id = ?
	`, localID)
	if err != nil {
		return fmt.Errorf("failed to reset errored venue: %w", err)
	}

	var hasOp bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM _sync_pending WHERE entity_local_id = ?)`, localID).Scan(&hasOp)
	if err != nil {
		return fmt.Errorf("failed to check pending operation: %w", err)
	}
	if !hasOp {
		if err := requeueRowInTx(ctx, tx, localID, entity.version, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit retry: %w", err)
	}
	unlock()
	s.notify(localID, venuesync.StatePending)
	return nil
}

type entityHead struct {
	state     venuesync.SyncState
	version   int64
	hasRemote bool
}

func loadForUpdate(ctx context.Context, tx *sql.Tx, localID string) (*entityHead, error) {
	var (
		state    string
		version  int64
		remoteID sql.NullInt64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT sync_state, version, remote_id FROM venues WHERE local_id = ?`, localID).
		Scan(&state, &version, &remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, venuesync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity %s: %w", localID, err)
	}
	return &entityHead{
		state:     venuesync.SyncState(state),
		version:   version,
		hasRemote: remoteID.Valid,
	}, nil
}

// coalescePending replaces the entity's outstanding operation snapshot with
// the latest local state, preserving the original queue position, or inserts
// a fresh operation when none exists.
func coalescePending(ctx context.Context, tx *sql.Tx, localID string, kind venuesync.OpKind,
	payload venuesync.VenuePayload, version int64, now string) error {
	snapshot, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload snapshot: %w", err)
	}

	// A queued create stays a create until the server assigns an id, no
	// matter how many edits coalesce into it.
	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT op FROM _sync_pending WHERE entity_local_id = ?`, localID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// no outstanding operation, insert fresh below
	case err != nil:
		return fmt.Errorf("failed to check pending operation: %w", err)
	case existing == string(venuesync.OpCreate):
		kind = venuesync.OpCreate
	}

	idemKey := venuesync.ComputeIdempotencyKey(localID, kind, version)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_pending (entity_local_id, op, payload, snapshot_version, idempotency_key, queued_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_local_id) DO UPDATE SET
			op = excluded.op,
			payload = excluded.payload,
			snapshot_version = excluded.snapshot_version,
			idempotency_key = excluded.idempotency_key
	`, localID, string(kind), string(snapshot), version, idemKey, now)
	if err != nil {
		return fmt.Errorf("failed to coalesce pending operation: %w", err)
	}
	return nil
}
