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
	"time"

	"github.com/google/uuid"

	"github.com/venuekit/go-venuesync/venuesync"
)

// GetPending returns all pending operations in FIFO order. Coalescing keeps
// at most one operation per entity, so the slice doubles as the upload plan.
func (s *Store) GetPending(ctx context.Context) ([]venuesync.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_local_id, op, payload, snapshot_version, idempotency_key, queued_at
		FROM _sync_pending
		ORDER BY queued_at, entity_local_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	defer rows.Close()

	var ops []venuesync.PendingOperation
	for rows.Next() {
		var (
			op       venuesync.PendingOperation
			kind     string
			payload  sql.NullString
			queuedAt string
		)
		if err := rows.Scan(&op.EntityLocalID, &kind, &payload, &op.SnapshotVersion,
			&op.IdempotencyKey, &queuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		op.Kind = venuesync.OpKind(kind)
		if payload.Valid {
			op.PayloadSnapshot = json.RawMessage(payload.String)
		}
		op.QueuedAt = parseTime(queuedAt)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// DropPending removes an entity's pending operation, if any. Used by the
// auditor for orphaned operations.
func (s *Store) DropPending(ctx context.Context, entityLocalID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM _sync_pending WHERE entity_local_id = ?`, entityLocalID)
	if err != nil {
		return fmt.Errorf("failed to drop pending operation: %w", err)
	}
	return nil
}

// CommitUpload acknowledges a successful upload in one transaction: assign
// the remote id, move to SYNCED, clear the last error and remove the pending
// operation. When the operation coalesced a newer edit while the upload
// was in flight (snapshot version moved past uploadedVersion), the operation
// and the PENDING state are kept so the newer intent still uploads.
func (s *Store) CommitUpload(ctx context.Context, localID string, remoteID, remoteVersion, uploadedVersion int64) error {
	s.writeMu.Lock()
	unlock := sync.OnceFunc(s.writeMu.Unlock)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	state, err := currentState(ctx, tx, localID)
	if err != nil {
		return err
	}

	var (
		opKind          string
		snapshotVersion int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT op, snapshot_version FROM _sync_pending WHERE entity_local_id = ?`, localID).
		Scan(&opKind, &snapshotVersion)
	if errors.Is(err, sql.ErrNoRows) {
		opKind = ""
	} else if err != nil {
		return fmt.Errorf("failed to load pending operation: %w", err)
	}

	now := nowString()

	// An operation whose snapshot moved past the uploaded version coalesced a
	// newer local intent while the upload was in flight; it must survive.
	superseded := opKind != "" && snapshotVersion > uploadedVersion

	if opKind != "" && !superseded {
		if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_pending WHERE entity_local_id = ?`, localID); err != nil {
			return fmt.Errorf("failed to remove pending operation: %w", err)
		}
	}

	target := venuesync.StateSynced
	switch {
	case superseded:
		target = venuesync.StatePending
		if state == venuesync.StateTombstoned {
			// The newer intent is a delete; keep the tombstone.
			target = venuesync.StateTombstoned
		}
	case opKind == string(venuesync.OpDelete):
		// Remote delete acknowledged; the tombstone is retained so a later
		// pull cannot resurrect the record.
		target = venuesync.StateTombstoned
	}
	if err := validateTransition(localID, state, target); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE venues SET
			remote_id = COALESCE(NULLIF(?, 0), remote_id),
			remote_version = CASE WHEN ? > 0 THEN ? ELSE remote_version + 1 END,
			sync_state = ?,
			last_error = '',
			conflict_payload = NULL,
			last_synced_at = ?
		WHERE local_id = ?
	`, remoteID, remoteVersion, remoteVersion, string(target), now, localID)
	if err != nil {
		return fmt.Errorf("failed to commit upload for %s: %w", localID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upload transaction: %w", err)
	}
	unlock()
	s.notify(localID, target)
	return nil
}

// AdoptRemoteID attaches a server-assigned id discovered during conflict
// resolution and rewrites the queued create into an update against it.
func (s *Store) AdoptRemoteID(ctx context.Context, localID string, remoteID, remoteVersion int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE venues SET remote_id = ?, remote_version = ? WHERE local_id = ?
	`, remoteID, remoteVersion, localID)
	if err != nil {
		return fmt.Errorf("failed to adopt remote id: %w", err)
	}

	var snapshotVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT snapshot_version FROM _sync_pending WHERE entity_local_id = ?`, localID).Scan(&snapshotVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to load pending operation: %w", err)
	}
	if err == nil {
		idemKey := venuesync.ComputeIdempotencyKey(localID, venuesync.OpUpdate, snapshotVersion)
		_, err = tx.ExecContext(ctx, `
			UPDATE _sync_pending SET op = 'update', idempotency_key = ? WHERE entity_local_id = ?
		`, idemKey, localID)
		if err != nil {
			return fmt.Errorf("failed to rewrite pending operation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit remote id adoption: %w", err)
	}
	return nil
}

// MarkError records a non-retryable failure on the entity. The pending
// operation is retained so no local intent is lost.
func (s *Store) MarkError(ctx context.Context, localID, reason string) error {
	s.writeMu.Lock()
	unlock := sync.OnceFunc(s.writeMu.Unlock)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	state, err := currentState(ctx, tx, localID)
	if err != nil {
		return err
	}
	if err := validateTransition(localID, state, venuesync.StateError); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE venues SET sync_state = 'ERROR', last_error = ? WHERE local_id = ?
	`, reason, localID)
	if err != nil {
		return fmt.Errorf("failed to mark error: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit error mark: %w", err)
	}
	unlock()
	s.notify(localID, venuesync.StateError)
	return nil
}

// MarkConflict parks the entity in CONFLICT with the server-side payload
// stored alongside the local one. Neither version is discarded; the pending
// operation stays queued for after manual resolution.
func (s *Store) MarkConflict(ctx context.Context, localID string, serverPayload json.RawMessage) error {
	s.writeMu.Lock()
	unlock := sync.OnceFunc(s.writeMu.Unlock)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	state, err := currentState(ctx, tx, localID)
	if err != nil {
		return err
	}
	if err := validateTransition(localID, state, venuesync.StateConflict); err != nil {
		return err
	}
	var payload any
	if serverPayload != nil {
		payload = string(serverPayload)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE venues SET sync_state = 'CONFLICT', conflict_payload = ? WHERE local_id = ?
	`, payload, localID)
	if err != nil {
		return fmt.Errorf("failed to mark conflict: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conflict mark: %w", err)
	}
	unlock()
	s.notify(localID, venuesync.StateConflict)
	return nil
}

// ApplyRemote materializes a pulled remote record. With localID empty a new
// SYNCED entity is inserted; otherwise the existing entity is overwritten
// with the server state. Callers gate this on the no-clobber and
// no-resurrection rules; the store applies mechanically.
func (s *Store) ApplyRemote(ctx context.Context, localID string, rec *venuesync.RemoteRecord) error {
	s.writeMu.Lock()
	unlock := sync.OnceFunc(s.writeMu.Unlock)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowString()
	modifiedAt := now
	if !rec.UpdatedAt.IsZero() {
		modifiedAt = timeString(rec.UpdatedAt)
	}
	dedupKey := rec.DedupKey()

	if localID == "" {
		localID = uuid.New().String()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO venues (local_id, remote_id, curator_id, name, locality, address, cuisine,
				phone, website, notes, dedup_key, sync_state, version, remote_version,
				created_at, last_modified_at, last_synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'SYNCED', 1, ?, ?, ?, ?)
		`, localID, rec.RemoteID, rec.CuratorID, rec.Payload.Name, rec.Payload.Locality,
			rec.Payload.Address, rec.Payload.Cuisine, rec.Payload.Phone, rec.Payload.Website,
			rec.Payload.Notes, dedupKey, rec.Version, modifiedAt, modifiedAt, now)
		if err != nil {
			return fmt.Errorf("failed to insert pulled record: %w", err)
		}
	} else {
		state, err := currentState(ctx, tx, localID)
		if err != nil {
			return err
		}
		if err := validateTransition(localID, state, venuesync.StateSynced); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE venues SET
				remote_id = ?, curator_id = ?, name = ?, locality = ?, address = ?, cuisine = ?,
				phone = ?, website = ?, notes = ?, dedup_key = ?, sync_state = 'SYNCED',
				remote_version = ?, last_modified_at = ?, last_synced_at = ?,
				last_error = '', conflict_payload = NULL
			WHERE local_id = ?
		`, rec.RemoteID, rec.CuratorID, rec.Payload.Name, rec.Payload.Locality,
			rec.Payload.Address, rec.Payload.Cuisine, rec.Payload.Phone, rec.Payload.Website,
			rec.Payload.Notes, dedupKey, rec.Version, modifiedAt, now, localID)
		if err != nil {
			return fmt.Errorf("failed to apply pulled record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pulled record: %w", err)
	}
	unlock()
	s.notify(localID, venuesync.StateSynced)
	return nil
}

// TouchLastSynced updates only the sync metadata timestamp. Used when a pull
// matches an entity with unsynced local edits that must not be overwritten.
func (s *Store) TouchLastSynced(ctx context.Context, localID string, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE venues SET last_synced_at = ? WHERE local_id = ?`, timeString(at), localID)
	if err != nil {
		return fmt.Errorf("failed to touch last synced: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return venuesync.ErrNotFound
	}
	return nil
}

// RequeueFromRow rebuilds the pending operation from the entity's current
// columns and marks it PENDING. Used by the auditor when intent bookkeeping
// went missing.
func (s *Store) RequeueFromRow(ctx context.Context, localID string) error {
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
	if err := validateTransition(localID, entity.state, venuesync.StatePending); err != nil {
		return err
	}
	now := nowString()
	if _, err := tx.ExecContext(ctx,
		`UPDATE venues SET sync_state = 'PENDING' WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("failed to requeue entity: %w", err)
	}
	if err := requeueRowInTx(ctx, tx, localID, entity.version, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit requeue: %w", err)
	}
	unlock()
	s.notify(localID, venuesync.StatePending)
	return nil
}

// requeueRowInTx writes a pending operation reflecting the entity's current
// row, replacing any existing operation.
func requeueRowInTx(ctx context.Context, tx *sql.Tx, localID string, version int64, now string) error {
	var (
		payload  venuesync.VenuePayload
		remoteID sql.NullInt64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT name, locality, address, cuisine, phone, website, notes, remote_id
		FROM venues WHERE local_id = ?
	`, localID).Scan(&payload.Name, &payload.Locality, &payload.Address, &payload.Cuisine,
		&payload.Phone, &payload.Website, &payload.Notes, &remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return venuesync.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load row for requeue: %w", err)
	}

	kind := venuesync.OpUpdate
	if !remoteID.Valid {
		kind = venuesync.OpCreate
	}
	snapshot, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal requeue snapshot: %w", err)
	}
	idemKey := venuesync.ComputeIdempotencyKey(localID, kind, version)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_pending (entity_local_id, op, payload, snapshot_version, idempotency_key, queued_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_local_id) DO UPDATE SET
			op = excluded.op,
			payload = excluded.payload,
			snapshot_version = excluded.snapshot_version,
			idempotency_key = excluded.idempotency_key,
			queued_at = excluded.queued_at
	`, localID, string(kind), string(snapshot), version, idemKey, now)
	if err != nil {
		return fmt.Errorf("failed to requeue pending operation: %w", err)
	}
	return nil
}
