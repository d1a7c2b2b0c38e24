// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// settleUpload maps the outcome of a remote call onto local state. Entity
// level failures (validation, ambiguity, exhausted retries) land on the
// entity; only queue-halting conditions are returned as errors.
func (r *Reconciler) settleUpload(ctx context.Context, op PendingOperation, entity *Entity,
	res *CallResult, callErr error, record func(func(*SyncStats))) error {

	if callErr == nil {
		// The upload landed remotely. Record the acknowledgment even when the
		// caller canceled while the call was in flight; losing it would only
		// force a redundant re-upload on the next run.
		if err := r.store.CommitUpload(context.WithoutCancel(ctx), op.EntityLocalID, res.RemoteID, res.RemoteVersion, op.SnapshotVersion); err != nil {
			return &haltError{err: err}
		}
		r.logger.Debug("uploaded", "entity", op.EntityLocalID, "op", op.Kind, "remote_id", res.RemoteID)
		record(func(s *SyncStats) { s.Uploaded++ })
		return nil
	}

	if ctx.Err() != nil {
		// Canceled between attempts. Not an entity failure, so the operation
		// stays queued untouched for the next run.
		return ctx.Err()
	}

	var (
		authErr     *AuthError
		quotaErr    *QuotaExceededError
		conflictErr *ConflictError
	)
	switch {
	case errors.As(callErr, &authErr), errors.As(callErr, &quotaErr):
		// Every remaining operation would fail the same way; stop the drain
		// and leave the queue intact.
		r.logger.Warn("sync halted", "entity", op.EntityLocalID, "error", callErr)
		return &haltError{err: callErr}

	case errors.As(callErr, &conflictErr):
		return r.resolveConflict(ctx, op, entity, conflictErr, record)

	default:
		// ValidationError, AmbiguousResponseError, or a network failure that
		// outlived the retry budget. The operation stays queued for a manual
		// retry; the entity surfaces the reason.
		r.logger.Warn("operation failed", "entity", op.EntityLocalID, "op", op.Kind, "error", callErr)
		if err := r.store.MarkError(ctx, op.EntityLocalID, callErr.Error()); err != nil {
			return &haltError{err: err}
		}
		r.emit(Event{Kind: EventSyncError, EntityID: op.EntityLocalID, Reason: callErr.Error()})
		record(func(s *SyncStats) { s.Errors++ })
		return nil
	}
}

// resolveConflict handles a rejected upload. Two cases:
//
//  1. The server already holds this venue (duplicate create, or a create that
//     raced a previous device): same dedup key, local side has no remote id.
//     Adopt the server identity and replay the snapshot as an update.
//  2. The payloads genuinely diverged. Park the entity in CONFLICT with the
//     server version attached so a curator can merge.
func (r *Reconciler) resolveConflict(ctx context.Context, op PendingOperation, entity *Entity,
	conflictErr *ConflictError, record func(func(*SyncStats))) error {

	rec := conflictErr.Record
	if rec == nil {
		var err error
		rec, err = r.fetchServerSide(ctx, entity)
		if err != nil {
			r.logger.Warn("conflict refetch failed", "entity", entity.LocalID, "error", err)
			if markErr := r.store.MarkError(ctx, entity.LocalID, fmt.Sprintf("conflict refetch: %v", err)); markErr != nil {
				return &haltError{err: markErr}
			}
			record(func(s *SyncStats) { s.Errors++ })
			return nil
		}
	}

	if rec != nil && entity.RemoteID == nil && rec.DedupKey() == entity.DedupKey {
		return r.adoptAndReplay(ctx, op, entity, rec, record)
	}

	serverPayload := conflictPayload(rec)
	if err := r.store.MarkConflict(ctx, entity.LocalID, serverPayload); err != nil {
		return &haltError{err: err}
	}
	r.logger.Info("conflict parked for manual merge", "entity", entity.LocalID)
	record(func(s *SyncStats) { s.Conflicts++ })
	return nil
}

// fetchServerSide retrieves the server's copy of the conflicting venue, by
// remote id when known, otherwise by dedup key.
func (r *Reconciler) fetchServerSide(ctx context.Context, entity *Entity) (*RemoteRecord, error) {
	if entity.RemoteID != nil {
		rec, err := r.remote.GetVenue(ctx, *entity.RemoteID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return rec, nil
	}
	rec, err := r.remote.FindByDedupKey(ctx, entity.DedupKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return rec, nil
}

// adoptAndReplay takes over the server's identity for a duplicate-create and
// replays the local snapshot as an update against the server version. A
// second rejection means the payloads really diverged.
func (r *Reconciler) adoptAndReplay(ctx context.Context, op PendingOperation, entity *Entity,
	rec *RemoteRecord, record func(func(*SyncStats))) error {

	if err := r.store.AdoptRemoteID(ctx, entity.LocalID, rec.RemoteID, rec.Version); err != nil {
		return &haltError{err: err}
	}
	r.logger.Info("adopted remote identity", "entity", entity.LocalID, "remote_id", rec.RemoteID)

	idemKey := ComputeIdempotencyKey(entity.LocalID, OpUpdate, op.SnapshotVersion)
	res, err := r.remote.UpdateVenue(ctx, rec.RemoteID, entity.CuratorID, op.PayloadSnapshot, rec.Version, idemKey)
	if err != nil {
		var again *ConflictError
		if errors.As(err, &again) {
			server := again.Record
			if server == nil {
				server = rec
			}
			if markErr := r.store.MarkConflict(ctx, entity.LocalID, conflictPayload(server)); markErr != nil {
				return &haltError{err: markErr}
			}
			record(func(s *SyncStats) { s.Conflicts++ })
			return nil
		}
		if markErr := r.store.MarkError(ctx, entity.LocalID, err.Error()); markErr != nil {
			return &haltError{err: markErr}
		}
		r.emit(Event{Kind: EventSyncError, EntityID: entity.LocalID, Reason: err.Error()})
		record(func(s *SyncStats) { s.Errors++ })
		return nil
	}

	if err := r.store.CommitUpload(context.WithoutCancel(ctx), entity.LocalID, res.RemoteID, res.RemoteVersion, op.SnapshotVersion); err != nil {
		return &haltError{err: err}
	}
	record(func(s *SyncStats) { s.Uploaded++; s.Deduped++ })
	return nil
}

// conflictPayload serializes the server's record for storage alongside the
// conflicted entity. A nil record stores null rather than nothing so the
// conflict is still visibly parked.
func conflictPayload(rec *RemoteRecord) json.RawMessage {
	if rec == nil {
		return json.RawMessage("null")
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return json.RawMessage("null")
	}
	return buf
}
