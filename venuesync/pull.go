// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// pullRemote walks the remote change feed from the persisted cursor and
// merges each record into local state. The cursor advances per page, so an
// interrupted pull resumes where it stopped.
func (r *Reconciler) pullRemote(ctx context.Context, stats *SyncStats) error {
	if !r.remote.IsOnline(ctx) {
		r.logger.Info("remote unreachable, skipping pull")
		return nil
	}

	cursor, err := r.store.PullCursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pull cursor: %w", err)
	}

	for {
		page, err := r.remote.ListChangedSince(ctx, cursor, r.config.PullLimit)
		if err != nil {
			return fmt.Errorf("failed to fetch change page: %w", err)
		}
		for i := range page.Records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.mergeRemoteRecord(ctx, &page.Records[i], stats); err != nil {
				return err
			}
		}
		if page.NextCursor != "" && page.NextCursor != cursor {
			cursor = page.NextCursor
			if err := r.store.SetPullCursor(ctx, cursor); err != nil {
				return fmt.Errorf("failed to persist pull cursor: %w", err)
			}
		} else if page.HasMore {
			// A server that claims more pages but repeats the cursor would
			// loop forever; treat it as the end of the feed.
			r.logger.Warn("change feed repeated cursor, stopping pull", "cursor", cursor)
			return nil
		}
		if !page.HasMore {
			return nil
		}
	}
}

// mergeRemoteRecord folds one remote change into local state. Local intent
// always wins: a tombstone is never resurrected, and an entity with
// unuploaded edits is never overwritten.
func (r *Reconciler) mergeRemoteRecord(ctx context.Context, rec *RemoteRecord, stats *SyncStats) error {
	matches, err := r.store.FindByDedupKey(ctx, rec.DedupKey())
	if err != nil {
		return err
	}
	for _, m := range matches {
		if m.SyncState == StateTombstoned {
			// Locally deleted; the remote copy must not come back.
			stats.Skipped++
			return nil
		}
	}

	local, err := r.matchLocal(ctx, rec, matches)
	if err != nil {
		return err
	}

	if local == nil {
		if rec.Deleted {
			return nil
		}
		if err := r.store.ApplyRemote(ctx, "", rec); err != nil {
			return err
		}
		stats.Pulled++
		return nil
	}

	if rec.Deleted {
		if local.SyncState == StateSynced {
			if err := r.store.Transition(ctx, local.LocalID, StateTombstoned); err != nil {
				return err
			}
			stats.Pulled++
			return nil
		}
		// Local edits outrank the remote delete; the next upload re-asserts
		// the record.
		stats.Skipped++
		return nil
	}

	if local.SyncState != StateSynced {
		// PENDING, NEW, CONFLICT or ERROR: local intent is not yet uploaded,
		// so the remote copy must not clobber it. Note the sighting only.
		if err := r.store.TouchLastSynced(ctx, local.LocalID, time.Now()); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		stats.Skipped++
		return nil
	}

	if err := r.store.ApplyRemote(ctx, local.LocalID, rec); err != nil {
		return err
	}
	stats.Pulled++
	return nil
}

// matchLocal finds the local entity a remote record corresponds to, by
// remote id first, then by dedup key.
func (r *Reconciler) matchLocal(ctx context.Context, rec *RemoteRecord, dedupMatches []*Entity) (*Entity, error) {
	local, err := r.store.FindByRemoteID(ctx, rec.RemoteID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if local != nil {
		return local, nil
	}
	if len(dedupMatches) > 0 {
		return dedupMatches[0], nil
	}
	return nil, nil
}

// dedupPass finds live local entities sharing a dedup key, keeps one winner
// per group and parks the rest in CONFLICT for manual merge. The winner is
// the entity that already holds the smallest remote id, or failing that the
// oldest locally created one.
func (r *Reconciler) dedupPass(ctx context.Context, stats *SyncStats) error {
	entities, err := r.store.ListByState(ctx,
		StateNew, StatePending, StateSynced, StateConflict, StateError)
	if err != nil {
		return fmt.Errorf("failed to list entities for dedup: %w", err)
	}

	groups := make(map[string][]*Entity)
	for _, e := range entities {
		groups[e.DedupKey] = append(groups[e.DedupKey], e)
	}

	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		winner := pickDedupWinner(group)
		winnerDoc := conflictPayloadFromEntity(winner)
		for _, e := range group {
			if e.LocalID == winner.LocalID {
				continue
			}
			if e.SyncState == StateConflict || e.SyncState == StateError {
				// Already surfaced; nothing further to flag.
				continue
			}
			if err := r.store.MarkConflict(ctx, e.LocalID, winnerDoc); err != nil {
				return err
			}
			r.logger.Info("duplicate parked for manual merge",
				"entity", e.LocalID, "winner", winner.LocalID, "dedup_key", e.DedupKey)
			stats.Deduped++
		}
	}
	return nil
}

// pickDedupWinner chooses the surviving entity of a duplicate group.
func pickDedupWinner(group []*Entity) *Entity {
	sorted := make([]*Entity, len(group))
	copy(sorted, group)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		switch {
		case a.Synced() != b.Synced():
			return a.Synced()
		case a.Synced() && b.Synced() && *a.RemoteID != *b.RemoteID:
			return *a.RemoteID < *b.RemoteID
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	})
	return sorted[0]
}

func conflictPayloadFromEntity(e *Entity) []byte {
	rec := &RemoteRecord{
		CuratorID: e.CuratorID,
		Payload:   e.Payload,
		Version:   e.RemoteVersion,
		UpdatedAt: e.LastModifiedAt,
	}
	if e.RemoteID != nil {
		rec.RemoteID = *e.RemoteID
	}
	return conflictPayload(rec)
}
