// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/venuekit/go-venuesync/venuesync"
)

// allowedTransitions is the entity sync state machine. Any mutation outside
// these edges fails with InvalidTransitionError. Self-loops cover coalesced
// edits (PENDING→PENDING, NEW→NEW) and idempotent pull upserts.
var allowedTransitions = map[venuesync.SyncState]map[venuesync.SyncState]bool{
	venuesync.StateNew: {
		venuesync.StateNew:      true,
		venuesync.StatePending:  true,
		venuesync.StateSynced:   true, // create acknowledged, or audit repair
		venuesync.StateConflict: true,
		venuesync.StateError:    true,
	},
	venuesync.StatePending: {
		venuesync.StatePending:    true,
		venuesync.StateSynced:     true,
		venuesync.StateConflict:   true,
		venuesync.StateError:      true,
		venuesync.StateTombstoned: true,
	},
	venuesync.StateSynced: {
		venuesync.StateSynced:     true,
		venuesync.StatePending:    true,
		venuesync.StateConflict:   true, // dedup pass parks duplicates
		venuesync.StateTombstoned: true,
	},
	venuesync.StateConflict: {
		venuesync.StatePending:    true, // manual merge re-enqueues
		venuesync.StateSynced:     true, // manual merge accepted remote side
		venuesync.StateTombstoned: true,
	},
	venuesync.StateError: {
		venuesync.StatePending:    true, // explicit retry
		venuesync.StateTombstoned: true,
	},
	venuesync.StateTombstoned: {
		venuesync.StateTombstoned: true, // remote delete acknowledged
		venuesync.StatePending:    true, // explicit restore
	},
}

func validateTransition(localID string, from, to venuesync.SyncState) error {
	if allowedTransitions[from][to] {
		return nil
	}
	return &venuesync.InvalidTransitionError{LocalID: localID, From: from, To: to}
}

// Transition moves an entity to a new sync state after validating the edge.
// Entering SYNCED stamps last_synced_at when it was never set.
func (s *Store) Transition(ctx context.Context, localID string, to venuesync.SyncState) error {
	s.writeMu.Lock()
	unlock := sync.OnceFunc(s.writeMu.Unlock)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	from, err := currentState(ctx, tx, localID)
	if err != nil {
		return err
	}
	if err := validateTransition(localID, from, to); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE venues SET
			sync_state = ?,
			last_synced_at = CASE WHEN ? = 'SYNCED' AND last_synced_at IS NULL THEN ? ELSE last_synced_at END
		WHERE local_id = ?
	`, string(to), string(to), nowString(), localID)
	if err != nil {
		return fmt.Errorf("failed to transition %s: %w", localID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	unlock()
	s.notify(localID, to)
	return nil
}

func currentState(ctx context.Context, tx *sql.Tx, localID string) (venuesync.SyncState, error) {
	var state string
	err := tx.QueryRowContext(ctx, `SELECT sync_state FROM venues WHERE local_id = ?`, localID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", venuesync.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load state for %s: %w", localID, err)
	}
	return venuesync.SyncState(state), nil
}
