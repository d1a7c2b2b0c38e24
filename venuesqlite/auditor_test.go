// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesqlite

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/venuekit/go-venuesync/venuesync"
)

func newAuditor(store *Store) *venuesync.Auditor {
	return venuesync.NewAuditor(store, slog.New(slog.NewTextHandler(io.Discard, nil)),
		time.Nanosecond, 0)
}

func TestAuditCleanStoreFindsNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, bistroPayload())
	require.NoError(t, err)

	report, err := newAuditor(store).Audit(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Repaired)
}

func TestAuditRepairsNewWithRemoteID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// The upload landed but the crash ate the state write: remote id present,
	// state still NEW, operation gone.
	entity, err := store.Create(ctx, bistroPayload())
	require.NoError(t, err)
	_, err = store.db.Exec(`UPDATE venues SET remote_id = 42 WHERE local_id = ?`, entity.LocalID)
	require.NoError(t, err)
	_, err = store.db.Exec(`DELETE FROM _sync_pending WHERE entity_local_id = ?`, entity.LocalID)
	require.NoError(t, err)

	report, err := newAuditor(store).Audit(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Repaired)
	require.Equal(t, 1, report.Summary["new_with_remote_id"])

	got, err := store.Get(ctx, entity.LocalID)
	require.NoError(t, err)
	require.Equal(t, venuesync.StateSynced, got.SyncState)
}

func TestAuditRepairsSyncedWithoutRemoteID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity, err := store.Create(ctx, bistroPayload())
	require.NoError(t, err)
	_, err = store.db.Exec(`UPDATE venues SET sync_state = 'SYNCED' WHERE local_id = ?`, entity.LocalID)
	require.NoError(t, err)
	_, err = store.db.Exec(`DELETE FROM _sync_pending WHERE entity_local_id = ?`, entity.LocalID)
	require.NoError(t, err)

	report, err := newAuditor(store).Audit(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Summary["synced_without_remote"])

	// Requeued as a create built from the row itself.
	got, err := store.Get(ctx, entity.LocalID)
	require.NoError(t, err)
	require.Equal(t, venuesync.StatePending, got.SyncState)
	ops, err := store.GetPending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, venuesync.OpCreate, ops[0].Kind)
	require.Contains(t, string(ops[0].PayloadSnapshot), "Le Petit Bistro")
}

func TestAuditRepairsSyncedWithPendingOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity, err := store.Create(ctx, bistroPayload())
	require.NoError(t, err)
	_, err = store.db.Exec(
		`UPDATE venues SET sync_state = 'SYNCED', remote_id = 42 WHERE local_id = ?`, entity.LocalID)
	require.NoError(t, err)

	report, err := newAuditor(store).Audit(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Summary["synced_with_op"])

	got, err := store.Get(ctx, entity.LocalID)
	require.NoError(t, err)
	require.Equal(t, venuesync.StatePending, got.SyncState)
}

func TestAuditRepairsPendingWithoutOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity, err := store.Create(ctx, bistroPayload())
	require.NoError(t, err)
	_, err = store.db.Exec(
		`UPDATE venues SET sync_state = 'PENDING', remote_id = 42 WHERE local_id = ?`, entity.LocalID)
	require.NoError(t, err)
	_, err = store.db.Exec(`DELETE FROM _sync_pending WHERE entity_local_id = ?`, entity.LocalID)
	require.NoError(t, err)

	report, err := newAuditor(store).Audit(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Summary["pending_without_op"])

	ops, err := store.GetPending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	// The entity is synced, so the rebuilt intent is an update.
	require.Equal(t, venuesync.OpUpdate, ops[0].Kind)
}

func TestAuditDropsOrphanedOperation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.db.Exec(`
		INSERT INTO _sync_pending (entity_local_id, op, payload, snapshot_version, idempotency_key, queued_at)
		VALUES ('ghost', 'update', '{}', 1, 'key', ?)
	`, nowString())
	require.NoError(t, err)

	report, err := newAuditor(store).Audit(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Summary["orphaned_operation"])

	ops, err := store.GetPending(ctx)
	require.NoError(t, err)
	require.Empty(t, ops)
}

func TestAuditIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Mix several anomalies in one store.
	a, err := store.Create(ctx, venuesync.VenuePayload{Name: "Alpha", Locality: "X"})
	require.NoError(t, err)
	_, err = store.db.Exec(`UPDATE venues SET remote_id = 1 WHERE local_id = ?`, a.LocalID)
	require.NoError(t, err)
	_, err = store.db.Exec(`DELETE FROM _sync_pending WHERE entity_local_id = ?`, a.LocalID)
	require.NoError(t, err)

	b, err := store.Create(ctx, venuesync.VenuePayload{Name: "Bravo", Locality: "X"})
	require.NoError(t, err)
	_, err = store.db.Exec(
		`UPDATE venues SET sync_state = 'SYNCED', remote_id = 2 WHERE local_id = ?`, b.LocalID)
	require.NoError(t, err)

	auditor := newAuditor(store)
	first, err := auditor.Audit(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, first.Repaired)

	second, err := auditor.Audit(ctx)
	require.NoError(t, err)
	require.Zero(t, second.Repaired)
}

func TestAuditCountsParkedStates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity, err := store.Create(ctx, bistroPayload())
	require.NoError(t, err)
	require.NoError(t, store.MarkError(ctx, entity.LocalID, "boom"))

	report, err := newAuditor(store).Audit(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Repaired)
	require.Equal(t, 1, report.Summary["errors"])
}

func TestAuditCountsDuplicateDedupKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Two live captures of the same venue plus a tombstoned third; only the
	// live pair counts, and neither is repaired here.
	_, err := store.Create(ctx, bistroPayload())
	require.NoError(t, err)
	_, err = store.Create(ctx, bistroPayload())
	require.NoError(t, err)
	third, err := store.Create(ctx, bistroPayload())
	require.NoError(t, err)
	_, err = store.db.Exec(
		`UPDATE venues SET sync_state = 'TOMBSTONED' WHERE local_id = ?`, third.LocalID)
	require.NoError(t, err)
	_, err = store.db.Exec(`DELETE FROM _sync_pending WHERE entity_local_id = ?`, third.LocalID)
	require.NoError(t, err)

	report, err := newAuditor(store).Audit(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Repaired)
	require.Equal(t, 2, report.Summary["duplicate_dedup_key"])
}

func TestAuditRepairLogRecordsTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity, err := store.Create(ctx, bistroPayload())
	require.NoError(t, err)
	_, err = store.db.Exec(
		`UPDATE venues SET sync_state = 'SYNCED', remote_id = 42 WHERE local_id = ?`, entity.LocalID)
	require.NoError(t, err)

	var logs bytes.Buffer
	auditor := venuesync.NewAuditor(store, slog.New(slog.NewTextHandler(&logs, nil)),
		time.Nanosecond, 0)
	_, err = auditor.Audit(ctx)
	require.NoError(t, err)

	require.Contains(t, logs.String(), "anomaly=synced_with_op")
	require.Contains(t, logs.String(), "from=SYNCED")
	require.Contains(t, logs.String(), "to=PENDING")
}
