// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesync

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Auditor detects and repairs inconsistencies between entity sync states and
// the pending-operation queue. Every repair is deterministic and moves state
// toward consistency only, so a second pass over repaired data finds nothing.
type Auditor struct {
	store    Store
	logger   *slog.Logger
	delay    time.Duration // startup delay before the first pass
	interval time.Duration // periodic cadence, 0 = startup pass only
}

// NewAuditor creates an auditor with the given schedule. A zero delay is
// replaced with the 2s default so app startup is not blocked by the audit.
func NewAuditor(store Store, logger *slog.Logger, delay, interval time.Duration) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Auditor{store: store, logger: logger, delay: delay, interval: interval}
}

// Audit anomaly keys, as reported in AuditReport.Summary.
const (
	anomalyNewWithRemote   = "new_with_remote_id"    // repaired: → SYNCED
	anomalySyncedNoRemote  = "synced_without_remote" // repaired: requeued as create
	anomalySyncedWithOp    = "synced_with_op"        // repaired: → PENDING
	anomalyPendingNoOp     = "pending_without_op"    // repaired: operation rebuilt
	anomalyOrphanOperation = "orphaned_operation"    // repaired: operation dropped
	anomalyConflictParked  = "conflicts"             // reported only
	anomalyErrorParked     = "errors"                // reported only
	anomalyDuplicateKey    = "duplicate_dedup_key"   // reported only
)

// Audit runs one repair pass and returns what it found. Each anomaly class
// has exactly one repair:
//
//   - NEW with a remote id and no queued operation: the upload landed but the
//     state write was lost. Promote to SYNCED.
//   - SYNCED without a remote id: the acknowledgment was lost. Rebuild a
//     create operation from the row and requeue.
//   - SYNCED with a queued operation: the state is lying about the queue.
//     Demote to PENDING so the operation uploads.
//   - PENDING without a queued operation: the intent record was lost. Rebuild
//     the operation from the row.
//   - Queued operation whose entity no longer exists: drop it.
//
// CONFLICT and ERROR entities are counted but never repaired; they wait for
// explicit curator action. Live entities sharing a dedup key are likewise
// counted only, since the dedup pass during full sync decides the winner.
func (a *Auditor) Audit(ctx context.Context) (*AuditReport, error) {
	entities, err := a.store.List(ctx)
	if err != nil {
		return nil, err
	}
	ops, err := a.store.GetPending(ctx)
	if err != nil {
		return nil, err
	}

	queued := make(map[string]bool, len(ops))
	for _, op := range ops {
		queued[op.EntityLocalID] = true
	}
	known := make(map[string]bool, len(entities))

	report := &AuditReport{Summary: map[string]int{}}
	repair := func(key, localID string, from, to SyncState, fix func() error) error {
		if err := fix(); err != nil {
			return err
		}
		a.logger.Info("audit repair", "anomaly", key, "entity", localID, "from", from, "to", to)
		report.Summary[key]++
		report.Repaired++
		return nil
	}

	byDedupKey := make(map[string]int)
	for _, e := range entities {
		known[e.LocalID] = true
		hasOp := queued[e.LocalID]
		if e.SyncState != StateTombstoned {
			byDedupKey[e.DedupKey]++
		}

		switch {
		case e.SyncState == StateNew && e.Synced() && !hasOp:
			err = repair(anomalyNewWithRemote, e.LocalID, e.SyncState, StateSynced, func() error {
				return a.store.Transition(ctx, e.LocalID, StateSynced)
			})
		case e.SyncState == StateSynced && !e.Synced():
			err = repair(anomalySyncedNoRemote, e.LocalID, e.SyncState, StatePending, func() error {
				return a.store.RequeueFromRow(ctx, e.LocalID)
			})
		case e.SyncState == StateSynced && hasOp:
			err = repair(anomalySyncedWithOp, e.LocalID, e.SyncState, StatePending, func() error {
				return a.store.Transition(ctx, e.LocalID, StatePending)
			})
		case e.SyncState == StatePending && !hasOp:
			err = repair(anomalyPendingNoOp, e.LocalID, e.SyncState, StatePending, func() error {
				return a.store.RequeueFromRow(ctx, e.LocalID)
			})
		case e.SyncState == StateConflict:
			report.Summary[anomalyConflictParked]++
		case e.SyncState == StateError:
			report.Summary[anomalyErrorParked]++
		}
		if err != nil {
			return nil, err
		}
	}

	for _, n := range byDedupKey {
		if n > 1 {
			report.Summary[anomalyDuplicateKey] += n
		}
	}

	for _, op := range ops {
		if known[op.EntityLocalID] {
			continue
		}
		err = repair(anomalyOrphanOperation, op.EntityLocalID, "", "", func() error {
			return a.store.DropPending(ctx, op.EntityLocalID)
		})
		if err != nil {
			return nil, err
		}
	}

	if report.Repaired > 0 {
		a.logger.Info("audit completed", "repaired", report.Repaired, "entities", len(entities))
	} else {
		a.logger.Debug("audit completed, no repairs", "entities", len(entities))
	}
	return report, nil
}

// Start runs the audit schedule until ctx is canceled: one pass after the
// startup delay, then one per interval when an interval is configured.
func (a *Auditor) Start(ctx context.Context) {
	go func() {
		if err := sleepWithContext(ctx, a.delay); err != nil {
			return
		}
		a.runOnce(ctx)
		if a.interval <= 0 {
			return
		}
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.runOnce(ctx)
			}
		}
	}()
}

func (a *Auditor) runOnce(ctx context.Context) {
	if _, err := a.Audit(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("audit failed", "error", err)
	}
}
