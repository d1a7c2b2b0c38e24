// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package venuesync is the sync reconciliation engine for curated venue
// records. It drains locally queued mutations, uploads them idempotently,
// pulls remote changes, deduplicates conflicting records and repairs
// inconsistent local state.
//
// The engine is storage-agnostic through the Store interface; venuesqlite
// provides the SQLite implementation. The RemoteClient absorbs the remote
// API's heterogeneous response shapes before anything reaches the reconciler.
package venuesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config holds reconciler tuning.
type Config struct {
	Workers       int           // upload concurrency across distinct entities
	BackoffMin    time.Duration // first retry delay
	BackoffMax    time.Duration // retry delay cap
	MaxAttempts   int           // attempts per operation before ERROR
	PullLimit     int           // page size for the change feed
	AuditDelay    time.Duration // startup delay before the first audit
	AuditInterval time.Duration // periodic audit cadence (0 = startup only)
}

// DefaultConfig returns the default tuning: serial uploads to respect remote
// rate limits, 1s..60s exponential backoff, five attempts.
func DefaultConfig() *Config {
	return &Config{
		Workers:       1,
		BackoffMin:    1 * time.Second,
		BackoffMax:    60 * time.Second,
		MaxAttempts:   5,
		PullLimit:     100,
		AuditDelay:    2 * time.Second,
		AuditInterval: 0,
	}
}

// Reconciler converges local and remote state: SyncPending uploads local
// intent, PullRemote merges remote changes, FullSync runs both plus a dedup
// pass. A single FullSync is in flight at a time; concurrent triggers
// coalesce onto the running one.
type Reconciler struct {
	store  Store
	remote *RemoteClient
	config *Config
	logger *slog.Logger

	listenerMu sync.Mutex
	listeners  []Listener

	runMu   sync.Mutex
	running *inflightSync
}

// inflightSync carries the result of the current FullSync run to coalesced
// callers.
type inflightSync struct {
	done  chan struct{}
	stats *SyncStats
	err   error
}

// NewReconciler creates a reconciler over the given store and remote client.
func NewReconciler(store Store, remote *RemoteClient, config *Config, logger *slog.Logger) *Reconciler {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:  store,
		remote: remote,
		config: config,
		logger: logger,
	}
}

// AddListener registers a progress event listener. Listeners are invoked
// synchronously between entity operations and must not block.
func (r *Reconciler) AddListener(fn Listener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Reconciler) emit(ev Event) {
	r.listenerMu.Lock()
	fns := make([]Listener, len(r.listeners))
	copy(fns, r.listeners)
	r.listenerMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// FullSync drains the pending queue, pulls remote changes and runs the dedup
// pass. If a run is already in flight the call waits for it and returns its
// result instead of starting a parallel run.
func (r *Reconciler) FullSync(ctx context.Context) (*SyncStats, error) {
	r.runMu.Lock()
	if f := r.running; f != nil {
		r.runMu.Unlock()
		select {
		case <-f.done:
			return f.stats, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &inflightSync{done: make(chan struct{})}
	r.running = f
	r.runMu.Unlock()

	f.stats, f.err = r.fullSync(ctx)

	r.runMu.Lock()
	r.running = nil
	r.runMu.Unlock()
	close(f.done)
	return f.stats, f.err
}

func (r *Reconciler) fullSync(ctx context.Context) (*SyncStats, error) {
	started := time.Now()
	stats := &SyncStats{}
	r.emit(Event{Kind: EventSyncStarted})

	err := r.syncPending(ctx, stats)
	if err == nil {
		err = r.pullRemote(ctx, stats)
	}
	if err == nil {
		err = r.dedupPass(ctx, stats)
	}

	stats.Duration = time.Since(started)
	if err != nil {
		r.emit(Event{Kind: EventSyncError, Reason: err.Error(), Stats: stats})
		return stats, err
	}
	r.emit(Event{Kind: EventSyncCompleted, Stats: stats})
	return stats, nil
}

// SyncPending drains the pending-operation queue once.
func (r *Reconciler) SyncPending(ctx context.Context) (*SyncStats, error) {
	stats := &SyncStats{}
	started := time.Now()
	err := r.syncPending(ctx, stats)
	stats.Duration = time.Since(started)
	return stats, err
}

// PullRemote merges one pass of remote changes since the persisted cursor.
func (r *Reconciler) PullRemote(ctx context.Context) (*SyncStats, error) {
	stats := &SyncStats{}
	started := time.Now()
	err := r.pullRemote(ctx, stats)
	stats.Duration = time.Since(started)
	return stats, err
}

// haltError stops the queue drain entirely (auth failure, quota exhaustion).
type haltError struct{ err error }

func (h *haltError) Error() string { return h.err.Error() }
func (h *haltError) Unwrap() error { return h.err }

// syncPending uploads queued operations FIFO. Distinct entities fan out over
// a bounded worker pool; coalescing guarantees at most one operation per
// entity, so per-entity submission order is preserved by construction.
func (r *Reconciler) syncPending(ctx context.Context, stats *SyncStats) error {
	if !r.remote.IsOnline(ctx) {
		r.logger.Info("remote unreachable, leaving pending queue untouched")
		return nil
	}

	ops, err := r.store.GetPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending operations: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}

	workers := r.config.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(ops) {
		workers = len(ops)
	}

	var (
		wg       sync.WaitGroup
		statsMu  sync.Mutex
		haltMu   sync.Mutex
		halted   error
		done     int
		total    = len(ops)
		jobs     = make(chan PendingOperation)
		haltNow  = func() bool { haltMu.Lock(); defer haltMu.Unlock(); return halted != nil }
		recordOp = func(update func(*SyncStats)) {
			statsMu.Lock()
			update(stats)
			done++
			d := done
			statsMu.Unlock()
			r.emit(Event{Kind: EventSyncProgress, Done: d, Total: total})
		}
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for op := range jobs {
				// The dispatcher may already be blocked handing this over
				// when another worker halts or the caller cancels; skip
				// instead of uploading.
				if haltNow() || ctx.Err() != nil {
					continue
				}
				err := r.processOperation(ctx, op, recordOp)
				if err != nil {
					haltMu.Lock()
					if halted == nil {
						halted = err
					}
					haltMu.Unlock()
				}
			}
		}()
	}

dispatch:
	for _, op := range ops {
		// Cancellation and halts are honored between entity operations only;
		// an operation already handed to a worker runs to completion.
		if haltNow() {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- op:
		}
	}
	close(jobs)
	wg.Wait()

	if halted != nil {
		var h *haltError
		if errors.As(halted, &h) {
			return fmt.Errorf("%w: %w", ErrSyncHalted, halted)
		}
		// Cancellation mid-operation passes through unwrapped; the queue is
		// intact, not halted.
		return halted
	}
	return ctx.Err()
}

// processOperation uploads one pending operation, retrying network-class
// failures with exponential backoff. Returned errors halt the whole queue;
// per-entity failures are recorded on the entity instead.
func (r *Reconciler) processOperation(ctx context.Context, op PendingOperation, record func(func(*SyncStats))) error {
	entity, err := r.store.Get(ctx, op.EntityLocalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Orphaned operation; the auditor would drop it too.
			if dropErr := r.store.DropPending(ctx, op.EntityLocalID); dropErr != nil {
				r.logger.Warn("failed to drop orphaned operation", "entity", op.EntityLocalID, "error", dropErr)
			}
			record(func(s *SyncStats) {})
			return nil
		}
		return &haltError{err: err}
	}

	res, callErr := r.uploadWithBackoff(ctx, op, entity)
	return r.settleUpload(ctx, op, entity, res, callErr, record)
}

// uploadWithBackoff performs the remote call for op, retrying retryable
// failures up to the attempt cap. The idempotency key keeps a retried call
// from creating a duplicate remote record.
func (r *Reconciler) uploadWithBackoff(ctx context.Context, op PendingOperation, entity *Entity) (*CallResult, error) {
	var (
		res     *CallResult
		callErr error
	)
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, r.config.BackoffMin, r.config.BackoffMax)
			r.logger.Debug("retrying upload", "entity", op.EntityLocalID, "attempt", attempt+1, "delay", delay)
			if err := sleepWithContext(ctx, delay); err != nil {
				return nil, callErr
			}
		}
		res, callErr = r.callRemote(ctx, op, entity)
		if callErr == nil || !IsRetryable(callErr) {
			return res, callErr
		}
	}
	return res, callErr
}

func (r *Reconciler) callRemote(ctx context.Context, op PendingOperation, entity *Entity) (*CallResult, error) {
	switch op.Kind {
	case OpCreate:
		return r.remote.CreateVenue(ctx, entity.CuratorID, op.PayloadSnapshot, op.IdempotencyKey)
	case OpUpdate:
		if entity.RemoteID == nil {
			// Update queued before the server assigned an id; send a create
			// so the record is not lost.
			return r.remote.CreateVenue(ctx, entity.CuratorID, op.PayloadSnapshot, op.IdempotencyKey)
		}
		return r.remote.UpdateVenue(ctx, *entity.RemoteID, entity.CuratorID, op.PayloadSnapshot,
			entity.RemoteVersion, op.IdempotencyKey)
	case OpDelete:
		if entity.RemoteID == nil {
			return &CallResult{Status: CallOK}, nil
		}
		return r.remote.DeleteVenue(ctx, *entity.RemoteID, op.IdempotencyKey)
	default:
		return nil, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}
