// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package venuesqlite provides the SQLite-backed local store for go-venuesync.
//
// The store owns two responsibilities: durable venue records with an explicit
// sync state machine, and the append-only (coalesced) pending-operation queue
// that records local intent until the reconciler acknowledges it. Every write
// touching an entity together with its pending operation runs inside a single
// transaction so a crash can never leave one side without the other.
package venuesqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/venuekit/go-venuesync/venuesync"
)

// Store is the SQLite implementation of venuesync.Store plus the local
// mutation API used by the UI/caller layer.
type Store struct {
	db        *sql.DB
	curatorID string
	sourceID  string
	logger    *slog.Logger

	writeMu sync.Mutex // serialize writers to avoid SQLite locking issues

	subMu   sync.Mutex
	subs    map[int]func(localID string, state venuesync.SyncState)
	nextSub int
}

var _ venuesync.Store = (*Store)(nil)

// Open initializes the schema on db and returns a store bound to the given
// curator. A per-database source id is generated and persisted on first use.
func Open(db *sql.DB, curatorID string, logger *slog.Logger) (*Store, error) {
	if curatorID == "" {
		return nil, fmt.Errorf("curatorID must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	sourceID, err := ensureSourceID(db, curatorID)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:        db,
		curatorID: curatorID,
		sourceID:  sourceID,
		logger:    logger,
		subs:      make(map[int]func(string, venuesync.SyncState)),
	}, nil
}

// CuratorID returns the owning curator this store is bound to.
func (s *Store) CuratorID() string { return s.curatorID }

// SourceID returns the persisted per-database device identifier.
func (s *Store) SourceID() string { return s.sourceID }

// initializeSchema creates the venue table and sync metadata tables.
func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS venues (
			local_id         TEXT PRIMARY KEY,
			remote_id        INTEGER,
			curator_id       TEXT NOT NULL,
			name             TEXT NOT NULL,
			locality         TEXT NOT NULL DEFAULT '',
			address          TEXT NOT NULL DEFAULT '',
			cuisine          TEXT NOT NULL DEFAULT '',
			phone            TEXT NOT NULL DEFAULT '',
			website          TEXT NOT NULL DEFAULT '',
			notes            TEXT NOT NULL DEFAULT '',
			dedup_key        TEXT NOT NULL,
			sync_state       TEXT NOT NULL CHECK (sync_state IN
				('NEW','PENDING','SYNCED','CONFLICT','ERROR','TOMBSTONED')),
			version          INTEGER NOT NULL DEFAULT 1,
			remote_version   INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,
			last_modified_at TEXT NOT NULL,
			last_synced_at   TEXT,
			last_error       TEXT NOT NULL DEFAULT '',
			conflict_payload TEXT
		)`,

		// Pending queue (coalesced, one row per entity)
		`CREATE TABLE IF NOT EXISTS _sync_pending (
			entity_local_id  TEXT PRIMARY KEY,
			op               TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			payload          TEXT, -- JSON snapshot (NULL for delete)
			snapshot_version INTEGER NOT NULL,
			idempotency_key  TEXT NOT NULL,
			queued_at        TEXT NOT NULL
		)`,

		// Client/device info (one row per curator)
		`CREATE TABLE IF NOT EXISTS _sync_client_info (
			curator_id   TEXT PRIMARY KEY,
			source_id    TEXT NOT NULL,
			pull_cursor  TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_venues_sync_state ON venues(sync_state)`,
		`CREATE INDEX IF NOT EXISTS idx_venues_dedup_key ON venues(dedup_key)`,
		`CREATE INDEX IF NOT EXISTS idx_venues_remote_id ON venues(remote_id)`,
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// ensureSourceID generates and persists a device source id if not present.
func ensureSourceID(db *sql.DB, curatorID string) (string, error) {
	var sourceID string
	err := db.QueryRow(`SELECT source_id FROM _sync_client_info WHERE curator_id = ?`, curatorID).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _sync_client_info (curator_id, source_id, pull_cursor)
			VALUES (?, ?, '')
		`, curatorID, sourceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return sourceID, nil
}

// Subscribe registers a change listener fired after each committed mutation
// with the entity's id and new state. Listeners run after the store's write
// lock is released, so they may call back into the store, but they must not
// block. The returned function unregisters the listener.
func (s *Store) Subscribe(fn func(localID string, state venuesync.SyncState)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(localID string, state venuesync.SyncState) {
	s.subMu.Lock()
	fns := make([]func(string, venuesync.SyncState), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(localID, state)
	}
}

const entityColumns = `local_id, remote_id, curator_id, name, locality, address,
	cuisine, phone, website, notes, dedup_key, sync_state, version, remote_version,
	created_at, last_modified_at, last_synced_at, last_error, conflict_payload`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*venuesync.Entity, error) {
	var (
		e            venuesync.Entity
		remoteID     sql.NullInt64
		state        string
		createdAt    string
		modifiedAt   string
		syncedAt     sql.NullString
		conflictJSON sql.NullString
	)
	err := row.Scan(&e.LocalID, &remoteID, &e.CuratorID,
		&e.Payload.Name, &e.Payload.Locality, &e.Payload.Address,
		&e.Payload.Cuisine, &e.Payload.Phone, &e.Payload.Website, &e.Payload.Notes,
		&e.DedupKey, &state, &e.Version, &e.RemoteVersion,
		&createdAt, &modifiedAt, &syncedAt, &e.LastError, &conflictJSON)
	if err != nil {
		return nil, err
	}
	if remoteID.Valid {
		id := remoteID.Int64
		e.RemoteID = &id
	}
	e.SyncState = venuesync.SyncState(state)
	e.CreatedAt = parseTime(createdAt)
	e.LastModifiedAt = parseTime(modifiedAt)
	if syncedAt.Valid {
		t := parseTime(syncedAt.String)
		e.LastSyncedAt = &t
	}
	if conflictJSON.Valid {
		e.ConflictPayload = json.RawMessage(conflictJSON.String)
	}
	return &e, nil
}

// Get returns the entity or venuesync.ErrNotFound.
func (s *Store) Get(ctx context.Context, localID string) (*venuesync.Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM venues WHERE local_id = ?`, localID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, venuesync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity %s: %w", localID, err)
	}
	return e, nil
}

// List returns every entity, tombstones included, ordered by creation time.
func (s *Store) List(ctx context.Context) ([]*venuesync.Entity, error) {
	return s.queryEntities(ctx, `SELECT `+entityColumns+` FROM venues ORDER BY created_at, local_id`)
}

// ListByState returns entities in any of the given states.
func (s *Store) ListByState(ctx context.Context, states ...venuesync.SyncState) ([]*venuesync.Entity, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := `SELECT ` + entityColumns + ` FROM venues WHERE sync_state IN (?` +
		repeatPlaceholders(len(states)-1) + `) ORDER BY created_at, local_id`
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	return s.queryEntities(ctx, query, args...)
}

// FindByRemoteID returns the entity carrying the remote id, or ErrNotFound.
func (s *Store) FindByRemoteID(ctx context.Context, remoteID int64) (*venuesync.Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM venues WHERE remote_id = ?`, remoteID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, venuesync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity by remote id %d: %w", remoteID, err)
	}
	return e, nil
}

// FindByDedupKey returns all entities sharing the composite natural key,
// tombstones included so callers can honor the no-resurrection rule.
func (s *Store) FindByDedupKey(ctx context.Context, dedupKey string) ([]*venuesync.Entity, error) {
	return s.queryEntities(ctx,
		`SELECT `+entityColumns+` FROM venues WHERE dedup_key = ? ORDER BY created_at, local_id`, dedupKey)
}

// CountByState returns per-state entity counts.
func (s *Store) CountByState(ctx context.Context) (map[venuesync.SyncState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sync_state, COUNT(*) FROM venues GROUP BY sync_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by state: %w", err)
	}
	defer rows.Close()
	counts := make(map[venuesync.SyncState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[venuesync.SyncState(state)] = n
	}
	return counts, rows.Err()
}

func (s *Store) queryEntities(ctx context.Context, query string, args ...any) ([]*venuesync.Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()
	var out []*venuesync.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PullCursor returns the persisted change-feed cursor.
func (s *Store) PullCursor(ctx context.Context) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx,
		`SELECT pull_cursor FROM _sync_client_info WHERE curator_id = ?`, s.curatorID).Scan(&cursor)
	if err != nil {
		return "", fmt.Errorf("failed to load pull cursor: %w", err)
	}
	return cursor, nil
}

// SetPullCursor persists the change-feed cursor.
func (s *Store) SetPullCursor(ctx context.Context, cursor string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE _sync_client_info SET pull_cursor = ? WHERE curator_id = ?`, cursor, s.curatorID)
	if err != nil {
		return fmt.Errorf("failed to persist pull cursor: %w", err)
	}
	return nil
}

func repeatPlaceholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ",?"
	}
	return out
}

// sqlTimeFormat is RFC3339 with a fixed-width fraction. RFC3339Nano drops
// trailing zeros, which breaks lexicographic ORDER BY within a second.
const sqlTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func nowString() string {
	return time.Now().UTC().Format(sqlTimeFormat)
}

func timeString(t time.Time) string {
	return t.UTC().Format(sqlTimeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
