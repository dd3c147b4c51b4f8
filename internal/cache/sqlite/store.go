// Package sqlite provides the durable cache store backed by an embedded
// SQLite database. Every record write runs in its own transaction, so a
// crash between two record writes never leaves a single record half-written.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"github.com/fieldmark/fieldmark/internal/cache"
	"github.com/fieldmark/fieldmark/internal/domain/geo"
	"github.com/fieldmark/fieldmark/internal/domain/record"
)

// Compile-time check: Store implements cache.Store.
var _ cache.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    description         TEXT NOT NULL DEFAULT '',
    style               TEXT NOT NULL DEFAULT '',
    classification      TEXT NOT NULL DEFAULT '',
    jurisdiction        TEXT NOT NULL DEFAULT '',
    founded             INTEGER,
    lat                 REAL,
    lon                 REAL,
    approved            INTEGER NOT NULL DEFAULT 0,
    visited             INTEGER NOT NULL DEFAULT 0,
    favorite            INTEGER NOT NULL DEFAULT 0,
    version             INTEGER NOT NULL DEFAULT 0,
    last_synced_version INTEGER NOT NULL DEFAULT 0,
    dirty               INTEGER NOT NULL DEFAULT 0,
    dirty_seq           INTEGER,
    last_fetched_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_records_dirty ON records(dirty_seq) WHERE dirty = 1;

CREATE TABLE IF NOT EXISTS sync_state (
    id   INTEGER PRIMARY KEY CHECK (id = 1),
    data TEXT NOT NULL
);
`

const recordColumns = `id, name, description, style, classification, jurisdiction,
	founded, lat, lon, approved, visited, favorite,
	version, last_synced_version, dirty, last_fetched_at`

// Store persists the cache mirror in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (creating if needed) the cache database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Get returns the entry for id, or cache.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (cache.Entry, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry{}, cache.ErrNotFound
	}
	if err != nil {
		return cache.Entry{}, &cache.Error{Op: cache.OpGet, Err: err}
	}
	return entry, nil
}

// AllVisible returns every approved, fetched record ordered by id.
func (s *Store) AllVisible(ctx context.Context) ([]record.Record, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE approved = 1 AND last_fetched_at IS NOT NULL
		 ORDER BY id`)
	if err != nil {
		return nil, &cache.Error{Op: cache.OpScan, Err: err}
	}
	defer rows.Close()

	var records []record.Record
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, &cache.Error{Op: cache.OpScan, Err: err}
		}
		records = append(records, entry.Record)
	}
	if err := rows.Err(); err != nil {
		return nil, &cache.Error{Op: cache.OpScan, Err: err}
	}
	return records, nil
}

// ApplyRemote merges a pulled record inside a single transaction.
func (s *Store) ApplyRemote(ctx context.Context, remote record.Record, now time.Time) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, &cache.Error{Op: cache.OpPut, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var existing *cache.Entry
	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, remote.ID())
	entry, err := scanEntry(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, &cache.Error{Op: cache.OpPut, Err: err}
	default:
		existing = &entry
	}

	merged, applied := cache.Merge(existing, remote, now)
	if !applied {
		return false, nil
	}
	if err := upsertEntry(ctx, tx, merged); err != nil {
		return false, &cache.Error{Op: cache.OpPut, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return false, &cache.Error{Op: cache.OpPut, Err: err}
	}
	return true, nil
}

// MarkLocalMutation updates private fields only and flags the entry dirty,
// assigning the next mutation sequence number on the dirty transition.
func (s *Store) MarkLocalMutation(ctx context.Context, id string, private record.Private) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return &cache.Error{Op: cache.OpMark, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE records SET
			visited = ?, favorite = ?,
			dirty = 1,
			dirty_seq = COALESCE(dirty_seq, (SELECT COALESCE(MAX(dirty_seq), 0) + 1 FROM records))
		 WHERE id = ?`,
		boolToInt(private.Visited), boolToInt(private.Favorite), id)
	if err != nil {
		return &cache.Error{Op: cache.OpMark, Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &cache.Error{Op: cache.OpMark, Err: err}
	}
	if affected == 0 {
		return cache.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return &cache.Error{Op: cache.OpMark, Err: err}
	}
	return nil
}

// ConfirmPush advances the synced version and clears the dirty flag, unless
// the private columns no longer match the pushed snapshot: then the newer
// mutation stays dirty and is pushed next cycle.
func (s *Store) ConfirmPush(ctx context.Context, id string, pushed record.Private, version int64) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return &cache.Error{Op: cache.OpConfirm, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE records SET version = ?, last_synced_version = ? WHERE id = ?`,
		version, version, id)
	if err != nil {
		return &cache.Error{Op: cache.OpConfirm, Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &cache.Error{Op: cache.OpConfirm, Err: err}
	}
	if affected == 0 {
		return cache.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET dirty = 0, dirty_seq = NULL
		 WHERE id = ? AND visited = ? AND favorite = ?`,
		id, boolToInt(pushed.Visited), boolToInt(pushed.Favorite)); err != nil {
		return &cache.Error{Op: cache.OpConfirm, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &cache.Error{Op: cache.OpConfirm, Err: err}
	}
	return nil
}

// DirtyEntries returns entries pending push, oldest mutation first.
func (s *Store) DirtyEntries(ctx context.Context) ([]cache.Entry, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE dirty = 1 ORDER BY dirty_seq`)
	if err != nil {
		return nil, &cache.Error{Op: cache.OpScan, Err: err}
	}
	defer rows.Close()

	var entries []cache.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, &cache.Error{Op: cache.OpScan, Err: err}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &cache.Error{Op: cache.OpScan, Err: err}
	}
	return entries, nil
}

// LoadState returns the persisted sync state, or cache.ErrNoState.
func (s *Store) LoadState(ctx context.Context) (cache.State, error) {
	var data string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT data FROM sync_state WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.State{}, cache.ErrNoState
	}
	if err != nil {
		return cache.State{}, &cache.Error{Op: cache.OpLoadState, Err: err}
	}
	var state cache.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return cache.State{}, &cache.Error{Op: cache.OpLoadState, Err: err}
	}
	return state, nil
}

// SaveState persists the sync state as a single row.
func (s *Store) SaveState(ctx context.Context, state cache.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return &cache.Error{Op: cache.OpSaveState, Err: err}
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO sync_state (id, data) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET data = excluded.data`, string(data))
	if err != nil {
		return &cache.Error{Op: cache.OpSaveState, Err: err}
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (cache.Entry, error) {
	var (
		id, name, description, style, classification, jurisdiction string
		founded                                                    sql.NullInt64
		lat, lon                                                   sql.NullFloat64
		approved, visited, favorite, dirty                         int
		version, lastSyncedVersion                                 int64
		lastFetchedAt                                              sql.NullInt64
	)
	err := row.Scan(&id, &name, &description, &style, &classification, &jurisdiction,
		&founded, &lat, &lon, &approved, &visited, &favorite,
		&version, &lastSyncedVersion, &dirty, &lastFetchedAt)
	if err != nil {
		return cache.Entry{}, err
	}

	shared := record.Shared{
		Name:           name,
		Description:    description,
		Style:          style,
		Classification: classification,
		Jurisdiction:   jurisdiction,
		Approved:       approved == 1,
	}
	if founded.Valid {
		year := int(founded.Int64)
		shared.Founded = &year
	}
	if lat.Valid && lon.Valid {
		shared.Coord = &geo.Coordinate{Lat: lat.Float64, Lon: lon.Float64}
	}
	private := record.Private{Visited: visited == 1, Favorite: favorite == 1}

	entry := cache.Entry{
		Record:            record.Reconstruct(id, shared, private, version),
		LastSyncedVersion: lastSyncedVersion,
		Dirty:             dirty == 1,
	}
	if lastFetchedAt.Valid {
		entry.LastFetchedAt = time.UnixMilli(lastFetchedAt.Int64).UTC()
	}
	return entry, nil
}

func upsertEntry(ctx context.Context, tx *sql.Tx, entry cache.Entry) error {
	shared := entry.Record.Shared()
	private := entry.Record.Private()

	var founded any
	if shared.Founded != nil {
		founded = *shared.Founded
	}
	var lat, lon any
	if shared.Coord != nil {
		lat, lon = shared.Coord.Lat, shared.Coord.Lon
	}
	var fetchedAt any
	if entry.Fetched() {
		fetchedAt = entry.LastFetchedAt.UTC().UnixMilli()
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO records (
			id, name, description, style, classification, jurisdiction,
			founded, lat, lon, approved, visited, favorite,
			version, last_synced_version, dirty, last_fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			style = excluded.style,
			classification = excluded.classification,
			jurisdiction = excluded.jurisdiction,
			founded = excluded.founded,
			lat = excluded.lat,
			lon = excluded.lon,
			approved = excluded.approved,
			visited = excluded.visited,
			favorite = excluded.favorite,
			version = excluded.version,
			last_synced_version = excluded.last_synced_version,
			dirty = excluded.dirty,
			last_fetched_at = excluded.last_fetched_at`,
		entry.Record.ID(), shared.Name, shared.Description, shared.Style,
		shared.Classification, shared.Jurisdiction,
		founded, lat, lon, boolToInt(shared.Approved),
		boolToInt(private.Visited), boolToInt(private.Favorite),
		entry.Record.Version(), entry.LastSyncedVersion,
		boolToInt(entry.Dirty), fetchedAt)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
