// Package cache defines the local persistent mirror of the remote catalog:
// the store contract, the per-record sync metadata, and the pure merge rule
// shared by every backend.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/fieldmark/fieldmark/internal/domain/record"
)

// Sentinel errors for cache operations.
var (
	// ErrNotFound signals a requested id absent from the cache. Not an error
	// for AllVisible, only for Get.
	ErrNotFound = errors.New("cache: record not found")
	// ErrNoState signals that no sync state has been persisted yet (first run).
	ErrNoState = errors.New("cache: no persisted sync state")
)

// Op constants name store operations for error context.
const (
	OpGet       = "get"
	OpPut       = "put"
	OpMark      = "mark"
	OpConfirm   = "confirm"
	OpScan      = "scan"
	OpLoadState = "load-state"
	OpSaveState = "save-state"
)

// Error wraps an underlying storage error with the operation name. Storage
// failures are fatal to the triggering operation and never retried.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "cache " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Entry wraps a Record with sync metadata.
type Entry struct {
	Record            record.Record
	LastSyncedVersion int64
	Dirty             bool
	// LastFetchedAt is zero until the record has been successfully fetched
	// from the remote store. Unfetched entries are never queryable, so
	// partial placeholders cannot leak into results.
	LastFetchedAt time.Time
}

// Fetched reports whether the entry has ever been pulled from the remote.
func (e Entry) Fetched() bool { return !e.LastFetchedAt.IsZero() }

// Queryable reports whether the entry may appear in query results.
func (e Entry) Queryable() bool { return e.Fetched() && e.Record.Approved() }

// Mode is the device connectivity mode.
type Mode string

// Connectivity modes.
const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
	ModeSyncing Mode = "syncing"
)

// State is the process-wide sync state, one instance per device. Persisted on
// every transition so a crash mid-sync resumes correctly.
type State struct {
	Mode           Mode      `json:"mode"`
	LastFullSyncAt time.Time `json:"last_full_sync_at"`
	// Cursor is the remote change watermark of the last completed pull.
	// Zero means no pull has ever completed, forcing a full fetch.
	Cursor int64 `json:"cursor"`
	// PendingPushes lists ids of dirty entries in mutation order. Pushes are
	// idempotent and replay-safe, so replaying after a crash is harmless.
	PendingPushes []string `json:"pending_pushes"`
	DeviceID      string   `json:"device_id"`
}

// Reader is the read side of the store, consumed by the query composer.
// Reads never block on network or on an in-flight sync.
type Reader interface {
	// Get returns the entry for id, or ErrNotFound.
	Get(ctx context.Context, id string) (Entry, error)
	// AllVisible returns every approved, fetched record: the base dataset
	// for query evaluation.
	AllVisible(ctx context.Context) ([]record.Record, error)
}

// Store is the full local cache contract. All writes are atomic per record;
// a crash between two record writes never leaves one record half-written.
type Store interface {
	Reader

	// ApplyRemote merges a pulled record into the cache atomically using
	// Merge. Returns false when the pull was discarded as stale.
	ApplyRemote(ctx context.Context, remote record.Record, now time.Time) (bool, error)
	// MarkLocalMutation updates only the user-private fields of id and sets
	// the dirty flag, without touching LastSyncedVersion.
	MarkLocalMutation(ctx context.Context, id string, private record.Private) error
	// ConfirmPush records a successful push of the pushed private snapshot:
	// the record version and LastSyncedVersion always advance to the
	// server-returned version, but the dirty flag clears only while the
	// entry's private fields still equal pushed. A mutation that landed while
	// the push was in flight keeps the entry dirty for the next cycle.
	ConfirmPush(ctx context.Context, id string, pushed record.Private, version int64) error
	// DirtyEntries returns entries pending push, oldest mutation first.
	DirtyEntries(ctx context.Context) ([]Entry, error)

	// LoadState returns the persisted sync state, or ErrNoState on first run.
	LoadState(ctx context.Context) (State, error)
	// SaveState persists the sync state.
	SaveState(ctx context.Context, state State) error

	Close() error
}

// Merge applies a pulled remote record to an existing entry (nil for a new
// record) and reports whether the result should be committed.
//
// Rules: a remote version older than or equal to LastSyncedVersion is
// discarded (guards out-of-order delivery); remote wins every shared field;
// local wins every private field; the dirty flag survives, since unpushed
// private mutations are still pending.
func Merge(existing *Entry, remote record.Record, now time.Time) (Entry, bool) {
	if existing == nil {
		return Entry{
			Record:            remote,
			LastSyncedVersion: remote.Version(),
			LastFetchedAt:     now,
		}, true
	}
	if remote.Version() <= existing.LastSyncedVersion {
		return *existing, false
	}
	return Entry{
		Record:            existing.Record.WithShared(remote.Shared(), remote.Version()),
		LastSyncedVersion: remote.Version(),
		Dirty:             existing.Dirty,
		LastFetchedAt:     now,
	}, true
}
