// Package remote abstracts the authoritative catalog backend consumed by the
// sync engine.
package remote

import (
	"context"

	"github.com/fieldmark/fieldmark/internal/domain/record"
)

// ChangeSet is one page of pulled records plus the server's change watermark.
// Passing Cursor back to FetchSince resumes after these changes, so a sync
// interrupted between pages never re-fetches what it already applied.
type ChangeSet struct {
	Records []record.Record
	Cursor  int64
	// More reports that further pages exist beyond Cursor.
	More bool
}

// Client is the remote store contract. The server supplies monotonic
// per-record version numbers; records it returns carry shared fields and the
// caller's own private fields, never another user's.
//
// Implementations report network failures as domain.ErrUnreachable and
// rejected pushes as domain.ErrConflict.
type Client interface {
	// FetchAll returns every record (cursor 0 semantics).
	FetchAll(ctx context.Context) (ChangeSet, error)
	// FetchSince returns records changed after the given watermark.
	FetchSince(ctx context.Context, cursor int64) (ChangeSet, error)
	// Push uploads a locally mutated record and returns its new version.
	Push(ctx context.Context, rec record.Record) (int64, error)
}
