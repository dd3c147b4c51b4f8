package sync

import (
	"context"
	"time"

	"github.com/fieldmark/fieldmark/internal/cache"
	"github.com/fieldmark/fieldmark/internal/domain/record"
)

// Cache is the local store contract consumed by the engine.
type Cache interface {
	ApplyRemote(ctx context.Context, remote record.Record, now time.Time) (bool, error)
	DirtyEntries(ctx context.Context) ([]cache.Entry, error)
	ConfirmPush(ctx context.Context, id string, pushed record.Private, version int64) error
	LoadState(ctx context.Context) (cache.State, error)
	SaveState(ctx context.Context, state cache.State) error
}

// Invalidator receives cache-changed notifications so stale query results
// are dropped.
type Invalidator interface {
	Invalidate()
}
