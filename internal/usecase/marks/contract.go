package marks

import (
	"context"

	"github.com/fieldmark/fieldmark/internal/cache"
	"github.com/fieldmark/fieldmark/internal/domain/record"
)

// Cache is the store contract consumed by the marks service.
type Cache interface {
	Get(ctx context.Context, id string) (cache.Entry, error)
	MarkLocalMutation(ctx context.Context, id string, private record.Private) error
}

// Invalidator drops memoized query results after a mutation.
type Invalidator interface {
	Invalidate()
}

// SyncRequester schedules an opportunistic sync after a mutation.
type SyncRequester interface {
	RequestSync()
}
