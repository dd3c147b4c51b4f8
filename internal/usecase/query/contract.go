package query

import (
	"context"

	"github.com/fieldmark/fieldmark/internal/domain/record"
)

// Reader is the cache read side consumed by the composer. Reads are served
// entirely from the local cache and never block on network.
type Reader interface {
	AllVisible(ctx context.Context) ([]record.Record, error)
}
