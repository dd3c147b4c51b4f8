// Package marks applies user-private record mutations (visited, favorite) to
// the local cache. Mutations commit locally first and are pushed to the
// remote store opportunistically by the sync engine.
package marks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fieldmark/fieldmark/internal/cache"
	"github.com/fieldmark/fieldmark/internal/domain"
	"github.com/fieldmark/fieldmark/internal/domain/record"
)

// Update carries the requested private-field changes. Nil fields are left
// untouched so a caller can flip one flag without knowing the other.
type Update struct {
	Visited  *bool
	Favorite *bool
}

// Service applies private mutations.
type Service struct {
	cache  Cache
	inv    Invalidator
	syncer SyncRequester
	logger *zap.Logger
}

// NewService creates a marks service.
func NewService(c Cache, inv Invalidator, syncer SyncRequester, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cache: c, inv: inv, syncer: syncer, logger: logger.Named("marks")}
}

// Apply merges the update into the record's private group and flags it for
// push. Returns the updated record, or domain.ErrNotFound for an unknown id.
func (s *Service) Apply(ctx context.Context, id string, update Update) (record.Record, error) {
	entry, err := s.cache.Get(ctx, id)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return record.Record{}, fmt.Errorf("%w: record %q", domain.ErrNotFound, id)
		}
		return record.Record{}, fmt.Errorf("%w: get %q: %w", domain.ErrStorageFailure, id, err)
	}

	private := entry.Record.Private()
	if update.Visited != nil {
		private.Visited = *update.Visited
	}
	if update.Favorite != nil {
		private.Favorite = *update.Favorite
	}
	if private == entry.Record.Private() {
		return entry.Record, nil // no-op, nothing to push
	}

	if err := s.cache.MarkLocalMutation(ctx, id, private); err != nil {
		return record.Record{}, fmt.Errorf("%w: mark %q: %w", domain.ErrStorageFailure, id, err)
	}

	if s.inv != nil {
		s.inv.Invalidate()
	}
	if s.syncer != nil {
		s.syncer.RequestSync()
	}
	s.logger.Debug("local mutation recorded",
		zap.String("record", id),
		zap.Bool("visited", private.Visited),
		zap.Bool("favorite", private.Favorite),
	)
	return entry.Record.WithPrivate(private), nil
}
