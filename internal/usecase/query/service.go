// Package query evaluates filter criteria against the local cache and
// orders the results. Evaluation is a single pass over a snapshot, so a
// sync landing mid-query never produces a half-updated result list.
package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	stdsync "sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/fieldmark/fieldmark/internal/domain"
	"github.com/fieldmark/fieldmark/internal/domain/geo"
	"github.com/fieldmark/fieldmark/internal/domain/query"
	"github.com/fieldmark/fieldmark/internal/domain/record"
	"github.com/fieldmark/fieldmark/internal/metrics"
)

// supersededCheckStride bounds how many records are evaluated between
// staleness checks, so a superseded query aborts promptly on large caches.
const supersededCheckStride = 256

// Result is one matched record, carrying its distance from the proximity
// center when the criteria needed one.
type Result struct {
	Record record.Record
	// DistanceKm is negative when the criteria carried no proximity center.
	DistanceKm float64
}

// HasDistance reports whether DistanceKm is meaningful.
func (r Result) HasDistance() bool { return r.DistanceKm >= 0 }

// Service evaluates criteria against the cache, memoizing the last result
// set keyed by criteria equality.
type Service struct {
	reader Reader
	logger *zap.Logger
	clock  clockwork.Clock

	// generation grows on every Evaluate call; an evaluation whose
	// generation falls behind returns ErrSuperseded so only the newest
	// request's results are delivered.
	generation atomic.Int64

	mu           stdsync.Mutex
	memoValid    bool
	memoCriteria query.Criteria
	memoResults  []Result
}

// NewService creates a query service.
func NewService(reader Reader, logger *zap.Logger, clock clockwork.Clock) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		reader: reader,
		logger: logger.Named("query"),
		clock:  clock,
	}
}

// Invalidate drops the memoized result set. Called whenever the cache
// changes: after a pull applies records and after a local mutation.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.memoValid = false
	s.memoResults = nil
	s.mu.Unlock()
}

// Evaluate runs the criteria against a snapshot of the visible cache and
// returns ordered results. Returns domain.ErrSuperseded when a newer
// Evaluate call started before this one finished.
func (s *Service) Evaluate(ctx context.Context, c query.Criteria) ([]Result, error) {
	gen := s.generation.Add(1)
	start := s.clock.Now()

	if cached, ok := s.memoized(c); ok {
		return cached, nil
	}

	snapshot, err := s.reader.AllVisible(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read cache: %w", domain.ErrStorageFailure, err)
	}
	if s.superseded(gen) {
		return nil, domain.ErrSuperseded
	}
	metrics.CachedRecords.Set(float64(len(snapshot)))

	results := make([]Result, 0, len(snapshot))
	for i, rec := range snapshot {
		if i%supersededCheckStride == supersededCheckStride-1 && s.superseded(gen) {
			return nil, domain.ErrSuperseded
		}
		if !query.Matches(rec, c) {
			continue
		}
		results = append(results, Result{Record: rec, DistanceKm: distanceFor(rec, c)})
	}

	sortResults(results, c.Sort())
	if s.superseded(gen) {
		return nil, domain.ErrSuperseded
	}

	s.memoize(gen, c, results)
	metrics.QueryDuration.Observe(s.clock.Since(start).Seconds())
	s.logger.Debug("query evaluated",
		zap.Int("snapshot", len(snapshot)),
		zap.Int("matched", len(results)),
		zap.String("sort", string(c.Sort())),
	)
	return results, nil
}

func (s *Service) superseded(gen int64) bool {
	return s.generation.Load() != gen
}

func (s *Service) memoized(c query.Criteria) ([]Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.memoValid || !s.memoCriteria.Equal(c) {
		return nil, false
	}
	return s.memoResults, true
}

// memoize stores the result set unless a newer evaluation already started,
// which would let a stale set shadow the newer criteria.
func (s *Service) memoize(gen int64, c query.Criteria, results []Result) {
	if s.superseded(gen) {
		return
	}
	s.mu.Lock()
	s.memoValid = true
	s.memoCriteria = c
	s.memoResults = results
	s.mu.Unlock()
}

// distanceFor computes the record's distance from the proximity center
// exactly once per surviving record; -1 when no center is active.
func distanceFor(rec record.Record, c query.Criteria) float64 {
	if !c.NeedsDistance() || c.Proximity() == nil || rec.Coord() == nil {
		return -1
	}
	return geo.DistanceKm(*rec.Coord(), c.Proximity().Center)
}

// sortResults orders results by the sort key. Every ordering breaks ties by
// case-insensitive name then id, so equal inputs always yield identical
// output order.
func sortResults(results []Result, key query.SortKey) {
	var less func(a, b Result) bool
	switch key {
	case query.SortYear:
		less = func(a, b Result) bool {
			ay, by := a.Record.Shared().Founded, b.Record.Shared().Founded
			if (ay == nil) != (by == nil) {
				return ay != nil // records without a year sort last
			}
			if ay != nil && *ay != *by {
				return *ay < *by
			}
			return nameLess(a, b)
		}
	case query.SortDistance:
		less = func(a, b Result) bool {
			if a.HasDistance() != b.HasDistance() {
				return a.HasDistance()
			}
			if a.HasDistance() && a.DistanceKm != b.DistanceKm {
				return a.DistanceKm < b.DistanceKm
			}
			return nameLess(a, b)
		}
	case query.SortClassification:
		less = func(a, b Result) bool {
			ar := record.ClassificationRank(strings.ToLower(a.Record.Shared().Classification))
			br := record.ClassificationRank(strings.ToLower(b.Record.Shared().Classification))
			if ar != br {
				return ar < br
			}
			return nameLess(a, b)
		}
	default:
		less = nameLess
	}

	sort.SliceStable(results, func(i, j int) bool { return less(results[i], results[j]) })
}

func nameLess(a, b Result) bool {
	an := strings.ToLower(a.Record.Shared().Name)
	bn := strings.ToLower(b.Record.Shared().Name)
	if an != bn {
		return an < bn
	}
	return a.Record.ID() < b.Record.ID()
}
