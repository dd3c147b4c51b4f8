// Package memory provides an in-memory cache store. It backs the degraded
// "always online, no durable cache" mode on platforms without a persistent
// backend, and doubles as the test double for the sync and query layers.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fieldmark/fieldmark/internal/cache"
	"github.com/fieldmark/fieldmark/internal/domain/record"
)

// Compile-time check: Store implements cache.Store.
var _ cache.Store = (*Store)(nil)

// Store keeps entries in a map guarded by a RWMutex: concurrent reads,
// serialized per-store writes.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]cache.Entry
	dirtyOrder []string
	state      *cache.State
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{entries: make(map[string]cache.Entry)}
}

// Get returns the entry for id, or cache.ErrNotFound.
func (s *Store) Get(_ context.Context, id string) (cache.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return cache.Entry{}, cache.ErrNotFound
	}
	return entry, nil
}

// AllVisible returns every approved, fetched record ordered by id.
func (s *Store) AllVisible(_ context.Context) ([]record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]record.Record, 0, len(s.entries))
	for _, entry := range s.entries {
		if entry.Queryable() {
			records = append(records, entry.Record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID() < records[j].ID() })
	return records, nil
}

// ApplyRemote merges a pulled record under the write lock.
func (s *Store) ApplyRemote(_ context.Context, remote record.Record, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing *cache.Entry
	if entry, ok := s.entries[remote.ID()]; ok {
		existing = &entry
	}
	merged, applied := cache.Merge(existing, remote, now)
	if applied {
		s.entries[remote.ID()] = merged
	}
	return applied, nil
}

// MarkLocalMutation updates private fields only and flags the entry dirty.
func (s *Store) MarkLocalMutation(_ context.Context, id string, private record.Private) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return cache.ErrNotFound
	}
	entry.Record = entry.Record.WithPrivate(private)
	if !entry.Dirty {
		s.dirtyOrder = append(s.dirtyOrder, id)
	}
	entry.Dirty = true
	s.entries[id] = entry
	return nil
}

// ConfirmPush advances the synced version and clears the dirty flag, unless
// the private fields no longer match the pushed snapshot: then the newer
// mutation stays dirty and is pushed next cycle.
func (s *Store) ConfirmPush(_ context.Context, id string, pushed record.Private, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return cache.ErrNotFound
	}
	entry.Record = entry.Record.WithVersion(version)
	entry.LastSyncedVersion = version
	if entry.Record.Private() == pushed {
		entry.Dirty = false
		s.removeDirtyLocked(id)
	}
	s.entries[id] = entry
	return nil
}

// DirtyEntries returns entries pending push in mutation order.
func (s *Store) DirtyEntries(_ context.Context) ([]cache.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]cache.Entry, 0, len(s.dirtyOrder))
	for _, id := range s.dirtyOrder {
		if entry, ok := s.entries[id]; ok && entry.Dirty {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// LoadState returns the held sync state, or cache.ErrNoState.
func (s *Store) LoadState(_ context.Context) (cache.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return cache.State{}, cache.ErrNoState
	}
	return *s.state, nil
}

// SaveState holds the sync state in memory.
func (s *Store) SaveState(_ context.Context, state cache.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = &state
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

func (s *Store) removeDirtyLocked(id string) {
	for i, dirtyID := range s.dirtyOrder {
		if dirtyID == id {
			s.dirtyOrder = append(s.dirtyOrder[:i], s.dirtyOrder[i+1:]...)
			return
		}
	}
}
