package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldmark/fieldmark/internal/cache"
	"github.com/fieldmark/fieldmark/internal/domain/geo"
	"github.com/fieldmark/fieldmark/internal/domain/record"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func intPtr(v int) *int { return &v }

func sampleRecord(id string, version int64) record.Record {
	return record.Reconstruct(id, record.Shared{
		Name:           "Sample " + id,
		Description:    "a sample record",
		Style:          "Baroque",
		Classification: "national",
		Jurisdiction:   "bohol",
		Founded:        intPtr(1727),
		Coord:          &geo.Coordinate{Lat: 9.65, Lon: 123.85},
		Approved:       true,
	}, record.Private{}, version)
}

func TestApplyRemote_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	applied, err := s.ApplyRemote(ctx, sampleRecord("r1", 3), now)
	if err != nil || !applied {
		t.Fatalf("ApplyRemote = %v, %v", applied, err)
	}

	entry, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	shared := entry.Record.Shared()
	if shared.Name != "Sample r1" || shared.Style != "Baroque" || *shared.Founded != 1727 {
		t.Errorf("shared fields not persisted: %+v", shared)
	}
	if shared.Coord == nil || shared.Coord.Lat != 9.65 {
		t.Errorf("coordinate not persisted: %+v", shared.Coord)
	}
	if entry.LastSyncedVersion != 3 || !entry.LastFetchedAt.Equal(now) {
		t.Errorf("sync metadata wrong: %+v", entry)
	}
}

func TestApplyRemote_StaleVersionDiscarded(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	if _, err := s.ApplyRemote(ctx, sampleRecord("r1", 5), now); err != nil {
		t.Fatal(err)
	}
	applied, err := s.ApplyRemote(ctx, sampleRecord("r1", 5), now)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("same version should be discarded")
	}

	visible, err := s.AllVisible(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 1 {
		t.Errorf("replay duplicated the record: %d rows", len(visible))
	}
}

func TestAllVisible_ExcludesUnapproved(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	if _, err := s.ApplyRemote(ctx, sampleRecord("ok", 1), now); err != nil {
		t.Fatal(err)
	}
	hidden := record.Reconstruct("hidden", record.Shared{Name: "Hidden"}, record.Private{}, 1)
	if _, err := s.ApplyRemote(ctx, hidden, now); err != nil {
		t.Fatal(err)
	}

	visible, err := s.AllVisible(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 1 || visible[0].ID() != "ok" {
		t.Errorf("AllVisible = %v, want only the approved record", visible)
	}
}

func TestDirtyLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	for _, id := range []string{"r1", "r2"} {
		if _, err := s.ApplyRemote(ctx, sampleRecord(id, 2), now); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.MarkLocalMutation(ctx, "r2", record.Private{Visited: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkLocalMutation(ctx, "r1", record.Private{Favorite: true}); err != nil {
		t.Fatal(err)
	}

	dirty, err := s.DirtyEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dirty) != 2 || dirty[0].Record.ID() != "r2" || dirty[1].Record.ID() != "r1" {
		t.Fatalf("dirty order wrong: %v", dirty)
	}
	if dirty[0].LastSyncedVersion != 2 {
		t.Error("local mutation must not advance LastSyncedVersion")
	}

	if err := s.ConfirmPush(ctx, "r2", record.Private{Visited: true}, 3); err != nil {
		t.Fatal(err)
	}
	entry, err := s.Get(ctx, "r2")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Dirty || entry.LastSyncedVersion != 3 || entry.Record.Version() != 3 {
		t.Errorf("ConfirmPush metadata wrong: %+v", entry)
	}
	if !entry.Record.Private().Visited {
		t.Error("private field lost across confirm")
	}

	dirty, _ = s.DirtyEntries(ctx)
	if len(dirty) != 1 || dirty[0].Record.ID() != "r1" {
		t.Errorf("dirty set after confirm: %v", dirty)
	}
}

func TestConfirmPush_StaleSnapshotKeepsEntryDirty(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.ApplyRemote(ctx, sampleRecord("r1", 2), time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkLocalMutation(ctx, "r1", record.Private{Visited: true}); err != nil {
		t.Fatal(err)
	}
	// A second mutation lands while the first snapshot is being pushed.
	if err := s.MarkLocalMutation(ctx, "r1", record.Private{Visited: true, Favorite: true}); err != nil {
		t.Fatal(err)
	}

	if err := s.ConfirmPush(ctx, "r1", record.Private{Visited: true}, 3); err != nil {
		t.Fatal(err)
	}

	entry, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if !entry.Dirty {
		t.Error("newer mutation dropped by a stale confirm")
	}
	if entry.LastSyncedVersion != 3 || entry.Record.Version() != 3 {
		t.Errorf("versions = %d/%d, want 3/3", entry.LastSyncedVersion, entry.Record.Version())
	}
	if !entry.Record.Private().Favorite {
		t.Error("newer private value lost")
	}
	dirty, _ := s.DirtyEntries(ctx)
	if len(dirty) != 1 || dirty[0].Record.ID() != "r1" {
		t.Errorf("dirty set = %v, want [r1]", dirty)
	}

	if err := s.ConfirmPush(ctx, "r1", record.Private{Visited: true, Favorite: true}, 4); err != nil {
		t.Fatal(err)
	}
	entry, _ = s.Get(ctx, "r1")
	if entry.Dirty {
		t.Error("entry dirty after confirming the current snapshot")
	}
}

func TestMarkLocalMutation_Missing(t *testing.T) {
	s := openTestStore(t)
	err := s.MarkLocalMutation(context.Background(), "ghost", record.Private{})
	if !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestMergePreservesPrivateAcrossPull(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	if _, err := s.ApplyRemote(ctx, sampleRecord("r1", 2), now); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkLocalMutation(ctx, "r1", record.Private{Visited: true}); err != nil {
		t.Fatal(err)
	}

	applied, err := s.ApplyRemote(ctx, sampleRecord("r1", 4), now.Add(time.Minute))
	if err != nil || !applied {
		t.Fatalf("ApplyRemote = %v, %v", applied, err)
	}

	entry, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if !entry.Record.Private().Visited {
		t.Error("private field lost on pull merge")
	}
	if !entry.Dirty {
		t.Error("dirty flag must survive the pull: mutation still unpushed")
	}
	if entry.LastSyncedVersion != 4 {
		t.Errorf("LastSyncedVersion = %d, want 4", entry.LastSyncedVersion)
	}
}

func TestState_RoundTripAndFirstRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.LoadState(ctx); !errors.Is(err, cache.ErrNoState) {
		t.Fatalf("first LoadState = %v, want ErrNoState", err)
	}

	want := cache.State{
		Mode:           cache.ModeSyncing,
		LastFullSyncAt: time.Date(2026, 8, 30, 9, 30, 0, 0, time.UTC),
		Cursor:         17,
		PendingPushes:  []string{"r1", "r2"},
		DeviceID:       "dev-abc",
	}
	if err := s.SaveState(ctx, want); err != nil {
		t.Fatal(err)
	}
	// Overwrite must replace, not append.
	want.Mode = cache.ModeOnline
	if err := s.SaveState(ctx, want); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Mode != cache.ModeOnline || got.Cursor != 17 || got.DeviceID != "dev-abc" {
		t.Errorf("LoadState = %+v, want %+v", got, want)
	}
	if len(got.PendingPushes) != 2 {
		t.Errorf("pending pushes lost: %v", got.PendingPushes)
	}
}
