package cache

import (
	"testing"
	"time"

	"github.com/fieldmark/fieldmark/internal/domain/record"
)

func TestMerge_NewRecord(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	remote := record.Reconstruct("r1", record.Shared{Name: "New", Approved: true}, record.Private{}, 4)

	entry, applied := Merge(nil, remote, now)
	if !applied {
		t.Fatal("new record should always apply")
	}
	if entry.LastSyncedVersion != 4 || !entry.LastFetchedAt.Equal(now) || entry.Dirty {
		t.Errorf("unexpected entry metadata: %+v", entry)
	}
}

func TestMerge_DiscardsStaleVersion(t *testing.T) {
	now := time.Now()
	existing := Entry{
		Record:            record.Reconstruct("r1", record.Shared{Name: "Current"}, record.Private{}, 5),
		LastSyncedVersion: 5,
		LastFetchedAt:     now.Add(-time.Hour),
	}

	for _, staleVersion := range []int64{3, 5} {
		remote := record.Reconstruct("r1", record.Shared{Name: "Stale"}, record.Private{}, staleVersion)
		entry, applied := Merge(&existing, remote, now)
		if applied {
			t.Errorf("version %d should be discarded against synced version 5", staleVersion)
		}
		if entry.Record.Shared().Name != "Current" {
			t.Errorf("discarded merge must leave the entry untouched: %+v", entry)
		}
	}
}

func TestMerge_RemoteWinsSharedLocalWinsPrivate(t *testing.T) {
	now := time.Now()
	existing := Entry{
		Record: record.Reconstruct("r1",
			record.Shared{Name: "Old Name", Style: "Baroque"},
			record.Private{Visited: true, Favorite: true}, 2),
		LastSyncedVersion: 2,
		Dirty:             true,
		LastFetchedAt:     now.Add(-time.Hour),
	}
	remote := record.Reconstruct("r1",
		record.Shared{Name: "Renamed", Style: "Gothic", Approved: true},
		record.Private{}, 6)

	entry, applied := Merge(&existing, remote, now)
	if !applied {
		t.Fatal("newer remote version should apply")
	}
	if entry.Record.Shared().Name != "Renamed" || entry.Record.Shared().Style != "Gothic" {
		t.Errorf("remote shared fields must win: %+v", entry.Record.Shared())
	}
	if p := entry.Record.Private(); !p.Visited || !p.Favorite {
		t.Errorf("local private fields must survive the pull: %+v", p)
	}
	if !entry.Dirty {
		t.Error("dirty flag must survive: the private mutation is still unpushed")
	}
	if entry.LastSyncedVersion != 6 || !entry.LastFetchedAt.Equal(now) {
		t.Errorf("sync metadata not advanced: %+v", entry)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	now := time.Now()
	remote := record.Reconstruct("r1", record.Shared{Name: "Once", Approved: true}, record.Private{}, 3)

	first, applied := Merge(nil, remote, now)
	if !applied {
		t.Fatal("first apply failed")
	}
	second, applied := Merge(&first, remote, now.Add(time.Minute))
	if applied {
		t.Error("re-applying the same pull result must be a no-op")
	}
	if second != first {
		t.Errorf("entry changed on replay: %+v vs %+v", second, first)
	}
}

func TestEntry_Queryable(t *testing.T) {
	approved := record.Reconstruct("a", record.Shared{Name: "a", Approved: true}, record.Private{}, 1)
	hidden := record.Reconstruct("h", record.Shared{Name: "h"}, record.Private{}, 1)

	tests := []struct {
		name  string
		entry Entry
		want  bool
	}{
		{"fetched and approved", Entry{Record: approved, LastFetchedAt: time.Now()}, true},
		{"never fetched", Entry{Record: approved}, false},
		{"fetched but hidden", Entry{Record: hidden, LastFetchedAt: time.Now()}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.Queryable(); got != tt.want {
				t.Errorf("Queryable = %v, want %v", got, tt.want)
			}
		})
	}
}
