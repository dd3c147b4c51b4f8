package query

import (
	"context"
	"errors"
	"testing"

	"github.com/fieldmark/fieldmark/internal/domain"
	"github.com/fieldmark/fieldmark/internal/domain/geo"
	domquery "github.com/fieldmark/fieldmark/internal/domain/query"
	"github.com/fieldmark/fieldmark/internal/domain/record"
)

type fakeReader struct {
	records []record.Record
	calls   int
	hook    func()
}

func (f *fakeReader) AllVisible(context.Context) ([]record.Record, error) {
	f.calls++
	if f.hook != nil {
		f.hook()
	}
	return f.records, nil
}

func rec(t *testing.T, id, name string, mod func(*record.Shared)) record.Record {
	t.Helper()
	shared := record.Shared{Name: name, Approved: true}
	if mod != nil {
		mod(&shared)
	}
	r, err := record.New(id, shared, record.Private{}, 1)
	if err != nil {
		t.Fatalf("record %s: %v", id, err)
	}
	return r
}

func intp(v int) *int { return &v }

func names(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Record.Shared().Name
	}
	return out
}

func equalNames(got []Result, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i, r := range got {
		if r.Record.Shared().Name != want[i] {
			return false
		}
	}
	return true
}

func TestEvaluate_DefaultNameSort(t *testing.T) {
	reader := &fakeReader{records: []record.Record{
		rec(t, "c", "carmen church", nil),
		rec(t, "a", "Baclayon Church", nil),
		rec(t, "b", "Alburquerque Church", nil),
	}}
	s := NewService(reader, nil, nil)

	results, err := s.Evaluate(context.Background(), domquery.Empty())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !equalNames(results, "Alburquerque Church", "Baclayon Church", "carmen church") {
		t.Errorf("order = %v", names(results))
	}
}

func TestEvaluate_YearSortNilLast(t *testing.T) {
	reader := &fakeReader{records: []record.Record{
		rec(t, "a", "Undated", nil),
		rec(t, "b", "Newer", func(s *record.Shared) { s.Founded = intp(1890) }),
		rec(t, "c", "Older", func(s *record.Shared) { s.Founded = intp(1727) }),
	}}
	s := NewService(reader, nil, nil)

	c, err := domquery.NewCriteria(domquery.Spec{Sort: domquery.SortYear})
	if err != nil {
		t.Fatal(err)
	}
	results, err := s.Evaluate(context.Background(), c)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !equalNames(results, "Older", "Newer", "Undated") {
		t.Errorf("order = %v", names(results))
	}
}

func TestEvaluate_DistanceSortComputesOnce(t *testing.T) {
	center := geo.Coordinate{Lat: 9.65, Lon: 123.85}
	reader := &fakeReader{records: []record.Record{
		rec(t, "far", "Far", func(s *record.Shared) {
			s.Coord = &geo.Coordinate{Lat: 9.65, Lon: 123.94}
		}),
		rec(t, "near", "Near", func(s *record.Shared) {
			s.Coord = &geo.Coordinate{Lat: 9.651, Lon: 123.851}
		}),
		rec(t, "out", "Outside", func(s *record.Shared) {
			s.Coord = &geo.Coordinate{Lat: 11.0, Lon: 125.0}
		}),
		rec(t, "nocoord", "Coordless", nil),
	}}
	s := NewService(reader, nil, nil)

	c, err := domquery.NewCriteria(domquery.Spec{
		Proximity: &domquery.Proximity{Center: center, RadiusKm: 15},
		Sort:      domquery.SortDistance,
	})
	if err != nil {
		t.Fatal(err)
	}
	results, err := s.Evaluate(context.Background(), c)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !equalNames(results, "Near", "Far") {
		t.Fatalf("order = %v", names(results))
	}
	if !results[0].HasDistance() || !results[1].HasDistance() {
		t.Error("distance missing from results")
	}
	if results[0].DistanceKm >= results[1].DistanceKm {
		t.Errorf("distances not ascending: %v, %v", results[0].DistanceKm, results[1].DistanceKm)
	}
	if results[1].DistanceKm < 9 || results[1].DistanceKm > 11 {
		t.Errorf("far distance = %v km, want ~9.9", results[1].DistanceKm)
	}
}

func TestEvaluate_ClassificationSort(t *testing.T) {
	reader := &fakeReader{records: []record.Record{
		rec(t, "a", "Town Hall", func(s *record.Shared) { s.Classification = "municipal" }),
		rec(t, "b", "Basilica", func(s *record.Shared) { s.Classification = "National" }),
		rec(t, "c", "Mystery", func(s *record.Shared) { s.Classification = "folk" }),
		rec(t, "d", "Capitol", func(s *record.Shared) { s.Classification = "provincial" }),
	}}
	s := NewService(reader, nil, nil)

	c, err := domquery.NewCriteria(domquery.Spec{Sort: domquery.SortClassification})
	if err != nil {
		t.Fatal(err)
	}
	results, err := s.Evaluate(context.Background(), c)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !equalNames(results, "Basilica", "Capitol", "Town Hall", "Mystery") {
		t.Errorf("order = %v", names(results))
	}
}

func TestEvaluate_MemoHitSkipsReader(t *testing.T) {
	reader := &fakeReader{records: []record.Record{rec(t, "a", "One", nil)}}
	s := NewService(reader, nil, nil)

	c1, _ := domquery.NewCriteria(domquery.Spec{Styles: []string{"Baroque", "gothic"}})
	c2, _ := domquery.NewCriteria(domquery.Spec{Styles: []string{"GOTHIC", "baroque", "baroque"}})

	if _, err := s.Evaluate(context.Background(), c1); err != nil {
		t.Fatal(err)
	}
	// Same normalized criteria despite casing and duplicate differences.
	if _, err := s.Evaluate(context.Background(), c2); err != nil {
		t.Fatal(err)
	}
	if reader.calls != 1 {
		t.Errorf("reader calls = %d, want 1 (memo hit)", reader.calls)
	}

	s.Invalidate()
	if _, err := s.Evaluate(context.Background(), c1); err != nil {
		t.Fatal(err)
	}
	if reader.calls != 2 {
		t.Errorf("reader calls = %d, want 2 after invalidation", reader.calls)
	}
}

func TestEvaluate_DifferentCriteriaMissMemo(t *testing.T) {
	reader := &fakeReader{records: []record.Record{rec(t, "a", "One", nil)}}
	s := NewService(reader, nil, nil)

	c1, _ := domquery.NewCriteria(domquery.Spec{Text: "church"})
	c2, _ := domquery.NewCriteria(domquery.Spec{Text: "fort"})

	if _, err := s.Evaluate(context.Background(), c1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Evaluate(context.Background(), c2); err != nil {
		t.Fatal(err)
	}
	if reader.calls != 2 {
		t.Errorf("reader calls = %d, want 2", reader.calls)
	}
}

func TestEvaluate_SupersededByNewerRequest(t *testing.T) {
	reader := &fakeReader{records: []record.Record{rec(t, "a", "One", nil)}}
	s := NewService(reader, nil, nil)
	// A newer evaluation starts while this one is reading the snapshot.
	reader.hook = func() { s.generation.Add(1) }

	_, err := s.Evaluate(context.Background(), domquery.Empty())
	if !errors.Is(err, domain.ErrSuperseded) {
		t.Errorf("error = %v, want ErrSuperseded", err)
	}

	// The superseded run must not have poisoned the memo.
	reader.hook = nil
	results, err := s.Evaluate(context.Background(), domquery.Empty())
	if err != nil {
		t.Fatalf("Evaluate after supersede: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("results = %d, want 1", len(results))
	}
	if reader.calls != 2 {
		t.Errorf("reader calls = %d, want 2", reader.calls)
	}
}

func TestEvaluate_FilterPipeline(t *testing.T) {
	reader := &fakeReader{records: []record.Record{
		rec(t, "a", "Baclayon Church", func(s *record.Shared) {
			s.Style = "Baroque"
			s.Founded = intp(1727)
			s.Jurisdiction = "Baclayon"
		}),
		rec(t, "b", "Loboc Church", func(s *record.Shared) {
			s.Style = "Baroque"
			s.Founded = intp(1602)
			s.Jurisdiction = "Loboc"
		}),
		rec(t, "c", "Modern Chapel", func(s *record.Shared) {
			s.Style = "Modernist"
			s.Founded = intp(1980)
		}),
	}}
	s := NewService(reader, nil, nil)

	c, err := domquery.NewCriteria(domquery.Spec{
		Styles:  []string{"baroque"},
		YearMin: intp(1700),
		Text:    "church",
	})
	if err != nil {
		t.Fatal(err)
	}
	results, err := s.Evaluate(context.Background(), c)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !equalNames(results, "Baclayon Church") {
		t.Errorf("results = %v", names(results))
	}
}
