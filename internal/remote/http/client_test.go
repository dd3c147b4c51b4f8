package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fieldmark/fieldmark/internal/domain"
	"github.com/fieldmark/fieldmark/internal/domain/record"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, DeviceID: "dev-test"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestFetchSince(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/records" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("since"); got != "42" {
			t.Errorf("since = %s, want 42", got)
		}
		if got := r.Header.Get("X-Device-ID"); got != "dev-test" {
			t.Errorf("X-Device-ID = %s", got)
		}
		lat, lon := 9.65, 123.85
		_ = json.NewEncoder(w).Encode(changesResponse{
			Records: []wireRecord{
				{ID: "r1", Name: "One", Approved: true, Lat: &lat, Lon: &lon, Version: 43},
				{ID: "r2", Name: "Two", Approved: true, Version: 44},
			},
			Cursor: 44,
			More:   true,
		})
	})

	cs, err := c.FetchSince(context.Background(), 42)
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(cs.Records) != 2 || cs.Cursor != 44 || !cs.More {
		t.Fatalf("changeset = %+v", cs)
	}
	if cs.Records[0].Coord() == nil || cs.Records[0].Coord().Lat != 9.65 {
		t.Errorf("coordinate lost in transit: %+v", cs.Records[0].Coord())
	}
	if cs.Records[1].Coord() != nil {
		t.Error("coordinate invented for coordless record")
	}
}

func TestFetchSince_MalformedRecordSkipped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(changesResponse{
			Records: []wireRecord{
				{ID: "bad", Version: 7}, // no name, fails validation
				{ID: "r1", Name: "One", Approved: true, Version: 8},
			},
			Cursor: 8,
		})
	})

	cs, err := c.FetchSince(context.Background(), 0)
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(cs.Records) != 1 || cs.Records[0].ID() != "r1" {
		t.Fatalf("records = %+v, want only r1", cs.Records)
	}
	// The cursor still advances, so later pulls are not stuck behind the
	// bad record.
	if cs.Cursor != 8 {
		t.Errorf("cursor = %d, want 8", cs.Cursor)
	}
}

func TestFetchSince_Unreachable(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.FetchSince(context.Background(), 0)
	if !errors.Is(err, domain.ErrUnreachable) {
		t.Errorf("error = %v, want ErrUnreachable", err)
	}
}

func TestFetchSince_ServerErrorIsUnreachable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.FetchSince(context.Background(), 0)
	if !errors.Is(err, domain.ErrUnreachable) {
		t.Errorf("error = %v, want ErrUnreachable", err)
	}
}

func TestPush(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/v1/records/r1/marks" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !req.Visited || req.BaseVersion != 5 {
			t.Errorf("push payload = %+v", req)
		}
		_ = json.NewEncoder(w).Encode(pushResponse{Version: 6})
	})

	rec := record.Reconstruct("r1", record.Shared{Name: "One"}, record.Private{Visited: true}, 5)
	version, err := c.Push(context.Background(), rec)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if version != 6 {
		t.Errorf("version = %d, want 6", version)
	}
}

func TestPush_Conflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(pushResponse{Version: 9})
	})

	rec := record.Reconstruct("r1", record.Shared{Name: "One"}, record.Private{}, 5)
	_, err := c.Push(context.Background(), rec)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("error = %v, want ErrConflict", err)
	}
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) || conflict.RemoteVersion != 9 {
		t.Errorf("conflict detail missing: %v", err)
	}
}
