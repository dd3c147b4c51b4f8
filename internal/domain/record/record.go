// Package record defines the catalog entity: a point of interest with a
// remote-owned shared field group and a user-private field group. The two
// groups are structurally disjoint so the sync merge rule (remote wins shared,
// local wins private) is a static invariant rather than a per-field check.
package record

import (
	"fmt"
	"regexp"

	"github.com/fieldmark/fieldmark/internal/domain/geo"
)

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Shared holds the fields owned canonically by the remote store. Clients
// never mutate them, so pulls overwrite them wholesale.
type Shared struct {
	Name           string
	Description    string
	Style          string
	Classification string
	Jurisdiction   string
	Founded        *int
	Coord          *geo.Coordinate
	Approved       bool
}

// Private holds user-private fields. The remote store never emits them for
// other users, so local values always survive a pull.
type Private struct {
	Visited  bool
	Favorite bool
}

// Record is one catalog entity (immutable value object).
type Record struct {
	id      string
	shared  Shared
	private Private
	version int64
}

// New validates and creates a Record.
// ID: ^[a-zA-Z0-9_-]+$, 1-256 chars. Name is required. A coordinate, when
// present, must be in range.
func New(id string, shared Shared, private Private, version int64) (Record, error) {
	if id == "" {
		return Record{}, fmt.Errorf("record ID is required")
	}
	if len(id) > 256 {
		return Record{}, fmt.Errorf("record ID too long (max 256)")
	}
	if !idRegex.MatchString(id) {
		return Record{}, fmt.Errorf("record ID must be alphanumeric with underscores and hyphens")
	}
	if shared.Name == "" {
		return Record{}, fmt.Errorf("record name is required")
	}
	if shared.Coord != nil && !geo.Valid(shared.Coord.Lat, shared.Coord.Lon) {
		return Record{}, fmt.Errorf("record coordinate out of range: %v", *shared.Coord)
	}
	if version < 0 {
		return Record{}, fmt.Errorf("record version must be non-negative, got %d", version)
	}
	return Record{id: id, shared: shared, private: private, version: version}, nil
}

// Reconstruct creates a Record without validation (storage hydration).
func Reconstruct(id string, shared Shared, private Private, version int64) Record {
	return Record{id: id, shared: shared, private: private, version: version}
}

// ID returns the stable record identifier.
func (r Record) ID() string { return r.id }

// Shared returns the remote-owned field group.
func (r Record) Shared() Shared { return r.shared }

// Private returns the user-private field group.
func (r Record) Private() Private { return r.private }

// Version returns the monotonic remote revision marker.
func (r Record) Version() int64 { return r.version }

// Approved reports whether the record is visible to queries.
func (r Record) Approved() bool { return r.shared.Approved }

// Coord returns the record coordinate, or nil if it has none.
func (r Record) Coord() *geo.Coordinate { return r.shared.Coord }

// WithShared returns a copy carrying the given shared group and version,
// preserving the private group. This is the pull-merge primitive.
func (r Record) WithShared(s Shared, version int64) Record {
	return Record{id: r.id, shared: s, private: r.private, version: version}
}

// WithPrivate returns a copy carrying the given private group, shared group
// and version untouched. This is the local-mutation primitive.
func (r Record) WithPrivate(p Private) Record {
	return Record{id: r.id, shared: r.shared, private: p, version: r.version}
}

// WithVersion returns a copy with the version advanced (push confirmation).
func (r Record) WithVersion(version int64) Record {
	return Record{id: r.id, shared: r.shared, private: r.private, version: version}
}

// classificationRank orders designations highest first for the
// classification-priority sort. Unknown classifications sort after all
// known ones.
var classificationRank = map[string]int{
	"national":   0,
	"regional":   1,
	"provincial": 2,
	"municipal":  3,
	"local":      4,
}

// ClassificationRank returns the sort rank of a classification tag.
func ClassificationRank(classification string) int {
	if rank, ok := classificationRank[classification]; ok {
		return rank
	}
	return len(classificationRank)
}
