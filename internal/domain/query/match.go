package query

import (
	"slices"
	"strings"

	"github.com/fieldmark/fieldmark/internal/domain/geo"
	"github.com/fieldmark/fieldmark/internal/domain/record"
)

// Matches evaluates a record against the criteria, short-circuiting on the
// first failing predicate. Order: visibility, year range, tag sets, free
// text, proximity. A record with no coordinate always fails an active
// proximity filter.
func Matches(rec record.Record, c Criteria) bool {
	if !rec.Approved() {
		return false
	}

	shared := rec.Shared()

	if c.yearMin != nil && (shared.Founded == nil || *shared.Founded < *c.yearMin) {
		return false
	}
	if c.yearMax != nil && (shared.Founded == nil || *shared.Founded > *c.yearMax) {
		return false
	}

	if !tagMatches(shared.Style, c.styles) ||
		!tagMatches(shared.Classification, c.classifications) ||
		!tagMatches(shared.Jurisdiction, c.jurisdictions) {
		return false
	}

	if c.text != "" && !textMatches(shared, c.text) {
		return false
	}

	if c.proximity != nil {
		if shared.Coord == nil {
			return false
		}
		if geo.DistanceKm(*shared.Coord, c.proximity.Center) > c.proximity.RadiusKm {
			return false
		}
	}

	return true
}

// tagMatches reports whether the record tag is in the selected set; an empty
// set means the dimension is unfiltered.
func tagMatches(tag string, selected []string) bool {
	if len(selected) == 0 {
		return true
	}
	return slices.Contains(selected, strings.ToLower(tag))
}

// textMatches does a case-insensitive substring search over name and
// description.
func textMatches(shared record.Shared, text string) bool {
	needle := strings.ToLower(text)
	return strings.Contains(strings.ToLower(shared.Name), needle) ||
		strings.Contains(strings.ToLower(shared.Description), needle)
}
