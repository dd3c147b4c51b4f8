// Package query defines the filter criteria value object and the predicate
// evaluator that tests cached records against it.
package query

import (
	"fmt"
	"slices"
	"strings"

	"github.com/fieldmark/fieldmark/internal/domain/geo"
)

// SortKey selects the result ordering.
type SortKey string

// Supported sort keys.
const (
	SortName           SortKey = "name"
	SortYear           SortKey = "year"
	SortDistance       SortKey = "distance"
	SortClassification SortKey = "classification"
)

// ParseSortKey validates a sort key string. Empty input defaults to SortName.
func ParseSortKey(s string) (SortKey, error) {
	switch SortKey(s) {
	case "":
		return SortName, nil
	case SortName, SortYear, SortDistance, SortClassification:
		return SortKey(s), nil
	default:
		return "", fmt.Errorf("unknown sort key %q", s)
	}
}

// Proximity is a radius-bounded inclusion test around a center coordinate.
type Proximity struct {
	Center   geo.Coordinate
	RadiusKm float64
}

// Criteria is an immutable filter/sort specification. Equality over every
// field drives result-cache invalidation, so constructors normalize tag sets.
type Criteria struct {
	yearMin         *int
	yearMax         *int
	styles          []string
	classifications []string
	jurisdictions   []string
	text            string
	proximity       *Proximity
	sort            SortKey
}

// Spec collects the raw inputs for NewCriteria.
type Spec struct {
	YearMin         *int
	YearMax         *int
	Styles          []string
	Classifications []string
	Jurisdictions   []string
	Text            string
	Proximity       *Proximity
	Sort            SortKey
}

// NewCriteria validates and creates a Criteria.
// An empty tag set means "no filter on that dimension". A distance sort
// requires an active proximity spec, since distance is undefined without a
// center.
func NewCriteria(spec Spec) (Criteria, error) {
	if spec.YearMin != nil && spec.YearMax != nil && *spec.YearMin > *spec.YearMax {
		return Criteria{}, fmt.Errorf("year range inverted: [%d, %d]", *spec.YearMin, *spec.YearMax)
	}
	if spec.Proximity != nil {
		if !geo.Valid(spec.Proximity.Center.Lat, spec.Proximity.Center.Lon) {
			return Criteria{}, fmt.Errorf("proximity center out of range: %v", spec.Proximity.Center)
		}
		if spec.Proximity.RadiusKm <= 0 {
			return Criteria{}, fmt.Errorf("proximity radius must be positive, got %v", spec.Proximity.RadiusKm)
		}
	}
	sort := spec.Sort
	if sort == "" {
		sort = SortName
	}
	switch sort {
	case SortName, SortYear, SortDistance, SortClassification:
	default:
		return Criteria{}, fmt.Errorf("unknown sort key %q", sort)
	}
	if sort == SortDistance && spec.Proximity == nil {
		return Criteria{}, fmt.Errorf("distance sort requires a proximity filter")
	}

	return Criteria{
		yearMin:         spec.YearMin,
		yearMax:         spec.YearMax,
		styles:          normalizeTags(spec.Styles),
		classifications: normalizeTags(spec.Classifications),
		jurisdictions:   normalizeTags(spec.Jurisdictions),
		text:            strings.TrimSpace(spec.Text),
		proximity:       spec.Proximity,
		sort:            sort,
	}, nil
}

// Empty returns the criteria that matches every approved record, sorted by name.
func Empty() Criteria {
	return Criteria{sort: SortName}
}

// YearMin returns the inclusive lower founding-year bound, or nil.
func (c Criteria) YearMin() *int { return c.yearMin }

// YearMax returns the inclusive upper founding-year bound, or nil.
func (c Criteria) YearMax() *int { return c.yearMax }

// Styles returns the selected style tags (empty = no filter).
func (c Criteria) Styles() []string { return c.styles }

// Classifications returns the selected classification tags (empty = no filter).
func (c Criteria) Classifications() []string { return c.classifications }

// Jurisdictions returns the selected jurisdiction tags (empty = no filter).
func (c Criteria) Jurisdictions() []string { return c.jurisdictions }

// Text returns the free-text query.
func (c Criteria) Text() string { return c.text }

// Proximity returns the proximity spec, or nil when proximity is inactive.
func (c Criteria) Proximity() *Proximity { return c.proximity }

// Sort returns the sort key.
func (c Criteria) Sort() SortKey { return c.sort }

// NeedsDistance reports whether evaluation must compute a per-record distance.
func (c Criteria) NeedsDistance() bool {
	return c.proximity != nil || c.sort == SortDistance
}

// Equal reports whether two criteria are equal in every field.
func (c Criteria) Equal(other Criteria) bool {
	if !intPtrEqual(c.yearMin, other.yearMin) || !intPtrEqual(c.yearMax, other.yearMax) {
		return false
	}
	if !slices.Equal(c.styles, other.styles) ||
		!slices.Equal(c.classifications, other.classifications) ||
		!slices.Equal(c.jurisdictions, other.jurisdictions) {
		return false
	}
	if c.text != other.text || c.sort != other.sort {
		return false
	}
	if (c.proximity == nil) != (other.proximity == nil) {
		return false
	}
	if c.proximity != nil && *c.proximity != *other.proximity {
		return false
	}
	return true
}

// normalizeTags lower-cases, dedupes, and sorts a tag set so criteria
// equality is insensitive to selection order.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return out
}

func intPtrEqual(a, b *int) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}
