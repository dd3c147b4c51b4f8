// Package cluster groups query results into viewport-scaled spatial clusters
// for map rendering. Clustering is grid-based and fully deterministic: the
// same records and viewport always yield the same clusters.
package cluster

import (
	"fmt"
	"math"
	"sort"

	"github.com/fieldmark/fieldmark/internal/domain/geo"
	"github.com/fieldmark/fieldmark/internal/domain/record"
)

// Grid sizing bounds. The cell edge halves per zoom level, so MaxZoom caps
// how fine the grid gets.
const (
	DefaultBaseCellDeg = 45.0
	MaxZoom            = 18
)

// Viewport is the visible map region plus zoom level.
type Viewport struct {
	MinLat float64
	MinLon float64
	MaxLat float64
	MaxLon float64
	Zoom   int
}

// NewViewport validates and creates a Viewport.
func NewViewport(minLat, minLon, maxLat, maxLon float64, zoom int) (Viewport, error) {
	if !geo.Valid(minLat, minLon) || !geo.Valid(maxLat, maxLon) {
		return Viewport{}, fmt.Errorf("viewport corner out of range")
	}
	if minLat >= maxLat || minLon >= maxLon {
		return Viewport{}, fmt.Errorf("viewport bounds inverted")
	}
	if zoom < 0 || zoom > MaxZoom {
		return Viewport{}, fmt.Errorf("zoom must be in [0, %d], got %d", MaxZoom, zoom)
	}
	return Viewport{MinLat: minLat, MinLon: minLon, MaxLat: maxLat, MaxLon: maxLon, Zoom: zoom}, nil
}

// Contains reports whether a coordinate lies inside the viewport.
func (v Viewport) Contains(c geo.Coordinate) bool {
	return c.Lat >= v.MinLat && c.Lat <= v.MaxLat && c.Lon >= v.MinLon && c.Lon <= v.MaxLon
}

// Cluster is a transient aggregation of records sharing a grid cell. Never
// persisted; recomputed per query and viewport.
type Cluster struct {
	Centroid    geo.Coordinate
	MemberIDs   []string
	BoundRadius float64 // km from centroid to farthest member
}

// Singleton reports whether the cluster renders as an individual marker.
func (c Cluster) Singleton() bool { return len(c.MemberIDs) == 1 }

// Grid builds clusters with a configurable base cell size.
type Grid struct {
	baseCellDeg float64
}

// NewGrid creates a Grid. baseCellDeg is the cell edge in degrees at zoom 0;
// non-positive values fall back to DefaultBaseCellDeg.
func NewGrid(baseCellDeg float64) Grid {
	if baseCellDeg <= 0 {
		baseCellDeg = DefaultBaseCellDeg
	}
	return Grid{baseCellDeg: baseCellDeg}
}

// CellSizeDeg returns the grid cell edge in degrees for a zoom level:
// base / 2^zoom, so the grid is coarser at low zoom.
func (g Grid) CellSizeDeg(zoom int) float64 {
	if zoom < 0 {
		zoom = 0
	}
	if zoom > MaxZoom {
		zoom = MaxZoom
	}
	return g.baseCellDeg / math.Pow(2, float64(zoom))
}

type cellKey struct {
	row int
	col int
}

// Build partitions the viewport into cells and merges each cell's records
// into one cluster. Records outside the viewport or without a coordinate are
// skipped. Output is ordered by cell (row, then column); members keep input
// order, so the result is stable for a fixed input.
func (g Grid) Build(records []record.Record, vp Viewport) []Cluster {
	cell := g.CellSizeDeg(vp.Zoom)

	cells := make(map[cellKey][]record.Record)
	order := make([]cellKey, 0)
	for _, rec := range records {
		coord := rec.Coord()
		if coord == nil || !vp.Contains(*coord) {
			continue
		}
		key := cellKey{
			row: int(math.Floor((coord.Lat - vp.MinLat) / cell)),
			col: int(math.Floor((coord.Lon - vp.MinLon) / cell)),
		}
		if _, seen := cells[key]; !seen {
			order = append(order, key)
		}
		cells[key] = append(cells[key], rec)
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].row != order[j].row {
			return order[i].row < order[j].row
		}
		return order[i].col < order[j].col
	})

	clusters := make([]Cluster, 0, len(order))
	for _, key := range order {
		clusters = append(clusters, buildCluster(cells[key]))
	}
	return clusters
}

// buildCluster computes the centroid as the arithmetic mean of member
// coordinates and the bounding radius as the farthest member distance.
func buildCluster(members []record.Record) Cluster {
	var sumLat, sumLon float64
	ids := make([]string, 0, len(members))
	for _, rec := range members {
		coord := rec.Coord()
		sumLat += coord.Lat
		sumLon += coord.Lon
		ids = append(ids, rec.ID())
	}
	centroid := geo.Coordinate{
		Lat: sumLat / float64(len(members)),
		Lon: sumLon / float64(len(members)),
	}

	var radius float64
	for _, rec := range members {
		if d := geo.DistanceKm(centroid, *rec.Coord()); d > radius {
			radius = d
		}
	}

	return Cluster{Centroid: centroid, MemberIDs: ids, BoundRadius: radius}
}
