// Package geoloc abstracts position acquisition for proximity queries.
// A failed or slow fix disables proximity filtering; it never blocks or
// fails the query pipeline.
package geoloc

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldmark/fieldmark/internal/domain"
	"github.com/fieldmark/fieldmark/internal/domain/geo"
)

// Provider supplies the device position.
type Provider interface {
	// CurrentPosition returns the current coordinate, or one of
	// domain.ErrPermissionDenied, domain.ErrUnavailable, domain.ErrTimeout.
	CurrentPosition(ctx context.Context, timeout time.Duration) (geo.Coordinate, error)
}

// Static is a fixed-position provider for configured deployments and tests.
type Static struct {
	coord geo.Coordinate
	set   bool
}

// Compile-time check: Static implements Provider.
var _ Provider = (*Static)(nil)

// NewStatic creates a provider pinned to one coordinate.
func NewStatic(lat, lon float64) (*Static, error) {
	coord, err := geo.NewCoordinate(lat, lon)
	if err != nil {
		return nil, fmt.Errorf("static position: %w", err)
	}
	return &Static{coord: coord, set: true}, nil
}

// Unavailable creates a provider that always reports no position.
func Unavailable() *Static {
	return &Static{}
}

// CurrentPosition returns the pinned coordinate, or domain.ErrUnavailable
// when none is configured.
func (s *Static) CurrentPosition(ctx context.Context, _ time.Duration) (geo.Coordinate, error) {
	if err := ctx.Err(); err != nil {
		return geo.Coordinate{}, fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	if !s.set {
		return geo.Coordinate{}, domain.ErrUnavailable
	}
	return s.coord, nil
}
