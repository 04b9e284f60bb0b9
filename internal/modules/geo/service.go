// README: Geo index answers nearby-driver queries with a box prefilter and exact haversine pass.
package geo

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"siren/internal/types"
)

const DefaultMaxResults = 20

var ErrInvalidQuery = errors.New("invalid nearby query")

type Index struct {
	source Source
}

func NewIndex(source Source) *Index {
	return &Index{source: source}
}

// FindNearby returns online drivers within radiusM of center, nearest first.
// maxResults of zero selects DefaultMaxResults.
func (x *Index) FindNearby(ctx context.Context, center types.Point, radiusM float64, maxResults int) ([]Nearby, error) {
	if !center.Valid() {
		return nil, fmt.Errorf("%w: center out of range", ErrInvalidQuery)
	}
	if !(radiusM > 0) || math.IsInf(radiusM, 1) {
		return nil, fmt.Errorf("%w: radius must be positive", ErrInvalidQuery)
	}
	if maxResults < 0 {
		return nil, fmt.Errorf("%w: max results must be positive", ErrInvalidQuery)
	}
	if maxResults == 0 {
		maxResults = DefaultMaxResults
	}

	box := BoundingBox(center, radiusM)
	candidates, err := x.source.OnlineWithin(ctx, box)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}

	out := make([]Nearby, 0, len(candidates))
	for _, p := range candidates {
		if !p.IsOnline || !p.Point.Valid() {
			continue
		}
		d := HaversineMeters(center, p.Point)
		if d > radiusM {
			continue
		}
		out = append(out, Nearby{
			DriverID:  p.DriverID,
			Point:     p.Point,
			LastSeen:  p.LastSeen,
			DistanceM: d,
		})
	}

	slices.SortFunc(out, func(a, b Nearby) int {
		if c := cmp.Compare(a.DistanceM, b.DistanceM); c != 0 {
			return c
		}
		return cmp.Compare(a.DriverID, b.DriverID)
	})
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}
