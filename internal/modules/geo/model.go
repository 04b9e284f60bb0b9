// README: Driver positions and nearby-query results for the geo index.
package geo

import (
	"context"
	"time"

	"siren/internal/types"
)

// Position is the live, last-writer-wins position of one driver.
type Position struct {
	DriverID types.ID
	Point    types.Point
	IsOnline bool
	LastSeen time.Time
}

// Nearby is one ranked result of FindNearby.
type Nearby struct {
	DriverID  types.ID
	Point     types.Point
	LastSeen  time.Time
	DistanceM float64
}

// Source returns online drivers whose position falls inside the box.
// Implementations may over-include; the index applies the exact radius.
type Source interface {
	OnlineWithin(ctx context.Context, box Box) ([]Position, error)
}
