// README: Position reports and the append-only position history.
package location

import (
	"time"

	"siren/internal/types"
)

// Report is one position report from a driver device.
type Report struct {
	DriverID  types.ID
	Lat       float64
	Lng       float64
	IsOnline  bool
	Speed     *float64
	Heading   *float64
	Timestamp time.Time
}

type HistoryEntry struct {
	ID         int64
	DriverID   types.ID
	Point      types.Point
	Speed      *float64
	Heading    *float64
	RecordedAt time.Time
}
