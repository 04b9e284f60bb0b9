// README: Matching request snapshot and the defaults governing a broadcast dispatch.
package matching

import (
	"time"

	"siren/internal/types"
)

const (
	defaultRadiusM   = 10000
	defaultNotifyCap = 8
	// dispatch bookkeeping outlives any ride still in matching.
	defaultDispatchTTL = 24 * time.Hour
	pushTimeout        = 10 * time.Second
)

// Request is the pickup/dropoff snapshot a notified driver sees.
type Request struct {
	RideID        types.ID
	Pickup        string
	PickupPoint   types.Point
	Dropoff       *string
	AmbulanceType string
	RequestedAt   time.Time
}
