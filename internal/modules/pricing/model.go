// README: Fare rates per ambulance type, trip quotes and estimate candidates.
package pricing

import (
	"time"

	"siren/internal/types"
)

const (
	defaultAvgSpeedKmh     = 25
	defaultEstimateResults = 6
	defaultCandidatePool   = 200
)

// Rate amounts are minor currency units; PerKm and PerMin are per unit.
type Rate struct {
	AmbulanceType string
	BaseFare      int64
	PerKm         int64
	PerMin        int64
	Currency      string
	UpdatedAt     time.Time
}

// Quote is a straight-line trip estimate.
type Quote struct {
	DistanceM float64
	EtaS      int
	EtaMin    int
	Fare      types.Money
}

type EstimateRequest struct {
	Pickup        types.Point
	Dropoff       *types.Point
	AmbulanceType string
}

type Candidate struct {
	DriverID    types.ID
	Name        string
	VehicleNo   string
	VehicleType string
	PhotoURL    *string
	Point       types.Point
	DistanceM   int
	EtaS        int
	EtaMin      int
	Fare        types.Money
}

type Estimate struct {
	Candidates []Candidate
	// Trip is the pickup to dropoff quote, present when a dropoff was given.
	Trip *Quote
}
