// README: Base handler utilities (JSON helpers, error mapping, response views).
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"siren/internal/modules/geo"
	"siren/internal/modules/location"
	"siren/internal/modules/pricing"
	"siren/internal/modules/ride"
	"siren/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts uuids and provider uids.
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeRideError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ride.ErrBadRequest), errors.Is(err, ride.ErrInvalidPickup),
		errors.Is(err, location.ErrBadRequest), errors.Is(err, location.ErrInvalidCoordinates),
		errors.Is(err, pricing.ErrInvalidPickup), errors.Is(err, geo.ErrInvalidQuery):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, ride.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, ride.ErrNotFound), errors.Is(err, ride.ErrDriverNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ride.ErrInvalidState), errors.Is(err, ride.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

type pointBody struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

// point returns nil when either coordinate is missing.
func (p *pointBody) point() *types.Point {
	if p == nil || p.Lat == nil || p.Lng == nil {
		return nil
	}
	return &types.Point{Lat: *p.Lat, Lng: *p.Lng}
}

type pointView struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type moneyView struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

func money(m *types.Money) *moneyView {
	if m == nil {
		return nil
	}
	return &moneyView{Amount: m.Major(), Currency: m.Currency}
}

type rideView struct {
	ID                 types.ID   `json:"id"`
	RiderID            types.ID   `json:"rider_id"`
	DriverID           *types.ID  `json:"driver_id"`
	RequestedDriverID  *types.ID  `json:"requested_driver_id,omitempty"`
	Status             string     `json:"status"`
	StatusVersion      int        `json:"status_version"`
	AmbulanceType      string     `json:"ambulance_type,omitempty"`
	Pickup             pointView  `json:"pickup"`
	PickupAddress      string     `json:"pickup_address"`
	Dropoff            *pointView `json:"dropoff,omitempty"`
	DropoffAddress     *string    `json:"dropoff_address,omitempty"`
	EstimateDistanceM  *int       `json:"estimate_distance_m,omitempty"`
	EstimateDurationS  *int       `json:"estimate_duration_s,omitempty"`
	EstimatedFare      *moneyView `json:"estimated_fare,omitempty"`
	FinalFare          *moneyView `json:"final_fare,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	RequestedAt        time.Time  `json:"requested_at"`
	AssignedAt         *time.Time `json:"assigned_at,omitempty"`
	AcceptedAt         *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt          *time.Time `json:"arrived_at,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
}

func newRideView(r *ride.Ride) rideView {
	v := rideView{
		ID:                 r.ID,
		RiderID:            r.RiderID,
		DriverID:           r.DriverID,
		RequestedDriverID:  r.RequestedDriverID,
		Status:             string(r.Status),
		StatusVersion:      r.StatusVersion,
		AmbulanceType:      r.AmbulanceType,
		Pickup:             pointView{Lat: r.Pickup.Lat, Lng: r.Pickup.Lng},
		PickupAddress:      r.PickupAddress,
		DropoffAddress:     r.DropoffAddress,
		EstimateDistanceM:  r.EstimateDistanceM,
		EstimateDurationS:  r.EstimateDurationS,
		EstimatedFare:      money(r.EstimatedFare),
		FinalFare:          money(r.FinalFare),
		CancellationReason: r.CancellationReason,
		RequestedAt:        r.RequestedAt,
		AssignedAt:         r.AssignedAt,
		AcceptedAt:         r.AcceptedAt,
		ArrivedAt:          r.ArrivedAt,
		StartedAt:          r.StartedAt,
		CompletedAt:        r.CompletedAt,
		CancelledAt:        r.CancelledAt,
	}
	if r.Dropoff != nil {
		v.Dropoff = &pointView{Lat: r.Dropoff.Lat, Lng: r.Dropoff.Lng}
	}
	return v
}
