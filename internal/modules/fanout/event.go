// README: Closed set of live-update events; each type validates its required fields on construction.
package fanout

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"siren/internal/types"
)

type EventType string

const (
	TypeLocationUpdate      EventType = "location.update"
	TypeRideRequest         EventType = "ride.request"
	TypeRideAssigned        EventType = "ride.assigned"
	TypeRideCancelled       EventType = "ride.cancelled"
	TypeMatchingFailed      EventType = "ride.matching_failed"
	TypeMatchingClosed      EventType = "ride.matching_closed"
	TypeAssignmentConfirmed EventType = "driver.assignment_confirmed"
)

var ErrInvalidEvent = errors.New("invalid event")

// Event is implemented only by the payload types in this file.
type Event interface {
	Type() EventType
	validate() error
}

func invalid(t EventType, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInvalidEvent, t, err)
}

func check[E Event](e E) (E, error) {
	if err := e.validate(); err != nil {
		return e, invalid(e.Type(), err)
	}
	return e, nil
}

// Encode renders the wire envelope {"type": ..., <fields>}.
func Encode(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if err := e.validate(); err != nil {
		return nil, invalid(e.Type(), err)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type(), err)
	}
	typ, _ := json.Marshal(string(e.Type()))
	fields["type"] = typ
	return json.Marshal(fields)
}

type LocationUpdate struct {
	DriverID types.ID  `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	IsOnline *bool     `json:"is_online,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

func NewLocationUpdate(driverID types.ID, at types.Point, online *bool, lastSeen time.Time) (LocationUpdate, error) {
	return check(LocationUpdate{DriverID: driverID, Lat: at.Lat, Lng: at.Lng, IsOnline: online, LastSeen: lastSeen})
}

func (LocationUpdate) Type() EventType { return TypeLocationUpdate }

func (e LocationUpdate) validate() error {
	switch {
	case e.DriverID == "":
		return errors.New("driver_id is required")
	case !(types.Point{Lat: e.Lat, Lng: e.Lng}).Valid():
		return errors.New("lat/lng out of range")
	case e.LastSeen.IsZero():
		return errors.New("last_seen is required")
	}
	return nil
}

type RideRequest struct {
	RideID        types.ID  `json:"ride_id"`
	Pickup        string    `json:"pickup"`
	PickupLat     float64   `json:"pickup_lat"`
	PickupLng     float64   `json:"pickup_lng"`
	Dropoff       *string   `json:"dropoff,omitempty"`
	AmbulanceType string    `json:"ambulance_type,omitempty"`
	DistanceM     *float64  `json:"distance_m,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
}

func NewRideRequest(e RideRequest) (RideRequest, error) { return check(e) }

func (RideRequest) Type() EventType { return TypeRideRequest }

func (e RideRequest) validate() error {
	switch {
	case e.RideID == "":
		return errors.New("ride_id is required")
	case !(types.Point{Lat: e.PickupLat, Lng: e.PickupLng}).Valid():
		return errors.New("pickup coordinates out of range")
	case e.DistanceM != nil && *e.DistanceM < 0:
		return errors.New("distance_m must not be negative")
	case e.RequestedAt.IsZero():
		return errors.New("requested_at is required")
	}
	return nil
}

// DriverCard is the public driver profile shown to the rider.
type DriverCard struct {
	ID          types.ID `json:"id"`
	Name        string   `json:"name"`
	Phone       string   `json:"phone"`
	VehicleNo   string   `json:"vehicle_no"`
	VehicleType string   `json:"vehicle_type"`
	PhotoURL    *string  `json:"photo_url"`
}

type RideAssigned struct {
	Driver DriverCard `json:"driver"`
	Lat    *float64   `json:"lat,omitempty"`
	Lng    *float64   `json:"lng,omitempty"`
	EtaMin *int       `json:"eta_min,omitempty"`
	Fare   *float64   `json:"fare,omitempty"`
}

func NewRideAssigned(e RideAssigned) (RideAssigned, error) { return check(e) }

func (RideAssigned) Type() EventType { return TypeRideAssigned }

func (e RideAssigned) validate() error {
	switch {
	case e.Driver.ID == "":
		return errors.New("driver.id is required")
	case e.Driver.Name == "":
		return errors.New("driver.name is required")
	case (e.Lat == nil) != (e.Lng == nil):
		return errors.New("lat and lng must be set together")
	case e.Lat != nil && !(types.Point{Lat: *e.Lat, Lng: *e.Lng}).Valid():
		return errors.New("lat/lng out of range")
	case e.EtaMin != nil && *e.EtaMin < 0:
		return errors.New("eta_min must not be negative")
	}
	return nil
}

type RideCancelled struct {
	RideID types.ID `json:"ride_id"`
}

func NewRideCancelled(rideID types.ID) (RideCancelled, error) {
	return check(RideCancelled{RideID: rideID})
}

func (RideCancelled) Type() EventType { return TypeRideCancelled }

func (e RideCancelled) validate() error { return requireRide(e.RideID) }

type MatchingFailed struct{}

func (MatchingFailed) Type() EventType { return TypeMatchingFailed }

func (MatchingFailed) validate() error { return nil }

// MatchingClosed tells a notified driver that the ride is no longer open.
type MatchingClosed struct {
	RideID types.ID `json:"ride_id"`
}

func NewMatchingClosed(rideID types.ID) (MatchingClosed, error) {
	return check(MatchingClosed{RideID: rideID})
}

func (MatchingClosed) Type() EventType { return TypeMatchingClosed }

func (e MatchingClosed) validate() error { return requireRide(e.RideID) }

type AssignmentConfirmed struct {
	RideID types.ID `json:"ride_id"`
}

func NewAssignmentConfirmed(rideID types.ID) (AssignmentConfirmed, error) {
	return check(AssignmentConfirmed{RideID: rideID})
}

func (AssignmentConfirmed) Type() EventType { return TypeAssignmentConfirmed }

func (e AssignmentConfirmed) validate() error { return requireRide(e.RideID) }

func requireRide(id types.ID) error {
	if id == "" {
		return errors.New("ride_id is required")
	}
	return nil
}
