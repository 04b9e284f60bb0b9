// README: Ride aggregate, status flow and the in-lock rules shared by every store.
package ride

import (
	"fmt"
	"slices"
	"time"

	"siren/internal/types"
)

type Status string

const (
	StatusRequested Status = "requested"
	StatusMatching  Status = "matching"
	StatusAssigned  Status = "assigned"
	StatusAccepted  Status = "accepted"
	StatusArrived   Status = "arrived"
	StatusOnTrip    Status = "on_trip"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

type ActorType string

const (
	ActorRider  ActorType = "rider"
	ActorDriver ActorType = "driver"
	ActorSystem ActorType = "system"
)

// Transition names recorded in the audit log.
const (
	EventRequested      = "requested"
	EventAssigned       = "assigned"
	EventAccepted       = "accepted"
	EventArrived        = "arrived"
	EventTripStarted    = "trip_started"
	EventCompleted      = "completed"
	EventCancelled      = "cancelled"
	EventMatchingFailed = "matching_failed"
)

type Ride struct {
	ID                 types.ID
	RiderID            types.ID
	DriverID           *types.ID
	RequestedDriverID  *types.ID
	Status             Status
	StatusVersion      int
	AmbulanceType      string
	Pickup             types.Point
	PickupAddress      string
	Dropoff            *types.Point
	DropoffAddress     *string
	EstimateDistanceM  *int
	EstimateDurationS  *int
	EstimatedFare      *types.Money
	FinalFare          *types.Money
	CancellationReason *string
	RequestedAt        time.Time
	AssignedAt         *time.Time
	AcceptedAt         *time.Time
	ArrivedAt          *time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
}

// Event is one append-only audit row. FromStatus is empty for the creating row.
type Event struct {
	ID         int64
	RideID     types.ID
	EventType  string
	FromStatus Status
	ToStatus   Status
	ActorType  ActorType
	ActorID    *types.ID
	Data       map[string]any
	CreatedAt  time.Time
}

// AllowedTransitions represents the ride state flow as code. Terminal states
// have no entry.
var AllowedTransitions = map[Status][]Status{
	StatusRequested: {StatusMatching, StatusAssigned, StatusCancelled, StatusRejected},
	StatusMatching:  {StatusAssigned, StatusCancelled, StatusRejected},
	StatusAssigned:  {StatusAccepted, StatusCancelled, StatusRejected},
	StatusAccepted:  {StatusArrived, StatusCancelled, StatusRejected},
	StatusArrived:   {StatusOnTrip, StatusCancelled, StatusRejected},
	StatusOnTrip:    {StatusCompleted, StatusCancelled, StatusRejected},
}

func CanTransition(from, to Status) bool {
	return slices.Contains(AllowedTransitions[from], to)
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

// AssignOutcome is the arbiter's answer to a driver's accept.
type AssignOutcome int

const (
	AssignInvalidState AssignOutcome = iota
	Assigned
	AlreadyAssigned
)

func (o AssignOutcome) String() string {
	switch o {
	case Assigned:
		return "assigned"
	case AlreadyAssigned:
		return "already_assigned"
	case AssignInvalidState:
		return "invalid_state"
	}
	return fmt.Sprintf("AssignOutcome(%d)", int(o))
}

// decideAssign runs inside the ride lock. A missing ride is an invalid state.
func decideAssign(r *Ride) AssignOutcome {
	if r == nil || r.Status.Terminal() {
		return AssignInvalidState
	}
	if r.DriverID != nil || (r.Status != StatusRequested && r.Status != StatusMatching) {
		return AlreadyAssigned
	}
	return Assigned
}

// Guard is evaluated inside the ride lock before a transition is applied.
type Guard func(r *Ride) error

// Mutation describes one status change and the audit row it produces.
type Mutation struct {
	To        Status
	EventType string
	Actor     ActorType
	ActorID   *types.ID
	DriverID  *types.ID
	Data      map[string]any
	FinalFare *types.Money
	Reason    *string
	At        time.Time
}

// checkTransition is run in-lock after the caller's guard.
func checkTransition(r *Ride, to Status) error {
	if r.Status.Terminal() {
		return ErrInvalidState
	}
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrConflict, r.Status, to)
	}
	return nil
}

// applyMutation moves r to m.To in place and returns the audit row. Leaving
// the assigned states clears driver_id; the previous driver is kept in the
// event data.
func applyMutation(r *Ride, m Mutation) Event {
	from := r.Status
	at := m.At.UTC()
	data := make(map[string]any, len(m.Data)+1)
	for k, v := range m.Data {
		data[k] = v
	}

	r.Status = m.To
	r.StatusVersion++
	switch m.To {
	case StatusAssigned:
		r.DriverID = m.DriverID
		r.AssignedAt = &at
	case StatusAccepted:
		r.AcceptedAt = &at
	case StatusArrived:
		r.ArrivedAt = &at
	case StatusOnTrip:
		r.StartedAt = &at
	case StatusCompleted:
		r.CompletedAt = &at
		if m.FinalFare != nil {
			fare := *m.FinalFare
			if fare.Currency == "" {
				fare.Currency = currencyOf(r)
			}
			r.FinalFare = &fare
		}
	case StatusCancelled, StatusRejected:
		if m.To == StatusCancelled {
			r.CancelledAt = &at
		}
		if m.Reason != nil {
			reason := *m.Reason
			r.CancellationReason = &reason
		}
		if r.DriverID != nil {
			data["driver_id"] = string(*r.DriverID)
			r.DriverID = nil
		}
	}
	if len(data) == 0 {
		data = nil
	}

	return Event{
		RideID:     r.ID,
		EventType:  m.EventType,
		FromStatus: from,
		ToStatus:   m.To,
		ActorType:  m.Actor,
		ActorID:    m.ActorID,
		Data:       data,
		CreatedAt:  at,
	}
}

// activeDriverStatuses are the statuses whose ride group follows the driver's
// position.
var activeDriverStatuses = []Status{StatusAssigned, StatusAccepted, StatusOnTrip}
