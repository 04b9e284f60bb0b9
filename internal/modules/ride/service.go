// README: Ride service: booking, broadcast matching, the assignment arbiter, progress and cancellation.
package ride

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"siren/internal/config"
	"siren/internal/modules/driver"
	"siren/internal/modules/fanout"
	"siren/internal/modules/geo"
	"siren/internal/modules/matching"
	"siren/internal/modules/pricing"
	"siren/internal/types"
)

const (
	defaultCurrency = "INR"
	reapBatch       = 100
)

var (
	ErrInvalidPickup  = errors.New("invalid pickup")
	ErrNotFound       = errors.New("ride not found")
	ErrInvalidState   = errors.New("invalid state transition")
	ErrConflict       = errors.New("ride state conflict")
	ErrForbidden      = errors.New("not allowed for this ride")
	ErrBadRequest     = errors.New("bad request")
	ErrDriverNotFound = errors.New("driver not found")
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req matching.Request) (int, error)
	Offer(ctx context.Context, driverID types.ID, req matching.Request) error
	CloseMatching(ctx context.Context, rideID, winner types.ID)
}

type Publisher interface {
	Publish(ctx context.Context, g fanout.Group, e fanout.Event) error
}

type Profiles interface {
	Profile(ctx context.Context, id types.ID) (driver.Profile, error)
}

type Positions interface {
	GetPosition(ctx context.Context, driverID types.ID) (geo.Position, bool, error)
}

type Quoter interface {
	Quote(ctx context.Context, ambulanceType string, distanceM float64) (pricing.Quote, error)
}

// Deps wires the service. Profiles, Positions and Quoter are optional.
type Deps struct {
	Store      Store
	Dispatcher Dispatcher
	Publisher  Publisher
	Profiles   Profiles
	Positions  Positions
	Quoter     Quoter
	Matching   config.MatchingConfig
	Logger     *zap.Logger
}

type Service struct {
	store      Store
	dispatcher Dispatcher
	publisher  Publisher
	profiles   Profiles
	positions  Positions
	quoter     Quoter
	cfg        config.MatchingConfig
	log        *zap.Logger
	now        func() time.Time
}

func NewService(d Deps) *Service {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:      d.Store,
		dispatcher: d.Dispatcher,
		publisher:  d.Publisher,
		profiles:   d.Profiles,
		positions:  d.Positions,
		quoter:     d.Quoter,
		cfg:        d.Matching,
		log:        log,
		now:        time.Now,
	}
}

type BookCommand struct {
	RiderID        types.ID
	DriverID       types.ID
	Pickup         *types.Point
	PickupAddress  string
	Dropoff        *types.Point
	DropoffAddress *string
	AmbulanceType  string
}

type BroadcastCommand struct {
	RiderID        types.ID
	Pickup         *types.Point
	PickupAddress  string
	Dropoff        *types.Point
	DropoffAddress *string
	AmbulanceType  string
}

type RespondCommand struct {
	RideID   types.ID
	DriverID types.ID
	Accept   bool
}

type CancelCommand struct {
	RideID  types.ID
	RiderID types.ID
	Reason  string
}

// Book creates a direct booking in requested and offers it to the chosen driver.
func (s *Service) Book(ctx context.Context, cmd BookCommand) (*Ride, error) {
	if cmd.RiderID == "" || cmd.DriverID == "" {
		return nil, ErrBadRequest
	}
	if s.profiles != nil {
		if _, err := s.profiles.Profile(ctx, cmd.DriverID); err != nil {
			if errors.Is(err, driver.ErrNotFound) {
				return nil, ErrDriverNotFound
			}
			return nil, err
		}
	}
	target := cmd.DriverID
	r, err := s.create(ctx, StatusRequested, &target, cmd.RiderID, cmd.Pickup, cmd.PickupAddress, cmd.Dropoff, cmd.DropoffAddress, cmd.AmbulanceType)
	if err != nil {
		return nil, err
	}
	if err := s.dispatcher.Offer(ctx, cmd.DriverID, matchingRequest(r)); err != nil {
		s.log.Warn("offer to requested driver failed",
			zap.String("ride_id", string(r.ID)),
			zap.String("driver_id", string(cmd.DriverID)),
			zap.Error(err))
	}
	return r, nil
}

// Broadcast creates a ride in matching and notifies nearby drivers. The ride
// exists even when no driver could be notified.
func (s *Service) Broadcast(ctx context.Context, cmd BroadcastCommand) (*Ride, int, error) {
	if cmd.RiderID == "" {
		return nil, 0, ErrBadRequest
	}
	r, err := s.create(ctx, StatusMatching, nil, cmd.RiderID, cmd.Pickup, cmd.PickupAddress, cmd.Dropoff, cmd.DropoffAddress, cmd.AmbulanceType)
	if err != nil {
		return nil, 0, err
	}
	n, err := s.dispatcher.Dispatch(ctx, matchingRequest(r))
	if err != nil {
		s.log.Warn("dispatch failed", zap.String("ride_id", string(r.ID)), zap.Error(err))
	}
	return r, n, nil
}

func (s *Service) create(ctx context.Context, status Status, requested *types.ID, riderID types.ID,
	pickup *types.Point, pickupAddr string, dropoff *types.Point, dropoffAddr *string, ambulanceType string,
) (*Ride, error) {
	if pickup == nil || !pickup.Valid() {
		return nil, ErrInvalidPickup
	}
	if dropoff != nil && !dropoff.Valid() {
		return nil, fmt.Errorf("%w: dropoff out of range", ErrBadRequest)
	}
	at := pickup.Quantize()
	pickup = &at
	if dropoff != nil {
		to := dropoff.Quantize()
		dropoff = &to
	}

	now := s.now().UTC()
	r := &Ride{
		ID:                types.ID(uuid.NewString()),
		RiderID:           riderID,
		RequestedDriverID: requested,
		Status:            status,
		AmbulanceType:     ambulanceType,
		Pickup:            *pickup,
		PickupAddress:     pickupAddr,
		Dropoff:           dropoff,
		DropoffAddress:    dropoffAddr,
		RequestedAt:       now,
	}
	if dropoff != nil && s.quoter != nil {
		q, err := s.quoter.Quote(ctx, ambulanceType, geo.HaversineMeters(*pickup, *dropoff))
		if err != nil {
			s.log.Warn("trip estimate failed", zap.Error(err))
		} else {
			dist := int(math.Round(q.DistanceM))
			fare := q.Fare
			r.EstimateDistanceM = &dist
			r.EstimateDurationS = &q.EtaS
			r.EstimatedFare = &fare
		}
	}

	rider := riderID
	ev := &Event{
		RideID:    r.ID,
		EventType: EventRequested,
		ToStatus:  status,
		ActorType: ActorRider,
		ActorID:   &rider,
		CreatedAt: now,
	}
	if requested != nil {
		ev.Data = map[string]any{"requested_driver_id": string(*requested)}
	}
	if err := s.store.Create(ctx, r, ev); err != nil {
		return nil, err
	}
	s.log.Info("ride created",
		zap.String("ride_id", string(r.ID)),
		zap.String("status", string(status)),
		zap.String("rider_id", string(riderID)))
	return r, nil
}

// RespondResult is the answer to a driver's accept or reject.
type RespondResult struct {
	Declined bool
	Outcome  AssignOutcome
}

func (r RespondResult) Assigned() bool { return !r.Declined && r.Outcome == Assigned }

// Respond handles a driver's answer to a ride request. A reject is only
// logged; an accept goes through the arbiter.
func (s *Service) Respond(ctx context.Context, cmd RespondCommand) (RespondResult, error) {
	if cmd.RideID == "" || cmd.DriverID == "" {
		return RespondResult{}, ErrBadRequest
	}
	if !cmd.Accept {
		if _, err := s.store.Get(ctx, cmd.RideID); err != nil {
			return RespondResult{}, err
		}
		s.log.Info("driver declined ride",
			zap.String("ride_id", string(cmd.RideID)),
			zap.String("driver_id", string(cmd.DriverID)))
		return RespondResult{Declined: true}, nil
	}
	outcome, err := s.TryAssign(ctx, cmd.RideID, cmd.DriverID)
	if err != nil {
		return RespondResult{}, err
	}
	return RespondResult{Outcome: outcome}, nil
}

// TryAssign gives the ride to driverID if it is still open. Losing the race or
// finding the ride closed is reported through the outcome, not an error.
func (s *Service) TryAssign(ctx context.Context, rideID, driverID types.ID) (AssignOutcome, error) {
	// requested_driver_id never changes after creation
	current, err := s.store.Get(ctx, rideID)
	if errors.Is(err, ErrNotFound) {
		return AssignInvalidState, nil
	}
	if err != nil {
		return AssignInvalidState, err
	}
	if current.RequestedDriverID != nil && *current.RequestedDriverID != driverID {
		return AssignInvalidState, ErrForbidden
	}

	r, outcome, err := s.store.TryAssign(ctx, rideID, driverID, s.now())
	if err != nil {
		return AssignInvalidState, err
	}
	s.log.Info("assignment attempt",
		zap.String("ride_id", string(rideID)),
		zap.String("driver_id", string(driverID)),
		zap.Stringer("outcome", outcome))
	if outcome == Assigned {
		s.announceAssignment(ctx, r, driverID)
	}
	return outcome, nil
}

func (s *Service) announceAssignment(ctx context.Context, r *Ride, driverID types.ID) {
	evt := fanout.RideAssigned{Driver: s.driverCard(ctx, driverID)}
	if s.positions != nil {
		pos, ok, err := s.positions.GetPosition(ctx, driverID)
		if err != nil {
			s.log.Warn("driver position lookup failed", zap.String("driver_id", string(driverID)), zap.Error(err))
		}
		if ok {
			lat, lng := pos.Point.Lat, pos.Point.Lng
			evt.Lat, evt.Lng = &lat, &lng
			if s.quoter != nil {
				if q, err := s.quoter.Quote(ctx, r.AmbulanceType, geo.HaversineMeters(pos.Point, r.Pickup)); err == nil {
					eta := q.EtaMin
					evt.EtaMin = &eta
				}
			}
		}
	}
	if r.EstimatedFare != nil {
		fare := r.EstimatedFare.Major()
		evt.Fare = &fare
	}

	if assigned, err := fanout.NewRideAssigned(evt); err != nil {
		s.log.Error("build ride.assigned", zap.Error(err))
	} else {
		s.publish(ctx, fanout.RideGroup(r.ID), assigned)
	}
	if confirmed, err := fanout.NewAssignmentConfirmed(r.ID); err != nil {
		s.log.Error("build driver.assignment_confirmed", zap.Error(err))
	} else {
		s.publish(ctx, fanout.DriverGroup(driverID), confirmed)
	}
	s.dispatcher.CloseMatching(ctx, r.ID, driverID)
}

func (s *Service) driverCard(ctx context.Context, driverID types.ID) fanout.DriverCard {
	card := fanout.DriverCard{ID: driverID, Name: string(driverID)}
	if s.profiles == nil {
		return card
	}
	p, err := s.profiles.Profile(ctx, driverID)
	if err != nil {
		if !errors.Is(err, driver.ErrNotFound) {
			s.log.Warn("driver profile lookup failed", zap.String("driver_id", string(driverID)), zap.Error(err))
		}
		return card
	}
	if p.Name != "" {
		card.Name = p.Name
	}
	card.Phone = p.Phone
	card.VehicleNo = p.VehicleNo
	card.VehicleType = p.VehicleType
	card.PhotoURL = p.PhotoURL
	return card
}

// Cancel is rider-initiated and allowed from any non-terminal state.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Ride, error) {
	if cmd.RideID == "" || cmd.RiderID == "" {
		return nil, ErrBadRequest
	}
	rider := cmd.RiderID
	m := Mutation{
		To:        StatusCancelled,
		EventType: EventCancelled,
		Actor:     ActorRider,
		ActorID:   &rider,
		At:        s.now(),
	}
	if cmd.Reason != "" {
		m.Reason = &cmd.Reason
	}
	before, after, err := s.store.Transition(ctx, cmd.RideID, m, func(r *Ride) error {
		if r.RiderID != cmd.RiderID {
			return ErrForbidden
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	evt, err := fanout.NewRideCancelled(after.ID)
	if err != nil {
		return after, err
	}
	s.publish(ctx, fanout.RideGroup(after.ID), evt)
	if before.DriverID != nil {
		s.publish(ctx, fanout.DriverGroup(*before.DriverID), evt)
	}
	if before.Status == StatusRequested || before.Status == StatusMatching {
		s.dispatcher.CloseMatching(ctx, after.ID, "")
	}
	s.log.Info("ride cancelled",
		zap.String("ride_id", string(after.ID)),
		zap.String("from", string(before.Status)))
	return after, nil
}

func (s *Service) Accept(ctx context.Context, rideID, driverID types.ID) (*Ride, error) {
	return s.progress(ctx, rideID, driverID, StatusAccepted, EventAccepted, nil)
}

func (s *Service) Arrive(ctx context.Context, rideID, driverID types.ID) (*Ride, error) {
	return s.progress(ctx, rideID, driverID, StatusArrived, EventArrived, nil)
}

func (s *Service) Start(ctx context.Context, rideID, driverID types.ID) (*Ride, error) {
	return s.progress(ctx, rideID, driverID, StatusOnTrip, EventTripStarted, nil)
}

// Complete ends the trip; finalFare may be nil. A fare without a currency
// takes the estimate's, and a fare in a different currency is refused.
func (s *Service) Complete(ctx context.Context, rideID, driverID types.ID, finalFare *types.Money) (*Ride, error) {
	if finalFare != nil && finalFare.Amount < 0 {
		return nil, fmt.Errorf("%w: negative fare", ErrBadRequest)
	}
	return s.progress(ctx, rideID, driverID, StatusCompleted, EventCompleted, finalFare)
}

func (s *Service) progress(ctx context.Context, rideID, driverID types.ID, to Status, eventType string, finalFare *types.Money) (*Ride, error) {
	if rideID == "" || driverID == "" {
		return nil, ErrBadRequest
	}
	d := driverID
	_, after, err := s.store.Transition(ctx, rideID, Mutation{
		To:        to,
		EventType: eventType,
		Actor:     ActorDriver,
		ActorID:   &d,
		FinalFare: finalFare,
		At:        s.now(),
	}, func(r *Ride) error {
		if r.DriverID == nil {
			return ErrInvalidState
		}
		if *r.DriverID != driverID {
			return ErrForbidden
		}
		if finalFare != nil && finalFare.Currency != "" && r.EstimatedFare != nil &&
			finalFare.Currency != r.EstimatedFare.Currency {
			return fmt.Errorf("%w: fare currency %s, estimate in %s", ErrBadRequest, finalFare.Currency, r.EstimatedFare.Currency)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("ride progressed",
		zap.String("ride_id", string(rideID)),
		zap.String("status", string(to)))
	return after, nil
}

// ExpireMatching rejects rides that have been matching since before
// now-olderThan and tells their riders matching failed.
func (s *Service) ExpireMatching(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := s.store.MatchingBefore(ctx, s.now().Add(-olderThan), reapBatch)
	if err != nil {
		return 0, err
	}
	reason := EventMatchingFailed
	expired := 0
	for _, id := range ids {
		_, after, err := s.store.Transition(ctx, id, Mutation{
			To:        StatusRejected,
			EventType: EventMatchingFailed,
			Actor:     ActorSystem,
			Reason:    &reason,
			At:        s.now(),
		}, func(r *Ride) error {
			if r.Status != StatusMatching {
				return ErrConflict
			}
			return nil
		})
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidState) || errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
		s.publish(ctx, fanout.RideGroup(after.ID), fanout.MatchingFailed{})
		s.dispatcher.CloseMatching(ctx, after.ID, "")
	}
	return expired, nil
}

// RunMatchingReaper expires stale matching rides until ctx is done. It returns
// immediately when no timeout is configured.
func (s *Service) RunMatchingReaper(ctx context.Context) {
	if s.cfg.TimeoutSeconds <= 0 {
		return
	}
	timeout := time.Duration(s.cfg.TimeoutSeconds) * time.Second
	tick := time.Duration(s.cfg.ReapTickSeconds) * time.Second
	if tick <= 0 {
		tick = 30 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireMatching(ctx, timeout)
			if err != nil {
				s.log.Warn("matching reaper failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("matching rides expired", zap.Int("count", n))
			}
		}
	}
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Events(ctx context.Context, id types.ID) ([]Event, error) {
	return s.store.Events(ctx, id)
}

// ActiveRideIDs lists rides whose group follows driverID's live position.
func (s *Service) ActiveRideIDs(ctx context.Context, driverID types.ID) ([]types.ID, error) {
	return s.store.ActiveRideIDs(ctx, driverID, activeDriverStatuses)
}

// CanView reports whether uid may read or follow the ride.
func CanView(r *Ride, uid types.ID) bool {
	if r.RiderID == uid {
		return true
	}
	return r.DriverID != nil && *r.DriverID == uid
}

func (s *Service) publish(ctx context.Context, g fanout.Group, e fanout.Event) {
	if err := s.publisher.Publish(ctx, g, e); err != nil {
		s.log.Warn("publish failed",
			zap.String("group", string(g)),
			zap.String("type", string(e.Type())),
			zap.Error(err))
	}
}

func matchingRequest(r *Ride) matching.Request {
	return matching.Request{
		RideID:        r.ID,
		Pickup:        r.PickupAddress,
		PickupPoint:   r.Pickup,
		Dropoff:       r.DropoffAddress,
		AmbulanceType: r.AmbulanceType,
		RequestedAt:   r.RequestedAt,
	}
}
