// README: Matching service fans a new ride out to nearby drivers and closes it once someone wins.
package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"siren/internal/config"
	"siren/internal/modules/fanout"
	"siren/internal/modules/geo"
	"siren/internal/types"
)

var ErrInvalidRequest = errors.New("invalid matching request")

type Finder interface {
	FindNearby(ctx context.Context, center types.Point, radiusM float64, maxResults int) ([]geo.Nearby, error)
}

type Publisher interface {
	Publish(ctx context.Context, g fanout.Group, e fanout.Event) error
}

// TokenSource resolves a driver's registered push devices.
type TokenSource interface {
	DeviceTokens(ctx context.Context, driverID types.ID) ([]string, error)
}

type Pusher interface {
	Push(ctx context.Context, tokens []string, data map[string]string) error
}

type Service struct {
	finder    Finder
	store     DispatchLog
	publisher Publisher
	cfg       config.MatchingConfig
	log       *zap.Logger

	tokens TokenSource
	pusher Pusher
	wg     sync.WaitGroup
}

func NewService(finder Finder, store DispatchLog, publisher Publisher, cfg config.MatchingConfig, log *zap.Logger) *Service {
	if cfg.RadiusM <= 0 {
		cfg.RadiusM = defaultRadiusM
	}
	if cfg.NotifyCap <= 0 {
		cfg.NotifyCap = defaultNotifyCap
	}
	return &Service{finder: finder, store: store, publisher: publisher, cfg: cfg, log: log}
}

// UsePush enables device push alongside the live ride.request event.
func (s *Service) UsePush(tokens TokenSource, pusher Pusher) {
	s.tokens = tokens
	s.pusher = pusher
}

// Dispatch notifies the nearest online drivers around the pickup and returns
// how many were notified. Zero candidates is not an error.
func (s *Service) Dispatch(ctx context.Context, req Request) (int, error) {
	if req.RideID == "" || !req.PickupPoint.Valid() {
		return 0, ErrInvalidRequest
	}
	candidates, err := s.finder.FindNearby(ctx, req.PickupPoint, s.cfg.RadiusM, s.cfg.NotifyCap)
	if err != nil {
		return 0, fmt.Errorf("find candidates: %w", err)
	}

	// Recorded before any ride.request goes out, so an accept that races the
	// loop below still finds every driver to close.
	ids := make([]types.ID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.DriverID
	}
	s.record(ctx, req.RideID, ids)

	notified := 0
	for _, c := range candidates {
		dist := c.DistanceM
		if err := s.notify(ctx, c.DriverID, req, &dist); err != nil {
			return notified, err
		}
		notified++
	}

	s.log.Info("ride dispatched",
		zap.String("ride_id", string(req.RideID)),
		zap.Int("notified", notified),
		zap.Float64("radius_m", s.cfg.RadiusM))
	return notified, nil
}

// Offer sends the request to a single chosen driver (direct booking).
func (s *Service) Offer(ctx context.Context, driverID types.ID, req Request) error {
	if driverID == "" || req.RideID == "" || !req.PickupPoint.Valid() {
		return ErrInvalidRequest
	}
	s.record(ctx, req.RideID, []types.ID{driverID})
	return s.notify(ctx, driverID, req, nil)
}

// CloseMatching ends bookkeeping for a ride. With notify_losers enabled every
// notified driver except winner receives ride.matching_closed.
func (s *Service) CloseMatching(ctx context.Context, rideID, winner types.ID) {
	if s.cfg.NotifyLosers {
		s.notifyLosers(ctx, rideID, winner)
	}
	if err := s.store.Forget(ctx, rideID); err != nil {
		s.log.Warn("forget dispatch failed", zap.String("ride_id", string(rideID)), zap.Error(err))
	}
}

// Wait blocks until in-flight device pushes finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) notifyLosers(ctx context.Context, rideID, winner types.ID) {
	drivers, err := s.store.Notified(ctx, rideID)
	if err != nil {
		s.log.Warn("load notified drivers failed", zap.String("ride_id", string(rideID)), zap.Error(err))
		return
	}
	evt, err := fanout.NewMatchingClosed(rideID)
	if err != nil {
		s.log.Error("build ride.matching_closed", zap.Error(err))
		return
	}
	for _, d := range drivers {
		if d == winner {
			continue
		}
		if err := s.publisher.Publish(ctx, fanout.DriverGroup(d), evt); err != nil {
			s.log.Warn("ride.matching_closed publish failed", zap.String("driver_id", string(d)), zap.Error(err))
		}
	}
}

func (s *Service) notify(ctx context.Context, driverID types.ID, req Request, distanceM *float64) error {
	evt, err := fanout.NewRideRequest(fanout.RideRequest{
		RideID:        req.RideID,
		Pickup:        req.Pickup,
		PickupLat:     req.PickupPoint.Lat,
		PickupLng:     req.PickupPoint.Lng,
		Dropoff:       req.Dropoff,
		AmbulanceType: req.AmbulanceType,
		DistanceM:     distanceM,
		RequestedAt:   req.RequestedAt,
	})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, fanout.DriverGroup(driverID), evt); err != nil {
		return err
	}
	s.push(ctx, driverID, req)
	return nil
}

func (s *Service) record(ctx context.Context, rideID types.ID, drivers []types.ID) {
	if err := s.store.RecordDispatch(ctx, rideID, drivers); err != nil {
		s.log.Warn("record dispatch failed", zap.String("ride_id", string(rideID)), zap.Error(err))
	}
}

// push delivers a device notification off the request path.
func (s *Service) push(ctx context.Context, driverID types.ID, req Request) {
	if s.pusher == nil || s.tokens == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, pushTimeout)
		defer cancel()

		tokens, err := s.tokens.DeviceTokens(ctx, driverID)
		if err != nil {
			s.log.Warn("device tokens lookup failed", zap.String("driver_id", string(driverID)), zap.Error(err))
			return
		}
		if len(tokens) == 0 {
			return
		}
		data := map[string]string{
			"type":    string(fanout.TypeRideRequest),
			"ride_id": string(req.RideID),
			"pickup":  req.Pickup,
		}
		if err := s.pusher.Push(ctx, tokens, data); err != nil {
			s.log.Warn("ride.request push failed", zap.String("driver_id", string(driverID)), zap.Error(err))
		}
	}()
}
