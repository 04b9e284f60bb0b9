// README: Location ingest: validates a report, commits the live position, records history, fans out location.update.
package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"siren/internal/modules/fanout"
	"siren/internal/modules/geo"
	"siren/internal/types"
)

var (
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrBadRequest         = errors.New("bad request")
)

// RideLocator lists rides whose group should follow a driver's position.
type RideLocator interface {
	ActiveRideIDs(ctx context.Context, driverID types.ID) ([]types.ID, error)
}

type Publisher interface {
	Publish(ctx context.Context, g fanout.Group, e fanout.Event) error
}

type Service struct {
	store     PositionStore
	rides     RideLocator
	publisher Publisher
	mirror    Mirror
	log       *zap.Logger
	now       func() time.Time
}

func NewService(store PositionStore, rides RideLocator, publisher Publisher, log *zap.Logger) *Service {
	return &Service{store: store, rides: rides, publisher: publisher, log: log, now: time.Now}
}

// UseMirror installs a secondary index updated after every committed report.
func (s *Service) UseMirror(m Mirror) {
	s.mirror = m
}

// ReportPosition commits r as the driver's live position. Only the position
// upsert can fail the call; history, mirror and fan-out are best-effort.
// Timestamps ahead of the server clock are replaced by it. A report older than
// the stored position is kept in history only, and the stored position is
// returned.
func (s *Service) ReportPosition(ctx context.Context, r Report) (geo.Position, error) {
	if r.DriverID == "" {
		return geo.Position{}, ErrBadRequest
	}
	pt := types.Point{Lat: r.Lat, Lng: r.Lng}
	if !pt.Valid() {
		return geo.Position{}, ErrInvalidCoordinates
	}
	pt = pt.Quantize()

	now := s.now()
	at := r.Timestamp
	if at.IsZero() || at.After(now) {
		at = now
	}
	at = at.UTC()

	pos := geo.Position{DriverID: r.DriverID, Point: pt, IsOnline: r.IsOnline, LastSeen: at}
	applied, err := s.store.UpsertPosition(ctx, pos)
	if err != nil {
		return geo.Position{}, err
	}

	if err := s.store.AppendHistory(ctx, HistoryEntry{
		DriverID:   r.DriverID,
		Point:      pt,
		Speed:      r.Speed,
		Heading:    r.Heading,
		RecordedAt: at,
	}); err != nil {
		s.log.Warn("position history append failed", zap.String("driver_id", string(r.DriverID)), zap.Error(err))
	}

	if !applied {
		s.log.Debug("stale position report", zap.String("driver_id", string(r.DriverID)), zap.Time("reported_at", at))
		cur, ok, err := s.store.GetPosition(ctx, r.DriverID)
		if err != nil {
			return geo.Position{}, err
		}
		if !ok {
			return geo.Position{}, fmt.Errorf("position of %s missing after stale upsert", r.DriverID)
		}
		return cur, nil
	}

	if s.mirror != nil {
		if err := s.mirror.Mirror(ctx, pos); err != nil {
			s.log.Warn("position mirror failed", zap.String("driver_id", string(r.DriverID)), zap.Error(err))
		}
	}

	s.broadcast(ctx, pos)
	return pos, nil
}

func (s *Service) broadcast(ctx context.Context, pos geo.Position) {
	online := pos.IsOnline
	evt, err := fanout.NewLocationUpdate(pos.DriverID, pos.Point, &online, pos.LastSeen)
	if err != nil {
		s.log.Error("build location.update", zap.Error(err))
		return
	}

	groups := []fanout.Group{fanout.DriverGroup(pos.DriverID)}
	if s.rides != nil {
		ids, err := s.rides.ActiveRideIDs(ctx, pos.DriverID)
		if err != nil {
			s.log.Warn("active rides lookup failed", zap.String("driver_id", string(pos.DriverID)), zap.Error(err))
		}
		for _, id := range ids {
			groups = append(groups, fanout.RideGroup(id))
		}
	}
	for _, g := range groups {
		if err := s.publisher.Publish(ctx, g, evt); err != nil {
			s.log.Warn("location.update publish failed", zap.String("group", string(g)), zap.Error(err))
		}
	}
}
