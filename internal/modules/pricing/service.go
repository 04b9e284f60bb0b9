// README: Pricing service quotes straight-line fares and ranks nearby drivers for the estimate screen.
package pricing

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"go.uber.org/zap"

	"siren/internal/config"
	"siren/internal/modules/driver"
	"siren/internal/modules/geo"
	"siren/internal/types"
)

var ErrInvalidPickup = errors.New("invalid pickup")

type Finder interface {
	FindNearby(ctx context.Context, center types.Point, radiusM float64, maxResults int) ([]geo.Nearby, error)
}

type Profiles interface {
	Profile(ctx context.Context, id types.ID) (driver.Profile, error)
}

type Service struct {
	rates    RateStore
	finder   Finder
	profiles Profiles
	cfg      config.PricingConfig
	radiusM  float64
	log      *zap.Logger
}

func NewService(rates RateStore, finder Finder, profiles Profiles, cfg config.PricingConfig, radiusM float64, log *zap.Logger) *Service {
	if cfg.AvgSpeedKmh <= 0 {
		cfg.AvgSpeedKmh = defaultAvgSpeedKmh
	}
	if cfg.EstimateResults <= 0 {
		cfg.EstimateResults = defaultEstimateResults
	}
	if cfg.CandidatePool <= 0 {
		cfg.CandidatePool = defaultCandidatePool
	}
	return &Service{rates: rates, finder: finder, profiles: profiles, cfg: cfg, radiusM: radiusM, log: log}
}

// Quote prices a trip of distanceM meters at the configured average speed.
func (s *Service) Quote(ctx context.Context, ambulanceType string, distanceM float64) (Quote, error) {
	if distanceM < 0 || math.IsNaN(distanceM) {
		return Quote{}, fmt.Errorf("negative distance %v", distanceM)
	}
	rate := s.rate(ctx, ambulanceType)

	km := distanceM / 1000
	etaMin := km / s.cfg.AvgSpeedKmh * 60
	fare := float64(rate.BaseFare) + float64(rate.PerKm)*km + float64(rate.PerMin)*etaMin

	return Quote{
		DistanceM: distanceM,
		EtaS:      int(math.Round(etaMin * 60)),
		EtaMin:    int(math.Round(etaMin)),
		Fare:      types.Money{Amount: int64(math.Round(fare)), Currency: rate.Currency},
	}, nil
}

// Estimate ranks online drivers near the pickup by ETA, then distance.
func (s *Service) Estimate(ctx context.Context, req EstimateRequest) (Estimate, error) {
	if !req.Pickup.Valid() {
		return Estimate{}, ErrInvalidPickup
	}
	if req.Dropoff != nil && !req.Dropoff.Valid() {
		return Estimate{}, ErrInvalidPickup
	}

	nearby, err := s.finder.FindNearby(ctx, req.Pickup, s.radiusM, s.cfg.CandidatePool)
	if err != nil {
		return Estimate{}, err
	}

	out := Estimate{Candidates: make([]Candidate, 0, len(nearby))}
	for _, n := range nearby {
		q, err := s.Quote(ctx, req.AmbulanceType, n.DistanceM)
		if err != nil {
			return Estimate{}, err
		}
		out.Candidates = append(out.Candidates, Candidate{
			DriverID:  n.DriverID,
			Point:     n.Point,
			DistanceM: int(n.DistanceM),
			EtaS:      q.EtaS,
			EtaMin:    q.EtaMin,
			Fare:      q.Fare,
		})
	}
	slices.SortStableFunc(out.Candidates, func(a, b Candidate) int {
		if c := cmp.Compare(a.EtaS, b.EtaS); c != 0 {
			return c
		}
		return cmp.Compare(a.DistanceM, b.DistanceM)
	})
	if len(out.Candidates) > s.cfg.EstimateResults {
		out.Candidates = out.Candidates[:s.cfg.EstimateResults]
	}
	for i := range out.Candidates {
		s.enrich(ctx, &out.Candidates[i])
	}

	if req.Dropoff != nil {
		q, err := s.Quote(ctx, req.AmbulanceType, geo.HaversineMeters(req.Pickup, *req.Dropoff))
		if err != nil {
			return Estimate{}, err
		}
		out.Trip = &q
	}
	return out, nil
}

func (s *Service) enrich(ctx context.Context, c *Candidate) {
	c.Name = string(c.DriverID)
	if s.profiles == nil {
		return
	}
	p, err := s.profiles.Profile(ctx, c.DriverID)
	if err != nil {
		if !errors.Is(err, driver.ErrNotFound) {
			s.log.Warn("driver profile lookup failed", zap.String("driver_id", string(c.DriverID)), zap.Error(err))
		}
		return
	}
	if p.Name != "" {
		c.Name = p.Name
	}
	c.VehicleNo = p.VehicleNo
	c.VehicleType = p.VehicleType
	c.PhotoURL = p.PhotoURL
}

// rate falls back to the configured default when no row exists or the
// lookup fails.
func (s *Service) rate(ctx context.Context, ambulanceType string) Rate {
	if s.rates != nil && ambulanceType != "" {
		r, ok, err := s.rates.GetRate(ctx, ambulanceType)
		if err != nil {
			s.log.Warn("pricing rate lookup failed", zap.String("ambulance_type", ambulanceType), zap.Error(err))
		}
		if err == nil && ok {
			return r
		}
	}
	return Rate{
		AmbulanceType: ambulanceType,
		BaseFare:      types.MoneyFromMajor(s.cfg.BaseFare, s.cfg.Currency).Amount,
		PerKm:         types.MoneyFromMajor(s.cfg.PerKm, s.cfg.Currency).Amount,
		PerMin:        types.MoneyFromMajor(s.cfg.PerMin, s.cfg.Currency).Amount,
		Currency:      s.cfg.Currency,
	}
}
