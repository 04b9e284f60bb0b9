// README: Redis GEO mirror of online drivers; doubles as a geo.Source for nearby queries.
package location

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"siren/internal/modules/geo"
	"siren/internal/types"
)

const (
	driverGeoKey = "location:drivers"
	lastSeenKey  = "location:last_seen"
)

// Mirror receives every committed position after the authoritative upsert.
type Mirror interface {
	Mirror(ctx context.Context, p geo.Position) error
}

type RedisGeo struct {
	redis *redis.Client
}

func NewRedisGeo(rdb *redis.Client) *RedisGeo {
	return &RedisGeo{redis: rdb}
}

// Mirror adds online drivers to the GEO set and removes offline ones.
func (r *RedisGeo) Mirror(ctx context.Context, p geo.Position) error {
	pipe := r.redis.TxPipeline()
	if p.IsOnline {
		pipe.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
			Name:      string(p.DriverID),
			Longitude: p.Point.Lng,
			Latitude:  p.Point.Lat,
		})
		pipe.HSet(ctx, lastSeenKey, string(p.DriverID), p.LastSeen.UnixMilli())
	} else {
		pipe.ZRem(ctx, driverGeoKey, string(p.DriverID))
		pipe.HDel(ctx, lastSeenKey, string(p.DriverID))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// OnlineWithin searches the circle circumscribing the box; the caller applies
// the exact radius.
func (r *RedisGeo) OnlineWithin(ctx context.Context, box geo.Box) ([]geo.Position, error) {
	center := box.Center()
	radius := 0.0
	for _, corner := range []types.Point{
		{Lat: box.MinLat, Lng: box.MinLng},
		{Lat: box.MinLat, Lng: box.MaxLng},
		{Lat: box.MaxLat, Lng: box.MinLng},
		{Lat: box.MaxLat, Lng: box.MaxLng},
	} {
		radius = math.Max(radius, geo.HaversineMeters(center, corner))
	}

	locs, err := r.redis.GeoRadius(ctx, driverGeoKey, center.Lng, center.Lat, &redis.GeoRadiusQuery{
		Radius:    math.Ceil(radius),
		Unit:      "m",
		WithCoord: true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, nil
	}

	names := make([]string, len(locs))
	for i, l := range locs {
		names[i] = l.Name
	}
	seen, err := r.redis.HMGet(ctx, lastSeenKey, names...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]geo.Position, 0, len(locs))
	for i, l := range locs {
		p := geo.Position{
			DriverID: types.ID(l.Name),
			Point:    types.Point{Lat: l.Latitude, Lng: l.Longitude},
			IsOnline: true,
		}
		if s, ok := seen[i].(string); ok {
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				p.LastSeen = time.UnixMilli(ms)
			}
		}
		out = append(out, p)
	}
	return out, nil
}
