package location

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"siren/internal/modules/geo"
	"siren/internal/types"
)

func newRedisGeo(t *testing.T) *RedisGeo {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisGeo(rdb)
}

func TestRedisGeo_MirrorsOnlineDrivers(t *testing.T) {
	ctx := context.Background()
	r := newRedisGeo(t)
	seen := time.UnixMilli(time.Now().UnixMilli())

	require.NoError(t, r.Mirror(ctx, geo.Position{DriverID: "near", Point: kolkata, IsOnline: true, LastSeen: seen}))
	far := types.Point{Lat: kolkata.Lat + 1, Lng: kolkata.Lng}
	require.NoError(t, r.Mirror(ctx, geo.Position{DriverID: "far", Point: far, IsOnline: true, LastSeen: seen}))

	got, err := r.OnlineWithin(ctx, geo.BoundingBox(kolkata, 2000))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.ID("near"), got[0].DriverID)
	assert.True(t, got[0].LastSeen.Equal(seen))
	assert.InDelta(t, kolkata.Lat, got[0].Point.Lat, 1e-4)
}

func TestRedisGeo_OfflineRemoves(t *testing.T) {
	ctx := context.Background()
	r := newRedisGeo(t)

	require.NoError(t, r.Mirror(ctx, geo.Position{DriverID: "d1", Point: kolkata, IsOnline: true, LastSeen: time.Now()}))
	require.NoError(t, r.Mirror(ctx, geo.Position{DriverID: "d1", Point: kolkata, IsOnline: false, LastSeen: time.Now()}))

	got, err := r.OnlineWithin(ctx, geo.BoundingBox(kolkata, 2000))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisGeo_ServesGeoIndex(t *testing.T) {
	ctx := context.Background()
	r := newRedisGeo(t)
	store := NewMemoryStore()
	svc := NewService(store, nil, &recordingPublisher{}, zap.NewNop())
	svc.UseMirror(r)

	_, err := svc.ReportPosition(ctx, Report{DriverID: "d1", Lat: kolkata.Lat + 0.001, Lng: kolkata.Lng, IsOnline: true})
	require.NoError(t, err)

	got, err := geo.NewIndex(r).FindNearby(ctx, kolkata, 500, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 111, got[0].DistanceM, 2)
}
