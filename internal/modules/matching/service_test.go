package matching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"siren/internal/config"
	"siren/internal/modules/fanout"
	"siren/internal/modules/geo"
	"siren/internal/types"
)

var pickup = types.Point{Lat: 22.5726, Lng: 88.3639}

// metersPerDegreeLat on the haversine sphere.
const metersPerDegreeLat = geo.EarthRadiusM * 3.141592653589793 / 180

type fixedSource []geo.Position

func (f fixedSource) OnlineWithin(_ context.Context, box geo.Box) ([]geo.Position, error) {
	var out []geo.Position
	for _, p := range f {
		if box.Contains(p.Point) {
			out = append(out, p)
		}
	}
	return out, nil
}

func northOf(p types.Point, meters float64) types.Point {
	return types.Point{Lat: p.Lat + meters/metersPerDegreeLat, Lng: p.Lng}
}

type sent struct {
	group fanout.Group
	event fanout.Event
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []sent
}

func (p *recordingPublisher) Publish(_ context.Context, g fanout.Group, e fanout.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sent{group: g, event: e})
	return nil
}

func (p *recordingPublisher) byType(t fanout.EventType) []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []sent
	for _, s := range p.sent {
		if s.event.Type() == t {
			out = append(out, s)
		}
	}
	return out
}

func newTestService(source fixedSource, cfg config.MatchingConfig) (*Service, *recordingPublisher) {
	pub := &recordingPublisher{}
	return NewService(geo.NewIndex(source), NewMemoryLog(), pub, cfg, zap.NewNop()), pub
}

func testRequest(id types.ID) Request {
	return Request{RideID: id, Pickup: "Park Street", PickupPoint: pickup, RequestedAt: time.Now().UTC()}
}

func TestDispatch_NotifiesDriversWithinRadiusNearestFirst(t *testing.T) {
	now := time.Now()
	source := fixedSource{
		{DriverID: "far", Point: northOf(pickup, 12000), IsOnline: true, LastSeen: now},
		{DriverID: "mid", Point: northOf(pickup, 900), IsOnline: true, LastSeen: now},
		{DriverID: "near", Point: northOf(pickup, 200), IsOnline: true, LastSeen: now},
	}
	svc, pub := newTestService(source, config.MatchingConfig{RadiusM: 10000, NotifyCap: 8})

	n, err := svc.Dispatch(context.Background(), testRequest("r1"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	reqs := pub.byType(fanout.TypeRideRequest)
	require.Len(t, reqs, 2)
	assert.Equal(t, fanout.Group("driver:near"), reqs[0].group)
	assert.Equal(t, fanout.Group("driver:mid"), reqs[1].group)

	first := reqs[0].event.(fanout.RideRequest)
	require.NotNil(t, first.DistanceM)
	assert.InDelta(t, 200, *first.DistanceM, 1)
	assert.Equal(t, types.ID("r1"), first.RideID)
}

func TestDispatch_RespectsNotifyCap(t *testing.T) {
	var source fixedSource
	for i := 0; i < 12; i++ {
		source = append(source, geo.Position{
			DriverID: types.ID(string(rune('a' + i))),
			Point:    northOf(pickup, float64(100*(i+1))),
			IsOnline: true,
		})
	}
	svc, pub := newTestService(source, config.MatchingConfig{})

	n, err := svc.Dispatch(context.Background(), testRequest("r1"))
	require.NoError(t, err)
	assert.Equal(t, defaultNotifyCap, n)
	assert.Len(t, pub.byType(fanout.TypeRideRequest), defaultNotifyCap)
}

func TestDispatch_NoCandidates(t *testing.T) {
	svc, pub := newTestService(nil, config.MatchingConfig{})
	n, err := svc.Dispatch(context.Background(), testRequest("r1"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.byType(fanout.TypeRideRequest))
}

func TestDispatch_InvalidRequest(t *testing.T) {
	svc, _ := newTestService(nil, config.MatchingConfig{})
	_, err := svc.Dispatch(context.Background(), Request{RideID: "r1", PickupPoint: types.Point{Lat: 99}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Dispatch(context.Background(), Request{PickupPoint: pickup})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCloseMatching_SilentByDefault(t *testing.T) {
	source := fixedSource{
		{DriverID: "d1", Point: northOf(pickup, 100), IsOnline: true},
		{DriverID: "d2", Point: northOf(pickup, 200), IsOnline: true},
	}
	svc, pub := newTestService(source, config.MatchingConfig{})
	_, err := svc.Dispatch(context.Background(), testRequest("r1"))
	require.NoError(t, err)

	svc.CloseMatching(context.Background(), "r1", "d1")
	assert.Empty(t, pub.byType(fanout.TypeMatchingClosed))
}

func TestCloseMatching_NotifiesLosersWhenEnabled(t *testing.T) {
	source := fixedSource{
		{DriverID: "d1", Point: northOf(pickup, 100), IsOnline: true},
		{DriverID: "d2", Point: northOf(pickup, 200), IsOnline: true},
		{DriverID: "d3", Point: northOf(pickup, 300), IsOnline: true},
	}
	svc, pub := newTestService(source, config.MatchingConfig{NotifyLosers: true})
	_, err := svc.Dispatch(context.Background(), testRequest("r1"))
	require.NoError(t, err)

	svc.CloseMatching(context.Background(), "r1", "d2")

	closed := pub.byType(fanout.TypeMatchingClosed)
	groups := []fanout.Group{}
	for _, c := range closed {
		groups = append(groups, c.group)
	}
	assert.ElementsMatch(t, []fanout.Group{"driver:d1", "driver:d3"}, groups)

	// bookkeeping is gone; a second close is silent
	svc.CloseMatching(context.Background(), "r1", "d2")
	assert.Len(t, pub.byType(fanout.TypeMatchingClosed), 2)
}

func TestOffer_SendsToSingleDriver(t *testing.T) {
	svc, pub := newTestService(nil, config.MatchingConfig{})
	require.NoError(t, svc.Offer(context.Background(), "d9", testRequest("r1")))

	reqs := pub.byType(fanout.TypeRideRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, fanout.Group("driver:d9"), reqs[0].group)
	assert.Nil(t, reqs[0].event.(fanout.RideRequest).DistanceM)
}

type tokenMap map[types.ID][]string

func (m tokenMap) DeviceTokens(_ context.Context, id types.ID) ([]string, error) {
	return m[id], nil
}

type recordingPusher struct {
	mu    sync.Mutex
	calls [][]string
	fail  bool
}

func (p *recordingPusher) Push(_ context.Context, tokens []string, data map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, tokens)
	if p.fail {
		return errors.New("fcm unavailable")
	}
	return nil
}

func TestDispatch_PushesToDevices(t *testing.T) {
	source := fixedSource{
		{DriverID: "d1", Point: northOf(pickup, 100), IsOnline: true},
		{DriverID: "d2", Point: northOf(pickup, 200), IsOnline: true},
	}
	svc, _ := newTestService(source, config.MatchingConfig{})
	pusher := &recordingPusher{fail: true}
	svc.UsePush(tokenMap{"d1": {"tok-1", "tok-2"}}, pusher)

	ctx, cancel := context.WithCancel(context.Background())
	n, err := svc.Dispatch(ctx, testRequest("r1"))
	cancel()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	svc.Wait()
	require.Len(t, pusher.calls, 1)
	assert.Equal(t, []string{"tok-1", "tok-2"}, pusher.calls[0])
}

func TestStore_RecordsNotifiedDrivers(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewStore(rdb, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.RecordDispatch(ctx, "r1", []types.ID{"d1", "d2"}))
	require.NoError(t, store.RecordDispatch(ctx, "r1", []types.ID{"d3"}))

	got, err := store.Notified(ctx, "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.ID{"d1", "d2", "d3"}, got)

	assert.Greater(t, mr.TTL(notifiedKey("r1")), time.Duration(0))

	require.NoError(t, store.Forget(ctx, "r1"))
	got, err = store.Notified(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.False(t, mr.Exists(notifiedKey("r1")))
}

// acceptingPublisher closes matching from inside the first ride.request
// publish, the way a driver accepting immediately would.
type acceptingPublisher struct {
	recordingPublisher
	once  sync.Once
	svc   *Service
	store DispatchLog
	left  []types.ID
}

func (p *acceptingPublisher) Publish(ctx context.Context, g fanout.Group, e fanout.Event) error {
	if err := p.recordingPublisher.Publish(ctx, g, e); err != nil {
		return err
	}
	if req, ok := e.(fanout.RideRequest); ok {
		p.once.Do(func() {
			p.svc.CloseMatching(ctx, req.RideID, "near")
			p.left, _ = p.store.Notified(ctx, req.RideID)
		})
	}
	return nil
}

func TestDispatch_AcceptDuringFanOutReachesLosers(t *testing.T) {
	now := time.Now()
	source := fixedSource{
		{DriverID: "near", Point: northOf(pickup, 200), IsOnline: true, LastSeen: now},
		{DriverID: "mid", Point: northOf(pickup, 900), IsOnline: true, LastSeen: now},
	}
	log := NewMemoryLog()
	pub := &acceptingPublisher{store: log}
	svc := NewService(geo.NewIndex(source), log, pub, config.MatchingConfig{RadiusM: 10000, NotifyCap: 8, NotifyLosers: true}, zap.NewNop())
	pub.svc = svc

	n, err := svc.Dispatch(context.Background(), testRequest("r1"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	closed := pub.byType(fanout.TypeMatchingClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, fanout.Group("driver:mid"), closed[0].group)
	assert.Empty(t, pub.left)

	left, err := log.Notified(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, left, "no dispatch set survives the close")
}
