package ride

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"siren/internal/config"
	"siren/internal/modules/driver"
	"siren/internal/modules/fanout"
	"siren/internal/modules/geo"
	"siren/internal/modules/location"
	"siren/internal/modules/matching"
	"siren/internal/modules/pricing"
	"siren/internal/types"
)

var kolkata = types.Point{Lat: 22.5726, Lng: 88.3639}

const metersPerDegreeLat = geo.EarthRadiusM * 3.141592653589793 / 180

type published struct {
	group fanout.Group
	event fanout.Event
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *recordingPublisher) Publish(_ context.Context, g fanout.Group, e fanout.Event) error {
	if _, err := fanout.Encode(e); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{group: g, event: e})
	return nil
}

func (p *recordingPublisher) of(t fanout.EventType) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, s := range p.sent {
		if s.event.Type() == t {
			out = append(out, s)
		}
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type recordingDispatcher struct {
	mu      sync.Mutex
	offers  []types.ID
	closed  map[types.ID]types.ID
	notify  int
	request matching.Request
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req matching.Request) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.request = req
	return d.notify, nil
}

func (d *recordingDispatcher) Offer(_ context.Context, driverID types.ID, req matching.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offers = append(d.offers, driverID)
	d.request = req
	return nil
}

func (d *recordingDispatcher) CloseMatching(_ context.Context, rideID, winner types.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed == nil {
		d.closed = make(map[types.ID]types.ID)
	}
	d.closed[rideID] = winner
}

type positionMap map[types.ID]types.Point

func (m positionMap) GetPosition(_ context.Context, id types.ID) (geo.Position, bool, error) {
	p, ok := m[id]
	if !ok {
		return geo.Position{}, false, nil
	}
	return geo.Position{DriverID: id, Point: p, IsOnline: true, LastSeen: time.Now()}, true, nil
}

type harness struct {
	svc   *Service
	store *MemoryStore
	pub   *recordingPublisher
	disp  *recordingDispatcher
	dir   *driver.MemoryDirectory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: NewMemoryStore(),
		pub:   &recordingPublisher{},
		disp:  &recordingDispatcher{},
		dir:   driver.NewMemoryDirectory(),
	}
	quoter := pricing.NewService(nil, nil, nil, config.PricingConfig{
		BaseFare: 200, PerKm: 10, PerMin: 2, AvgSpeedKmh: 25, Currency: "INR",
	}, 10000, zap.NewNop())
	h.svc = NewService(Deps{
		Store:      h.store,
		Dispatcher: h.disp,
		Publisher:  h.pub,
		Profiles:   h.dir,
		Positions:  positionMap{"d1": northOf(kolkata, 2500)},
		Quoter:     quoter,
		Logger:     zap.NewNop(),
	})
	return h
}

func northOf(p types.Point, meters float64) types.Point {
	return types.Point{Lat: p.Lat + meters/metersPerDegreeLat, Lng: p.Lng}
}

func (h *harness) broadcast(t *testing.T) *Ride {
	t.Helper()
	pickup := kolkata
	r, _, err := h.svc.Broadcast(context.Background(), BroadcastCommand{
		RiderID: "u1", Pickup: &pickup, PickupAddress: "Park Street", AmbulanceType: "bls",
	})
	require.NoError(t, err)
	return r
}

func (h *harness) assigned(t *testing.T, driverID types.ID) *Ride {
	t.Helper()
	r := h.broadcast(t)
	outcome, err := h.svc.TryAssign(context.Background(), r.ID, driverID)
	require.NoError(t, err)
	require.Equal(t, Assigned, outcome)
	return r
}

func TestBroadcast_NotifiesNearbyDriversNearestFirst(t *testing.T) {
	ctx := context.Background()
	positions := location.NewMemoryStore()
	now := time.Now()
	for id, m := range map[types.ID]float64{"d200": 200, "d900": 900, "d12k": 12000} {
		_, err := positions.UpsertPosition(ctx, geo.Position{
			DriverID: id, Point: northOf(kolkata, m), IsOnline: true, LastSeen: now,
		})
		require.NoError(t, err)
	}
	pub := &recordingPublisher{}
	store := NewMemoryStore()
	dispatcher := matching.NewService(geo.NewIndex(positions), matching.NewMemoryLog(), pub,
		config.MatchingConfig{RadiusM: 10000, NotifyCap: 8}, zap.NewNop())
	svc := NewService(Deps{Store: store, Dispatcher: dispatcher, Publisher: pub, Logger: zap.NewNop()})

	pickup := kolkata
	r, notified, err := svc.Broadcast(ctx, BroadcastCommand{RiderID: "u1", Pickup: &pickup, PickupAddress: "Park Street"})
	require.NoError(t, err)
	assert.Equal(t, 2, notified)
	assert.Equal(t, StatusMatching, r.Status)
	assert.Nil(t, r.DriverID)

	reqs := pub.of(fanout.TypeRideRequest)
	require.Len(t, reqs, 2)
	assert.Equal(t, fanout.Group("driver:d200"), reqs[0].group)
	assert.Equal(t, fanout.Group("driver:d900"), reqs[1].group)
	assert.Equal(t, r.ID, reqs[0].event.(fanout.RideRequest).RideID)

	events, err := store.Events(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventRequested, events[0].EventType)
	assert.Equal(t, StatusMatching, events[0].ToStatus)
	assert.Equal(t, ActorRider, events[0].ActorType)
}

func TestBroadcast_InvalidPickup(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.svc.Broadcast(context.Background(), BroadcastCommand{RiderID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidPickup)

	bad := types.Point{Lat: 120, Lng: 0}
	_, _, err = h.svc.Broadcast(context.Background(), BroadcastCommand{RiderID: "u1", Pickup: &bad})
	assert.ErrorIs(t, err, ErrInvalidPickup)
	assert.Zero(t, h.pub.count())
}

func TestBroadcast_QuantizesCoordinates(t *testing.T) {
	h := newHarness(t)
	pickup := types.Point{Lat: 22.57264449, Lng: 88.36390051}
	dropoff := types.Point{Lat: 22.51234567, Lng: 88.34123456}
	r, _, err := h.svc.Broadcast(context.Background(), BroadcastCommand{RiderID: "u1", Pickup: &pickup, Dropoff: &dropoff})
	require.NoError(t, err)

	stored, err := h.store.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.InDelta(t, 22.572644, stored.Pickup.Lat, 1e-9)
	assert.InDelta(t, 88.363901, stored.Pickup.Lng, 1e-9)
	require.NotNil(t, stored.Dropoff)
	assert.Equal(t, dropoff.Quantize(), *stored.Dropoff)
	assert.Equal(t, stored.Pickup, h.disp.request.PickupPoint)
}

func TestBroadcast_StoresTripEstimate(t *testing.T) {
	h := newHarness(t)
	pickup := kolkata
	dropoff := northOf(kolkata, 5000)
	addr := "SSKM Hospital"
	r, _, err := h.svc.Broadcast(context.Background(), BroadcastCommand{
		RiderID: "u1", Pickup: &pickup, Dropoff: &dropoff, DropoffAddress: &addr,
	})
	require.NoError(t, err)
	require.NotNil(t, r.EstimatedFare)
	assert.Equal(t, int64(27400), r.EstimatedFare.Amount)
	assert.Equal(t, 5000, *r.EstimateDistanceM)
	assert.Equal(t, 720, *r.EstimateDurationS)
	assert.Equal(t, &addr, h.disp.request.Dropoff)
}

func TestTryAssign_PublishesAssignmentAndClosesMatching(t *testing.T) {
	h := newHarness(t)
	photo := "https://cdn.example/d1.jpg"
	require.NoError(t, h.dir.Upsert(context.Background(), driver.Profile{
		ID: "d1", Name: "Ravi Kumar", Phone: "+91 98300 00000", VehicleNo: "WB-02-1234", VehicleType: "als", PhotoURL: &photo,
	}))
	pickup := kolkata
	dropoff := northOf(kolkata, 5000)
	r, _, err := h.svc.Broadcast(context.Background(), BroadcastCommand{RiderID: "u1", Pickup: &pickup, Dropoff: &dropoff})
	require.NoError(t, err)

	outcome, err := h.svc.TryAssign(context.Background(), r.ID, "d1")
	require.NoError(t, err)
	require.Equal(t, Assigned, outcome)

	got, err := h.svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, got.Status)
	require.NotNil(t, got.DriverID)
	assert.Equal(t, types.ID("d1"), *got.DriverID)
	assert.NotNil(t, got.AssignedAt)

	assigned := h.pub.of(fanout.TypeRideAssigned)
	require.Len(t, assigned, 1)
	assert.Equal(t, fanout.RideGroup(r.ID), assigned[0].group)
	data, err := fanout.Encode(assigned[0].event)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	drv := msg["driver"].(map[string]any)
	assert.Equal(t, "Ravi Kumar", drv["name"])
	assert.Equal(t, photo, drv["photo_url"])
	assert.EqualValues(t, 6, msg["eta_min"])
	assert.InDelta(t, 274.0, msg["fare"], 1e-9)
	assert.NotNil(t, msg["lat"])

	confirmed := h.pub.of(fanout.TypeAssignmentConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, fanout.Group("driver:d1"), confirmed[0].group)
	assert.Equal(t, types.ID("d1"), h.disp.closed[r.ID])
}

func TestTryAssign_UnknownDriverProfileFallsBackToID(t *testing.T) {
	h := newHarness(t)
	h.assigned(t, "d2")
	assigned := h.pub.of(fanout.TypeRideAssigned)
	require.Len(t, assigned, 1)
	evt := assigned[0].event.(fanout.RideAssigned)
	assert.Equal(t, "d2", evt.Driver.Name)
	assert.Nil(t, evt.Lat)
	assert.Nil(t, evt.Fare)
}

func TestTryAssign_SecondDriverLoses(t *testing.T) {
	h := newHarness(t)
	r := h.assigned(t, "d1")

	outcome, err := h.svc.TryAssign(context.Background(), r.ID, "d2")
	require.NoError(t, err)
	assert.Equal(t, AlreadyAssigned, outcome)

	got, _ := h.svc.Get(context.Background(), r.ID)
	assert.Equal(t, types.ID("d1"), *got.DriverID)
	assert.Len(t, h.pub.of(fanout.TypeRideAssigned), 1)
}

func TestTryAssign_CompletedRideIsInvalidState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.assigned(t, "d1")
	for _, step := range []func(context.Context, types.ID, types.ID) (*Ride, error){h.svc.Accept, h.svc.Arrive, h.svc.Start} {
		_, err := step(ctx, r.ID, "d1")
		require.NoError(t, err)
	}
	_, err := h.svc.Complete(ctx, r.ID, "d1", nil)
	require.NoError(t, err)

	before, err := h.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	published := h.pub.count()

	outcome, err := h.svc.TryAssign(ctx, r.ID, "d2")
	require.NoError(t, err)
	assert.Equal(t, AssignInvalidState, outcome)

	after, err := h.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, published, h.pub.count())
}

func TestTryAssign_UnknownRide(t *testing.T) {
	h := newHarness(t)
	outcome, err := h.svc.TryAssign(context.Background(), "nope", "d1")
	require.NoError(t, err)
	assert.Equal(t, AssignInvalidState, outcome)
}

func TestTryAssign_ConcurrentAcceptsHaveOneWinner(t *testing.T) {
	h := newHarness(t)
	r := h.broadcast(t)

	const attempts = 16
	var wg sync.WaitGroup
	outcomes := make(chan AssignOutcome, attempts)
	winners := make(chan types.ID, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(did types.ID) {
			defer wg.Done()
			outcome, err := h.svc.TryAssign(context.Background(), r.ID, did)
			assert.NoError(t, err)
			outcomes <- outcome
			if outcome == Assigned {
				winners <- did
			}
		}(types.ID(fmt.Sprintf("d%d", i)))
	}
	wg.Wait()
	close(outcomes)
	close(winners)

	counts := map[AssignOutcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[Assigned])
	assert.Equal(t, attempts-1, counts[AlreadyAssigned])

	winner := <-winners
	got, err := h.svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, winner, *got.DriverID)
	assert.Len(t, h.pub.of(fanout.TypeAssignmentConfirmed), 1)
}

func TestCancel_AssignedRideNotifiesRideAndDriver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.assigned(t, "d1")

	got, err := h.svc.Cancel(ctx, CancelCommand{RideID: r.ID, RiderID: "u1", Reason: "found transport"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)
	assert.Nil(t, got.DriverID)

	cancelled := h.pub.of(fanout.TypeRideCancelled)
	require.Len(t, cancelled, 2)
	assert.Equal(t, fanout.RideGroup(r.ID), cancelled[0].group)
	assert.Equal(t, fanout.Group("driver:d1"), cancelled[1].group)
	for _, c := range cancelled {
		assert.Equal(t, r.ID, c.event.(fanout.RideCancelled).RideID)
	}

	events, err := h.svc.Events(ctx, r.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, EventCancelled, last.EventType)
	assert.Equal(t, StatusAssigned, last.FromStatus)
	assert.Equal(t, "d1", last.Data["driver_id"])
}

func TestCancel_MatchingRideClosesMatching(t *testing.T) {
	h := newHarness(t)
	r := h.broadcast(t)

	_, err := h.svc.Cancel(context.Background(), CancelCommand{RideID: r.ID, RiderID: "u1"})
	require.NoError(t, err)
	assert.Len(t, h.pub.of(fanout.TypeRideCancelled), 1)
	winner, ok := h.disp.closed[r.ID]
	assert.True(t, ok)
	assert.Empty(t, winner)
}

func TestCancel_Rules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.broadcast(t)

	_, err := h.svc.Cancel(ctx, CancelCommand{RideID: r.ID, RiderID: "someone-else"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.Cancel(ctx, CancelCommand{RideID: "missing", RiderID: "u1"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.Cancel(ctx, CancelCommand{RideID: r.ID, RiderID: "u1"})
	require.NoError(t, err)
	_, err = h.svc.Cancel(ctx, CancelCommand{RideID: r.ID, RiderID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestBook_OnlyRequestedDriverMayAccept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.dir.Upsert(ctx, driver.Profile{ID: "d1", Name: "Ravi"}))

	pickup := kolkata
	r, err := h.svc.Book(ctx, BookCommand{RiderID: "u1", DriverID: "d1", Pickup: &pickup, PickupAddress: "Park Street"})
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, r.Status)
	assert.Nil(t, r.DriverID)
	assert.Equal(t, []types.ID{"d1"}, h.disp.offers)

	_, err = h.svc.TryAssign(ctx, r.ID, "d2")
	assert.ErrorIs(t, err, ErrForbidden)

	res, err := h.svc.Respond(ctx, RespondCommand{RideID: r.ID, DriverID: "d1", Accept: true})
	require.NoError(t, err)
	assert.True(t, res.Assigned())
}

func TestBook_UnknownDriver(t *testing.T) {
	h := newHarness(t)
	pickup := kolkata
	_, err := h.svc.Book(context.Background(), BookCommand{RiderID: "u1", DriverID: "ghost", Pickup: &pickup})
	assert.ErrorIs(t, err, ErrDriverNotFound)
}

func TestRespond_RejectDoesNotMutate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.broadcast(t)

	res, err := h.svc.Respond(ctx, RespondCommand{RideID: r.ID, DriverID: "d1"})
	require.NoError(t, err)
	assert.True(t, res.Declined)
	assert.False(t, res.Assigned())

	got, _ := h.svc.Get(ctx, r.ID)
	assert.Equal(t, StatusMatching, got.Status)
	events, _ := h.svc.Events(ctx, r.ID)
	assert.Len(t, events, 1)

	_, err = h.svc.Respond(ctx, RespondCommand{RideID: "missing", DriverID: "d1"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProgress_FullTripAndOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.assigned(t, "d1")

	_, err := h.svc.Accept(ctx, r.ID, "d2")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = h.svc.Start(ctx, r.ID, "d1")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = h.svc.Accept(ctx, r.ID, "d1")
	require.NoError(t, err)
	_, err = h.svc.Accept(ctx, r.ID, "d1")
	assert.ErrorIs(t, err, ErrConflict)
	_, err = h.svc.Arrive(ctx, r.ID, "d1")
	require.NoError(t, err)
	_, err = h.svc.Start(ctx, r.ID, "d1")
	require.NoError(t, err)

	fare := types.MoneyFromMajor(310.5, "INR")
	done, err := h.svc.Complete(ctx, r.ID, "d1", &fare)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, int64(31050), done.FinalFare.Amount)
	assert.Equal(t, types.ID("d1"), *done.DriverID)
	assert.NotNil(t, done.AcceptedAt)
	assert.NotNil(t, done.ArrivedAt)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)

	events, err := h.svc.Events(ctx, r.ID)
	require.NoError(t, err)
	var names []string
	for _, e := range events {
		names = append(names, e.EventType)
	}
	assert.Equal(t, []string{EventRequested, EventAssigned, EventAccepted, EventArrived, EventTripStarted, EventCompleted}, names)

	_, err = h.svc.Cancel(ctx, CancelCommand{RideID: r.ID, RiderID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestComplete_FareCurrency(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pickup := kolkata
	dropoff := northOf(kolkata, 5000)
	r, _, err := h.svc.Broadcast(ctx, BroadcastCommand{RiderID: "u1", Pickup: &pickup, Dropoff: &dropoff})
	require.NoError(t, err)
	require.NotNil(t, r.EstimatedFare)
	_, err = h.svc.TryAssign(ctx, r.ID, "d1")
	require.NoError(t, err)
	for _, step := range []func(context.Context, types.ID, types.ID) (*Ride, error){h.svc.Accept, h.svc.Arrive, h.svc.Start} {
		_, err := step(ctx, r.ID, "d1")
		require.NoError(t, err)
	}

	usd := types.Money{Amount: 5000, Currency: "USD"}
	_, err = h.svc.Complete(ctx, r.ID, "d1", &usd)
	assert.ErrorIs(t, err, ErrBadRequest)

	bare := types.Money{Amount: 30000}
	done, err := h.svc.Complete(ctx, r.ID, "d1", &bare)
	require.NoError(t, err)
	assert.Equal(t, types.Money{Amount: 30000, Currency: "INR"}, *done.FinalFare)
}

func TestComplete_CurrencyWithoutEstimateIsKept(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.assigned(t, "d1")
	for _, step := range []func(context.Context, types.ID, types.ID) (*Ride, error){h.svc.Accept, h.svc.Arrive, h.svc.Start} {
		_, err := step(ctx, r.ID, "d1")
		require.NoError(t, err)
	}

	usd := types.Money{Amount: 5000, Currency: "USD"}
	done, err := h.svc.Complete(ctx, r.ID, "d1", &usd)
	require.NoError(t, err)
	assert.Equal(t, usd, *done.FinalFare)
}

func TestProgress_UnassignedRide(t *testing.T) {
	h := newHarness(t)
	r := h.broadcast(t)
	_, err := h.svc.Accept(context.Background(), r.ID, "d1")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestActiveRideIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.assigned(t, "d1")
	b := h.assigned(t, "d1")
	_, err := h.svc.Accept(ctx, b.ID, "d1")
	require.NoError(t, err)
	_, err = h.svc.Arrive(ctx, b.ID, "d1")
	require.NoError(t, err)
	c := h.assigned(t, "d1")
	_, err = h.svc.Cancel(ctx, CancelCommand{RideID: c.ID, RiderID: "u1"})
	require.NoError(t, err)

	ids, err := h.svc.ActiveRideIDs(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, []types.ID{a.ID}, ids)
}

func TestExpireMatching(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Now()
	h.svc.now = func() time.Time { return base.Add(-10 * time.Minute) }
	stale := h.broadcast(t)
	taken := h.assigned(t, "d1")
	h.svc.now = func() time.Time { return base }
	fresh := h.broadcast(t)

	n, err := h.svc.ExpireMatching(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := h.svc.Get(ctx, stale.ID)
	assert.Equal(t, StatusRejected, got.Status)
	got, _ = h.svc.Get(ctx, fresh.ID)
	assert.Equal(t, StatusMatching, got.Status)
	got, _ = h.svc.Get(ctx, taken.ID)
	assert.Equal(t, StatusAssigned, got.Status)

	failed := h.pub.of(fanout.TypeMatchingFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, fanout.RideGroup(stale.ID), failed[0].group)

	events, _ := h.svc.Events(ctx, stale.ID)
	last := events[len(events)-1]
	assert.Equal(t, EventMatchingFailed, last.EventType)
	assert.Equal(t, ActorSystem, last.ActorType)
}

func TestRunMatchingReaper_DisabledWithoutTimeout(t *testing.T) {
	h := newHarness(t)
	done := make(chan struct{})
	go func() {
		h.svc.RunMatchingReaper(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper should return immediately when disabled")
	}
}

func TestCanView(t *testing.T) {
	d := types.ID("d1")
	r := &Ride{RiderID: "u1", DriverID: &d}
	assert.True(t, CanView(r, "u1"))
	assert.True(t, CanView(r, "d1"))
	assert.False(t, CanView(r, "d2"))
	assert.False(t, CanView(&Ride{RiderID: "u1"}, "d1"))
}
