// README: Ride store backed by PostgreSQL; every mutation runs under SELECT ... FOR UPDATE.
package ride

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"siren/internal/types"
)

// Store persists rides and their audit log.
type Store interface {
	Create(ctx context.Context, r *Ride, e *Event) error
	Get(ctx context.Context, id types.ID) (*Ride, error)
	// TryAssign returns the ride as seen in-lock; nil when it does not exist.
	TryAssign(ctx context.Context, id, driverID types.ID, at time.Time) (*Ride, AssignOutcome, error)
	// Transition returns the ride before and after the mutation.
	Transition(ctx context.Context, id types.ID, m Mutation, guard Guard) (*Ride, *Ride, error)
	Events(ctx context.Context, id types.ID) ([]Event, error)
	ActiveRideIDs(ctx context.Context, driverID types.ID, statuses []Status) ([]types.ID, error)
	MatchingBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.ID, error)
}

const rideColumns = `
    id, rider_id, driver_id, requested_driver_id, status, status_version,
    ambulance_type, pickup_lat, pickup_lng, pickup_address,
    dropoff_lat, dropoff_lng, dropoff_address,
    estimate_distance_m, estimate_duration_s, estimated_fare, final_fare, currency,
    cancellation_reason, requested_at, assigned_at, accepted_at, arrived_at,
    started_at, completed_at, cancelled_at`

type PGStore struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, r *Ride, e *Event) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var dropLat, dropLng *float64
	if r.Dropoff != nil {
		dropLat, dropLng = &r.Dropoff.Lat, &r.Dropoff.Lng
	}
	_, err = tx.Exec(ctx, `
        INSERT INTO rides (
            id, rider_id, driver_id, requested_driver_id, status, status_version,
            ambulance_type, pickup_lat, pickup_lng, pickup_address,
            dropoff_lat, dropoff_lng, dropoff_address,
            estimate_distance_m, estimate_duration_s, estimated_fare, currency,
            requested_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6,
            $7, $8, $9, $10,
            $11, $12, $13,
            $14, $15, $16, $17,
            $18
        )`,
		string(r.ID), string(r.RiderID), idPtr(r.DriverID), idPtr(r.RequestedDriverID), string(r.Status), r.StatusVersion,
		r.AmbulanceType, r.Pickup.Lat, r.Pickup.Lng, r.PickupAddress,
		dropLat, dropLng, r.DropoffAddress,
		r.EstimateDistanceM, r.EstimateDurationS, amountPtr(r.EstimatedFare), currencyOf(r),
		r.RequestedAt,
	)
	if err != nil {
		return err
	}
	if e != nil {
		if err := insertEvent(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Ride, error) {
	row := s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, string(id))
	r, err := scanRide(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// TryAssign is the arbiter's critical section: the row lock is held from the
// re-check until commit.
func (s *PGStore) TryAssign(ctx context.Context, id, driverID types.ID, at time.Time) (*Ride, AssignOutcome, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, AssignInvalidState, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	r, err := lockRide(ctx, tx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, AssignInvalidState, nil
	}
	if err != nil {
		return nil, AssignInvalidState, err
	}
	if outcome := decideAssign(r); outcome != Assigned {
		return r, outcome, nil
	}

	d := driverID
	ev := applyMutation(r, Mutation{
		To:        StatusAssigned,
		EventType: EventAssigned,
		Actor:     ActorDriver,
		ActorID:   &d,
		DriverID:  &d,
		At:        at,
	})
	if err := updateRide(ctx, tx, r); err != nil {
		return nil, AssignInvalidState, err
	}
	if err := insertEvent(ctx, tx, &ev); err != nil {
		return nil, AssignInvalidState, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, AssignInvalidState, err
	}
	return r, Assigned, nil
}

func (s *PGStore) Transition(ctx context.Context, id types.ID, m Mutation, guard Guard) (*Ride, *Ride, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	r, err := lockRide(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	before := *r
	if guard != nil {
		if err := guard(&before); err != nil {
			return nil, nil, err
		}
	}
	if err := checkTransition(r, m.To); err != nil {
		return nil, nil, err
	}
	ev := applyMutation(r, m)
	if err := updateRide(ctx, tx, r); err != nil {
		return nil, nil, err
	}
	if err := insertEvent(ctx, tx, &ev); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return &before, r, nil
}

func (s *PGStore) Events(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, ride_id, event_type, from_status, to_status, actor_type, actor_id, event_data, created_at
        FROM ride_events
        WHERE ride_id = $1
        ORDER BY created_at, id`, string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var rideID, toStatus, actorType string
		var fromStatus, actorID *string
		if err := rows.Scan(&e.ID, &rideID, &e.EventType, &fromStatus, &toStatus, &actorType, &actorID, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.RideID = types.ID(rideID)
		e.ToStatus = Status(toStatus)
		e.ActorType = ActorType(actorType)
		if fromStatus != nil {
			e.FromStatus = Status(*fromStatus)
		}
		e.ActorID = toID(actorID)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) ActiveRideIDs(ctx context.Context, driverID types.ID, statuses []Status) ([]types.ID, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.ids(ctx, `
        SELECT id FROM rides
        WHERE driver_id = $1 AND status = ANY($2)
        ORDER BY id`, string(driverID), names)
}

func (s *PGStore) MatchingBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.ID, error) {
	return s.ids(ctx, `
        SELECT id FROM rides
        WHERE status = 'matching' AND requested_at < $1
        ORDER BY requested_at
        LIMIT $2`, cutoff, limit)
}

func (s *PGStore) ids(ctx context.Context, sql string, args ...any) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make([]types.ID, len(raw))
	for i, id := range raw {
		out[i] = types.ID(id)
	}
	return out, nil
}

func lockRide(ctx context.Context, tx pgx.Tx, id types.ID) (*Ride, error) {
	row := tx.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, string(id))
	r, err := scanRide(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock ride %s: %w", id, err)
	}
	return r, nil
}

func updateRide(ctx context.Context, tx pgx.Tx, r *Ride) error {
	_, err := tx.Exec(ctx, `
        UPDATE rides
        SET driver_id = $2,
            status = $3,
            status_version = $4,
            final_fare = $5,
            cancellation_reason = $6,
            assigned_at = $7,
            accepted_at = $8,
            arrived_at = $9,
            started_at = $10,
            completed_at = $11,
            cancelled_at = $12,
            currency = $13
        WHERE id = $1`,
		string(r.ID), idPtr(r.DriverID), string(r.Status), r.StatusVersion,
		amountPtr(r.FinalFare), r.CancellationReason,
		r.AssignedAt, r.AcceptedAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
		currencyOf(r),
	)
	return err
}

func insertEvent(ctx context.Context, tx pgx.Tx, e *Event) error {
	var from *string
	if e.FromStatus != "" {
		f := string(e.FromStatus)
		from = &f
	}
	return tx.QueryRow(ctx, `
        INSERT INTO ride_events (
            ride_id, event_type, from_status, to_status, actor_type, actor_id, event_data, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id`,
		string(e.RideID), e.EventType, from, string(e.ToStatus), string(e.ActorType), idPtr(e.ActorID), e.Data, e.CreatedAt,
	).Scan(&e.ID)
}

func scanRide(row pgx.Row) (*Ride, error) {
	var r Ride
	var id, riderID, status, currency string
	var driverID, requestedDriverID *string
	var dropLat, dropLng *float64
	var estimatedFare, finalFare *int64

	err := row.Scan(
		&id, &riderID, &driverID, &requestedDriverID, &status, &r.StatusVersion,
		&r.AmbulanceType, &r.Pickup.Lat, &r.Pickup.Lng, &r.PickupAddress,
		&dropLat, &dropLng, &r.DropoffAddress,
		&r.EstimateDistanceM, &r.EstimateDurationS, &estimatedFare, &finalFare, &currency,
		&r.CancellationReason, &r.RequestedAt, &r.AssignedAt, &r.AcceptedAt, &r.ArrivedAt,
		&r.StartedAt, &r.CompletedAt, &r.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	r.ID = types.ID(id)
	r.RiderID = types.ID(riderID)
	r.Status = Status(status)
	r.DriverID = toID(driverID)
	r.RequestedDriverID = toID(requestedDriverID)
	if dropLat != nil && dropLng != nil {
		r.Dropoff = &types.Point{Lat: *dropLat, Lng: *dropLng}
	}
	if estimatedFare != nil {
		r.EstimatedFare = &types.Money{Amount: *estimatedFare, Currency: currency}
	}
	if finalFare != nil {
		r.FinalFare = &types.Money{Amount: *finalFare, Currency: currency}
	}
	return &r, nil
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toID(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}

func amountPtr(m *types.Money) *int64 {
	if m == nil {
		return nil
	}
	n := m.Amount
	return &n
}

// currencyOf is the ride's single stored currency: the final fare's once set,
// else the estimate's.
func currencyOf(r *Ride) string {
	if r.FinalFare != nil && r.FinalFare.Currency != "" {
		return r.FinalFare.Currency
	}
	if r.EstimatedFare != nil && r.EstimatedFare.Currency != "" {
		return r.EstimatedFare.Currency
	}
	return defaultCurrency
}
