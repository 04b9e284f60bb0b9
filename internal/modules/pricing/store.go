// README: Pricing rates backed by PostgreSQL.
package pricing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RateStore interface {
	GetRate(ctx context.Context, ambulanceType string) (Rate, bool, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) GetRate(ctx context.Context, ambulanceType string) (Rate, bool, error) {
	var r Rate
	err := s.db.QueryRow(ctx, `
        SELECT ambulance_type, base_fare, per_km, per_min, currency, updated_at
        FROM pricing_rates
        WHERE ambulance_type = $1`, ambulanceType,
	).Scan(&r.AmbulanceType, &r.BaseFare, &r.PerKm, &r.PerMin, &r.Currency, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rate{}, false, nil
	}
	if err != nil {
		return Rate{}, false, err
	}
	return r, true, nil
}

func (s *Store) UpsertRate(ctx context.Context, r Rate) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO pricing_rates (ambulance_type, base_fare, per_km, per_min, currency, updated_at)
        VALUES ($1, $2, $3, $4, $5, now())
        ON CONFLICT (ambulance_type) DO UPDATE SET
            base_fare = EXCLUDED.base_fare,
            per_km = EXCLUDED.per_km,
            per_min = EXCLUDED.per_min,
            currency = EXCLUDED.currency,
            updated_at = now()`,
		r.AmbulanceType, r.BaseFare, r.PerKm, r.PerMin, r.Currency,
	)
	return err
}

// StaticRates serves rates from memory.
type StaticRates map[string]Rate

func (s StaticRates) GetRate(_ context.Context, ambulanceType string) (Rate, bool, error) {
	r, ok := s[ambulanceType]
	return r, ok, nil
}
