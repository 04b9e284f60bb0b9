// README: Driver directory backed by PostgreSQL.
package driver

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"siren/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Profile(ctx context.Context, id types.ID) (Profile, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, full_name, phone, vehicle_no, vehicle_type, photo_url
        FROM drivers
        WHERE id = $1`, string(id),
	)
	var p Profile
	var photo sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Phone, &p.VehicleNo, &p.VehicleType, &photo)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	if photo.Valid {
		p.PhotoURL = &photo.String
	}
	return p, nil
}

func (s *Store) DeviceTokens(ctx context.Context, id types.ID) ([]string, error) {
	rows, err := s.db.Query(ctx, `
        SELECT token FROM driver_devices
        WHERE driver_id = $1
        ORDER BY created_at DESC`, string(id),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) Upsert(ctx context.Context, p Profile) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO drivers (id, full_name, phone, vehicle_no, vehicle_type, photo_url)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO UPDATE SET
            full_name = EXCLUDED.full_name,
            phone = EXCLUDED.phone,
            vehicle_no = EXCLUDED.vehicle_no,
            vehicle_type = EXCLUDED.vehicle_type,
            photo_url = EXCLUDED.photo_url`,
		string(p.ID), p.Name, p.Phone, p.VehicleNo, p.VehicleType, p.PhotoURL,
	)
	return err
}
