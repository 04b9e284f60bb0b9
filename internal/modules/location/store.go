// README: Driver position store backed by PostgreSQL: live upsert, history append, box query.
package location

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"siren/internal/modules/geo"
	"siren/internal/types"
)

// PositionStore keeps the authoritative live position per driver.
type PositionStore interface {
	geo.Source
	// UpsertPosition reports false when a newer position is already stored.
	UpsertPosition(ctx context.Context, p geo.Position) (bool, error)
	AppendHistory(ctx context.Context, e HistoryEntry) error
	GetPosition(ctx context.Context, driverID types.ID) (geo.Position, bool, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// UpsertPosition creates or overwrites the driver's row. Older reports never
// replace a newer last_seen.
func (s *Store) UpsertPosition(ctx context.Context, p geo.Position) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        INSERT INTO driver_positions (driver_id, lat, lng, is_online, last_seen)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (driver_id) DO UPDATE SET
            lat = EXCLUDED.lat,
            lng = EXCLUDED.lng,
            is_online = EXCLUDED.is_online,
            last_seen = EXCLUDED.last_seen
        WHERE driver_positions.last_seen <= EXCLUDED.last_seen`,
		string(p.DriverID), p.Point.Lat, p.Point.Lng, p.IsOnline, p.LastSeen,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) AppendHistory(ctx context.Context, e HistoryEntry) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO driver_position_history (driver_id, lat, lng, speed, heading, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.DriverID), e.Point.Lat, e.Point.Lng, e.Speed, e.Heading, e.RecordedAt,
	)
	return err
}

func (s *Store) GetPosition(ctx context.Context, driverID types.ID) (geo.Position, bool, error) {
	row := s.db.QueryRow(ctx, `
        SELECT driver_id, lat, lng, is_online, last_seen
        FROM driver_positions
        WHERE driver_id = $1`, string(driverID),
	)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return geo.Position{}, false, nil
	}
	if err != nil {
		return geo.Position{}, false, err
	}
	return p, true, nil
}

func (s *Store) OnlineWithin(ctx context.Context, box geo.Box) ([]geo.Position, error) {
	ranges := box.LngRanges()
	second := ranges[0]
	if len(ranges) > 1 {
		second = ranges[1]
	}
	rows, err := s.db.Query(ctx, `
        SELECT driver_id, lat, lng, is_online, last_seen
        FROM driver_positions
        WHERE is_online
          AND lat BETWEEN $1 AND $2
          AND (lng BETWEEN $3 AND $4 OR lng BETWEEN $5 AND $6)`,
		box.MinLat, box.MaxLat, ranges[0][0], ranges[0][1], second[0], second[1],
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []geo.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(row pgx.Row) (geo.Position, error) {
	var p geo.Position
	var id string
	if err := row.Scan(&id, &p.Point.Lat, &p.Point.Lng, &p.IsOnline, &p.LastSeen); err != nil {
		return geo.Position{}, err
	}
	p.DriverID = types.ID(id)
	return p, nil
}
