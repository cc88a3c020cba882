package routes2sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

type postgresStore struct {
	conn *pgx.Conn
}

func openPostgres(ctx context.Context, databaseURL string) (*postgresStore, error) {
	cfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	slog.Info(fmt.Sprintf("Connecting to PostgreSQL database %s on %s", cfg.Database, cfg.Host))

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &postgresStore{conn: conn}, nil
}

func (s *postgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *postgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

func (s *postgresStore) Close() error {
	return s.conn.Close(context.Background())
}

type postgresTx struct {
	tx pgx.Tx
}

const resolveStopQuery = `
	WITH inserted AS (
		INSERT INTO stops (name, latitude, longitude)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING
		RETURNING id
	)
	SELECT id, true FROM inserted
	UNION ALL
	SELECT id, false FROM stops WHERE name = $1
	LIMIT 1
`

func (t *postgresTx) ResolveStop(ctx context.Context, name string, lat, lng float64) (int64, bool, error) {
	var id int64
	var created bool
	err := t.tx.QueryRow(ctx, resolveStopQuery, name, lat, lng).Scan(&id, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflicting row was committed by another session after this
		// statement took its snapshot; a fresh statement sees it.
		err = t.tx.QueryRow(ctx, "SELECT id FROM stops WHERE name = $1", name).Scan(&id)
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve stop %q: %w", name, err)
	}
	return id, created, nil
}

func (t *postgresTx) InsertRoute(ctx context.Context, route RouteRecord) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO routes (id, origin_stop_id, destination_stop_id, fare, capacity)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		route.ID, route.OriginStopID, route.DestinationStopID, route.Fare, route.Capacity)
	if err != nil {
		return false, fmt.Errorf("failed to insert route %s: %w", route.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *postgresTx) InsertRouteStop(ctx context.Context, rs RouteStopRecord) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO route_stops (route_id, stop_order, stop_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (route_id, stop_order) DO NOTHING`,
		rs.RouteID, rs.Position, rs.StopID)
	if err != nil {
		return false, fmt.Errorf("failed to insert stop %d of route %s: %w", rs.Position, rs.RouteID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *postgresTx) InsertTrip(ctx context.Context, routeID string, departure, arrival time.Time) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO trips (route_id, departure_time, arrival_time)
		VALUES ($1, $2, $3)
		RETURNING id`, routeID, departure, arrival).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trip of route %s: %w", routeID, err)
	}
	return id, nil
}

func (t *postgresTx) DeleteRoute(ctx context.Context, routeID string) (bool, error) {
	tag, err := t.tx.Exec(ctx, "DELETE FROM routes WHERE id = $1", routeID)
	if err != nil {
		return false, fmt.Errorf("failed to delete route %s: %w", routeID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *postgresTx) DeleteUnusedStops(ctx context.Context) (int64, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM stops s
		WHERE NOT EXISTS (SELECT 1 FROM route_stops rs WHERE rs.stop_id = s.id)
		  AND NOT EXISTS (SELECT 1 FROM routes r
		                  WHERE r.origin_stop_id = s.id OR r.destination_stop_id = s.id)`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete unused stops: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *postgresTx) Stops(ctx context.Context) ([]StopRecord, error) {
	rows, err := t.tx.Query(ctx, "SELECT id, name, latitude, longitude FROM stops ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query stops: %w", err)
	}
	defer rows.Close()

	var out []StopRecord
	for rows.Next() {
		var s StopRecord
		if err := rows.Scan(&s.ID, &s.Name, &s.Latitude, &s.Longitude); err != nil {
			return nil, fmt.Errorf("failed to scan stop row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stop rows: %w", err)
	}
	return out, nil
}

func (t *postgresTx) Routes(ctx context.Context) ([]RouteRecord, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, origin_stop_id, destination_stop_id, fare, capacity
		FROM routes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}
	defer rows.Close()

	var out []RouteRecord
	for rows.Next() {
		var r RouteRecord
		if err := rows.Scan(&r.ID, &r.OriginStopID, &r.DestinationStopID, &r.Fare, &r.Capacity); err != nil {
			return nil, fmt.Errorf("failed to scan route row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating route rows: %w", err)
	}
	return out, nil
}

func (t *postgresTx) RouteStops(ctx context.Context) ([]RouteStopRecord, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT route_id, stop_order, stop_id
		FROM route_stops ORDER BY route_id, stop_order`)
	if err != nil {
		return nil, fmt.Errorf("failed to query route stops: %w", err)
	}
	defer rows.Close()

	var out []RouteStopRecord
	for rows.Next() {
		var rs RouteStopRecord
		if err := rows.Scan(&rs.RouteID, &rs.Position, &rs.StopID); err != nil {
			return nil, fmt.Errorf("failed to scan route stop row: %w", err)
		}
		out = append(out, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating route stop rows: %w", err)
	}
	return out, nil
}

func (t *postgresTx) Trips(ctx context.Context) ([]TripRecord, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, route_id, departure_time, arrival_time
		FROM trips ORDER BY route_id, departure_time, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trips: %w", err)
	}
	defer rows.Close()

	var out []TripRecord
	for rows.Next() {
		var trip TripRecord
		if err := rows.Scan(&trip.ID, &trip.RouteID, &trip.Departure, &trip.Arrival); err != nil {
			return nil, fmt.Errorf("failed to scan trip row: %w", err)
		}
		out = append(out, trip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trip rows: %w", err)
	}
	return out, nil
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
