package routes2sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// foreign_keys is off by default in SQLite and can only be changed outside
// a transaction, so it is set once per connection.
var sqlitePragmas = map[string]string{
	"foreign_keys": "ON",
}

type sqliteStore struct {
	conn *sqlite.Conn
}

func openSQLite(path string) (*sqliteStore, error) {
	slog.Info(fmt.Sprintf("Opening SQLite database %s", path))

	conn, err := sqlite.OpenConn(path, 0)
	if err != nil {
		return nil, err
	}

	for pragma, value := range sqlitePragmas {
		if err := sqlitex.ExecTransient(conn, "PRAGMA "+pragma+" = "+value, sqlitexNoop); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	return &sqliteStore{conn: conn}, nil
}

func (s *sqliteStore) EnsureSchema(ctx context.Context) error {
	defer s.conn.SetInterrupt(s.conn.SetInterrupt(ctx.Done()))

	for _, stmt := range sqliteSchema {
		if err := sqlitex.ExecTransient(s.conn, stmt, sqlitexNoop); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *sqliteStore) Begin(ctx context.Context) (Tx, error) {
	if err := sqlitex.ExecTransient(s.conn, "BEGIN", sqlitexNoop); err != nil {
		return nil, err
	}
	prevInterrupt := s.conn.SetInterrupt(ctx.Done())
	return &sqliteTx{conn: s.conn, prevInterrupt: prevInterrupt}, nil
}

func (s *sqliteStore) Close() error {
	return s.conn.Close()
}

type sqliteTx struct {
	conn          *sqlite.Conn
	prevInterrupt <-chan struct{}
	done          bool
}

func (t *sqliteTx) ResolveStop(_ context.Context, name string, lat, lng float64) (int64, bool, error) {
	err := sqlitex.Exec(t.conn,
		"INSERT INTO stops (name, latitude, longitude) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING",
		sqlitexNoop, name, lat, lng)
	if err != nil {
		return 0, false, fmt.Errorf("insert stop %q: %w", name, err)
	}
	if t.conn.Changes() > 0 {
		return t.conn.LastInsertRowID(), true, nil
	}

	var id int64
	found := false
	err = sqlitex.Exec(t.conn, "SELECT id FROM stops WHERE name = ?", func(stmt *sqlite.Stmt) error {
		id = stmt.GetInt64("id")
		found = true
		return nil
	}, name)
	if err != nil {
		return 0, false, fmt.Errorf("select stop %q: %w", name, err)
	}
	if !found {
		return 0, false, fmt.Errorf("stop %q neither inserted nor found", name)
	}
	return id, false, nil
}

func (t *sqliteTx) InsertRoute(_ context.Context, route RouteRecord) (bool, error) {
	err := sqlitex.Exec(t.conn, `
		INSERT INTO routes (id, origin_stop_id, destination_stop_id, fare, capacity)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		sqlitexNoop, route.ID, route.OriginStopID, route.DestinationStopID, route.Fare, route.Capacity)
	if err != nil {
		return false, fmt.Errorf("insert route %s: %w", route.ID, err)
	}
	return t.conn.Changes() > 0, nil
}

func (t *sqliteTx) InsertRouteStop(_ context.Context, rs RouteStopRecord) (bool, error) {
	err := sqlitex.Exec(t.conn, `
		INSERT INTO route_stops (route_id, stop_order, stop_id)
		VALUES (?, ?, ?)
		ON CONFLICT (route_id, stop_order) DO NOTHING`,
		sqlitexNoop, rs.RouteID, rs.Position, rs.StopID)
	if err != nil {
		return false, fmt.Errorf("insert stop %d of route %s: %w", rs.Position, rs.RouteID, err)
	}
	return t.conn.Changes() > 0, nil
}

func (t *sqliteTx) InsertTrip(_ context.Context, routeID string, departure, arrival time.Time) (int64, error) {
	err := sqlitex.Exec(t.conn,
		"INSERT INTO trips (route_id, departure_time, arrival_time) VALUES (?, ?, ?)",
		sqlitexNoop, routeID, formatSQLiteTime(departure), formatSQLiteTime(arrival))
	if err != nil {
		return 0, fmt.Errorf("insert trip of route %s: %w", routeID, err)
	}
	return t.conn.LastInsertRowID(), nil
}

func (t *sqliteTx) DeleteRoute(_ context.Context, routeID string) (bool, error) {
	if err := sqlitex.Exec(t.conn, "DELETE FROM routes WHERE id = ?", sqlitexNoop, routeID); err != nil {
		return false, fmt.Errorf("delete route %s: %w", routeID, err)
	}
	return t.conn.Changes() > 0, nil
}

func (t *sqliteTx) DeleteUnusedStops(_ context.Context) (int64, error) {
	err := sqlitex.ExecTransient(t.conn, `
		DELETE FROM stops WHERE id NOT IN
			(SELECT stop_id FROM route_stops
			 UNION SELECT origin_stop_id FROM routes
			 UNION SELECT destination_stop_id FROM routes)`, sqlitexNoop)
	if err != nil {
		return 0, fmt.Errorf("delete unused stops: %w", err)
	}
	return int64(t.conn.Changes()), nil
}

func (t *sqliteTx) Stops(_ context.Context) ([]StopRecord, error) {
	var out []StopRecord
	err := sqlitex.Exec(t.conn, "SELECT id, name, latitude, longitude FROM stops ORDER BY id", func(stmt *sqlite.Stmt) error {
		out = append(out, StopRecord{
			ID:        stmt.GetInt64("id"),
			Name:      stmt.GetText("name"),
			Latitude:  stmt.GetFloat("latitude"),
			Longitude: stmt.GetFloat("longitude"),
		})
		return nil
	})
	return out, err
}

func (t *sqliteTx) Routes(_ context.Context) ([]RouteRecord, error) {
	var out []RouteRecord
	err := sqlitex.Exec(t.conn, `
		SELECT id, origin_stop_id, destination_stop_id, fare, capacity
		FROM routes ORDER BY id`, func(stmt *sqlite.Stmt) error {
		out = append(out, RouteRecord{
			ID:                stmt.GetText("id"),
			OriginStopID:      stmt.GetInt64("origin_stop_id"),
			DestinationStopID: stmt.GetInt64("destination_stop_id"),
			Fare:              stmt.GetInt64("fare"),
			Capacity:          stmt.GetInt64("capacity"),
		})
		return nil
	})
	return out, err
}

func (t *sqliteTx) RouteStops(_ context.Context) ([]RouteStopRecord, error) {
	var out []RouteStopRecord
	err := sqlitex.Exec(t.conn, `
		SELECT route_id, stop_order, stop_id
		FROM route_stops ORDER BY route_id, stop_order`, func(stmt *sqlite.Stmt) error {
		out = append(out, RouteStopRecord{
			RouteID:  stmt.GetText("route_id"),
			Position: stmt.GetInt64("stop_order"),
			StopID:   stmt.GetInt64("stop_id"),
		})
		return nil
	})
	return out, err
}

func (t *sqliteTx) Trips(_ context.Context) ([]TripRecord, error) {
	var out []TripRecord
	err := sqlitex.Exec(t.conn, `
		SELECT id, route_id, departure_time, arrival_time
		FROM trips ORDER BY route_id, departure_time, id`, func(stmt *sqlite.Stmt) error {
		departure, err := time.Parse(sqliteTimeLayout, stmt.GetText("departure_time"))
		if err != nil {
			return err
		}
		arrival, err := time.Parse(sqliteTimeLayout, stmt.GetText("arrival_time"))
		if err != nil {
			return err
		}
		out = append(out, TripRecord{
			ID:        stmt.GetInt64("id"),
			RouteID:   stmt.GetText("route_id"),
			Departure: departure,
			Arrival:   arrival,
		})
		return nil
	})
	return out, err
}

func (t *sqliteTx) Commit(_ context.Context) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	if err := sqlitex.ExecTransient(t.conn, "COMMIT", sqlitexNoop); err != nil {
		return err
	}
	t.finish()
	return nil
}

func (t *sqliteTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.finish()
	return sqlitex.ExecTransient(t.conn, "ROLLBACK", sqlitexNoop)
}

func (t *sqliteTx) finish() {
	t.done = true
	t.conn.SetInterrupt(t.prevInterrupt)
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func sqlitexNoop(*sqlite.Stmt) error {
	return nil
}
