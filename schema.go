package routes2sql

// Each dialect's schema is a list of idempotent statements run in order.
// stops has to exist before routes and route_stops can reference it.

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS stops (
		id        SERIAL PRIMARY KEY,
		name      TEXT NOT NULL UNIQUE,
		latitude  DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS routes (
		id                  TEXT PRIMARY KEY,
		origin_stop_id      INTEGER NOT NULL REFERENCES stops(id),
		destination_stop_id INTEGER NOT NULL REFERENCES stops(id),
		fare                INTEGER NOT NULL,
		capacity            INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS route_stops (
		route_id   TEXT NOT NULL REFERENCES routes(id) ON DELETE CASCADE,
		stop_order INTEGER NOT NULL,
		stop_id    INTEGER NOT NULL REFERENCES stops(id),
		PRIMARY KEY (route_id, stop_order)
	)`,
	`CREATE TABLE IF NOT EXISTS trips (
		id             SERIAL PRIMARY KEY,
		route_id       TEXT NOT NULL REFERENCES routes(id) ON DELETE CASCADE,
		departure_time TIMESTAMP WITH TIME ZONE NOT NULL,
		arrival_time   TIMESTAMP WITH TIME ZONE NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trips_route_time ON trips(route_id, departure_time)`,
	`CREATE INDEX IF NOT EXISTS idx_route_stops_stop ON route_stops(stop_id)`,
}

// SQLite has no timestamp type; times are stored as fixed-width UTC text
// (sqliteTimeLayout) so they sort chronologically.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS stops (
		id        INTEGER PRIMARY KEY,
		name      TEXT NOT NULL UNIQUE,
		latitude  REAL NOT NULL,
		longitude REAL NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS routes (
		id                  TEXT PRIMARY KEY,
		origin_stop_id      INTEGER NOT NULL REFERENCES stops(id),
		destination_stop_id INTEGER NOT NULL REFERENCES stops(id),
		fare                INTEGER NOT NULL,
		capacity            INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS route_stops (
		route_id   TEXT NOT NULL REFERENCES routes(id) ON DELETE CASCADE,
		stop_order INTEGER NOT NULL,
		stop_id    INTEGER NOT NULL REFERENCES stops(id),
		PRIMARY KEY (route_id, stop_order)
	)`,
	`CREATE TABLE IF NOT EXISTS trips (
		id             INTEGER PRIMARY KEY,
		route_id       TEXT NOT NULL REFERENCES routes(id) ON DELETE CASCADE,
		departure_time TEXT NOT NULL,
		arrival_time   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trips_route_time ON trips(route_id, departure_time)`,
	`CREATE INDEX IF NOT EXISTS idx_route_stops_stop ON route_stops(stop_id)`,
}

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"
