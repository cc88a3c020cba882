package routes2sql

import (
	"context"
	"strings"
	"time"
)

type StopRecord struct {
	ID        int64
	Name      string
	Latitude  float64
	Longitude float64
}

type RouteRecord struct {
	ID                string
	OriginStopID      int64
	DestinationStopID int64
	Fare              int64
	Capacity          int64
}

type RouteStopRecord struct {
	RouteID  string
	Position int64 // 1-based
	StopID   int64
}

type TripRecord struct {
	ID        int64
	RouteID   string
	Departure time.Time
	Arrival   time.Time
}

// Store is a database holding the route schema. A Store wraps a single
// connection and is not safe for concurrent use.
type Store interface {
	// EnsureSchema creates any missing tables and indexes. It runs outside
	// of a transaction so the schema is committed on return.
	EnsureSchema(ctx context.Context) error
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is an open transaction on a Store. Rollback after Commit is a no-op so
// callers can always defer it.
type Tx interface {
	// ResolveStop returns the id of the stop called name, inserting it if
	// no such stop exists. An existing stop is never modified.
	ResolveStop(ctx context.Context, name string, lat, lng float64) (id int64, created bool, err error)
	// InsertRoute inserts the route unless its id is already present.
	InsertRoute(ctx context.Context, route RouteRecord) (bool, error)
	// InsertRouteStop inserts the row unless (route, position) is taken.
	InsertRouteStop(ctx context.Context, rs RouteStopRecord) (bool, error)
	InsertTrip(ctx context.Context, routeID string, departure, arrival time.Time) (int64, error)

	// DeleteRoute deletes a route, cascading to its route stops and trips.
	DeleteRoute(ctx context.Context, routeID string) (bool, error)
	// DeleteUnusedStops deletes stops no route refers to.
	DeleteUnusedStops(ctx context.Context) (int64, error)

	Stops(ctx context.Context) ([]StopRecord, error)           // by id
	Routes(ctx context.Context) ([]RouteRecord, error)         // by id
	RouteStops(ctx context.Context) ([]RouteStopRecord, error) // by route, position
	Trips(ctx context.Context) ([]TripRecord, error)           // by route, departure, id

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Open connects to the database named by databaseURL. postgres:// and
// postgresql:// URLs use PostgreSQL; sqlite:<path>, file: URIs and bare
// paths use SQLite.
func Open(ctx context.Context, databaseURL string) (Store, error) {
	if databaseURL == "" {
		panic("Missing databaseURL")
	}

	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return openPostgres(ctx, databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite:"):
		path := strings.TrimPrefix(databaseURL, "sqlite:")
		path = strings.TrimPrefix(path, "//")
		return openSQLite(path)
	default:
		return openSQLite(databaseURL)
	}
}
