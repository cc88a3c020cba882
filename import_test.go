package routes2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two stops, one route, one trip.
func exampleDocument() Document {
	return Document{{
		ID:       "R1",
		Fare:     ptr[int64](500),
		Capacity: ptr[int64](40),
		Stops: []Stop{
			testStop("A", 1.0, 2.0),
			testStop("B", 3.0, 4.0),
		},
		Departures: &[]string{"2024-01-01T08:00Z"},
		Arrivals:   &[]string{"2024-01-01T08:30Z"},
	}}
}

// testRoute is a route with no trips.
func testRoute(id string, stops ...Stop) Route {
	return Route{
		ID:         id,
		Fare:       ptr[int64](100),
		Capacity:   ptr[int64](10),
		Stops:      stops,
		Departures: &[]string{},
		Arrivals:   &[]string{},
	}
}

func testStop(name string, lat, lng float64) Stop {
	return Stop{Name: name, Lat: &lat, Lng: &lng}
}

func TestImportsExample(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		result, err := Import(context.Background(), store, exampleDocument(), nil)
		require.NoError(t, err)
		assert.NotEmpty(t, result.RunID)
		assert.Equal(t, 2, result.StopsCreated)
		assert.Equal(t, 1, result.RoutesCreated)
		assert.Equal(t, 2, result.RouteStopsCreated)
		assert.Equal(t, 1, result.TripsCreated)

		db := snapshot(t, store)
		require.Len(t, db.stops, 2)
		require.Len(t, db.routes, 1)
		require.Len(t, db.routeStops, 2)
		require.Len(t, db.trips, 1)

		route := db.routes[0]
		assert.Equal(t, "R1", route.ID)
		assert.Equal(t, int64(500), route.Fare)
		assert.Equal(t, int64(40), route.Capacity)
		assert.Equal(t, "A", db.stopName(route.OriginStopID))
		assert.Equal(t, "B", db.stopName(route.DestinationStopID))

		trip := db.trips[0]
		assert.Equal(t, "2024-01-01T08:00:00Z", formatTimestamp(trip.Departure))
		assert.Equal(t, "2024-01-01T08:30:00Z", formatTimestamp(trip.Arrival))
	})
}

func TestReimportOnlyAppendsTrips(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		doc := readSampleDocument(t)

		_, err := Import(context.Background(), store, doc, nil)
		require.NoError(t, err)
		before := snapshot(t, store)

		result, err := Import(context.Background(), store, doc, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, result.StopsCreated)
		assert.Equal(t, 0, result.RoutesCreated)
		assert.Equal(t, len(doc), result.RoutesSkipped)
		assert.Equal(t, 0, result.RouteStopsCreated)
		assert.Equal(t, len(before.trips), result.TripsCreated)

		after := snapshot(t, store)
		assert.Equal(t, before.stops, after.stops)
		assert.Equal(t, before.routes, after.routes)
		assert.Equal(t, before.routeStops, after.routeStops)
		assert.Len(t, after.trips, 2*len(before.trips))
	})
}

func TestSharedStopNamesResolveToOneStop(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		result, err := Import(context.Background(), store, readSampleDocument(t), nil)
		require.NoError(t, err)
		assert.Equal(t, 1, result.StopsReused)

		db := snapshot(t, store)
		assert.Len(t, db.stops, 6)

		origins := make(map[string]int64)
		for _, route := range db.routes {
			origins[route.ID] = route.OriginStopID
		}
		assert.Equal(t, origins["BCN-GIR"], origins["BCN-TAR"])
		assert.Equal(t, "Barcelona Sants", db.stopName(origins["BCN-GIR"]))
	})
}

func TestExistingStopIsNotModified(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		_, err := Import(context.Background(), store, exampleDocument(), nil)
		require.NoError(t, err)

		moved := Document{testRoute("R2", testStop("A", 50, 60), testStop("C", 5, 6))}
		_, err = Import(context.Background(), store, moved, nil)
		require.NoError(t, err)

		db := snapshot(t, store)
		for _, stop := range db.stops {
			if stop.Name == "A" {
				assert.Equal(t, 1.0, stop.Latitude)
				assert.Equal(t, 2.0, stop.Longitude)
			}
		}
	})
}

func TestImportsShorterOfDeparturesAndArrivals(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		doc := exampleDocument()
		doc[0].Departures = &[]string{"2024-01-01T08:00Z", "2024-01-01T09:00Z", "2024-01-01T10:00Z"}
		doc[0].Arrivals = &[]string{"2024-01-01T08:30Z", "2024-01-01T09:30Z"}

		result, err := Import(context.Background(), store, doc, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, result.TripsCreated)
		assert.Len(t, snapshot(t, store).trips, 2)
	})
}

func TestOriginAndDestinationMatchRouteStops(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		_, err := Import(context.Background(), store, readSampleDocument(t), nil)
		require.NoError(t, err)

		db := snapshot(t, store)
		for _, route := range db.routes {
			var stops []RouteStopRecord
			for _, rs := range db.routeStops {
				if rs.RouteID == route.ID {
					stops = append(stops, rs)
				}
			}
			require.NotEmpty(t, stops, route.ID)
			assert.Equal(t, int64(1), stops[0].Position, route.ID)
			assert.Equal(t, stops[0].StopID, route.OriginStopID, route.ID)
			assert.Equal(t, stops[len(stops)-1].StopID, route.DestinationStopID, route.ID)
		}
	})
}

func TestDeletingRouteCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		_, err := Import(ctx, store, exampleDocument(), nil)
		require.NoError(t, err)

		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		deleted, err := tx.DeleteRoute(ctx, "R1")
		require.NoError(t, err)
		assert.True(t, deleted)
		require.NoError(t, tx.Commit(ctx))

		db := snapshot(t, store)
		assert.Empty(t, db.routes)
		assert.Empty(t, db.routeStops)
		assert.Empty(t, db.trips)
		assert.Len(t, db.stops, 2)
	})
}

func TestImportFailureRollsBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		bad := testRoute("R2", testStop("C", 5, 6))
		bad.Departures = &[]string{"yesterday"}
		bad.Arrivals = &[]string{"today"}
		doc := append(exampleDocument(), bad)

		_, err := Import(context.Background(), store, doc, nil)
		require.ErrorContains(t, err, "invalid timestamp")

		db := snapshot(t, store)
		assert.Empty(t, db.stops)
		assert.Empty(t, db.routes)
		assert.Empty(t, db.trips)
	})
}

func TestImportChangedStopList(t *testing.T) {
	extended := exampleDocument()
	extended[0].Stops = append(extended[0].Stops, testStop("C", 5, 6))

	t.Run("default", func(t *testing.T) {
		forEachStore(t, func(t *testing.T, store Store) {
			_, err := Import(context.Background(), store, exampleDocument(), nil)
			require.NoError(t, err)

			result, err := Import(context.Background(), store, extended, nil)
			require.NoError(t, err)
			require.Len(t, result.Issues, 1)
			assert.Equal(t, 1, result.RoutesSkipped)

			db := snapshot(t, store)
			assert.Len(t, db.routes, 1)
			assert.Len(t, db.routeStops, 3)
			assert.Len(t, db.trips, 2)
			assert.Equal(t, "B", db.stopName(db.routes[0].DestinationStopID))
		})
	})
	t.Run("strict", func(t *testing.T) {
		forEachStore(t, func(t *testing.T, store Store) {
			_, err := Import(context.Background(), store, exampleDocument(), nil)
			require.NoError(t, err)

			result, err := Import(context.Background(), store, extended, &ImportOpts{Strict: true})
			require.ErrorIs(t, err, ErrInvalidInput)
			require.ErrorContains(t, err, "destination")
			require.Len(t, result.Issues, 1)

			db := snapshot(t, store)
			assert.Len(t, db.stops, 2)
			assert.Len(t, db.routeStops, 2)
			assert.Len(t, db.trips, 1)
		})
	})
	t.Run("fix", func(t *testing.T) {
		forEachStore(t, func(t *testing.T, store Store) {
			_, err := Import(context.Background(), store, exampleDocument(), nil)
			require.NoError(t, err)

			result, err := Import(context.Background(), store, extended, &ImportOpts{ForceValid: true, Strict: true})
			require.NoError(t, err)
			require.Len(t, result.Issues, 1)

			db := snapshot(t, store)
			assert.Empty(t, db.routes)
			assert.Empty(t, db.routeStops)
			assert.Empty(t, db.trips)
			assert.Len(t, db.stops, 3)
		})
	})
}

func TestConsistencyIssuesLogWithRunID(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	store, err := Open(context.Background(), testTempdir(t)+"/routes.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = Import(context.Background(), store, exampleDocument(), nil)
	require.NoError(t, err)

	extended := exampleDocument()
	extended[0].Stops = append(extended[0].Stops, testStop("C", 5, 6))
	buf.Reset()
	result, err := Import(context.Background(), store, extended, nil)
	require.NoError(t, err)
	require.Len(t, result.Issues, 1)

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var record map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		assert.Equal(t, result.RunID, record["run"], line)
		if record["msg"] == result.Issues[0] {
			found = true
			assert.Equal(t, "WARN", record["level"])
		}
	}
	assert.True(t, found, "issue not logged")
}

func TestReimportWithLongerStopListKeepsNewRoutes(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		_, err := Import(context.Background(), store, exampleDocument(), nil)
		require.NoError(t, err)

		doc := exampleDocument()
		doc[0].Stops = append(doc[0].Stops, testStop("C", 5, 6))
		doc = append(doc, testRoute("R9", testStop("D", 7, 8), testStop("E", 9, 10)))

		result, err := Import(context.Background(), store, doc, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, result.RoutesCreated)
		assert.Equal(t, 1, result.RoutesSkipped)

		db := snapshot(t, store)
		require.Len(t, db.routes, 2)
		assert.Equal(t, "R9", db.routes[1].ID)
		assert.Equal(t, "D", db.stopName(db.routes[1].OriginStopID))
		assert.Equal(t, "E", db.stopName(db.routes[1].DestinationStopID))
	})
}

func TestDuplicateRouteWithFewerStops(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		doc := Document{
			testRoute("R1", testStop("A", 1, 2), testStop("B", 3, 4), testStop("C", 5, 6)),
			testRoute("R1", testStop("A", 1, 2), testStop("B", 3, 4)),
		}

		result, err := Import(context.Background(), store, doc, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, result.RoutesCreated)
		assert.Equal(t, 1, result.RoutesSkipped)
		assert.Equal(t, 3, result.RouteStopsCreated)
		assert.Empty(t, result.Issues)

		db := snapshot(t, store)
		require.Len(t, db.routes, 1)
		assert.Len(t, db.routeStops, 3)
		assert.Equal(t, "C", db.stopName(db.routes[0].DestinationStopID))
	})
}

func TestImportRejectsMissingFields(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		noFare := exampleDocument()
		noFare[0].Fare = nil
		noLat := exampleDocument()
		noLat[0].Stops[1].Lat = nil
		noArrivals := exampleDocument()
		noArrivals[0].Arrivals = nil

		for _, doc := range []Document{noFare, noLat, noArrivals} {
			_, err := Import(context.Background(), store, doc, nil)
			require.ErrorIs(t, err, ErrInvalidDocument)
		}

		db := snapshot(t, store)
		assert.Empty(t, db.stops)
		assert.Empty(t, db.routes)
	})
}

func TestImportKeepsZeroFare(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		doc := exampleDocument()
		doc[0].Fare = ptr[int64](0)

		_, err := Import(context.Background(), store, doc, nil)
		require.NoError(t, err)

		db := snapshot(t, store)
		require.Len(t, db.routes, 1)
		assert.Equal(t, int64(0), db.routes[0].Fare)
	})
}

func TestImportFile(t *testing.T) {
	outDir := testTempdir(t)
	result, err := ImportFile(context.Background(), "./sample_data/routes.yaml", "sqlite:"+outDir+"/routes.db", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RoutesCreated)
	assert.Equal(t, 1, result.TripsCreated)
}

type dbSnapshot struct {
	stops      []StopRecord
	routes     []RouteRecord
	routeStops []RouteStopRecord
	trips      []TripRecord
}

func (s dbSnapshot) stopName(id int64) string {
	for _, stop := range s.stops {
		if stop.ID == id {
			return stop.Name
		}
	}
	return ""
}

func snapshot(t *testing.T, store Store) dbSnapshot {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.EnsureSchema(ctx))
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	var s dbSnapshot
	s.stops, err = tx.Stops(ctx)
	require.NoError(t, err)
	s.routes, err = tx.Routes(ctx)
	require.NoError(t, err)
	s.routeStops, err = tx.RouteStops(ctx)
	require.NoError(t, err)
	s.trips, err = tx.Trips(ctx)
	require.NoError(t, err)
	return s
}

func readSampleDocument(t *testing.T) Document {
	t.Helper()
	doc, err := ReadDocument("./sample_data/routes.json")
	require.NoError(t, err)
	return doc
}

// forEachStore runs fn against an empty SQLite database and, when
// TEST_DATABASE_URL is set, against that PostgreSQL database after
// dropping its route tables.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		store, err := Open(context.Background(), testTempdir(t)+"/routes.db")
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		fn(t, store)
	})

	if os.Getenv("TEST_DATABASE_URL") == "" {
		return
	}
	t.Run("postgres", func(t *testing.T) {
		fn(t, openTestPostgres(t, true))
	})
}

// openTestPostgres connects to TEST_DATABASE_URL, skipping the test if it
// is unset. With reset the route tables are dropped first.
func openTestPostgres(t *testing.T, reset bool) *postgresStore {
	t.Helper()
	pgURL := os.Getenv("TEST_DATABASE_URL")
	if pgURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	store, err := openPostgres(ctx, pgURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if reset {
		_, err = store.conn.Exec(ctx, "DROP TABLE IF EXISTS trips, route_stops, routes, stops CASCADE")
		require.NoError(t, err)
	}
	return store
}

func testTempdir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "")
	require.NoError(t, err)
	t.Cleanup(func() {
		if t.Failed() {
			fmt.Println("Preserving tempdir after failed test", dir)
		} else {
			_ = os.RemoveAll(dir)
		}
	})
	return dir
}
