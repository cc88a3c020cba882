package routes2sql

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// By default consistency issues are logged and the import commits, as a
// re-imported route is skipped rather than rejected.
type ImportOpts struct {
	// ForceValid deletes routes that fail the consistency check.
	ForceValid bool
	// Strict rolls the import back if the consistency check finds issues.
	Strict bool
}

type ImportResult struct {
	RunID string

	StopsCreated      int
	StopsReused       int
	RoutesCreated     int
	RoutesSkipped     int
	RouteStopsCreated int
	TripsCreated      int

	// Issues found by the consistency check, if any.
	Issues []string
}

// ImportFile reads the document at inputPath and imports it into the
// database at databaseURL.
func ImportFile(ctx context.Context, inputPath string, databaseURL string, opts *ImportOpts) (*ImportResult, error) {
	if inputPath == "" {
		panic("Missing inputPath")
	}

	slog.Info(fmt.Sprintf("Importing %s", inputPath))

	doc, err := ReadDocument(inputPath)
	if err != nil {
		return nil, err
	}

	store, err := Open(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	return Import(ctx, store, doc, opts)
}

// Import ensures the schema, commits it, then loads doc in a single
// transaction that is committed only if every statement succeeds.
//
// Stops and routes that already exist are reused untouched, so importing
// the same document twice leaves stops, routes and route stops unchanged
// but appends a second copy of every trip.
func Import(ctx context.Context, store Store, doc Document, opts *ImportOpts) (*ImportResult, error) {
	if store == nil {
		panic("Missing store")
	}
	if opts == nil {
		opts = &ImportOpts{}
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}

	result := &ImportResult{RunID: uuid.NewString()}
	log := slog.With("run", result.RunID)

	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	log.Info("Schema ready")

	tx, err := store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := range doc {
		if err := loadRoute(ctx, log, tx, &doc[i], result); err != nil {
			return nil, err
		}
	}
	log.Info(fmt.Sprintf("Loaded %d route(s)", len(doc)),
		"stopsCreated", result.StopsCreated,
		"stopsReused", result.StopsReused,
		"routesCreated", result.RoutesCreated,
		"routesSkipped", result.RoutesSkipped,
		"routeStopsCreated", result.RouteStopsCreated,
		"tripsCreated", result.TripsCreated)

	validationLogLevel := slog.LevelWarn
	if opts.Strict && !opts.ForceValid {
		validationLogLevel = slog.LevelError
	}

	result.Issues, err = validate(ctx, tx, validateOpts{
		force:    opts.ForceValid,
		strict:   opts.Strict,
		logLevel: validationLogLevel,
		log:      log,
	})
	if err != nil {
		return result, err
	}
	if len(result.Issues) > 0 {
		log.Warn(fmt.Sprintf("Committing despite %d consistency issue(s)", len(result.Issues)))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	log.Info("Import committed")
	return result, nil
}

func loadRoute(ctx context.Context, log *slog.Logger, tx Tx, route *Route, result *ImportResult) error {
	if len(route.Stops) == 0 {
		return fmt.Errorf("%w: route %s has no stops", ErrInvalidDocument, route.ID)
	}

	stopIDs := make([]int64, 0, len(route.Stops))
	for _, stop := range route.Stops {
		if stop.Lat == nil || stop.Lng == nil {
			return fmt.Errorf("%w: stop %q of route %s has no coordinates", ErrInvalidDocument, stop.Name, route.ID)
		}
		id, created, err := tx.ResolveStop(ctx, stop.Name, *stop.Lat, *stop.Lng)
		if err != nil {
			return err
		}
		if created {
			result.StopsCreated++
		} else {
			result.StopsReused++
		}
		stopIDs = append(stopIDs, id)
	}

	if route.Fare == nil || route.Capacity == nil {
		return fmt.Errorf("%w: route %s has no fare or capacity", ErrInvalidDocument, route.ID)
	}
	created, err := tx.InsertRoute(ctx, RouteRecord{
		ID:                route.ID,
		OriginStopID:      stopIDs[0],
		DestinationStopID: stopIDs[len(stopIDs)-1],
		Fare:              *route.Fare,
		Capacity:          *route.Capacity,
	})
	if err != nil {
		return err
	}
	if created {
		result.RoutesCreated++
	} else {
		result.RoutesSkipped++
		log.Debug("Route already present, skipping update", "route", route.ID)
	}

	for i, stopID := range stopIDs {
		created, err := tx.InsertRouteStop(ctx, RouteStopRecord{
			RouteID:  route.ID,
			Position: int64(i + 1),
			StopID:   stopID,
		})
		if err != nil {
			return err
		}
		if created {
			result.RouteStopsCreated++
		}
	}

	departures, arrivals := route.departures(), route.arrivals()
	tripCount := min(len(departures), len(arrivals))
	if len(departures) != len(arrivals) {
		log.Warn(fmt.Sprintf("Route %s has %d departures and %d arrivals, importing %d trips",
			route.ID, len(departures), len(arrivals), tripCount))
	}
	for i := 0; i < tripCount; i++ {
		departure, err := parseTimestamp(departures[i])
		if err != nil {
			return fmt.Errorf("route %s departure %d: %w", route.ID, i, err)
		}
		arrival, err := parseTimestamp(arrivals[i])
		if err != nil {
			return fmt.Errorf("route %s arrival %d: %w", route.ID, i, err)
		}
		if _, err := tx.InsertTrip(ctx, route.ID, departure, arrival); err != nil {
			return err
		}
		result.TripsCreated++
	}

	return nil
}
