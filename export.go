package routes2sql

import (
	"context"
	"fmt"
	"log/slog"
)

type ExportOpts struct{}

// ExportFile writes the routes stored at databaseURL to outputPath as a
// document ReadDocument accepts.
func ExportFile(ctx context.Context, databaseURL string, outputPath string, opts *ExportOpts) error {
	if outputPath == "" {
		panic("Missing outputPath")
	}

	store, err := Open(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	doc, err := Export(ctx, store, opts)
	if err != nil {
		return err
	}

	if err := WriteDocument(outputPath, doc); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("Wrote %d route(s) to %s", len(doc), outputPath))
	return nil
}

// Export reads every route back into document form: routes by id, stops
// by position and trips by departure.
func Export(ctx context.Context, store Store, opts *ExportOpts) (Document, error) {
	if store == nil {
		panic("Missing store")
	}

	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	tx, err := store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stops, err := tx.Stops(ctx)
	if err != nil {
		return nil, err
	}
	routes, err := tx.Routes(ctx)
	if err != nil {
		return nil, err
	}
	routeStops, err := tx.RouteStops(ctx)
	if err != nil {
		return nil, err
	}
	trips, err := tx.Trips(ctx)
	if err != nil {
		return nil, err
	}

	stopsByID := make(map[int64]StopRecord, len(stops))
	for _, stop := range stops {
		stopsByID[stop.ID] = stop
	}

	doc := make(Document, 0, len(routes))
	index := make(map[string]int, len(routes))
	for _, route := range routes {
		index[route.ID] = len(doc)
		doc = append(doc, Route{
			ID:         route.ID,
			Fare:       ptr(route.Fare),
			Capacity:   ptr(route.Capacity),
			Stops:      []Stop{},
			Departures: ptr([]string{}),
			Arrivals:   ptr([]string{}),
		})
	}

	for _, rs := range routeStops {
		i, ok := index[rs.RouteID]
		if !ok {
			continue
		}
		stop, ok := stopsByID[rs.StopID]
		if !ok {
			return nil, fmt.Errorf("route %s refers to missing stop %d", rs.RouteID, rs.StopID)
		}
		doc[i].Stops = append(doc[i].Stops, Stop{Name: stop.Name, Lat: ptr(stop.Latitude), Lng: ptr(stop.Longitude)})
	}

	for _, trip := range trips {
		i, ok := index[trip.RouteID]
		if !ok {
			continue
		}
		*doc[i].Departures = append(*doc[i].Departures, formatTimestamp(trip.Departure))
		*doc[i].Arrivals = append(*doc[i].Arrivals, formatTimestamp(trip.Arrival))
	}

	slog.Info(fmt.Sprintf("Exported %d route(s), %d stop(s), %d trip(s)", len(routes), len(stops), len(trips)))
	return doc, nil
}
