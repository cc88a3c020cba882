package routes2sql

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tidwall/geojson"
	"github.com/tidwall/geojson/geometry"
)

type ClipResult struct {
	RoutesDeleted int
	StopsDeleted  int64
}

// ClipFile clips the database at databaseURL to the GeoJSON feature in clipFeature.
func ClipFile(ctx context.Context, databaseURL string, clipFeature string) (*ClipResult, error) {
	store, err := Open(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	return Clip(ctx, store, clipFeature)
}

// Clip deletes every route with no stop inside clipFeature, along with its
// route stops and trips, then deletes stops no remaining route uses.
func Clip(ctx context.Context, store Store, clipFeature string) (*ClipResult, error) {
	feature, err := geojson.Parse(clipFeature, &geojson.ParseOptions{RequireValid: true})
	if err != nil {
		return nil, fmt.Errorf("parse clip feature: %w", err)
	}

	slog.Info(fmt.Sprintf("Clipping routes (clipFeature has %d points)", feature.NumPoints()))

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
	inside := make(map[int64]bool)
	for _, stop := range stops {
		point := geojson.NewPoint(geometry.Point{X: stop.Longitude, Y: stop.Latitude})
		if feature.Contains(point) {
			inside[stop.ID] = true
		}
	}
	slog.Info(fmt.Sprintf("%d of %d stops are inside", len(inside), len(stops)))

	routes, err := tx.Routes(ctx)
	if err != nil {
		return nil, err
	}
	routeStops, err := tx.RouteStops(ctx)
	if err != nil {
		return nil, err
	}
	keep := make(map[string]bool)
	for _, rs := range routeStops {
		if inside[rs.StopID] {
			keep[rs.RouteID] = true
		}
	}

	result := &ClipResult{}
	for _, route := range routes {
		if keep[route.ID] {
			continue
		}
		deleted, err := tx.DeleteRoute(ctx, route.ID)
		if err != nil {
			return nil, err
		}
		if deleted {
			result.RoutesDeleted++
		}
	}

	result.StopsDeleted, err = tx.DeleteUnusedStops(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info(fmt.Sprintf("Deleted %d route(s) and %d stop(s)", result.RoutesDeleted, result.StopsDeleted))

	if _, err = validate(ctx, tx, validateOpts{logLevel: slog.LevelWarn}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, nil
}
