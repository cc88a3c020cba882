package routes2sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var ErrInvalidInput = errors.New("invalid input")

type validateOpts struct {
	force    bool
	strict   bool
	logLevel slog.Level
	log      *slog.Logger // slog.Default() if nil
}

// validate checks that every route's origin and destination match the
// first and last of its route stops and that positions run from 1 without
// gaps. Re-importing a route id with a different stop list breaks this,
// since the route row is kept and only new positions are added.
func validate(ctx context.Context, tx Tx, opts validateOpts) ([]string, error) {
	if opts.log == nil {
		opts.log = slog.Default()
	}
	v := &routeValidator{tx: tx, opts: opts}

	opts.log.Info("Validating")

	for {
		if err := v.validateRoutes(ctx); err != nil {
			return nil, err
		}
		if len(v.toDelete) == 0 {
			break
		}

		deleted := 0
		for _, routeID := range v.toDelete {
			ok, err := tx.DeleteRoute(ctx, routeID)
			if err != nil {
				return nil, err
			}
			if ok {
				deleted++
			}
		}
		opts.log.Info(fmt.Sprintf("Re-validating after force deleting %d route(s)", deleted))
		v.toDelete = nil
		v.pass++
	}

	if len(v.issues) > 0 {
		if opts.strict && !opts.force {
			return v.issues, fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(v.issues, "; "))
		} else {
			return v.issues, nil
		}
	}
	return nil, nil
}

type routeValidator struct {
	tx       Tx
	opts     validateOpts
	issues   []string
	pass     int
	toDelete []string // route ids
}

func (v *routeValidator) append(msg string, args ...any) {
	issue := fmt.Sprintf(msg, args...)
	v.opts.log.Log(context.Background(), v.opts.logLevel, issue)
	v.issues = append(v.issues, issue)
}

func (v *routeValidator) validateRoutes(ctx context.Context) error {
	routes, err := v.tx.Routes(ctx)
	if err != nil {
		return err
	}
	routeStops, err := v.tx.RouteStops(ctx)
	if err != nil {
		return err
	}

	byRoute := make(map[string][]RouteStopRecord)
	for _, rs := range routeStops {
		byRoute[rs.RouteID] = append(byRoute[rs.RouteID], rs)
	}

	for _, route := range routes {
		if !v.validRoute(route, byRoute[route.ID]) && v.opts.force {
			v.toDelete = append(v.toDelete, route.ID)
		}
	}
	return nil
}

// validRoute expects stops ordered by position.
func (v *routeValidator) validRoute(route RouteRecord, stops []RouteStopRecord) bool {
	report := v.pass == 0

	if len(stops) == 0 {
		if report {
			v.append("route %s has no stops", route.ID)
		}
		return false
	}

	valid := true
	for i, rs := range stops {
		if rs.Position != int64(i+1) {
			if report {
				v.append("route %s has stop position %d where %d was expected", route.ID, rs.Position, i+1)
			}
			valid = false
			break
		}
	}

	first, last := stops[0], stops[len(stops)-1]
	if route.OriginStopID != first.StopID {
		if report {
			v.append("route %s has origin stop %d but its first stop is %d", route.ID, route.OriginStopID, first.StopID)
		}
		valid = false
	}
	if route.DestinationStopID != last.StopID {
		if report {
			v.append("route %s has destination stop %d but its last stop (position %d) is %d",
				route.ID, route.DestinationStopID, last.Position, last.StopID)
		}
		valid = false
	}
	return valid
}
