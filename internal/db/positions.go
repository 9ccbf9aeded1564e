package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/normalize"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// layout describes how a positions table stores its fields. Coordinates come
// either from lat/lng (or latitude/longitude) columns or from a PostGIS geom
// point; optional columns missing from the table read as NULL.
type layout struct {
	lat, lng string
	heading  string
	speed    string
	ignition string
}

// PositionStore reads vehicle history from a positions table with at least
// vehicle_id, recorded_at and a coordinate representation.
type PositionStore struct {
	db     *sql.DB
	schema string
	table  string
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	layout *layout
}

// NewPositionStore validates the table name ("table" or "schema.table").
// Rows older than window are ignored by both queries.
func NewPositionStore(db *sql.DB, table string, window time.Duration) (*PositionStore, error) {
	schema, name := "public", table
	if i := strings.IndexByte(table, '.'); i >= 0 {
		schema, name = table[:i], table[i+1:]
	}
	if !identRe.MatchString(schema) || !identRe.MatchString(name) {
		return nil, fmt.Errorf("invalid positions table %q", table)
	}
	return &PositionStore{db: db, schema: schema, table: name, window: window, now: time.Now}, nil
}

func (s *PositionStore) qualified() string { return s.schema + "." + s.table }

// FetchRoute returns the vehicle's positions inside the window in time order.
func (s *PositionStore) FetchRoute(ctx context.Context, vehicleID string) ([]fleet.RoutePoint, error) {
	l, err := s.resolveLayout(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, routeQuery(s.qualified(), l), vehicleID, s.now().Add(-s.window))
	if err != nil {
		return nil, fmt.Errorf("query route: %w", err)
	}
	defer rows.Close()

	var recs []fleet.Record
	for rows.Next() {
		var lat, lng, heading, speed sql.NullFloat64
		var at time.Time
		if err := rows.Scan(&lat, &lng, &heading, &speed, &at); err != nil {
			return nil, err
		}
		recs = append(recs, rowRecord("", lat, lng, heading, speed, sql.NullBool{}, at))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	pts, _ := normalize.Route(recs)
	return pts, nil
}

// Fetch returns the most recent position of every vehicle seen in the window.
func (s *PositionStore) Fetch(ctx context.Context) ([]fleet.Record, error) {
	l, err := s.resolveLayout(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, latestQuery(s.qualified(), l), s.now().Add(-s.window))
	if err != nil {
		return nil, fmt.Errorf("query latest positions: %w", err)
	}
	defer rows.Close()

	var recs []fleet.Record
	for rows.Next() {
		var id string
		var lat, lng, heading, speed sql.NullFloat64
		var ignition sql.NullBool
		var at time.Time
		if err := rows.Scan(&id, &lat, &lng, &heading, &speed, &ignition, &at); err != nil {
			return nil, err
		}
		recs = append(recs, rowRecord(id, lat, lng, heading, speed, ignition, at))
	}
	return recs, rows.Err()
}

func (s *PositionStore) resolveLayout(ctx context.Context) (layout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.layout != nil {
		return *s.layout, nil
	}
	cols, err := hasColumns(ctx, s.db, s.schema, s.table,
		"lat", "lng", "latitude", "longitude", "geom", "heading", "speed", "ignition")
	if err != nil {
		return layout{}, fmt.Errorf("introspect %s columns: %w", s.qualified(), err)
	}
	l, err := layoutFor(cols)
	if err != nil {
		return layout{}, fmt.Errorf("%s: %w", s.qualified(), err)
	}
	s.layout = &l
	return l, nil
}

func layoutFor(cols map[string]bool) (layout, error) {
	var l layout
	switch {
	case cols["lat"] && cols["lng"]:
		l.lat, l.lng = "lat", "lng"
	case cols["latitude"] && cols["longitude"]:
		l.lat, l.lng = "latitude", "longitude"
	case cols["geom"]:
		l.lat, l.lng = "ST_Y(geom::geometry)", "ST_X(geom::geometry)"
	default:
		return layout{}, fmt.Errorf("table missing expected columns (lat/lng, latitude/longitude or geom)")
	}
	l.heading, l.speed, l.ignition = "NULL::float8", "NULL::float8", "NULL::boolean"
	if cols["heading"] {
		l.heading = "heading"
	}
	if cols["speed"] {
		l.speed = "speed"
	}
	if cols["ignition"] {
		l.ignition = "ignition"
	}
	return l, nil
}

func routeQuery(table string, l layout) string {
	return fmt.Sprintf(`SELECT %s, %s, %s, %s, recorded_at
FROM %s
WHERE vehicle_id = $1 AND recorded_at >= $2
ORDER BY recorded_at`, l.lat, l.lng, l.heading, l.speed, table)
}

func latestQuery(table string, l layout) string {
	return fmt.Sprintf(`SELECT DISTINCT ON (vehicle_id) vehicle_id, %s, %s, %s, %s, %s, recorded_at
FROM %s
WHERE recorded_at >= $1
ORDER BY vehicle_id, recorded_at DESC`, l.lat, l.lng, l.heading, l.speed, l.ignition, table)
}

// rowRecord maps a scanned row onto the raw record keys the normalizer reads.
func rowRecord(id string, lat, lng, heading, speed sql.NullFloat64, ignition sql.NullBool, at time.Time) fleet.Record {
	r := fleet.Record{"timestamp": at}
	if id != "" {
		r["vehicleNumber"] = id
	}
	if lat.Valid {
		r["lat"] = lat.Float64
	}
	if lng.Valid {
		r["lng"] = lng.Float64
	}
	if heading.Valid {
		r["heading"] = heading.Float64
	}
	if speed.Valid {
		r["speed"] = speed.Float64
	}
	if ignition.Valid {
		r["ignition"] = ignition.Bool
	}
	return r
}
