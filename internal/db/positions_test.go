package db

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/normalize"
)

func TestNewPositionStoreValidatesTable(t *testing.T) {
	s, err := NewPositionStore(nil, "vehicle_positions", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "public.vehicle_positions", s.qualified())

	s, err = NewPositionStore(nil, "telemetry.positions", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "telemetry.positions", s.qualified())

	for _, bad := range []string{"", "positions; DROP TABLE x", "a.b.c", "1positions", "pos-itions"} {
		_, err := NewPositionStore(nil, bad, time.Hour)
		assert.Error(t, err, bad)
	}
}

func TestLayoutFor(t *testing.T) {
	l, err := layoutFor(map[string]bool{"lat": true, "lng": true, "heading": true})
	require.NoError(t, err)
	assert.Equal(t, "lat", l.lat)
	assert.Equal(t, "heading", l.heading)
	assert.Equal(t, "NULL::float8", l.speed)
	assert.Equal(t, "NULL::boolean", l.ignition)

	l, err = layoutFor(map[string]bool{"latitude": true, "longitude": true, "ignition": true})
	require.NoError(t, err)
	assert.Equal(t, "longitude", l.lng)
	assert.Equal(t, "ignition", l.ignition)

	l, err = layoutFor(map[string]bool{"geom": true})
	require.NoError(t, err)
	assert.Equal(t, "ST_Y(geom::geometry)", l.lat)

	_, err = layoutFor(map[string]bool{"lat": true})
	assert.Error(t, err)
}

func TestQueries(t *testing.T) {
	l, _ := layoutFor(map[string]bool{"lat": true, "lng": true})
	q := routeQuery("public.vehicle_positions", l)
	assert.Contains(t, q, "FROM public.vehicle_positions")
	assert.Contains(t, q, "vehicle_id = $1 AND recorded_at >= $2")
	assert.Contains(t, q, "ORDER BY recorded_at")

	q = latestQuery("public.vehicle_positions", l)
	assert.Contains(t, q, "DISTINCT ON (vehicle_id)")
	assert.Contains(t, q, "ORDER BY vehicle_id, recorded_at DESC")
}

func TestRowRecordNormalizes(t *testing.T) {
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	r := rowRecord("KA01",
		sql.NullFloat64{Float64: 12.9, Valid: true},
		sql.NullFloat64{Float64: 77.6, Valid: true},
		sql.NullFloat64{Float64: 45, Valid: true},
		sql.NullFloat64{},
		sql.NullBool{Bool: true, Valid: true},
		at)

	s, ok := normalize.Snapshot(r)
	require.True(t, ok)
	assert.Equal(t, "KA01", s.ID)
	assert.Equal(t, 45.0, *s.Heading)
	assert.Nil(t, s.Speed)
	assert.Equal(t, fleet.StatusIgnitionOn, s.Status)
	assert.True(t, at.Equal(*s.Timestamp))

	// a row without coordinates is not a position
	_, ok = normalize.Snapshot(rowRecord("X", sql.NullFloat64{}, sql.NullFloat64{}, sql.NullFloat64{}, sql.NullFloat64{}, sql.NullBool{}, at))
	assert.False(t, ok)
}
