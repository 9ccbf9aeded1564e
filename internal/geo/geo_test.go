package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"fleet-tracker/internal/fleet"
)

func TestClamp01(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-1, 0},
		{0, 0},
		{0.25, 0.25},
		{1, 1},
		{7, 1},
		{math.NaN(), 0},
		{math.Inf(1), 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Clamp01(tt.in), "Clamp01(%v)", tt.in)
	}
}

func TestLerp(t *testing.T) {
	assert.Equal(t, 5.0, Lerp(0, 10, 0.5))
	assert.Equal(t, 0.0, Lerp(0, 10, 0))
	assert.Equal(t, 10.0, Lerp(0, 10, 1))
	assert.Equal(t, -2.5, Lerp(0, -10, 0.25))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(45, 9))
	assert.False(t, Valid(math.NaN(), 9))
	assert.False(t, Valid(45, math.Inf(-1)))
	assert.False(t, Valid(91, 0))
	assert.False(t, Valid(0, 181))
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	assert.InDelta(t, 111195, d, 10)
	assert.Equal(t, 0.0, Haversine(10, 10, 10, 10))
}

func TestBearing(t *testing.T) {
	assert.InDelta(t, 0, Bearing(0, 0, 1, 0), 1e-9)
	assert.InDelta(t, 90, Bearing(0, 0, 0, 1), 1e-9)
	assert.InDelta(t, 180, Bearing(1, 0, 0, 0), 1e-9)
	assert.InDelta(t, 270, Bearing(0, 1, 0, 0), 1e-9)
}

func TestBoundsOfSkipsInvalid(t *testing.T) {
	vs := []fleet.VehicleSnapshot{
		{ID: "a", Lat: 10, Lng: 20},
		{ID: "b", Lat: math.NaN(), Lng: 5},
		{ID: "c", Lat: -5, Lng: 30},
		{ID: "d", Lat: 100, Lng: 0},
	}
	b, ok := BoundsOf(vs)
	assert.True(t, ok)
	assert.Equal(t, fleet.Bounds{MinLat: -5, MinLng: 20, MaxLat: 10, MaxLng: 30}, b)

	_, ok = BoundsOf([]fleet.VehicleSnapshot{{Lat: math.NaN()}})
	assert.False(t, ok)
}

func TestRouteLength(t *testing.T) {
	pts := []fleet.RoutePoint{{Lat: 0, Lng: 0}, {Lat: 1, Lng: 0}, {Lat: 2, Lng: 0}}
	assert.InDelta(t, 2*111195, RouteLength(pts), 20)
	assert.Equal(t, 0.0, RouteLength(pts[:1]))
}
