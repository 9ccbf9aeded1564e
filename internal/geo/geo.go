package geo

import (
	"math"

	"fleet-tracker/internal/fleet"
)

const earthRadiusM = 6371000.0

// Clamp01 limits f to [0,1]. NaN maps to 0.
func Clamp01(f float64) float64 {
	if f > 0 {
		if f > 1 {
			return 1
		}
		return f
	}
	return 0
}

func Lerp(a, b, t float64) float64 { return a + (b-a)*t }

// Finite reports whether both coordinates are finite numbers.
func Finite(lat, lng float64) bool {
	return !math.IsNaN(lat) && !math.IsInf(lat, 0) && !math.IsNaN(lng) && !math.IsInf(lng, 0)
}

// Valid reports whether lat/lng are finite and inside the WGS84 ranges.
func Valid(lat, lng float64) bool {
	return Finite(lat, lng) && lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Bearing returns the initial bearing in degrees [0,360) from a to b.
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	y := math.Sin((lon2-lon1)*math.Pi/180.0) * math.Cos(lat2*math.Pi/180.0)
	x := math.Cos(lat1*math.Pi/180.0)*math.Sin(lat2*math.Pi/180.0) - math.Sin(lat1*math.Pi/180.0)*math.Cos(lat2*math.Pi/180.0)*math.Cos((lon2-lon1)*math.Pi/180.0)
	brng := math.Atan2(y, x) * 180.0 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// RouteLength sums the haversine length of consecutive route points.
func RouteLength(pts []fleet.RoutePoint) float64 {
	sum := 0.0
	for i := 1; i < len(pts); i++ {
		sum += Haversine(pts[i-1].Lat, pts[i-1].Lng, pts[i].Lat, pts[i].Lng)
	}
	return sum
}

// BoundsOf returns the minimal rectangle over all vehicles with valid
// coordinates. ok is false when no vehicle qualifies.
func BoundsOf(vs []fleet.VehicleSnapshot) (b fleet.Bounds, ok bool) {
	for _, v := range vs {
		if !Valid(v.Lat, v.Lng) {
			continue
		}
		if !ok {
			b = fleet.Bounds{MinLat: v.Lat, MaxLat: v.Lat, MinLng: v.Lng, MaxLng: v.Lng}
			ok = true
			continue
		}
		b.MinLat = math.Min(b.MinLat, v.Lat)
		b.MaxLat = math.Max(b.MaxLat, v.Lat)
		b.MinLng = math.Min(b.MinLng, v.Lng)
		b.MaxLng = math.Max(b.MaxLng, v.Lng)
	}
	return b, ok
}
