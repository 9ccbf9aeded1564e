// Package normalize turns raw upstream position records into canonical
// snapshots and route points.
//
// Producers disagree on field names and types: coordinates arrive as numbers
// or strings under several spellings, identities under vehicle, device, imei
// or generic id keys. Everything here is pure and safe for concurrent use.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"fleet-tracker/internal/fleet"
)

var (
	latKeys = []string{"lat", "Lat", "LAT", "latitude", "Latitude", "LATITUDE"}
	lngKeys = []string{"lng", "Lng", "LNG", "lon", "Lon", "LON", "long", "longitude", "Longitude", "LONGITUDE"}

	// idChain is tried group by group; the first non-empty value wins.
	idChain = [][]string{
		{"vehicleNumber", "vehicle_number", "vehicleNo", "VehicleNumber", "vehicle_no"},
		{"deviceNumber", "device_number", "deviceNo", "DeviceNumber", "device_no"},
		{"imei", "IMEI", "Imei"},
		{"id", "ID", "Id", "_id"},
	}

	headingKeys   = []string{"heading", "Heading", "course", "Course", "bearing", "Bearing", "direction", "Direction"}
	speedKeys     = []string{"speed", "Speed", "SPEED"}
	timestampKeys = []string{"timestamp", "Timestamp", "time", "ts", "gpsTime", "deviceTime", "recordedAt", "updatedAt"}
	ignitionKeys  = []string{"ignition", "Ignition", "IGNITION", "ignitionStatus", "ign", "acc"}
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
}

// Snapshot converts one raw record. ok is false when the record has no finite
// coordinate pair or reports (0,0), which producers emit for an unfixed GPS.
func Snapshot(r fleet.Record) (fleet.VehicleSnapshot, bool) {
	lat, lng, ok := Coordinates(r)
	if !ok {
		return fleet.VehicleSnapshot{}, false
	}
	s := fleet.VehicleSnapshot{
		ID:     identity(r, lat, lng),
		Lat:    lat,
		Lng:    lng,
		Status: Ignition(first(r, ignitionKeys)),
	}
	s.Heading, s.Speed, s.Timestamp = optionals(r)
	return s, true
}

// Records normalizes a batch, preserving input order, and reports how many
// records were discarded.
func Records(rs []fleet.Record) ([]fleet.VehicleSnapshot, int) {
	out := make([]fleet.VehicleSnapshot, 0, len(rs))
	discarded := 0
	for _, r := range rs {
		s, ok := Snapshot(r)
		if !ok {
			discarded++
			continue
		}
		out = append(out, s)
	}
	return out, discarded
}

// RoutePoint converts one raw route row with the same coordinate rules as
// Snapshot.
func RoutePoint(r fleet.Record) (fleet.RoutePoint, bool) {
	lat, lng, ok := Coordinates(r)
	if !ok {
		return fleet.RoutePoint{}, false
	}
	p := fleet.RoutePoint{Lat: lat, Lng: lng}
	p.Heading, p.Speed, p.Timestamp = optionals(r)
	return p, true
}

// Route normalizes raw route rows in order and reports how many were dropped.
func Route(rs []fleet.Record) ([]fleet.RoutePoint, int) {
	out := make([]fleet.RoutePoint, 0, len(rs))
	dropped := 0
	for _, r := range rs {
		p, ok := RoutePoint(r)
		if !ok {
			dropped++
			continue
		}
		out = append(out, p)
	}
	return out, dropped
}

// Coordinates extracts the first finite latitude and longitude.
func Coordinates(r fleet.Record) (lat, lng float64, ok bool) {
	lat, okLat := firstNumber(r, latKeys)
	lng, okLng := firstNumber(r, lngKeys)
	if !okLat || !okLng {
		return 0, 0, false
	}
	if lat == 0 && lng == 0 {
		return 0, 0, false
	}
	return lat, lng, true
}

// Number converts v to a finite float64. Strings are trimmed and parsed.
func Number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		p, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = p
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Ignition maps an ignition-like value to a status: true, 1, "1", "true" and
// "on" (any case) mean ignition-on.
func Ignition(v any) fleet.Status {
	switch x := v.(type) {
	case bool:
		if x {
			return fleet.StatusIgnitionOn
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "on":
			return fleet.StatusIgnitionOn
		}
	case nil:
	default:
		if f, ok := Number(x); ok && f == 1 {
			return fleet.StatusIgnitionOn
		}
	}
	return fleet.StatusIgnitionOff
}

// Timestamp parses unix seconds, unix milliseconds or a date-time string.
// A time.Time is passed through. Results are always in UTC.
func Timestamp(v any) (time.Time, bool) {
	if t, ok := v.(time.Time); ok {
		return t.UTC(), !t.IsZero()
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, false
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			for _, layout := range timeLayouts {
				if t, err := time.Parse(layout, s); err == nil {
					return t.UTC(), true
				}
			}
			return time.Time{}, false
		}
	}
	f, ok := Number(v)
	if !ok || f <= 0 {
		return time.Time{}, false
	}
	if f >= 1e12 {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

func identity(r fleet.Record, lat, lng float64) string {
	for _, keys := range idChain {
		for _, k := range keys {
			if id := idString(r[k]); id != "" {
				return id
			}
		}
	}
	return fmt.Sprintf("%s,%s", formatFloat(lat), formatFloat(lng))
}

func idString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case nil, bool:
		return ""
	default:
		if f, ok := Number(x); ok {
			return formatFloat(f)
		}
	}
	return ""
}

func optionals(r fleet.Record) (heading, speed *float64, ts *time.Time) {
	if h, ok := firstNumber(r, headingKeys); ok {
		heading = fleet.Float(h)
	}
	if s, ok := firstNumber(r, speedKeys); ok {
		speed = fleet.Float(s)
	}
	for _, k := range timestampKeys {
		if t, ok := Timestamp(r[k]); ok {
			ts = &t
			break
		}
	}
	return heading, speed, ts
}

func firstNumber(r fleet.Record, keys []string) (float64, bool) {
	for _, k := range keys {
		v, present := r[k]
		if !present {
			continue
		}
		if f, ok := Number(v); ok {
			return f, true
		}
	}
	return 0, false
}

func first(r fleet.Record, keys []string) any {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
