package fleet

import "time"

// Record is one raw upstream payload as decoded from JSON or built by a source.
// Field names vary between producers; see package normalize.
type Record map[string]any

type Status string

const (
	StatusIgnitionOn  Status = "ignition-on"
	StatusIgnitionOff Status = "ignition-off"
)

// VehicleSnapshot is one vehicle's position/state at a point in time.
type VehicleSnapshot struct {
	ID        string     `json:"id"`
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lng"`
	Heading   *float64   `json:"heading,omitempty"`
	Speed     *float64   `json:"speed,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Status    Status     `json:"status"`
}

func (v VehicleSnapshot) Position() Position {
	return Position{Lat: v.Lat, Lng: v.Lng, Heading: v.Heading}
}

// RoutePoint is one sample of a historical route. Routes are ordered and
// assumed to be time-ascending.
type RoutePoint struct {
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lng"`
	Heading   *float64   `json:"heading,omitempty"`
	Speed     *float64   `json:"speed,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (p RoutePoint) Position() Position {
	return Position{Lat: p.Lat, Lng: p.Lng, Heading: p.Heading}
}

type Position struct {
	Lat     float64  `json:"lat"`
	Lng     float64  `json:"lng"`
	Heading *float64 `json:"heading,omitempty"`
}

type ViewportMode string

const (
	ViewportBounds ViewportMode = "bounds"
	ViewportCenter ViewportMode = "center"
)

type Bounds struct {
	MinLat float64 `json:"minLat"`
	MinLng float64 `json:"minLng"`
	MaxLat float64 `json:"maxLat"`
	MaxLng float64 `json:"maxLng"`
}

// Viewport frames the visible vehicles: either a bounding rectangle with a
// screen-space padding, or a single center point.
type Viewport struct {
	Mode      ViewportMode `json:"mode"`
	Bounds    *Bounds      `json:"bounds,omitempty"`
	Center    *Position    `json:"center,omitempty"`
	PaddingPx int          `json:"paddingPx,omitempty"`
}

type VehiclesFrame struct {
	Vehicles []VehicleSnapshot `json:"vehicles"`
	At       time.Time         `json:"at"`
}

type PlaybackFrame struct {
	VehicleID  string      `json:"vehicleId"`
	Progress   float64     `json:"progress"`
	Playing    bool        `json:"playing"`
	DurationMs int64       `json:"durationMs"`
	Speed      float64     `json:"speed"`
	Points     int         `json:"points"`
	Current    *RoutePoint `json:"current,omitempty"`
}

type ViewFrame struct {
	Runner   *Position `json:"runner,omitempty"`
	Viewport Viewport  `json:"viewport"`
	Selected string    `json:"selected,omitempty"`
	At       time.Time `json:"at"`
}

func Float(v float64) *float64 { return &v }
