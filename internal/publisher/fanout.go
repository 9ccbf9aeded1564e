package publisher

import "fleet-tracker/internal/fleet"

// Sink receives every frame stream. NATSPublisher and the WebSocket hub both
// satisfy it.
type Sink interface {
	PublishVehicles(frame fleet.VehiclesFrame)
	PublishPlayback(frame fleet.PlaybackFrame)
	PublishView(frame fleet.ViewFrame)
}

// Fanout forwards each frame to all sinks in order. Nil sinks are skipped.
type Fanout []Sink

func NewFanout(sinks ...Sink) Fanout {
	out := make(Fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f Fanout) PublishVehicles(frame fleet.VehiclesFrame) {
	for _, s := range f {
		s.PublishVehicles(frame)
	}
}

func (f Fanout) PublishPlayback(frame fleet.PlaybackFrame) {
	for _, s := range f {
		s.PublishPlayback(frame)
	}
}

func (f Fanout) PublishView(frame fleet.ViewFrame) {
	for _, s := range f {
		s.PublishView(frame)
	}
}
