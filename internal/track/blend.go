package track

import (
	"time"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
)

// blend holds the previous/latest snapshot pair. It is owned by the animation
// goroutine and never shared.
type blend struct {
	smooth time.Duration

	prev   map[string]fleet.VehicleSnapshot
	latest []fleet.VehicleSnapshot // poll order
	start  time.Time
	active bool
}

// seed stores the first set as both previous and latest; nothing to blend.
func (b *blend) seed(set []fleet.VehicleSnapshot) {
	b.latest = dedupe(set)
	b.prev = index(b.latest)
	b.active = false
}

// retarget begins a new blend toward set at now. A blend still in flight is
// abandoned and the new one starts from the positions rendered at now, so a
// fast poll never makes markers jump back. Reports whether a blend was cut short.
func (b *blend) retarget(set []fleet.VehicleSnapshot, now time.Time) bool {
	interrupted := b.active && b.fraction(now) < 1
	if b.active {
		b.prev = index(b.at(b.fraction(now)))
	}
	b.latest = dedupe(set)
	b.start = now
	b.active = true
	return interrupted
}

// frame returns the set to publish at now and whether the blend has finished.
// On the finishing frame previous becomes latest.
func (b *blend) frame(now time.Time) ([]fleet.VehicleSnapshot, bool) {
	if !b.active {
		return clone(b.latest), true
	}
	t := b.fraction(now)
	out := b.at(t)
	if t < 1 {
		return out, false
	}
	b.prev = index(out)
	b.active = false
	return out, true
}

func (b *blend) fraction(now time.Time) float64 {
	if b.smooth <= 0 {
		return 1
	}
	return geo.Clamp01(float64(now.Sub(b.start)) / float64(b.smooth))
}

// at interpolates every id present in both sets. Ids only in latest snap to
// their latest position; ids only in previous are gone.
func (b *blend) at(t float64) []fleet.VehicleSnapshot {
	out := make([]fleet.VehicleSnapshot, 0, len(b.latest))
	for _, s := range b.latest {
		p, ok := b.prev[s.ID]
		if !ok {
			out = append(out, s)
			continue
		}
		if t < 1 {
			s.Lat = geo.Lerp(p.Lat, s.Lat, t)
			s.Lng = geo.Lerp(p.Lng, s.Lng, t)
		}
		if s.Heading == nil {
			s.Heading = p.Heading
		}
		out = append(out, s)
	}
	return out
}

func index(set []fleet.VehicleSnapshot) map[string]fleet.VehicleSnapshot {
	m := make(map[string]fleet.VehicleSnapshot, len(set))
	for _, s := range set {
		m[s.ID] = s
	}
	return m
}

// dedupe keeps the first snapshot per id.
func dedupe(set []fleet.VehicleSnapshot) []fleet.VehicleSnapshot {
	seen := make(map[string]struct{}, len(set))
	out := make([]fleet.VehicleSnapshot, 0, len(set))
	for _, s := range set {
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		out = append(out, s)
	}
	return out
}

func clone(set []fleet.VehicleSnapshot) []fleet.VehicleSnapshot {
	out := make([]fleet.VehicleSnapshot, len(set))
	copy(out, set)
	return out
}
