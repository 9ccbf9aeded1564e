// Package playback replays a static historical route with play, pause and
// seek, deriving the current point from a progress fraction.
package playback

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
	mmetrics "fleet-tracker/internal/metrics"
)

// Publisher receives a frame on every state change and playback step.
type Publisher interface {
	PublishPlayback(frame fleet.PlaybackFrame)
}

type Config struct {
	MinDuration     time.Duration
	PerPoint        time.Duration
	FrameInterval   time.Duration
	SpeedMultiplier float64
}

func DefaultConfig() Config {
	return Config{
		MinDuration:     2000 * time.Millisecond,
		PerPoint:        200 * time.Millisecond,
		FrameInterval:   16 * time.Millisecond,
		SpeedMultiplier: 1,
	}
}

type Player struct {
	cfg     Config
	pub     Publisher
	metrics *mmetrics.Collector
	now     func() time.Time

	mu            sync.Mutex
	vehicleID     string
	route         []fleet.RoutePoint
	progress      float64
	playing       bool
	speed         float64
	startTime     time.Time
	startProgress float64
	cancel        context.CancelFunc
	done          chan struct{}
	seq           uint64

	// emitMu orders publishing; emitted is the newest seq published.
	emitMu  sync.Mutex
	emitted uint64
}

func NewPlayer(cfg Config, pub Publisher, metrics *mmetrics.Collector) *Player {
	def := DefaultConfig()
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = def.MinDuration
	}
	if cfg.PerPoint < 0 {
		cfg.PerPoint = 0
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = def.FrameInterval
	}
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = def.SpeedMultiplier
	}
	return &Player{
		cfg:     cfg,
		pub:     pub,
		metrics: metrics,
		now:     time.Now,
		speed:   cfg.SpeedMultiplier,
	}
}

// Duration returns max(MinDuration, points × PerPoint).
func Duration(points int, minDuration, perPoint time.Duration) time.Duration {
	d := time.Duration(points) * perPoint
	if d < minDuration {
		return minDuration
	}
	return d
}

// PointAt derives the route position at progress. Lat/lng are interpolated
// between neighbouring points; heading, speed and timestamp come from the
// lower point, or the upper one when the lower lacks the field. A heading
// missing on both is taken from the segment bearing.
func PointAt(route []fleet.RoutePoint, progress float64) (fleet.RoutePoint, bool) {
	n := len(route)
	switch n {
	case 0:
		return fleet.RoutePoint{}, false
	case 1:
		return route[0], true
	}
	idxFloat := geo.Clamp01(progress) * float64(n-1)
	idx := int(math.Floor(idxFloat))
	if idx > n-1 {
		idx = n - 1
	}
	frac := idxFloat - float64(idx)
	a, b := route[idx], route[min(n-1, idx+1)]

	p := fleet.RoutePoint{
		Lat:       geo.Lerp(a.Lat, b.Lat, frac),
		Lng:       geo.Lerp(a.Lng, b.Lng, frac),
		Heading:   a.Heading,
		Speed:     a.Speed,
		Timestamp: a.Timestamp,
	}
	if p.Heading == nil {
		p.Heading = b.Heading
	}
	if p.Heading == nil {
		p.Heading = segmentBearing(route, idx)
	}
	if p.Speed == nil {
		p.Speed = b.Speed
	}
	if p.Timestamp == nil {
		p.Timestamp = b.Timestamp
	}
	return p, true
}

// segmentBearing derives a heading from the segment starting at idx, or the
// last segment at the end of the route. Nil when the points coincide.
func segmentBearing(route []fleet.RoutePoint, idx int) *float64 {
	if idx > len(route)-2 {
		idx = len(route) - 2
	}
	a, b := route[idx], route[idx+1]
	if a.Lat == b.Lat && a.Lng == b.Lng {
		return nil
	}
	return fleet.Float(geo.Bearing(a.Lat, a.Lng, b.Lat, b.Lng))
}

// Load replaces the route wholesale and resets to progress 0, paused.
func (p *Player) Load(vehicleID string, route []fleet.RoutePoint) {
	pts := make([]fleet.RoutePoint, len(route))
	copy(pts, route)

	p.mu.Lock()
	p.stopLocked()
	p.vehicleID = vehicleID
	p.route = pts
	p.progress = 0
	p.playing = false
	frame, seq := p.stampLocked()
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RouteLoads.Inc()
		p.metrics.RoutePoints.Set(float64(len(pts)))
	}
	log.Printf("playback loaded route for %s: %d points, %.1f km, duration %s",
		vehicleID, len(pts), geo.RouteLength(pts)/1000, time.Duration(frame.DurationMs)*time.Millisecond)
	p.emit(frame, seq)
}

// Play starts stepping from the current progress. It does nothing on an empty
// route, while already playing, or when progress is already at the end.
func (p *Player) Play() {
	p.mu.Lock()
	if len(p.route) == 0 || p.playing || p.progress >= 1 {
		p.mu.Unlock()
		return
	}
	p.anchorLocked(p.now())
	p.playing = true
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	frame, seq := p.stampLocked()
	p.mu.Unlock()

	go p.run(ctx, done)
	p.emit(frame, seq)
}

// Pause cancels stepping; progress keeps its last value.
func (p *Player) Pause() {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	p.progress = p.progressAtLocked(p.now())
	p.playing = false
	p.stopLocked()
	frame, seq := p.stampLocked()
	p.mu.Unlock()
	p.emit(frame, seq)
}

// Seek sets progress to clamp(t,0,1) without changing the play state. While
// playing, stepping continues from the new position.
func (p *Player) Seek(t float64) {
	p.mu.Lock()
	p.progress = geo.Clamp01(t)
	if p.playing {
		p.anchorLocked(p.now())
	}
	frame, seq := p.stampLocked()
	p.mu.Unlock()
	p.emit(frame, seq)
}

func (p *Player) SetSpeed(x float64) error {
	if x <= 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return errors.New("speed multiplier must be a positive number")
	}
	p.mu.Lock()
	if p.playing {
		now := p.now()
		p.progress = p.progressAtLocked(now)
		p.anchorLocked(now)
	}
	p.speed = x
	frame, seq := p.stampLocked()
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.SpeedMultiplier.Set(x)
	}
	p.emit(frame, seq)
	return nil
}

func (p *Player) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentProgressLocked()
}

func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *Player) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.durationLocked()
}

// Current returns the derived route point; false when no route is loaded.
func (p *Player) Current() (fleet.RoutePoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PointAt(p.route, p.currentProgressLocked())
}

func (p *Player) State() fleet.PlaybackFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frameLocked()
}

func (p *Player) Route() []fleet.RoutePoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]fleet.RoutePoint, len(p.route))
	copy(out, p.route)
	return out
}

// Close cancels any pending step and waits for it to exit.
func (p *Player) Close() {
	p.mu.Lock()
	if p.playing {
		p.progress = p.progressAtLocked(p.now())
		p.playing = false
	}
	done := p.stopLocked()
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (p *Player) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.step(ctx) {
				return
			}
		}
	}
}

// step advances progress from the anchor and pauses at the end of the route.
func (p *Player) step(ctx context.Context) bool {
	p.mu.Lock()
	if ctx.Err() != nil {
		p.mu.Unlock()
		return true
	}
	p.progress = p.progressAtLocked(p.now())
	finished := p.progress >= 1
	if finished {
		p.playing = false
		p.stopLocked()
	}
	frame, seq := p.stampLocked()
	p.mu.Unlock()

	if finished {
		log.Printf("playback finished for %s", frame.VehicleID)
	}
	p.emit(frame, seq)
	return finished
}

func (p *Player) anchorLocked(now time.Time) {
	p.startTime = now
	p.startProgress = p.progress
}

func (p *Player) progressAtLocked(now time.Time) float64 {
	elapsed := float64(now.Sub(p.startTime)) * p.speed
	return geo.Clamp01(p.startProgress + elapsed/float64(p.durationLocked()))
}

func (p *Player) currentProgressLocked() float64 {
	if p.playing {
		return p.progressAtLocked(p.now())
	}
	return p.progress
}

func (p *Player) durationLocked() time.Duration {
	return Duration(len(p.route), p.cfg.MinDuration, p.cfg.PerPoint)
}

// stopLocked cancels the step goroutine and returns its done channel.
func (p *Player) stopLocked() chan struct{} {
	done := p.done
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel, p.done = nil, nil
	return done
}

// stampLocked builds a frame numbered after every frame built before it.
func (p *Player) stampLocked() (fleet.PlaybackFrame, uint64) {
	p.seq++
	return p.frameLocked(), p.seq
}

func (p *Player) frameLocked() fleet.PlaybackFrame {
	progress := p.currentProgressLocked()
	f := fleet.PlaybackFrame{
		VehicleID:  p.vehicleID,
		Progress:   progress,
		Playing:    p.playing,
		DurationMs: p.durationLocked().Milliseconds(),
		Speed:      p.speed,
		Points:     len(p.route),
	}
	if cur, ok := PointAt(p.route, progress); ok {
		f.Current = &cur
	}
	return f
}

// emit publishes frames in the order they were built. A frame that lost the
// race to a newer one is dropped so subscribers never end on stale state.
func (p *Player) emit(frame fleet.PlaybackFrame, seq uint64) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if seq <= p.emitted {
		return
	}
	p.emitted = seq

	if p.metrics != nil {
		p.metrics.PlaybackProgress.Set(frame.Progress)
		if frame.Playing {
			p.metrics.PlaybackPlaying.Set(1)
		} else {
			p.metrics.PlaybackPlaying.Set(0)
		}
		p.metrics.FramesPublished.WithLabelValues("playback").Inc()
	}
	if p.pub != nil {
		p.pub.PublishPlayback(frame)
	}
}
