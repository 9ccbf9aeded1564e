package playback

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/metrics"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type frames struct {
	mu  sync.Mutex
	all []fleet.PlaybackFrame
}

func (f *frames) PublishPlayback(frame fleet.PlaybackFrame) {
	f.mu.Lock()
	f.all = append(f.all, frame)
	f.mu.Unlock()
}

func (f *frames) last() fleet.PlaybackFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all[len(f.all)-1]
}

func line(n int) []fleet.RoutePoint {
	pts := make([]fleet.RoutePoint, n)
	for i := range pts {
		pts[i] = fleet.RoutePoint{Lat: float64(i), Lng: float64(i) * 2}
	}
	return pts
}

func newTestPlayer(pub Publisher) (*Player, *clock) {
	c := newClock()
	p := NewPlayer(Config{
		MinDuration:     2000 * time.Millisecond,
		PerPoint:        200 * time.Millisecond,
		FrameInterval:   2 * time.Millisecond,
		SpeedMultiplier: 1,
	}, pub, nil)
	p.now = c.Now
	return p, c
}

func TestDuration(t *testing.T) {
	floor, per := 2000*time.Millisecond, 200*time.Millisecond
	assert.Equal(t, 2000*time.Millisecond, Duration(0, floor, per))
	assert.Equal(t, 2000*time.Millisecond, Duration(5, floor, per))
	assert.Equal(t, 2000*time.Millisecond, Duration(10, floor, per))
	assert.Equal(t, 4000*time.Millisecond, Duration(20, floor, per))
}

func TestPointAtEnds(t *testing.T) {
	route := line(5)
	p, ok := PointAt(route, 0)
	require.True(t, ok)
	assert.Equal(t, route[0].Lat, p.Lat)
	assert.Equal(t, route[0].Lng, p.Lng)

	p, ok = PointAt(route, 1)
	require.True(t, ok)
	assert.Equal(t, route[4].Lat, p.Lat)
	assert.Equal(t, route[4].Lng, p.Lng)

	p, _ = PointAt(route, 7)
	assert.Equal(t, route[4].Lat, p.Lat)
	p, _ = PointAt(route, -3)
	assert.Equal(t, route[0].Lat, p.Lat)
}

func TestPointAtIsConvexCombination(t *testing.T) {
	route := []fleet.RoutePoint{
		{Lat: 10, Lng: -4}, {Lat: 12, Lng: -1}, {Lat: 11, Lng: 3}, {Lat: 15, Lng: 2},
	}
	n := len(route)
	for i := 0; i <= 100; i++ {
		progress := float64(i) / 100
		p, ok := PointAt(route, progress)
		require.True(t, ok)
		idx := int(progress * float64(n-1))
		if idx > n-2 {
			idx = n - 2
		}
		a, b := route[idx], route[idx+1]
		assert.GreaterOrEqual(t, p.Lat, min(a.Lat, b.Lat)-1e-9, "progress %v", progress)
		assert.LessOrEqual(t, p.Lat, max(a.Lat, b.Lat)+1e-9, "progress %v", progress)
		assert.GreaterOrEqual(t, p.Lng, min(a.Lng, b.Lng)-1e-9, "progress %v", progress)
		assert.LessOrEqual(t, p.Lng, max(a.Lng, b.Lng)+1e-9, "progress %v", progress)
	}
}

func TestPointAtNonGeometricFallback(t *testing.T) {
	ts := time.Unix(1_700_000_100, 0)
	route := []fleet.RoutePoint{
		{Lat: 0, Lng: 0},
		{Lat: 2, Lng: 2, Heading: fleet.Float(90), Speed: fleet.Float(30), Timestamp: &ts},
	}
	p, _ := PointAt(route, 0.5)
	assert.Equal(t, 1.0, p.Lat)
	require.NotNil(t, p.Heading)
	assert.Equal(t, 90.0, *p.Heading)
	assert.Equal(t, 30.0, *p.Speed)
	assert.Equal(t, ts, *p.Timestamp)

	route[0].Heading = fleet.Float(10)
	p, _ = PointAt(route, 0.5)
	assert.Equal(t, 10.0, *p.Heading)
}

func TestPointAtDerivesMissingHeading(t *testing.T) {
	route := []fleet.RoutePoint{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}, {Lat: 1, Lng: 1}}

	p, _ := PointAt(route, 0.25)
	require.NotNil(t, p.Heading)
	assert.InDelta(t, 90, *p.Heading, 1e-6)

	p, _ = PointAt(route, 0.75)
	require.NotNil(t, p.Heading)
	assert.InDelta(t, 0, *p.Heading, 1e-6)

	// the last point keeps the bearing of the final segment
	p, _ = PointAt(route, 1)
	require.NotNil(t, p.Heading)
	assert.InDelta(t, 0, *p.Heading, 1e-6)

	// a recorded heading wins over the derived one
	route[1].Heading = fleet.Float(45)
	p, _ = PointAt(route, 0.75)
	assert.Equal(t, 45.0, *p.Heading)

	// coincident points have no bearing
	p, _ = PointAt([]fleet.RoutePoint{{Lat: 2, Lng: 2}, {Lat: 2, Lng: 2}}, 0.5)
	assert.Nil(t, p.Heading)
}

func TestPointAtDegenerateRoutes(t *testing.T) {
	_, ok := PointAt(nil, 0.5)
	assert.False(t, ok)

	single := []fleet.RoutePoint{{Lat: 3, Lng: 4}}
	for _, progress := range []float64{0, 0.3, 1} {
		p, ok := PointAt(single, progress)
		require.True(t, ok)
		assert.Equal(t, single[0], p)
	}
}

func TestPlayerPlaysToMidpoint(t *testing.T) {
	p, c := newTestPlayer(nil)
	defer p.Close()
	p.Load("V1", []fleet.RoutePoint{{Lat: 0, Lng: 0}, {Lat: 10, Lng: 10}})
	require.Equal(t, 2000*time.Millisecond, p.Duration())

	p.Play()
	require.True(t, p.Playing())
	c.Advance(1000 * time.Millisecond)

	assert.InDelta(t, 0.5, p.Progress(), 1e-9)
	cur, ok := p.Current()
	require.True(t, ok)
	assert.InDelta(t, 5, cur.Lat, 1e-9)
	assert.InDelta(t, 5, cur.Lng, 1e-9)
}

func TestPlayerAutoPausesAtEnd(t *testing.T) {
	rec := &frames{}
	p, c := newTestPlayer(rec)
	defer p.Close()
	p.Load("V1", line(5))
	p.Play()
	c.Advance(5 * time.Second)

	require.Eventually(t, func() bool {
		f := rec.last()
		return !f.Playing && f.Progress == 1
	}, time.Second, time.Millisecond)
	assert.False(t, p.Playing())
	assert.Equal(t, 1.0, p.Progress())
	last := rec.last()
	require.NotNil(t, last.Current)
	assert.Equal(t, 4.0, last.Current.Lat)

	// play at the end stays paused
	p.Play()
	assert.False(t, p.Playing())
	assert.Equal(t, 1.0, p.Progress())
}

func TestPlayerPauseKeepsProgress(t *testing.T) {
	p, c := newTestPlayer(nil)
	defer p.Close()
	p.Load("V1", line(5))
	p.Play()
	c.Advance(500 * time.Millisecond)
	p.Pause()

	assert.False(t, p.Playing())
	assert.InDelta(t, 0.25, p.Progress(), 1e-9)
	c.Advance(time.Second)
	assert.InDelta(t, 0.25, p.Progress(), 1e-9)

	p.Play()
	c.Advance(500 * time.Millisecond)
	assert.InDelta(t, 0.5, p.Progress(), 1e-9)
}

func TestPlayerSeek(t *testing.T) {
	p, c := newTestPlayer(nil)
	defer p.Close()
	route := line(5)
	p.Load("V1", route)

	p.Seek(1)
	cur, _ := p.Current()
	assert.Equal(t, route[4].Lat, cur.Lat)
	assert.False(t, p.Playing())

	p.Seek(0)
	cur, _ = p.Current()
	assert.Equal(t, route[0].Lat, cur.Lat)
	assert.Equal(t, route[0].Lng, cur.Lng)

	p.Seek(-2)
	assert.Equal(t, 0.0, p.Progress())
	p.Seek(3)
	assert.Equal(t, 1.0, p.Progress())

	// seeking while playing continues from the new position
	p.Seek(0)
	p.Play()
	c.Advance(500 * time.Millisecond)
	p.Seek(0.8)
	assert.True(t, p.Playing())
	c.Advance(200 * time.Millisecond)
	assert.InDelta(t, 0.9, p.Progress(), 1e-9)
}

func TestPlayerSpeedMultiplier(t *testing.T) {
	p, c := newTestPlayer(nil)
	defer p.Close()
	p.Load("V1", line(5))
	require.NoError(t, p.SetSpeed(2))
	p.Play()
	c.Advance(500 * time.Millisecond)
	assert.InDelta(t, 0.5, p.Progress(), 1e-9)

	require.NoError(t, p.SetSpeed(0.5))
	c.Advance(1000 * time.Millisecond)
	assert.InDelta(t, 0.75, p.Progress(), 1e-9)

	assert.Error(t, p.SetSpeed(0))
	assert.Error(t, p.SetSpeed(-1))
}

func TestPlayerProgressIsMonotonicWhilePlaying(t *testing.T) {
	p := NewPlayer(Config{MinDuration: 50 * time.Millisecond, FrameInterval: time.Millisecond}, nil, nil)
	defer p.Close()
	p.Load("V1", line(3))
	p.Play()

	last := 0.0
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && p.Playing() {
		got := p.Progress()
		require.GreaterOrEqual(t, got, last)
		require.LessOrEqual(t, got, 1.0)
		last = got
	}
	require.Eventually(t, func() bool { return !p.Playing() }, time.Second, time.Millisecond)
	assert.Equal(t, 1.0, p.Progress())
}

func TestPlayerLoadResets(t *testing.T) {
	p, c := newTestPlayer(nil)
	defer p.Close()
	p.Load("V1", line(5))
	p.Play()
	c.Advance(time.Second)

	next := []fleet.RoutePoint{{Lat: 40, Lng: 40}, {Lat: 41, Lng: 41}}
	p.Load("V2", next)
	assert.False(t, p.Playing())
	assert.Equal(t, 0.0, p.Progress())
	cur, _ := p.Current()
	assert.Equal(t, next[0].Lat, cur.Lat)
	assert.Equal(t, next[0].Lng, cur.Lng)
	assert.Equal(t, "V2", p.State().VehicleID)

	// caller mutation does not leak in
	next[0].Lat = -1
	assert.Equal(t, 40.0, p.Route()[0].Lat)
}

func TestPlayerEmptyRoute(t *testing.T) {
	p, _ := newTestPlayer(nil)
	defer p.Close()
	p.Load("V1", nil)
	p.Play()
	assert.False(t, p.Playing())
	_, ok := p.Current()
	assert.False(t, ok)
	st := p.State()
	assert.Nil(t, st.Current)
	assert.Equal(t, int64(2000), st.DurationMs)
}

func TestPlayerPublishesStateChanges(t *testing.T) {
	rec := &frames{}
	c := newClock()
	m := metrics.NewCollector(time.Second, time.Second, 1)
	p := NewPlayer(Config{FrameInterval: time.Hour}, rec, m)
	p.now = c.Now
	defer p.Close()

	p.Load("V9", line(2))
	assert.Equal(t, "V9", rec.last().VehicleID)
	assert.Equal(t, 2, rec.last().Points)

	p.Play()
	assert.True(t, rec.last().Playing)
	c.Advance(time.Second)
	p.Pause()
	assert.False(t, rec.last().Playing)
	assert.InDelta(t, 0.5, rec.last().Progress, 1e-9)
}

// gate holds the first stepping frame in the publisher until released.
type gate struct {
	frames
	once    sync.Once
	held    chan struct{}
	release chan struct{}
}

func (g *gate) PublishPlayback(frame fleet.PlaybackFrame) {
	if frame.Playing && frame.Progress > 0 {
		first := false
		g.once.Do(func() { first = true })
		if first {
			close(g.held)
			<-g.release
		}
	}
	g.frames.PublishPlayback(frame)
}

func TestPlayerPauseDuringSlowPublishEndsPaused(t *testing.T) {
	g := &gate{held: make(chan struct{}), release: make(chan struct{})}
	p, c := newTestPlayer(g)
	defer p.Close()
	p.Load("V1", line(5))
	p.Play()
	c.Advance(500 * time.Millisecond)

	select {
	case <-g.held:
	case <-time.After(time.Second):
		t.Fatal("no stepping frame reached the publisher")
	}

	paused := make(chan struct{})
	go func() {
		p.Pause()
		close(paused)
	}()
	require.Eventually(t, func() bool { return !p.Playing() }, time.Second, time.Millisecond)
	close(g.release)
	select {
	case <-paused:
	case <-time.After(time.Second):
		t.Fatal("Pause did not return")
	}

	last := g.last()
	assert.False(t, last.Playing)
	assert.InDelta(t, 0.25, last.Progress, 1e-9)
	assert.False(t, p.Playing())
}

func TestPlayerDropsStaleFrames(t *testing.T) {
	rec := &frames{}
	p, _ := newTestPlayer(rec)
	defer p.Close()
	p.Load("V1", line(5))
	p.Seek(0.5)

	p.emit(fleet.PlaybackFrame{VehicleID: "V1", Playing: true, Progress: 0.1}, 1)
	last := rec.last()
	assert.False(t, last.Playing)
	assert.Equal(t, 0.5, last.Progress)
}
