// Package view ties live tracking and route playback together: it picks the
// runner marker, frames the viewport and drives vehicle selection.
package view

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
	mmetrics "fleet-tracker/internal/metrics"
)

// ErrSuperseded is returned by Select when a newer selection was applied
// while the route was being fetched; the fetched route is dropped.
var ErrSuperseded = errors.New("selection superseded")

// LiveSource exposes the tracker's published set.
type LiveSource interface {
	Vehicles() []fleet.VehicleSnapshot
}

// Playback is the subset of the playback player the orchestrator drives.
type Playback interface {
	Load(vehicleID string, route []fleet.RoutePoint)
	Playing() bool
	Current() (fleet.RoutePoint, bool)
}

// RouteFetcher loads the historical route of one vehicle. An empty route is
// valid.
type RouteFetcher interface {
	FetchRoute(ctx context.Context, vehicleID string) ([]fleet.RoutePoint, error)
}

type Publisher interface {
	PublishView(frame fleet.ViewFrame)
}

type Config struct {
	PaddingPx     int
	DefaultCenter fleet.Position
	Interval      time.Duration
	FetchTimeout  time.Duration
}

type Orchestrator struct {
	cfg     Config
	live    LiveSource
	player  Playback
	routes  RouteFetcher
	pub     Publisher
	metrics *mmetrics.Collector
	now     func() time.Time

	mu       sync.Mutex
	selected string
	seq      uint64 // last selection started
	applied  uint64 // selection whose route is loaded
}

func New(cfg Config, live LiveSource, player Playback, routes RouteFetcher, pub Publisher, metrics *mmetrics.Collector) *Orchestrator {
	if cfg.PaddingPx < 0 {
		cfg.PaddingPx = 0
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	return &Orchestrator{
		cfg:     cfg,
		live:    live,
		player:  player,
		routes:  routes,
		pub:     pub,
		metrics: metrics,
		now:     time.Now,
	}
}

// Runner is the playback position while playing, else the first live
// vehicle, else nil.
func (o *Orchestrator) Runner() *fleet.Position {
	if o.player != nil && o.player.Playing() {
		if cur, ok := o.player.Current(); ok {
			p := cur.Position()
			return &p
		}
	}
	if o.live == nil {
		return nil
	}
	if vs := o.live.Vehicles(); len(vs) > 0 {
		p := vs[0].Position()
		return &p
	}
	return nil
}

// Viewport frames all valid live vehicles when more than one is tracked,
// otherwise centers on the runner or the default center.
func (o *Orchestrator) Viewport() fleet.Viewport {
	var vs []fleet.VehicleSnapshot
	if o.live != nil {
		vs = o.live.Vehicles()
	}
	return o.viewport(vs, o.Runner())
}

func (o *Orchestrator) viewport(vs []fleet.VehicleSnapshot, runner *fleet.Position) fleet.Viewport {
	if len(vs) > 1 {
		if b, ok := geo.BoundsOf(vs); ok {
			return fleet.Viewport{Mode: fleet.ViewportBounds, Bounds: &b, PaddingPx: o.cfg.PaddingPx}
		}
	}
	center := o.cfg.DefaultCenter
	if runner != nil {
		center = *runner
	}
	return fleet.Viewport{Mode: fleet.ViewportCenter, Center: &center}
}

func (o *Orchestrator) Selected() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selected
}

// Select fetches the vehicle's route and loads it into the player, which
// resets playback. The tracker is untouched. On failure the previous
// selection and playback state stay as they were. Routes land in start
// order: a response is dropped only when a newer selection already loaded,
// so a failed newer selection does not discard an older one still in flight.
func (o *Orchestrator) Select(ctx context.Context, vehicleID string) error {
	vehicleID = strings.TrimSpace(vehicleID)
	if vehicleID == "" {
		return errors.New("vehicle id is required")
	}
	if o.routes == nil {
		return errors.New("no route source configured")
	}

	o.mu.Lock()
	o.seq++
	seq := o.seq
	o.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()
	route, err := o.routes.FetchRoute(fctx, vehicleID)
	if err != nil {
		if o.metrics != nil {
			o.metrics.RouteLoadErrors.Inc()
		}
		log.Printf("route fetch for %s failed: %v", vehicleID, err)
		return fmt.Errorf("fetch route %s: %w", vehicleID, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if seq < o.applied {
		log.Printf("dropping route for %s: newer selection already loaded", vehicleID)
		return ErrSuperseded
	}
	o.applied = seq
	o.selected = vehicleID
	if o.player != nil {
		o.player.Load(vehicleID, route)
	}
	return nil
}

// Frame snapshots the current runner and viewport.
func (o *Orchestrator) Frame() fleet.ViewFrame {
	var vs []fleet.VehicleSnapshot
	if o.live != nil {
		vs = o.live.Vehicles()
	}
	runner := o.Runner()
	return fleet.ViewFrame{
		Runner:   runner,
		Viewport: o.viewport(vs, runner),
		Selected: o.Selected(),
		At:       o.now(),
	}
}

// Run publishes a view frame immediately and then every interval until ctx
// is done.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()
	o.publish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.publish()
		}
	}
}

func (o *Orchestrator) publish() {
	frame := o.Frame()
	if o.metrics != nil {
		o.metrics.FramesPublished.WithLabelValues("view").Inc()
	}
	if o.pub != nil {
		o.pub.PublishView(frame)
	}
}
