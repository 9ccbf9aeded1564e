// Package track polls a snapshot source and publishes smoothly interpolated
// vehicle positions.
//
// Two goroutines cooperate: the poll loop fetches on a fixed interval and
// hands each normalized set to the animation loop, which owns the blend state
// and publishes one frame per frame interval until the blend completes.
package track

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"fleet-tracker/internal/fleet"
	mmetrics "fleet-tracker/internal/metrics"
	"fleet-tracker/internal/normalize"
)

var ErrRunning = errors.New("tracker already running")

// Fetcher returns the current raw records for the fleet or a single vehicle.
type Fetcher interface {
	Fetch(ctx context.Context) ([]fleet.Record, error)
}

type FetchFunc func(ctx context.Context) ([]fleet.Record, error)

func (f FetchFunc) Fetch(ctx context.Context) ([]fleet.Record, error) { return f(ctx) }

// Publisher receives every published vehicle set.
type Publisher interface {
	PublishVehicles(frame fleet.VehiclesFrame)
}

type Config struct {
	PollInterval  time.Duration
	SmoothWindow  time.Duration
	FrameInterval time.Duration
	FetchTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:  3000 * time.Millisecond,
		SmoothWindow:  900 * time.Millisecond,
		FrameInterval: 16 * time.Millisecond,
		FetchTimeout:  10 * time.Second,
	}
}

type Tracker struct {
	cfg     Config
	pub     Publisher
	metrics *mmetrics.Collector
	now     func() time.Time

	mu        sync.RWMutex
	published []fleet.VehicleSnapshot

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTracker(cfg Config, pub Publisher, metrics *mmetrics.Collector) *Tracker {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = def.FrameInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.SmoothWindow < 0 {
		cfg.SmoothWindow = 0
	}
	return &Tracker{
		cfg:     cfg,
		pub:     pub,
		metrics: metrics,
		now:     time.Now,
	}
}

// Start launches the poll and animation loops. The first successful fetch is
// published as-is; later fetches are blended in.
func (t *Tracker) Start(parent context.Context, src Fetcher) error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel

	updates := make(chan []fleet.VehicleSnapshot)
	t.wg.Add(2)
	go t.pollLoop(ctx, src, updates)
	go t.animateLoop(ctx, updates)
	log.Printf("tracker started (poll %s, smooth %s)", t.cfg.PollInterval, t.cfg.SmoothWindow)
	return nil
}

// Stop cancels polling and any pending frame, waits for both loops to exit and
// clears the published set. Safe to call more than once.
func (t *Tracker) Stop() {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.cancel == nil {
		return
	}
	t.cancel()
	t.wg.Wait()
	t.cancel = nil

	t.mu.Lock()
	t.published = nil
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.TrackedVehicles.Set(0)
	}
	log.Printf("tracker stopped")
}

// Vehicles returns a copy of the last published set in poll order.
func (t *Tracker) Vehicles() []fleet.VehicleSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return clone(t.published)
}

func (t *Tracker) pollLoop(ctx context.Context, src Fetcher, out chan<- []fleet.VehicleSnapshot) {
	defer t.wg.Done()
	// immediate fetch on start
	t.poll(ctx, src, out)
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.poll(ctx, src, out)
		}
	}
}

// poll runs one fetch. Failures are logged and skipped so the published set
// stays on screen.
func (t *Tracker) poll(ctx context.Context, src Fetcher, out chan<- []fleet.VehicleSnapshot) {
	start := time.Now()
	if t.metrics != nil {
		t.metrics.Polls.Inc()
	}
	records, err := t.fetch(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("snapshot poll error: %v", err)
		if t.metrics != nil {
			t.metrics.PollErrors.Inc()
		}
		return
	}
	set, discarded := normalize.Records(records)
	if t.metrics != nil {
		t.metrics.DiscardedRecords.Add(float64(discarded))
		t.metrics.PollDuration.Observe(time.Since(start).Seconds())
	}
	select {
	case out <- set:
	case <-ctx.Done():
	}
}

func (t *Tracker) fetch(ctx context.Context, src Fetcher) (records []fleet.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panic: %v", r)
		}
	}()
	fctx, cancel := context.WithTimeout(ctx, t.cfg.FetchTimeout)
	defer cancel()
	return src.Fetch(fctx)
}

func (t *Tracker) animateLoop(ctx context.Context, in <-chan []fleet.VehicleSnapshot) {
	defer t.wg.Done()
	b := blend{smooth: t.cfg.SmoothWindow}
	seeded := false

	var ticker *time.Ticker
	var frames <-chan time.Time
	stopFrames := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, frames = nil, nil
		}
	}
	defer stopFrames()

	for {
		select {
		case <-ctx.Done():
			return
		case set := <-in:
			if !seeded {
				b.seed(set)
				seeded = true
				t.publish(clone(b.latest))
				continue
			}
			interrupted := b.retarget(set, t.now())
			if t.metrics != nil {
				t.metrics.BlendsStarted.Inc()
				if interrupted {
					t.metrics.BlendsInterrupted.Inc()
				}
			}
			out, done := b.frame(t.now())
			t.publish(out)
			if done {
				stopFrames()
			} else if ticker == nil {
				ticker = time.NewTicker(t.cfg.FrameInterval)
				frames = ticker.C
			}
		case <-frames:
			out, done := b.frame(t.now())
			t.publish(out)
			if done {
				stopFrames()
			}
		}
	}
}

func (t *Tracker) publish(set []fleet.VehicleSnapshot) {
	t.mu.Lock()
	t.published = set
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.TrackedVehicles.Set(float64(len(set)))
		t.metrics.FramesPublished.WithLabelValues("vehicles").Inc()
	}
	if t.pub != nil {
		t.pub.PublishVehicles(fleet.VehiclesFrame{Vehicles: clone(set), At: t.now()})
	}
}
