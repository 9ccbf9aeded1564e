package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fleet-tracker/internal/config"
	"fleet-tracker/internal/db"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/metrics"
	"fleet-tracker/internal/playback"
	"fleet-tracker/internal/publisher"
	"fleet-tracker/internal/server"
	"fleet-tracker/internal/source"
	"fleet-tracker/internal/stream"
	"fleet-tracker/internal/track"
	"fleet-tracker/internal/view"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	// Load configuration from .env, optional CONFIG_FILE and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.PollInterval, cfg.SmoothWindow, cfg.SpeedMultiplier)
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	// Database is only opened when a component reads from it
	var sqlDB *sql.DB
	if cfg.SourceKind == "postgres" || cfg.RouteKind == "postgres" {
		sqlDB, err = db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open error: %v", err)
		}
		defer sqlDB.Close()
		if err := db.Ping(ctx, sqlDB); err != nil {
			log.Fatalf("db ping error: %v", err)
		}
	}

	// Frame sinks: WebSocket hub always, NATS when configured
	hub := stream.NewHub(mcol)
	defer hub.Close()
	sinks := []publisher.Sink{hub}
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
		sinks = append(sinks, pub)
		log.Printf("publishing frames on NATS subjects %s.*", cfg.NATSPrefix)
	}
	out := publisher.NewFanout(sinks...)

	src, closeSrc, err := snapshotSource(cfg, sqlDB)
	if err != nil {
		log.Fatalf("snapshot source error: %v", err)
	}
	defer closeSrc()
	routes, err := routeSource(cfg, sqlDB)
	if err != nil {
		log.Fatalf("route source error: %v", err)
	}

	tracker := track.NewTracker(track.Config{
		PollInterval:  cfg.PollInterval,
		SmoothWindow:  cfg.SmoothWindow,
		FrameInterval: cfg.FrameInterval,
		FetchTimeout:  cfg.FetchTimeout,
	}, out, mcol)
	player := playback.NewPlayer(playback.Config{
		MinDuration:     cfg.MinPlaybackDuration,
		PerPoint:        cfg.PerPointDuration,
		FrameInterval:   cfg.FrameInterval,
		SpeedMultiplier: cfg.SpeedMultiplier,
	}, out, mcol)
	orch := view.New(view.Config{
		PaddingPx:     cfg.ViewPaddingPx,
		DefaultCenter: fleet.Position{Lat: cfg.DefaultLat, Lng: cfg.DefaultLng},
		Interval:      cfg.ViewInterval,
		FetchTimeout:  cfg.FetchTimeout,
	}, tracker, player, routes, out, mcol)

	if err := tracker.Start(ctx, src); err != nil {
		log.Fatalf("tracker start error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Run(ctx)
	}()
	if sqlDB != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchDB(ctx, sqlDB, time.Minute)
		}()
	}

	apiSrv := server.New(tracker, player, orch, hub).Serve(cfg.HTTPAddr)

	// Block until context cancelled
	<-ctx.Done()
	log.Printf("shutting down (%d stream clients connected)", hub.Clients())

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelShutdown()
	_ = apiSrv.Shutdown(shutdownCtx)
	tracker.Stop()
	player.Close()
	wg.Wait()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Println("shutdown complete")
}

// snapshotSource builds the configured fleet position fetcher. The returned
// func releases its resources.
func snapshotSource(cfg *config.Config, sqlDB *sql.DB) (track.Fetcher, func(), error) {
	noop := func() {}
	switch cfg.SourceKind {
	case "http":
		log.Printf("snapshot source: http %s", cfg.SnapshotURL)
		return source.NewHTTPFetcher(cfg.SnapshotURL, cfg.FetchTimeout), noop, nil
	case "gtfsrt":
		log.Printf("snapshot source: gtfs-rt %s", cfg.SnapshotURL)
		return source.NewGTFSRTFetcher(cfg.SnapshotURL, cfg.FetchTimeout), noop, nil
	case "mqtt":
		c := source.NewMQTTCache(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopic, cfg.MQTTStaleness)
		if err := c.Connect(); err != nil {
			return nil, noop, err
		}
		return c, c.Close, nil
	case "postgres":
		s, err := db.NewPositionStore(sqlDB, cfg.PositionsTable, cfg.RouteWindow)
		if err != nil {
			return nil, noop, err
		}
		log.Printf("snapshot source: postgres table %s", cfg.PositionsTable)
		return s, noop, nil
	}
	return nil, noop, fmt.Errorf("unknown snapshot source %q", cfg.SourceKind)
}

func routeSource(cfg *config.Config, sqlDB *sql.DB) (view.RouteFetcher, error) {
	switch cfg.RouteKind {
	case "http":
		return source.NewHTTPRouteFetcher(cfg.RouteURL, cfg.FetchTimeout), nil
	case "postgres":
		s, err := db.NewPositionStore(sqlDB, cfg.PositionsTable, cfg.RouteWindow)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown route source %q", cfg.RouteKind)
}

// watchDB pings the database periodically so a lost connection shows up in
// the logs before the next route selection fails.
func watchDB(ctx context.Context, sqlDB *sql.DB, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := db.Ping(ctx, sqlDB)
		switch {
		case err != nil && healthy:
			log.Printf("db ping failed: %v", err)
			healthy = false
		case err == nil && !healthy:
			log.Printf("db reachable again")
			healthy = true
		}
	}
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
