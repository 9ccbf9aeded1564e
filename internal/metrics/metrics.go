package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	TrackedVehicles prometheus.Gauge

	Polls             prometheus.Counter
	PollErrors        prometheus.Counter
	DiscardedRecords  prometheus.Counter
	BlendsStarted     prometheus.Counter
	BlendsInterrupted prometheus.Counter
	FramesPublished   *prometheus.CounterVec // stream label: vehicles|playback|view

	RouteLoads       prometheus.Counter
	RouteLoadErrors  prometheus.Counter
	RoutePoints      prometheus.Gauge
	PlaybackPlaying  prometheus.Gauge
	PlaybackProgress prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	StreamClients   prometheus.Gauge

	PollDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	PollInterval    prometheus.Gauge // seconds
	SmoothWindow    prometheus.Gauge // seconds
	SpeedMultiplier prometheus.Gauge
}

func NewCollector(pollInterval, smoothWindow time.Duration, speedMultiplier float64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		TrackedVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_vehicles",
			Help: "Number of vehicles in the last published set.",
		}),
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_polls_total",
			Help: "Total snapshot polls attempted.",
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_poll_errors_total",
			Help: "Total snapshot polls that failed and were skipped.",
		}),
		DiscardedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_discarded_records_total",
			Help: "Raw records dropped for missing or unfixed coordinates.",
		}),
		BlendsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_blends_started_total",
			Help: "Total blend cycles started.",
		}),
		BlendsInterrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_blends_interrupted_total",
			Help: "Blend cycles cancelled by a newer poll before completion.",
		}),
		FramesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_frames_published_total",
			Help: "Frames handed to the publishers.",
		}, []string{"stream"}),
		RouteLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_route_loads_total",
			Help: "Total routes loaded for playback.",
		}),
		RouteLoadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_route_load_errors_total",
			Help: "Total route fetches that failed.",
		}),
		RoutePoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "playback_route_points",
			Help: "Number of points in the loaded route.",
		}),
		PlaybackPlaying: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "playback_playing",
			Help: "1 while playback is running, 0 otherwise.",
		}),
		PlaybackProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "playback_progress_ratio",
			Help: "Playback progress fraction in [0,1].",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_stream_clients",
			Help: "Connected WebSocket clients.",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_poll_duration_seconds",
			Help:    "Duration of snapshot fetch and normalization.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_poll_interval_seconds",
			Help: "Poll interval in seconds.",
		}),
		SmoothWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_smooth_window_seconds",
			Help: "Blend window in seconds.",
		}),
		SpeedMultiplier: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "playback_speed_multiplier",
			Help: "Current playback speed multiplier.",
		}),
	}

	// Register
	reg.MustRegister(
		c.TrackedVehicles,
		c.Polls, c.PollErrors, c.DiscardedRecords,
		c.BlendsStarted, c.BlendsInterrupted, c.FramesPublished,
		c.RouteLoads, c.RouteLoadErrors, c.RoutePoints, c.PlaybackPlaying, c.PlaybackProgress,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.StreamClients,
		c.PollDuration, c.PublishDuration,
		c.PollInterval, c.SmoothWindow, c.SpeedMultiplier,
	)

	c.PollInterval.Set(pollInterval.Seconds())
	c.SmoothWindow.Set(smoothWindow.Seconds())
	c.SpeedMultiplier.Set(speedMultiplier)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

