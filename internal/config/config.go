package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Snapshot source: http | gtfsrt | mqtt | postgres
	SourceKind    string `validate:"oneof=http gtfsrt mqtt postgres"`
	SnapshotURL   string `validate:"omitempty,url"`
	MQTTBroker    string
	MQTTClientID  string `validate:"required"`
	MQTTTopic     string
	MQTTStaleness time.Duration `validate:"gt=0"`

	// Route source: postgres | http
	RouteKind      string        `validate:"oneof=postgres http"`
	RouteURL       string        `validate:"omitempty,url"`
	RouteWindow    time.Duration `validate:"gt=0"`
	DatabaseURL    string
	PositionsTable string `validate:"required"`

	NATSURL         string
	NATSPrefix      string `validate:"required"`
	LogNATSSubjects bool

	HTTPAddr    string `validate:"required"`
	MetricsAddr string

	PollInterval  time.Duration `validate:"gt=0"`
	SmoothWindow  time.Duration `validate:"gte=0"`
	FrameInterval time.Duration `validate:"gt=0"`
	FetchTimeout  time.Duration `validate:"gt=0"`

	SpeedMultiplier     float64       `validate:"gt=0"`
	MinPlaybackDuration time.Duration `validate:"gt=0"`
	PerPointDuration    time.Duration `validate:"gte=0"`

	ViewInterval  time.Duration `validate:"gt=0"`
	ViewPaddingPx int           `validate:"gte=0"`
	DefaultLat    float64       `validate:"gte=-90,lte=90"`
	DefaultLng    float64       `validate:"gte=-180,lte=180"`
}

// fileConfig is the optional YAML tuning file named by CONFIG_FILE. Values set
// in the environment take precedence.
type fileConfig struct {
	Source struct {
		Kind        string `yaml:"kind"`
		URL         string `yaml:"url"`
		MQTTBroker  string `yaml:"mqttBroker"`
		MQTTTopic   string `yaml:"mqttTopic"`
		StaleAfterS int    `yaml:"staleAfterSec"`
	} `yaml:"source"`
	Route struct {
		Kind        string `yaml:"kind"`
		URL         string `yaml:"url"`
		WindowHours int    `yaml:"windowHours"`
		Table       string `yaml:"table"`
	} `yaml:"route"`
	Tracker struct {
		PollIntervalMS  int  `yaml:"pollIntervalMS"`
		SmoothMS        *int `yaml:"smoothMS"`
		FrameIntervalMS int  `yaml:"frameIntervalMS"`
		FetchTimeoutMS  int  `yaml:"fetchTimeoutMS"`
	} `yaml:"tracker"`
	Playback struct {
		SpeedMultiplier float64 `yaml:"speedMultiplier"`
		MinDurationMS   int     `yaml:"minDurationMS"`
		PerPointMS      *int    `yaml:"perPointMS"`
	} `yaml:"playback"`
	View struct {
		IntervalMS int       `yaml:"intervalMS"`
		PaddingPx  *int      `yaml:"paddingPx"`
		Center     []float64 `yaml:"defaultCenter"`
	} `yaml:"view"`
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		SourceKind:          "http",
		MQTTClientID:        "fleet-tracker",
		MQTTTopic:           "fleet/+/telemetry",
		MQTTStaleness:       2 * time.Minute,
		RouteKind:           "postgres",
		RouteWindow:         24 * time.Hour,
		PositionsTable:      "vehicle_positions",
		NATSPrefix:          "fleet",
		HTTPAddr:            ":8080",
		PollInterval:        3000 * time.Millisecond,
		SmoothWindow:        900 * time.Millisecond,
		FrameInterval:       16 * time.Millisecond,
		FetchTimeout:        10 * time.Second,
		SpeedMultiplier:     1.0,
		MinPlaybackDuration: 2000 * time.Millisecond,
		PerPointDuration:    200 * time.Millisecond,
		ViewInterval:        250 * time.Millisecond,
		ViewPaddingPx:       48,
		DefaultLat:          20.5937,
		DefaultLng:          78.9629,
	}
}

// Validate checks field constraints and returns the first violations joined.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	switch cfg.SourceKind {
	case "http", "gtfsrt":
		if cfg.SnapshotURL == "" {
			return fmt.Errorf("invalid config: SNAPSHOT_URL must be set when SNAPSHOT_SOURCE=%s", cfg.SourceKind)
		}
	case "mqtt":
		if cfg.MQTTBroker == "" {
			return errors.New("invalid config: MQTT_BROKER must be set when SNAPSHOT_SOURCE=mqtt")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("invalid config: PGDATABASE or DATABASE_URL must be set when SNAPSHOT_SOURCE=postgres")
		}
	}
	switch cfg.RouteKind {
	case "http":
		if cfg.RouteURL == "" {
			return errors.New("invalid config: ROUTE_URL must be set when ROUTE_SOURCE=http")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("invalid config: PGDATABASE or DATABASE_URL must be set when ROUTE_SOURCE=postgres")
		}
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	setString(&cfg.SourceKind, fc.Source.Kind)
	setString(&cfg.SnapshotURL, fc.Source.URL)
	setString(&cfg.MQTTBroker, fc.Source.MQTTBroker)
	setString(&cfg.MQTTTopic, fc.Source.MQTTTopic)
	setDuration(&cfg.MQTTStaleness, fc.Source.StaleAfterS, time.Second)
	setString(&cfg.RouteKind, fc.Route.Kind)
	setString(&cfg.RouteURL, fc.Route.URL)
	setDuration(&cfg.RouteWindow, fc.Route.WindowHours, time.Hour)
	setString(&cfg.PositionsTable, fc.Route.Table)
	setDuration(&cfg.PollInterval, fc.Tracker.PollIntervalMS, time.Millisecond)
	if err := setOptionalDuration(&cfg.SmoothWindow, fc.Tracker.SmoothMS, time.Millisecond); err != nil {
		return fmt.Errorf("config file %s: smoothMS %w", path, err)
	}
	setDuration(&cfg.FrameInterval, fc.Tracker.FrameIntervalMS, time.Millisecond)
	setDuration(&cfg.FetchTimeout, fc.Tracker.FetchTimeoutMS, time.Millisecond)
	if fc.Playback.SpeedMultiplier != 0 {
		cfg.SpeedMultiplier = fc.Playback.SpeedMultiplier
	}
	setDuration(&cfg.MinPlaybackDuration, fc.Playback.MinDurationMS, time.Millisecond)
	if err := setOptionalDuration(&cfg.PerPointDuration, fc.Playback.PerPointMS, time.Millisecond); err != nil {
		return fmt.Errorf("config file %s: perPointMS %w", path, err)
	}
	setDuration(&cfg.ViewInterval, fc.View.IntervalMS, time.Millisecond)
	if fc.View.PaddingPx != nil {
		cfg.ViewPaddingPx = *fc.View.PaddingPx
	}
	if len(fc.View.Center) != 0 {
		if len(fc.View.Center) != 2 {
			return fmt.Errorf("config file %s: defaultCenter must be [lat, lng]", path)
		}
		cfg.DefaultLat, cfg.DefaultLng = fc.View.Center[0], fc.View.Center[1]
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("SNAPSHOT_SOURCE"); v != "" {
		cfg.SourceKind = strings.ToLower(strings.TrimSpace(v))
	}
	setString(&cfg.SnapshotURL, os.Getenv("SNAPSHOT_URL"))
	setString(&cfg.MQTTBroker, os.Getenv("MQTT_BROKER"))
	setString(&cfg.MQTTTopic, os.Getenv("MQTT_TOPIC"))
	setString(&cfg.MQTTClientID, os.Getenv("MQTT_CLIENT_ID"))
	if v := os.Getenv("ROUTE_SOURCE"); v != "" {
		cfg.RouteKind = strings.ToLower(strings.TrimSpace(v))
	}
	setString(&cfg.RouteURL, os.Getenv("ROUTE_URL"))

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	if dsn == "" {
		if db := os.Getenv("PGDATABASE"); db != "" {
			host := getenvDefault("PGHOST", "127.0.0.1")
			port := getenvDefault("PGPORT", "5432")
			user := getenvDefault("PGUSER", "postgres")
			pass := os.Getenv("PGPASSWORD")
			sslmode := getenvDefault("PGSSLMODE", "disable")
			if pass != "" {
				dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
			} else {
				dsn = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
			}
		}
	}
	setString(&cfg.DatabaseURL, dsn)
	setString(&cfg.PositionsTable, os.Getenv("POSITIONS_TABLE"))

	setString(&cfg.NATSURL, os.Getenv("NATS_URL"))
	setString(&cfg.NATSPrefix, os.Getenv("NATS_SUBJECT_PREFIX"))
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	setString(&cfg.HTTPAddr, os.Getenv("HTTP_ADDR"))
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	setString(&cfg.MetricsAddr, os.Getenv("METRICS_ADDR"))

	durations := []struct {
		key  string
		dst  *time.Duration
		unit time.Duration
		zero bool
	}{
		{"POLL_INTERVAL_MS", &cfg.PollInterval, time.Millisecond, false},
		{"SMOOTH_MS", &cfg.SmoothWindow, time.Millisecond, true},
		{"FRAME_INTERVAL_MS", &cfg.FrameInterval, time.Millisecond, false},
		{"FETCH_TIMEOUT_MS", &cfg.FetchTimeout, time.Millisecond, false},
		{"MQTT_STALE_AFTER_SEC", &cfg.MQTTStaleness, time.Second, false},
		{"ROUTE_WINDOW_HOURS", &cfg.RouteWindow, time.Hour, false},
		{"PLAYBACK_MIN_DURATION_MS", &cfg.MinPlaybackDuration, time.Millisecond, false},
		{"PLAYBACK_PER_POINT_MS", &cfg.PerPointDuration, time.Millisecond, true},
		{"VIEW_INTERVAL_MS", &cfg.ViewInterval, time.Millisecond, false},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 || (n == 0 && !d.zero) {
			return fmt.Errorf("invalid %s: %q", d.key, v)
		}
		*d.dst = time.Duration(n) * d.unit
	}

	// Speed multiplier
	if v := os.Getenv("SPEED_MULTIPLIER"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return fmt.Errorf("invalid SPEED_MULTIPLIER: %q", v)
		}
		cfg.SpeedMultiplier = f
	}

	if v := os.Getenv("VIEW_PADDING_PX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid VIEW_PADDING_PX: %q", v)
		}
		cfg.ViewPaddingPx = n
	}

	// Default map center as "lat,lng"
	if v := os.Getenv("DEFAULT_CENTER"); v != "" {
		parts := strings.Split(v, ",")
		if len(parts) != 2 {
			return fmt.Errorf("invalid DEFAULT_CENTER: %q", v)
		}
		lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		lng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("invalid DEFAULT_CENTER: %q", v)
		}
		cfg.DefaultLat, cfg.DefaultLng = lat, lng
	}
	return nil
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setDuration(dst *time.Duration, n int, unit time.Duration) {
	if n > 0 {
		*dst = time.Duration(n) * unit
	}
}

// setOptionalDuration applies n when present; zero is a valid setting.
func setOptionalDuration(dst *time.Duration, n *int, unit time.Duration) error {
	if n == nil {
		return nil
	}
	if *n < 0 {
		return fmt.Errorf("must not be negative, got %d", *n)
	}
	*dst = time.Duration(*n) * unit
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
