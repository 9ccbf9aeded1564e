package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollectorStaticGauges(t *testing.T) {
	body := scrape(t, NewCollector(3*time.Second, 900*time.Millisecond, 2))
	assert.Contains(t, body, "tracker_poll_interval_seconds 3")
	assert.Contains(t, body, "tracker_smooth_window_seconds 0.9")
	assert.Contains(t, body, "playback_speed_multiplier 2")
}

func TestHandlerExposesTrackerSeries(t *testing.T) {
	c := NewCollector(time.Second, time.Second, 1)
	c.Polls.Inc()
	c.FramesPublished.WithLabelValues("vehicles").Add(3)

	body := scrape(t, c)
	assert.Contains(t, body, "tracker_polls_total 1")
	assert.Contains(t, body, `tracker_frames_published_total{stream="vehicles"} 3`)
}
