package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/normalize"
)

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"vehicleNumber":"KA01","latitude":"12.97","longitude":"77.59","ignition":"on"},
			{"deviceNumber":"D2","lat":0,"lng":0}
		]}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, time.Second)
	recs, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)

	snaps, discarded := normalize.Records(recs)
	assert.Equal(t, 1, discarded)
	require.Len(t, snaps, 1)
	assert.Equal(t, "KA01", snaps[0].ID)
	assert.Equal(t, 12.97, snaps[0].Lat)
}

func TestHTTPFetcherStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(srv.URL, time.Second).Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPFetcherHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTPFetcher(srv.URL, time.Minute).Fetch(ctx)
	assert.Error(t, err)
}

func TestHTTPRouteFetcher(t *testing.T) {
	var gotPath, gotVehicle string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotVehicle = r.URL.Query().Get("vehicle")
		_, _ = w.Write([]byte(`{"route":[
			{"lat":1,"lng":1,"heading":90},
			{"lat":0,"lng":0},
			{"lat":2,"lng":2,"timestamp":1700000000}
		]}`))
	}))
	defer srv.Close()

	pts, err := NewHTTPRouteFetcher(srv.URL+"/history", time.Second).FetchRoute(context.Background(), "KA 01")
	require.NoError(t, err)
	assert.Equal(t, "/history", gotPath)
	assert.Equal(t, "KA 01", gotVehicle)
	require.Len(t, pts, 2)
	assert.Equal(t, 90.0, *pts[0].Heading)
	require.NotNil(t, pts[1].Timestamp)
	assert.Equal(t, int64(1700000000), pts[1].Timestamp.Unix())

	_, err = NewHTTPRouteFetcher(srv.URL+"/vehicles/{vehicle}/route", time.Second).FetchRoute(context.Background(), "V7")
	require.NoError(t, err)
	assert.Equal(t, "/vehicles/V7/route", gotPath)
}

func TestHTTPRouteFetcherEmptyRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	pts, err := NewHTTPRouteFetcher(srv.URL, time.Second).FetchRoute(context.Background(), "V1")
	require.NoError(t, err)
	assert.Empty(t, pts)
}
