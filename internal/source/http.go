package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/normalize"
)

// maxBody caps a single response read.
const maxBody = 32 << 20

// HTTPFetcher polls a JSON endpoint returning the fleet's latest positions.
type HTTPFetcher struct {
	url        string
	httpClient *http.Client
}

func NewHTTPFetcher(url string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPFetcher) Fetch(ctx context.Context) ([]fleet.Record, error) {
	body, err := get(ctx, s.httpClient, s.url, "application/json")
	if err != nil {
		return nil, err
	}
	return DecodeRecords(body)
}

// HTTPRouteFetcher loads a vehicle's history from a JSON endpoint. A
// "{vehicle}" placeholder in the URL is replaced with the escaped vehicle id;
// without one the id is sent as the "vehicle" query parameter.
type HTTPRouteFetcher struct {
	url        string
	httpClient *http.Client
}

func NewHTTPRouteFetcher(url string, timeout time.Duration) *HTTPRouteFetcher {
	return &HTTPRouteFetcher{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPRouteFetcher) FetchRoute(ctx context.Context, vehicleID string) ([]fleet.RoutePoint, error) {
	u, err := s.routeURL(vehicleID)
	if err != nil {
		return nil, err
	}
	body, err := get(ctx, s.httpClient, u, "application/json")
	if err != nil {
		return nil, err
	}
	recs, err := DecodeRecords(body)
	if err != nil {
		return nil, err
	}
	pts, _ := normalize.Route(recs)
	return pts, nil
}

func (s *HTTPRouteFetcher) routeURL(vehicleID string) (string, error) {
	if strings.Contains(s.url, "{vehicle}") {
		return strings.ReplaceAll(s.url, "{vehicle}", url.PathEscape(vehicleID)), nil
	}
	u, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("route url: %w", err)
	}
	q := u.Query()
	q.Set("vehicle", vehicleID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func get(ctx context.Context, client *http.Client, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status: %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBody))
}
