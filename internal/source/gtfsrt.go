package source

import (
	"context"
	"net/http"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"fleet-tracker/internal/fleet"
)

// GTFSRTFetcher reads a GTFS-Realtime VehiclePositions feed and emits one
// record per entity carrying a position.
type GTFSRTFetcher struct {
	url        string
	httpClient *http.Client
}

func NewGTFSRTFetcher(url string, timeout time.Duration) *GTFSRTFetcher {
	return &GTFSRTFetcher{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *GTFSRTFetcher) Fetch(ctx context.Context) ([]fleet.Record, error) {
	body, err := get(ctx, s.httpClient, s.url, "application/x-protobuf")
	if err != nil {
		return nil, err
	}
	var feed gtfs.FeedMessage
	if err := proto.Unmarshal(body, &feed); err != nil {
		return nil, err
	}
	return FeedRecords(&feed), nil
}

// FeedRecords flattens vehicle positions into raw records keyed the way the
// normalizer expects. The vehicle descriptor id is preferred over the entity id.
func FeedRecords(feed *gtfs.FeedMessage) []fleet.Record {
	out := make([]fleet.Record, 0, len(feed.GetEntity()))
	for _, ent := range feed.GetEntity() {
		if ent == nil || ent.Vehicle == nil || ent.Vehicle.Position == nil {
			continue
		}
		vp := ent.Vehicle
		id := vp.GetVehicle().GetId()
		if id == "" {
			id = ent.GetId()
		}
		if id == "" {
			continue
		}
		rec := fleet.Record{
			"id":        id,
			"latitude":  float64(vp.Position.GetLatitude()),
			"longitude": float64(vp.Position.GetLongitude()),
		}
		if vp.Position.Bearing != nil {
			rec["bearing"] = float64(vp.Position.GetBearing())
		}
		if vp.Position.Speed != nil {
			rec["speed"] = float64(vp.Position.GetSpeed())
		}
		if vp.Timestamp != nil {
			rec["timestamp"] = float64(vp.GetTimestamp())
		}
		if label := vp.GetVehicle().GetLabel(); label != "" {
			rec["label"] = label
		}
		if trip := vp.GetTrip().GetTripId(); trip != "" {
			rec["tripId"] = trip
		}
		out = append(out, rec)
	}
	return out
}
