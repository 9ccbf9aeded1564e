// Package source implements the snapshot and route fetchers the tracker and
// orchestrator poll: plain HTTP JSON, GTFS-Realtime and an MQTT telemetry
// cache.
package source

import (
	"bytes"
	"encoding/json"
	"fmt"

	"fleet-tracker/internal/fleet"
)

// wrapperKeys are the envelope fields producers put record lists under.
var wrapperKeys = []string{"data", "vehicles", "items", "results", "records", "points", "route", "positions"}

// DecodeRecords accepts a JSON array of objects, an object wrapping such an
// array under one of the common envelope keys (nested envelopes included), or
// a single object. Numbers are kept as json.Number.
func DecodeRecords(body []byte) ([]fleet.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return records(v, 0)
}

func records(v any, depth int) ([]fleet.Record, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]fleet.Record, 0, len(t))
		for _, el := range t {
			if m, ok := el.(map[string]any); ok {
				out = append(out, fleet.Record(m))
			}
		}
		return out, nil
	case map[string]any:
		if depth < 3 {
			for _, k := range wrapperKeys {
				if inner, ok := t[k]; ok {
					switch inner.(type) {
					case []any, map[string]any:
						return records(inner, depth+1)
					}
				}
			}
		}
		return []fleet.Record{fleet.Record(t)}, nil
	default:
		return nil, fmt.Errorf("decode records: unexpected payload %T", v)
	}
}
