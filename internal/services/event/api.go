package event

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/services/telemetry"
)

// Querier is satisfied by the InfluxDB QueryAPI.
type Querier interface {
	Query(ctx context.Context, query string) (*api.QueryTableResult, error)
}

type SensorLister interface {
	Snapshot() []telemetry.SensorState
}

// DecisionRecord is one mirrored decision as returned by /decisions/latest.
type DecisionRecord struct {
	SensorID   string          `json:"sensor_id,omitempty"`
	FieldID    string          `json:"field_id,omitempty"`
	Decision   entities.Action `json:"decision"`
	DecisionID string          `json:"decision_id"`
	Time       string          `json:"time"`
}

type historyParams struct {
	Minutes   int
	Limit     int
	TimeoutMS int
	SensorID  string
}

func parseHistory(r *http.Request, defMin, defLim, defTOms int) historyParams {
	q := r.URL.Query()
	get := func(k string, def, min, max int) int {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				if n < min {
					return min
				}
				if max > 0 && n > max {
					return max
				}
				return n
			}
		}
		return def
	}
	return historyParams{
		Minutes:   get("minutes", defMin, 1, 7*24*60),
		Limit:     get("limit", defLim, 1, 500),
		TimeoutMS: get("timeout_ms", defTOms, 200, 5000),
		SensorID:  strings.TrimSpace(q.Get("sensor_id")),
	}
}

func buildDecisionFlux(bucket string, p historyParams) string {
	sensorFilter := ""
	if p.SensorID != "" {
		sensorFilter = fmt.Sprintf("\n  |> filter(fn: (r) => r.sensor_id == %q)", p.SensorID)
	}
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%dm)
  |> filter(fn: (r) => r._measurement == %q and r._field == "decision_id")%s
  |> group()
  |> keep(columns: ["_time","_value","sensor_id","field_id","decision"])
  |> sort(columns: ["_time"], desc: true)
  |> limit(n:%d)
`, bucket, p.Minutes, DecisionMeasurement, sensorFilter, p.Limit)
}

// NewDecisionsLatestHandler serves GET /decisions/latest?limit=20[&minutes=1440][&sensor_id=7].
func NewDecisionsLatestHandler(q Querier, bucket string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := parseHistory(r, 1440, 20, 2000)

		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(p.TimeoutMS)*time.Millisecond)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		res, err := q.Query(ctx, buildDecisionFlux(bucket, p))
		if err != nil {
			w.Header().Set("X-Error", "influx-query-error")
			_, _ = w.Write([]byte("[]"))
			return
		}
		defer res.Close()

		out := make([]DecisionRecord, 0, p.Limit)
		for res.Next() {
			rec := res.Record()
			out = append(out, DecisionRecord{
				SensorID:   stringValue(rec.ValueByKey("sensor_id")),
				FieldID:    stringValue(rec.ValueByKey("field_id")),
				Decision:   entities.Action(stringValue(rec.ValueByKey("decision"))),
				DecisionID: stringValue(rec.Value()),
				Time:       rec.Time().UTC().Format(time.RFC3339),
			})
		}
		if res.Err() != nil {
			w.Header().Set("X-Error", "influx-iter-error")
		}
		_ = json.NewEncoder(w).Encode(out)
	})
}

// NewSensorsLatestHandler serves GET /sensors/latest from the liveness tracker.
func NewSensorsLatestHandler(sensors SensorLister) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sensors.Snapshot())
	})
}

func stringValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
