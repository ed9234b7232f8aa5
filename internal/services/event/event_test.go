package event

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/services/telemetry"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestPointsAreNormalized(t *testing.T) {
	is := is.New(t)

	line := write.PointToLineProtocol(DecisionToPoint(messages.DecisionEvent{
		SensorID: "7", FieldID: "field1", Decision: entities.ActionStart, DecisionID: "abc", Timestamp: t0,
	}), time.Second)
	is.True(strings.HasPrefix(line, "irrigation_decision,decision=START,field_id=field1,sensor_id=7 "))
	is.True(strings.Contains(line, `decision_id="abc"`))

	line = write.PointToLineProtocol(PumpStateToPoint(messages.PumpStateChangeEvent{
		PumpID: "p1", FieldID: "field1", ScheduleID: "s1", Status: entities.PumpIdle, UsageSeconds: 360, Timestamp: t0,
	}), time.Second)
	is.True(strings.HasPrefix(line, "pump_state,field_id=field1,pump_id=p1,schedule_id=s1,status=idle "))
	is.True(strings.Contains(line, "is_on=false"))
	is.True(strings.Contains(line, "usage_seconds=360"))

	line = write.PointToLineProtocol(ReadingToPoint(entities.SensorReading{
		SensorID: "7", FieldID: "field1", Timestamp: t0,
		Measurements: []entities.Measurement{
			{Type: "humidity", Value: 40, Timestamp: t0},
			{Type: "humidity", Value: 18, Timestamp: t0.Add(time.Minute)},
			{Type: "rainfall", Value: 0, Timestamp: t0},
		},
	}), time.Second)
	is.True(strings.Contains(line, "humidity=18"))
	is.True(strings.Contains(line, "rainfall=0"))
}

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	errs    chan error
	flushed int
}

func newFakeWriter() *fakeWriter { return &fakeWriter{errs: make(chan error, 1)} }

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func (w *fakeWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushed++
}

func (w *fakeWriter) Errors() <-chan error { return w.errs }

func TestSinkCountsAndTracksErrors(t *testing.T) {
	is := is.New(t)
	w := newFakeWriter()
	s := NewSink(w, zerolog.Nop())

	s.RecordDecision(messages.DecisionEvent{SensorID: "7", Decision: entities.ActionStop, Timestamp: t0})
	s.RecordPumpState(messages.PumpStateChangeEvent{PumpID: "p1", Timestamp: t0})
	s.RecordReading(entities.SensorReading{SensorID: "7", Timestamp: t0})
	s.Flush()

	is.Equal(len(w.points), 3)
	is.Equal(w.flushed, 1)
	is.Equal(s.Count(DecisionMeasurement), int64(1))
	is.True(s.LastErrorAge() > time.Hour)

	w.errs <- errors.New("bucket not found")
	deadline := time.Now().Add(2 * time.Second)
	for s.LastErrorAge() > time.Minute && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	is.True(s.LastErrorAge() < time.Minute)

	var nilSink *Sink
	nilSink.RecordDecision(messages.DecisionEvent{}) // disabled mirror is a no-op
	is.Equal(nilSink.Count(DecisionMeasurement), int64(0))
}

type conn bool

func (c conn) IsConnectionOpen() bool { return bool(c) }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type model bool

func (m model) Ready() bool { return bool(m) }

func TestProbeStatus(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	st := NewProbe(conn(true), pinger{}, model(true), nil, time.Second).Check(ctx)
	is.Equal(st.Status, "ok")
	is.True(st.Ready())

	st = NewProbe(conn(true), pinger{}, model(false), nil, time.Second).Check(ctx)
	is.Equal(st.Status, "degraded")
	is.True(!st.ModelLoaded)
	is.True(st.Ready()) // a missing model does not stop reconciliation

	st = NewProbe(conn(true), pinger{err: errors.New("closed")}, model(true), nil, time.Second).Check(ctx)
	is.Equal(st.Status, "degraded")
	is.True(!st.Ready())

	st = NewProbe(conn(false), pinger{err: errors.New("closed")}, model(true), nil, time.Second).Check(ctx)
	is.Equal(st.Status, "down")
}

type sensors []telemetry.SensorState

func (s sensors) Snapshot() []telemetry.SensorState { return s }

func TestRouter(t *testing.T) {
	is := is.New(t)

	tr := telemetry.NewTracker(time.Minute)
	tr.Observe(messages.SensorTelemetry{SensorID: "7", Values: map[string]float64{messages.SoilTemperature: 21}}, t0)

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Probe:   NewProbe(conn(true), pinger{err: errors.New("down")}, model(true), nil, time.Second),
		Sensors: tr,
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusServiceUnavailable)

	resp, err = http.Get(srv.URL + "/healthz")
	is.NoErr(err)
	var st Status
	is.NoErr(json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(!st.StoreOK)

	resp, err = http.Get(srv.URL + "/sensors/latest")
	is.NoErr(err)
	var snap []struct {
		SensorID string                 `json:"sensor_id"`
		LastSeen time.Time              `json:"last_seen"`
		Latest   map[string]interface{} `json:"latest"`
	}
	is.NoErr(json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	is.Equal(len(snap), 1)
	is.Equal(snap[0].SensorID, "7")
	is.Equal(snap[0].Latest["soil_temperature"], 21.0)

	resp, err = http.Get(srv.URL + "/metrics")
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusOK)

	resp, err = http.Get(srv.URL + "/decisions/latest")
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusNotFound) // influx disabled
}

func TestDecisionHistoryQuery(t *testing.T) {
	is := is.New(t)

	r := httptest.NewRequest(http.MethodGet, "/decisions/latest?limit=9999&minutes=abc&sensor_id=7", nil)
	p := parseHistory(r, 1440, 20, 2000)
	is.Equal(p.Limit, 500)
	is.Equal(p.Minutes, 1440)
	is.Equal(p.SensorID, "7")

	flux := buildDecisionFlux("irrigation", p)
	is.True(strings.Contains(flux, `from(bucket: "irrigation")`))
	is.True(strings.Contains(flux, `r._measurement == "irrigation_decision"`))
	is.True(strings.Contains(flux, `r.sensor_id == "7"`))
	is.True(strings.Contains(flux, "limit(n:500)"))
}

func TestGRPCHealthFollowsProbe(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	_, hs := NewGRPCHealthServer()

	resp, err := hs.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	is.NoErr(err)
	is.Equal(resp.Status, healthpb.HealthCheckResponse_NOT_SERVING)

	UpdateHealth(ctx, NewProbe(conn(true), pinger{}, model(false), nil, time.Second), hs)
	resp, err = hs.Check(ctx, &healthpb.HealthCheckRequest{})
	is.NoErr(err)
	is.Equal(resp.Status, healthpb.HealthCheckResponse_SERVING)
}
