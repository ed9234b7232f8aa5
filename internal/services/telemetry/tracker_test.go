package telemetry

import (
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

func TestTrackerEvictsAfterTimeoutAndReadds(t *testing.T) {
	is := is.New(t)
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tr := NewTracker(60 * time.Second)

	_, added := tr.Observe(messages.SensorTelemetry{SensorID: "7"}, t0)
	is.True(added)
	_, added = tr.Observe(messages.SensorTelemetry{SensorID: "7"}, t0.Add(10*time.Second))
	is.True(!added)

	is.Equal(len(tr.Sweep(t0.Add(70*time.Second))), 0) // 60s since last message, not more
	evicted := tr.Sweep(t0.Add(71 * time.Second))
	is.Equal(len(evicted), 1)
	is.Equal(evicted[0].SensorID, "7")
	is.Equal(tr.Len(), 0)

	_, added = tr.Observe(messages.SensorTelemetry{SensorID: "7"}, t0.Add(2*time.Minute))
	is.True(added)
	st, ok := tr.Get("7")
	is.True(ok)
	is.True(st.LastSeen.Equal(t0.Add(2 * time.Minute)))
}

func TestTrackerSnapshotIsOrderedCopy(t *testing.T) {
	is := is.New(t)
	now := time.Now()
	tr := NewTracker(time.Minute)

	tr.Observe(messages.SensorTelemetry{SensorID: "b"}, now)
	tr.Observe(messages.SensorTelemetry{SensorID: "a", Values: map[string]float64{messages.SoilTemperature: 18}}, now)
	tr.Resolve("a", "field1")

	snap := tr.Snapshot()
	is.Equal(len(snap), 2)
	is.Equal(snap[0].SensorID, "a")
	is.Equal(snap[0].FieldID, "field1")
	v, _ := snap[0].Latest.Value(messages.SoilTemperature)
	is.Equal(v, 18.0)

	snap[0].FieldID = "changed"
	st, _ := tr.Get("a")
	is.Equal(st.FieldID, "field1")
}
