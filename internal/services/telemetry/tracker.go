package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/metrics"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

// SensorState is the tracker's view of one live sensor.
type SensorState struct {
	SensorID string                   `json:"sensor_id"`
	FieldID  string                   `json:"field_id,omitempty"`
	LastSeen time.Time                `json:"last_seen"`
	Latest   messages.SensorTelemetry `json:"latest"`

	// resolved is set once the store was asked for the sensor's field.
	resolved bool
}

// Tracker keeps the last-seen time and latest payload per sensor. It is a
// cache: losing it loses nothing the store does not have.
type Tracker struct {
	mu      sync.RWMutex
	sensors map[string]*SensorState
	timeout time.Duration
}

func NewTracker(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Tracker{sensors: make(map[string]*SensorState), timeout: timeout}
}

// Observe records a message seen at now and reports whether the sensor was
// not tracked before.
func (t *Tracker) Observe(tel messages.SensorTelemetry, now time.Time) (SensorState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sensors[tel.SensorID]
	if !ok {
		s = &SensorState{SensorID: tel.SensorID}
		t.sensors[tel.SensorID] = s
		metrics.TrackedSensors.Set(float64(len(t.sensors)))
	}
	s.LastSeen = now
	s.Latest = tel
	return *s, !ok
}

// Resolve caches the field of a tracked sensor; fieldID is empty for
// sensors the store does not know.
func (t *Tracker) Resolve(sensorID, fieldID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sensors[sensorID]; ok {
		s.FieldID = fieldID
		s.resolved = true
	}
}

func (t *Tracker) Get(sensorID string) (SensorState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sensors[sensorID]
	if !ok {
		return SensorState{}, false
	}
	return *s, true
}

// Sweep evicts sensors silent for longer than the timeout and returns them.
func (t *Tracker) Sweep(now time.Time) []SensorState {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []SensorState
	for id, s := range t.sensors {
		if now.Sub(s.LastSeen) > t.timeout {
			evicted = append(evicted, *s)
			delete(t.sensors, id)
		}
	}
	if len(evicted) > 0 {
		metrics.SensorsEvicted.Add(float64(len(evicted)))
		metrics.TrackedSensors.Set(float64(len(t.sensors)))
	}
	return evicted
}

// Snapshot returns every tracked sensor ordered by id.
func (t *Tracker) Snapshot() []SensorState {
	t.mu.RLock()
	out := lo.MapToSlice(t.sensors, func(_ string, s *SensorState) SensorState { return *s })
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	return out
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sensors)
}
