package event

import (
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

// PointWriter is the part of the InfluxDB non-blocking write API in use.
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
	Errors() <-chan error
}

// Sink mirrors decisions, pump toggles and readings to InfluxDB and tracks
// the last asynchronous write error for the health endpoints.
type Sink struct {
	api     PointWriter
	mu      sync.RWMutex
	lastErr time.Time
	counts  map[string]int64
	now     func() time.Time
	log     zerolog.Logger
}

func NewSink(w PointWriter, log zerolog.Logger) *Sink {
	s := &Sink{
		api:     w,
		lastErr: time.Now().Add(-24 * time.Hour),
		counts:  make(map[string]int64),
		now:     time.Now,
		log:     log,
	}
	go func() {
		for err := range w.Errors() {
			if err == nil {
				continue
			}
			s.mu.Lock()
			s.lastErr = s.now()
			s.mu.Unlock()
			s.log.Warn().Err(err).Msg("influx write error")
		}
	}()
	return s
}

func (s *Sink) RecordDecision(evt messages.DecisionEvent) {
	s.write(DecisionMeasurement, DecisionToPoint(evt))
}

func (s *Sink) RecordPumpState(evt messages.PumpStateChangeEvent) {
	s.write(PumpStateMeasurement, PumpStateToPoint(evt))
}

func (s *Sink) RecordReading(r entities.SensorReading) {
	s.write(ReadingMeasurement, ReadingToPoint(r))
}

func (s *Sink) write(measurement string, p *write.Point) {
	if s == nil {
		return
	}
	s.api.WritePoint(p)
	s.mu.Lock()
	s.counts[measurement]++
	s.mu.Unlock()
}

// LastErrorAge is how long ago the last write failed.
func (s *Sink) LastErrorAge() time.Duration {
	if s == nil {
		return 99999 * time.Hour
	}
	s.mu.RLock()
	t := s.lastErr
	s.mu.RUnlock()
	return s.now().Sub(t)
}

func (s *Sink) Count(measurement string) int64 {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[measurement]
}

// Flush pushes buffered points; call before closing the client.
func (s *Sink) Flush() {
	if s != nil {
		s.api.Flush()
	}
}
