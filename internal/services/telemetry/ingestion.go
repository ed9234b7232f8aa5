package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/metrics"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
	"github.com/LeonardoBeccarini/smart_irrigation/pkg/dedup"
	"github.com/LeonardoBeccarini/smart_irrigation/pkg/rabbitmq"
)

type SensorStore interface {
	GetSensor(ctx context.Context, sensorID string) (entities.Sensor, error)
	SetSensorStatus(ctx context.Context, sensorID string, status entities.SensorStatus) error
	AppendReading(ctx context.Context, reading entities.SensorReading) error
}

type ReadingRecorder interface {
	RecordReading(r entities.SensorReading)
}

type Service struct {
	ctx context.Context

	store      SensorStore
	tracker    *Tracker
	dispatcher *Dispatcher
	consumer   rabbitmq.IConsumer[messages.SensorTelemetry]
	dedup      *dedup.Deduper
	recorder   ReadingRecorder
	deriveGate bool

	sweepInterval time.Duration
	storeTimeout  time.Duration
	now           func() time.Time
	log           zerolog.Logger
}

type ServiceOption func(*Service)

func WithConsumer(c rabbitmq.IConsumer[messages.SensorTelemetry]) ServiceOption {
	return func(s *Service) { s.consumer = c }
}

func WithDeduper(d *dedup.Deduper) ServiceOption {
	return func(s *Service) { s.dedup = d }
}

func WithReadingRecorder(r ReadingRecorder) ServiceOption {
	return func(s *Service) { s.recorder = r }
}

// WithDerivedGateMeasurements persists humidity and rainfall derived from the
// soil features when a payload does not carry them.
func WithDerivedGateMeasurements(on bool) ServiceOption {
	return func(s *Service) { s.deriveGate = on }
}

func WithSweepInterval(d time.Duration) ServiceOption {
	return func(s *Service) { s.sweepInterval = d }
}

func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.storeTimeout = d }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

func NewService(store SensorStore, tracker *Tracker, dispatcher *Dispatcher, opts ...ServiceOption) *Service {
	s := &Service{
		ctx:           context.Background(),
		store:         store,
		tracker:       tracker,
		dispatcher:    dispatcher,
		sweepInterval: 5 * time.Second,
		storeTimeout:  5 * time.Second,
		now:           time.Now,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Tracker() *Tracker {
	return s.tracker
}

// Start consumes telemetry and sweeps stale sensors until ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.ctx = ctx
	if s.consumer != nil {
		s.consumer.SetHandler(s.HandleMessage)
		go s.consumer.ConsumeMessage(ctx)
	}

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("telemetry ingestion stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// HandleMessage adapts the broker callback; the DUP flag marks a QoS 1 redelivery.
func (s *Service) HandleMessage(topic string, message mqtt.Message) error {
	return s.ingest(s.ctx, topic, message.Payload(), message.Duplicate())
}

// OnMessage ingests one payload. Malformed payloads and redeliveries are
// dropped and counted; store failures are logged and do not stop the
// decision from being dispatched.
func (s *Service) OnMessage(ctx context.Context, topic string, payload []byte) error {
	return s.ingest(ctx, topic, payload, false)
}

func (s *Service) ingest(ctx context.Context, topic string, payload []byte, redelivered bool) error {
	metrics.TelemetryReceived.Inc()

	tel, err := messages.ParseTelemetry(payload, SensorIDFromTopic(topic))
	if err != nil {
		metrics.TelemetryMalformed.Inc()
		s.log.Warn().Err(fmt.Errorf("%w: %w", model.ErrMalformedTelemetry, err)).Str("topic", topic).Msg("dropping telemetry")
		return nil
	}

	now := s.now()
	state, added := s.tracker.Observe(tel, now)
	if added {
		s.log.Info().Str("sensor_id", tel.SensorID).Msg("sensor is live")
	}
	fieldID := s.resolveField(ctx, state)

	if s.isDuplicate(tel, payload, redelivered) {
		metrics.TelemetryDuplicates.Inc()
		s.log.Debug().Str("topic", topic).Msg("duplicate telemetry dropped")
		return nil
	}

	ts := tel.Timestamp
	if ts.IsZero() {
		ts = now
	}

	if fieldID != "" {
		persisted := tel
		if s.deriveGate {
			persisted = tel.WithDerivedGateValues()
		}
		reading := entities.SensorReading{
			SensorID:     tel.SensorID,
			FieldID:      fieldID,
			Measurements: persisted.Measurements(ts),
			Timestamp:    ts,
		}
		sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		err := s.store.AppendReading(sctx, reading)
		cancel()
		if err != nil {
			s.log.Error().Err(err).Str("sensor_id", tel.SensorID).Msg("reading not persisted")
		} else if s.recorder != nil {
			s.recorder.RecordReading(reading)
		}
	}

	if _, err := s.dispatcher.Dispatch(ctx, tel, fieldID); err != nil {
		s.log.Warn().Err(err).Str("sensor_id", tel.SensorID).Msg("decision not published")
	}
	return nil
}

// isDuplicate identifies a message by sensor and payload timestamp. Messages
// without a timestamp repeat legitimately, so their payload hash only drops
// broker redeliveries.
func (s *Service) isDuplicate(tel messages.SensorTelemetry, payload []byte, redelivered bool) bool {
	if s.dedup == nil {
		return false
	}
	if !tel.Timestamp.IsZero() {
		return !s.dedup.ShouldProcess(tel.SensorID + "@" + tel.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	seen := !s.dedup.ShouldProcess(dedup.Key(payload))
	return seen && redelivered
}

// resolveField looks the sensor up once per tracking period. Lookup failures
// other than not-found are retried on the next message.
func (s *Service) resolveField(ctx context.Context, state SensorState) string {
	if state.resolved {
		return state.FieldID
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	sensor, err := s.store.GetSensor(sctx, state.SensorID)
	if errors.Is(err, model.ErrNotFound) {
		s.log.Warn().Str("sensor_id", state.SensorID).Msg("unknown sensor, readings are not persisted")
		s.tracker.Resolve(state.SensorID, "")
		return ""
	}
	if err != nil {
		s.log.Error().Err(err).Str("sensor_id", state.SensorID).Msg("sensor lookup failed")
		return ""
	}

	s.tracker.Resolve(state.SensorID, sensor.FieldID)
	if sensor.Status == entities.SensorInactive {
		if err := s.store.SetSensorStatus(sctx, sensor.ID, entities.SensorActive); err != nil {
			s.log.Error().Err(err).Str("sensor_id", sensor.ID).Msg("could not mark sensor active")
		}
	}
	return sensor.FieldID
}

// Sweep evicts silent sensors and marks the known ones inactive.
func (s *Service) Sweep(ctx context.Context) []SensorState {
	evicted := s.tracker.Sweep(s.now())
	for _, st := range evicted {
		s.log.Info().Str("sensor_id", st.SensorID).Time("last_seen", st.LastSeen).Msg("sensor timed out")
		if st.FieldID == "" {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		err := s.store.SetSensorStatus(sctx, st.SensorID, entities.SensorInactive)
		cancel()
		if err != nil {
			s.log.Error().Err(err).Str("sensor_id", st.SensorID).Msg("could not mark sensor inactive")
		}
	}
	return evicted
}

// SensorIDFromTopic extracts <sensor_id> from <base>/<sensor_id>/sensors.
func SensorIDFromTopic(topic string) string {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) < 3 || parts[len(parts)-1] != "sensors" {
		return ""
	}
	return parts[len(parts)-2]
}
