package telemetry

import (
	"context"
	"sync"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/services/inference"
)

type sentMessage struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	sent []sentMessage
}

func (p *fakePublisher) PublishMessage(interface{}) error { return nil }

func (p *fakePublisher) PublishToQos(topic string, qos byte, _ bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, sentMessage{topic, qos, payload})
	return nil
}

func (p *fakePublisher) Close() {}

func (p *fakePublisher) messages() []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMessage(nil), p.sent...)
}

type fakeStore struct {
	mu        sync.Mutex
	sensors   map[string]entities.Sensor
	readings  []entities.SensorReading
	lookups   int
	appendErr error
}

func newFakeStore(sensors ...entities.Sensor) *fakeStore {
	s := &fakeStore{sensors: map[string]entities.Sensor{}}
	for _, sensor := range sensors {
		s.sensors[sensor.ID] = sensor
	}
	return s
}

func (s *fakeStore) GetSensor(_ context.Context, id string) (entities.Sensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	sensor, ok := s.sensors[id]
	if !ok {
		return entities.Sensor{}, model.ErrNotFound
	}
	return sensor, nil
}

func (s *fakeStore) SetSensorStatus(_ context.Context, id string, status entities.SensorStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sensor, ok := s.sensors[id]
	if !ok {
		return model.ErrNotFound
	}
	sensor.Status = status
	s.sensors[id] = sensor
	return nil
}

func (s *fakeStore) AppendReading(_ context.Context, r entities.SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.readings = append(s.readings, r)
	return nil
}

func (s *fakeStore) status(id string) entities.SensorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sensors[id].Status
}

type fixedDecider entities.Action

func (d fixedDecider) Decide(inference.Features) entities.Action { return entities.Action(d) }

type fakeMessage struct {
	topic   string
	payload []byte
	dup     bool
}

func (m *fakeMessage) Duplicate() bool   { return m.dup }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}
