package sensor_simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
	"github.com/LeonardoBeccarini/smart_irrigation/pkg/dedup"
	"github.com/LeonardoBeccarini/smart_irrigation/pkg/rabbitmq"
)

// SimulatedSensor pairs a sensor with the generator driving its readings.
type SimulatedSensor struct {
	Sensor    entities.Sensor
	Generator *DataGenerator

	timer *time.Timer
}

// Simulator publishes telemetry for a set of sensors on <base>/<id>/sensors
// and opens the simulated valve when a START decision comes back.
type Simulator struct {
	mu          sync.Mutex
	base        string
	sensors     map[string]*SimulatedSensor
	publisher   rabbitmq.IPublisher
	consumer    rabbitmq.IConsumer[messages.DecisionEvent]
	deduper     *dedup.Deduper
	irrigateFor time.Duration
	log         zerolog.Logger
}

func NewSimulator(base string, sensors []*SimulatedSensor, publisher rabbitmq.IPublisher,
	consumer rabbitmq.IConsumer[messages.DecisionEvent], irrigateFor time.Duration, log zerolog.Logger) *Simulator {
	return &Simulator{
		base:        base,
		sensors:     lo.KeyBy(sensors, func(s *SimulatedSensor) string { return s.Sensor.ID }),
		publisher:   publisher,
		consumer:    consumer,
		deduper:     dedup.New(2*time.Minute, 10000),
		irrigateFor: irrigateFor,
		log:         log,
	}
}

// DecisionTopics lists the decision topics of the given sensors.
func DecisionTopics(base string, sensors []entities.Sensor) []string {
	return lo.Map(sensors, func(s entities.Sensor, _ int) string {
		return rabbitmq.Topic("{base}/{sensor}/decision", "base", base, "sensor", s.ID)
	})
}

func (s *Simulator) Start(ctx context.Context, interval time.Duration) {
	if s.consumer != nil {
		s.consumer.SetHandler(s.handleMessage)
		go s.consumer.ConsumeMessage(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopTimers()
			s.publisher.Close()
			return
		case <-ticker.C:
			s.PublishOnce()
		}
	}
}

// PublishOnce emits one telemetry message per sensor.
func (s *Simulator) PublishOnce() {
	for _, id := range lo.Keys(s.sensors) {
		sim := s.sensors[id]
		tel := sim.Generator.Next(id)
		payload, err := json.Marshal(tel)
		if err != nil {
			s.log.Error().Err(err).Str("sensor_id", id).Msg("encode telemetry")
			continue
		}
		topic := rabbitmq.Topic("{base}/{sensor}/sensors", "base", s.base, "sensor", id)
		if err := s.publisher.PublishToQos(topic, 1, false, payload); err != nil {
			s.log.Warn().Err(err).Str("topic", topic).Msg("publish error")
			continue
		}
		vwc, _ := tel.Value(messages.VolumetricWaterContent)
		s.log.Debug().Str("sensor_id", id).Float64("vwc", vwc).Bool("irrigating", sim.Generator.Irrigating()).Msg("telemetry published")
	}
}

func (s *Simulator) handleMessage(topic string, msg mqtt.Message) error {
	if !s.deduper.ShouldProcess(dedup.Key(msg.Payload())) {
		return nil
	}

	var evt messages.DecisionEvent
	if err := json.Unmarshal(msg.Payload(), &evt); err != nil {
		return fmt.Errorf("invalid decision event: %w", err)
	}
	if evt.SensorID == "" {
		parts := strings.Split(strings.Trim(topic, "/"), "/")
		if len(parts) >= 2 {
			evt.SensorID = parts[len(parts)-2]
		}
	}
	s.apply(evt)
	return nil
}

func (s *Simulator) apply(evt messages.DecisionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sim, ok := s.sensors[evt.SensorID]
	if !ok {
		return
	}

	switch evt.Decision {
	case entities.ActionStart:
		if sim.timer != nil {
			sim.timer.Stop()
		}
		sim.Generator.SetIrrigating(true)
		s.log.Info().Str("sensor_id", evt.SensorID).Dur("for", s.irrigateFor).Msg("valve open")
		sim.timer = time.AfterFunc(s.irrigateFor, func() {
			sim.Generator.SetIrrigating(false)
			s.log.Info().Str("sensor_id", evt.SensorID).Msg("valve closed")
		})
	case entities.ActionStop:
		if sim.timer != nil {
			sim.timer.Stop()
			sim.timer = nil
		}
		sim.Generator.SetIrrigating(false)
	}
}

func (s *Simulator) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sim := range s.sensors {
		if sim.timer != nil {
			sim.timer.Stop()
		}
	}
}
