package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/metrics"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/services/inference"
	"github.com/LeonardoBeccarini/smart_irrigation/pkg/rabbitmq"
)

const DefaultDecisionTopic = "{base}/{sensor}/decision"

type Decider interface {
	Decide(x inference.Features) entities.Action
}

type DecisionRecorder interface {
	RecordDecision(evt messages.DecisionEvent)
}

// Dispatcher turns telemetry into a published decision. It never touches
// pump or schedule state.
type Dispatcher struct {
	decider   Decider
	publisher rabbitmq.IPublisher
	recorder  DecisionRecorder
	base      string
	topic     string
	now       func() time.Time
	log       zerolog.Logger
}

func NewDispatcher(decider Decider, publisher rabbitmq.IPublisher, base, topic string, rec DecisionRecorder, log zerolog.Logger) *Dispatcher {
	if topic == "" {
		topic = DefaultDecisionTopic
	}
	return &Dispatcher{
		decider:   decider,
		publisher: publisher,
		recorder:  rec,
		base:      base,
		topic:     topic,
		now:       time.Now,
		log:       log,
	}
}

func (d *Dispatcher) Decide(tel messages.SensorTelemetry) entities.Action {
	x, err := inference.FeaturesFrom(tel)
	if err != nil {
		d.log.Warn().Err(err).Str("sensor_id", tel.SensorID).Msg("preprocessing failed")
		return entities.ActionError
	}
	return d.decider.Decide(x)
}

func (d *Dispatcher) Topic(sensorID, fieldID string) string {
	return rabbitmq.Topic(d.topic, "base", d.base, "sensor", sensorID, "field", fieldID)
}

// Dispatch decides and publishes at QoS 1. A publish failure is returned
// for logging only; there is no retry.
func (d *Dispatcher) Dispatch(_ context.Context, tel messages.SensorTelemetry, fieldID string) (messages.DecisionEvent, error) {
	evt := messages.DecisionEvent{
		SensorID:   tel.SensorID,
		Decision:   d.Decide(tel),
		FieldID:    fieldID,
		DecisionID: uuid.NewString(),
		Timestamp:  d.now().UTC(),
	}
	metrics.Decisions.WithLabelValues(string(evt.Decision)).Inc()
	if d.recorder != nil {
		d.recorder.RecordDecision(evt)
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return evt, fmt.Errorf("encode decision: %w", err)
	}
	topic := d.Topic(evt.SensorID, fieldID)
	if err := d.publisher.PublishToQos(topic, 1, false, payload); err != nil {
		return evt, err
	}
	d.log.Debug().Str("sensor_id", evt.SensorID).Str("decision", string(evt.Decision)).Str("topic", topic).Msg("decision published")
	return evt, nil
}
