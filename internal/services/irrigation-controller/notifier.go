package irrigation_controller

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
	"github.com/LeonardoBeccarini/smart_irrigation/pkg/rabbitmq"
)

const DefaultPumpStateTopic = "{base}/pumps/{pump}/state"

type PumpStateRecorder interface {
	RecordPumpState(evt messages.PumpStateChangeEvent)
}

// StatePublisher fans committed pump toggles out to the broker and, when set,
// to the time-series recorder. Failures are logged; the transition stands.
type StatePublisher struct {
	publisher rabbitmq.IPublisher
	recorder  PumpStateRecorder
	base      string
	topic     string
	log       zerolog.Logger
}

func NewStatePublisher(p rabbitmq.IPublisher, base, topic string, rec PumpStateRecorder, log zerolog.Logger) *StatePublisher {
	if topic == "" {
		topic = DefaultPumpStateTopic
	}
	return &StatePublisher{publisher: p, recorder: rec, base: base, topic: topic, log: log}
}

func (sp *StatePublisher) PumpStateChanged(_ context.Context, evt messages.PumpStateChangeEvent) {
	if sp.recorder != nil {
		sp.recorder.RecordPumpState(evt)
	}
	if sp.publisher == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		sp.log.Error().Err(err).Str("pump_id", evt.PumpID).Msg("encode pump state")
		return
	}
	topic := rabbitmq.Topic(sp.topic, "base", sp.base, "pump", evt.PumpID, "field", evt.FieldID)
	if err := sp.publisher.PublishToQos(topic, 1, false, payload); err != nil {
		sp.log.Warn().Err(err).Str("topic", topic).Msg("pump state not published")
	}
}
