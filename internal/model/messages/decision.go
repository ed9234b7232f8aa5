package messages

import (
	"time"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
)

// DecisionEvent is published on <base>/<sensor_id>/decision for downstream actuators.
type DecisionEvent struct {
	SensorID   string          `json:"sensor_id"`
	Decision   entities.Action `json:"decision"`
	FieldID    string          `json:"field_id,omitempty"`
	DecisionID string          `json:"decision_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
