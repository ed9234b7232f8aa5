package messages

import (
	"time"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
)

// PumpStateChangeEvent is emitted after the reconciler commits a pump toggle.
type PumpStateChangeEvent struct {
	PumpID       string              `json:"pump_id"`
	FieldID      string              `json:"field_id"`
	ScheduleID   string              `json:"schedule_id"`
	IsOn         bool                `json:"is_on"`
	Status       entities.PumpStatus `json:"status"`
	UsageSeconds float64             `json:"usage_seconds,omitempty"` // run time credited at deactivation
	Timestamp    time.Time           `json:"timestamp"`
}
