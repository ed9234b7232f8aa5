package entities

// Action is the classifier-derived irrigation decision.
type Action string

const (
	ActionStart   Action = "START"
	ActionStop    Action = "STOP"
	ActionUnknown Action = "UNKNOWN"
	ActionError   Action = "ERROR"
)

type Decision struct {
	SensorID string `json:"sensor_id"`
	FieldID  string `json:"field_id,omitempty"`
	Action   Action `json:"decision"`
}
