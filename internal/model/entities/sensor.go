package entities

// SensorStatus is the administrative state of a sensor.
type SensorStatus string

const (
	SensorActive      SensorStatus = "active"
	SensorInactive    SensorStatus = "inactive"
	SensorMaintenance SensorStatus = "maintenance"
)

// Sensor represents a single device in the field.
type Sensor struct {
	FieldID   string       `json:"field_id"`
	ID        string       `json:"id"` // unique sensor identifier
	Name      string       `json:"name,omitempty"`
	Type      string       `json:"type,omitempty"`
	Longitude float64      `json:"longitude"`
	Latitude  float64      `json:"latitude"`
	Status    SensorStatus `json:"status"`
}
