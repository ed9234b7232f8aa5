package entities

// Field represents a tract of land irrigated by one or more pumps
// and observed by one or more sensors.
type Field struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Size      float64  `json:"size"` // hectares
	Sensors   []Sensor `json:"sensors,omitempty"`
}

func (f *Field) GetSensor(sensorID string) *Sensor {
	for i := range f.Sensors {
		if f.Sensors[i].ID == sensorID {
			return &f.Sensors[i]
		}
	}
	return nil
}
