package entities

import (
	"strings"
	"time"
)

// Measurement is one typed sample inside a SensorReading.
type Measurement struct {
	Type      string    `json:"type"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SensorReading is the merged measurement history of a single sensor.
type SensorReading struct {
	SensorID     string        `json:"sensor_id"`
	FieldID      string        `json:"field_id"`
	Measurements []Measurement `json:"raw_data"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Latest returns the newest measurement of the given type. On equal
// timestamps the one appended last wins.
func (r SensorReading) Latest(kind string) (Measurement, bool) {
	var (
		best  Measurement
		found bool
	)
	for _, m := range r.Measurements {
		if !strings.EqualFold(m.Type, kind) {
			continue
		}
		if !found || !m.Timestamp.Before(best.Timestamp) {
			best = m
			found = true
		}
	}
	return best, found
}
