package messages

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
)

// Telemetry field names, in the order the classifier expects them.
const (
	VolumetricWaterContent = "volumetric_water_content"
	SoilTemperature        = "soil_temperature"
	ElectricalConductivity = "electrical_conductivity"
	AmbientTemperature     = "ambient_temperature"
	RainfallIntensity      = "rainfall_intensity"
	NPKConcentration       = "NPK_concentration"
)

var FeatureOrder = [...]string{
	VolumetricWaterContent,
	SoilTemperature,
	ElectricalConductivity,
	AmbientTemperature,
	RainfallIntensity,
	NPKConcentration,
}

// Field-level measurements read by the irrigation gate, carried by payloads
// that report them.
const (
	Humidity = "humidity"
	Rainfall = "rainfall"
)

var gateSources = [...][2]string{
	{Humidity, VolumetricWaterContent},
	{Rainfall, RainfallIntensity},
}

var units = map[string]string{
	Humidity:               "%",
	Rainfall:               "mm/h",
	VolumetricWaterContent: "%",
	SoilTemperature:        "°C",
	ElectricalConductivity: "dS/m",
	AmbientTemperature:     "°C",
	RainfallIntensity:      "mm/h",
	NPKConcentration:       "mg/kg",
}

var ErrMissingSensorID = errors.New("sensor_id missing")

// SensorTelemetry is the payload published on <base>/<sensor_id>/sensors.
// Values holds only the features present in the message.
type SensorTelemetry struct {
	SensorID  string             `json:"sensor_id"`
	Values    map[string]float64 `json:"-"`
	Timestamp time.Time          `json:"timestamp,omitempty"`
}

// UnmarshalJSON accepts numbers or numeric strings for the id and for every
// feature. Values that are not numeric at all are ignored.
func (t *SensorTelemetry) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.New("telemetry payload is not an object")
	}

	out := SensorTelemetry{Values: make(map[string]float64, len(FeatureOrder))}
	switch v := raw["sensor_id"].(type) {
	case string:
		out.SensorID = strings.TrimSpace(v)
	case json.Number:
		out.SensorID = v.String()
	}

	for _, name := range FeatureOrder {
		if f, ok := toF64(raw[name]); ok {
			out.Values[name] = f
		}
	}
	for _, g := range gateSources {
		if f, ok := toF64(raw[g[0]]); ok {
			out.Values[g[0]] = f
		}
	}

	if ts, ok := raw["timestamp"].(string); ok && ts != "" {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		out.Timestamp = parsed
	}

	*t = out
	return nil
}

func (t SensorTelemetry) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(t.Values)+2)
	m["sensor_id"] = t.SensorID
	for k, v := range t.Values {
		m[k] = v
	}
	if !t.Timestamp.IsZero() {
		m["timestamp"] = t.Timestamp.UTC().Format(time.RFC3339)
	}
	return json.Marshal(m)
}

// Value returns the named feature and whether the message carried it.
func (t SensorTelemetry) Value(name string) (float64, bool) {
	v, ok := t.Values[name]
	return v, ok
}

// Measurements converts the values the message carries into typed
// measurements stamped at ts: the features first, then humidity and rainfall.
func (t SensorTelemetry) Measurements(ts time.Time) []entities.Measurement {
	out := make([]entities.Measurement, 0, len(t.Values))
	for _, name := range measurementOrder() {
		v, ok := t.Values[name]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, entities.Measurement{Type: name, Value: v, Unit: units[name], Timestamp: ts})
	}
	return out
}

// WithDerivedGateValues returns a copy where absent humidity and rainfall are
// taken from volumetric water content and rainfall intensity.
func (t SensorTelemetry) WithDerivedGateValues() SensorTelemetry {
	values := make(map[string]float64, len(t.Values)+len(gateSources))
	for k, v := range t.Values {
		values[k] = v
	}
	for _, g := range gateSources {
		if _, ok := values[g[0]]; ok {
			continue
		}
		if v, ok := values[g[1]]; ok {
			values[g[0]] = v
		}
	}
	t.Values = values
	return t
}

func measurementOrder() []string {
	order := append([]string(nil), FeatureOrder[:]...)
	for _, g := range gateSources {
		order = append(order, g[0])
	}
	return order
}

// ParseTelemetry decodes a payload and falls back to topicSensorID when the
// payload does not name its sensor.
func ParseTelemetry(payload []byte, topicSensorID string) (SensorTelemetry, error) {
	var t SensorTelemetry
	if err := json.Unmarshal(payload, &t); err != nil {
		return SensorTelemetry{}, err
	}
	if t.SensorID == "" {
		t.SensorID = strings.TrimSpace(topicSensorID)
	}
	if t.SensorID == "" {
		return SensorTelemetry{}, ErrMissingSensorID
	}
	return t, nil
}

// toF64 converts numbers and numeric strings ("12,5" included) to float64.
func toF64(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Float64()
		return n, err == nil
	case float64:
		return t, true
	case string:
		n, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(t), ",", "."), 64)
		return n, err == nil
	}
	return 0, false
}
