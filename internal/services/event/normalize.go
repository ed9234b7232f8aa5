package event

import (
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

const (
	DecisionMeasurement  = "irrigation_decision"
	PumpStateMeasurement = "pump_state"
	ReadingMeasurement   = "sensor_reading"
)

func DecisionToPoint(evt messages.DecisionEvent) *write.Point {
	tags := map[string]string{
		"sensor_id": evt.SensorID,
		"decision":  string(evt.Decision),
	}
	if evt.FieldID != "" {
		tags["field_id"] = evt.FieldID
	}
	fields := map[string]interface{}{
		"decision_id": evt.DecisionID,
		"count":       int64(1),
	}
	return influxdb2.NewPoint(DecisionMeasurement, tags, fields, evt.Timestamp)
}

func PumpStateToPoint(evt messages.PumpStateChangeEvent) *write.Point {
	tags := map[string]string{
		"pump_id":  evt.PumpID,
		"field_id": evt.FieldID,
		"status":   string(evt.Status),
	}
	if evt.ScheduleID != "" {
		tags["schedule_id"] = evt.ScheduleID
	}
	fields := map[string]interface{}{
		"is_on":         evt.IsOn,
		"usage_seconds": evt.UsageSeconds,
	}
	return influxdb2.NewPoint(PumpStateMeasurement, tags, fields, evt.Timestamp)
}

// ReadingToPoint writes one field per measurement type; the newest sample of
// each type wins.
func ReadingToPoint(r entities.SensorReading) *write.Point {
	tags := map[string]string{
		"sensor_id": r.SensorID,
		"field_id":  r.FieldID,
	}
	fields := make(map[string]interface{}, len(r.Measurements))
	for _, m := range r.Measurements {
		if latest, ok := r.Latest(m.Type); ok {
			fields[latest.Type] = latest.Value
		}
	}
	if len(fields) == 0 {
		fields["count"] = int64(1)
	}
	return influxdb2.NewPoint(ReadingMeasurement, tags, fields, r.Timestamp)
}
