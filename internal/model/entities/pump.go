package entities

import "time"

type PumpStatus string

const (
	PumpIdle   PumpStatus = "idle"
	PumpActive PumpStatus = "active"
)

type MaintenanceStatus string

const (
	MaintenanceOK MaintenanceStatus = "ok"
	InMaintenance MaintenanceStatus = "in_maintenance"
)

// Pump is a physical irrigation pump. The engine only mutates its run state;
// rows are created and removed elsewhere.
type Pump struct {
	ID                string            `json:"id"`
	FieldID           string            `json:"field_id"`
	Name              string            `json:"name,omitempty"`
	IsOn              bool              `json:"is_on"`
	Status            PumpStatus        `json:"status"`
	MaintenanceStatus MaintenanceStatus `json:"maintenance_status"`
	WaterFlow         float64           `json:"water_flow"` // litres/min
	LastStartTime     *time.Time        `json:"last_start_time,omitempty"`
	LastActivated     *time.Time        `json:"last_activated,omitempty"`
	TotalUsageTime    float64           `json:"total_usage_time"` // seconds
}

// Healthy reports whether the pump may be switched on.
func (p Pump) Healthy() bool {
	return p.MaintenanceStatus == MaintenanceOK
}

// RunningFor returns how long the pump has been on at t, zero when off.
func (p Pump) RunningFor(t time.Time) time.Duration {
	if !p.IsOn || p.LastStartTime == nil || t.Before(*p.LastStartTime) {
		return 0
	}
	return t.Sub(*p.LastStartTime)
}
