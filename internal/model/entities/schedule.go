package entities

import "time"

type ScheduleStatus string

const (
	SchedulePlanned    ScheduleStatus = "planned"
	ScheduleInProgress ScheduleStatus = "in_progress"
	ScheduleCompleted  ScheduleStatus = "completed"
	ScheduleCancelled  ScheduleStatus = "cancelled"
)

// Predecessors returns the statuses a schedule may move to s from.
// Cancellation is only reachable through the external API.
func (s ScheduleStatus) Predecessors() []ScheduleStatus {
	switch s {
	case ScheduleInProgress:
		return []ScheduleStatus{SchedulePlanned}
	case ScheduleCompleted:
		return []ScheduleStatus{SchedulePlanned, ScheduleInProgress}
	case ScheduleCancelled:
		return []ScheduleStatus{SchedulePlanned, ScheduleInProgress}
	default:
		return nil
	}
}

// Schedule is a planned irrigation window bound to a field and its pumps.
// StartTime is a time of day ("15:04" or "15:04:05"); Duration is either a
// Go duration ("45m") or an interval ("00:45:00").
type Schedule struct {
	ID                 string         `json:"id"`
	FieldID            string         `json:"field_id"`
	StartTime          string         `json:"start_time"`
	Duration           string         `json:"duration"`
	Status             ScheduleStatus `json:"status"`
	FlowRate           float64        `json:"flow_rate"`
	LastIrrigationTime *time.Time     `json:"last_irrigation_time,omitempty"`
	Pumps              []Pump         `json:"pumps,omitempty"`
}

func (s Schedule) PumpIDs() []string {
	ids := make([]string, 0, len(s.Pumps))
	for _, p := range s.Pumps {
		ids = append(ids, p.ID)
	}
	return ids
}
