package persistence

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gorm.io/datatypes"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
)

type FieldRecord struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Latitude  float64
	Longitude float64
	Size      float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (FieldRecord) TableName() string { return "fields" }

type SensorRecord struct {
	ID        string `gorm:"primaryKey"`
	FieldID   string `gorm:"index"`
	Name      string
	Type      string
	Latitude  float64
	Longitude float64
	Status    string `gorm:"default:active"`
	UpdatedAt time.Time
}

func (SensorRecord) TableName() string { return "sensors" }

type PumpRecord struct {
	ID                string `gorm:"primaryKey"`
	FieldID           string `gorm:"index"`
	Name              string
	IsOn              bool
	Status            string `gorm:"default:idle"`
	MaintenanceStatus string `gorm:"default:ok"`
	WaterFlow         float64
	LastStartTime     *time.Time
	LastActivated     *time.Time
	TotalUsageTime    float64
	UpdatedAt         time.Time
}

func (PumpRecord) TableName() string { return "pumps" }

type ScheduleRecord struct {
	ID                 string `gorm:"primaryKey"`
	FieldID            string `gorm:"index"`
	StartTime          string
	Duration           string
	Status             string `gorm:"index;default:planned"`
	FlowRate           float64
	LastIrrigationTime *time.Time
	Pumps              []PumpRecord `gorm:"many2many:schedule_pumps;joinForeignKey:ScheduleID;joinReferences:PumpID"`
	UpdatedAt          time.Time
}

func (ScheduleRecord) TableName() string { return "schedules" }

// SchedulePumpRecord is a row of the schedule/pump join table.
type SchedulePumpRecord struct {
	ScheduleID string `gorm:"primaryKey"`
	PumpID     string `gorm:"primaryKey"`
}

func (SchedulePumpRecord) TableName() string { return "schedule_pumps" }

// SensorReadingRecord keeps the merged measurement history of one sensor in a JSON column.
type SensorReadingRecord struct {
	SensorID  string `gorm:"primaryKey"`
	FieldID   string `gorm:"index"`
	RawData   datatypes.JSON
	Timestamp time.Time `gorm:"index"`
}

func (SensorReadingRecord) TableName() string { return "sensor_readings" }

func (r PumpRecord) toEntity() entities.Pump {
	return entities.Pump{
		ID:                r.ID,
		FieldID:           r.FieldID,
		Name:              r.Name,
		IsOn:              r.IsOn,
		Status:            entities.PumpStatus(r.Status),
		MaintenanceStatus: entities.MaintenanceStatus(r.MaintenanceStatus),
		WaterFlow:         r.WaterFlow,
		LastStartTime:     r.LastStartTime,
		LastActivated:     r.LastActivated,
		TotalUsageTime:    r.TotalUsageTime,
	}
}

func (r ScheduleRecord) toEntity() entities.Schedule {
	s := entities.Schedule{
		ID:                 r.ID,
		FieldID:            r.FieldID,
		StartTime:          r.StartTime,
		Duration:           r.Duration,
		Status:             entities.ScheduleStatus(r.Status),
		FlowRate:           r.FlowRate,
		LastIrrigationTime: r.LastIrrigationTime,
		Pumps:              make([]entities.Pump, 0, len(r.Pumps)),
	}
	for _, p := range r.Pumps {
		s.Pumps = append(s.Pumps, p.toEntity())
	}
	sort.Slice(s.Pumps, func(i, j int) bool { return s.Pumps[i].ID < s.Pumps[j].ID })
	return s
}

func (r SensorRecord) toEntity() entities.Sensor {
	return entities.Sensor{
		ID:        r.ID,
		FieldID:   r.FieldID,
		Name:      r.Name,
		Type:      r.Type,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		Status:    entities.SensorStatus(r.Status),
	}
}

func (r SensorReadingRecord) toEntity() (entities.SensorReading, error) {
	out := entities.SensorReading{SensorID: r.SensorID, FieldID: r.FieldID, Timestamp: r.Timestamp}
	if len(r.RawData) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.RawData, &out.Measurements); err != nil {
		return out, fmt.Errorf("decode raw_data of sensor %s: %w", r.SensorID, err)
	}
	return out, nil
}
