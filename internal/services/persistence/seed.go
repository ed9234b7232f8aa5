package persistence

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type seedFile struct {
	Fields []struct {
		ID        string  `yaml:"id"`
		Name      string  `yaml:"name"`
		Latitude  float64 `yaml:"latitude"`
		Longitude float64 `yaml:"longitude"`
		Size      float64 `yaml:"size"`
	} `yaml:"fields"`
	Sensors []struct {
		ID        string  `yaml:"id"`
		FieldID   string  `yaml:"field_id"`
		Name      string  `yaml:"name"`
		Type      string  `yaml:"type"`
		Latitude  float64 `yaml:"latitude"`
		Longitude float64 `yaml:"longitude"`
		Status    string  `yaml:"status"`
	} `yaml:"sensors"`
	Pumps []struct {
		ID                string  `yaml:"id"`
		FieldID           string  `yaml:"field_id"`
		Name              string  `yaml:"name"`
		MaintenanceStatus string  `yaml:"maintenance_status"`
		WaterFlow         float64 `yaml:"water_flow"`
	} `yaml:"pumps"`
	Schedules []struct {
		ID        string   `yaml:"id"`
		FieldID   string   `yaml:"field_id"`
		StartTime string   `yaml:"start_time"`
		Duration  string   `yaml:"duration"`
		Status    string   `yaml:"status"`
		FlowRate  float64  `yaml:"flow_rate"`
		PumpIDs   []string `yaml:"pump_ids"`
	} `yaml:"schedules"`
}

// Seed upserts fields, sensors, pumps and schedules from a YAML document.
// Run state (is_on, usage, schedule status of existing rows) is never overwritten.
func (s *GormStore) Seed(ctx context.Context, r io.Reader) error {
	var f seedFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return fmt.Errorf("decode seed file: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, fd := range f.Fields {
			rec := FieldRecord{ID: fd.ID, Name: fd.Name, Latitude: fd.Latitude, Longitude: fd.Longitude, Size: fd.Size}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "latitude", "longitude", "size"}),
			}).Create(&rec).Error
			if err != nil {
				return fmt.Errorf("seed field %s: %w", fd.ID, err)
			}
		}

		for _, sd := range f.Sensors {
			rec := SensorRecord{ID: sd.ID, FieldID: sd.FieldID, Name: sd.Name, Type: sd.Type,
				Latitude: sd.Latitude, Longitude: sd.Longitude, Status: sd.Status}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"field_id", "name", "type", "latitude", "longitude"}),
			}).Create(&rec).Error
			if err != nil {
				return fmt.Errorf("seed sensor %s: %w", sd.ID, err)
			}
		}

		for _, pd := range f.Pumps {
			rec := PumpRecord{ID: pd.ID, FieldID: pd.FieldID, Name: pd.Name,
				MaintenanceStatus: pd.MaintenanceStatus, WaterFlow: pd.WaterFlow}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"field_id", "name", "maintenance_status", "water_flow"}),
			}).Create(&rec).Error
			if err != nil {
				return fmt.Errorf("seed pump %s: %w", pd.ID, err)
			}
		}

		for _, sd := range f.Schedules {
			rec := ScheduleRecord{ID: sd.ID, FieldID: sd.FieldID, StartTime: sd.StartTime,
				Duration: sd.Duration, Status: sd.Status, FlowRate: sd.FlowRate}
			err := tx.Omit("Pumps").Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"field_id", "start_time", "duration", "flow_rate"}),
			}).Create(&rec).Error
			if err != nil {
				return fmt.Errorf("seed schedule %s: %w", sd.ID, err)
			}

			for _, pumpID := range sd.PumpIDs {
				link := SchedulePumpRecord{ScheduleID: sd.ID, PumpID: pumpID}
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
					return fmt.Errorf("seed schedule %s pump %s: %w", sd.ID, pumpID, err)
				}
			}
		}
		return nil
	})
}
