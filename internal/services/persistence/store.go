package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
)

// Tx is the part of the store usable inside a schedule transaction.
type Tx interface {
	GetSchedule(ctx context.Context, scheduleID string) (entities.Schedule, error)
	GetLatestReading(ctx context.Context, fieldID string) (*entities.SensorReading, error)
	SetPumpState(ctx context.Context, pumpID string, u PumpStateUpdate) error
	SetScheduleStatus(ctx context.Context, scheduleID string, status entities.ScheduleStatus, at time.Time) error
}

type Store interface {
	Tx

	GetDueSchedules(ctx context.Context) ([]entities.Schedule, error)
	Transaction(ctx context.Context, fn func(tx Tx) error) error

	GetSensor(ctx context.Context, sensorID string) (entities.Sensor, error)
	SetSensorStatus(ctx context.Context, sensorID string, status entities.SensorStatus) error
	AppendReading(ctx context.Context, reading entities.SensorReading) error

	ListPumps(ctx context.Context) ([]entities.Pump, error)
	ListSchedules(ctx context.Context) ([]entities.Schedule, error)
	Ping(ctx context.Context) error
}

// PumpStateUpdate carries the run-state columns the engine may write.
// UsageDelta is added to total_usage_time.
type PumpStateUpdate struct {
	IsOn          bool
	Status        entities.PumpStatus
	LastStartTime *time.Time
	LastActivated *time.Time
	UsageDelta    float64
}

func (u PumpStateUpdate) validate() error {
	if u.IsOn != (u.Status == entities.PumpActive) {
		return fmt.Errorf("pump state is_on=%t with status %q", u.IsOn, u.Status)
	}
	if u.UsageDelta < 0 {
		return fmt.Errorf("negative usage delta %f", u.UsageDelta)
	}
	return nil
}

type GormStore struct {
	db  *gorm.DB
	cb  *gobreaker.CircuitBreaker
	log zerolog.Logger

	readingMu sync.Mutex
	readingKL map[string]*sync.Mutex
}

type Option func(*GormStore)

// WithBreaker trips after failures consecutive StoreUnavailable errors and stays open for openFor.
func WithBreaker(failures uint32, openFor time.Duration) Option {
	return func(s *GormStore) {
		s.cb = newBreaker(failures, openFor)
	}
}

func newBreaker(failures uint32, openFor time.Duration) *gobreaker.CircuitBreaker {
	if failures == 0 {
		failures = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "device-state-store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, model.ErrStoreUnavailable)
		},
	})
}

func New(connect ConnectorFunc, opts ...Option) (*GormStore, error) {
	impl, log, err := connect()
	if err != nil {
		return nil, err
	}

	err = impl.AutoMigrate(&FieldRecord{}, &SensorRecord{}, &PumpRecord{}, &ScheduleRecord{}, &SensorReadingRecord{})
	if err != nil {
		return nil, err
	}

	s := &GormStore{
		db:        impl,
		cb:        newBreaker(0, 0),
		log:       log,
		readingKL: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// classify maps driver errors onto the store error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %w", model.ErrNotFound, err)
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrConflict),
		errors.Is(err, model.ErrStoreUnavailable),
		errors.Is(err, model.ErrInvalidScheduleWindow):
		return err
	default:
		return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
}

// guard runs fn through the breaker; an open breaker never reaches the database.
func (s *GormStore) guard(ctx context.Context, fn func(db *gorm.DB) error) error {
	run := func() error { return classify(fn(s.db.WithContext(ctx))) }
	if s.cb == nil {
		return run()
	}
	_, err := s.cb.Execute(func() (any, error) { return nil, run() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	return err
}

// Transaction runs fn against a store bound to one database transaction.
// Errors returned by fn roll the transaction back and are returned unchanged.
func (s *GormStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	var fnErr error
	err := s.guard(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			fnErr = fn(&GormStore{db: tx, log: s.log})
			return fnErr
		})
	})
	if fnErr != nil {
		return fnErr
	}
	return err
}

var dueStatuses = []string{string(entities.SchedulePlanned), string(entities.ScheduleInProgress)}

func (s *GormStore) GetDueSchedules(ctx context.Context) ([]entities.Schedule, error) {
	var recs []ScheduleRecord
	err := s.guard(ctx, func(db *gorm.DB) error {
		return db.Preload("Pumps").Where("status IN ?", dueStatuses).Order("id").Find(&recs).Error
	})
	if err != nil {
		return nil, err
	}

	out := make([]entities.Schedule, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toEntity())
	}
	return out, nil
}

func (s *GormStore) GetSchedule(ctx context.Context, scheduleID string) (entities.Schedule, error) {
	var rec ScheduleRecord
	err := s.guard(ctx, func(db *gorm.DB) error {
		return db.Preload("Pumps").Where("id = ?", scheduleID).First(&rec).Error
	})
	if err != nil {
		return entities.Schedule{}, err
	}
	return rec.toEntity(), nil
}

func (s *GormStore) ListSchedules(ctx context.Context) ([]entities.Schedule, error) {
	var recs []ScheduleRecord
	err := s.guard(ctx, func(db *gorm.DB) error {
		return db.Preload("Pumps").Order("id").Find(&recs).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]entities.Schedule, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toEntity())
	}
	return out, nil
}

func (s *GormStore) ListPumps(ctx context.Context) ([]entities.Pump, error) {
	var recs []PumpRecord
	err := s.guard(ctx, func(db *gorm.DB) error {
		return db.Order("id").Find(&recs).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]entities.Pump, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toEntity())
	}
	return out, nil
}

// GetLatestReading returns the most recently merged reading of the field, or nil when there is none.
func (s *GormStore) GetLatestReading(ctx context.Context, fieldID string) (*entities.SensorReading, error) {
	var recs []SensorReadingRecord
	err := s.guard(ctx, func(db *gorm.DB) error {
		return db.Where("field_id = ?", fieldID).Order("timestamp desc").Limit(1).Find(&recs).Error
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}

	r, err := recs[0].toEntity()
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *GormStore) SetPumpState(ctx context.Context, pumpID string, u PumpStateUpdate) error {
	if err := u.validate(); err != nil {
		return err
	}

	updates := map[string]any{
		"is_on":  u.IsOn,
		"status": string(u.Status),
	}
	if u.LastStartTime != nil {
		updates["last_start_time"] = *u.LastStartTime
	}
	if u.LastActivated != nil {
		updates["last_activated"] = *u.LastActivated
	}
	if u.UsageDelta > 0 {
		updates["total_usage_time"] = gorm.Expr("total_usage_time + ?", u.UsageDelta)
	}

	return s.guard(ctx, func(db *gorm.DB) error {
		res := db.Model(&PumpRecord{}).Where("id = ?", pumpID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("pump %s: %w", pumpID, model.ErrNotFound)
		}
		return nil
	})
}

// SetScheduleStatus moves a schedule to status only from one of its allowed
// predecessors; a schedule changed concurrently yields ErrConflict.
func (s *GormStore) SetScheduleStatus(ctx context.Context, scheduleID string, status entities.ScheduleStatus, at time.Time) error {
	preds := status.Predecessors()
	if len(preds) == 0 {
		return fmt.Errorf("schedule %s: status %q cannot be set by the engine", scheduleID, status)
	}
	from := make([]string, 0, len(preds))
	for _, p := range preds {
		from = append(from, string(p))
	}

	return s.guard(ctx, func(db *gorm.DB) error {
		res := db.Model(&ScheduleRecord{}).
			Where("id = ? AND status IN ?", scheduleID, from).
			Updates(map[string]any{"status": string(status), "last_irrigation_time": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var n int64
		if err := db.Model(&ScheduleRecord{}).Where("id = ?", scheduleID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("schedule %s: %w", scheduleID, model.ErrNotFound)
		}
		return fmt.Errorf("schedule %s -> %s: %w", scheduleID, status, model.ErrConflict)
	})
}

func (s *GormStore) GetSensor(ctx context.Context, sensorID string) (entities.Sensor, error) {
	var rec SensorRecord
	err := s.guard(ctx, func(db *gorm.DB) error {
		return db.Where("id = ?", sensorID).First(&rec).Error
	})
	if err != nil {
		return entities.Sensor{}, err
	}
	return rec.toEntity(), nil
}

func (s *GormStore) SetSensorStatus(ctx context.Context, sensorID string, status entities.SensorStatus) error {
	return s.guard(ctx, func(db *gorm.DB) error {
		res := db.Model(&SensorRecord{}).Where("id = ?", sensorID).Update("status", string(status))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("sensor %s: %w", sensorID, model.ErrNotFound)
		}
		return nil
	})
}

// AppendReading merges the measurements into the sensor's reading, keeping history.
func (s *GormStore) AppendReading(ctx context.Context, reading entities.SensorReading) error {
	if reading.SensorID == "" {
		return errors.New("reading without sensor id")
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now().UTC()
	}

	unlock := s.lockReading(reading.SensorID)
	defer unlock()

	return s.guard(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var recs []SensorReadingRecord
			if err := tx.Where("sensor_id = ?", reading.SensorID).Limit(1).Find(&recs).Error; err != nil {
				return err
			}

			var history []entities.Measurement
			if len(recs) > 0 && len(recs[0].RawData) > 0 {
				if err := json.Unmarshal(recs[0].RawData, &history); err != nil {
					return fmt.Errorf("decode raw_data of sensor %s: %w", reading.SensorID, err)
				}
			}
			history = append(history, reading.Measurements...)

			raw, err := json.Marshal(history)
			if err != nil {
				return err
			}
			rec := SensorReadingRecord{
				SensorID:  reading.SensorID,
				FieldID:   reading.FieldID,
				RawData:   datatypes.JSON(raw),
				Timestamp: reading.Timestamp,
			}
			if len(recs) == 0 {
				return tx.Create(&rec).Error
			}
			return tx.Save(&rec).Error
		})
	})
}

func (s *GormStore) lockReading(sensorID string) func() {
	s.readingMu.Lock()
	if s.readingKL == nil {
		s.readingKL = make(map[string]*sync.Mutex)
	}
	mu, ok := s.readingKL[sensorID]
	if !ok {
		mu = &sync.Mutex{}
		s.readingKL[sensorID] = mu
	}
	s.readingMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (s *GormStore) Ping(ctx context.Context) error {
	return s.guard(ctx, func(db *gorm.DB) error {
		sqldb, err := db.DB()
		if err != nil {
			return err
		}
		return sqldb.PingContext(ctx)
	})
}
