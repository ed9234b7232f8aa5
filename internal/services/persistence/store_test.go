package persistence

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
)

const seedYAML = `
fields:
  - id: field1
    name: North
sensors:
  - id: "7"
    field_id: field1
    type: soil
pumps:
  - id: p1
    field_id: field1
    name: main
  - id: p2
    field_id: field1
    maintenance_status: in_maintenance
schedules:
  - id: s1
    field_id: field1
    start_time: "06:00"
    duration: 30m
    pump_ids: [p2, p1]
  - id: s2
    field_id: field1
    start_time: "20:00:00"
    duration: "00:15:00"
    status: completed
    pump_ids: [p1]
`

func TestSeedAndGetDueSchedules(t *testing.T) {
	is, ctx, s := testSetup(t)

	due, err := s.GetDueSchedules(ctx)
	is.NoErr(err)
	is.Equal(len(due), 1)
	is.Equal(due[0].ID, "s1")
	is.Equal(due[0].Status, entities.SchedulePlanned)
	is.Equal(due[0].PumpIDs(), []string{"p1", "p2"})
	is.Equal(due[0].Pumps[0].Status, entities.PumpIdle)
	is.Equal(due[0].Pumps[0].MaintenanceStatus, entities.MaintenanceOK)
	is.Equal(due[0].Pumps[1].MaintenanceStatus, entities.InMaintenance)
}

func TestSeedIsIdempotentAndKeepsRunState(t *testing.T) {
	is, ctx, s := testSetup(t)

	is.NoErr(s.SetScheduleStatus(ctx, "s1", entities.ScheduleInProgress, time.Now()))
	is.NoErr(s.Seed(ctx, strings.NewReader(seedYAML)))

	sched, err := s.GetSchedule(ctx, "s1")
	is.NoErr(err)
	is.Equal(sched.Status, entities.ScheduleInProgress)
	is.Equal(len(sched.Pumps), 2)
}

func TestSetPumpStateAccumulatesUsage(t *testing.T) {
	is, ctx, s := testSetup(t)
	start := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

	err := s.SetPumpState(ctx, "p1", PumpStateUpdate{IsOn: true, Status: entities.PumpActive, LastStartTime: &start, LastActivated: &start})
	is.NoErr(err)
	is.NoErr(s.SetPumpState(ctx, "p1", PumpStateUpdate{IsOn: false, Status: entities.PumpIdle, UsageDelta: 360}))
	is.NoErr(s.SetPumpState(ctx, "p1", PumpStateUpdate{IsOn: false, Status: entities.PumpIdle, UsageDelta: 240}))

	pumps, err := s.ListPumps(ctx)
	is.NoErr(err)
	is.Equal(pumps[0].ID, "p1")
	is.True(!pumps[0].IsOn)
	is.Equal(pumps[0].TotalUsageTime, 600.0)
	is.True(pumps[0].LastStartTime.Equal(start))
}

func TestSetPumpStateRejectsInconsistentState(t *testing.T) {
	is, ctx, s := testSetup(t)

	err := s.SetPumpState(ctx, "p1", PumpStateUpdate{IsOn: true, Status: entities.PumpIdle})
	is.True(err != nil)

	err = s.SetPumpState(ctx, "nope", PumpStateUpdate{IsOn: false, Status: entities.PumpIdle})
	is.True(errors.Is(err, model.ErrNotFound))
}

func TestSetScheduleStatusOnlyMovesForward(t *testing.T) {
	is, ctx, s := testSetup(t)
	now := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

	is.NoErr(s.SetScheduleStatus(ctx, "s1", entities.ScheduleInProgress, now))

	err := s.SetScheduleStatus(ctx, "s1", entities.ScheduleInProgress, now)
	is.True(errors.Is(err, model.ErrConflict)) // already in progress

	is.NoErr(s.SetScheduleStatus(ctx, "s1", entities.ScheduleCompleted, now.Add(time.Hour)))

	sched, err := s.GetSchedule(ctx, "s1")
	is.NoErr(err)
	is.Equal(sched.Status, entities.ScheduleCompleted)
	is.True(sched.LastIrrigationTime.Equal(now.Add(time.Hour)))

	err = s.SetScheduleStatus(ctx, "s1", entities.SchedulePlanned, now)
	is.True(err != nil)

	err = s.SetScheduleStatus(ctx, "missing", entities.ScheduleCompleted, now)
	is.True(errors.Is(err, model.ErrNotFound))
}

func TestAppendReadingMergesHistory(t *testing.T) {
	is, ctx, s := testSetup(t)
	t0 := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

	is.NoErr(s.AppendReading(ctx, entities.SensorReading{SensorID: "7", FieldID: "field1", Timestamp: t0,
		Measurements: []entities.Measurement{{Type: "humidity", Value: 40, Timestamp: t0}}}))
	is.NoErr(s.AppendReading(ctx, entities.SensorReading{SensorID: "7", FieldID: "field1", Timestamp: t0.Add(time.Minute),
		Measurements: []entities.Measurement{{Type: "humidity", Value: 20, Timestamp: t0.Add(time.Minute)}, {Type: "rainfall", Value: 0, Timestamp: t0.Add(time.Minute)}}}))

	r, err := s.GetLatestReading(ctx, "field1")
	is.NoErr(err)
	is.True(r != nil)
	is.Equal(len(r.Measurements), 3)
	is.True(r.Timestamp.Equal(t0.Add(time.Minute)))

	h, ok := r.Latest("humidity")
	is.True(ok)
	is.Equal(h.Value, 20.0)
}

func TestGetLatestReadingPicksNewestSensorOfField(t *testing.T) {
	is, ctx, s := testSetup(t)
	t0 := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

	is.NoErr(s.AppendReading(ctx, entities.SensorReading{SensorID: "a", FieldID: "field1", Timestamp: t0.Add(time.Hour),
		Measurements: []entities.Measurement{{Type: "humidity", Value: 10, Timestamp: t0}}}))
	is.NoErr(s.AppendReading(ctx, entities.SensorReading{SensorID: "b", FieldID: "field1", Timestamp: t0,
		Measurements: []entities.Measurement{{Type: "humidity", Value: 90, Timestamp: t0}}}))

	r, err := s.GetLatestReading(ctx, "field1")
	is.NoErr(err)
	is.Equal(r.SensorID, "a")

	none, err := s.GetLatestReading(ctx, "field2")
	is.NoErr(err)
	is.True(none == nil)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	is, ctx, s := testSetup(t)
	now := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	boom := errors.New("boom")

	err := s.Transaction(ctx, func(tx Tx) error {
		if err := tx.SetPumpState(ctx, "p1", PumpStateUpdate{IsOn: true, Status: entities.PumpActive, LastStartTime: &now}); err != nil {
			return err
		}
		if err := tx.SetScheduleStatus(ctx, "s1", entities.ScheduleInProgress, now); err != nil {
			return err
		}
		return boom
	})
	is.True(errors.Is(err, boom))

	sched, err := s.GetSchedule(ctx, "s1")
	is.NoErr(err)
	is.Equal(sched.Status, entities.SchedulePlanned)
	is.True(!sched.Pumps[0].IsOn)
}

func TestSensorStatus(t *testing.T) {
	is, ctx, s := testSetup(t)

	sensor, err := s.GetSensor(ctx, "7")
	is.NoErr(err)
	is.Equal(sensor.FieldID, "field1")
	is.Equal(sensor.Status, entities.SensorActive)

	is.NoErr(s.SetSensorStatus(ctx, "7", entities.SensorInactive))
	sensor, _ = s.GetSensor(ctx, "7")
	is.Equal(sensor.Status, entities.SensorInactive)

	_, err = s.GetSensor(ctx, "missing")
	is.True(errors.Is(err, model.ErrNotFound))
}

func TestBreakerOpensAfterStoreFailures(t *testing.T) {
	is, ctx, s := testSetup(t)
	s.cb = newBreaker(2, time.Minute)

	sqldb, err := s.db.DB()
	is.NoErr(err)
	is.NoErr(sqldb.Close())

	for i := 0; i < 2; i++ {
		_, err := s.GetDueSchedules(ctx)
		is.True(errors.Is(err, model.ErrStoreUnavailable))
	}

	_, err = s.GetDueSchedules(ctx)
	is.True(errors.Is(err, model.ErrStoreUnavailable))
	is.True(strings.Contains(err.Error(), "circuit breaker is open"))
}

func testSetup(t *testing.T) (*is.I, context.Context, *GormStore) {
	is := is.New(t)
	ctx := context.Background()

	s, err := New(NewSQLiteConnector(zerolog.Nop(), ""))
	is.NoErr(err)
	is.NoErr(s.Seed(ctx, strings.NewReader(seedYAML)))

	return is, ctx, s
}
