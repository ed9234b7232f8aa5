package irrigation_controller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/metrics"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/services/persistence"
)

var ErrTickInProgress = errors.New("reconciliation tick already running")

type ScheduleStore interface {
	GetDueSchedules(ctx context.Context) ([]entities.Schedule, error)
	Transaction(ctx context.Context, fn func(tx persistence.Tx) error) error
}

// PumpNotifier is told about every committed pump toggle.
type PumpNotifier interface {
	PumpStateChanged(ctx context.Context, evt messages.PumpStateChangeEvent)
}

type TickReport struct {
	Evaluated int `json:"evaluated"`
	Activated int `json:"activated"`
	Completed int `json:"completed"`
	Gated     int `json:"gated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeActivated
	outcomeCompleted
	outcomeGated
	outcomeBlocked
)

type Reconciler struct {
	store    ScheduleStore
	gate     *Gate
	notifier PumpNotifier
	locks    *pumpLocks

	interval     time.Duration
	storeTimeout time.Duration
	loc          *time.Location
	now          func() time.Time

	running atomic.Bool
	log     zerolog.Logger
}

type Option func(*Reconciler)

func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) { r.interval = d }
}

// WithStoreTimeout bounds each store round trip, including whole schedule transactions.
func WithStoreTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.storeTimeout = d }
}

func WithLocation(loc *time.Location) Option {
	return func(r *Reconciler) { r.loc = loc }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithNotifier(n PumpNotifier) Option {
	return func(r *Reconciler) { r.notifier = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

func NewReconciler(store ScheduleStore, gate *Gate, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:        store,
		gate:         gate,
		locks:        newPumpLocks(),
		interval:     time.Minute,
		storeTimeout: 10 * time.Second,
		loc:          time.Local,
		now:          time.Now,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.gate == nil {
		r.gate = NewGate(DefaultThresholds())
	}
	return r
}

// Start ticks until ctx is done. The first tick runs immediately.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.interval).Str("tz", r.loc.String()).Msg("schedule reconciler started")
	r.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("schedule reconciler stopped")
			return
		case <-ticker.C:
			r.runTick(ctx)
		}
	}
}

func (r *Reconciler) runTick(ctx context.Context) {
	report, err := r.Tick(ctx)
	if errors.Is(err, ErrTickInProgress) {
		r.log.Warn().Msg("previous tick still running, skipping")
		return
	}
	if err != nil {
		r.log.Error().Err(err).Msg("reconciliation tick failed")
		return
	}
	r.log.Debug().
		Int("evaluated", report.Evaluated).
		Int("activated", report.Activated).
		Int("completed", report.Completed).
		Int("gated", report.Gated).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("tick done")
}

// Tick evaluates every due schedule once against a single clock reading.
// A failing schedule is logged and counted; the rest of the tick goes on.
func (r *Reconciler) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport
	if !r.running.CompareAndSwap(false, true) {
		metrics.TicksSkipped.Inc()
		return report, ErrTickInProgress
	}
	defer r.running.Store(false)

	began := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(began).Seconds()) }()

	now := r.now()
	fetchCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	due, err := r.store.GetDueSchedules(fetchCtx)
	cancel()
	if err != nil {
		metrics.ReconcileFailures.WithLabelValues("store").Inc()
		return report, fmt.Errorf("fetch due schedules: %w", err)
	}

	for _, s := range due {
		if ctx.Err() != nil {
			break
		}
		report.Evaluated++

		res, err := r.reconcile(ctx, s, now)
		switch {
		case errors.Is(err, model.ErrInvalidScheduleWindow):
			report.Skipped++
			metrics.ReconcileFailures.WithLabelValues("invalid_window").Inc()
			r.log.Warn().Err(err).Str("schedule_id", s.ID).Msg("skipping schedule")
			continue
		case errors.Is(err, model.ErrConflict):
			report.Failed++
			metrics.ReconcileFailures.WithLabelValues("conflict").Inc()
			r.log.Warn().Err(err).Str("schedule_id", s.ID).Msg("schedule changed concurrently, retrying next tick")
			continue
		case err != nil:
			report.Failed++
			metrics.ReconcileFailures.WithLabelValues("store").Inc()
			r.log.Error().Err(err).Str("schedule_id", s.ID).Msg("schedule reconciliation failed")
			continue
		}

		switch res {
		case outcomeActivated:
			report.Activated++
			metrics.Transitions.WithLabelValues(string(entities.ScheduleInProgress)).Inc()
		case outcomeCompleted:
			report.Completed++
			metrics.Transitions.WithLabelValues(string(entities.ScheduleCompleted)).Inc()
		case outcomeGated:
			report.Gated++
		}
	}
	return report, nil
}

func (r *Reconciler) reconcile(ctx context.Context, s entities.Schedule, now time.Time) (outcome, error) {
	w, err := WindowAt(s, now, r.loc)
	if err != nil {
		return outcomeNone, err
	}
	if now.Before(w.Start) || (w.Contains(now) && s.Status != entities.SchedulePlanned) {
		return outcomeNone, nil
	}

	log := r.log.With().Str("schedule_id", s.ID).Str("field_id", s.FieldID).Logger()

	unlock := r.locks.Lock(s.PumpIDs()...)
	defer unlock()

	// In-flight transactions finish even when the engine is shutting down.
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.storeTimeout)
	defer cancel()

	var (
		res    outcome
		events []messages.PumpStateChangeEvent
	)
	err = r.store.Transaction(txCtx, func(tx persistence.Tx) error {
		res, events = outcomeNone, nil

		cur, err := tx.GetSchedule(txCtx, s.ID)
		if err != nil {
			return err
		}
		switch {
		case w.Elapsed(now) && (cur.Status == entities.SchedulePlanned || cur.Status == entities.ScheduleInProgress):
			res, events, err = r.complete(txCtx, tx, cur, now, log)
		case w.Contains(now) && cur.Status == entities.SchedulePlanned:
			res, events, err = r.activate(txCtx, tx, cur, now, log)
		}
		return err
	})
	if err != nil {
		return outcomeNone, err
	}

	if r.notifier != nil {
		for _, evt := range events {
			r.notifier.PumpStateChanged(ctx, evt)
		}
	}
	return res, nil
}

func (r *Reconciler) activate(ctx context.Context, tx persistence.Tx, s entities.Schedule, now time.Time, log zerolog.Logger) (outcome, []messages.PumpStateChangeEvent, error) {
	ok, err := r.gate.PermitsIrrigation(ctx, tx, s.FieldID)
	if err != nil {
		return outcomeNone, nil, err
	}
	if !ok {
		log.Info().Msg("environmental conditions do not call for irrigation")
		return outcomeGated, nil, nil
	}

	var events []messages.PumpStateChangeEvent
	for _, p := range s.Pumps {
		if !p.Healthy() {
			log.Warn().Str("pump_id", p.ID).Str("maintenance", string(p.MaintenanceStatus)).Msg("pump under maintenance, not activating")
			continue
		}
		if p.IsOn {
			continue
		}
		at := now
		err := tx.SetPumpState(ctx, p.ID, persistence.PumpStateUpdate{
			IsOn:          true,
			Status:        entities.PumpActive,
			LastStartTime: &at,
			LastActivated: &at,
		})
		if err != nil {
			return outcomeNone, nil, fmt.Errorf("activate pump %s: %w", p.ID, err)
		}
		log.Info().Str("pump_id", p.ID).Msg("pump activated")
		events = append(events, messages.PumpStateChangeEvent{
			PumpID:     p.ID,
			FieldID:    s.FieldID,
			ScheduleID: s.ID,
			IsOn:       true,
			Status:     entities.PumpActive,
			Timestamp:  now,
		})
	}

	if len(events) == 0 {
		log.Warn().Msg("no pump could be activated, schedule stays planned")
		return outcomeBlocked, nil, nil
	}
	if err := tx.SetScheduleStatus(ctx, s.ID, entities.ScheduleInProgress, now); err != nil {
		return outcomeNone, nil, err
	}
	return outcomeActivated, events, nil
}

func (r *Reconciler) complete(ctx context.Context, tx persistence.Tx, s entities.Schedule, now time.Time, log zerolog.Logger) (outcome, []messages.PumpStateChangeEvent, error) {
	var events []messages.PumpStateChangeEvent
	for _, p := range s.Pumps {
		if !p.IsOn {
			continue
		}
		usage := p.RunningFor(now).Seconds()
		err := tx.SetPumpState(ctx, p.ID, persistence.PumpStateUpdate{
			IsOn:       false,
			Status:     entities.PumpIdle,
			UsageDelta: usage,
		})
		if err != nil {
			return outcomeNone, nil, fmt.Errorf("deactivate pump %s: %w", p.ID, err)
		}
		log.Info().Str("pump_id", p.ID).Float64("usage_seconds", usage).Msg("pump deactivated")
		events = append(events, messages.PumpStateChangeEvent{
			PumpID:       p.ID,
			FieldID:      s.FieldID,
			ScheduleID:   s.ID,
			IsOn:         false,
			Status:       entities.PumpIdle,
			UsageSeconds: usage,
			Timestamp:    now,
		})
	}

	// A planned schedule is only closed when one of its pumps is running;
	// otherwise it waits for its next window.
	if s.Status == entities.SchedulePlanned {
		if len(events) == 0 {
			log.Debug().Msg("window elapsed before activation, schedule stays planned")
			return outcomeNone, nil, nil
		}
		log.Warn().Msg("window elapsed before activation, stopping running pumps")
	}
	if err := tx.SetScheduleStatus(ctx, s.ID, entities.ScheduleCompleted, now); err != nil {
		return outcomeNone, nil, err
	}
	return outcomeCompleted, events, nil
}
