package irrigation_controller

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
)

// Window is the closed interval a schedule irrigates in.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

func (w Window) Elapsed(t time.Time) bool {
	return t.After(w.End)
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
func ParseTimeOfDay(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("time of day %q: want HH:MM[:SS]", s)
	}
	limits := []int{23, 59, 59}
	units := []time.Duration{time.Hour, time.Minute, time.Second}

	var d time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("time of day %q: bad component %q", s, p)
		}
		d += time.Duration(n) * units[i]
	}
	return d, nil
}

// ParseScheduleDuration accepts Go durations ("45m"), intervals ("00:45:00")
// and plain seconds ("2700").
func ParseScheduleDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var (
		d   time.Duration
		err error
	)
	switch {
	case strings.Contains(s, ":"):
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return 0, fmt.Errorf("duration %q: want HH:MM:SS", s)
		}
		for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
			n, convErr := strconv.Atoi(parts[i])
			if convErr != nil || n < 0 || (i > 0 && n > 59) {
				return 0, fmt.Errorf("duration %q: bad component %q", s, parts[i])
			}
			d += time.Duration(n) * unit
		}
	default:
		if secs, convErr := strconv.Atoi(s); convErr == nil {
			d = time.Duration(secs) * time.Second
		} else {
			d, err = time.ParseDuration(s)
		}
	}
	if err != nil {
		return 0, fmt.Errorf("duration %q: %w", s, err)
	}
	if d <= 0 || d > 24*time.Hour {
		return 0, fmt.Errorf("duration %q out of range", s)
	}
	return d, nil
}

// WindowAt anchors the schedule to the calendar date of now in loc.
// Before today's start, yesterday's window is used when it still contains now
// (midnight crossing) or when the schedule is already running.
func WindowAt(s entities.Schedule, now time.Time, loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.Local
	}
	tod, err := ParseTimeOfDay(s.StartTime)
	if err != nil {
		return Window{}, fmt.Errorf("schedule %s: %w: %w", s.ID, model.ErrInvalidScheduleWindow, err)
	}
	dur, err := ParseScheduleDuration(s.Duration)
	if err != nil {
		return Window{}, fmt.Errorf("schedule %s: %w: %w", s.ID, model.ErrInvalidScheduleWindow, err)
	}

	local := now.In(loc)
	h, m, sec := int(tod/time.Hour), int(tod%time.Hour/time.Minute), int(tod%time.Minute/time.Second)
	start := time.Date(local.Year(), local.Month(), local.Day(), h, m, sec, 0, loc)
	today := Window{Start: start, End: start.Add(dur)}
	if !local.Before(start) {
		return today, nil
	}

	ys := start.AddDate(0, 0, -1)
	yesterday := Window{Start: ys, End: ys.Add(dur)}
	if yesterday.Contains(now) || s.Status == entities.ScheduleInProgress {
		return yesterday, nil
	}
	return today, nil
}
