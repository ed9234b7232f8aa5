package model

import "errors"

var (
	// ErrStoreUnavailable is transient: the item is retried on the next tick or message.
	ErrStoreUnavailable = errors.New("device state store unavailable")
	// ErrMalformedTelemetry marks payloads that are dropped and counted.
	ErrMalformedTelemetry = errors.New("malformed telemetry")
	// ErrModelUnavailable means the classifier artifact could not be loaded.
	ErrModelUnavailable = errors.New("classifier model unavailable")
	// ErrInvalidScheduleWindow marks schedules whose time fields cannot be parsed.
	ErrInvalidScheduleWindow = errors.New("invalid schedule window")

	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("concurrent modification")
)
