package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "irrigation"

var (
	TelemetryReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telemetry_received_total",
		Help:      "Telemetry messages delivered by the broker.",
	})
	TelemetryMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telemetry_malformed_total",
		Help:      "Telemetry messages dropped because they could not be parsed.",
	})
	TelemetryDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telemetry_duplicates_total",
		Help:      "Telemetry redeliveries dropped by the deduper.",
	})
	TrackedSensors = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_sensors",
		Help:      "Sensors currently considered live.",
	})
	SensorsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sensors_evicted_total",
		Help:      "Sensors evicted after the liveness timeout.",
	})
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_total",
		Help:      "Classifier decisions emitted, by action.",
	}, []string{"decision"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schedule_transitions_total",
		Help:      "Schedule transitions committed by the reconciler.",
	}, []string{"to"})
	ReconcileFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_failures_total",
		Help:      "Schedules whose evaluation failed, by reason.",
	}, []string{"reason"})
	TicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_ticks_skipped_total",
		Help:      "Ticks skipped because the previous one was still running.",
	})
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconcile_tick_duration_seconds",
		Help:      "Wall time of a reconciliation tick.",
		Buckets:   prometheus.DefBuckets,
	})
)
