package event

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Connection interface {
	IsConnectionOpen() bool
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type ModelState interface {
	Ready() bool
}

type Status struct {
	Status          string  `json:"status"`
	MQTTConnected   bool    `json:"mqtt_connected"`
	StoreOK         bool    `json:"store_ok"`
	ModelLoaded     bool    `json:"model_loaded"`
	InfluxOK        bool    `json:"influx_ok"`
	LastWriteErrorS float64 `json:"last_write_error_age_sec,omitempty"`
}

// Ready means the engine can both ingest and reconcile.
func (s Status) Ready() bool {
	return s.MQTTConnected && s.StoreOK
}

// Probe aggregates dependency state for /healthz, /readyz and gRPC health.
type Probe struct {
	mqtt     Connection
	store    Pinger
	model    ModelState
	sink     *Sink
	minError time.Duration
	timeout  time.Duration
}

// NewProbe accepts a nil sink when InfluxDB mirroring is disabled.
func NewProbe(m Connection, store Pinger, model ModelState, sink *Sink, minOkErrorAge time.Duration) *Probe {
	return &Probe{mqtt: m, store: store, model: model, sink: sink, minError: minOkErrorAge, timeout: 2 * time.Second}
}

func (p *Probe) Check(ctx context.Context) Status {
	st := Status{
		MQTTConnected: p.mqtt != nil && p.mqtt.IsConnectionOpen(),
		ModelLoaded:   p.model != nil && p.model.Ready(),
		InfluxOK:      true,
	}
	if p.store != nil {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		st.StoreOK = p.store.Ping(ctx) == nil
		cancel()
	}
	if p.sink != nil {
		age := p.sink.LastErrorAge()
		st.InfluxOK = age > p.minError
		st.LastWriteErrorS = age.Seconds()
	}

	switch {
	case st.Ready() && st.ModelLoaded && st.InfluxOK:
		st.Status = "ok"
	case st.MQTTConnected || st.StoreOK:
		st.Status = "degraded"
	default:
		st.Status = "down"
	}
	return st
}

func NewHealthHandler(p *Probe) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := p.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if st.Status == "down" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	})
}

// NewReadyHandler answers 200 only when the broker and the store are reachable.
func NewReadyHandler(p *Probe) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ready := p.Check(r.Context()).Ready()
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		type resp struct {
			Ready bool `json:"ready"`
		}
		_ = json.NewEncoder(w).Encode(resp{Ready: ready})
	})
}
