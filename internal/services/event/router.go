package event

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	Probe   *Probe
	Sensors SensorLister
	// Decisions is nil when InfluxDB mirroring is disabled.
	Decisions Querier
	Bucket    string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/healthz", NewHealthHandler(cfg.Probe))
	r.Method(http.MethodGet, "/readyz", NewReadyHandler(cfg.Probe))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if cfg.Sensors != nil {
		r.Method(http.MethodGet, "/sensors/latest", NewSensorsLatestHandler(cfg.Sensors))
	}
	if cfg.Decisions != nil {
		r.Method(http.MethodGet, "/decisions/latest", NewDecisionsLatestHandler(cfg.Decisions, cfg.Bucket))
	}
	return r
}
