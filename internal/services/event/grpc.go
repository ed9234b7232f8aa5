package event

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported next to the overall "".
const ServiceName = "irrigation.Engine"

// NewGRPCHealthServer returns a gRPC server exposing the standard health
// service. Statuses start NOT_SERVING until the first probe.
func NewGRPCHealthServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// UpdateHealth maps the probe result onto the gRPC serving status.
func UpdateHealth(ctx context.Context, p *Probe, hs *health.Server) Status {
	st := p.Check(ctx)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st.Ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus("", status)
	hs.SetServingStatus(ServiceName, status)
	return st
}

// WatchHealth refreshes the gRPC status every interval and marks the server
// NOT_SERVING for good when ctx is done.
func WatchHealth(ctx context.Context, p *Probe, hs *health.Server, every time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	last := ""
	for {
		st := UpdateHealth(ctx, p, hs)
		if st.Status != last {
			log.Info().Str("status", st.Status).Bool("ready", st.Ready()).Msg("health changed")
			last = st.Status
		}
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
