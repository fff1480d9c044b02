package app

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/baresipbridge/internal/bridge/events"
)

// BaresipService is the gRPC health service name that tracks the control
// socket. The empty service name reports the same status.
const BaresipService = "baresip"

// healthSink mirrors control-socket connectivity into the gRPC health
// server.
func healthSink(srv *health.Server) events.Sink {
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	srv.SetServingStatus(BaresipService, healthpb.HealthCheckResponse_NOT_SERVING)

	return events.SinkFunc(func(ev events.Event) {
		if ev.Type != events.TypeBaresipStatus || ev.Connection == nil {
			return
		}
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if ev.Connection.Connected {
			status = healthpb.HealthCheckResponse_SERVING
		}
		srv.SetServingStatus("", status)
		srv.SetServingStatus(BaresipService, status)
	})
}
