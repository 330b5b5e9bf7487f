package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"medrec.org/internal/obs"
)

const serviceName = "medrec-api"

const healthPollInterval = 10 * time.Second

// NewGRPCServer builds a gRPC server exposing the standard health service,
// driven by the same readiness probe as /readyz. The returned stop function
// ends the background probe loop.
func NewGRPCServer(checker readinessChecker) (*grpc.Server, func()) {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	setStatus := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err := checker.Check(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		obs.SetReady(status == healthpb.HealthCheckResponse_SERVING)
		hs.SetServingStatus(serviceName, status)
		hs.SetServingStatus("", status)
	}
	setStatus()

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(healthPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				setStatus()
			case <-done:
				return
			}
		}
	}()

	return srv, func() {
		close(done)
		hs.Shutdown()
	}
}
