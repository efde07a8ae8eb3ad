package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-fee-governance/pkg/logger"
)

// ServiceName is the gRPC health service name reported for this process.
const ServiceName = "feegovernance.v1.FeeGovernance"

// HealthReporter owns the gRPC health server and keeps its status in step
// with the database.
type HealthReporter struct {
	server *health.Server
	db     Pinger
	log    *logger.Logger
}

// NewGRPCServer creates a gRPC server exposing health checks and reflection.
func NewGRPCServer(db Pinger, log *logger.Logger) (*grpc.Server, *HealthReporter) {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		unaryRecovery(log),
		unaryLogging(log.Component("grpc")),
	))
	hr := &HealthReporter{server: health.NewServer(), db: db, log: log.Component("grpc_health")}
	healthpb.RegisterHealthServer(srv, hr.server)
	reflection.Register(srv) // Enable reflection for debugging
	hr.Check(context.Background())
	return srv, hr
}

// Check pings the database and publishes the result as both the overall and
// the named service status.
func (hr *HealthReporter) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if hr.db != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := hr.db.Ping(ctx); err != nil {
			hr.log.Warn().Err(err).Msg("Database ping failed")
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	hr.server.SetServingStatus("", status)
	hr.server.SetServingStatus(ServiceName, status)
	return status
}

// Watch re-checks health every interval until ctx is done.
func (hr *HealthReporter) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hr.Check(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING ahead of a graceful stop.
func (hr *HealthReporter) Shutdown() {
	hr.server.Shutdown()
}
