package api

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// BacktestService is the gRPC health service name reporting backtest
// readiness.
const BacktestService = "algotrade.Backtest"

// NewGRPCServer creates a gRPC server with the standard health service
// registered. Both the overall status and BacktestService report SERVING
// until the health server is shut down.
func NewGRPCServer(opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(BacktestService, healthpb.HealthCheckResponse_SERVING)
	return gs, hs
}
