package worker

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service reported by the worker.
const ServiceName = "vmrunner.Worker"

// Health publishes whether the worker can take a job. It is NOT_SERVING
// while a job holds the VM.
type Health struct {
	srv *health.Server
}

func NewHealth() *Health {
	h := &Health{srv: health.NewServer()}
	h.setBusy(false)
	return h
}

func (h *Health) setBusy(busy bool) {
	if h == nil {
		return
	}
	status := healthpb.HealthCheckResponse_SERVING
	if busy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus(ServiceName, status)
}

// Shutdown marks every service NOT_SERVING for good.
func (h *Health) Shutdown() {
	if h != nil {
		h.srv.Shutdown()
	}
}

// Serve runs the gRPC health endpoint on addr until ctx is done.
func (h *Health) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.ServeListener(ctx, lis, logger)
}

func (h *Health) ServeListener(ctx context.Context, lis net.Listener, logger *slog.Logger) error {
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, h.srv)
	reflection.Register(grpcServer)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down health server")
		h.Shutdown()
		grpcServer.GracefulStop()
	}()

	logger.Info("health server ready", "addr", lis.Addr().String())
	return grpcServer.Serve(lis)
}
