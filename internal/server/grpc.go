package server

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported next to the overall "" entry.
const ServiceName = "extractor"

// Health runs a gRPC server carrying only the standard health service.
type Health struct {
	srv    *grpc.Server
	hs     *health.Server
	logger *slog.Logger
}

func NewHealth(logger *slog.Logger) *Health {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	h := &Health{srv: srv, hs: hs, logger: logger}
	h.SetServing(false)
	return h
}

// SetServing flips both the overall and the named status.
func (h *Health) SetServing(ok bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if ok {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus("", st)
	h.hs.SetServingStatus(ServiceName, st)
}

func (h *Health) Serve(lis net.Listener) error {
	h.logger.Info("grpc.listening", "addr", lis.Addr().String())
	return h.srv.Serve(lis)
}

// Stop drains open streams until ctx expires, then closes hard.
func (h *Health) Stop(ctx context.Context) {
	h.hs.Shutdown()
	done := make(chan struct{})
	go func() {
		h.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.srv.Stop()
		<-done
	}
}
