package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dripcheck/dripcheck/internal/config"
)

// ServiceName is the health service name reported next to the overall ("")
// status.
const ServiceName = "dripcheck.Generate"

// ReadinessProbe reports whether the backend can serve generate requests.
type ReadinessProbe func(ctx context.Context) error

// GRPCServer exposes grpc.health.v1 for orchestrators and load balancers.
type GRPCServer struct {
	addr   string
	server *grpc.Server
	health *health.Server
}

func NewGRPCServer(cfg config.GRPCConfig) *GRPCServer {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryAPIKeyInterceptor(cfg.APIKey)),
		grpc.ChainStreamInterceptor(StreamAPIKeyInterceptor(cfg.APIKey)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		server: srv,
		health: hs,
	}
}

// SetServing flips the reported status of both health entries.
func (g *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", st)
	g.health.SetServingStatus(ServiceName, st)
}

// WatchReadiness runs probe every interval and mirrors its result into the
// health service until ctx is cancelled.
func (g *GRPCServer) WatchReadiness(ctx context.Context, interval time.Duration, probe ReadinessProbe) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := probe(probeCtx)
		if err != nil {
			slog.Warn("readiness probe failed", "error", err)
		}
		g.SetServing(err == nil)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Serve blocks serving lis until the server is stopped.
func (g *GRPCServer) Serve(lis net.Listener) error {
	return g.server.Serve(lis)
}

// Start listens on the configured address and stops gracefully when ctx is
// cancelled.
func (g *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("grpc listen on %s: %w", g.addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting gRPC server", "addr", g.addr)
		errCh <- g.server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	g.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		g.server.Stop()
	}
	slog.Info("gRPC server stopped")
	return nil
}
