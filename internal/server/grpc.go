package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vanta-voice/listener/internal/config"
)

// TranscriptionService is the health service name reported for the
// transcription pipeline. The empty name reports process liveness.
const TranscriptionService = "listener.Transcription"

// GRPCServer exposes the standard gRPC health service. The transcription
// service is SERVING while probe reports true.
type GRPCServer struct {
	config   config.GRPCConfig
	logger   *slog.Logger
	server   *grpc.Server
	health   *health.Server
	probe    func() bool
	interval time.Duration

	lis    net.Listener
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	status healthgrpc.HealthCheckResponse_ServingStatus
}

// NewGRPCServer creates the health server. probe is polled every interval.
func NewGRPCServer(cfg config.GRPCConfig, probe func() bool, interval time.Duration, logger *slog.Logger) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthgrpc.RegisterHealthServer(grpcServer, healthServer)

	healthServer.SetServingStatus("", healthgrpc.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(TranscriptionService, healthgrpc.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{
		config:   cfg,
		logger:   logger.With("component", "server.grpc"),
		server:   grpcServer,
		health:   healthServer,
		probe:    probe,
		interval: interval,
		stop:     make(chan struct{}),
		status:   healthgrpc.HealthCheckResponse_NOT_SERVING,
	}
}

// Start binds the listener and serves in the background.
func (g *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", g.config.Address, g.config.Port))
	if err != nil {
		return fmt.Errorf("failed to bind gRPC listener: %w", err)
	}
	g.lis = lis

	g.health.SetServingStatus("", healthgrpc.HealthCheckResponse_SERVING)
	g.refresh()

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		if err := g.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			g.logger.Error("gRPC server terminated with error", slog.String("error", err.Error()))
		}
	}()
	go g.pollLoop()

	g.logger.Info("gRPC health server started", slog.String("address", lis.Addr().String()))
	return nil
}

// Addr returns the bound address, nil before Start.
func (g *GRPCServer) Addr() net.Addr {
	if g.lis == nil {
		return nil
	}
	return g.lis.Addr()
}

func (g *GRPCServer) pollLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.refresh()
		}
	}
}

// refresh mirrors the probe into the health service.
func (g *GRPCServer) refresh() {
	status := healthgrpc.HealthCheckResponse_NOT_SERVING
	if g.probe == nil || g.probe() {
		status = healthgrpc.HealthCheckResponse_SERVING
	}

	g.mu.Lock()
	changed := status != g.status
	g.status = status
	g.mu.Unlock()

	if changed {
		g.health.SetServingStatus(TranscriptionService, status)
		g.logger.Info("Transcription health changed", slog.String("status", status.String()))
	}
}

// Stop marks everything NOT_SERVING and stops the server, forcing it
// when ctx expires first.
func (g *GRPCServer) Stop(ctx context.Context) error {
	g.logger.Info("Stopping gRPC health server...")

	g.health.Shutdown()
	close(g.stop)

	stopped := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.logger.Warn("Graceful stop timed out, forcing stop")
		g.server.Stop()
	}

	g.wg.Wait()
	return nil
}
