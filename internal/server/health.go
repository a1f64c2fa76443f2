package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is a dependency the process cannot serve without.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthServer serves grpc.health.v1 and flips to NOT_SERVING while any check fails.
type HealthServer struct {
	grpc     *grpc.Server
	health   *health.Server
	checks   map[string]Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewHealthServer(checks map[string]Pinger, interval time.Duration, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(gs, hs)
	return &HealthServer{
		grpc:     gs,
		health:   hs,
		checks:   checks,
		interval: interval,
		timeout:  3 * time.Second,
		logger:   logger,
	}
}

// CheckAll runs every check once and updates the overall serving status.
func (h *HealthServer) CheckAll(ctx context.Context) error {
	var errs []error
	for name, c := range h.checks {
		pctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := c.Ping(pctx)
		cancel()
		if err != nil {
			h.logger.Warn("health.check.failed", "dependency", name, "err", err)
			errs = append(errs, err)
		}
	}
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if len(errs) > 0 {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", status)
	return errors.Join(errs...)
}

// Status reports the current overall status.
func (h *HealthServer) Status(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	resp, err := h.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN
	}
	return resp.GetStatus()
}

// Serve listens on addr and runs the checks periodically until ctx ends.
func (h *HealthServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		h.logger.Error("failed to listen on address", "addr", addr, "error", err)
		return err
	}
	_ = h.CheckAll(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("health server listening", "addr", addr)
		errCh <- h.grpc.Serve(lis)
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			h.grpc.GracefulStop()
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			_ = h.CheckAll(ctx)
		}
	}
}
