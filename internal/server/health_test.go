package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"google.golang.org/grpc/health/grpc_health_v1"
)

// TestHealthServerTracksDependencies verifies the status follows the document store check.
func TestHealthServerTracksDependencies(t *testing.T) {
	var down atomic.Bool
	checks := map[string]Pinger{
		"docstore": PingFunc(func(context.Context) error {
			if down.Load() {
				return errors.New("connection refused")
			}
			return nil
		}),
	}
	h := NewHealthServer(checks, 0, nil)
	ctx := context.Background()

	if err := h.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	if s := h.Status(ctx); s != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", s)
	}

	down.Store(true)
	if err := h.CheckAll(ctx); err == nil {
		t.Fatal("expected check error")
	}
	if s := h.Status(ctx); s != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v", s)
	}
}
