package health

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/caesar-terminal/arbiter/internal/adapter"
)

func check(t *testing.T, hs healthpb.HealthServer, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q): %v", service, err)
	}
	return resp.Status
}

func TestRegistry_ServingFollowsStreaming(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(1700000000, 0)
	r.nowFunc = func() time.Time { return now }

	hs := r.HealthServer()
	if check(t, hs, "") != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatal("expected NOT_SERVING with no venues")
	}

	r.Watch("bybit")
	r.Watch("dexnow")
	r.OnState("bybit", adapter.Connecting)
	r.OnState("bybit", adapter.Subscribing)
	r.OnState("bybit", adapter.Streaming)

	if check(t, hs, "bybit") != healthpb.HealthCheckResponse_SERVING {
		t.Fatal("expected bybit SERVING")
	}
	if check(t, hs, "dexnow") != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatal("expected dexnow NOT_SERVING")
	}
	if check(t, hs, "") != healthpb.HealthCheckResponse_NOT_SERVING || r.Healthy() {
		t.Fatal("overall must wait for every venue")
	}

	r.OnState("dexnow", adapter.Streaming)
	if check(t, hs, "") != healthpb.HealthCheckResponse_SERVING || !r.Healthy() {
		t.Fatal("expected overall SERVING")
	}

	now = now.Add(time.Minute)
	r.OnState("dexnow", adapter.Disconnected)
	if check(t, hs, "") != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatal("expected overall NOT_SERVING after a disconnect")
	}
	vs, ok := r.Status("dexnow")
	if !ok || vs.State != adapter.Disconnected || !vs.Since.Equal(now) {
		t.Fatalf("unexpected status %+v", vs)
	}
}

func TestRegistry_RepeatedStateKeepsSince(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(1700000000, 0)
	r.nowFunc = func() time.Time { return now }

	r.OnState("bybit", adapter.Streaming)
	now = now.Add(time.Second)
	r.OnState("bybit", adapter.Streaming)

	vs, _ := r.Status("bybit")
	if !vs.Since.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("since moved on a repeated state: %v", vs.Since)
	}
	if _, ok := r.Status("unknown"); ok {
		t.Fatal("unexpected status for unknown venue")
	}
}

func TestServer_ServesHealth(t *testing.T) {
	r := NewRegistry()
	r.OnState("bybit", adapter.Streaming)

	srv, err := NewServer("127.0.0.1:0", r)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer conn.Close()

	rpcCtx, rpcCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer rpcCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(rpcCtx, &healthpb.HealthCheckRequest{Service: "bybit"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.Status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
	if check(t, r.HealthServer(), "bybit") != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatal("expected NOT_SERVING after shutdown")
	}
}
