package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/logging"
	"github.com/dmitrijs2005/securemsg/internal/server/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	srv := newTestServer("secret", &fakeRotator{}, &fakeJobs{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	select {
	case err := <-done:
		t.Fatalf("server exited too early: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error on graceful stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop within timeout after context cancel")
	}
}

func TestRun_ReturnsErrorOnBadAddress(t *testing.T) {
	t.Parallel()

	srv := NewGRPCServer("127.0.0.1:99999", logging.NewDiscardLogger(), &fakeRotator{}, &fakeJobs{}, "secret")

	if err := srv.Run(context.Background()); err == nil {
		t.Fatal("expected error from Run on bad address, got nil")
	}
}

// startServer serves s on a loopback port until the test ends.
func startServer(t *testing.T, s *GRPCServer) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return lis.Addr().String()
}

func TestAdminClient_RoundTrip(t *testing.T) {
	r := &fakeRotator{n: 3}
	j := &fakeJobs{n: 5}
	addr := startServer(t, newTestServer("secret", r, j))

	token, err := auth.GenerateToken(auth.Identity{UserID: "ops", Role: auth.RoleAdmin}, []byte("secret"), time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken error: %v", err)
	}
	c, err := NewAdminClient(addr, token)
	if err != nil {
		t.Fatalf("NewAdminClient error: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := c.ForceRotate(ctx, "alice")
	if err != nil || n != 3 || r.called != "alice" {
		t.Fatalf("ForceRotate: n=%d err=%v called=%q", n, err, r.called)
	}
	n, err = c.RunJob(ctx, "rotation-check")
	if err != nil || n != 5 || j.called != "rotation-check" {
		t.Fatalf("RunJob: n=%d err=%v called=%q", n, err, j.called)
	}
}

func TestAdminClient_RejectsUserToken(t *testing.T) {
	addr := startServer(t, newTestServer("secret", &fakeRotator{}, &fakeJobs{}))

	token, err := auth.GenerateToken(auth.Identity{UserID: "alice", Role: auth.RoleUser}, []byte("secret"), time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken error: %v", err)
	}
	c, err := NewAdminClient(addr, token)
	if err != nil {
		t.Fatalf("NewAdminClient error: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.ForceRotate(ctx, "bob"); status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestHealth_ServingWithoutToken(t *testing.T) {
	addr := startServer(t, newTestServer("secret", &fakeRotator{}, &fakeJobs{}))

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: KeyAdminServiceName})
	if err != nil {
		t.Fatalf("health check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status %v", resp.GetStatus())
	}
}
