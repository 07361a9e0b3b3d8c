package grpcapi

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"ai-voice-pipeline-service/internal/observability/metrics"
)

func startServer(t *testing.T) (*Server, grpc_health_v1.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := New(metrics.DefaultMetrics)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return s, grpc_health_v1.NewHealthClient(conn)
}

func check(t *testing.T, c grpc_health_v1.HealthClient, svc string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: svc})
	if err != nil {
		t.Fatalf("Check(%q): %v", svc, err)
	}
	return resp.GetStatus()
}

func TestServer_HealthTransitions(t *testing.T) {
	s, c := startServer(t)

	for _, svc := range []string{"", ServiceVoice, ServiceReplies} {
		if got := check(t, c, svc); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
			t.Errorf("%q initially %v", svc, got)
		}
	}

	s.SetServing("", true)
	s.SetServing(ServiceVoice, true)
	if got := check(t, c, ServiceVoice); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("voice = %v after SetServing", got)
	}
	if got := check(t, c, ServiceReplies); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("replies = %v, want NOT_SERVING", got)
	}

	s.SetServing(ServiceVoice, false)
	if got := check(t, c, ServiceVoice); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("voice = %v after SetServing(false)", got)
	}
}
