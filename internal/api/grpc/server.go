// Package grpcapi exposes the service's gRPC surface: the standard health
// service, reporting whether voice sessions are being accepted, and
// reflection for tooling such as grpcurl.
package grpcapi

import (
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"ai-voice-pipeline-service/internal/observability"
	"ai-voice-pipeline-service/internal/observability/logging"
	"ai-voice-pipeline-service/internal/observability/metrics"
)

// Health service names reported besides the overall "" status.
const (
	ServiceVoice   = "ai.voice.pipeline.VoiceService"
	ServiceReplies = "ai.voice.pipeline.ReplyConsumer"
)

// Server is the gRPC health and reflection surface of the service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    zerolog.Logger
}

// New creates the gRPC server with logging, metrics and panic recovery
// interceptors. Every service starts NOT_SERVING.
func New(m *metrics.Metrics) *Server {
	g := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			observability.UnaryServerInterceptor(),
			observability.RecoveryUnaryInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			observability.StreamServerInterceptor(m),
			observability.RecoveryStreamInterceptor(),
		),
	)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(g, hs)
	reflection.Register(g)

	s := &Server{grpc: g, health: hs, log: logging.WithComponent("grpc")}
	for _, svc := range []string{"", ServiceVoice, ServiceReplies} {
		hs.SetServingStatus(svc, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// SetServing sets the health status of svc; "" is the overall status.
func (s *Server) SetServing(svc string, serving bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(svc, st)
	s.log.Info().Str("service", svc).Str("status", st.String()).Msg("Health status changed")
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server started")
	return s.grpc.Serve(lis)
}

// Stop reports NOT_SERVING everywhere and stops gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
