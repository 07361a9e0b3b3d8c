// Package observability provides the metrics server and the gRPC interceptors.
package observability

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"ai-voice-pipeline-service/internal/observability/logging"
	"ai-voice-pipeline-service/internal/observability/metrics"
)

// healthCheckMethod is polled by orchestrators; its calls log at trace level.
const healthCheckMethod = "/grpc.health.v1.Health/Check"

// UnaryServerInterceptor logs each unary call with its outcome.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	log := logging.WithComponent("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		lvl := zerolog.DebugLevel
		if info.FullMethod == healthCheckMethod {
			lvl = zerolog.TraceLevel
		}
		callEvent(ctx, log.WithLevel(lvl), info.FullMethod, err, time.Since(start)).Msg("gRPC unary call")
		return resp, err
	}
}

// StreamServerInterceptor counts client streams on m and logs how each ended.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	log := logging.WithComponent("grpc")
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		m.RecordStreamStart()

		err := handler(srv, ss)

		elapsed := time.Since(start)
		m.RecordStreamEnd(elapsed.Seconds())
		callEvent(ss.Context(), log.Info(), info.FullMethod, err, elapsed).
			Bool("success", err == nil).
			Msg("gRPC stream completed")
		return err
	}
}

// RecoveryUnaryInterceptor turns a handler panic into codes.Internal.
func RecoveryUnaryInterceptor() grpc.UnaryServerInterceptor {
	log := logging.WithComponent("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(log, info.FullMethod, r)
			}
		}()
		return handler(ctx, req)
	}
}

// RecoveryStreamInterceptor turns a stream handler panic into codes.Internal.
func RecoveryStreamInterceptor() grpc.StreamServerInterceptor {
	log := logging.WithComponent("grpc")
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(log, info.FullMethod, r)
			}
		}()
		return handler(srv, ss)
	}
}

func recovered(log zerolog.Logger, method string, r any) error {
	log.Error().
		Str("method", method).
		Interface("panic", r).
		Bytes("stack", debug.Stack()).
		Msg("gRPC handler panicked")
	return status.Errorf(codes.Internal, "internal error")
}

func callEvent(ctx context.Context, e *zerolog.Event, method string, err error, d time.Duration) *zerolog.Event {
	e = e.Str("method", method).
		Str("code", status.Code(err).String()).
		Dur("duration", d)
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		e = e.Str("peer", p.Addr.String())
	}
	return e
}
