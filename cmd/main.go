package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	grpcapi "ai-voice-pipeline-service/internal/api/grpc"
	"ai-voice-pipeline-service/internal/api/ws"
	"ai-voice-pipeline-service/internal/app"
	"ai-voice-pipeline-service/internal/config"
	"ai-voice-pipeline-service/internal/events"
	httpapi "ai-voice-pipeline-service/internal/http"
	"ai-voice-pipeline-service/internal/observability"
	"ai-voice-pipeline-service/internal/observability/logging"
	"ai-voice-pipeline-service/internal/observability/metrics"
	"ai-voice-pipeline-service/internal/schema"
	"ai-voice-pipeline-service/internal/service/capture"
	"ai-voice-pipeline-service/internal/service/monitor"
	"ai-voice-pipeline-service/internal/service/session"
	"ai-voice-pipeline-service/internal/service/stt"
	"ai-voice-pipeline-service/internal/service/stt/google"
	"ai-voice-pipeline-service/internal/service/stt/mock"
	"ai-voice-pipeline-service/internal/service/tts"
	"ai-voice-pipeline-service/internal/service/turn"
	"ai-voice-pipeline-service/internal/service/voice"
)

// consumerRetryDelay is the pause before reconnecting a failed reply consumer.
const consumerRetryDelay = 5 * time.Second

func main() {
	cfg := config.Load()

	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})

	registry := session.NewRegistry()
	application := app.New(cfg, registry)

	obs := observability.NewServer(cfg.Observability.MetricsAddr, application.Ready)
	obs.Start()

	validator := schema.New()

	// Create Kafka publisher with separate topics for partial and final transcripts
	publisher := events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
		Validator:    validator,
	})
	defer publisher.Close()

	consumer := events.NewConsumer(&events.ConsumerConfig{
		Enabled:   cfg.Kafka.Enabled,
		Brokers:   cfg.Kafka.Brokers,
		Topic:     cfg.Kafka.TopicReply,
		GroupID:   cfg.Kafka.GroupID,
		Validator: validator,
	})
	defer consumer.Close()

	grpcServer := grpcapi.New(metrics.DefaultMetrics)
	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		log.Fatal().Err(err).Str("port", cfg.Service.GRPCPort).Msg("Failed to listen")
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("gRPC serve failed")
		}
	}()

	voiceHandler := ws.NewHandler(wsConfig(cfg), registry, publisher, recognizerFactory(cfg))
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(application, voiceHandler, validator),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runConsumer(ctx, consumer, registry, grpcServer)

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("Voice pipeline HTTP server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP serve failed")
		}
	}()

	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("Application start failed")
	}
	grpcServer.SetServing("", true)
	grpcServer.SetServing(grpcapi.ServiceVoice, true)

	<-ctx.Done()

	application.Shutdown()
	grpcServer.SetServing(grpcapi.ServiceVoice, false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Observability shutdown incomplete")
	}
	grpcServer.Stop()
}

// runConsumer delivers Kafka replies to sessions until ctx ends, reconnecting
// after fetch failures.
func runConsumer(ctx context.Context, c *events.Consumer, registry *session.Registry, g *grpcapi.Server) {
	for {
		g.SetServing(grpcapi.ServiceReplies, true)
		err := c.Run(ctx, registry.Deliver)
		if err == nil || ctx.Err() != nil {
			return
		}
		g.SetServing(grpcapi.ServiceReplies, false)
		log.Error().Err(err).Dur("retryIn", consumerRetryDelay).Msg("Reply consumer failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(consumerRetryDelay):
		}
	}
}

func wsConfig(cfg *config.Config) ws.Config {
	c := ws.DefaultConfig()
	c.SampleRateHz = cfg.STT.SampleRateHz
	c.AllowedOrigins = cfg.HTTP.AllowedOrigins

	c.STT = stt.Config{
		Continuous:     true,
		InterimResults: cfg.STT.InterimResults,
		Locale:         cfg.STT.LanguageCode,
		StopTimeout:    cfg.STT.StopTimeout,
	}

	c.Monitor = monitor.Config{
		SilenceDuration: cfg.Monitor.SilenceDuration,
		CheckInterval:   cfg.Monitor.CheckInterval,
		SilenceLevel:    cfg.Monitor.SilenceLevel,
		SilenceDb:       cfg.Monitor.SilenceDb,
		Analyser:        capture.DefaultAnalyserConfig(),
	}
	c.Monitor.Analyser.FFTSize = cfg.Monitor.FFTSize
	c.Monitor.Analyser.Smoothing = cfg.Monitor.Smoothing

	c.TTS = tts.Config{
		PreferredVoices: cfg.TTS.PreferredVoices,
		Locale:          cfg.TTS.Locale,
		Rate:            cfg.TTS.Rate,
		Pitch:           cfg.TTS.Pitch,
		Volume:          cfg.TTS.Volume,
		MaxQueue:        cfg.TTS.MaxQueue,
	}

	c.Voice = voice.Config{
		AutoStopOnSilence:           cfg.Monitor.AutoStopOnSilence,
		SuppressReplyWhileListening: cfg.Voice.SuppressReplyWhileListening,
		ProcessingTimeout:           cfg.Voice.ProcessingTimeout,
		Limits: turn.Limits{
			MaxDuration: cfg.Voice.MaxListenDuration,
			MaxPartials: cfg.Voice.MaxPartials,
		},
	}
	return c
}

// recognizerFactory picks the recognition provider for new connections.
func recognizerFactory(cfg *config.Config) ws.RecognizerFactory {
	switch cfg.STT.Provider {
	case "google":
		gcfg := google.Config{
			LanguageCode:    cfg.STT.LanguageCode,
			SampleRateHz:    cfg.STT.SampleRateHz,
			InterimResults:  cfg.STT.InterimResults,
			AudioEncoding:   cfg.STT.AudioEncoding,
			CredentialsFile: cfg.STT.CredentialsFile,
		}
		return func(ctx context.Context, mic capture.Device, _ stt.Service) (stt.Service, func() error, error) {
			svc, err := google.New(ctx, mic, gcfg)
			if err != nil {
				return nil, nil, err
			}
			return svc, svc.Close, nil
		}
	case "browser":
		return ws.BrowserRecognizer
	default:
		if cfg.STT.Provider != "mock" {
			log.Warn().Str("provider", cfg.STT.Provider).Msg("Unknown STT provider, using mock")
		}
		return func(context.Context, capture.Device, stt.Service) (stt.Service, func() error, error) {
			return mock.New(), nil, nil
		}
	}
}
