package app

import (
	"time"

	"github.com/rs/zerolog"

	"ai-voice-pipeline-service/internal/config"
	"ai-voice-pipeline-service/internal/observability/logging"
	"ai-voice-pipeline-service/internal/service/session"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config
	Sessions    *session.Registry

	ready func() bool
}

// New constructs a new Application from the provided configuration. The
// global logger must already be initialised.
func New(cfg *config.Config, sessions *session.Registry) *Application {
	a := &Application{
		Cfg:      cfg,
		Sessions: sessions,
		Logger: logging.WithComponent("application").With().
			Str("service", "ai-voice-pipeline-service").
			Logger(),
	}

	a.Logger.Info().
		Str("method", "New").
		Str("sttProvider", cfg.STT.Provider).
		Bool("kafkaEnabled", cfg.Kafka.Enabled).
		Msg("AI Voice Pipeline service application created")
	return a
}

// SetReadiness installs the readiness check. Until then the application
// reports ready once started.
func (a *Application) SetReadiness(fn func() bool) {
	a.ready = fn
}

// Ready reports whether the service should receive traffic.
func (a *Application) Ready() bool {
	if a.StartupTime.IsZero() {
		return false
	}
	if a.ready != nil {
		return a.ready()
	}
	return true
}

// Start performs any startup work required before serving traffic.
func (a *Application) Start() error {
	a.StartupTime = time.Now().UTC()
	a.Logger.Info().
		Str("method", "Start").
		Time("startupTime", a.StartupTime).
		Msg("AI Voice Pipeline service starting")
	return nil
}

// Shutdown performs a best-effort cleanup before process exit.
func (a *Application) Shutdown() {
	a.Logger.Info().
		Str("method", "Shutdown").
		Int("activeSessions", a.Sessions.Len()).
		Msg("AI Voice Pipeline service shutting down")
}
