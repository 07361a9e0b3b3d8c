// Package monitor detects sustained silence on a microphone stream.
//
// The Monitor samples a frequency analyser on a fixed cadence, classifies each
// sample as silent or not, and raises OnSilence once per silent stretch that
// lasts at least the configured duration. It is used to end a listening turn
// when the speaker stops talking.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"ai-voice-pipeline-service/internal/observability/logging"
	"ai-voice-pipeline-service/internal/observability/metrics"
	"ai-voice-pipeline-service/internal/service/capture"
)

var (
	// ErrSuperseded is returned by Start when Stop or another Start ran while the
	// microphone was being acquired. The acquired resources have been released.
	ErrSuperseded = errors.New("monitor: start superseded")

	// ErrInvalidConfig is returned by Start for thresholds the loop cannot run with.
	ErrInvalidConfig = errors.New("monitor: invalid config")
)

// Config holds monitor thresholds.
type Config struct {
	SilenceDuration time.Duration
	CheckInterval   time.Duration
	SilenceLevel    float64 // average byte magnitude below which a sample is silent
	SilenceDb       float64 // decibel level below which a sample is silent
	Analyser        capture.AnalyserConfig
}

// DefaultConfig returns the thresholds used for conversational endpointing.
func DefaultConfig() Config {
	return Config{
		SilenceDuration: 2 * time.Second,
		CheckInterval:   100 * time.Millisecond,
		SilenceLevel:    10,
		SilenceDb:       -50,
		Analyser:        capture.DefaultAnalyserConfig(),
	}
}

// Validate checks the timing thresholds and the analyser parameters.
func (c Config) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("%w: check interval %s must be positive", ErrInvalidConfig, c.CheckInterval)
	}
	if c.SilenceDuration <= 0 {
		return fmt.Errorf("%w: silence duration %s must be positive", ErrInvalidConfig, c.SilenceDuration)
	}
	if err := c.Analyser.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// AnalyserFactory builds the analysis graph for an acquired stream.
type AnalyserFactory func(capture.Stream, capture.AnalyserConfig) (capture.Analyser, error)

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the clock driving the sampling loop.
func WithClock(c clockwork.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithAnalyserFactory replaces the FFT analyser.
func WithAnalyserFactory(f AnalyserFactory) Option {
	return func(m *Monitor) { m.newAnalyser = f }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// Monitor owns at most one microphone stream at a time.
type Monitor struct {
	dev         capture.Device
	cfg         Config
	clock       clockwork.Clock
	newAnalyser AnalyserFactory
	log         zerolog.Logger
	supported   bool

	mu        sync.Mutex
	token     uint64
	active    bool
	stream    capture.Stream
	analyser  capture.Analyser
	ticker    clockwork.Ticker
	done      chan struct{}
	onSilence func()
	onAudio   func()

	// cbMu is held by the loop from the token check until its callback
	// returns; firing is set while the callback runs.
	cbMu   sync.Mutex
	firing atomic.Bool
}

// New creates a monitor over dev. Capability is checked once here.
func New(dev capture.Device, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		dev:         dev,
		cfg:         cfg,
		clock:       clockwork.NewRealClock(),
		newAnalyser: capture.NewAnalyser,
		log:         logging.WithComponent("monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.supported = dev != nil && dev.Supported()
	return m
}

// OnSilence sets the callback fired when a silent stretch reaches the configured duration.
func (m *Monitor) OnSilence(fn func()) {
	m.mu.Lock()
	m.onSilence = fn
	m.mu.Unlock()
}

// OnAudio sets the callback fired on the first non-silent sample after a silent stretch.
func (m *Monitor) OnAudio(fn func()) {
	m.mu.Lock()
	m.onAudio = fn
	m.mu.Unlock()
}

// Supported reports whether microphone capture is available.
func (m *Monitor) Supported() bool {
	return m.supported
}

// Active reports whether the monitor currently holds a stream.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Start acquires the microphone and begins sampling. Calling Start while
// monitoring stops the running session first.
func (m *Monitor) Start(ctx context.Context) error {
	m.Stop()

	if !m.supported {
		metrics.DefaultMetrics.RecordAcquisitionFailure(capture.ReasonUnsupported.String())
		return capture.NewAcquisitionError(capture.ReasonUnsupported, nil)
	}
	if err := m.cfg.Validate(); err != nil {
		m.log.Error().Err(err).Msg("Silence monitoring not started")
		return err
	}

	m.mu.Lock()
	m.token++
	tok := m.token
	m.mu.Unlock()

	st, err := m.dev.Open(ctx, capture.VoiceConstraints())
	if err != nil {
		var ae *capture.AcquisitionError
		if !errors.As(err, &ae) {
			ae = capture.NewAcquisitionError(capture.ReasonUnavailable, err)
		}
		m.log.Warn().Err(err).Str("reason", ae.Reason.String()).Msg("Microphone acquisition failed")
		return ae
	}

	an, err := m.newAnalyser(st, m.cfg.Analyser)
	if err != nil {
		m.closeStream(st)
		return err
	}

	m.mu.Lock()
	if m.token != tok {
		m.mu.Unlock()
		m.release(nil, an, st)
		return ErrSuperseded
	}
	ticker := m.clock.NewTicker(m.cfg.CheckInterval)
	done := make(chan struct{})
	m.active = true
	m.stream, m.analyser, m.ticker, m.done = st, an, ticker, done
	m.mu.Unlock()

	go m.loop(tok, ticker, done, an)

	m.log.Debug().
		Dur("silenceDuration", m.cfg.SilenceDuration).
		Dur("checkInterval", m.cfg.CheckInterval).
		Msg("Silence monitoring started")
	return nil
}

// Stop releases the analyser and the stream. Idempotent. No callback of the
// stopped session starts after Stop returns. Called from outside a callback,
// Stop also waits for a callback that already passed its token check.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.token++
	if !m.active {
		m.mu.Unlock()
		return
	}
	ticker, an, st, done := m.ticker, m.analyser, m.stream, m.done
	m.active = false
	m.stream, m.analyser, m.ticker, m.done = nil, nil, nil, nil
	close(done)
	m.mu.Unlock()

	// Wait out a delivery that passed its check before the token moved.
	if !m.firing.Load() {
		m.cbMu.Lock()
		m.cbMu.Unlock()
	}

	m.release(ticker, an, st)
	m.log.Debug().Msg("Silence monitoring stopped")
}

func (m *Monitor) release(ticker clockwork.Ticker, an capture.Analyser, st capture.Stream) {
	if ticker != nil {
		ticker.Stop()
	}
	if an != nil {
		if err := an.Close(); err != nil {
			m.log.Debug().Err(err).Msg("Analyser close failed")
		}
	}
	m.closeStream(st)
}

func (m *Monitor) closeStream(st capture.Stream) {
	if st == nil {
		return
	}
	if err := st.Close(); err != nil {
		m.log.Debug().Err(err).Msg("Stream close failed")
	}
}

func (m *Monitor) loop(tok uint64, ticker clockwork.Ticker, done <-chan struct{}, an capture.Analyser) {
	bins := make([]byte, an.FrequencyBinCount())
	acc := accrual{threshold: m.cfg.SilenceDuration}

	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
		}

		m.mu.Lock()
		if m.token != tok {
			m.mu.Unlock()
			return
		}
		an.ByteFrequencyData(bins)
		onSilence, onAudio := m.onSilence, m.onAudio
		m.mu.Unlock()

		lvl := measure(bins)
		fireSilence, fireAudio := acc.observe(m.clock.Now(), m.cfg.isSilent(lvl))

		if fireAudio && onAudio != nil {
			m.deliver(tok, onAudio)
		}
		if fireSilence {
			metrics.DefaultMetrics.RecordSilence()
			m.log.Debug().
				Float64("average", lvl.Average).
				Float64("db", lvl.Decibels).
				Msg("Silence detected")
			if onSilence != nil {
				m.deliver(tok, onSilence)
			}
		}
	}
}

// deliver runs fn unless the session of tok has been stopped.
func (m *Monitor) deliver(tok uint64, fn func()) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	if !m.current(tok) {
		return
	}
	m.firing.Store(true)
	defer m.firing.Store(false)
	fn()
}

func (m *Monitor) current(tok uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token == tok
}

// Level is one sample of signal level.
type Level struct {
	Average  float64 // mean bin magnitude, 0..255
	Decibels float64 // 20*log10(Average/255)
}

func measure(bins []byte) Level {
	if len(bins) == 0 {
		return Level{Decibels: math.Inf(-1)}
	}
	var sum float64
	for _, b := range bins {
		sum += float64(b)
	}
	avg := sum / float64(len(bins))
	return Level{Average: avg, Decibels: 20 * math.Log10(avg/255)}
}

func (c Config) isSilent(l Level) bool {
	return l.Average < c.SilenceLevel || l.Decibels < c.SilenceDb
}

// accrual tracks one silent stretch. It is owned by the sampling loop.
type accrual struct {
	threshold time.Duration
	start     time.Time
	accruing  bool
	latched   bool // silence already reported for the current stretch
}

// observe folds in one sample and reports which events it triggers.
func (a *accrual) observe(now time.Time, silent bool) (silence, audio bool) {
	if !silent {
		audio = a.accruing || a.latched
		a.accruing, a.latched = false, false
		return false, audio
	}
	if a.latched {
		return false, false
	}
	if !a.accruing {
		a.accruing = true
		a.start = now
	}
	if now.Sub(a.start) >= a.threshold {
		a.accruing = false
		a.latched = true
		return true, false
	}
	return false, false
}
