package stt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"ai-voice-pipeline-service/internal/observability/logging"
	"ai-voice-pipeline-service/internal/observability/metrics"
)

// ErrSuperseded is returned by Start when Abort or another Start ran while
// the native session was opening.
var ErrSuperseded = errors.New("stt: start superseded")

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for the stop timeout.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine runs at most one recognition session at a time.
//
// Every session carries a token; events from a session whose token is no
// longer current are dropped. Callbacks are invoked without holding the
// engine lock so callers may Stop, Abort or Start from inside them.
type Engine struct {
	svc       Service
	cfg       Config
	clock     clockwork.Clock
	log       zerolog.Logger
	supported bool
	provider  string

	mu        sync.Mutex
	token     uint64
	listening bool
	stopping  bool
	session   Session
	active    *listener
	startedAt time.Time
	stopTimer clockwork.Timer
}

// NewEngine creates an engine over svc. Capability is checked once here.
func NewEngine(svc Service, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		svc:   svc,
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
		log:   logging.WithComponent("stt"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.supported = svc != nil && svc.Supported()
	if svc != nil {
		e.provider = svc.Name()
	}
	return e
}

// Supported reports whether recognition is available.
func (e *Engine) Supported() bool {
	return e.supported
}

// Listening reports whether a session is running. It stays true during a
// graceful Stop until the native end event arrives.
func (e *Engine) Listening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listening
}

// Start begins a recognition session reporting to cb. A running session is
// aborted first. Failures are reported through cb.OnError and returned.
func (e *Engine) Start(ctx context.Context, cb Callback) error {
	if !e.supported {
		err := &Error{Kind: KindUnsupported}
		metrics.DefaultMetrics.RecordRecognitionError(e.provider, err.Kind.String())
		cb.OnError(err)
		return err
	}

	e.mu.Lock()
	prev := e.detachLocked()
	e.token++
	tok := e.token
	e.mu.Unlock()

	if prev != nil {
		e.log.Debug().Msg("Aborting running session before restart")
		e.abortNative(prev)
	}

	l := &listener{engine: e, token: tok, cb: cb}
	sess, err := e.svc.Open(ctx, e.cfg, l)
	if err != nil {
		se := fromStartError(err)
		e.log.Warn().Err(err).Str("kind", se.Kind.String()).Msg("Failed to start recognition")
		metrics.DefaultMetrics.RecordRecognitionError(e.provider, se.Kind.String())
		if e.isCurrent(tok) {
			cb.OnError(se)
		}
		return se
	}

	e.mu.Lock()
	if e.token != tok || l.ended {
		e.mu.Unlock()
		if !l.ended {
			e.abortNative(sess)
			return ErrSuperseded
		}
		return nil
	}
	e.listening = true
	e.stopping = false
	e.session = sess
	e.active = l
	e.startedAt = e.clock.Now()
	e.mu.Unlock()

	metrics.DefaultMetrics.RecordListeningStart(e.provider)
	e.log.Info().Str("provider", e.provider).Str("locale", e.cfg.Locale).Msg("Recognition started")
	return nil
}

// Stop ends the session gracefully. Results arriving after Stop are dropped
// and OnEnd follows when the native end event arrives or the stop timeout
// elapses. Stop while idle or already stopping is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.listening || e.stopping {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	sess := e.session
	tok := e.token
	if e.cfg.StopTimeout > 0 {
		e.stopTimer = e.clock.AfterFunc(e.cfg.StopTimeout, func() { e.forceEnd(tok) })
	}
	e.mu.Unlock()

	if err := sess.Stop(); err != nil {
		e.log.Debug().Err(err).Msg("Native stop failed")
	}
}

// Abort ends the session immediately. Listening is false when Abort returns
// and native events arriving afterwards are dropped. A callback whose event
// passed the token check just before Abort may still be running or about to
// run; callers that need a hard cut check their own turn token.
func (e *Engine) Abort() {
	e.mu.Lock()
	sess := e.detachLocked()
	e.token++
	e.mu.Unlock()

	if sess != nil {
		e.abortNative(sess)
		e.log.Debug().Msg("Recognition aborted")
	}
}

// detachLocked clears session state and returns the session to tear down.
func (e *Engine) detachLocked() Session {
	sess := e.session
	e.session = nil
	e.active = nil
	e.listening = false
	e.stopping = false
	if e.stopTimer != nil {
		e.stopTimer.Stop()
		e.stopTimer = nil
	}
	return sess
}

func (e *Engine) abortNative(sess Session) {
	if err := sess.Abort(); err != nil {
		e.log.Debug().Err(err).Msg("Native abort failed")
	}
}

func (e *Engine) isCurrent(tok uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token == tok
}

// forceEnd completes a graceful stop the native recognizer never acknowledged.
func (e *Engine) forceEnd(tok uint64) {
	e.mu.Lock()
	if e.token != tok || !e.stopping || e.active == nil {
		e.mu.Unlock()
		return
	}
	l := e.active
	l.ended = true
	sess := e.detachLocked()
	e.token++
	e.mu.Unlock()

	e.log.Warn().Dur("timeout", e.cfg.StopTimeout).Msg("Recognizer did not end after stop, forcing end")
	if sess != nil {
		e.abortNative(sess)
	}
	l.cb.OnEnd()
}

// listener adapts native events for one session onto the caller's Callback.
type listener struct {
	engine *Engine
	token  uint64
	cb     Callback

	// guarded by engine.mu
	started bool
	ended   bool
}

func (l *listener) OnStart() {
	e := l.engine
	e.mu.Lock()
	if e.token != l.token || l.started {
		e.mu.Unlock()
		return
	}
	l.started = true
	e.mu.Unlock()

	l.cb.OnStart()
}

func (l *listener) OnResult(b Batch) {
	e := l.engine
	e.mu.Lock()
	if e.token != l.token || e.stopping || l.ended {
		e.mu.Unlock()
		return
	}
	needStart := !l.started
	l.started = true
	startedAt := e.startedAt
	e.mu.Unlock()

	text, isFinal, ok := reduce(b)
	if needStart {
		l.cb.OnStart()
	}
	if !ok {
		return
	}
	if isFinal {
		var latency float64
		if !startedAt.IsZero() {
			latency = e.clock.Since(startedAt).Seconds()
		}
		metrics.DefaultMetrics.RecordFinalTranscript(latency)
	} else {
		metrics.DefaultMetrics.RecordPartialTranscript()
	}
	l.cb.OnResult(text, isFinal)
}

func (l *listener) OnError(code, message string) {
	e := l.engine
	e.mu.Lock()
	if e.token != l.token || e.stopping || l.ended {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	err := FromCode(code)
	metrics.DefaultMetrics.RecordRecognitionError(e.provider, err.Kind.String())
	e.log.Warn().Str("code", code).Str("nativeMessage", message).Msg("Recognition error")
	l.cb.OnError(err)
}

func (l *listener) OnEnd() {
	e := l.engine
	e.mu.Lock()
	if e.token != l.token || l.ended {
		e.mu.Unlock()
		return
	}
	l.ended = true
	e.detachLocked()
	e.token++
	e.mu.Unlock()

	e.log.Debug().Msg("Recognition ended")
	l.cb.OnEnd()
}
