// Package voice sequences recognition, silence detection and playback into
// conversational turns.
//
// A Coordinator owns one session's engines and moves between Idle, Listening,
// Processing and Speaking. The engines never call each other; every
// cross-engine effect goes through the coordinator. Callbacks carry the turn
// token they were issued with so that events of a finished turn are ignored.
package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"ai-voice-pipeline-service/internal/models"
	"ai-voice-pipeline-service/internal/observability/logging"
	"ai-voice-pipeline-service/internal/observability/metrics"
	"ai-voice-pipeline-service/internal/service/stt"
	"ai-voice-pipeline-service/internal/service/tts"
	"ai-voice-pipeline-service/internal/service/turn"
)

// Errors returned by the coordinator's intents.
var (
	ErrUnsupported         = errors.New("voice: speech recognition is not supported")
	ErrProcessing          = errors.New("voice: waiting for a reply")
	ErrReplyWhileListening = errors.New("voice: reply rejected while listening")
	ErrStaleReply          = errors.New("voice: reply belongs to a previous turn")
	ErrClosed              = errors.New("voice: session closed")
)

// Messages surfaced in the snapshot for failures outside the recognizer.
const (
	msgPublishFailed = "Failed to deliver your message. Please try again."
	msgNoReply       = "No response received. Please try again."
)

// Drop reasons recorded on turns and metrics.
const (
	reasonToggledOff    = "toggled_off"
	reasonSilence       = "silence"
	reasonEnded         = "ended_without_final"
	reasonReplyBargeIn  = "interrupted_by_reply"
	reasonPublishFailed = "publish_failed"
	reasonNoReply       = "processing_timeout"
	reasonClosed        = "session_closed"
	reasonMaxDuration   = "max_duration"
	reasonMaxPartials   = "max_partials"
)

// Recognizer is the speech-to-text engine.
type Recognizer interface {
	Supported() bool
	Start(ctx context.Context, cb stt.Callback) error
	Stop()
	Abort()
}

// Speaker is the text-to-speech engine.
type Speaker interface {
	Supported() bool
	Speaking() bool
	Speak(text string, opts ...tts.SpeakOption) error
	Cancel()
	OnIdle(fn func())
}

// SilenceMonitor ends listening turns after sustained silence.
type SilenceMonitor interface {
	Supported() bool
	Start(ctx context.Context) error
	Stop()
	OnSilence(fn func())
}

// TranscriptPublisher hands transcripts to the chat orchestrator.
type TranscriptPublisher interface {
	PublishPartial(ctx context.Context, ev models.TranscriptPartial) error
	PublishFinal(ctx context.Context, ev models.TranscriptFinal) error
}

// Config holds the turn-taking policy of a session.
type Config struct {
	Provider                    string // recognizer name stamped on final transcripts
	AutoStopOnSilence           bool
	SuppressReplyWhileListening bool
	ProcessingTimeout           time.Duration // 0 waits for a reply indefinitely
	Limits                      turn.Limits
}

// DefaultConfig returns the conversational defaults.
func DefaultConfig() Config {
	return Config{
		AutoStopOnSilence:           true,
		SuppressReplyWhileListening: true,
		ProcessingTimeout:           30 * time.Second,
		Limits:                      turn.DefaultLimits(),
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for turn timers.
func WithClock(c clockwork.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(co *Coordinator) { co.log = l }
}

// WithMonitor enables silence auto-stop through m.
func WithMonitor(m SilenceMonitor) Option {
	return func(co *Coordinator) { co.mon = m }
}

// WithPublisher sets where transcripts are published.
func WithPublisher(p TranscriptPublisher) Option {
	return func(co *Coordinator) { co.pub = p }
}

// Coordinator is the state machine of one voice session. It is safe for
// concurrent use.
type Coordinator struct {
	sessionID string
	stt       Recognizer
	tts       Speaker
	mon       SilenceMonitor
	pub       TranscriptPublisher
	cfg       Config
	clock     clockwork.Clock
	log       zerolog.Logger
	turns     *turn.Generator
	supported bool

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	seq         uint64
	tok         uint64
	turn        *turn.Turn
	lastErr     string
	procTimer   clockwork.Timer
	listenTimer clockwork.Timer
	// replies counts Speak calls in flight; idle hooks are deferred until
	// they settle.
	replies int
	subs    map[int]func(Snapshot)
	nextSub int
	closed  bool
}

// New creates the coordinator of one voice session.
func New(sessionID string, rec Recognizer, spk Speaker, cfg Config, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		sessionID: sessionID,
		stt:       rec,
		tts:       spk,
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		log:       logging.WithSession("voice", sessionID),
		pub:       nopPublisher{},
		turns:     turn.NewGenerator(),
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.supported = rec.Supported()
	spk.OnIdle(c.speechIdle)
	return c
}

// SessionID returns the id the coordinator was created with.
func (c *Coordinator) SessionID() string {
	return c.sessionID
}

// Snapshot returns the current observable state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buildLocked()
}

// Subscribe registers fn for every published snapshot and returns a function
// that removes it. fn runs on the goroutine that caused the change.
func (c *Coordinator) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Toggle is the microphone button intent. It starts listening from Idle,
// ends the turn while Listening and interrupts playback while Speaking.
// It is rejected while Processing.
func (c *Coordinator) Toggle(ctx context.Context) error {
	if !c.supported {
		return ErrUnsupported
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	state, tok := c.state, c.tok
	c.mu.Unlock()

	switch state {
	case StateListening:
		c.endListening(tok, reasonToggledOff, "", c.stt.Stop)
		return nil
	case StateProcessing:
		return ErrProcessing
	case StateSpeaking:
		c.tts.Cancel()
	}
	return c.startListening(ctx)
}

// Reply speaks the orchestrator's answer. turnID may be empty; when set it
// must name the latest turn.
func (c *Coordinator) Reply(ctx context.Context, turnID, text string, priority tts.Priority) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if turnID != "" && c.turn != nil && c.turn.ID() != turnID {
		c.mu.Unlock()
		return ErrStaleReply
	}

	halt := false
	switch c.state {
	case StateListening:
		if c.cfg.SuppressReplyWhileListening {
			c.mu.Unlock()
			return ErrReplyWhileListening
		}
		c.tok++
		c.stopTimerLocked()
		c.dropTurnLocked(reasonReplyBargeIn)
		halt = true
	case StateProcessing:
		c.stopTimerLocked()
		c.turn.Close()
		metrics.DefaultMetrics.RecordTurnCompleted()
	}

	speak := c.tts.Supported()
	next := StateSpeaking
	if !speak {
		next = StateIdle
	}
	if err := c.setStateLocked(next); err != nil {
		c.mu.Unlock()
		return err
	}
	if speak {
		c.replies++
	}
	notify := c.changedLocked()
	c.mu.Unlock()
	notify()

	if halt {
		c.stt.Abort()
		c.stopMonitor()
	}
	if !speak {
		c.log.Debug().Msg("Playback unsupported, reply not spoken")
		return nil
	}
	err := c.tts.Speak(text, tts.WithPriority(priority))
	if err != nil {
		c.log.Warn().Err(err).Msg("Reply not queued")
	}
	c.settleReply()
	return err
}

// settleReply reconciles the state with the speaker once a Speak call
// returns. Playback that ended while Speak ran leaves Speaking, and playback
// queued after the session moved on (a toggle or Close) is cancelled.
func (c *Coordinator) settleReply() {
	c.mu.Lock()
	c.replies--
	if c.replies > 0 {
		c.mu.Unlock()
		return
	}
	busy := c.tts.Speaking()
	switch {
	case c.state == StateSpeaking && !busy:
		_ = c.setStateLocked(StateIdle)
		notify := c.changedLocked()
		c.mu.Unlock()
		notify()
	case c.state != StateSpeaking && busy:
		c.mu.Unlock()
		c.log.Debug().Msg("Reply overtaken, cancelling its playback")
		c.tts.Cancel()
	default:
		c.mu.Unlock()
	}
}

// Close aborts every engine and stops publishing snapshots. Idempotent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.tok++
	c.stopTimerLocked()
	if c.state == StateListening {
		c.dropTurnLocked(reasonClosed)
	}
	if c.state != StateIdle {
		metrics.DefaultMetrics.RecordStateTransition(c.state.String(), StateIdle.String())
		c.state = StateIdle
	}
	c.subs = map[int]func(Snapshot){}
	c.mu.Unlock()

	c.cancel()
	c.stt.Abort()
	c.stopMonitor()
	c.tts.Cancel()
	c.log.Info().Msg("Voice session closed")
}

func (c *Coordinator) startListening(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err := c.setStateLocked(StateListening); err != nil {
		c.mu.Unlock()
		return err
	}
	c.tok++
	tok := c.tok
	c.stopTimerLocked()
	c.turn = turn.New(c.turns.Next(c.sessionID), c.clock.Now())
	if limit := c.cfg.Limits.MaxDuration; limit > 0 {
		c.listenTimer = c.clock.AfterFunc(limit, func() {
			c.endListening(tok, reasonMaxDuration, "", c.stt.Abort)
		})
	}
	c.lastErr = ""
	tl := logging.WithTurn(c.log, c.turn.ID())
	notify := c.changedLocked()
	c.mu.Unlock()

	metrics.DefaultMetrics.RecordTurnCreated()
	tl.Info().Msg("Listening")
	notify()

	if err := c.stt.Start(ctx, &turnCallback{c: c, tok: tok, log: tl}); err != nil {
		if errors.Is(err, stt.ErrSuperseded) {
			return nil
		}
		// The engine normally reports start failures through OnError first.
		c.endListening(tok, "error_"+stt.KindOf(err).String(), errorMessage(err), nil)
		return err
	}

	if c.autoStop() {
		c.mon.OnSilence(func() { c.silence(tok) })
		if err := c.mon.Start(ctx); err != nil {
			if c.isCurrent(tok, StateListening) {
				tl.Warn().Err(err).Msg("Silence monitor unavailable, auto-stop disabled for this turn")
			}
		} else if !c.isCurrent(tok, StateListening) {
			c.mon.Stop()
		}
	}
	return nil
}

func (c *Coordinator) autoStop() bool {
	return c.cfg.AutoStopOnSilence && c.mon != nil && c.mon.Supported()
}

// endListening returns a Listening turn to Idle. halt, if set, ends the
// recognizer. Stale tokens are ignored.
func (c *Coordinator) endListening(tok uint64, reason, message string, halt func()) {
	c.mu.Lock()
	if tok != c.tok || c.state != StateListening {
		c.mu.Unlock()
		return
	}
	_ = c.setStateLocked(StateIdle)
	c.tok++
	c.stopTimerLocked()
	c.dropTurnLocked(reason)
	c.lastErr = message
	notify := c.changedLocked()
	c.mu.Unlock()

	c.stopMonitor()
	if halt != nil {
		halt()
	}
	c.log.Info().Str("reason", reason).Msg("Listening ended")
	notify()
}

func (c *Coordinator) partial(tok uint64, text string) {
	c.mu.Lock()
	if tok != c.tok || c.state != StateListening {
		c.mu.Unlock()
		return
	}
	if err := c.turn.RecordPartial(text); err != nil {
		c.mu.Unlock()
		return
	}
	if n := c.turn.Partials(); c.cfg.Limits.PartialsExceeded(n) {
		c.mu.Unlock()
		c.log.Warn().Int("partials", n).Int("max", c.cfg.Limits.MaxPartials).Msg("Turn exceeded partial limit")
		c.endListening(tok, reasonMaxPartials, "", c.stt.Abort)
		return
	}
	ev := models.TranscriptPartial{
		EventType: models.EventTypeTranscriptPartial,
		SessionID: c.sessionID,
		TurnID:    c.turn.ID(),
		Timestamp: c.clock.Now().UnixMilli(),
		Text:      text,
	}
	notify := c.changedLocked()
	c.mu.Unlock()
	notify()

	if err := c.pub.PublishPartial(c.ctx, ev); err != nil {
		c.log.Warn().Err(err).Str("turnId", ev.TurnID).Msg("Partial transcript not published")
	}
}

func (c *Coordinator) final(tok uint64, text string) {
	c.mu.Lock()
	if tok != c.tok || c.state != StateListening {
		c.mu.Unlock()
		return
	}
	if err := c.turn.RecordFinal(text); err != nil {
		c.mu.Unlock()
		c.log.Debug().Err(err).Msg("Final transcript ignored")
		return
	}
	_ = c.setStateLocked(StateProcessing)
	c.stopTimerLocked()
	now := c.clock.Now()
	ev := models.TranscriptFinal{
		EventType:  models.EventTypeTranscriptFinal,
		SessionID:  c.sessionID,
		TurnID:     c.turn.ID(),
		Timestamp:  now.UnixMilli(),
		Text:       c.turn.Transcript(),
		Provider:   c.cfg.Provider,
		DurationMs: now.Sub(c.turn.StartedAt()).Milliseconds(),
	}
	if c.cfg.ProcessingTimeout > 0 {
		c.procTimer = c.clock.AfterFunc(c.cfg.ProcessingTimeout, func() {
			c.abandon(tok, reasonNoReply, msgNoReply)
		})
	}
	notify := c.changedLocked()
	c.mu.Unlock()

	c.stt.Stop()
	c.stopMonitor()
	c.log.Info().Str("turnId", ev.TurnID).Int64("durationMs", ev.DurationMs).Msg("Final transcript")
	notify()

	if err := c.pub.PublishFinal(c.ctx, ev); err != nil {
		c.log.Error().Err(err).Str("turnId", ev.TurnID).Msg("Final transcript not published")
		c.abandon(tok, reasonPublishFailed, msgPublishFailed)
	}
}

// abandon returns a Processing turn to Idle without a reply.
func (c *Coordinator) abandon(tok uint64, reason, message string) {
	c.mu.Lock()
	if tok != c.tok || c.state != StateProcessing {
		c.mu.Unlock()
		return
	}
	_ = c.setStateLocked(StateIdle)
	c.tok++
	c.stopTimerLocked()
	c.turn.Close()
	c.lastErr = message
	notify := c.changedLocked()
	c.mu.Unlock()

	metrics.DefaultMetrics.RecordTurnDropped(reason)
	c.log.Warn().Str("reason", reason).Msg("Turn abandoned")
	notify()
}

func (c *Coordinator) recognitionError(tok uint64, err error) {
	c.endListening(tok, "error_"+stt.KindOf(err).String(), errorMessage(err), c.stt.Abort)
}

func (c *Coordinator) silence(tok uint64) {
	c.endListening(tok, reasonSilence, "", c.stt.Stop)
}

func (c *Coordinator) speechIdle() {
	c.mu.Lock()
	if c.state != StateSpeaking || c.replies > 0 {
		c.mu.Unlock()
		return
	}
	_ = c.setStateLocked(StateIdle)
	notify := c.changedLocked()
	c.mu.Unlock()
	notify()
}

func (c *Coordinator) stopMonitor() {
	if c.mon != nil {
		c.mon.Stop()
	}
}

func (c *Coordinator) isCurrent(tok uint64, state State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tok == tok && c.state == state
}

func (c *Coordinator) setStateLocked(next State) error {
	if next == c.state {
		return nil
	}
	if !c.state.CanTransitionTo(next) {
		return transitionError(c.state, next)
	}
	metrics.DefaultMetrics.RecordStateTransition(c.state.String(), next.String())
	c.log.Debug().Str("from", c.state.String()).Str("to", next.String()).Msg("State transition")
	c.state = next
	return nil
}

func (c *Coordinator) dropTurnLocked(reason string) {
	if c.turn != nil && c.turn.Drop(reason) {
		metrics.DefaultMetrics.RecordTurnDropped(reason)
	}
}

// stopTimerLocked cancels the listening limit and the processing timeout.
func (c *Coordinator) stopTimerLocked() {
	if c.procTimer != nil {
		c.procTimer.Stop()
		c.procTimer = nil
	}
	if c.listenTimer != nil {
		c.listenTimer.Stop()
		c.listenTimer = nil
	}
}

func (c *Coordinator) buildLocked() Snapshot {
	s := Snapshot{
		Seq:          c.seq,
		State:        c.state,
		IsListening:  c.state == StateListening,
		IsProcessing: c.state == StateProcessing,
		IsSpeaking:   c.state == StateSpeaking,
		IsSupported:  c.supported,
		Error:        c.lastErr,
	}
	if c.turn != nil {
		s.TurnID = c.turn.ID()
		s.Interim = c.turn.Interim()
		s.Transcript = c.turn.Transcript()
	}
	return s
}

// changedLocked bumps the sequence and returns a func that delivers the new
// snapshot. Call it after releasing mu.
func (c *Coordinator) changedLocked() func() {
	c.seq++
	s := c.buildLocked()
	subs := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	return func() {
		for _, fn := range subs {
			fn(s)
		}
	}
}

func errorMessage(err error) string {
	var se *stt.Error
	if errors.As(err, &se) {
		return se.Message()
	}
	return err.Error()
}

// turnCallback routes recognizer events of one turn to the coordinator.
type turnCallback struct {
	c   *Coordinator
	tok uint64
	log zerolog.Logger
}

func (t *turnCallback) OnStart() {
	t.log.Debug().Msg("Recognizer started")
}

func (t *turnCallback) OnResult(text string, isFinal bool) {
	if isFinal {
		t.c.final(t.tok, text)
		return
	}
	t.c.partial(t.tok, text)
}

func (t *turnCallback) OnError(err error) {
	t.c.recognitionError(t.tok, err)
}

func (t *turnCallback) OnEnd() {
	t.c.endListening(t.tok, reasonEnded, "", nil)
}

// OnSilence lets a recognizer with its own endpointing end the turn.
func (t *turnCallback) OnSilence() {
	t.c.silence(t.tok)
}

type nopPublisher struct{}

func (nopPublisher) PublishPartial(context.Context, models.TranscriptPartial) error { return nil }
func (nopPublisher) PublishFinal(context.Context, models.TranscriptFinal) error     { return nil }
