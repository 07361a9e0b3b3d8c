// Package tts queues utterances for a speech synthesizer.
//
// The Engine keeps exactly one utterance active on the synthesizer and plays
// the rest in FIFO order. A high-priority utterance cuts the active one and
// clears the queue.
package tts

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-voice-pipeline-service/internal/observability/logging"
	"ai-voice-pipeline-service/internal/observability/metrics"
)

// ErrQueueFull is returned by Speak when a queue cap is configured and reached.
var ErrQueueFull = errors.New("tts: utterance queue full")

// Voice is one entry of the synthesizer's voice catalog.
type Voice struct {
	Name         string `json:"name"`
	Lang         string `json:"lang"`
	LocalService bool   `json:"localService"`
	Default      bool   `json:"default"`
}

// Utterance is one unit of text submitted for playback.
type Utterance struct {
	ID     string  `json:"id"`
	Text   string  `json:"text"`
	Voice  *Voice  `json:"voice,omitempty"` // nil selects the platform default
	Rate   float64 `json:"rate"`
	Pitch  float64 `json:"pitch"`
	Volume float64 `json:"volume"`
	Lang   string  `json:"lang"`
}

// Synthesizer is the native speech synthesis capability.
type Synthesizer interface {
	Supported() bool

	// Voices returns the catalog, possibly empty until it loads.
	Voices() []Voice

	// OnVoicesChanged registers fn to run when the catalog (re)loads.
	OnVoicesChanged(fn func())

	// Speak plays u and calls done exactly once when it ends, with a non-nil
	// error if playback failed or was interrupted.
	Speak(u Utterance, done func(error))

	Cancel()
	Pause()
	Resume()
}

// Priority of a Speak request.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Config holds playback defaults.
type Config struct {
	PreferredVoices []string
	Locale          string
	Rate            float64
	Pitch           float64
	Volume          float64
	MaxQueue        int // 0 means unbounded
}

// DefaultConfig returns the playback defaults.
func DefaultConfig() Config {
	return Config{
		PreferredVoices: []string{
			"Google US English",
			"Microsoft Zira - English (United States)",
			"Samantha",
			"Alex",
		},
		Locale: "en-US",
		Rate:   1.0,
		Pitch:  1.0,
		Volume: 1.0,
	}
}

type speakOptions struct {
	priority Priority
}

// SpeakOption configures a single Speak call.
type SpeakOption func(*speakOptions)

// WithPriority sets the request priority.
func WithPriority(p Priority) SpeakOption {
	return func(o *speakOptions) { o.priority = p }
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine serializes utterances onto a Synthesizer. On an unsupported platform
// every operation is a no-op.
type Engine struct {
	synth     Synthesizer
	cfg       Config
	log       zerolog.Logger
	supported bool

	mu      sync.Mutex
	voice   *Voice
	queue   []Utterance
	current *Utterance
	seq     uint64 // completion token of the active utterance
	onIdle  func()
}

// New creates an engine over synth and selects a voice from the catalog, now
// or when it loads.
func New(synth Synthesizer, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		synth: synth,
		cfg:   cfg,
		log:   logging.WithComponent("tts"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.supported = synth != nil && synth.Supported()
	if e.supported {
		synth.OnVoicesChanged(e.selectVoice)
		e.selectVoice()
	}
	return e
}

// Supported reports whether synthesis is available.
func (e *Engine) Supported() bool {
	return e.supported
}

// Speaking reports whether an utterance is active.
func (e *Engine) Speaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// QueueLen returns the number of utterances waiting behind the active one.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Voice returns the selected voice, nil for the platform default.
func (e *Engine) Voice() *Voice {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.voice == nil {
		return nil
	}
	v := *e.voice
	return &v
}

// OnIdle sets the hook fired when the last queued utterance finishes.
// It does not fire on Cancel.
func (e *Engine) OnIdle(fn func()) {
	e.mu.Lock()
	e.onIdle = fn
	e.mu.Unlock()
}

// Speak plays text now or queues it behind the active utterance.
func (e *Engine) Speak(text string, opts ...SpeakOption) error {
	if !e.supported {
		return nil
	}
	o := speakOptions{priority: PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}

	e.mu.Lock()
	u := e.newUtteranceLocked(text)

	interrupted := false
	if o.priority == PriorityHigh {
		dropped := len(e.queue)
		if e.current != nil {
			dropped++
			interrupted = true
		}
		e.queue = nil
		e.current = nil
		e.seq++
		metrics.DefaultMetrics.RecordUtterancesCancelled(dropped)
	}

	if e.current != nil {
		if e.cfg.MaxQueue > 0 && len(e.queue) >= e.cfg.MaxQueue {
			e.mu.Unlock()
			metrics.DefaultMetrics.RecordUtteranceRejected()
			return ErrQueueFull
		}
		e.queue = append(e.queue, u)
		metrics.DefaultMetrics.SetQueueDepth(len(e.queue))
		e.mu.Unlock()
		return nil
	}

	e.current = &u
	e.seq++
	tok := e.seq
	metrics.DefaultMetrics.SetQueueDepth(0)
	e.mu.Unlock()

	if interrupted {
		e.synth.Cancel()
	}
	e.dispatch(u, tok)
	return nil
}

func (e *Engine) newUtteranceLocked(text string) Utterance {
	u := Utterance{
		ID:     uuid.NewString(),
		Text:   text,
		Rate:   e.cfg.Rate,
		Pitch:  e.cfg.Pitch,
		Volume: e.cfg.Volume,
		Lang:   e.cfg.Locale,
	}
	if e.voice != nil {
		v := *e.voice
		u.Voice = &v
	}
	return u
}

func (e *Engine) dispatch(u Utterance, tok uint64) {
	metrics.DefaultMetrics.RecordUtteranceSpoken()
	e.log.Debug().Str("utteranceId", u.ID).Int("chars", len(u.Text)).Msg("Speaking utterance")
	e.synth.Speak(u, func(err error) { e.complete(tok, err) })
}

// complete handles the end of the utterance dispatched with tok.
func (e *Engine) complete(tok uint64, err error) {
	e.mu.Lock()
	if tok != e.seq || e.current == nil {
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.log.Warn().Err(err).Str("utteranceId", e.current.ID).Msg("Utterance failed")
	}

	if len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.current = &next
		e.seq++
		nt := e.seq
		metrics.DefaultMetrics.SetQueueDepth(len(e.queue))
		e.mu.Unlock()
		e.dispatch(next, nt)
		return
	}

	e.current = nil
	idle := e.onIdle
	e.mu.Unlock()

	if idle != nil {
		idle()
	}
}

// Cancel clears the queue and halts playback. Idempotent.
func (e *Engine) Cancel() {
	if !e.supported {
		return
	}
	e.mu.Lock()
	dropped := len(e.queue)
	if e.current != nil {
		dropped++
	}
	e.queue = nil
	e.current = nil
	e.seq++
	e.mu.Unlock()

	if dropped > 0 {
		metrics.DefaultMetrics.RecordUtterancesCancelled(dropped)
		metrics.DefaultMetrics.SetQueueDepth(0)
	}
	e.synth.Cancel()
}

// Pause pauses playback. No-op unless speaking.
func (e *Engine) Pause() {
	if e.Speaking() {
		e.synth.Pause()
	}
}

// Resume resumes playback. No-op unless speaking.
func (e *Engine) Resume() {
	if e.Speaking() {
		e.synth.Resume()
	}
}

func (e *Engine) selectVoice() {
	voices := e.synth.Voices()
	if len(voices) == 0 {
		return
	}
	v := chooseVoice(voices, e.cfg.PreferredVoices)

	e.mu.Lock()
	e.voice = v
	e.mu.Unlock()

	if v != nil {
		e.log.Info().Str("voice", v.Name).Str("lang", v.Lang).Msg("Voice selected")
	}
}

// chooseVoice picks the first voice whose name contains a preferred name, in
// preference order, then the first local English voice, then the first voice.
func chooseVoice(voices []Voice, preferred []string) *Voice {
	for _, p := range preferred {
		for i := range voices {
			if strings.Contains(voices[i].Name, p) {
				v := voices[i]
				return &v
			}
		}
	}
	for i := range voices {
		if strings.HasPrefix(voices[i].Lang, "en") && voices[i].LocalService {
			v := voices[i]
			return &v
		}
	}
	if len(voices) > 0 {
		v := voices[0]
		return &v
	}
	return nil
}
