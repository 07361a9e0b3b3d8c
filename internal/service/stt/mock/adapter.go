// Package mock provides a simulated recognition service for running without
// cloud credentials. Each session plays one scripted utterance as progressive
// interim results followed by exactly one final result.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"ai-voice-pipeline-service/internal/service/stt"
)

// SimulatedUtterance is a scripted utterance. An utterance without partials
// or final text simulates a session in which nobody spoke.
type SimulatedUtterance struct {
	Partials []string
	Final    string
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials: []string{"Show me", "Show me SUVs", "Show me SUVs under"},
		Final:    "Show me SUVs under thirty thousand",
	},
	{
		Partials: []string{"Do you", "Do you have any", "Do you have any electric"},
		Final:    "Do you have any electric cars",
	},
	{
		Partials: []string{"I'd like", "I'd like to book", "I'd like to book a test"},
		Final:    "I'd like to book a test drive",
	},
	{
		Partials: []string{"What are", "What are your financing"},
		Final:    "What are your financing options",
	},
	{
		Partials: []string{"Thank you"},
		Final:    "Thank you very much",
	},
}

// Option configures the Service.
type Option func(*Service)

// WithClock sets the clock pacing simulated results.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithUtterances replaces the script.
func WithUtterances(u []SimulatedUtterance) Option {
	return func(s *Service) { s.utterances = u }
}

// WithResultDelay sets the delay between simulated results.
func WithResultDelay(d time.Duration) Option {
	return func(s *Service) { s.delay = d }
}

// Service implements stt.Service with scripted responses. Sessions cycle
// through the script.
type Service struct {
	clock      clockwork.Clock
	utterances []SimulatedUtterance
	delay      time.Duration

	mu      sync.Mutex
	counter int
}

// New creates a mock recognition service.
func New(opts ...Option) *Service {
	s := &Service{
		clock:      clockwork.NewRealClock(),
		utterances: DefaultUtterances,
		delay:      300 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Supported reports whether the recognizer can run.
func (s *Service) Supported() bool { return true }

// Name identifies the recognizer in transcript events.
func (s *Service) Name() string { return "mock" }

// Open starts a simulated session.
func (s *Service) Open(ctx context.Context, cfg stt.Config, l stt.Listener) (stt.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var utt SimulatedUtterance
	if len(s.utterances) > 0 {
		utt = s.utterances[s.counter%len(s.utterances)]
	}
	s.counter++
	s.mu.Unlock()

	sess := &session{
		clock:     s.clock,
		delay:     s.delay,
		cfg:       cfg,
		utterance: utt,
		listener:  l,
		stopCh:    make(chan struct{}),
		abortCh:   make(chan struct{}),
	}
	go sess.run()
	return sess, nil
}

type session struct {
	clock     clockwork.Clock
	delay     time.Duration
	cfg       stt.Config
	utterance SimulatedUtterance
	listener  stt.Listener

	stopOnce  sync.Once
	abortOnce sync.Once
	stopCh    chan struct{}
	abortCh   chan struct{}
}

func (s *session) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

func (s *session) Abort() error {
	s.abortOnce.Do(func() { close(s.abortCh) })
	return nil
}

func (s *session) run() {
	l := s.listener
	l.OnStart()

	utt := s.utterance
	if len(utt.Partials) == 0 && utt.Final == "" {
		if !s.wait() {
			s.finish(false)
			return
		}
		l.OnError(stt.CodeNoSpeech, "no speech simulated")
		l.OnEnd()
		return
	}

	if s.cfg.InterimResults {
		for _, p := range utt.Partials {
			if !s.wait() {
				s.finish(true)
				return
			}
			l.OnResult(stt.Batch{Results: []stt.Result{{Transcript: p}}})
		}
	}

	// A stop before the utterance ends still flushes the final result.
	finalSent := false
	if s.wait() {
		l.OnResult(stt.Batch{Results: []stt.Result{{Transcript: utt.Final, IsFinal: true}}})
		finalSent = true
	}
	if !s.cfg.Continuous && finalSent {
		l.OnEnd()
		return
	}
	if !finalSent {
		s.finish(true)
		return
	}

	select {
	case <-s.stopCh:
		l.OnEnd()
	case <-s.abortCh:
		l.OnError(stt.CodeAborted, "")
		l.OnEnd()
	}
}

// wait sleeps one result delay; false means Stop or Abort interrupted it.
func (s *session) wait() bool {
	t := s.clock.NewTimer(s.delay)
	defer t.Stop()
	select {
	case <-t.Chan():
		return true
	case <-s.stopCh:
		return false
	case <-s.abortCh:
		return false
	}
}

// finish ends an interrupted session. A stop flushes the final result when
// flush is set; an abort reports the native aborted code.
func (s *session) finish(flush bool) {
	select {
	case <-s.abortCh:
		s.listener.OnError(stt.CodeAborted, "")
	default:
		if flush && s.utterance.Final != "" {
			s.listener.OnResult(stt.Batch{Results: []stt.Result{{Transcript: s.utterance.Final, IsFinal: true}}})
		}
	}
	s.listener.OnEnd()
}
