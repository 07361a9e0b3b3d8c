package ws

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"ai-voice-pipeline-service/internal/service/tts"
)

var (
	errUtteranceCanceled = errors.New("ws: utterance canceled")
	errSpeechClosed      = errors.New("ws: connection closed")
)

// Speech is the browser's speech synthesizer as a tts.Synthesizer.
type Speech struct {
	out       sender
	supported bool
	log       zerolog.Logger

	mu       sync.Mutex
	voices   []tts.Voice
	onVoices func()
	pending  map[string]func(error)
	closed   bool
}

func newSpeech(out sender, supported bool, log zerolog.Logger) *Speech {
	return &Speech{
		out:       out,
		supported: supported,
		log:       log,
		pending:   make(map[string]func(error)),
	}
}

// Supported reports whether the client announced speech synthesis.
func (s *Speech) Supported() bool {
	return s.supported
}

// Voices returns a copy of the client's voice catalog.
func (s *Speech) Voices() []tts.Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tts.Voice(nil), s.voices...)
}

// OnVoicesChanged sets the hook fired when the client reports its catalog.
func (s *Speech) OnVoicesChanged(fn func()) {
	s.mu.Lock()
	s.onVoices = fn
	s.mu.Unlock()
}

// Speak sends u to the browser. done runs when the browser reports the end
// of u, when u is canceled, or when the connection goes away.
func (s *Speech) Speak(u tts.Utterance, done func(error)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		done(errSpeechClosed)
		return
	}
	s.pending[u.ID] = done
	s.mu.Unlock()

	if err := s.out.Send(Outbound{Type: TypeSpeak, Utterance: &u}); err != nil {
		if fn := s.take(u.ID); fn != nil {
			fn(err)
		}
	}
}

// Cancel fails every pending utterance and tells the client to stop.
func (s *Speech) Cancel() {
	s.failAll(errUtteranceCanceled)
	_ = s.out.Send(Outbound{Type: TypeSpeechCancel})
}

// Pause asks the client to pause playback.
func (s *Speech) Pause() {
	_ = s.out.Send(Outbound{Type: TypeSpeechPause})
}

// Resume asks the client to resume playback.
func (s *Speech) Resume() {
	_ = s.out.Send(Outbound{Type: TypeSpeechResume})
}

func (s *Speech) voicesChanged(msg Inbound) {
	s.mu.Lock()
	s.voices = append([]tts.Voice(nil), msg.Voices...)
	fn := s.onVoices
	s.mu.Unlock()

	s.log.Debug().Int("voices", len(msg.Voices)).Msg("Voice catalog updated")
	if fn != nil {
		fn()
	}
}

func (s *Speech) utteranceEnded(msg Inbound) {
	if fn := s.take(msg.ID); fn != nil {
		fn(nil)
	}
}

func (s *Speech) utteranceFailed(msg Inbound) {
	fn := s.take(msg.ID)
	if fn == nil {
		return
	}
	// interrupted and canceled are the browser's report of our own cancel
	if msg.Code == "interrupted" || msg.Code == "canceled" {
		fn(errUtteranceCanceled)
		return
	}
	fn(errors.New("ws: utterance " + msg.Code + ": " + msg.Message))
}

func (s *Speech) take(id string) func(error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	return fn
}

func (s *Speech) failAll(err error) {
	s.mu.Lock()
	fns := make([]func(error), 0, len(s.pending))
	for id, fn := range s.pending {
		fns = append(fns, fn)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

func (s *Speech) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.failAll(errSpeechClosed)
}
