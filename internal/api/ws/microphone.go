package ws

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"ai-voice-pipeline-service/internal/observability/metrics"
	"ai-voice-pipeline-service/internal/service/capture"
)

// micBuffer is the number of frames queued for a slow consumer before frames are dropped.
const micBuffer = 64

var errAcquisitionReplaced = errors.New("ws: microphone request replaced")

// sender queues a message for the client.
type sender interface {
	Send(m Outbound) error
}

// Microphone is the browser's microphone as a capture.Device. At most one
// stream is open; capture.Shared fans it out to several consumers.
type Microphone struct {
	out        sender
	supported  bool
	sampleRate int
	log        zerolog.Logger

	mu      sync.Mutex
	pending chan openResult
	stream  *micStream
	closed  bool
}

type openResult struct {
	stream *micStream
	err    error
}

func newMicrophone(out sender, supported bool, sampleRate int, log zerolog.Logger) *Microphone {
	return &Microphone{out: out, supported: supported, sampleRate: sampleRate, log: log}
}

// Supported reports whether the client announced a microphone.
func (m *Microphone) Supported() bool {
	return m.supported
}

// Open asks the browser for the microphone and waits for the grant or denial.
func (m *Microphone) Open(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	if !m.supported {
		return nil, capture.NewAcquisitionError(capture.ReasonUnsupported, nil)
	}
	if c.SampleRateHz == 0 {
		c.SampleRateHz = m.sampleRate
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, capture.NewAcquisitionError(capture.ReasonUnavailable, capture.ErrStreamClosed)
	}
	prev, prevPending := m.stream, m.pending
	m.stream = nil
	ch := make(chan openResult, 1)
	m.pending = ch
	m.mu.Unlock()

	if prevPending != nil {
		prevPending <- openResult{err: capture.NewAcquisitionError(capture.ReasonUnavailable, errAcquisitionReplaced)}
	}
	if prev != nil {
		prev.end()
	}

	if err := m.out.Send(Outbound{Type: TypeMicOpen, Constraints: &c}); err != nil {
		m.clearPending(ch)
		return nil, capture.NewAcquisitionError(capture.ReasonUnavailable, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		m.log.Debug().Int("sampleRate", r.stream.format.SampleRateHz).Msg("Microphone opened")
		return r.stream, nil
	case <-ctx.Done():
		if m.clearPending(ch) {
			_ = m.out.Send(Outbound{Type: TypeMicClose})
			return nil, capture.NewAcquisitionError(capture.ReasonUnavailable, ctx.Err())
		}
		// The grant raced the cancellation.
		r := <-ch
		if r.stream != nil {
			_ = r.stream.Close()
		}
		return nil, capture.NewAcquisitionError(capture.ReasonUnavailable, ctx.Err())
	}
}

func (m *Microphone) clearPending(ch chan openResult) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != ch {
		return false
	}
	m.pending = nil
	return true
}

func (m *Microphone) opened(msg Inbound) {
	m.mu.Lock()
	ch := m.pending
	m.pending = nil
	if ch == nil {
		m.mu.Unlock()
		m.log.Debug().Msg("Unrequested microphone grant, releasing")
		_ = m.out.Send(Outbound{Type: TypeMicClose})
		return
	}
	rate := msg.SampleRate
	if rate <= 0 {
		rate = m.sampleRate
	}
	st := &micStream{
		mic:    m,
		format: capture.Format{SampleRateHz: rate, Channels: 1},
		ch:     make(chan capture.Frame, micBuffer),
	}
	m.stream = st
	m.mu.Unlock()

	ch <- openResult{stream: st}
}

func (m *Microphone) failed(msg Inbound) {
	ae := capture.NewAcquisitionError(reasonFor(msg.Name), errors.New(msg.Name+": "+msg.Message))

	m.mu.Lock()
	ch, st := m.pending, m.stream
	m.pending = nil
	if ch == nil {
		m.stream = nil
	}
	m.mu.Unlock()

	if ch != nil {
		ch <- openResult{err: ae}
		return
	}
	if st != nil {
		m.log.Warn().Err(ae).Msg("Microphone lost")
		st.end()
	}
}

// audio decodes one binary frame of little-endian PCM16 into the open stream.
func (m *Microphone) audio(data []byte) {
	m.mu.Lock()
	st := m.stream
	m.mu.Unlock()
	if st == nil || len(data) < 2 {
		return
	}
	metrics.DefaultMetrics.RecordAudioReceived(len(data))
	frame := make(capture.Frame, len(data)/2)
	for i := range frame {
		frame[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	st.push(frame)
}

func (m *Microphone) release(st *micStream) {
	m.mu.Lock()
	current := m.stream == st
	if current {
		m.stream = nil
	}
	m.mu.Unlock()
	if current {
		_ = m.out.Send(Outbound{Type: TypeMicClose})
	}
}

func (m *Microphone) shutdown() {
	m.mu.Lock()
	m.closed = true
	ch, st := m.pending, m.stream
	m.pending, m.stream = nil, nil
	m.mu.Unlock()

	if ch != nil {
		ch <- openResult{err: capture.NewAcquisitionError(capture.ReasonUnavailable, capture.ErrStreamClosed)}
	}
	if st != nil {
		st.end()
	}
}

// reasonFor maps a getUserMedia DOMException name to a reason.
func reasonFor(name string) capture.Reason {
	switch name {
	case "NotAllowedError", "SecurityError", "PermissionDeniedError":
		return capture.ReasonPermissionDenied
	case "NotFoundError", "OverconstrainedError", "DevicesNotFoundError":
		return capture.ReasonNoDevice
	case "NotSupportedError", "TypeError":
		return capture.ReasonUnsupported
	default:
		return capture.ReasonUnavailable
	}
}

type micStream struct {
	mic    *Microphone
	format capture.Format
	ch     chan capture.Frame

	mu     sync.Mutex
	closed bool
	drops  int
}

func (s *micStream) Format() capture.Format       { return s.format }
func (s *micStream) Frames() <-chan capture.Frame { return s.ch }

func (s *micStream) Close() error {
	if !s.end() {
		return nil
	}
	s.mic.release(s)
	return nil
}

// end closes the frame channel. Reports whether this call closed it.
func (s *micStream) end() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

func (s *micStream) push(f capture.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- f:
	default:
		s.drops++
	}
}
