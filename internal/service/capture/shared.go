package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"ai-voice-pipeline-service/internal/observability/logging"
	"ai-voice-pipeline-service/internal/observability/metrics"
)

// subscriberBuffer is the number of frames a slow subscriber may lag before frames are dropped.
const subscriberBuffer = 32

// Shared multiplexes one underlying capture session across several consumers.
//
// The first Open acquires the underlying device; later Opens attach to the same
// session. The underlying stream is released when the last subscriber closes.
// This keeps the monitor and a server-side recognizer on one permission prompt.
type Shared struct {
	dev    Device
	openMu sync.Mutex // serializes acquisition of the underlying stream

	mu         sync.Mutex
	underlying Stream
	subs       map[*sharedStream]struct{}
	log        zerolog.Logger
}

// NewShared wraps dev.
func NewShared(dev Device) *Shared {
	return &Shared{
		dev:  dev,
		subs: make(map[*sharedStream]struct{}),
		log:  logging.WithComponent("capture.shared"),
	}
}

// Supported reports the underlying device capability.
func (s *Shared) Supported() bool {
	return s.dev != nil && s.dev.Supported()
}

// Open attaches a new subscriber, acquiring the device if no session is open.
func (s *Shared) Open(ctx context.Context, c Constraints) (Stream, error) {
	if !s.Supported() {
		return nil, NewAcquisitionError(ReasonUnsupported, nil)
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	if s.underlying != nil {
		sub := s.attachLocked()
		s.mu.Unlock()
		return sub, nil
	}
	s.mu.Unlock()

	st, err := s.dev.Open(ctx, c)
	if err != nil {
		var ae *AcquisitionError
		if errors.As(err, &ae) {
			metrics.DefaultMetrics.RecordAcquisitionFailure(ae.Reason.String())
			return nil, ae
		}
		metrics.DefaultMetrics.RecordAcquisitionFailure(ReasonUnavailable.String())
		return nil, NewAcquisitionError(ReasonUnavailable, err)
	}

	s.mu.Lock()
	s.underlying = st
	sub := s.attachLocked()
	s.mu.Unlock()

	go s.pump(st)

	s.log.Debug().Int("sampleRateHz", st.Format().SampleRateHz).Msg("Capture session opened")
	return sub, nil
}

// Subscribers returns the number of attached consumers.
func (s *Shared) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Shared) attachLocked() *sharedStream {
	sub := &sharedStream{
		parent: s,
		format: s.underlying.Format(),
		ch:     make(chan Frame, subscriberBuffer),
	}
	s.subs[sub] = struct{}{}
	return sub
}

// pump fans frames out until the underlying stream ends.
func (s *Shared) pump(st Stream) {
	for frame := range st.Frames() {
		s.mu.Lock()
		for sub := range s.subs {
			select {
			case sub.ch <- frame:
			default:
				// Drop for a lagging subscriber rather than stall capture.
			}
		}
		s.mu.Unlock()
	}

	// Device lost or released: end every subscriber still attached to this session.
	s.mu.Lock()
	if s.underlying == st {
		for sub := range s.subs {
			sub.closeLocked()
		}
		s.subs = make(map[*sharedStream]struct{})
		s.underlying = nil
	}
	s.mu.Unlock()
}

func (s *Shared) detach(sub *sharedStream) error {
	s.mu.Lock()
	if _, ok := s.subs[sub]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.subs, sub)
	sub.closeLocked()

	var release Stream
	if len(s.subs) == 0 && s.underlying != nil {
		release = s.underlying
		s.underlying = nil
	}
	s.mu.Unlock()

	if release != nil {
		s.log.Debug().Msg("Last subscriber detached, releasing capture session")
		return release.Close()
	}
	return nil
}

type sharedStream struct {
	parent *Shared
	format Format
	ch     chan Frame
	closed bool // guarded by parent.mu
}

func (ss *sharedStream) Format() Format       { return ss.format }
func (ss *sharedStream) Frames() <-chan Frame { return ss.ch }
func (ss *sharedStream) Close() error         { return ss.parent.detach(ss) }

func (ss *sharedStream) closeLocked() {
	if !ss.closed {
		ss.closed = true
		close(ss.ch)
	}
}
