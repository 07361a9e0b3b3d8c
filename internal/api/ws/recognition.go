package ws

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"ai-voice-pipeline-service/internal/service/stt"
)

var errRecognitionClosed = errors.New("ws: connection closed")

// Recognition is the browser's speech recognizer as an stt.Service. Each run
// gets an id the client echoes on its events; events for other ids are stale.
type Recognition struct {
	out       sender
	supported bool
	log       zerolog.Logger

	mu     sync.Mutex
	seq    int
	active string
	l      stt.Listener
	closed bool
}

func newRecognition(out sender, supported bool, log zerolog.Logger) *Recognition {
	return &Recognition{out: out, supported: supported, log: log}
}

// Supported reports whether the client announced speech recognition.
func (r *Recognition) Supported() bool { return r.supported }

// Name identifies the recognizer in transcript events.
func (r *Recognition) Name() string { return "browser" }

// Open starts a recognition run in the browser. Start, results and the end
// event arrive asynchronously through l.
func (r *Recognition) Open(ctx context.Context, cfg stt.Config, l stt.Listener) (stt.Session, error) {
	if !r.supported {
		return nil, &stt.Error{Kind: stt.KindUnsupported}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errRecognitionClosed
	}
	r.seq++
	id := "rec-" + strconv.Itoa(r.seq)
	r.active, r.l = id, l
	r.mu.Unlock()

	if err := r.out.Send(Outbound{Type: TypeRecognitionOpen, ID: id, Recognition: &cfg}); err != nil {
		r.detach(id)
		return nil, err
	}
	return &recognitionRun{r: r, id: id}, nil
}

func (r *Recognition) listener(id string) stt.Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != r.active {
		return nil
	}
	return r.l
}

func (r *Recognition) detach(id string) stt.Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != r.active {
		return nil
	}
	l := r.l
	r.active, r.l = "", nil
	return l
}

func (r *Recognition) started(msg Inbound) {
	if l := r.listener(msg.ID); l != nil {
		l.OnStart()
	}
}

func (r *Recognition) result(msg Inbound) {
	if l := r.listener(msg.ID); l != nil {
		l.OnResult(stt.Batch{ResultIndex: msg.ResultIndex, Results: msg.Results})
	}
}

func (r *Recognition) failed(msg Inbound) {
	if l := r.listener(msg.ID); l != nil {
		r.log.Debug().Str("code", msg.Code).Str("message", msg.Message).Msg("Browser recognition error")
		l.OnError(msg.Code, msg.Message)
	}
}

func (r *Recognition) ended(msg Inbound) {
	if l := r.detach(msg.ID); l != nil {
		l.OnEnd()
	}
}

// shutdown ends the active run as if the browser had reported a network loss.
func (r *Recognition) shutdown() {
	r.mu.Lock()
	r.closed = true
	l := r.l
	r.active, r.l = "", nil
	r.mu.Unlock()

	if l != nil {
		l.OnError(stt.CodeNetwork, errRecognitionClosed.Error())
		l.OnEnd()
	}
}

type recognitionRun struct {
	r  *Recognition
	id string
}

func (s *recognitionRun) Stop() error {
	return s.r.out.Send(Outbound{Type: TypeRecognitionStop, ID: s.id})
}

func (s *recognitionRun) Abort() error {
	s.r.detach(s.id)
	return s.r.out.Send(Outbound{Type: TypeRecognitionAbort, ID: s.id})
}
