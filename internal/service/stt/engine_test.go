package stt

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"ai-voice-pipeline-service/internal/service/capture"
)

type fakeSession struct {
	mu       sync.Mutex
	stops    int
	aborts   int
	stopErr  error
	abortErr error
}

func (s *fakeSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return s.stopErr
}

func (s *fakeSession) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
	return s.abortErr
}

func (s *fakeSession) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops, s.aborts
}

type fakeService struct {
	supported bool
	openErr   error
	onOpen    func(l Listener)

	mu        sync.Mutex
	cfgs      []Config
	listeners []Listener
	sessions  []*fakeSession
}

func (s *fakeService) Supported() bool { return s.supported }
func (s *fakeService) Name() string    { return "fake" }

func (s *fakeService) Open(ctx context.Context, cfg Config, l Listener) (Session, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	sess := &fakeSession{}
	s.mu.Lock()
	s.cfgs = append(s.cfgs, cfg)
	s.listeners = append(s.listeners, l)
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()
	if s.onOpen != nil {
		s.onOpen(l)
	}
	return sess, nil
}

func (s *fakeService) listener(i int) Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners[i]
}

func (s *fakeService) session(i int) *fakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[i]
}

// recorder implements Callback and records events in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []error
	onRes  func(text string, isFinal bool)
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) OnStart() { r.add("start") }
func (r *recorder) OnResult(text string, isFinal bool) {
	r.add(fmt.Sprintf("result(%q,%v)", text, isFinal))
	if r.onRes != nil {
		r.onRes(text, isFinal)
	}
}
func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.add("error(" + KindOf(err).String() + ")")
}
func (r *recorder) OnEnd() { r.add("end") }

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestEngine(svc *fakeService) (*Engine, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return NewEngine(svc, DefaultConfig(), WithClock(clock)), clock
}

func TestReduce(t *testing.T) {
	tests := []struct {
		name      string
		batch     Batch
		wantText  string
		wantFinal bool
		wantOK    bool
	}{
		{
			name: "two interims and one final",
			batch: Batch{Results: []Result{
				{Transcript: "show me"}, {Transcript: " sedans"}, {Transcript: "show me sedans", IsFinal: true},
			}},
			wantText: "show me sedans", wantFinal: true, wantOK: true,
		},
		{
			name: "finals joined from result index",
			batch: Batch{ResultIndex: 1, Results: []Result{
				{Transcript: "old", IsFinal: true}, {Transcript: " book a", IsFinal: true}, {Transcript: "test drive ", IsFinal: true},
			}},
			wantText: "book a test drive", wantFinal: true, wantOK: true,
		},
		{
			name:     "interims concatenated",
			batch:    Batch{Results: []Result{{Transcript: "I want"}, {Transcript: " a truck"}}},
			wantText: "I want a truck", wantOK: true,
		},
		{
			name:   "empty batch",
			batch:  Batch{},
			wantOK: false,
		},
		{
			name:   "index past end",
			batch:  Batch{ResultIndex: 3, Results: []Result{{Transcript: "x", IsFinal: true}}},
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, isFinal, ok := reduce(tt.batch)
			if text != tt.wantText || isFinal != tt.wantFinal || ok != tt.wantOK {
				t.Errorf("reduce() = (%q, %v, %v), want (%q, %v, %v)",
					text, isFinal, ok, tt.wantText, tt.wantFinal, tt.wantOK)
			}
		})
	}
}

func TestEngine_StartUsesConversationalConfig(t *testing.T) {
	svc := &fakeService{supported: true}
	e, _ := newTestEngine(svc)

	if err := e.Start(context.Background(), &recorder{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cfg := svc.cfgs[0]
	if !cfg.Continuous || !cfg.InterimResults || cfg.Locale != "en-US" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if !e.Listening() {
		t.Error("expected listening")
	}
}

func TestEngine_BatchReportsSingleFinal(t *testing.T) {
	svc := &fakeService{supported: true}
	e, _ := newTestEngine(svc)
	rec := &recorder{}
	_ = e.Start(context.Background(), rec)

	l := svc.listener(0)
	l.OnStart()
	l.OnResult(Batch{Results: []Result{
		{Transcript: "find"}, {Transcript: " suvs"}, {Transcript: "find suvs under 30k", IsFinal: true},
	}})

	want := []string{"start", `result("find suvs under 30k",true)`}
	if got := rec.got(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestEngine_StartPrecedesResults(t *testing.T) {
	svc := &fakeService{supported: true}
	e, _ := newTestEngine(svc)
	rec := &recorder{}
	_ = e.Start(context.Background(), rec)

	l := svc.listener(0)
	l.OnResult(Batch{Results: []Result{{Transcript: "hello"}}})
	l.OnStart() // late native start is not repeated
	l.OnResult(Batch{Results: []Result{{Transcript: "hello there"}}})

	want := []string{"start", `result("hello",false)`, `result("hello there",false)`}
	if got := rec.got(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestEngine_Unsupported(t *testing.T) {
	svc := &fakeService{supported: false}
	e, _ := newTestEngine(svc)
	rec := &recorder{}

	err := e.Start(context.Background(), rec)
	if KindOf(err) != KindUnsupported {
		t.Fatalf("expected unsupported, got %v", err)
	}
	if got := rec.got(); !reflect.DeepEqual(got, []string{"error(unsupported)"}) {
		t.Errorf("events = %v", got)
	}
	if len(svc.cfgs) != 0 {
		t.Error("native service opened while unsupported")
	}
	if e.Listening() {
		t.Error("listening while unsupported")
	}
}

func TestEngine_StartFailures(t *testing.T) {
	tests := []struct {
		name    string
		openErr error
		kind    Kind
		message string
	}{
		{
			name:    "permission denied",
			openErr: capture.NewAcquisitionError(capture.ReasonPermissionDenied, nil),
			kind:    KindPermissionDenied,
			message: "Microphone permission denied. Please enable microphone access.",
		},
		{
			name:    "no device",
			openErr: capture.NewAcquisitionError(capture.ReasonNoDevice, nil),
			kind:    KindAudioCapture,
			message: "Microphone not found. Please check your microphone.",
		},
		{
			name:    "opaque",
			openErr: errors.New("dial failed"),
			kind:    KindStartFailed,
			message: "Failed to start speech recognition",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{supported: true, openErr: tt.openErr}
			e, _ := newTestEngine(svc)
			rec := &recorder{}

			err := e.Start(context.Background(), rec)
			var se *Error
			if !errors.As(err, &se) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if se.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", se.Kind, tt.kind)
			}
			if se.Message() != tt.message {
				t.Errorf("message = %q, want %q", se.Message(), tt.message)
			}
			if len(rec.errs) != 1 {
				t.Errorf("expected one OnError, got %d", len(rec.errs))
			}
			if e.Listening() {
				t.Error("listening after failed start")
			}
		})
	}
}

func TestEngine_NativeErrorCodes(t *testing.T) {
	tests := []struct {
		code    string
		kind    Kind
		message string
	}{
		{CodeNoSpeech, KindNoSpeech, "No speech detected. Please try again."},
		{CodeAudioCapture, KindAudioCapture, "Microphone not found. Please check your microphone."},
		{CodeNotAllowed, KindPermissionDenied, "Microphone permission denied. Please enable microphone access."},
		{CodeServiceNotAllowed, KindPermissionDenied, "Microphone permission denied. Please enable microphone access."},
		{CodeNetwork, KindNetwork, "Network error. Please check your connection."},
		{"bad-grammar", KindUnknown, "Speech recognition error: bad-grammar"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			svc := &fakeService{supported: true}
			e, _ := newTestEngine(svc)
			rec := &recorder{}
			_ = e.Start(context.Background(), rec)

			svc.listener(0).OnError(tt.code, "native detail")

			if len(rec.errs) != 1 {
				t.Fatalf("expected one error, got %d", len(rec.errs))
			}
			var se *Error
			if !errors.As(rec.errs[0], &se) {
				t.Fatalf("expected *Error, got %v", rec.errs[0])
			}
			if se.Kind != tt.kind || se.Message() != tt.message {
				t.Errorf("got (%s, %q), want (%s, %q)", se.Kind, se.Message(), tt.kind, tt.message)
			}
		})
	}
}

func TestEngine_GracefulStop(t *testing.T) {
	svc := &fakeService{supported: true}
	e, _ := newTestEngine(svc)
	rec := &recorder{}
	_ = e.Start(context.Background(), rec)
	l := svc.listener(0)
	l.OnStart()

	e.Stop()
	if !e.Listening() {
		t.Error("listening should stay true until the native end event")
	}

	e.Stop()
	if stops, _ := svc.session(0).counts(); stops != 1 {
		t.Errorf("native stop invoked %d times, want 1", stops)
	}

	l.OnResult(Batch{Results: []Result{{Transcript: "late", IsFinal: true}}})
	l.OnError(CodeAborted, "")
	l.OnEnd()

	if e.Listening() {
		t.Error("still listening after end")
	}
	want := []string{"start", "end"}
	if got := rec.got(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestEngine_StopTimeoutForcesEnd(t *testing.T) {
	svc := &fakeService{supported: true}
	e, clock := newTestEngine(svc)
	rec := &recorder{}
	_ = e.Start(context.Background(), rec)
	svc.listener(0).OnStart()

	e.Stop()
	clock.Advance(DefaultConfig().StopTimeout)

	// The timeout callback runs on its own goroutine.
	deadline := time.Now().Add(time.Second)
	for e.Listening() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.Listening() {
		t.Fatal("still listening after stop timeout")
	}
	for len(rec.got()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, aborts := svc.session(0).counts(); aborts != 1 {
		t.Errorf("expected native abort after timeout, got %d", aborts)
	}

	// The real end arriving later is ignored.
	svc.listener(0).OnEnd()
	want := []string{"start", "end"}
	if got := rec.got(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestEngine_StopWhenIdleIsNoop(t *testing.T) {
	svc := &fakeService{supported: true}
	e, _ := newTestEngine(svc)
	e.Stop()
	e.Abort()
	if e.Listening() {
		t.Error("listening after idle stop")
	}
}

func TestEngine_AbortIsImmediateAndSwallowsErrors(t *testing.T) {
	svc := &fakeService{supported: true}
	e, _ := newTestEngine(svc)
	rec := &recorder{}
	_ = e.Start(context.Background(), rec)
	sess := svc.session(0)
	sess.abortErr = errors.New("already stopped")
	l := svc.listener(0)

	e.Abort()
	if e.Listening() {
		t.Error("listening after abort")
	}

	l.OnResult(Batch{Results: []Result{{Transcript: "trailing", IsFinal: true}}})
	l.OnError(CodeAborted, "")
	l.OnEnd()
	if got := rec.got(); len(got) != 0 {
		t.Errorf("expected no callbacks after abort, got %v", got)
	}
	if _, aborts := sess.counts(); aborts != 1 {
		t.Errorf("native abort invoked %d times, want 1", aborts)
	}
}

func TestEngine_StartWhileListeningAbortsPrior(t *testing.T) {
	svc := &fakeService{supported: true}
	e, _ := newTestEngine(svc)
	first, second := &recorder{}, &recorder{}

	_ = e.Start(context.Background(), first)
	_ = e.Start(context.Background(), second)

	if _, aborts := svc.session(0).counts(); aborts != 1 {
		t.Errorf("prior session not aborted")
	}

	svc.listener(0).OnResult(Batch{Results: []Result{{Transcript: "stale", IsFinal: true}}})
	svc.listener(1).OnResult(Batch{Results: []Result{{Transcript: "fresh", IsFinal: true}}})

	if got := first.got(); len(got) != 0 {
		t.Errorf("stale session delivered %v", got)
	}
	want := []string{"start", `result("fresh",true)`}
	if got := second.got(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if !e.Listening() {
		t.Error("expected listening")
	}
}

func TestEngine_StopFromInsideCallback(t *testing.T) {
	svc := &fakeService{supported: true}
	e, _ := newTestEngine(svc)
	rec := &recorder{}
	rec.onRes = func(_ string, isFinal bool) {
		if isFinal {
			e.Stop()
		}
	}
	_ = e.Start(context.Background(), rec)

	done := make(chan struct{})
	go func() {
		svc.listener(0).OnResult(Batch{Results: []Result{{Transcript: "done", IsFinal: true}}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop from callback deadlocked")
	}
	if stops, _ := svc.session(0).counts(); stops != 1 {
		t.Errorf("expected native stop from callback")
	}
}

func TestEngine_EndDuringOpen(t *testing.T) {
	svc := &fakeService{supported: true}
	svc.onOpen = func(l Listener) {
		l.OnStart()
		l.OnEnd()
	}
	e, _ := newTestEngine(svc)
	rec := &recorder{}

	if err := e.Start(context.Background(), rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.Listening() {
		t.Error("listening after session ended during open")
	}
	want := []string{"start", "end"}
	if got := rec.got(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}
