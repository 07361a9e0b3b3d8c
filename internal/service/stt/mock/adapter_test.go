package mock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"ai-voice-pipeline-service/internal/service/stt"
)

// testListener implements stt.Listener and forwards events to a channel.
type testListener struct {
	events chan string
}

func newTestListener() *testListener {
	return &testListener{events: make(chan string, 32)}
}

func (l *testListener) OnStart() { l.events <- "start" }
func (l *testListener) OnResult(b stt.Batch) {
	r := b.Results[len(b.Results)-1]
	l.events <- fmt.Sprintf("result(%s,%v)", r.Transcript, r.IsFinal)
}
func (l *testListener) OnError(code, _ string) { l.events <- "error(" + code + ")" }
func (l *testListener) OnEnd()                 { l.events <- "end" }

func (l *testListener) expect(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-l.events:
			if got != w {
				t.Fatalf("event = %s, want %s", got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}
}

// step waits for the session to block on its delay and releases it.
func step(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("session never waited: %v", err)
	}
	clock.Advance(time.Second)
}

var script = []SimulatedUtterance{
	{Partials: []string{"book", "book a"}, Final: "book a test drive"},
	{},
}

func newTestService() (*Service, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return New(WithClock(clock), WithUtterances(script), WithResultDelay(time.Second)), clock
}

func TestService_Capabilities(t *testing.T) {
	s := New()
	if !s.Supported() {
		t.Error("expected mock to be supported")
	}
	if s.Name() != "mock" {
		t.Errorf("unexpected name %s", s.Name())
	}
}

func TestSession_PlaysUtteranceThenEndsOnStop(t *testing.T) {
	s, clock := newTestService()
	l := newTestListener()

	sess, err := s.Open(context.Background(), stt.DefaultConfig(), l)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	l.expect(t, "start")
	step(t, clock)
	l.expect(t, "result(book,false)")
	step(t, clock)
	l.expect(t, "result(book a,false)")
	step(t, clock)
	l.expect(t, "result(book a test drive,true)")

	_ = sess.Stop()
	l.expect(t, "end")
}

func TestSession_StopMidUtteranceFlushesFinal(t *testing.T) {
	s, clock := newTestService()
	l := newTestListener()

	sess, _ := s.Open(context.Background(), stt.DefaultConfig(), l)
	l.expect(t, "start")
	step(t, clock)
	l.expect(t, "result(book,false)")

	_ = sess.Stop()
	_ = sess.Stop()
	l.expect(t, "result(book a test drive,true)", "end")
}

func TestSession_AbortReportsAborted(t *testing.T) {
	s, _ := newTestService()
	l := newTestListener()

	sess, _ := s.Open(context.Background(), stt.DefaultConfig(), l)
	l.expect(t, "start")

	_ = sess.Abort()
	l.expect(t, "error(aborted)", "end")
}

func TestSession_NoSpeech(t *testing.T) {
	s, clock := newTestService()

	// The first session consumes the scripted utterance.
	fl := newTestListener()
	first, _ := s.Open(context.Background(), stt.DefaultConfig(), fl)
	fl.expect(t, "start")
	_ = first.Abort()
	fl.expect(t, "error(aborted)", "end")

	l := newTestListener()
	_, _ = s.Open(context.Background(), stt.DefaultConfig(), l)
	l.expect(t, "start")
	step(t, clock)
	l.expect(t, "error(no-speech)", "end")
}

func TestSession_SingleShotEndsAfterFinal(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(WithClock(clock), WithUtterances([]SimulatedUtterance{{Final: "yes"}}), WithResultDelay(time.Second))
	l := newTestListener()

	cfg := stt.DefaultConfig()
	cfg.Continuous = false
	_, _ = s.Open(context.Background(), cfg, l)

	l.expect(t, "start")
	step(t, clock)
	l.expect(t, "result(yes,true)", "end")
}

func TestService_OpenWithCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Open(ctx, stt.DefaultConfig(), newTestListener()); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestEngineOverMock_FinalTranscript(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(WithClock(clock), WithUtterances(script[:1]), WithResultDelay(time.Second))
	engine := stt.NewEngine(svc, stt.DefaultConfig(), stt.WithClock(clock))

	finals := make(chan string, 1)
	cb := &finalCallback{finals: finals}
	if err := engine.Start(context.Background(), cb); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		step(t, clock)
	}

	select {
	case text := <-finals:
		if text != "book a test drive" {
			t.Errorf("final = %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("no final transcript")
	}
	engine.Abort()
	if engine.Listening() {
		t.Error("listening after abort")
	}
}

type finalCallback struct {
	finals chan string
}

func (c *finalCallback) OnStart() {}
func (c *finalCallback) OnResult(text string, isFinal bool) {
	if isFinal {
		c.finals <- text
	}
}
func (c *finalCallback) OnError(error) {}
func (c *finalCallback) OnEnd()        {}
