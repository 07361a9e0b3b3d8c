package tts

import (
	"errors"
	"reflect"
	"sync"
	"testing"
)

type fakeSynth struct {
	supported bool

	mu       sync.Mutex
	voices   []Voice
	onChange func()
	spoken   []Utterance
	dones    []func(error)
	cancels  int
	pauses   int
	resumes  int
}

func (s *fakeSynth) Supported() bool { return s.supported }

func (s *fakeSynth) Voices() []Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Voice(nil), s.voices...)
}

func (s *fakeSynth) OnVoicesChanged(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *fakeSynth) Speak(u Utterance, done func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, u)
	s.dones = append(s.dones, done)
}

func (s *fakeSynth) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
}

func (s *fakeSynth) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauses++
}

func (s *fakeSynth) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumes++
}

// finish completes the i-th spoken utterance.
func (s *fakeSynth) finish(i int, err error) {
	s.mu.Lock()
	done := s.dones[i]
	s.mu.Unlock()
	done(err)
}

func (s *fakeSynth) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, u := range s.spoken {
		out = append(out, u.Text)
	}
	return out
}

func (s *fakeSynth) loadVoices(v []Voice) {
	s.mu.Lock()
	s.voices = v
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func TestEngine_NormalPriorityPlaysInOrder(t *testing.T) {
	synth := &fakeSynth{supported: true}
	e := New(synth, DefaultConfig())
	idle := 0
	e.OnIdle(func() { idle++ })

	_ = e.Speak("a")
	_ = e.Speak("b")

	if got := synth.texts(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("spoken = %v, want [a]", got)
	}
	if e.QueueLen() != 1 {
		t.Errorf("queue len = %d, want 1", e.QueueLen())
	}

	synth.finish(0, nil)
	if got := synth.texts(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("spoken = %v, want [a b]", got)
	}
	if idle != 0 {
		t.Error("idle fired with queue non-empty")
	}

	synth.finish(1, nil)
	if e.Speaking() {
		t.Error("still speaking after queue drained")
	}
	if idle != 1 {
		t.Errorf("idle fired %d times, want 1", idle)
	}
}

func TestEngine_HighPriorityInterrupts(t *testing.T) {
	synth := &fakeSynth{supported: true}
	e := New(synth, DefaultConfig())

	_ = e.Speak("a")
	_ = e.Speak("queued")
	_ = e.Speak("b", WithPriority(PriorityHigh))

	if synth.cancels != 1 {
		t.Errorf("cancels = %d, want 1", synth.cancels)
	}
	if got := synth.texts(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("spoken = %v, want [a b]", got)
	}

	// The cut utterance reports its end late; it must not advance the queue.
	synth.finish(0, errors.New("interrupted"))
	if !e.Speaking() {
		t.Error("stale completion ended the active utterance")
	}

	synth.finish(1, nil)
	if got := synth.texts(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("cleared utterance was played: %v", got)
	}
	if e.Speaking() {
		t.Error("still speaking")
	}
}

func TestEngine_HighPriorityWhileIdleDoesNotCancel(t *testing.T) {
	synth := &fakeSynth{supported: true}
	e := New(synth, DefaultConfig())

	_ = e.Speak("urgent", WithPriority(PriorityHigh))
	if synth.cancels != 0 {
		t.Errorf("native cancel while idle: %d", synth.cancels)
	}
	if !e.Speaking() {
		t.Error("expected speaking")
	}
}

func TestEngine_Cancel(t *testing.T) {
	synth := &fakeSynth{supported: true}
	e := New(synth, DefaultConfig())
	idle := 0
	e.OnIdle(func() { idle++ })

	_ = e.Speak("a")
	_ = e.Speak("b")
	e.Cancel()

	if e.Speaking() || e.QueueLen() != 0 {
		t.Error("cancel did not clear playback")
	}
	synth.finish(0, errors.New("canceled"))
	if len(synth.texts()) != 1 {
		t.Error("queue advanced after cancel")
	}
	if idle != 0 {
		t.Error("idle hook fired on cancel")
	}

	e.Cancel()

	_ = e.Speak("c")
	if got := synth.texts(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("spoken = %v, want [a c]", got)
	}
	if e.QueueLen() != 0 {
		t.Error("queue not empty after cancel")
	}
}

func TestEngine_ErrorAdvancesQueue(t *testing.T) {
	synth := &fakeSynth{supported: true}
	e := New(synth, DefaultConfig())

	_ = e.Speak("a")
	_ = e.Speak("b")
	synth.finish(0, errors.New("synthesis-failed"))

	if got := synth.texts(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("spoken = %v, want [a b]", got)
	}
}

func TestEngine_PauseResumeOnlyWhileSpeaking(t *testing.T) {
	synth := &fakeSynth{supported: true}
	e := New(synth, DefaultConfig())

	e.Pause()
	e.Resume()
	if synth.pauses != 0 || synth.resumes != 0 {
		t.Error("pause/resume forwarded while idle")
	}

	_ = e.Speak("a")
	e.Pause()
	e.Resume()
	if synth.pauses != 1 || synth.resumes != 1 {
		t.Errorf("pauses=%d resumes=%d, want 1 and 1", synth.pauses, synth.resumes)
	}
}

func TestEngine_QueueCap(t *testing.T) {
	synth := &fakeSynth{supported: true}
	cfg := DefaultConfig()
	cfg.MaxQueue = 1
	e := New(synth, cfg)

	if err := e.Speak("a"); err != nil {
		t.Fatal(err)
	}
	if err := e.Speak("b"); err != nil {
		t.Fatal(err)
	}
	if err := e.Speak("c"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if err := e.Speak("d", WithPriority(PriorityHigh)); err != nil {
		t.Errorf("high priority rejected: %v", err)
	}
}

func TestEngine_UtteranceDefaults(t *testing.T) {
	synth := &fakeSynth{supported: true}
	e := New(synth, DefaultConfig())

	_ = e.Speak("a")
	_ = e.Speak("b")
	synth.finish(0, nil)

	u := synth.spoken[0]
	if u.Rate != 1.0 || u.Pitch != 1.0 || u.Volume != 1.0 || u.Lang != "en-US" {
		t.Errorf("unexpected defaults %+v", u)
	}
	if u.ID == "" || u.ID == synth.spoken[1].ID {
		t.Error("utterance IDs must be unique")
	}
}

func TestEngine_Unsupported(t *testing.T) {
	synth := &fakeSynth{supported: false}
	e := New(synth, DefaultConfig())

	if err := e.Speak("a"); err != nil {
		t.Errorf("unsupported Speak returned %v", err)
	}
	e.Pause()
	e.Resume()
	e.Cancel()
	if e.Supported() || e.Speaking() {
		t.Error("unsupported engine reports activity")
	}
	if len(synth.spoken) != 0 || synth.cancels != 0 || synth.onChange != nil {
		t.Error("unsupported engine touched the synthesizer")
	}

	nilEngine := New(nil, DefaultConfig())
	if err := nilEngine.Speak("a"); err != nil || nilEngine.Supported() {
		t.Error("nil synthesizer should be a no-op sink")
	}
}

func TestEngine_SpeakBeforeCatalogUsesDefaultVoice(t *testing.T) {
	synth := &fakeSynth{supported: true}
	e := New(synth, DefaultConfig())

	if err := e.Speak("hello"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if synth.spoken[0].Voice != nil {
		t.Error("expected platform default voice before the catalog loads")
	}

	synth.loadVoices([]Voice{
		{Name: "Karen", Lang: "en-AU", LocalService: true},
		{Name: "Samantha", Lang: "en-US", LocalService: true},
	})
	if v := e.Voice(); v == nil || v.Name != "Samantha" {
		t.Fatalf("selected voice = %+v, want Samantha", v)
	}

	synth.finish(0, nil)
	_ = e.Speak("again")
	if v := synth.spoken[1].Voice; v == nil || v.Name != "Samantha" {
		t.Errorf("utterance voice = %+v, want Samantha", v)
	}
}

func TestEngine_ReselectsOnCatalogReload(t *testing.T) {
	synth := &fakeSynth{supported: true, voices: []Voice{{Name: "Alex", Lang: "en-US"}}}
	e := New(synth, DefaultConfig())
	if v := e.Voice(); v == nil || v.Name != "Alex" {
		t.Fatalf("voice = %+v, want Alex", v)
	}

	synth.loadVoices([]Voice{{Name: "Google US English", Lang: "en-US"}, {Name: "Alex", Lang: "en-US"}})
	if v := e.Voice(); v == nil || v.Name != "Google US English" {
		t.Errorf("voice = %+v, want Google US English", v)
	}
}

func TestChooseVoice(t *testing.T) {
	preferred := DefaultConfig().PreferredVoices
	tests := []struct {
		name   string
		voices []Voice
		want   string
	}{
		{
			name:   "preference order beats catalog order",
			voices: []Voice{{Name: "Alex"}, {Name: "Microsoft Zira - English (United States)"}},
			want:   "Microsoft Zira - English (United States)",
		},
		{
			name:   "substring match",
			voices: []Voice{{Name: "Daniel"}, {Name: "Samantha (Enhanced)"}},
			want:   "Samantha (Enhanced)",
		},
		{
			name:   "local english fallback",
			voices: []Voice{{Name: "Amelie", Lang: "fr-FR", LocalService: true}, {Name: "Remote", Lang: "en-GB"}, {Name: "Daniel", Lang: "en-GB", LocalService: true}},
			want:   "Daniel",
		},
		{
			name:   "first voice fallback",
			voices: []Voice{{Name: "Amelie", Lang: "fr-FR"}, {Name: "Anna", Lang: "de-DE"}},
			want:   "Amelie",
		},
		{
			name:   "empty catalog",
			voices: nil,
			want:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := chooseVoice(tt.voices, preferred)
			got := ""
			if v != nil {
				got = v.Name
			}
			if got != tt.want {
				t.Errorf("chooseVoice() = %q, want %q", got, tt.want)
			}
		})
	}
}
