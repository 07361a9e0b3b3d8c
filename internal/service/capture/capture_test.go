package capture

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

type fakeStream struct {
	frames    chan Frame
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{frames: make(chan Frame, 8), closed: make(chan struct{})}
}

func (f *fakeStream) Format() Format       { return Format{SampleRateHz: 16000, Channels: 1} }
func (f *fakeStream) Frames() <-chan Frame { return f.frames }
func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		close(f.frames)
	})
	return nil
}

type fakeDevice struct {
	mu        sync.Mutex
	supported bool
	err       error
	opens     int
	streams   []*fakeStream
}

func (d *fakeDevice) Supported() bool { return d.supported }

func (d *fakeDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.err != nil {
		return nil, d.err
	}
	st := newFakeStream()
	d.streams = append(d.streams, st)
	return st, nil
}

func (d *fakeDevice) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func TestShared_SingleAcquisitionForTwoSubscribers(t *testing.T) {
	dev := &fakeDevice{supported: true}
	shared := NewShared(dev)
	ctx := context.Background()

	a, err := shared.Open(ctx, VoiceConstraints())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	b, err := shared.Open(ctx, VoiceConstraints())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}

	if dev.openCount() != 1 {
		t.Errorf("expected 1 device acquisition, got %d", dev.openCount())
	}
	if shared.Subscribers() != 2 {
		t.Errorf("expected 2 subscribers, got %d", shared.Subscribers())
	}

	dev.streams[0].frames <- Frame{1, 2, 3}

	for name, st := range map[string]Stream{"a": a, "b": b} {
		select {
		case f := <-st.Frames():
			if len(f) != 3 {
				t.Errorf("%s: expected 3 samples, got %d", name, len(f))
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: frame not delivered", name)
		}
	}
}

func TestShared_ReleasesOnLastClose(t *testing.T) {
	dev := &fakeDevice{supported: true}
	shared := NewShared(dev)
	ctx := context.Background()

	a, _ := shared.Open(ctx, VoiceConstraints())
	b, _ := shared.Open(ctx, VoiceConstraints())

	a.Close()
	select {
	case <-dev.streams[0].closed:
		t.Fatal("underlying stream released while a subscriber remains")
	default:
	}

	b.Close()
	select {
	case <-dev.streams[0].closed:
	case <-time.After(time.Second):
		t.Fatal("underlying stream not released after last close")
	}

	// Close is idempotent.
	if err := b.Close(); err != nil {
		t.Errorf("second close: unexpected error %v", err)
	}

	// A later open acquires a fresh session.
	if _, err := shared.Open(ctx, VoiceConstraints()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if dev.openCount() != 2 {
		t.Errorf("expected 2 acquisitions after reopen, got %d", dev.openCount())
	}
}

func TestShared_Errors(t *testing.T) {
	tests := []struct {
		name   string
		dev    *fakeDevice
		reason Reason
	}{
		{"unsupported", &fakeDevice{supported: false}, ReasonUnsupported},
		{"permission denied", &fakeDevice{supported: true, err: NewAcquisitionError(ReasonPermissionDenied, nil)}, ReasonPermissionDenied},
		{"opaque failure", &fakeDevice{supported: true, err: errors.New("device busy")}, ReasonUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewShared(tt.dev).Open(context.Background(), VoiceConstraints())
			var ae *AcquisitionError
			if !errors.As(err, &ae) {
				t.Fatalf("expected *AcquisitionError, got %v", err)
			}
			if ae.Reason != tt.reason {
				t.Errorf("expected reason %s, got %s", tt.reason, ae.Reason)
			}
		})
	}
}

func TestShared_DeviceLostEndsSubscribers(t *testing.T) {
	dev := &fakeDevice{supported: true}
	shared := NewShared(dev)

	st, _ := shared.Open(context.Background(), VoiceConstraints())
	dev.streams[0].Close()

	select {
	case _, ok := <-st.Frames():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber not ended after device loss")
	}
}

func TestAcquisitionError_Message(t *testing.T) {
	err := NewAcquisitionError(ReasonPermissionDenied, errors.New("NotAllowedError"))
	if !IsPermissionDenied(err) {
		t.Error("expected IsPermissionDenied to be true")
	}
	if err.Message() != "Microphone permission denied. Please enable microphone access." {
		t.Errorf("unexpected message: %s", err.Message())
	}
	if !errors.Is(err, err.Err) {
		t.Error("expected Unwrap to expose the cause")
	}
}

func TestAnalyserConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  AnalyserConfig
		want error
	}{
		{"default", DefaultAnalyserConfig(), nil},
		{"not power of two", AnalyserConfig{FFTSize: 300, Smoothing: 0.5, MinDecibels: -100, MaxDecibels: -30}, ErrInvalidFFTSize},
		{"too small", AnalyserConfig{FFTSize: 16, Smoothing: 0.5, MinDecibels: -100, MaxDecibels: -30}, ErrInvalidFFTSize},
		{"bad smoothing", AnalyserConfig{FFTSize: 256, Smoothing: 1.5, MinDecibels: -100, MaxDecibels: -30}, ErrInvalidSmoothing},
		{"bad decibels", AnalyserConfig{FFTSize: 256, Smoothing: 0.5, MinDecibels: -30, MaxDecibels: -100}, ErrInvalidDecibels},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Validate(); got != tt.want {
				t.Errorf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAnalyser_SilenceVersusTone(t *testing.T) {
	st := newFakeStream()
	cfg := DefaultAnalyserConfig()
	cfg.Smoothing = 0

	an, err := NewAnalyser(st, cfg)
	if err != nil {
		t.Fatalf("NewAnalyser: %v", err)
	}
	defer an.Close()

	bins := make([]byte, an.FrequencyBinCount())
	an.ByteFrequencyData(bins)
	if avg := average(bins); avg != 0 {
		t.Errorf("expected silent spectrum, got average %f", avg)
	}

	// 1 kHz tone at half scale.
	tone := make(Frame, cfg.FFTSize)
	for i := range tone {
		tone[i] = int16(16000 * math.Sin(2*math.Pi*1000*float64(i)/16000))
	}
	st.frames <- tone

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		an.ByteFrequencyData(bins)
		if average(bins) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("expected non-zero spectrum for tone")
}

func average(b []byte) float64 {
	var sum float64
	for _, v := range b {
		sum += float64(v)
	}
	return sum / float64(len(b))
}
