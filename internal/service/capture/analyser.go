package capture

import (
	"errors"
	"math"
	"math/cmplx"
	"sync"

	"github.com/mjibson/go-dsp/fft"
)

// Analyser exposes the frequency-domain view of a capture stream.
type Analyser interface {
	// FrequencyBinCount is half the FFT size.
	FrequencyBinCount() int

	// ByteFrequencyData fills dst with per-bin magnitudes scaled to 0..255.
	ByteFrequencyData(dst []byte)

	// Close disconnects the analyser from its source. Idempotent.
	Close() error
}

// AnalyserConfig mirrors the knobs of a browser AnalyserNode.
type AnalyserConfig struct {
	FFTSize     int
	Smoothing   float64 // 0..1, weight of the previous block
	MinDecibels float64
	MaxDecibels float64
}

// DefaultAnalyserConfig returns the settings used for silence detection.
func DefaultAnalyserConfig() AnalyserConfig {
	return AnalyserConfig{
		FFTSize:     256,
		Smoothing:   0.8,
		MinDecibels: -100,
		MaxDecibels: -30,
	}
}

// Errors for invalid analyser configuration.
var (
	ErrInvalidFFTSize   = errors.New("capture: fft size must be a power of two between 32 and 32768")
	ErrInvalidSmoothing = errors.New("capture: smoothing must be between 0 and 1")
	ErrInvalidDecibels  = errors.New("capture: min decibels must be below max decibels")
)

// Validate checks the configuration.
func (c AnalyserConfig) Validate() error {
	if c.FFTSize < 32 || c.FFTSize > 32768 || c.FFTSize&(c.FFTSize-1) != 0 {
		return ErrInvalidFFTSize
	}
	if c.Smoothing < 0 || c.Smoothing > 1 {
		return ErrInvalidSmoothing
	}
	if c.MinDecibels >= c.MaxDecibels {
		return ErrInvalidDecibels
	}
	return nil
}

// fftAnalyser keeps the most recent FFTSize samples of a stream and transforms
// them on demand.
type fftAnalyser struct {
	cfg    AnalyserConfig
	window []float64 // Blackman coefficients

	mu       sync.Mutex
	ring     []float64
	pos      int
	smoothed []float64

	done      chan struct{}
	closeOnce sync.Once
}

// NewAnalyser connects an analyser to st. The analyser does not own st.
func NewAnalyser(st Stream, cfg AnalyserConfig) (Analyser, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrStreamClosed
	}

	a := &fftAnalyser{
		cfg:      cfg,
		window:   blackman(cfg.FFTSize),
		ring:     make([]float64, cfg.FFTSize),
		smoothed: make([]float64, cfg.FFTSize/2),
		done:     make(chan struct{}),
	}
	go a.consume(st.Frames())
	return a, nil
}

func (a *fftAnalyser) consume(frames <-chan Frame) {
	for {
		select {
		case <-a.done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			a.write(frame)
		}
	}
}

func (a *fftAnalyser) write(frame Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range frame {
		a.ring[a.pos] = float64(s) / 32768.0
		a.pos = (a.pos + 1) % len(a.ring)
	}
}

func (a *fftAnalyser) FrequencyBinCount() int {
	return a.cfg.FFTSize / 2
}

func (a *fftAnalyser) ByteFrequencyData(dst []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.cfg.FFTSize
	block := make([]float64, n)
	for i := 0; i < n; i++ {
		block[i] = a.ring[(a.pos+i)%n] * a.window[i]
	}
	spectrum := fft.FFTReal(block)

	span := a.cfg.MaxDecibels - a.cfg.MinDecibels
	bins := n / 2
	for k := 0; k < bins; k++ {
		mag := cmplx.Abs(spectrum[k]) / float64(n)
		a.smoothed[k] = a.cfg.Smoothing*a.smoothed[k] + (1-a.cfg.Smoothing)*mag
		if k >= len(dst) {
			continue
		}
		dst[k] = scaleToByte(a.smoothed[k], a.cfg.MinDecibels, span)
	}
}

func (a *fftAnalyser) Close() error {
	a.closeOnce.Do(func() { close(a.done) })
	return nil
}

func scaleToByte(mag, minDb, span float64) byte {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := 255 * (db - minDb) / span
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return byte(v)
	}
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0 := (1 - alpha) / 2
	a1 := 0.5
	a2 := alpha / 2
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}
