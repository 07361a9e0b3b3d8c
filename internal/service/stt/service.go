// Package stt wraps a continuous streaming speech recognizer.
//
// A Service is the native recognition capability (the mock simulator, Google
// streaming recognition, or a browser recognizer behind the websocket). The
// Engine drives one Service session at a time, reduces result batches to
// single transcripts and maps native error codes to Kind.
package stt

import (
	"context"
	"strings"
	"time"
)

// Native error codes reported through Listener.OnError.
const (
	CodeNoSpeech           = "no-speech"
	CodeAudioCapture       = "audio-capture"
	CodeNotAllowed         = "not-allowed"
	CodeServiceNotAllowed  = "service-not-allowed"
	CodeNetwork            = "network"
	CodeAborted            = "aborted"
	CodeLanguageNotSupport = "language-not-supported"
)

// Config is the recognition session configuration.
type Config struct {
	Continuous     bool   `json:"continuous"`
	InterimResults bool   `json:"interimResults"`
	Locale         string `json:"lang"`

	// StopTimeout bounds how long a graceful Stop waits for the native end event.
	StopTimeout time.Duration `json:"-"`
}

// DefaultConfig returns the configuration for conversational dictation.
func DefaultConfig() Config {
	return Config{
		Continuous:     true,
		InterimResults: true,
		Locale:         "en-US",
		StopTimeout:    3 * time.Second,
	}
}

// Result is one recognition hypothesis.
type Result struct {
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"isFinal"`
}

// Batch is one native result event. Results before ResultIndex were reported
// by earlier events and are unchanged.
type Batch struct {
	ResultIndex int
	Results     []Result
}

// Listener receives native events for one session, in order.
type Listener interface {
	OnStart()
	OnResult(b Batch)
	OnError(code, message string)
	OnEnd()
}

// Session is one open native recognition run.
type Session interface {
	// Stop asks the recognizer to finish; pending results and the end event follow.
	Stop() error

	// Abort ends the run immediately.
	Abort() error
}

// Service is the native recognition capability.
type Service interface {
	// Supported must not have side effects.
	Supported() bool

	// Name identifies the provider in logs and metrics.
	Name() string

	Open(ctx context.Context, cfg Config, l Listener) (Session, error)
}

// Callback is the caller-facing event contract of the Engine.
type Callback interface {
	OnStart()
	OnResult(text string, isFinal bool)
	OnError(err error)
	OnEnd()
}

// SilenceCallback is implemented by callers that want auto-stop notifications.
type SilenceCallback interface {
	OnSilence()
}

// reduce folds a batch into one report. Finals since ResultIndex are joined
// with single spaces and trimmed; otherwise interim text is concatenated.
func reduce(b Batch) (text string, isFinal bool, ok bool) {
	var final, interim string
	start := b.ResultIndex
	if start < 0 {
		start = 0
	}
	for i := start; i < len(b.Results); i++ {
		r := b.Results[i]
		if r.IsFinal {
			final += r.Transcript + " "
		} else {
			interim += r.Transcript
		}
	}
	if final = strings.TrimSpace(final); final != "" {
		return final, true, true
	}
	if interim != "" {
		return interim, false, true
	}
	return "", false, false
}
