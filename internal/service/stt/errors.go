package stt

import (
	"errors"
	"fmt"

	"ai-voice-pipeline-service/internal/service/capture"
)

// Kind classifies recognition failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindNoSpeech
	KindAudioCapture
	KindPermissionDenied
	KindNetwork
	KindUnsupported
	KindStartFailed
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNoSpeech:
		return "no_speech"
	case KindAudioCapture:
		return "audio_capture"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNetwork:
		return "network"
	case KindUnsupported:
		return "unsupported"
	case KindStartFailed:
		return "start_failed"
	default:
		return "unknown"
	}
}

// Error is a recognition failure delivered through Callback.OnError.
type Error struct {
	Kind Kind
	Code string // native code for KindUnknown
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stt: %s: %v", e.Kind, e.Err)
	}
	if e.Kind == KindUnknown {
		return fmt.Sprintf("stt: %s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("stt: %s", e.Kind)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Message returns a user-facing explanation.
func (e *Error) Message() string {
	switch e.Kind {
	case KindNoSpeech:
		return "No speech detected. Please try again."
	case KindAudioCapture:
		return "Microphone not found. Please check your microphone."
	case KindPermissionDenied:
		return "Microphone permission denied. Please enable microphone access."
	case KindNetwork:
		return "Network error. Please check your connection."
	case KindUnsupported:
		return "Speech recognition is not supported on this platform."
	case KindStartFailed:
		return "Failed to start speech recognition"
	default:
		return fmt.Sprintf("Speech recognition error: %s", e.Code)
	}
}

// FromCode maps a native error code to an Error.
func FromCode(code string) *Error {
	switch code {
	case CodeNoSpeech:
		return &Error{Kind: KindNoSpeech, Code: code}
	case CodeAudioCapture:
		return &Error{Kind: KindAudioCapture, Code: code}
	case CodeNotAllowed, CodeServiceNotAllowed:
		return &Error{Kind: KindPermissionDenied, Code: code}
	case CodeNetwork:
		return &Error{Kind: KindNetwork, Code: code}
	default:
		return &Error{Kind: KindUnknown, Code: code}
	}
}

// fromStartError classifies a failure returned by Service.Open.
func fromStartError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	var ae *capture.AcquisitionError
	if errors.As(err, &ae) {
		switch ae.Reason {
		case capture.ReasonPermissionDenied:
			return &Error{Kind: KindPermissionDenied, Err: err}
		case capture.ReasonUnsupported:
			return &Error{Kind: KindUnsupported, Err: err}
		default:
			return &Error{Kind: KindAudioCapture, Err: err}
		}
	}
	return &Error{Kind: KindStartFailed, Err: err}
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}
