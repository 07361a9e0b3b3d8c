// Package capture defines the microphone capability consumed by the voice pipeline.
//
// A Device hands out Streams of PCM16 frames. Platform implementations live outside
// this package (the websocket transport is the production one); tests inject fakes.
package capture

import (
	"context"
	"errors"
	"fmt"
)

// Frame is one block of mono PCM16 samples.
type Frame []int16

// Format describes the sample layout of a Stream.
type Format struct {
	SampleRateHz int
	Channels     int
}

// Constraints are the processing features requested when acquiring the microphone.
type Constraints struct {
	EchoCancellation bool `json:"echoCancellation"`
	NoiseSuppression bool `json:"noiseSuppression"`
	AutoGainControl  bool `json:"autoGainControl"`
	SampleRateHz     int  `json:"sampleRate"`
}

// VoiceConstraints returns the constraints used for conversational capture.
func VoiceConstraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRateHz:     16000,
	}
}

// Stream is an acquired microphone stream.
type Stream interface {
	// Format returns the negotiated sample format.
	Format() Format

	// Frames delivers captured audio. The channel is closed when the stream ends.
	Frames() <-chan Frame

	// Close releases the stream. Idempotent.
	Close() error
}

// Device is the audio capture service.
type Device interface {
	// Supported reports whether capture is available at all. Must not have side effects.
	Supported() bool

	// Open acquires an exclusive stream. Failures are returned as *AcquisitionError.
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Reason classifies why the microphone could not be acquired.
type Reason int

const (
	// ReasonPermissionDenied - the user or platform refused microphone access.
	ReasonPermissionDenied Reason = iota
	// ReasonNoDevice - no input device exists.
	ReasonNoDevice
	// ReasonUnsupported - the platform has no capture capability.
	ReasonUnsupported
	// ReasonUnavailable - the device exists but could not be opened (busy, lost, cancelled).
	ReasonUnavailable
)

// String returns the string representation of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonPermissionDenied:
		return "permission_denied"
	case ReasonNoDevice:
		return "no_device"
	case ReasonUnsupported:
		return "unsupported"
	case ReasonUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// ErrStreamClosed is returned when operating on a released stream.
var ErrStreamClosed = errors.New("capture: stream closed")

// AcquisitionError reports a failure to acquire the microphone.
type AcquisitionError struct {
	Reason Reason
	Err    error
}

// Error implements the error interface.
func (e *AcquisitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture: acquisition failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("capture: acquisition failed (%s)", e.Reason)
}

// Unwrap returns the underlying error.
func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// Message returns a user-facing explanation.
func (e *AcquisitionError) Message() string {
	switch e.Reason {
	case ReasonPermissionDenied:
		return "Microphone permission denied. Please enable microphone access."
	case ReasonNoDevice:
		return "Microphone not found. Please check your microphone."
	case ReasonUnsupported:
		return "Microphone capture is not supported on this platform."
	default:
		return "Failed to access microphone. Please try again."
	}
}

// NewAcquisitionError wraps err with a reason.
func NewAcquisitionError(reason Reason, err error) *AcquisitionError {
	return &AcquisitionError{Reason: reason, Err: err}
}

// IsPermissionDenied reports whether err is an acquisition failure caused by denied permission.
func IsPermissionDenied(err error) bool {
	var ae *AcquisitionError
	return errors.As(err, &ae) && ae.Reason == ReasonPermissionDenied
}
