// Package ws serves voice sessions to browsers over a websocket.
//
// The browser owns the hardware: it captures the microphone, runs speech
// synthesis and may run its own speech recognizer. The connection exposes
// those capabilities to the server-side engines as capture.Device,
// tts.Synthesizer and stt.Service. Text frames carry JSON control messages;
// binary frames carry microphone audio as little-endian PCM16 mono.
package ws

import (
	"ai-voice-pipeline-service/internal/service/capture"
	"ai-voice-pipeline-service/internal/service/stt"
	"ai-voice-pipeline-service/internal/service/tts"
	"ai-voice-pipeline-service/internal/service/voice"
)

// Client to server message types.
const (
	TypeHello             = "hello"
	TypeToggle            = "toggle"
	TypeMicOpened         = "mic.opened"
	TypeMicError          = "mic.error"
	TypeVoices            = "voices"
	TypeUtteranceEnd      = "utterance.end"
	TypeUtteranceError    = "utterance.error"
	TypeRecognitionStart  = "recognition.start"
	TypeRecognitionResult = "recognition.result"
	TypeRecognitionError  = "recognition.error"
	TypeRecognitionEnd    = "recognition.end"
	TypeBye               = "bye"
)

// Server to client message types.
const (
	TypeSession          = "session"
	TypeState            = "state"
	TypeMicOpen          = "mic.open"
	TypeMicClose         = "mic.close"
	TypeSpeak            = "speak"
	TypeSpeechCancel     = "speech.cancel"
	TypeSpeechPause      = "speech.pause"
	TypeSpeechResume     = "speech.resume"
	TypeRecognitionOpen  = "recognition.open"
	TypeRecognitionStop  = "recognition.stop"
	TypeRecognitionAbort = "recognition.abort"
	TypeError            = "error"
)

// Inbound is a client control message. Fields are set per type.
type Inbound struct {
	Type string `json:"type"`

	// hello
	Microphone        bool `json:"microphone,omitempty"`
	SpeechSynthesis   bool `json:"speechSynthesis,omitempty"`
	SpeechRecognition bool `json:"speechRecognition,omitempty"`

	// hello and mic.opened
	SampleRate int `json:"sampleRate,omitempty"`
	Channels   int `json:"channels,omitempty"`

	// mic.error carries the DOMException name; recognition.error the native code.
	Name    string `json:"name,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// voices
	Voices []tts.Voice `json:"voices,omitempty"`

	// utterance and recognition events echo the id they were issued with
	ID string `json:"id,omitempty"`

	// recognition.result
	ResultIndex int          `json:"resultIndex,omitempty"`
	Results     []stt.Result `json:"results,omitempty"`
}

// Outbound is a server message.
type Outbound struct {
	Type        string               `json:"type"`
	ID          string               `json:"id,omitempty"`
	SessionID   string               `json:"sessionId,omitempty"`
	Snapshot    *voice.Snapshot      `json:"snapshot,omitempty"`
	Control     *voice.Control       `json:"control,omitempty"`
	Constraints *capture.Constraints `json:"constraints,omitempty"`
	Utterance   *tts.Utterance       `json:"utterance,omitempty"`
	Recognition *stt.Config          `json:"recognition,omitempty"`
	Message     string               `json:"message,omitempty"`
}

func stateMessage(s voice.Snapshot) Outbound {
	c := s.Control()
	return Outbound{Type: TypeState, Snapshot: &s, Control: &c}
}
