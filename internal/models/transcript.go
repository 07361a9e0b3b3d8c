// Package models defines the payloads exchanged with the chat orchestrator.
package models

// Event types carried in the eventType field and Kafka header.
const (
	EventTypeTranscriptPartial = "voice.transcript.partial"
	EventTypeTranscriptFinal   = "voice.transcript.final"
	EventTypeReply             = "voice.reply"
)

// Reply priorities.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// TranscriptPartial represents an interim transcript of the current turn.
type TranscriptPartial struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
}

// TranscriptFinal represents the final transcript that ends a listening turn.
type TranscriptFinal struct {
	EventType  string `json:"eventType"`
	SessionID  string `json:"sessionId"`
	TurnID     string `json:"turnId"`
	Timestamp  int64  `json:"timestamp"`
	Text       string `json:"text"`
	Provider   string `json:"provider"`
	DurationMs int64  `json:"durationMs"`
}

// Reply is the orchestrator's answer to a final transcript, to be spoken.
type Reply struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
	Priority  string `json:"priority,omitempty"`
}
