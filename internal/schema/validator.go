// Package schema validates event payloads before they leave or enter the service.
package schema

import (
	"errors"
	"fmt"

	"ai-voice-pipeline-service/internal/models"
)

// ErrInvalidEvent wraps every validation failure.
var ErrInvalidEvent = errors.New("invalid event")

// Validator checks event payloads before they are published or acted on.
type Validator struct{}

// New returns a Validator.
func New() *Validator {
	return &Validator{}
}

// Validate checks required fields of the known event types.
func (v *Validator) Validate(event any) error {
	switch e := event.(type) {
	case models.TranscriptPartial:
		return v.check(e.EventType, models.EventTypeTranscriptPartial,
			field{"sessionId", e.SessionID}, field{"turnId", e.TurnID})
	case *models.TranscriptPartial:
		return v.Validate(*e)
	case models.TranscriptFinal:
		return v.check(e.EventType, models.EventTypeTranscriptFinal,
			field{"sessionId", e.SessionID}, field{"turnId", e.TurnID}, field{"text", e.Text})
	case *models.TranscriptFinal:
		return v.Validate(*e)
	case models.Reply:
		if err := v.check(e.EventType, models.EventTypeReply,
			field{"sessionId", e.SessionID}, field{"text", e.Text}); err != nil {
			return err
		}
		switch e.Priority {
		case "", models.PriorityNormal, models.PriorityHigh:
			return nil
		default:
			return fmt.Errorf("%w: unknown priority %q", ErrInvalidEvent, e.Priority)
		}
	case *models.Reply:
		return v.Validate(*e)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalidEvent, event)
	}
}

type field struct {
	name  string
	value string
}

func (v *Validator) check(eventType, want string, fields ...field) error {
	if eventType != want {
		return fmt.Errorf("%w: eventType %q, want %q", ErrInvalidEvent, eventType, want)
	}
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidEvent, f.name)
		}
	}
	return nil
}
