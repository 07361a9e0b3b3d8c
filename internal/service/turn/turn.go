// Package turn provides turn ID generation and the per-turn transcript lifecycle.
package turn

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Generator hands out turn IDs unique within a process.
type Generator struct {
	counter uint64
}

// NewGenerator returns a generator starting at turn 1.
func NewGenerator() *Generator {
	return &Generator{}
}

// Next returns "<sessionId>-turn-<n>".
func (g *Generator) Next(sessionId string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-turn-%d", sessionId, n)
}

// Limits are per-turn guardrails against a listening turn that never ends.
// Zero disables a limit.
type Limits struct {
	MaxDuration time.Duration // Max time a turn may stay open
	MaxPartials int           // Max interim transcripts per turn
}

// DefaultLimits returns the guardrails used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxDuration: 5 * time.Minute,
		MaxPartials: 500,
	}
}

// PartialsExceeded reports whether n interim transcripts is past MaxPartials.
func (l Limits) PartialsExceeded(n int) bool {
	return l.MaxPartials > 0 && n > l.MaxPartials
}

// State represents the lifecycle state of a turn's transcript.
type State int

const (
	// StateOpen - listening, interim transcripts may arrive.
	StateOpen State = iota
	// StateFinalEmitted - the final transcript was handed off.
	StateFinalEmitted
	// StateClosed - the turn finished normally.
	StateClosed
	// StateDropped - the turn ended without a final transcript.
	StateDropped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateFinalEmitted:
		return "FINAL_EMITTED"
	case StateClosed:
		return "CLOSED"
	case StateDropped:
		return "DROPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true for CLOSED and DROPPED.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateDropped
}

// Errors for invalid lifecycle operations.
var (
	ErrTurnClosed          = errors.New("turn is closed")
	ErrFinalAlreadyEmitted = errors.New("final already emitted for this turn")
	ErrPartialAfterFinal   = errors.New("cannot record partial after final")
	ErrEmptyTranscript     = errors.New("final transcript is empty")
)

// Turn is one Idle to Idle cycle of a voice session.
//
//	OPEN ──RecordFinal──> FINAL_EMITTED ──Close──> CLOSED
//	  └──────────────Drop──────────────────────> DROPPED
type Turn struct {
	mu         sync.RWMutex
	id         string
	state      State
	startedAt  time.Time
	interim    string
	transcript string
	dropReason string
	partials   int
}

// New creates an open turn.
func New(id string, startedAt time.Time) *Turn {
	return &Turn{id: id, state: StateOpen, startedAt: startedAt}
}

// ID returns the turn id.
func (t *Turn) ID() string {
	return t.id
}

// StartedAt returns when listening began.
func (t *Turn) StartedAt() time.Time {
	return t.startedAt
}

// State returns the lifecycle state.
func (t *Turn) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Interim returns the latest interim transcript. Interim text replaces, never accumulates.
func (t *Turn) Interim() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.interim
}

// Transcript returns the final transcript, empty until RecordFinal.
func (t *Turn) Transcript() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.transcript
}

// Partials returns how many interim transcripts were recorded.
func (t *Turn) Partials() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.partials
}

// DropReason returns why the turn was dropped, if it was.
func (t *Turn) DropReason() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropReason
}

// RecordPartial replaces the interim transcript.
func (t *Turn) RecordPartial(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateOpen:
		t.interim = text
		t.partials++
		return nil
	case StateFinalEmitted:
		return ErrPartialAfterFinal
	default:
		return ErrTurnClosed
	}
}

// RecordFinal stores the final transcript and clears the interim text.
func (t *Turn) RecordFinal(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateOpen:
		text = strings.TrimSpace(text)
		if text == "" {
			return ErrEmptyTranscript
		}
		t.transcript = text
		t.interim = ""
		t.state = StateFinalEmitted
		return nil
	case StateFinalEmitted:
		return ErrFinalAlreadyEmitted
	default:
		return ErrTurnClosed
	}
}

// Close ends the turn. A turn still open is dropped instead, since it never
// produced a transcript. Idempotent.
func (t *Turn) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateOpen:
		t.state = StateDropped
		t.dropReason = "closed_without_final"
	case StateFinalEmitted:
		t.state = StateClosed
	}
}

// Drop abandons the turn without a final transcript. Returns false if the
// turn was already terminal or its final was already emitted.
func (t *Turn) Drop(reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return false
	}
	t.state = StateDropped
	t.dropReason = reason
	t.interim = ""
	return true
}
