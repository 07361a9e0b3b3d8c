// Package session tracks the live voice sessions of this instance so that
// replies arriving from the orchestrator can be routed to them.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"ai-voice-pipeline-service/internal/models"
	"ai-voice-pipeline-service/internal/observability/logging"
	"ai-voice-pipeline-service/internal/observability/metrics"
	"ai-voice-pipeline-service/internal/service/tts"
	"ai-voice-pipeline-service/internal/service/voice"
)

// Errors returned by the registry.
var (
	ErrNotFound  = errors.New("session: not found")
	ErrDuplicate = errors.New("session: id already registered")
)

// Session is the part of a voice coordinator the registry routes to.
type Session interface {
	SessionID() string
	Snapshot() voice.Snapshot
	Reply(ctx context.Context, turnID, text string, priority tts.Priority) error
}

// Registry tracks the live sessions of this process by id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// Register adds s under its id and returns a func that removes it.
func (r *Registry) Register(s Session) (unregister func(), err error) {
	id := s.SessionID()
	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return nil, ErrDuplicate
	}
	r.sessions[id] = s
	r.mu.Unlock()

	metrics.DefaultMetrics.RecordSessionOpened()
	log := logging.WithSession("registry", id)
	log.Debug().Msg("Session registered")

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.sessions[id] == s {
				delete(r.sessions, id)
			}
			r.mu.Unlock()
			metrics.DefaultMetrics.RecordSessionClosed()
		})
	}, nil
}

// Get returns the session with id.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the live session ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Deliver routes an orchestrator reply to its session.
func (r *Registry) Deliver(ctx context.Context, reply models.Reply) error {
	s, err := r.Get(reply.SessionID)
	if err != nil {
		return err
	}
	return s.Reply(ctx, reply.TurnID, reply.Text, PriorityOf(reply.Priority))
}

// PriorityOf maps a wire priority to a playback priority. Unknown values
// play at normal priority.
func PriorityOf(p string) tts.Priority {
	if p == models.PriorityHigh {
		return tts.PriorityHigh
	}
	return tts.PriorityNormal
}
