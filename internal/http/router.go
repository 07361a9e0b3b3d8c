package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ai-voice-pipeline-service/internal/app"
	"ai-voice-pipeline-service/internal/models"
	"ai-voice-pipeline-service/internal/schema"
	"ai-voice-pipeline-service/internal/service/session"
	"ai-voice-pipeline-service/internal/service/tts"
	"ai-voice-pipeline-service/internal/service/voice"
)

// maxReplyBytes bounds reply request bodies.
const maxReplyBytes = 64 << 10

// Validator checks events before they are acted on.
type Validator interface {
	Validate(event any) error
}

type replyRequest struct {
	TurnID   string `json:"turnId"`
	Text     string `json:"text"`
	Priority string `json:"priority"`
}

type stateResponse struct {
	SessionID string         `json:"sessionId"`
	Snapshot  voice.Snapshot `json:"snapshot"`
	Control   voice.Control  `json:"control"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application, voiceHandler http.Handler, validator Validator) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !application.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Handle("/voice", voiceHandler)

		r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string][]string{"sessions": application.Sessions.IDs()})
		})

		r.Route("/sessions/{sessionId}", func(r chi.Router) {
			r.Use(middleware.Timeout(10 * time.Second))
			r.Get("/state", stateHandler(application.Sessions))
			r.Post("/reply", replyHandler(application.Sessions, validator))
		})
	})

	return r
}

func stateHandler(sessions *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionId")
		s, err := sessions.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		snap := s.Snapshot()
		writeJSON(w, http.StatusOK, stateResponse{SessionID: id, Snapshot: snap, Control: snap.Control()})
	}
}

// replyHandler accepts an orchestrator reply over HTTP, the synchronous
// alternative to the Kafka reply topic.
func replyHandler(sessions *session.Registry, validator Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req replyRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReplyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
			return
		}

		reply := models.Reply{
			EventType: models.EventTypeReply,
			SessionID: chi.URLParam(r, "sessionId"),
			TurnID:    req.TurnID,
			Timestamp: time.Now().UnixMilli(),
			Text:      req.Text,
			Priority:  req.Priority,
		}
		if validator != nil {
			if err := validator.Validate(reply); err != nil {
				writeError(w, err)
				return
			}
		}
		if err := sessions.Deliver(r.Context(), reply); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, voice.ErrStaleReply), errors.Is(err, voice.ErrReplyWhileListening):
		return http.StatusConflict
	case errors.Is(err, voice.ErrClosed):
		return http.StatusGone
	case errors.Is(err, tts.ErrQueueFull):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
