package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ai-voice-pipeline-service/internal/app"
	"ai-voice-pipeline-service/internal/config"
	"ai-voice-pipeline-service/internal/schema"
	"ai-voice-pipeline-service/internal/service/session"
	"ai-voice-pipeline-service/internal/service/tts"
	"ai-voice-pipeline-service/internal/service/voice"
)

type fakeSession struct {
	id    string
	err   error
	texts []string
	prios []tts.Priority
}

func (s *fakeSession) SessionID() string { return s.id }

func (s *fakeSession) Snapshot() voice.Snapshot {
	return voice.Snapshot{Seq: 3, State: voice.StateListening, IsListening: true, IsSupported: true, TurnID: s.id + "-turn-1"}
}

func (s *fakeSession) Reply(_ context.Context, _, text string, p tts.Priority) error {
	if s.err != nil {
		return s.err
	}
	s.texts = append(s.texts, text)
	s.prios = append(s.prios, p)
	return nil
}

func newTestRouter(t *testing.T, sessions ...session.Session) (http.Handler, *app.Application) {
	t.Helper()
	reg := session.NewRegistry()
	for _, s := range sessions {
		if _, err := reg.Register(s); err != nil {
			t.Fatal(err)
		}
	}
	a := app.New(config.Load(), reg)
	voiceHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	return NewRouter(a, voiceHandler, schema.New()), a
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	h, a := newTestRouter(t)

	if rec := do(h, http.MethodGet, "/v1/liveness", ""); rec.Code != http.StatusOK {
		t.Errorf("liveness = %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/v1/readiness", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness before start = %d", rec.Code)
	}
	_ = a.Start()
	if rec := do(h, http.MethodGet, "/v1/readiness", ""); rec.Code != http.StatusOK {
		t.Errorf("readiness after start = %d", rec.Code)
	}
	a.SetReadiness(func() bool { return false })
	if rec := do(h, http.MethodGet, "/v1/readiness", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness with failing check = %d", rec.Code)
	}
}

func TestRouter_VoiceRoute(t *testing.T) {
	h, _ := newTestRouter(t)
	if rec := do(h, http.MethodGet, "/v1/voice", ""); rec.Code != http.StatusTeapot {
		t.Errorf("voice route = %d", rec.Code)
	}
}

func TestRouter_State(t *testing.T) {
	h, _ := newTestRouter(t, &fakeSession{id: "sess-1"})

	rec := do(h, http.MethodGet, "/v1/sessions/sess-1/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("state = %d %s", rec.Code, rec.Body)
	}
	var resp struct {
		SessionID string `json:"sessionId"`
		Snapshot  struct {
			State  string `json:"state"`
			TurnID string `json:"turnId"`
		} `json:"snapshot"`
		Control voice.Control `json:"control"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Snapshot.State != "listening" || resp.Control.Label != "Stop listening" || resp.Snapshot.TurnID != "sess-1-turn-1" {
		t.Errorf("resp = %+v", resp)
	}

	if rec := do(h, http.MethodGet, "/v1/sessions/missing/state", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing session state = %d", rec.Code)
	}
}

func TestRouter_Sessions(t *testing.T) {
	h, _ := newTestRouter(t, &fakeSession{id: "b"}, &fakeSession{id: "a"})

	rec := do(h, http.MethodGet, "/v1/sessions", "")
	var resp struct {
		Sessions []string `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Sessions) != 2 || resp.Sessions[0] != "a" {
		t.Errorf("sessions = %v", resp.Sessions)
	}
}

func TestRouter_Reply(t *testing.T) {
	tests := []struct {
		name    string
		session *fakeSession
		path    string
		body    string
		code    int
	}{
		{
			name:    "accepted",
			session: &fakeSession{id: "s"},
			path:    "/v1/sessions/s/reply",
			body:    `{"turnId":"s-turn-1","text":"Sure thing.","priority":"high"}`,
			code:    http.StatusAccepted,
		},
		{
			name:    "unknown session",
			session: &fakeSession{id: "s"},
			path:    "/v1/sessions/other/reply",
			body:    `{"text":"hi"}`,
			code:    http.StatusNotFound,
		},
		{
			name:    "empty text",
			session: &fakeSession{id: "s"},
			path:    "/v1/sessions/s/reply",
			body:    `{"text":""}`,
			code:    http.StatusBadRequest,
		},
		{
			name:    "bad priority",
			session: &fakeSession{id: "s"},
			path:    "/v1/sessions/s/reply",
			body:    `{"text":"hi","priority":"urgent"}`,
			code:    http.StatusBadRequest,
		},
		{
			name:    "malformed body",
			session: &fakeSession{id: "s"},
			path:    "/v1/sessions/s/reply",
			body:    `{"text":`,
			code:    http.StatusBadRequest,
		},
		{
			name:    "stale turn",
			session: &fakeSession{id: "s", err: voice.ErrStaleReply},
			path:    "/v1/sessions/s/reply",
			body:    `{"turnId":"s-turn-0","text":"late"}`,
			code:    http.StatusConflict,
		},
		{
			name:    "listening",
			session: &fakeSession{id: "s", err: voice.ErrReplyWhileListening},
			path:    "/v1/sessions/s/reply",
			body:    `{"text":"hi"}`,
			code:    http.StatusConflict,
		},
		{
			name:    "queue full",
			session: &fakeSession{id: "s", err: tts.ErrQueueFull},
			path:    "/v1/sessions/s/reply",
			body:    `{"text":"hi"}`,
			code:    http.StatusTooManyRequests,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestRouter(t, tt.session)
			rec := do(h, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.code {
				t.Fatalf("POST %s = %d, want %d (%s)", tt.path, rec.Code, tt.code, rec.Body)
			}
		})
	}
}

func TestRouter_ReplyPriority(t *testing.T) {
	s := &fakeSession{id: "s"}
	h, _ := newTestRouter(t, s)

	do(h, http.MethodPost, "/v1/sessions/s/reply", `{"text":"one"}`)
	do(h, http.MethodPost, "/v1/sessions/s/reply", `{"text":"two","priority":"high"}`)

	if len(s.prios) != 2 || s.prios[0] != tts.PriorityNormal || s.prios[1] != tts.PriorityHigh {
		t.Errorf("priorities = %v", s.prios)
	}
}
