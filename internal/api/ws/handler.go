package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-voice-pipeline-service/internal/observability/logging"
	"ai-voice-pipeline-service/internal/observability/metrics"
	"ai-voice-pipeline-service/internal/service/capture"
	"ai-voice-pipeline-service/internal/service/monitor"
	"ai-voice-pipeline-service/internal/service/session"
	"ai-voice-pipeline-service/internal/service/stt"
	"ai-voice-pipeline-service/internal/service/tts"
	"ai-voice-pipeline-service/internal/service/voice"
)

// maxSessionIDLen bounds client-chosen session ids.
const maxSessionIDLen = 128

// Config holds per-connection settings.
type Config struct {
	STT     stt.Config
	Monitor monitor.Config
	TTS     tts.Config
	Voice   voice.Config

	// SampleRateHz is assumed when the client does not report its capture rate.
	SampleRateHz int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongTimeout      time.Duration
	MaxMessageBytes  int64
	SendBuffer       int
	AllowedOrigins   []string // empty allows any origin
}

// DefaultConfig returns the connection defaults.
func DefaultConfig() Config {
	return Config{
		STT:              stt.DefaultConfig(),
		Monitor:          monitor.DefaultConfig(),
		TTS:              tts.DefaultConfig(),
		Voice:            voice.DefaultConfig(),
		SampleRateHz:     16000,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		PongTimeout:      60 * time.Second,
		MaxMessageBytes:  1 << 20,
		SendBuffer:       256,
	}
}

// RecognizerFactory returns the recognition service for one connection. mic
// is the connection's shared microphone and browser the client's own
// recognizer. release is called when the connection ends and may be nil.
type RecognizerFactory func(ctx context.Context, mic capture.Device, browser stt.Service) (svc stt.Service, release func() error, err error)

// BrowserRecognizer always uses the client's recognizer.
func BrowserRecognizer(_ context.Context, _ capture.Device, browser stt.Service) (stt.Service, func() error, error) {
	return browser, nil, nil
}

// Handler serves voice sessions at a websocket endpoint.
type Handler struct {
	cfg       Config
	registry  *session.Registry
	publisher voice.TranscriptPublisher
	recognize RecognizerFactory
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

// NewHandler creates the websocket handler. A nil publisher drops
// transcripts; a nil factory uses the browser recognizer.
func NewHandler(cfg Config, registry *session.Registry, publisher voice.TranscriptPublisher, recognize RecognizerFactory) *Handler {
	if recognize == nil {
		recognize = BrowserRecognizer
	}
	h := &Handler{
		cfg:       cfg,
		registry:  registry,
		publisher: publisher,
		recognize: recognize,
		log:       logging.WithComponent("ws"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  16384,
		WriteBufferSize: 16384,
		CheckOrigin:     h.originAllowed,
	}
	return h
}

func (h *Handler) originAllowed(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs one voice session until the
// client leaves.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if len(sessionID) > maxSessionIDLen {
		http.Error(w, "sessionId too long", http.StatusBadRequest)
		return
	}
	if _, err := h.registry.Get(sessionID); err == nil {
		http.Error(w, "session already connected", http.StatusConflict)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer func() { _ = ws.Close() }()

	log := logging.WithSession("ws", sessionID)

	if h.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.cfg.MaxMessageBytes)
	}
	hello, err := h.readHello(ws)
	if err != nil {
		log.Warn().Err(err).Msg("Handshake failed")
		writeError(ws, h.cfg.WriteTimeout, "handshake failed: "+err.Error())
		return
	}

	metrics.DefaultMetrics.RecordStreamStart()
	start := time.Now()
	defer func() { metrics.DefaultMetrics.RecordStreamEnd(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newConn(ws, h.cfg.SendBuffer, h.cfg.WriteTimeout, h.pingInterval(), log)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump()
	}()

	s, err := h.open(ctx, c, sessionID, hello, log)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to open voice session")
		_ = c.Send(Outbound{Type: TypeError, Message: err.Error()})
		c.close()
		<-pumpDone
		return
	}

	log.Info().
		Bool("microphone", hello.Microphone).
		Bool("speechSynthesis", hello.SpeechSynthesis).
		Bool("speechRecognition", hello.SpeechRecognition).
		Str("provider", s.provider).
		Msg("Voice session opened")

	go s.runIntents(ctx)
	s.readLoop(ctx)

	cancel()
	s.teardown()
	c.close()
	<-pumpDone
	log.Info().Dur("duration", time.Since(start)).Msg("Voice session closed")
}

func (h *Handler) pingInterval() time.Duration {
	if h.cfg.PongTimeout <= 0 {
		return 30 * time.Second
	}
	return h.cfg.PongTimeout * 9 / 10
}

// readHello reads the capability handshake, which must be the first frame.
func (h *Handler) readHello(ws *websocket.Conn) (Inbound, error) {
	if h.cfg.HandshakeTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	}
	mt, data, err := ws.ReadMessage()
	if err != nil {
		return Inbound{}, err
	}
	if mt != websocket.TextMessage {
		return Inbound{}, errors.New("first frame must be hello")
	}
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, err
	}
	if msg.Type != TypeHello {
		return Inbound{}, errors.New("first frame must be hello")
	}
	_ = ws.SetReadDeadline(time.Time{})
	return msg, nil
}

// open builds the engines of one connection and registers the session.
func (h *Handler) open(ctx context.Context, c *conn, sessionID string, hello Inbound, log zerolog.Logger) (*connSession, error) {
	rate := hello.SampleRate
	if rate <= 0 {
		rate = h.cfg.SampleRateHz
	}
	s := &connSession{
		conn:    c,
		ws:      c.ws,
		log:     log,
		mic:     newMicrophone(c, hello.Microphone, rate, log),
		speech:  newSpeech(c, hello.SpeechSynthesis, log),
		browser: newRecognition(c, hello.SpeechRecognition, log),
		intents: make(chan struct{}, 1),
		pong:    h.cfg.PongTimeout,
	}
	shared := capture.NewShared(s.mic)

	svc, release, err := h.recognize(ctx, shared, s.browser)
	if err != nil {
		s.shutdownTransport()
		return nil, err
	}
	s.release = release
	s.provider = svc.Name()

	vcfg := h.cfg.Voice
	vcfg.Provider = svc.Name()
	opts := []voice.Option{
		voice.WithMonitor(monitor.New(shared, h.cfg.Monitor, monitor.WithLogger(log))),
	}
	if h.publisher != nil {
		opts = append(opts, voice.WithPublisher(h.publisher))
	}
	s.coord = voice.New(
		sessionID,
		stt.NewEngine(svc, h.cfg.STT, stt.WithLogger(log)),
		tts.New(s.speech, h.cfg.TTS, tts.WithLogger(log)),
		vcfg,
		opts...,
	)

	s.unregister, err = h.registry.Register(s.coord)
	if err != nil {
		s.coord.Close()
		s.shutdownTransport()
		return nil, err
	}
	s.unsubscribe = s.coord.Subscribe(func(snap voice.Snapshot) {
		_ = c.Send(stateMessage(snap))
	})

	_ = c.Send(Outbound{Type: TypeSession, SessionID: sessionID})
	_ = c.Send(stateMessage(s.coord.Snapshot()))
	return s, nil
}

// connSession is the server side of one connected client.
type connSession struct {
	conn     *conn
	ws       *websocket.Conn
	log      zerolog.Logger
	mic      *Microphone
	speech   *Speech
	browser  *Recognition
	coord    *voice.Coordinator
	provider string
	pong     time.Duration

	// intents has room for one pending toggle; further presses while one is
	// pending collapse into it.
	intents chan struct{}

	release     func() error
	unregister  func()
	unsubscribe func()
}

// runIntents applies toggles off the read loop, which must stay free to
// deliver the microphone grant a toggle may be waiting for.
func (s *connSession) runIntents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.intents:
			if err := s.coord.Toggle(ctx); err != nil {
				s.log.Debug().Err(err).Msg("Toggle rejected")
				if errors.Is(err, voice.ErrUnsupported) || errors.Is(err, voice.ErrProcessing) {
					_ = s.conn.Send(Outbound{Type: TypeError, Message: err.Error()})
				}
			}
		}
	}
}

func (s *connSession) readLoop(ctx context.Context) {
	if s.pong > 0 {
		_ = s.ws.SetReadDeadline(time.Now().Add(s.pong))
		s.ws.SetPongHandler(func(string) error {
			return s.ws.SetReadDeadline(time.Now().Add(s.pong))
		})
	}

	for {
		mt, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("Read failed")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			s.mic.audio(data)
			continue
		}

		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug().Err(err).Msg("Ignoring malformed message")
			continue
		}
		if !s.dispatch(msg) {
			return
		}
	}
}

// dispatch routes one control message. It reports false when the client
// ended the session.
func (s *connSession) dispatch(msg Inbound) bool {
	switch msg.Type {
	case TypeToggle:
		select {
		case s.intents <- struct{}{}:
		default:
		}
	case TypeMicOpened:
		s.mic.opened(msg)
	case TypeMicError:
		s.mic.failed(msg)
	case TypeVoices:
		s.speech.voicesChanged(msg)
	case TypeUtteranceEnd:
		s.speech.utteranceEnded(msg)
	case TypeUtteranceError:
		s.speech.utteranceFailed(msg)
	case TypeRecognitionStart:
		s.browser.started(msg)
	case TypeRecognitionResult:
		s.browser.result(msg)
	case TypeRecognitionError:
		s.browser.failed(msg)
	case TypeRecognitionEnd:
		s.browser.ended(msg)
	case TypeBye:
		return false
	default:
		s.log.Debug().Str("type", msg.Type).Msg("Ignoring unknown message type")
	}
	return true
}

func (s *connSession) teardown() {
	s.unsubscribe()
	s.unregister()
	s.coord.Close()
	s.shutdownTransport()
}

func (s *connSession) shutdownTransport() {
	s.browser.shutdown()
	s.speech.shutdown()
	s.mic.shutdown()
	if s.release != nil {
		if err := s.release(); err != nil {
			s.log.Debug().Err(err).Msg("Failed to release recognizer")
		}
	}
}

// writeError reports a fatal error before the write pump runs.
func writeError(ws *websocket.Conn, timeout time.Duration, message string) {
	_ = ws.SetWriteDeadline(time.Now().Add(timeout))
	_ = ws.WriteJSON(Outbound{Type: TypeError, Message: message})
}
