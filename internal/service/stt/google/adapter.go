// Package google provides a Google Cloud Speech-to-Text recognition service.
//
// Audio comes from a capture.Device; each session opens its own microphone
// stream (through capture.Shared when the monitor is also listening) and a
// StreamingRecognize call.
package google

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ai-voice-pipeline-service/internal/observability/logging"
	"ai-voice-pipeline-service/internal/service/capture"
	"ai-voice-pipeline-service/internal/service/stt"
)

// ErrNoMicrophone is returned when the service was built without a capture device.
var ErrNoMicrophone = errors.New("google: no capture device")

// Config holds Google-specific recognition settings.
type Config struct {
	LanguageCode    string
	SampleRateHz    int
	InterimResults  bool
	AudioEncoding   string
	CredentialsFile string
}

// DefaultConfig returns the default recognition settings.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   8000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
	}
}

// parseAudioEncoding maps an encoding name to the API enum, falling back to LINEAR16.
func parseAudioEncoding(name string) speechpb.RecognitionConfig_AudioEncoding {
	switch name {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// recognizeStream is the subset of the streaming client used by a session.
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

type streamOpener func(ctx context.Context) (recognizeStream, error)

// Service implements stt.Service using Google Cloud Speech-to-Text.
type Service struct {
	client *speech.Client
	open   streamOpener
	mic    capture.Device
	cfg    Config
	log    zerolog.Logger
}

// New creates the service. Credentials come from cfg.CredentialsFile or
// GOOGLE_APPLICATION_CREDENTIALS.
func New(ctx context.Context, mic capture.Device, cfg Config) (*Service, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	s := newService(mic, cfg, func(ctx context.Context) (recognizeStream, error) {
		return c.StreamingRecognize(ctx)
	})
	s.client = c
	return s, nil
}

func newService(mic capture.Device, cfg Config, open streamOpener) *Service {
	return &Service{
		open: open,
		mic:  mic,
		cfg:  cfg,
		log:  logging.WithComponent("stt.google"),
	}
}

// Close releases the API client.
func (s *Service) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Supported reports whether the recognizer can run.
func (s *Service) Supported() bool { return s.mic != nil && s.mic.Supported() }

// Name identifies the recognizer in transcript events.
func (s *Service) Name() string { return "google" }

// Open acquires the microphone, starts a streaming call and sends the config.
func (s *Service) Open(ctx context.Context, cfg stt.Config, l stt.Listener) (stt.Session, error) {
	if s.mic == nil {
		return nil, ErrNoMicrophone
	}
	mic, err := s.mic.Open(ctx, capture.VoiceConstraints())
	if err != nil {
		return nil, err
	}

	// The call outlives the request that opened it; Abort cancels it.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := s.open(sctx)
	if err != nil {
		cancel()
		mic.Close()
		return nil, err
	}

	if err := stream.Send(s.configRequest(cfg, mic.Format())); err != nil {
		cancel()
		mic.Close()
		return nil, err
	}

	sess := &session{
		stream: stream,
		mic:    mic,
		cancel: cancel,
		ctx:    sctx,
		l:      l,
		stopCh: make(chan struct{}),
		log:    s.log,
	}
	go sess.sendLoop()
	go sess.recvLoop()
	return sess, nil
}

func (s *Service) configRequest(cfg stt.Config, f capture.Format) *speechpb.StreamingRecognizeRequest {
	lang := cfg.Locale
	if lang == "" {
		lang = s.cfg.LanguageCode
	}
	rate := f.SampleRateHz
	if rate == 0 {
		rate = s.cfg.SampleRateHz
	}
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   parseAudioEncoding(s.cfg.AudioEncoding),
					SampleRateHertz:            int32(rate),
					LanguageCode:               lang,
					EnableAutomaticPunctuation: true,
				},
				InterimResults:  cfg.InterimResults && s.cfg.InterimResults,
				SingleUtterance: !cfg.Continuous,
			},
		},
	}
}

type session struct {
	stream recognizeStream
	mic    capture.Stream
	cancel context.CancelFunc
	ctx    context.Context
	l      stt.Listener
	log    zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	mu      sync.Mutex
	stopped bool
	aborted bool
}

// Stop half-closes the call; the server flushes final results and ends the stream.
func (s *session) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

// Abort cancels the call and releases the microphone.
func (s *session) Abort() error {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
	s.cancel()
	return s.mic.Close()
}

// sendLoop owns Send and CloseSend on the stream.
func (s *session) sendLoop() {
	defer func() {
		if err := s.stream.CloseSend(); err != nil {
			s.log.Debug().Err(err).Msg("CloseSend failed")
		}
	}()
	frames := s.mic.Frames()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
					AudioContent: pcmBytes(frame),
				},
			})
			if err != nil {
				// Recv reports the failure.
				return
			}
		}
	}
}

func (s *session) recvLoop() {
	defer func() {
		s.cancel()
		s.mic.Close()
	}()

	s.l.OnStart()
	gotResults := false
	for {
		resp, err := s.stream.Recv()
		if err == io.EOF {
			if !gotResults && !s.wasStopped() {
				s.l.OnError(stt.CodeNoSpeech, "stream ended without results")
			}
			s.l.OnEnd()
			return
		}
		if err != nil {
			s.l.OnError(s.errorCode(err), err.Error())
			s.l.OnEnd()
			return
		}
		if resp.Error != nil && resp.Error.Code != int32(codes.OK) {
			s.l.OnError(codeFor(codes.Code(resp.Error.Code)), resp.Error.Message)
			s.l.OnEnd()
			return
		}

		b := toBatch(resp)
		if len(b.Results) == 0 {
			continue
		}
		gotResults = true
		s.l.OnResult(b)
	}
}

func (s *session) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *session) errorCode(err error) string {
	s.mu.Lock()
	aborted := s.aborted
	s.mu.Unlock()
	if aborted || errors.Is(err, context.Canceled) {
		return stt.CodeAborted
	}
	return codeFor(status.Code(err))
}

// codeFor maps gRPC status codes onto native recognition codes.
func codeFor(c codes.Code) string {
	switch c {
	case codes.Unavailable, codes.DeadlineExceeded:
		return stt.CodeNetwork
	case codes.PermissionDenied, codes.Unauthenticated:
		return stt.CodeNotAllowed
	case codes.Canceled:
		return stt.CodeAborted
	default:
		return c.String()
	}
}

func toBatch(resp *speechpb.StreamingRecognizeResponse) stt.Batch {
	var b stt.Batch
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		b.Results = append(b.Results, stt.Result{
			Transcript: r.Alternatives[0].Transcript,
			IsFinal:    r.IsFinal,
		})
	}
	return b
}

// pcmBytes encodes samples as little-endian LINEAR16.
func pcmBytes(f capture.Frame) []byte {
	buf := make([]byte, len(f)*2)
	for i, s := range f {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
