// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Service       ServiceConfig
	HTTP          HTTPConfig
	STT           STTConfig
	Monitor       MonitorConfig
	TTS           TTSConfig
	Voice         VoiceConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig identifies the service and its gRPC port.
type ServiceConfig struct {
	Principal string
	GRPCPort  string
}

// HTTPConfig configures the HTTP and websocket listener.
type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string // empty allows any origin
}

// STTConfig selects and configures the speech recognizer.
type STTConfig struct {
	Provider        string // mock, google, browser
	LanguageCode    string
	SampleRateHz    int
	InterimResults  bool
	AudioEncoding   string
	StopTimeout     time.Duration
	CredentialsFile string
}

// MonitorConfig holds the silence detection thresholds.
type MonitorConfig struct {
	AutoStopOnSilence bool
	SilenceDuration   time.Duration
	CheckInterval     time.Duration
	SilenceLevel      float64
	SilenceDb         float64
	FFTSize           int
	Smoothing         float64
}

// TTSConfig holds speech synthesis preferences.
type TTSConfig struct {
	PreferredVoices []string
	Locale          string
	Rate            float64
	Pitch           float64
	Volume          float64
	MaxQueue        int
}

// VoiceConfig holds the turn-taking policy.
type VoiceConfig struct {
	SuppressReplyWhileListening bool
	ProcessingTimeout           time.Duration
	MaxListenDuration           time.Duration // 0 disables the limit
	MaxPartials                 int           // 0 disables the limit
}

// KafkaConfig configures transcript publishing and reply consumption.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	TopicReply   string
	GroupID      string
	Principal    string
}

// ObservabilityConfig configures logging and the metrics listener.
type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// Load reads the configuration. Unparseable values fall back to defaults.
func Load() *Config {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-voice-pipeline")

	return &Config{
		Service: ServiceConfig{
			Principal: principal,
			GRPCPort:  envOrDefault("GRPC_PORT", "50051"),
		},
		HTTP: HTTPConfig{
			Addr:            envOrDefault("HTTP_ADDR", ":8080"),
			ShutdownTimeout: envOrDefaultPositiveDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  envOrDefaultList("HTTP_ALLOWED_ORIGINS", nil),
		},
		STT: STTConfig{
			Provider:        envOrDefault("STT_PROVIDER", "mock"),
			LanguageCode:    envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:    envOrDefaultInt("STT_SAMPLE_RATE_HZ", 16000),
			InterimResults:  envOrDefaultBool("STT_INTERIM_RESULTS", true),
			AudioEncoding:   envOrDefault("STT_AUDIO_ENCODING", "LINEAR16"),
			StopTimeout:     envOrDefaultDuration("STT_STOP_TIMEOUT", 3*time.Second),
			CredentialsFile: envOrDefault("GOOGLE_CREDENTIALS_FILE", ""),
		},
		Monitor: MonitorConfig{
			AutoStopOnSilence: envOrDefaultBool("VOICE_AUTO_STOP_ON_SILENCE", true),
			SilenceDuration:   envOrDefaultPositiveDuration("MONITOR_SILENCE_DURATION", 2*time.Second),
			CheckInterval:     envOrDefaultPositiveDuration("MONITOR_CHECK_INTERVAL", 100*time.Millisecond),
			SilenceLevel:      envOrDefaultFloat("MONITOR_SILENCE_LEVEL", 10),
			SilenceDb:         envOrDefaultFloat("MONITOR_SILENCE_DB", -50),
			FFTSize:           envOrDefaultInt("MONITOR_FFT_SIZE", 256),
			Smoothing:         envOrDefaultFloat("MONITOR_SMOOTHING", 0.8),
		},
		TTS: TTSConfig{
			PreferredVoices: envOrDefaultList("TTS_PREFERRED_VOICES", []string{
				"Google US English",
				"Microsoft Zira - English (United States)",
				"Samantha",
				"Alex",
			}),
			Locale:   envOrDefault("TTS_LOCALE", "en-US"),
			Rate:     envOrDefaultFloat("TTS_RATE", 1.0),
			Pitch:    envOrDefaultFloat("TTS_PITCH", 1.0),
			Volume:   envOrDefaultFloat("TTS_VOLUME", 1.0),
			MaxQueue: envOrDefaultInt("TTS_MAX_QUEUE", 0),
		},
		Voice: VoiceConfig{
			SuppressReplyWhileListening: envOrDefaultBool("VOICE_SUPPRESS_REPLY_WHILE_LISTENING", true),
			ProcessingTimeout:           envOrDefaultDuration("VOICE_PROCESSING_TIMEOUT", 30*time.Second),
			MaxListenDuration:           envOrDefaultDuration("VOICE_MAX_LISTEN_DURATION", 5*time.Minute),
			MaxPartials:                 envOrDefaultInt("VOICE_MAX_PARTIALS", 500),
		},
		Kafka: KafkaConfig{
			Enabled:      envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:      envOrDefaultList("KAFKA_BROKERS", nil),
			TopicPartial: envOrDefault("KAFKA_TOPIC_PARTIAL", "voice.transcript.partial"),
			TopicFinal:   envOrDefault("KAFKA_TOPIC_FINAL", "voice.transcript.final"),
			TopicReply:   envOrDefault("KAFKA_TOPIC_REPLY", "voice.reply"),
			GroupID:      envOrDefault("KAFKA_GROUP_ID", "voice-pipeline"),
			Principal:    envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:    envOrDefault("LOG_LEVEL", envOrDefault("ZEROLOG_LOG_LEVEL", "info")),
			LogFormat:   envOrDefault("LOG_FORMAT", defaultLogFormat()),
			MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),
		},
	}
}

// defaultLogFormat is console output for local development, json elsewhere.
func defaultLogFormat() string {
	if strings.EqualFold(os.Getenv("ENV"), "dev") {
		return "console"
	}
	return "json"
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envOrDefaultPositiveDuration is envOrDefaultDuration for settings where zero
// or a negative value cannot work.
func envOrDefaultPositiveDuration(key string, def time.Duration) time.Duration {
	if d := envOrDefaultDuration(key, def); d > 0 {
		return d
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// envOrDefaultList splits a comma-separated value, dropping empty entries.
func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
