package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Remote speech-to-text providers
const (
	ProviderWhisper  = "whisper"
	ProviderDeepgram = "deepgram"
)

// Audio sources
const (
	AudioSourceStdin     = "stdin"
	AudioSourceWebSocket = "websocket"
)

// Key store backends
const (
	KeyStoreKeyring = "keyring"
	KeyStoreFile    = "file"
)

// Key loss policies
const (
	KeyLossFail       = "fail"
	KeyLossRegenerate = "regenerate"
)

// Config holds all configuration for the session recorder service
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8080"`
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:"9090"` // Empty disables the gRPC health server

	// Working directory for encrypted segments and the key file
	DataDir string `envconfig:"DATA_DIR" default:"./data"`

	// Capture configuration (16-bit signed little-endian mono PCM)
	AudioSource         string        `envconfig:"AUDIO_SOURCE" default:"stdin"` // stdin, websocket
	SampleRate          int           `envconfig:"SAMPLE_RATE" default:"44100"`
	InputBufferSize     int           `envconfig:"INPUT_BUFFER_SIZE" default:"1024"`    // Bytes delivered per input callback
	AudioBufferSize     int           `envconfig:"AUDIO_BUFFER_SIZE" default:"1048576"` // Ring buffer size in bytes
	SegmentDuration     time.Duration `envconfig:"SEGMENT_DURATION" default:"30s"`
	SealTrailingSegment bool          `envconfig:"SEAL_TRAILING_SEGMENT" default:"true"`
	SkipSilentSegments  bool          `envconfig:"SKIP_SILENT_SEGMENTS" default:"false"`
	VADEnergyThreshold  float64       `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"`
	VADSilenceFrames    int           `envconfig:"VAD_SILENCE_FRAMES" default:"10"`

	// Encryption key storage
	KeyStore      string `envconfig:"KEY_STORE" default:"keyring"` // keyring, file
	KeyFile       string `envconfig:"KEY_FILE" default:""`         // Defaults to DATA_DIR/encryption.key
	KeyLossPolicy string `envconfig:"KEY_LOSS_POLICY" default:"fail"`

	// Remote speech-to-text configuration
	STTProvider      string        `envconfig:"STT_PROVIDER" default:"whisper"` // whisper, deepgram
	OpenAIAPIKey     string        `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL    string        `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	WhisperModel     string        `envconfig:"WHISPER_MODEL" default:"whisper-1"`
	DeepgramAPIKey   string        `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel    string        `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string        `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`
	RemoteTimeout    time.Duration `envconfig:"REMOTE_TIMEOUT" default:"60s"`

	// Resilience configuration
	RetryMaxAttempts     int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`      // Retries after the first attempt
	RetryInitialBackoff  int `envconfig:"RETRY_INITIAL_BACKOFF" default:"500"` // Milliseconds
	RetryMaxBackoff      int `envconfig:"RETRY_MAX_BACKOFF" default:"0"`       // Milliseconds, 0 = uncapped
	FailureThreshold     int `envconfig:"FAILURE_THRESHOLD" default:"5"`       // Exhausted segments before fallback
	ReconnectMaxAttempts int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff     int `envconfig:"RECONNECT_BACKOFF" default:"200"` // Milliseconds

	// On-device fallback recognizer
	FallbackCommand   string        `envconfig:"FALLBACK_COMMAND" default:"whisper-cli"`
	FallbackModelPath string        `envconfig:"FALLBACK_MODEL_PATH" default:"./models/ggml-base.en.bin"`
	FallbackTimeout   time.Duration `envconfig:"FALLBACK_TIMEOUT" default:"120s"`

	// Summarization collaborator
	SummaryModel    string `envconfig:"SUMMARY_MODEL" default:"gpt-4o-mini"`
	SummaryMinChars int    `envconfig:"SUMMARY_MIN_CHARS" default:"50"`

	// Session handling
	StopDrainTimeout     time.Duration `envconfig:"STOP_DRAIN_TIMEOUT" default:"30s"`
	RetainFailedSegments bool          `envconfig:"RETAIN_FAILED_SEGMENTS" default:"true"`
	DatabaseURL          string        `envconfig:"DATABASE_URL" default:""` // postgres://... or a SQLite file path
	TranscriptWebhookURL string        `envconfig:"TRANSCRIPT_WEBHOOK_URL" default:""`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks provider-dependent required fields and value ranges
func (c *Config) Validate() error {
	switch c.STTProvider {
	case ProviderWhisper:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when STT_PROVIDER=%s", ProviderWhisper)
		}
	case ProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when STT_PROVIDER=%s", ProviderDeepgram)
		}
	default:
		return fmt.Errorf("STT_PROVIDER must be %q or %q, got %q", ProviderWhisper, ProviderDeepgram, c.STTProvider)
	}

	switch c.AudioSource {
	case AudioSourceStdin, AudioSourceWebSocket:
	default:
		return fmt.Errorf("AUDIO_SOURCE must be %q or %q, got %q", AudioSourceStdin, AudioSourceWebSocket, c.AudioSource)
	}

	switch c.KeyStore {
	case KeyStoreKeyring, KeyStoreFile:
	default:
		return fmt.Errorf("KEY_STORE must be %q or %q, got %q", KeyStoreKeyring, KeyStoreFile, c.KeyStore)
	}

	switch c.KeyLossPolicy {
	case KeyLossFail, KeyLossRegenerate:
	default:
		return fmt.Errorf("KEY_LOSS_POLICY must be %q or %q, got %q", KeyLossFail, KeyLossRegenerate, c.KeyLossPolicy)
	}

	if c.SegmentDuration <= 0 {
		return fmt.Errorf("SEGMENT_DURATION must be positive, got %s", c.SegmentDuration)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must not be negative, got %d", c.RetryMaxAttempts)
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("FAILURE_THRESHOLD must be positive, got %d", c.FailureThreshold)
	}

	return nil
}

// KeyFilePath returns the key file location, defaulting into DataDir
func (c *Config) KeyFilePath() string {
	if c.KeyFile != "" {
		return c.KeyFile
	}
	return strings.TrimRight(c.DataDir, "/") + "/encryption.key"
}

// SegmentDir returns the directory holding sealed segments
func (c *Config) SegmentDir() string {
	return strings.TrimRight(c.DataDir, "/") + "/segments"
}

// UsesPostgres reports whether DatabaseURL points at PostgreSQL
func (c *Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}
