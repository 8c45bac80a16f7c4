package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice agent gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	DeepgramAPIKey      string
	DeepgramBaseURL     string
	STTModel            string
	STTLanguage         string
	STTDisableReconnect bool

	ElevenLabsAPIKey   string
	ElevenLabsBaseURL  string
	TTSVoiceID         string
	TTSOutputFormat    string
	TTSOptimizeLatency int

	OpenAIAPIKey  string
	OpenAIBaseURL string
	LLMModel      string
	LLMMaxTokens  int

	MaxConnections       int
	HeartbeatInterval    time.Duration
	ConnectionTimeout    time.Duration
	MaxReconnectAttempts int
	AdmissionsPerSecond  int

	SpeculativeLLM    bool
	LLMStreamingDelay time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults. It fails on
// missing mandatory upstream credentials so the process exits non-zero
// before accepting any client connection.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "aria"),
		ShutdownTimeout:  15 * time.Second,

		DeepgramBaseURL: envOrDefault("DEEPGRAM_WS_BASE_URL", "wss://api.deepgram.com"),
		STTModel:        envOrDefault("STT_MODEL", "nova-2"),
		STTLanguage:     envOrDefault("STT_LANGUAGE", "en"),

		ElevenLabsBaseURL:  envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		TTSVoiceID:         envOrDefault("TTS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		TTSOutputFormat:    envOrDefault("TTS_OUTPUT_FORMAT", "mp3_22050_32"),
		TTSOptimizeLatency: 3,

		OpenAIBaseURL: envOrDefault("OPENAI_BASE_URL", "https://api.openai.com"),
		LLMModel:      envOrDefault("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:  150,

		MaxConnections:       100,
		HeartbeatInterval:    30 * time.Second,
		ConnectionTimeout:    60 * time.Second,
		MaxReconnectAttempts: 6,
		AdmissionsPerSecond:  10,

		SpeculativeLLM:    true,
		LLMStreamingDelay: 120 * time.Millisecond,

		DeepgramAPIKey:   trimmedEnv("DEEPGRAM_API_KEY"),
		ElevenLabsAPIKey: trimmedEnv("ELEVENLABS_API_KEY"),
		OpenAIAPIKey:     trimmedEnv("OPENAI_API_KEY"),
		DatabaseURL:      trimmedEnv("DATABASE_URL"),
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxConnections, err = intFromEnv("MAX_WS_CONNECTIONS", cfg.MaxConnections); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = durationFromEnv("WS_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	if cfg.ConnectionTimeout, err = durationFromEnv("WS_CONNECTION_TIMEOUT", cfg.ConnectionTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxReconnectAttempts, err = intFromEnv("WS_MAX_RECONNECT_ATTEMPTS", cfg.MaxReconnectAttempts); err != nil {
		return Config{}, err
	}
	if cfg.AdmissionsPerSecond, err = intFromEnv("WS_ADMISSIONS_PER_SECOND", cfg.AdmissionsPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.STTDisableReconnect, err = boolFromEnv("STT_DISABLE_RECONNECT", cfg.STTDisableReconnect); err != nil {
		return Config{}, err
	}
	if cfg.SpeculativeLLM, err = boolFromEnv("LLM_SPECULATIVE", cfg.SpeculativeLLM); err != nil {
		return Config{}, err
	}
	if cfg.LLMStreamingDelay, err = durationFromEnv("LLM_STREAMING_DELAY", cfg.LLMStreamingDelay); err != nil {
		return Config{}, err
	}
	if cfg.LLMMaxTokens, err = intFromEnv("LLM_MAX_TOKENS", cfg.LLMMaxTokens); err != nil {
		return Config{}, err
	}
	if cfg.TTSOptimizeLatency, err = intFromEnv("TTS_OPTIMIZE_STREAMING_LATENCY", cfg.TTSOptimizeLatency); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}

	if cfg.DeepgramAPIKey == "" {
		return Config{}, fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if cfg.ElevenLabsAPIKey == "" {
		return Config{}, fmt.Errorf("ELEVENLABS_API_KEY is required")
	}
	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.MaxConnections <= 0 {
		return Config{}, fmt.Errorf("MAX_WS_CONNECTIONS must be positive")
	}
	if cfg.HeartbeatInterval < time.Second {
		return Config{}, fmt.Errorf("WS_HEARTBEAT_INTERVAL must be at least 1s")
	}
	if cfg.ConnectionTimeout < cfg.HeartbeatInterval {
		return Config{}, fmt.Errorf("WS_CONNECTION_TIMEOUT must be >= WS_HEARTBEAT_INTERVAL")
	}
	if cfg.MaxReconnectAttempts < 0 {
		return Config{}, fmt.Errorf("WS_MAX_RECONNECT_ATTEMPTS must be >= 0")
	}
	if cfg.AdmissionsPerSecond <= 0 {
		return Config{}, fmt.Errorf("WS_ADMISSIONS_PER_SECOND must be positive")
	}
	if cfg.TTSOptimizeLatency < 0 || cfg.TTSOptimizeLatency > 4 {
		return Config{}, fmt.Errorf("TTS_OPTIMIZE_STREAMING_LATENCY must be in [0,4]")
	}
	if cfg.LLMMaxTokens <= 0 {
		return Config{}, fmt.Errorf("LLM_MAX_TOKENS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
