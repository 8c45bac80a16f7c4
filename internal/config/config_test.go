package config

import (
	"testing"
	"time"
)

func setRequiredKeys(t *testing.T) {
	t.Helper()
	t.Setenv("DEEPGRAM_API_KEY", "dg-test")
	t.Setenv("ELEVENLABS_API_KEY", "el-test")
	t.Setenv("OPENAI_API_KEY", "oa-test")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredKeys(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.MaxConnections != 100 {
		t.Fatalf("MaxConnections = %d, want 100", cfg.MaxConnections)
	}
	if cfg.HeartbeatInterval != 30*time.Second || cfg.ConnectionTimeout != 60*time.Second {
		t.Fatalf("heartbeat/timeout = %s/%s", cfg.HeartbeatInterval, cfg.ConnectionTimeout)
	}
	if cfg.MaxReconnectAttempts != 6 {
		t.Fatalf("MaxReconnectAttempts = %d, want 6", cfg.MaxReconnectAttempts)
	}
	if !cfg.SpeculativeLLM {
		t.Fatalf("SpeculativeLLM = false, want true")
	}
	if cfg.TTSOutputFormat != "mp3_22050_32" {
		t.Fatalf("TTSOutputFormat = %q", cfg.TTSOutputFormat)
	}
}

func TestLoadMissingMandatoryKey(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "")
	t.Setenv("ELEVENLABS_API_KEY", "el-test")
	t.Setenv("OPENAI_API_KEY", "oa-test")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() err = nil, want missing DEEPGRAM_API_KEY error")
	}
}

func TestLoadOverridesAndValidation(t *testing.T) {
	setRequiredKeys(t)
	t.Setenv("MAX_WS_CONNECTIONS", "2")
	t.Setenv("WS_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("WS_CONNECTION_TIMEOUT", "10s")
	t.Setenv("STT_DISABLE_RECONNECT", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConnections != 2 || cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if !cfg.STTDisableReconnect {
		t.Fatalf("STTDisableReconnect = false, want true")
	}

	t.Setenv("WS_CONNECTION_TIMEOUT", "1s")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted timeout < heartbeat, want error")
	}
}

func TestLoadRejectsBadLatencyTier(t *testing.T) {
	setRequiredKeys(t)
	t.Setenv("TTS_OPTIMIZE_STREAMING_LATENCY", "7")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted optimize_streaming_latency=7, want error")
	}
}
