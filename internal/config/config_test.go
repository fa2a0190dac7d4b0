package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	config := Default()
	if err := config.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(*Config)
		errorMsg string
	}{
		{"valid configuration", func(*Config) {}, ""},
		{"invalid server port", func(c *Config) { c.Server.UDPPort = 70000 }, "server config"},
		{"http enabled without address", func(c *Config) { c.HTTP.Address = "" }, "http config"},
		{"grpc bad port", func(c *Config) { c.GRPC.Enabled = true; c.GRPC.Port = 0 }, "grpc config"},
		{"unsupported sample rate", func(c *Config) { c.Audio.SampleRate = 12345 }, "audio config"},
		{"frame too long", func(c *Config) { c.Audio.FrameMs = 500 }, "audio config"},
		{"sensitivity out of range", func(c *Config) { c.VAD.Sensitivity = 4 }, "vad config"},
		{"max frames below min", func(c *Config) { c.VAD.MaxSpeechFrames = 2 }, "vad config"},
		{"zero max failures", func(c *Config) { c.STT.MaxFailures = 0 }, "stt config"},
		{"zero timeout", func(c *Config) { c.STT.TimeoutShort = 0 }, "stt config"},
		{"remote without timeout", func(c *Config) { c.STT.Remote.Endpoint = "http://x"; c.STT.Remote.Timeout = 0 }, "stt config"},
		{"unknown transport", func(c *Config) { c.Worker.Transport = "thread" }, "worker config"},
		{"whisper without binary", func(c *Config) { c.Worker.Engine = "whisper" }, "worker config"},
		{"grace below heartbeat", func(c *Config) { c.Worker.HeartbeatGraceMs = 500 }, "worker config"},
		{"zero pool", func(c *Config) { c.Worker.PoolSize = 0 }, "worker config"},
		{"transcript size", func(c *Config) { c.Transcript.Path = "t.log"; c.Transcript.MaxSizeMB = 0 }, "transcript config"},
		{"invalid log level", func(c *Config) { c.Logging.Level = "trace" }, "logging config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.modify(&config)
			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing '%s' but got none", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing '%s' but got: %v", tt.errorMsg, err)
			}
		})
	}
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
server:
  udp_port: 5555
audio:
  sample_rate: 8000
  frame_ms: 20
vad:
  sensitivity: 3
  silence_threshold_ms: 700
stt:
  language: de
  timeout_short: 2.5
  max_failures: 5
  failure_backoff: 60
  remote:
    endpoint: https://stt.example.com/v1/transcribe
worker:
  pool_size: 3
  args: ["-engine", "stub"]
logging:
  level: debug
  format: text
`)

	config, err := Loader{Lookup: func(string) (string, bool) { return "", false }}.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.Server.UDPPort != 5555 || config.Server.BindAddress != "0.0.0.0" {
		t.Errorf("Unexpected server config: %+v", config.Server)
	}
	if config.Audio.SampleRate != 8000 || config.Audio.GetFrameSize() != 160 {
		t.Errorf("Unexpected audio config: %+v", config.Audio)
	}
	tuning := config.VAD.Tuning()
	if tuning.Sensitivity != 3 || tuning.SilenceThreshold != 700*time.Millisecond || tuning.MinSpeechFrames != 5 {
		t.Errorf("Unexpected tuning: %+v", tuning)
	}
	if config.STT.GetTimeoutShortDuration() != 2500*time.Millisecond {
		t.Errorf("Expected 2.5s short timeout, got %v", config.STT.GetTimeoutShortDuration())
	}
	if config.STT.GetTimeoutStandardDuration() != 10*time.Second {
		t.Errorf("Expected default standard timeout, got %v", config.STT.GetTimeoutStandardDuration())
	}
	if config.STT.GetFailureWindowDuration() != time.Minute {
		t.Errorf("Expected failure window to follow backoff, got %v", config.STT.GetFailureWindowDuration())
	}
	if config.STT.Remote.GetTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected default remote timeout, got %v", config.STT.Remote.GetTimeoutDuration())
	}
	if config.Worker.PoolSize != 3 || len(config.Worker.Args) != 2 {
		t.Errorf("Unexpected worker config: %+v", config.Worker)
	}
	if config.GetMaxSegmentDuration() != 31*time.Second {
		t.Errorf("Expected 31s segment cap, got %v", config.GetMaxSegmentDuration())
	}
}

func TestLoadInvalidFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid yaml", "server: [unclosed"},
		{"invalid values", "vad:\n  sensitivity: 9\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.content)
			if _, err := Load(path); err == nil {
				t.Error("Expected error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoaderEnvOverrides(t *testing.T) {
	env := map[string]string{
		"LISTENER_VAD_SENSITIVITY":     "1",
		"LISTENER_VAD_AUDIO_THRESHOLD": "0.02",
		"LISTENER_STT_LANGUAGE":        " fr ",
		"LISTENER_STT_REMOTE_API_KEY":  "secret",
		"LISTENER_HTTP_ENABLED":        "false",
		"LISTENER_WORKER_ARGS":         "-engine whisper",
		"LISTENER_WORKER_TRANSPORT":    "sim",
		"LISTENER_LOGGING_LEVEL":       "",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	config, err := Loader{Lookup: lookup}.Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.VAD.Sensitivity != 1 || config.VAD.AudioThreshold != 0.02 {
		t.Errorf("VAD overrides not applied: %+v", config.VAD)
	}
	if config.STT.Language != "fr" || config.STT.Remote.APIKey != "secret" {
		t.Errorf("STT overrides not applied: %+v", config.STT)
	}
	if config.HTTP.Enabled {
		t.Error("Expected HTTP disabled")
	}
	if len(config.Worker.Args) != 2 || config.Worker.Args[1] != "whisper" || config.Worker.Transport != "sim" {
		t.Errorf("Worker overrides not applied: %+v", config.Worker)
	}
	if config.Logging.Level != "info" {
		t.Errorf("Empty override must keep default, got %q", config.Logging.Level)
	}
}

func TestLoaderEnvErrors(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"LISTENER_SERVER_UDP_PORT", "abc"},
		{"LISTENER_STT_TIMEOUT_SHORT", "soon"},
		{"LISTENER_HTTP_ENABLED", "maybe"},
		{"LISTENER_VAD_SENSITIVITY", "7"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			lookup := func(key string) (string, bool) {
				if key == tt.key {
					return tt.value, true
				}
				return "", false
			}
			if _, err := (Loader{Lookup: lookup}).Load(""); err == nil {
				t.Errorf("Expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "vad:\n  sensitivity: 1\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	loader := Loader{Lookup: func(string) (string, bool) { return "", false }}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	done := make(chan error, 1)
	go func() {
		done <- loader.Watch(ctx, path, logger, func(c *Config) { changes <- c })
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	writeConfig(t, dir, "vad:\n  sensitivity: 9\n")
	writeConfig(t, dir, "vad:\n  sensitivity: 3\n")

	select {
	case c := <-changes:
		if c.VAD.Sensitivity != 3 {
			t.Errorf("Expected sensitivity 3, got %d", c.VAD.Sensitivity)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Watch did not return after cancel")
	}
}
