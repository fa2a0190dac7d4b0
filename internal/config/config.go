package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vanta-voice/listener/internal/vad"
)

// Config represents the complete service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	HTTP       HTTPConfig       `yaml:"http"`
	GRPC       GRPCConfig       `yaml:"grpc"`
	Audio      AudioConfig      `yaml:"audio"`
	VAD        VADConfig        `yaml:"vad"`
	STT        STTConfig        `yaml:"stt"`
	Worker     WorkerConfig     `yaml:"worker"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains UDP server configuration
type ServerConfig struct {
	UDPPort              int    `yaml:"udp_port"`
	BindAddress          string `yaml:"bind_address"`
	BufferSize           int    `yaml:"buffer_size"`
	MaxConcurrentStreams int    `yaml:"max_concurrent_streams"`
	Workers              int    `yaml:"workers"`
	QueueSize            int    `yaml:"queue_size"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// GRPCConfig contains the gRPC health service configuration
type GRPCConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains audio framing parameters
type AudioConfig struct {
	SampleRate    int     `yaml:"sample_rate"`
	FrameMs       int     `yaml:"frame_ms"`
	StreamTimeout int     `yaml:"stream_timeout"` // seconds
	MaxSegment    float64 `yaml:"max_segment"`    // seconds, 0 = max_phrase_duration + 1s
	PreRollFrames int     `yaml:"pre_roll_frames"`
}

// VADConfig contains voice activity detection thresholds
type VADConfig struct {
	Sensitivity         int     `yaml:"sensitivity"`
	AudioThreshold      float64 `yaml:"audio_threshold"`
	MinSpeechFrames     int     `yaml:"min_speech_frames"`
	MaxSpeechFrames     int     `yaml:"max_speech_frames"`
	SilenceThresholdMs  int     `yaml:"silence_threshold_ms"`
	MaxPhraseDurationMs int     `yaml:"max_phrase_duration_ms"`
}

// STTConfig contains transcription cascade configuration
type STTConfig struct {
	Model              string       `yaml:"model"`
	Language           string       `yaml:"language"`
	TimeoutShort       float64      `yaml:"timeout_short"`        // seconds
	TimeoutStandard    float64      `yaml:"timeout_standard"`     // seconds
	ShortSegment       float64      `yaml:"short_segment"`        // seconds
	MaxFailures        int          `yaml:"max_failures"`
	FailureBackoff     float64      `yaml:"failure_backoff"`      // seconds
	FailureWindow      float64      `yaml:"failure_window"`       // seconds, 0 = failure_backoff
	MinPrimaryDuration float64      `yaml:"min_primary_duration"` // seconds, 0 disables
	Remote             RemoteConfig `yaml:"remote"`
}

// RemoteConfig contains the optional remote transcription API
type RemoteConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// WorkerConfig contains worker process pool configuration
type WorkerConfig struct {
	Transport           string   `yaml:"transport"` // "process" or "sim"
	Binary              string   `yaml:"binary"`
	Args                []string `yaml:"args"`
	Engine              string   `yaml:"engine"` // "stub" or "whisper"
	WhisperBinary       string   `yaml:"whisper_binary"`
	WhisperModel        string   `yaml:"whisper_model"`
	Threads             int      `yaml:"threads"`
	PoolSize            int      `yaml:"pool_size"`
	HeartbeatIntervalMs int      `yaml:"heartbeat_interval_ms"`
	HeartbeatGraceMs    int      `yaml:"heartbeat_grace_ms"`
	WatchdogIntervalMs  int      `yaml:"watchdog_interval_ms"`
	MemoryLimitMB       int      `yaml:"memory_limit_mb"`
	StartupTimeout      int      `yaml:"startup_timeout"` // seconds
	RestartBackoffMs    int      `yaml:"restart_backoff_ms"`
	MaxRestartBackoffMs int      `yaml:"max_restart_backoff_ms"`
	StableAfter         int      `yaml:"stable_after"` // seconds
	ShutdownGraceMs     int      `yaml:"shutdown_grace_ms"`
}

// TranscriptConfig contains transcript sink configuration
type TranscriptConfig struct {
	Path            string `yaml:"path"`
	MaxSizeMB       int    `yaml:"max_size_mb"`
	MaxBackups      int    `yaml:"max_backups"`
	WebsocketBuffer int    `yaml:"websocket_buffer"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for keys missing from the file.
func Default() Config {
	return Config{
		Server: ServerConfig{
			UDPPort:              4444,
			BindAddress:          "0.0.0.0",
			BufferSize:           65536,
			MaxConcurrentStreams: 64,
			Workers:              4,
			QueueSize:            1000,
		},
		HTTP: HTTPConfig{Port: 8080, Address: "0.0.0.0", Enabled: true},
		GRPC: GRPCConfig{Port: 9090, Address: "0.0.0.0", Enabled: false},
		Audio: AudioConfig{
			SampleRate:    16000,
			FrameMs:       30,
			StreamTimeout: 60,
		},
		VAD: VADConfig{
			Sensitivity:         2,
			AudioThreshold:      0.003,
			MinSpeechFrames:     5,
			MaxSpeechFrames:     150,
			SilenceThresholdMs:  500,
			MaxPhraseDurationMs: 30000,
		},
		STT: STTConfig{
			Model:           "base.en",
			Language:        "en",
			TimeoutShort:    5,
			TimeoutStandard: 10,
			ShortSegment:    1,
			MaxFailures:     3,
			FailureBackoff:  300,
			Remote:          RemoteConfig{Timeout: 30, MaxConcurrent: 4},
		},
		Worker: WorkerConfig{
			Transport:           "process",
			Binary:              "./sttworker",
			Engine:              "stub",
			PoolSize:            1,
			HeartbeatIntervalMs: 1000,
			HeartbeatGraceMs:    5000,
			WatchdogIntervalMs:  500,
			MemoryLimitMB:       2048,
			StartupTimeout:      30,
			RestartBackoffMs:    500,
			MaxRestartBackoffMs: 30000,
			StableAfter:         60,
			ShutdownGraceMs:     2000,
		},
		Transcript: TranscriptConfig{
			MaxSizeMB:       10,
			MaxBackups:      3,
			WebsocketBuffer: 64,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// Load reads and parses the configuration file, applies LISTENER_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	return Loader{}.Load(path)
}

// Parse decodes YAML on top of the defaults without validating.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if err := c.GRPC.Validate(); err != nil {
		return fmt.Errorf("grpc config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}
	if err := c.STT.Validate(); err != nil {
		return fmt.Errorf("stt config: %w", err)
	}
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker config: %w", err)
	}
	if err := c.Transcript.Validate(); err != nil {
		return fmt.Errorf("transcript config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}
	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}
	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}
	if s.MaxConcurrentStreams < 1 {
		return fmt.Errorf("max_concurrent_streams must be at least 1, got %d", s.MaxConcurrentStreams)
	}
	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", s.Workers)
	}
	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}
	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}
		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}
	return nil
}

// Validate validates gRPC configuration
func (g *GRPCConfig) Validate() error {
	if g.Enabled && (g.Port < 1 || g.Port > 65535) {
		return fmt.Errorf("grpc port must be between 1 and 65535, got %d", g.Port)
	}
	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	validRates := map[int]bool{8000: true, 16000: true, 22050: true, 44100: true, 48000: true}
	if !validRates[a.SampleRate] {
		return fmt.Errorf("sample_rate must be one of 8000, 16000, 22050, 44100, 48000, got %d", a.SampleRate)
	}
	if a.FrameMs < 10 || a.FrameMs > 100 {
		return fmt.Errorf("frame_ms must be between 10 and 100, got %d", a.FrameMs)
	}
	if a.StreamTimeout < 1 {
		return fmt.Errorf("stream_timeout must be at least 1 second, got %d", a.StreamTimeout)
	}
	if a.MaxSegment < 0 {
		return fmt.Errorf("max_segment cannot be negative, got %f", a.MaxSegment)
	}
	if a.PreRollFrames < 0 {
		return fmt.Errorf("pre_roll_frames cannot be negative, got %d", a.PreRollFrames)
	}
	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	return v.Tuning().Validate()
}

// Validate validates STT configuration
func (s *STTConfig) Validate() error {
	if s.TimeoutShort <= 0 || s.TimeoutStandard <= 0 {
		return fmt.Errorf("timeout_short and timeout_standard must be positive, got %f and %f", s.TimeoutShort, s.TimeoutStandard)
	}
	if s.ShortSegment < 0 {
		return fmt.Errorf("short_segment cannot be negative, got %f", s.ShortSegment)
	}
	if s.MaxFailures < 1 {
		return fmt.Errorf("max_failures must be at least 1, got %d", s.MaxFailures)
	}
	if s.FailureBackoff <= 0 {
		return fmt.Errorf("failure_backoff must be positive, got %f", s.FailureBackoff)
	}
	if s.FailureWindow < 0 {
		return fmt.Errorf("failure_window cannot be negative, got %f", s.FailureWindow)
	}
	if s.MinPrimaryDuration < 0 {
		return fmt.Errorf("min_primary_duration cannot be negative, got %f", s.MinPrimaryDuration)
	}
	if s.Remote.Endpoint != "" {
		if s.Remote.Timeout < 1 {
			return fmt.Errorf("remote timeout must be at least 1 second, got %d", s.Remote.Timeout)
		}
		if s.Remote.MaxConcurrent < 1 {
			return fmt.Errorf("remote max_concurrent must be at least 1, got %d", s.Remote.MaxConcurrent)
		}
	}
	return nil
}

// Validate validates worker configuration
func (w *WorkerConfig) Validate() error {
	switch w.Transport {
	case "process":
		if w.Binary == "" {
			return fmt.Errorf("binary cannot be empty for process transport")
		}
	case "sim":
	default:
		return fmt.Errorf("transport must be 'process' or 'sim', got '%s'", w.Transport)
	}
	switch w.Engine {
	case "stub":
	case "whisper":
		if w.WhisperBinary == "" {
			return fmt.Errorf("whisper_binary cannot be empty for whisper engine")
		}
	default:
		return fmt.Errorf("engine must be 'stub' or 'whisper', got '%s'", w.Engine)
	}
	if w.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", w.PoolSize)
	}
	if w.HeartbeatIntervalMs < 1 {
		return fmt.Errorf("heartbeat_interval_ms must be positive, got %d", w.HeartbeatIntervalMs)
	}
	if w.HeartbeatGraceMs <= w.HeartbeatIntervalMs {
		return fmt.Errorf("heartbeat_grace_ms (%d) must exceed heartbeat_interval_ms (%d)", w.HeartbeatGraceMs, w.HeartbeatIntervalMs)
	}
	if w.WatchdogIntervalMs < 1 {
		return fmt.Errorf("watchdog_interval_ms must be positive, got %d", w.WatchdogIntervalMs)
	}
	if w.MemoryLimitMB < 0 {
		return fmt.Errorf("memory_limit_mb cannot be negative, got %d", w.MemoryLimitMB)
	}
	if w.StartupTimeout < 1 {
		return fmt.Errorf("startup_timeout must be at least 1 second, got %d", w.StartupTimeout)
	}
	if w.RestartBackoffMs < 1 || w.MaxRestartBackoffMs < w.RestartBackoffMs {
		return fmt.Errorf("restart backoff must satisfy 0 < restart_backoff_ms (%d) <= max_restart_backoff_ms (%d)", w.RestartBackoffMs, w.MaxRestartBackoffMs)
	}
	if w.ShutdownGraceMs < 0 {
		return fmt.Errorf("shutdown_grace_ms cannot be negative, got %d", w.ShutdownGraceMs)
	}
	return nil
}

// Validate validates transcript sink configuration
func (t *TranscriptConfig) Validate() error {
	if t.Path != "" && t.MaxSizeMB < 1 {
		return fmt.Errorf("max_size_mb must be at least 1, got %d", t.MaxSizeMB)
	}
	if t.MaxBackups < 0 {
		return fmt.Errorf("max_backups cannot be negative, got %d", t.MaxBackups)
	}
	if t.WebsocketBuffer < 1 {
		return fmt.Errorf("websocket_buffer must be at least 1, got %d", t.WebsocketBuffer)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}
	// Any other output value is a file path.
	return nil
}

// Tuning converts the VAD section into detector thresholds.
func (v *VADConfig) Tuning() vad.Tuning {
	return vad.Tuning{
		Sensitivity:       v.Sensitivity,
		AudioThreshold:    v.AudioThreshold,
		MinSpeechFrames:   v.MinSpeechFrames,
		MaxSpeechFrames:   v.MaxSpeechFrames,
		SilenceThreshold:  time.Duration(v.SilenceThresholdMs) * time.Millisecond,
		MaxPhraseDuration: time.Duration(v.MaxPhraseDurationMs) * time.Millisecond,
	}
}

// GetStreamTimeoutDuration returns the stream timeout as a time.Duration
func (a *AudioConfig) GetStreamTimeoutDuration() time.Duration {
	return time.Duration(a.StreamTimeout) * time.Second
}

// GetFrameSize returns the number of samples per frame.
func (a *AudioConfig) GetFrameSize() int {
	return a.SampleRate * a.FrameMs / 1000
}

// GetMaxSegmentDuration returns the assembler cap. It defaults to one
// second past the detector's phrase limit.
func (c *Config) GetMaxSegmentDuration() time.Duration {
	if c.Audio.MaxSegment > 0 {
		return seconds(c.Audio.MaxSegment)
	}
	return time.Duration(c.VAD.MaxPhraseDurationMs)*time.Millisecond + time.Second
}

// GetTimeoutShortDuration returns the per-attempt deadline for short segments
func (s *STTConfig) GetTimeoutShortDuration() time.Duration {
	return seconds(s.TimeoutShort)
}

// GetTimeoutStandardDuration returns the per-attempt deadline for other segments
func (s *STTConfig) GetTimeoutStandardDuration() time.Duration {
	return seconds(s.TimeoutStandard)
}

// GetShortSegmentDuration returns the short segment boundary
func (s *STTConfig) GetShortSegmentDuration() time.Duration {
	return seconds(s.ShortSegment)
}

// GetFailureBackoffDuration returns how long a tripped backend is skipped
func (s *STTConfig) GetFailureBackoffDuration() time.Duration {
	return seconds(s.FailureBackoff)
}

// GetFailureWindowDuration returns the failure counting window
func (s *STTConfig) GetFailureWindowDuration() time.Duration {
	if s.FailureWindow > 0 {
		return seconds(s.FailureWindow)
	}
	return seconds(s.FailureBackoff)
}

// GetMinPrimaryDuration returns the shortest segment sent to the worker pool
func (s *STTConfig) GetMinPrimaryDuration() time.Duration {
	return seconds(s.MinPrimaryDuration)
}

// GetTimeoutDuration returns the remote request timeout
func (r *RemoteConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// GetMemoryLimitBytes returns the worker memory ceiling, zero when disabled
func (w *WorkerConfig) GetMemoryLimitBytes() uint64 {
	return uint64(w.MemoryLimitMB) << 20
}

func (w *WorkerConfig) GetHeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalMs) * time.Millisecond
}

func (w *WorkerConfig) GetHeartbeatGrace() time.Duration {
	return time.Duration(w.HeartbeatGraceMs) * time.Millisecond
}

func (w *WorkerConfig) GetWatchdogInterval() time.Duration {
	return time.Duration(w.WatchdogIntervalMs) * time.Millisecond
}

func (w *WorkerConfig) GetStartupTimeout() time.Duration {
	return time.Duration(w.StartupTimeout) * time.Second
}

func (w *WorkerConfig) GetRestartBackoff() time.Duration {
	return time.Duration(w.RestartBackoffMs) * time.Millisecond
}

func (w *WorkerConfig) GetMaxRestartBackoff() time.Duration {
	return time.Duration(w.MaxRestartBackoffMs) * time.Millisecond
}

func (w *WorkerConfig) GetStableAfter() time.Duration {
	return time.Duration(w.StableAfter) * time.Second
}

func (w *WorkerConfig) GetShutdownGrace() time.Duration {
	return time.Duration(w.ShutdownGraceMs) * time.Millisecond
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
