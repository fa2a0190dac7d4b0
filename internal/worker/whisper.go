package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/vanta-voice/listener/internal/audio"
)

// WhisperConfig configures the whisper CLI engine.
type WhisperConfig struct {
	BinaryPath string // whisper-cpp or faster-whisper CLI
	ModelPath  string
	Threads    int
	TempDir    string
}

// WhisperCLIEngine writes each request to a temporary WAV file and runs a
// whisper CLI on it.
type WhisperCLIEngine struct {
	cfg WhisperConfig
	log *slog.Logger
}

type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type whisperOutput struct {
	Segments []whisperSegment `json:"segments"`
	Language string           `json:"language"`
}

// NewWhisperCLIEngine checks that the binary exists and returns the engine.
func NewWhisperCLIEngine(cfg WhisperConfig, logger *slog.Logger) (*WhisperCLIEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("whisper binary not found at %q: %w", cfg.BinaryPath, err)
	}
	if cfg.ModelPath != "" {
		if _, err := os.Stat(cfg.ModelPath); err != nil {
			return nil, fmt.Errorf("whisper model not found at %q: %w", cfg.ModelPath, err)
		}
	}
	return &WhisperCLIEngine{
		cfg: cfg,
		log: logger.With("component", "engine.whisper"),
	}, nil
}

// Name implements Engine.
func (e *WhisperCLIEngine) Name() string { return "whisper-cli" }

// Transcribe implements Engine.
func (e *WhisperCLIEngine) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	samples, err := audio.DecodePCM16(pcm)
	if err != nil {
		return "", err
	}
	if len(samples) == 0 {
		return "", nil
	}
	wav, err := audio.EncodeWAV(samples, sampleRate)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(e.cfg.TempDir, "segment-*.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.Write(wav); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.cfg.BinaryPath, e.buildArgs(path, language)...)
	configureCommand(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd.Process) }
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("whisper run aborted: %w", ctx.Err())
		}
		return "", fmt.Errorf("whisper subprocess failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var output whisperOutput
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		return "", fmt.Errorf("failed to parse whisper output: %w", err)
	}

	parts := make([]string, 0, len(output.Segments))
	for _, seg := range output.Segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	text := strings.Join(parts, " ")
	e.log.Debug("whisper transcript", "segments", len(output.Segments), "elapsed", time.Since(start))
	return text, nil
}

// Close implements Engine.
func (e *WhisperCLIEngine) Close() error { return nil }

func (e *WhisperCLIEngine) buildArgs(path, language string) []string {
	var args []string
	if e.cfg.ModelPath != "" {
		args = append(args, "--model", e.cfg.ModelPath)
	}
	args = append(args, "--output-json")
	if language != "" {
		args = append(args, "--language", language)
	}
	if e.cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(e.cfg.Threads))
	}
	return append(args, path)
}
