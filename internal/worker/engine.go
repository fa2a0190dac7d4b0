package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Engine turns PCM-16LE mono audio into text. Engines run inside a worker
// and may be slow, crash or hang; the supervisor guards against all three.
type Engine interface {
	Name() string
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error)
	Close() error
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error)

// Name implements Engine.
func (f EngineFunc) Name() string { return "func" }

// Transcribe implements Engine.
func (f EngineFunc) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	return f(ctx, pcm, sampleRate, language)
}

// Close implements Engine.
func (f EngineFunc) Close() error { return nil }

// StubEngine produces deterministic transcripts without a model.
type StubEngine struct {
	log   *slog.Logger
	model string
}

// NewStubEngine returns an Engine that generates placeholder transcripts.
func NewStubEngine(logger *slog.Logger, model string) *StubEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEngine{
		log:   logger.With("component", "engine.stub", "model", model),
		model: model,
	}
}

// Name implements Engine.
func (e *StubEngine) Name() string { return "stub" }

// Transcribe implements Engine.
func (e *StubEngine) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	if len(pcm) == 0 || sampleRate <= 0 {
		return "", nil
	}
	d := time.Duration(len(pcm)/2) * time.Second / time.Duration(sampleRate)
	e.log.Debug("stub transcript", "bytes", len(pcm), "duration", d, "language", language)
	return fmt.Sprintf("[stub:%s] %d ms of speech", e.model, d.Milliseconds()), nil
}

// Close implements Engine.
func (e *StubEngine) Close() error { return nil }
