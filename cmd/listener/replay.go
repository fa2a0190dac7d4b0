package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/vanta-voice/listener/internal/audio"
	"github.com/vanta-voice/listener/internal/config"
	"github.com/vanta-voice/listener/internal/stream"
)

// replayStreamID is the session id used for file replay.
const replayStreamID = 1

// replay feeds a mono PCM-16 WAV file through a single session at the
// configured frame size, then closes the session so its last segment is
// submitted.
func replay(ctx context.Context, path string, cfg *config.Config, streamMgr *stream.Manager, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	samples, info, err := audio.DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}

	session, err := streamMgr.CreateSession(replayStreamID, info.SampleRate, path)
	if err != nil {
		return err
	}

	frameSize := info.SampleRate * cfg.Audio.FrameMs / 1000
	frames := audio.SplitFrames(samples, info.SampleRate, frameSize, 0, 0)

	logger.Info("Replaying file",
		slog.String("path", path),
		slog.Int("sample_rate", info.SampleRate),
		slog.Duration("duration", info.Duration),
		slog.Int("frames", len(frames)),
	)

	start := time.Now()
	for _, f := range frames {
		if ctx.Err() != nil {
			break
		}
		if err := session.PushFrame(f); err != nil {
			logger.Warn("Frame rejected", slog.Uint64("seq", f.Seq), slog.String("error", err.Error()))
		}
	}
	streamMgr.RemoveSession(replayStreamID)

	logger.Info("Replay finished",
		slog.String("path", path),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}
