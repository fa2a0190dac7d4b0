// Command sttworker is the isolated transcription process. It speaks the
// newline-delimited JSON protocol on stdin and stdout and logs to stderr.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vanta-voice/listener/internal/worker"
)

func main() {
	engineName := flag.String("engine", "stub", "Transcription engine: stub or whisper")
	model := flag.String("model", "base.en", "Model name reported by the stub engine")
	whisperBin := flag.String("whisper-bin", "", "Path to the whisper CLI binary")
	whisperModel := flag.String("whisper-model", "", "Path to the whisper model file")
	threads := flag.Int("threads", 0, "Threads for the whisper CLI, 0 for its default")
	heartbeat := flag.Duration("heartbeat", time.Second, "Heartbeat interval")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	// stdout carries the protocol, so logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	})).With("pid", os.Getpid())

	var engine worker.Engine
	switch *engineName {
	case "whisper":
		e, err := worker.NewWhisperCLIEngine(worker.WhisperConfig{
			BinaryPath: *whisperBin,
			ModelPath:  *whisperModel,
			Threads:    *threads,
		}, logger)
		if err != nil {
			logger.Error("failed to initialise whisper engine", "error", err)
			os.Exit(1)
		}
		engine = e
	case "stub":
		engine = worker.NewStubEngine(logger, *model)
	default:
		logger.Error("unknown engine", "engine", *engineName)
		os.Exit(2)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("failed to close engine", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker starting", "engine", engine.Name())

	if err := worker.Serve(ctx, os.Stdin, os.Stdout, engine, worker.ServeOptions{
		HeartbeatInterval: *heartbeat,
		Logger:            logger,
	}); err != nil {
		logger.Error("worker terminated with error", "error", err)
		os.Exit(1)
	}

	logger.Info("worker stopped")
}

func parseLevel(value string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
