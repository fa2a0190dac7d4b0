package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vanta-voice/listener/internal/config"
	"github.com/vanta-voice/listener/internal/metrics"
	"github.com/vanta-voice/listener/internal/server"
	"github.com/vanta-voice/listener/internal/stream"
	"github.com/vanta-voice/listener/internal/transcript"
	"github.com/vanta-voice/listener/internal/transcription"
	"github.com/vanta-voice/listener/internal/worker"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "listener"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	replayPath := flag.String("replay", "", "Transcribe a WAV file through the pipeline and exit")
	flag.Parse()

	loader := config.Loader{}
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Summary without secrets.
	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_concurrent_streams", cfg.Server.MaxConcurrentStreams),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("frame_ms", cfg.Audio.FrameMs),
		slog.Int("vad_sensitivity", cfg.VAD.Sensitivity),
		slog.Int("silence_threshold_ms", cfg.VAD.SilenceThresholdMs),
		slog.String("stt_model", cfg.STT.Model),
		slog.String("worker_transport", cfg.Worker.Transport),
		slog.Int("worker_pool_size", cfg.Worker.PoolSize),
		slog.Bool("remote_enabled", cfg.STT.Remote.Endpoint != ""),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)

	supervisor, err := newSupervisor(cfg, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create worker supervisor", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := supervisor.Start(); err != nil {
		logger.Error("Failed to start worker supervisor", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Segments are accepted while workers come up; the cascade covers the gap.
	go func() {
		readyCtx, readyCancel := context.WithTimeout(ctx, cfg.Worker.GetStartupTimeout())
		defer readyCancel()
		if err := supervisor.WaitReady(readyCtx, 1); err != nil {
			logger.Warn("No worker ready within startup timeout", slog.String("error", err.Error()))
			return
		}
		logger.Info("Worker pool ready", slog.Int("pool_size", supervisor.PoolSize()))
	}()

	backends, err := newBackends(cfg, supervisor, logger)
	if err != nil {
		logger.Error("Failed to create transcription backends", slog.String("error", err.Error()))
		os.Exit(1)
	}

	transMgr, err := transcription.NewManager(transcription.Config{
		MaxFailures:        cfg.STT.MaxFailures,
		FailureWindow:      cfg.STT.GetFailureWindowDuration(),
		FailureBackoff:     cfg.STT.GetFailureBackoffDuration(),
		ShortSegment:       cfg.STT.GetShortSegmentDuration(),
		TimeoutShort:       cfg.STT.GetTimeoutShortDuration(),
		TimeoutStandard:    cfg.STT.GetTimeoutStandardDuration(),
		MinPrimaryDuration: cfg.STT.GetMinPrimaryDuration(),
		Concurrency:        supervisor.PoolSize(),
		Language:           cfg.STT.Language,
	}, backends, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create transcription manager", slog.String("error", err.Error()))
		os.Exit(1)
	}

	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	defer pipelineCancel()
	if err := transMgr.Start(pipelineCtx); err != nil {
		logger.Error("Failed to start transcription manager", slog.String("error", err.Error()))
		os.Exit(1)
	}

	hub := server.NewHub(cfg.Transcript.WebsocketBuffer, logger, appMetrics)
	fanout := transcript.NewFanout(logger, 60*time.Second, transcript.NewLogSink(logger), hub)
	if cfg.Transcript.Path != "" {
		fileSink, err := transcript.NewFileSink(cfg.Transcript.Path,
			int64(cfg.Transcript.MaxSizeMB)*1024*1024, cfg.Transcript.MaxBackups)
		if err != nil {
			logger.Error("Failed to open transcript log", slog.String("error", err.Error()))
			os.Exit(1)
		}
		fanout.Add(fileSink)
	}
	fanoutDone := make(chan struct{})
	go func() {
		defer close(fanoutDone)
		fanout.Run(context.Background(), transMgr.Results())
	}()

	streamMgr, err := stream.NewManager(stream.Config{
		Tuning:        cfg.VAD.Tuning(),
		PreRollFrames: cfg.Audio.PreRollFrames,
		MaxSegment:    cfg.GetMaxSegmentDuration(),
		Timeout:       cfg.Audio.GetStreamTimeoutDuration(),
	}, transMgr, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create stream manager", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Stream manager initialized",
		slog.Duration("stream_timeout", cfg.Audio.GetStreamTimeoutDuration()),
		slog.Duration("max_segment", cfg.GetMaxSegmentDuration()),
	)

	if *replayPath != "" {
		if err := replay(ctx, *replayPath, cfg, streamMgr, logger); err != nil {
			logger.Error("Replay failed", slog.String("error", err.Error()))
		}
		shutdown(logger, cfg, streamMgr, transMgr, pipelineCancel, fanoutDone, supervisor)
		return
	}

	udpServer := server.NewUDPServer(&cfg.Server, cfg.Audio.SampleRate, logger, streamMgr, appMetrics)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, cfg, server.Components{
			Streams:       streamMgr,
			UDP:           udpServer,
			Transcription: transMgr,
			Workers:       supervisor,
			Transcripts:   fanout,
			Hub:           hub,
			Gatherer:      registry,
		}, logger, appMetrics)
	}

	var grpcServer *server.GRPCServer
	if cfg.GRPC.Enabled {
		probe := func() bool { return supervisor.Stats().Live > 0 }
		grpcServer = server.NewGRPCServer(cfg.GRPC, probe, cfg.Worker.GetWatchdogInterval(), logger)
	}

	if err := udpServer.Start(); err != nil {
		logger.Error("Failed to start UDP server", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
	if grpcServer != nil {
		if err := grpcServer.Start(); err != nil {
			logger.Error("Failed to start gRPC server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	go func() {
		err := loader.Watch(ctx, *configPath, logger, func(next *config.Config) {
			if err := streamMgr.SetTuning(next.VAD.Tuning()); err != nil {
				logger.Warn("Rejected VAD tuning from reload", slog.String("error", err.Error()))
				return
			}
			logger.Info("VAD tuning reloaded",
				slog.Int("sensitivity", next.VAD.Sensitivity),
				slog.Int("silence_threshold_ms", next.VAD.SilenceThresholdMs),
				slog.Int("max_phrase_duration_ms", next.VAD.MaxPhraseDurationMs),
			)
		})
		if err != nil {
			logger.Warn("Configuration watch stopped", slog.String("error", err.Error()))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", udpServer.Addr().String()),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// No new packets, then flush what is open and drain the cascade while
	// the API still answers.
	if err := udpServer.Stop(); err != nil {
		logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
	}

	stats := udpServer.GetStatistics()
	shutdown(logger, cfg, streamMgr, transMgr, pipelineCancel, fanoutDone, supervisor)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if grpcServer != nil {
		if err := grpcServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping gRPC server", slog.String("error", err.Error()))
		}
	}
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	logger.Info("Final server statistics",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)

	logger.Info("Service stopped")
}

// shutdown flushes open streams, drains the transcription manager and
// stops the worker pool. abort cancels in-flight requests when the drain
// runs out of time.
func shutdown(logger *slog.Logger, cfg *config.Config, streamMgr *stream.Manager,
	transMgr *transcription.Manager, abort context.CancelFunc, fanoutDone <-chan struct{}, supervisor *worker.Supervisor) {
	streamMgr.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(),
		cfg.STT.GetTimeoutStandardDuration()*time.Duration(len(transMgr.BackendHealth())+1))
	defer drainCancel()
	if err := transMgr.Close(drainCtx); err != nil {
		logger.Error("Error draining transcription manager", slog.String("error", err.Error()))
		abort()
	}
	<-fanoutDone

	stats := transMgr.Stats()
	logger.Info("Transcription totals",
		slog.Uint64("submitted", stats.Submitted),
		slog.Uint64("emitted", stats.Emitted),
		slog.Uint64("exhausted", stats.Exhausted),
	)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Worker.GetShutdownGrace()+5*time.Second)
	defer stopCancel()
	if err := supervisor.Stop(stopCtx); err != nil {
		logger.Error("Error stopping worker supervisor", slog.String("error", err.Error()))
	}
}

// newSupervisor builds the worker pool on the configured transport.
func newSupervisor(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*worker.Supervisor, error) {
	w := cfg.Worker

	var transport worker.Transport
	switch w.Transport {
	case "sim":
		transport = worker.NewSimTransport(func(int) worker.Engine {
			return worker.NewStubEngine(logger, cfg.STT.Model)
		}, w.GetHeartbeatInterval(), logger)
	default:
		args := []string{
			"-engine", w.Engine,
			"-model", cfg.STT.Model,
			"-heartbeat", w.GetHeartbeatInterval().String(),
		}
		if w.Engine == "whisper" {
			args = append(args,
				"-whisper-bin", w.WhisperBinary,
				"-whisper-model", w.WhisperModel,
				"-threads", strconv.Itoa(w.Threads),
			)
		}
		args = append(args, w.Args...)
		transport = worker.NewProcessTransport(worker.ProcessConfig{
			Binary:           w.Binary,
			Args:             args,
			MemoryLimitBytes: w.GetMemoryLimitBytes(),
		}, logger)
	}

	return worker.NewSupervisor(worker.Config{
		PoolSize:          w.PoolSize,
		StartupTimeout:    w.GetStartupTimeout(),
		HeartbeatGrace:    w.GetHeartbeatGrace(),
		WatchdogInterval:  w.GetWatchdogInterval(),
		MemoryLimitBytes:  w.GetMemoryLimitBytes(),
		RestartBackoff:    w.GetRestartBackoff(),
		MaxRestartBackoff: w.GetMaxRestartBackoff(),
		StableAfter:       w.GetStableAfter(),
		ShutdownGrace:     w.GetShutdownGrace(),
	}, transport, logger, m)
}

// newBackends returns the cascade in priority order: worker pool, remote
// API when configured, fallback last.
func newBackends(cfg *config.Config, pool transcription.WorkerPool, logger *slog.Logger) ([]transcription.Backend, error) {
	backends := []transcription.Backend{transcription.NewWorkerBackend(pool, cfg.STT.Model)}

	if r := cfg.STT.Remote; r.Endpoint != "" {
		remote, err := transcription.NewRemoteBackend(transcription.RemoteConfig{
			Endpoint:      r.Endpoint,
			APIKey:        r.APIKey,
			Model:         r.Model,
			Timeout:       r.GetTimeoutDuration(),
			MaxConcurrent: r.MaxConcurrent,
		})
		if err != nil {
			return nil, fmt.Errorf("remote backend: %w", err)
		}
		backends = append(backends, remote)
		logger.Info("Remote transcription backend enabled", slog.String("endpoint", r.Endpoint))
	}

	return append(backends, transcription.NewFallbackBackend(logger)), nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
