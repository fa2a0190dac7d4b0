package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/vanta-voice/listener/internal/ipc"
)

// ServeOptions configures the worker loop.
type ServeOptions struct {
	HeartbeatInterval time.Duration
	// MemoryUsage reports the worker's resident memory for heartbeats. Nil
	// reads the current process.
	MemoryUsage func() uint64
	Logger      *slog.Logger
}

// Serve runs the worker side of the ipc protocol: it announces readiness,
// heartbeats from a separate goroutine so a busy engine still reports in, and
// answers transcribe requests one at a time. It returns nil on a shutdown
// request or end of input.
func Serve(ctx context.Context, r io.Reader, w io.Writer, engine Engine, opts ServeOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = time.Second
	}
	memory := opts.MemoryUsage
	if memory == nil {
		memory = selfMemory
	}

	enc := ipc.NewEncoder(w)
	dec := ipc.NewDecoder(r)
	pid := os.Getpid()

	if err := enc.Encode(&ipc.Message{Type: ipc.TypeReady, PID: pid, Engine: engine.Name()}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go heartbeat(ctx, enc, pid, memory, opts.HeartbeatInterval)

	for {
		req, err := dec.ReadRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, ipc.ErrMalformed) {
				logger.Warn("Dropping malformed request", slog.String("error", err.Error()))
				if req != nil && req.RequestID != "" {
					if err := enc.Encode(ipc.Failure(req.RequestID, err)); err != nil {
						return err
					}
				}
				continue
			}
			return err
		}

		switch req.Type {
		case ipc.TypeShutdown:
			logger.Info("Worker shutting down")
			return nil
		case ipc.TypeTranscribe:
			if err := enc.Encode(handle(ctx, engine, req, logger)); err != nil {
				return err
			}
		}
	}
}

func handle(ctx context.Context, engine Engine, req *ipc.Request, logger *slog.Logger) (msg *ipc.Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Engine panicked", slog.String("request_id", req.RequestID), slog.Any("panic", r))
			msg = ipc.Failure(req.RequestID, fmt.Errorf("engine panic: %v", r))
		}
	}()

	if deadline := req.DeadlineTime(); !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	start := time.Now()
	text, err := engine.Transcribe(ctx, req.AudioPayload, req.SampleRate, req.Language)
	if err != nil {
		logger.Warn("Transcription failed",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()))
		return ipc.Failure(req.RequestID, err)
	}
	logger.Debug("Transcription done",
		slog.String("request_id", req.RequestID),
		slog.Duration("elapsed", time.Since(start)))
	return ipc.OK(req.RequestID, text)
}

func heartbeat(ctx context.Context, enc *ipc.Encoder, pid int, memory func() uint64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := &ipc.Message{Type: ipc.TypeHeartbeat, PID: pid, RSSBytes: memory()}
			if err := enc.Encode(msg); err != nil {
				return
			}
		}
	}
}

func selfMemory() uint64 {
	if rss, err := processRSS(os.Getpid()); err == nil {
		return rss
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}
