package transcript

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vanta-voice/listener/internal/transcription"
)

// Sink consumes results. Write is called from a single goroutine.
type Sink interface {
	Name() string
	Write(res *transcription.Result) error
	Close() error
}

// Fanout reads the manager's result channel and forwards every result to
// its sinks. It also keeps the recent conversation for the API.
type Fanout struct {
	logger *slog.Logger
	window time.Duration

	mu     sync.RWMutex
	sinks  []Sink
	recent []*transcription.Result

	delivered uint64
	errors    uint64
}

// FanoutStats represents fanout statistics
type FanoutStats struct {
	Sinks     int    `json:"sinks"`
	Delivered uint64 `json:"delivered"`
	Errors    uint64 `json:"sink_errors"`
	Recent    int    `json:"recent"`
}

// NewFanout creates a fanout that keeps results completed within window.
func NewFanout(logger *slog.Logger, window time.Duration, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		logger: logger.With("component", "transcript.fanout"),
		window: window,
		sinks:  sinks,
	}
}

// Add registers another sink.
func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Run delivers results until the channel is closed or ctx is done, then
// closes every sink.
func (f *Fanout) Run(ctx context.Context, results <-chan *transcription.Result) {
	defer f.closeSinks()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			f.Deliver(res)
		}
	}
}

// Deliver passes res to every sink.
func (f *Fanout) Deliver(res *transcription.Result) {
	f.mu.Lock()
	f.remember(res)
	sinks := append([]Sink(nil), f.sinks...)
	f.delivered++
	f.mu.Unlock()

	for _, s := range sinks {
		if err := s.Write(res); err != nil {
			f.mu.Lock()
			f.errors++
			f.mu.Unlock()
			f.logger.Warn("Sink write failed",
				slog.String("sink", s.Name()),
				slog.String("request_id", res.RequestID.String()),
				slog.String("error", err.Error()))
		}
	}
}

func (f *Fanout) remember(res *transcription.Result) {
	if f.window <= 0 || res.Failed || res.Text == "" {
		return
	}
	f.recent = append(f.recent, res)
	cut := 0
	for cut < len(f.recent) && res.CompletedAt.Sub(f.recent[cut].CompletedAt) > f.window {
		cut++
	}
	f.recent = append(f.recent[:0], f.recent[cut:]...)
}

// Recent returns the non-empty results of the last window, oldest first.
func (f *Fanout) Recent() []*transcription.Result {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]*transcription.Result(nil), f.recent...)
}

// Stats returns current fanout statistics
func (f *Fanout) Stats() FanoutStats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return FanoutStats{
		Sinks:     len(f.sinks),
		Delivered: f.delivered,
		Errors:    f.errors,
		Recent:    len(f.recent),
	}
}

func (f *Fanout) closeSinks() {
	f.mu.RLock()
	sinks := append([]Sink(nil), f.sinks...)
	f.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Close(); err != nil {
			f.logger.Warn("Failed to close sink", slog.String("sink", s.Name()), slog.String("error", err.Error()))
		}
	}
}

// LogSink writes each result as a structured log record.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "transcript")}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Write(res *transcription.Result) error {
	attrs := []any{
		slog.Uint64("stream_id", uint64(res.StreamID)),
		slog.Uint64("segment_id", res.SegmentID),
		slog.String("request_id", res.RequestID.String()),
		slog.String("reason", res.Reason.String()),
		slog.Duration("start", res.Start),
		slog.Duration("end", res.End),
		slog.Duration("latency", res.Latency),
		slog.Int("attempts", res.Attempts),
	}
	if res.Failed {
		l.logger.Error("Segment not transcribed", append(attrs, slog.String("error", res.Error))...)
		return nil
	}
	l.logger.Info("Segment transcribed", append(attrs,
		slog.String("backend", res.Backend.String()),
		slog.String("text", res.Text),
		slog.Float64("confidence", res.Confidence),
		slog.Bool("placeholder", res.Placeholder))...)
	return nil
}

func (l *LogSink) Close() error { return nil }
