package transcription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vanta-voice/listener/internal/audio"
	"github.com/vanta-voice/listener/internal/worker"
)

var (
	// ErrAllBackendsExhausted marks the result of a segment that no backend
	// could serve.
	ErrAllBackendsExhausted = errors.New("transcription: all backends exhausted")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("transcription: manager closed")
	// ErrNotStarted is returned by Submit before Start.
	ErrNotStarted = errors.New("transcription: manager not started")
)

// BackendKind identifies a backend in the cascade.
type BackendKind int

const (
	BackendWorker BackendKind = iota
	BackendRemote
	BackendFallback
)

func (k BackendKind) String() string {
	switch k {
	case BackendWorker:
		return "worker"
	case BackendRemote:
		return "remote"
	case BackendFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind name in JSON.
func (k BackendKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Backend transcribes one request. Implementations must honor ctx's
// deadline.
type Backend interface {
	Kind() BackendKind
	Name() string
	Transcribe(ctx context.Context, req *Request) (*Result, error)
}

// Request is one transcription attempt for a segment.
type Request struct {
	ID       uuid.UUID
	Seq      uint64
	Segment  *audio.Segment
	Backend  BackendKind
	Language string
	Deadline time.Time
}

// Result is the outcome for one submitted segment.
type Result struct {
	RequestID uuid.UUID       `json:"request_id"`
	Seq       uint64          `json:"seq"`
	SegmentID uint64          `json:"segment_id"`
	StreamID  uint32          `json:"stream_id"`
	Start     time.Duration   `json:"start"`
	End       time.Duration   `json:"end"`
	Reason    audio.EndReason `json:"reason"`

	Text    string      `json:"text"`
	Backend BackendKind `json:"backend"`
	// Confidence is zero when the backend does not report one.
	Confidence  float64       `json:"confidence"`
	Placeholder bool          `json:"placeholder"`
	Latency     time.Duration `json:"latency"`
	Attempts    int           `json:"attempts"`

	Failed bool   `json:"failed"`
	Err    error  `json:"-"`
	Error  string `json:"error,omitempty"`

	CompletedAt time.Time `json:"completed_at"`
}

// FailureKind classifies a backend failure.
type FailureKind int

const (
	FailureError FailureKind = iota
	FailureTimeout
	FailureCrash
)

func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureCrash:
		return "crash"
	default:
		return "error"
	}
}

// MarshalText renders the kind name in JSON.
func (k FailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// FailureRecord is one failed attempt against a backend.
type FailureRecord struct {
	Backend BackendKind `json:"backend"`
	At      time.Time   `json:"at"`
	Kind    FailureKind `json:"kind"`
}

func classify(err error) FailureKind {
	switch {
	case errors.Is(err, worker.ErrWorkerTimeout), errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, worker.ErrWorkerCrash):
		return FailureCrash
	default:
		return FailureError
	}
}
