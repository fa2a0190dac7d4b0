package transcription

import (
	"context"

	"github.com/vanta-voice/listener/internal/ipc"
)

// WorkerPool is the part of the worker supervisor the backend needs.
type WorkerPool interface {
	Transcribe(ctx context.Context, req *ipc.Request) (string, error)
}

// WorkerBackend sends segments to the isolated worker pool.
type WorkerBackend struct {
	pool WorkerPool
	name string
}

// NewWorkerBackend wraps pool as the primary backend.
func NewWorkerBackend(pool WorkerPool, model string) *WorkerBackend {
	name := "worker"
	if model != "" {
		name += ":" + model
	}
	return &WorkerBackend{pool: pool, name: name}
}

func (w *WorkerBackend) Kind() BackendKind { return BackendWorker }

func (w *WorkerBackend) Name() string { return w.name }

// Transcribe forwards the segment's PCM with the attempt deadline.
func (w *WorkerBackend) Transcribe(ctx context.Context, req *Request) (*Result, error) {
	seg := req.Segment
	ireq := ipc.NewTranscribe(req.ID.String(), seg.PCM(), seg.SampleRate, req.Language, req.Deadline)
	text, err := w.pool.Transcribe(ctx, ireq)
	if err != nil {
		return nil, err
	}
	return &Result{Text: text}, nil
}
