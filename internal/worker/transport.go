package worker

import (
	"context"

	"github.com/vanta-voice/listener/internal/ipc"
)

// Transport starts workers for supervisor slots.
type Transport interface {
	Spawn(ctx context.Context, slot int) (Conn, error)
}

// Conn is a live connection to one worker.
type Conn interface {
	// Send writes a request to the worker.
	Send(req *ipc.Request) error
	// Messages delivers worker messages; it is closed when the worker's
	// output ends.
	Messages() <-chan *ipc.Message
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// Err reports why the worker exited, nil for a clean exit.
	Err() error
	Kill() error
	PID() int
	// MemoryUsage returns the worker's resident memory in bytes.
	MemoryUsage() (uint64, error)
}
