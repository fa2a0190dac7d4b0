package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vanta-voice/listener/internal/ipc"
)

var (
	errSimCrash  = errors.New("simulated crash")
	errSimKilled = errors.New("killed")
)

// SimTransport runs workers in-process: each Spawn starts Serve on a
// goroutine connected through pipes. Conns can be crashed, frozen or given a
// memory reading to exercise the supervisor.
type SimTransport struct {
	newEngine         func(slot int) Engine
	heartbeatInterval time.Duration
	logger            *slog.Logger

	mu         sync.Mutex
	conns      map[int]*SimConn
	spawns     int
	failSpawns int
}

// NewSimTransport creates a simulated transport. newEngine is called once per
// spawned worker.
func NewSimTransport(newEngine func(slot int) Engine, heartbeatInterval time.Duration, logger *slog.Logger) *SimTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &SimTransport{
		newEngine:         newEngine,
		heartbeatInterval: heartbeatInterval,
		logger:            logger.With("component", "worker.sim"),
		conns:             make(map[int]*SimConn),
	}
}

// FailNextSpawns makes the next n spawns return an error.
func (t *SimTransport) FailNextSpawns(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failSpawns = n
}

// Spawns returns how many workers were started.
func (t *SimTransport) Spawns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spawns
}

// Conn returns the latest worker spawned for slot.
func (t *SimTransport) Conn(slot int) *SimConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[slot]
}

// Spawn implements Transport.
func (t *SimTransport) Spawn(ctx context.Context, slot int) (Conn, error) {
	t.mu.Lock()
	if t.failSpawns > 0 {
		t.failSpawns--
		t.mu.Unlock()
		return nil, errors.New("simulated spawn failure")
	}
	t.spawns++
	pid := 10000 + t.spawns
	t.mu.Unlock()

	reqR, reqW := io.Pipe()
	msgR, msgW := io.Pipe()
	serveCtx, cancel := context.WithCancel(context.Background())

	c := &SimConn{
		pid:      pid,
		reqR:     reqR,
		reqW:     reqW,
		msgR:     msgR,
		msgW:     msgW,
		enc:      ipc.NewEncoder(reqW),
		messages: make(chan *ipc.Message, 16),
		done:     make(chan struct{}),
		cancel:   cancel,
	}

	go c.readMessages()
	go func() {
		err := Serve(serveCtx, reqR, &gateWriter{w: msgW, conn: c}, t.newEngine(slot), ServeOptions{
			HeartbeatInterval: t.heartbeatInterval,
			MemoryUsage:       c.memory.Load,
			Logger:            t.logger.With("slot", slot, "pid", pid),
		})
		c.terminate(err)
	}()

	t.mu.Lock()
	t.conns[slot] = c
	t.mu.Unlock()
	return c, nil
}

// SimConn is an in-process worker.
type SimConn struct {
	pid      int
	reqR     *io.PipeReader
	reqW     *io.PipeWriter
	msgR     *io.PipeReader
	msgW     *io.PipeWriter
	enc      *ipc.Encoder
	messages chan *ipc.Message
	done     chan struct{}
	cancel   context.CancelFunc

	once   sync.Once
	err    error
	frozen atomic.Bool
	memory atomic.Uint64
}

// Crash terminates the worker as if the process died.
func (c *SimConn) Crash() { c.terminate(errSimCrash) }

// Freeze stops all worker output, heartbeats included, until it is killed.
func (c *SimConn) Freeze() { c.frozen.Store(true) }

// SetMemory sets the resident memory the worker reports.
func (c *SimConn) SetMemory(bytes uint64) { c.memory.Store(bytes) }

// Inject delivers msg to the supervisor as if the worker had sent it.
func (c *SimConn) Inject(msg *ipc.Message) error {
	return ipc.NewEncoder(c.msgW).Encode(msg)
}

func (c *SimConn) terminate(err error) {
	c.once.Do(func() {
		c.err = err
		c.cancel()
		c.reqW.CloseWithError(io.ErrClosedPipe)
		c.reqR.CloseWithError(io.ErrClosedPipe)
		c.msgW.CloseWithError(io.EOF)
		close(c.done)
	})
}

func (c *SimConn) readMessages() {
	defer close(c.messages)

	dec := ipc.NewDecoder(c.msgR)
	for {
		msg, err := dec.ReadMessage()
		if err != nil {
			if errors.Is(err, ipc.ErrMalformed) {
				continue
			}
			return
		}
		c.messages <- msg
	}
}

// Send implements Conn.
func (c *SimConn) Send(req *ipc.Request) error {
	select {
	case <-c.done:
		return ErrWorkerCrash
	default:
	}
	return c.enc.Encode(req)
}

// Messages implements Conn.
func (c *SimConn) Messages() <-chan *ipc.Message { return c.messages }

// Done implements Conn.
func (c *SimConn) Done() <-chan struct{} { return c.done }

// Err implements Conn.
func (c *SimConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Kill implements Conn.
func (c *SimConn) Kill() error {
	c.terminate(errSimKilled)
	return nil
}

// PID implements Conn.
func (c *SimConn) PID() int { return c.pid }

// MemoryUsage implements Conn.
func (c *SimConn) MemoryUsage() (uint64, error) { return c.memory.Load(), nil }

// gateWriter blocks writes from a frozen worker until it is killed.
type gateWriter struct {
	w    io.Writer
	conn *SimConn
}

func (g *gateWriter) Write(p []byte) (int, error) {
	if g.conn.frozen.Load() {
		<-g.conn.done
		return 0, io.ErrClosedPipe
	}
	return g.w.Write(p)
}
