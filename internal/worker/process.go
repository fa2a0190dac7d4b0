package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/vanta-voice/listener/internal/ipc"
)

// ProcessConfig describes how to launch a worker binary.
type ProcessConfig struct {
	Binary string
	Args   []string
	Env    []string
	// MemoryLimitBytes caps the worker's address space. Zero disables.
	MemoryLimitBytes uint64
}

// ProcessTransport runs each worker as a child process speaking ipc over
// stdin and stdout. Worker stderr is forwarded into the logger.
type ProcessTransport struct {
	config ProcessConfig
	logger *slog.Logger
}

// NewProcessTransport creates a transport for config.
func NewProcessTransport(config ProcessConfig, logger *slog.Logger) *ProcessTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessTransport{
		config: config,
		logger: logger.With("component", "worker.process"),
	}
}

// Spawn implements Transport.
func (t *ProcessTransport) Spawn(ctx context.Context, slot int) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(t.config.Binary, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	configureCommand(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %q: %w", t.config.Binary, err)
	}
	pid := cmd.Process.Pid
	logger := t.logger.With("slot", slot, "pid", pid)

	if t.config.MemoryLimitBytes > 0 {
		if err := limitMemory(pid, t.config.MemoryLimitBytes); err != nil {
			logger.Warn("Memory limit not applied", slog.String("error", err.Error()))
		}
	}

	conn := &processConn{
		cmd:      cmd,
		stdin:    stdin,
		enc:      ipc.NewEncoder(stdin),
		messages: make(chan *ipc.Message, 16),
		done:     make(chan struct{}),
		logger:   logger,
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		conn.readMessages(stdout)
	}()
	go func() {
		defer readers.Done()
		conn.forwardStderr(stderr)
	}()
	go func() {
		readers.Wait()
		conn.err = cmd.Wait()
		close(conn.done)
	}()

	logger.Info("Worker process started", slog.String("binary", t.config.Binary))
	return conn, nil
}

type processConn struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	enc      *ipc.Encoder
	messages chan *ipc.Message
	done     chan struct{}
	err      error
	logger   *slog.Logger
}

func (c *processConn) readMessages(r io.Reader) {
	defer close(c.messages)

	dec := ipc.NewDecoder(r)
	for {
		msg, err := dec.ReadMessage()
		if err != nil {
			if errors.Is(err, ipc.ErrMalformed) {
				c.logger.Warn("Dropping malformed worker output", slog.String("error", err.Error()))
				continue
			}
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("Worker output ended", slog.String("error", err.Error()))
			}
			return
		}
		c.messages <- msg
	}
}

func (c *processConn) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.logger.Info("worker stderr", slog.String("line", scanner.Text()))
	}
}

func (c *processConn) Send(req *ipc.Request) error {
	select {
	case <-c.done:
		return ErrWorkerCrash
	default:
	}
	return c.enc.Encode(req)
}

func (c *processConn) Messages() <-chan *ipc.Message { return c.messages }

func (c *processConn) Done() <-chan struct{} { return c.done }

// Err must only be read after Done is closed.
func (c *processConn) Err() error { return c.err }

func (c *processConn) Kill() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	c.stdin.Close()
	return killProcessGroup(c.cmd.Process)
}

func (c *processConn) PID() int { return c.cmd.Process.Pid }

func (c *processConn) MemoryUsage() (uint64, error) {
	return processRSS(c.cmd.Process.Pid)
}
