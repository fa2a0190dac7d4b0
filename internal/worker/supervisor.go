package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vanta-voice/listener/internal/ipc"
	"github.com/vanta-voice/listener/internal/metrics"
)

var (
	// ErrWorkerTimeout is returned when a request outlives its deadline. The
	// worker that held it is killed and replaced.
	ErrWorkerTimeout = errors.New("worker: request timed out")
	// ErrWorkerCrash is returned when the worker died with the request in
	// flight.
	ErrWorkerCrash = errors.New("worker: process died")
	// ErrNoWorker is returned when no worker became available before the
	// deadline.
	ErrNoWorker = errors.New("worker: no worker available")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("worker: supervisor stopped")
)

// HandleState is the lifecycle state of a worker slot.
type HandleState int

const (
	StateStarting HandleState = iota
	StateReady
	StateBusy
	StateCrashed
	StateRestarting
)

func (s HandleState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s HandleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config contains supervisor configuration
type Config struct {
	PoolSize          int
	StartupTimeout    time.Duration
	HeartbeatGrace    time.Duration
	WatchdogInterval  time.Duration
	MemoryLimitBytes  uint64
	RestartBackoff    time.Duration
	MaxRestartBackoff time.Duration
	// StableAfter resets the restart backoff for a worker that lived at
	// least this long.
	StableAfter   time.Duration
	ShutdownGrace time.Duration
}

// Validate checks the supervisor configuration.
func (c Config) Validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("pool size must be positive, got %d", c.PoolSize)
	}
	if c.StartupTimeout <= 0 {
		return fmt.Errorf("startup timeout must be positive")
	}
	if c.HeartbeatGrace <= 0 {
		return fmt.Errorf("heartbeat grace must be positive")
	}
	if c.RestartBackoff <= 0 {
		return fmt.Errorf("restart backoff must be positive")
	}
	if c.MaxRestartBackoff < c.RestartBackoff {
		return fmt.Errorf("max restart backoff must be at least the restart backoff")
	}
	return nil
}

// Handle is one worker occupying a supervisor slot. A replaced handle is
// never reused.
type Handle struct {
	slot          int
	generation    uint64
	conn          Conn
	state         HandleState
	startedAt     time.Time
	lastHeartbeat time.Time
	rss           uint64
	requests      uint64
	inflight      *call
	killReason    string

	ready     chan struct{}
	readyOnce sync.Once
}

type call struct {
	id    string
	reply chan *ipc.Message
}

// HandleInfo is a snapshot of a worker slot.
type HandleInfo struct {
	Slot          int         `json:"slot"`
	Generation    uint64      `json:"generation"`
	PID           int         `json:"pid"`
	State         HandleState `json:"state"`
	StartedAt     time.Time   `json:"started_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	RSSBytes      uint64      `json:"rss_bytes"`
	Requests      uint64      `json:"requests"`
	Restarts      uint64      `json:"restarts"`
}

// Stats represents supervisor statistics
type Stats struct {
	PoolSize       int    `json:"pool_size"`
	Live           int    `json:"live"`
	Requests       uint64 `json:"requests"`
	Succeeded      uint64 `json:"succeeded"`
	WorkerErrors   uint64 `json:"worker_errors"`
	Timeouts       uint64 `json:"timeouts"`
	Crashes        uint64 `json:"crashes"`
	Restarts       uint64 `json:"restarts"`
	SpawnFailures  uint64 `json:"spawn_failures"`
	StaleResponses uint64 `json:"stale_responses"`
	HungKills      uint64 `json:"hung_kills"`
	MemoryKills    uint64 `json:"memory_kills"`
}

// Supervisor owns a fixed pool of workers.
type Supervisor struct {
	config    Config
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu         sync.Mutex
	slots      []*Handle
	restarts   []uint64
	idle       []*Handle
	changed    chan struct{}
	generation uint64
	stats      Stats
	started    bool
	stopping   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor. Workers are started by Start.
func NewSupervisor(config Config, transport Transport, logger *slog.Logger, m *metrics.Metrics) (*Supervisor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	if config.WatchdogInterval <= 0 {
		config.WatchdogInterval = config.HeartbeatGrace / 2
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		config:    config,
		transport: transport,
		logger:    logger.With("component", "worker.supervisor"),
		metrics:   m,
		slots:     make([]*Handle, config.PoolSize),
		restarts:  make([]uint64, config.PoolSize),
		changed:   make(chan struct{}),
		stats:     Stats{PoolSize: config.PoolSize},
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start launches one owner goroutine per slot and the watchdog.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("supervisor already started")
	}
	if s.stopping {
		return ErrStopped
	}
	s.started = true

	for slot := range s.slots {
		s.wg.Add(1)
		go s.runSlot(slot)
	}
	s.wg.Add(1)
	go s.watchdog()

	s.logger.Info("Worker supervisor started", slog.Int("pool_size", s.config.PoolSize))
	return nil
}

// WaitReady blocks until at least n workers are live or ctx ends.
func (s *Supervisor) WaitReady(ctx context.Context, n int) error {
	for {
		s.mu.Lock()
		live := s.liveLocked()
		wait := s.changed
		s.mu.Unlock()

		if live >= n {
			return nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return fmt.Errorf("%d of %d workers ready: %w", live, n, ctx.Err())
		}
	}
}

// Transcribe runs req on an idle worker. It waits for a worker, the
// matching response, the context deadline, or the worker's death, whichever
// comes first. A request is in flight on at most one worker.
func (s *Supervisor) Transcribe(ctx context.Context, req *ipc.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("invalid request: %w", err)
	}

	h, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}

	c := &call{id: req.RequestID, reply: make(chan *ipc.Message, 1)}
	s.mu.Lock()
	h.inflight = c
	h.requests++
	s.stats.Requests++
	s.mu.Unlock()

	if err := h.conn.Send(req); err != nil {
		s.kill(h, "send-failed")
		return "", fmt.Errorf("failed to send request %s to worker %d: %v: %w", req.RequestID, h.slot, err, ErrWorkerCrash)
	}

	select {
	case msg := <-c.reply:
		s.release(h)
		return s.answer(msg)

	case <-h.conn.Done():
		select {
		case msg := <-c.reply:
			// The reply landed before the worker exited.
			return s.answer(msg)
		default:
		}
		return "", fmt.Errorf("worker %d (pid %d) died during request %s: %w", h.slot, h.conn.PID(), req.RequestID, ErrWorkerCrash)

	case <-ctx.Done():
		// Responses arriving after this point are stale.
		s.mu.Lock()
		if h.inflight == c {
			h.inflight = nil
		}
		s.mu.Unlock()
		s.kill(h, "timeout")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.mu.Lock()
			s.stats.Timeouts++
			s.mu.Unlock()
			return "", fmt.Errorf("request %s on worker %d: %w", req.RequestID, h.slot, ErrWorkerTimeout)
		}
		return "", ctx.Err()
	}
}

// answer converts a matched worker reply into the caller's result.
func (s *Supervisor) answer(msg *ipc.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := msg.Err(); err != nil {
		s.stats.WorkerErrors++
		return "", err
	}
	s.stats.Succeeded++
	return msg.Text, nil
}

// acquire claims an idle live worker and marks it busy.
func (s *Supervisor) acquire(ctx context.Context) (*Handle, error) {
	for {
		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			return nil, ErrStopped
		}
		for len(s.idle) > 0 {
			h := s.idle[0]
			s.idle = s.idle[1:]
			if h.state == StateReady && alive(h.conn) {
				h.state = StateBusy
				s.mu.Unlock()
				return h, nil
			}
		}
		wait := s.changed
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrNoWorker, ctx.Err())
		case <-s.ctx.Done():
			return nil, ErrStopped
		}
	}
}

// release returns a busy worker to the idle list.
func (s *Supervisor) release(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.state != StateBusy || !alive(h.conn) || s.stopping {
		return
	}
	h.state = StateReady
	h.inflight = nil
	s.idle = append(s.idle, h)
	s.notifyLocked()
}

func (s *Supervisor) kill(h *Handle, reason string) {
	s.mu.Lock()
	if h.killReason == "" {
		h.killReason = reason
	}
	s.mu.Unlock()

	s.metrics.RecordWorkerKill(reason)
	if err := h.conn.Kill(); err != nil {
		s.logger.Warn("Failed to kill worker",
			slog.Int("slot", h.slot),
			slog.Int("pid", h.conn.PID()),
			slog.String("error", err.Error()))
	}
}

// runSlot owns one slot: it spawns a worker, waits for its death and
// replaces it with exponential backoff.
func (s *Supervisor) runSlot(slot int) {
	defer s.wg.Done()

	failures := 0
	for {
		if s.isStopping() {
			return
		}

		h, err := s.spawn(slot)
		if err != nil {
			if s.isStopping() {
				return
			}
			failures++
			s.mu.Lock()
			s.stats.SpawnFailures++
			s.mu.Unlock()
			s.logger.Warn("Worker failed to start",
				slog.Int("slot", slot),
				slog.Int("failures", failures),
				slog.String("error", err.Error()))
			if !s.sleep(s.backoff(failures)) {
				return
			}
			continue
		}

		<-h.conn.Done()
		lived := time.Since(h.startedAt)
		s.onDeath(h)
		if s.isStopping() {
			return
		}

		if s.config.StableAfter > 0 && lived >= s.config.StableAfter {
			failures = 0
		}
		failures++
		delay := s.backoff(failures)

		s.mu.Lock()
		h.state = StateRestarting
		s.restarts[slot]++
		s.stats.Restarts++
		s.notifyLocked()
		s.mu.Unlock()
		s.metrics.RecordWorkerRestart()

		s.logger.Info("Restarting worker",
			slog.Int("slot", slot),
			slog.Duration("backoff", delay))
		if !s.sleep(delay) {
			return
		}
	}
}

// spawn starts a worker for slot and waits for its ready message.
func (s *Supervisor) spawn(slot int) (*Handle, error) {
	conn, err := s.transport.Spawn(s.ctx, slot)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn worker %d: %w", slot, err)
	}

	now := time.Now()
	s.mu.Lock()
	s.generation++
	h := &Handle{
		slot:          slot,
		generation:    s.generation,
		conn:          conn,
		state:         StateStarting,
		startedAt:     now,
		lastHeartbeat: now,
		ready:         make(chan struct{}),
	}
	s.slots[slot] = h
	s.notifyLocked()
	s.mu.Unlock()

	go s.readLoop(h)

	timer := time.NewTimer(s.config.StartupTimeout)
	defer timer.Stop()

	select {
	case <-h.ready:
	case <-conn.Done():
		s.onDeath(h)
		return nil, fmt.Errorf("worker %d exited during startup: %w", slot, ErrWorkerCrash)
	case <-timer.C:
		s.kill(h, "startup-timeout")
		<-conn.Done()
		s.onDeath(h)
		return nil, fmt.Errorf("worker %d not ready after %v", slot, s.config.StartupTimeout)
	case <-s.ctx.Done():
		conn.Kill()
		return nil, ErrStopped
	}

	s.mu.Lock()
	if !alive(conn) || s.stopping {
		s.mu.Unlock()
		<-conn.Done()
		s.onDeath(h)
		return nil, fmt.Errorf("worker %d lost after ready: %w", slot, ErrWorkerCrash)
	}
	h.state = StateReady
	h.lastHeartbeat = time.Now()
	s.idle = append(s.idle, h)
	s.notifyLocked()
	live := s.liveLocked()
	s.mu.Unlock()

	s.metrics.SetWorkersReady(live)
	s.logger.Info("Worker ready",
		slog.Int("slot", slot),
		slog.Int("pid", conn.PID()),
		slog.Uint64("generation", h.generation))
	return h, nil
}

// readLoop consumes worker messages until the worker's output ends.
func (s *Supervisor) readLoop(h *Handle) {
	for msg := range h.conn.Messages() {
		s.mu.Lock()
		h.lastHeartbeat = time.Now()
		switch msg.Type {
		case ipc.TypeReady:
			h.readyOnce.Do(func() { close(h.ready) })
		case ipc.TypeHeartbeat:
			if msg.RSSBytes > 0 {
				h.rss = msg.RSSBytes
			}
		case ipc.TypeResult:
			if c := h.inflight; c != nil && c.id == msg.RequestID {
				h.inflight = nil
				c.reply <- msg
			} else {
				s.stats.StaleResponses++
				s.metrics.RecordStaleResponse()
				s.logger.Warn("Dropping stale worker response",
					slog.Int("slot", h.slot),
					slog.String("request_id", msg.RequestID))
			}
		}
		s.mu.Unlock()
	}
}

// onDeath marks h crashed and fails its in-flight request through the
// closed Done channel.
func (s *Supervisor) onDeath(h *Handle) {
	s.mu.Lock()
	if h.state == StateCrashed || h.state == StateRestarting {
		s.mu.Unlock()
		return
	}
	stopping := s.stopping
	h.state = StateCrashed
	h.inflight = nil
	for i, idle := range s.idle {
		if idle == h {
			s.idle = append(s.idle[:i], s.idle[i+1:]...)
			break
		}
	}
	if !stopping {
		s.stats.Crashes++
	}
	reason := h.killReason
	live := s.liveLocked()
	s.notifyLocked()
	s.mu.Unlock()

	s.metrics.SetWorkersReady(live)
	if stopping {
		return
	}
	if reason == "" {
		reason = "exited"
	}
	attrs := []any{
		slog.Int("slot", h.slot),
		slog.Int("pid", h.conn.PID()),
		slog.String("reason", reason),
	}
	if err := h.conn.Err(); err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.logger.Warn("Worker died", attrs...)
}

func (s *Supervisor) watchdog() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkHandles()
		}
	}
}

// checkHandles kills workers that stopped heartbeating or grew past the
// memory ceiling.
func (s *Supervisor) checkHandles() {
	type probe struct {
		h    *Handle
		last time.Time
		rss  uint64
	}

	s.mu.Lock()
	probes := make([]probe, 0, len(s.slots))
	for _, h := range s.slots {
		if h != nil && h.killReason == "" && (h.state == StateReady || h.state == StateBusy) {
			probes = append(probes, probe{h: h, last: h.lastHeartbeat, rss: h.rss})
		}
	}
	s.mu.Unlock()

	now := time.Now()
	for _, p := range probes {
		if silent := now.Sub(p.last); silent > s.config.HeartbeatGrace {
			s.logger.Warn("Worker missed heartbeats, killing",
				slog.Int("slot", p.h.slot),
				slog.Int("pid", p.h.conn.PID()),
				slog.Duration("silent_for", silent))
			s.mu.Lock()
			s.stats.HungKills++
			s.mu.Unlock()
			s.kill(p.h, "hung")
			continue
		}

		if s.config.MemoryLimitBytes == 0 {
			continue
		}
		mem, err := p.h.conn.MemoryUsage()
		if err != nil {
			mem = p.rss
		}
		if mem > s.config.MemoryLimitBytes {
			s.logger.Warn("Worker over memory ceiling, killing",
				slog.Int("slot", p.h.slot),
				slog.Int("pid", p.h.conn.PID()),
				slog.Uint64("rss_bytes", mem),
				slog.Uint64("limit_bytes", s.config.MemoryLimitBytes))
			s.mu.Lock()
			s.stats.MemoryKills++
			s.mu.Unlock()
			s.kill(p.h, "memory")
		}
	}
}

// Stop asks every worker to shut down, kills those still running after the
// grace period, and waits for the slot owners to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	handles := make([]*Handle, 0, len(s.slots))
	for _, h := range s.slots {
		if h != nil && alive(h.conn) {
			handles = append(handles, h)
		}
	}
	s.idle = nil
	s.notifyLocked()
	s.mu.Unlock()

	// A busy worker does not read its input, so the shutdown send may block
	// until the worker is killed below.
	for _, h := range handles {
		go func(h *Handle) {
			if err := h.conn.Send(&ipc.Request{Type: ipc.TypeShutdown}); err != nil {
				h.conn.Kill()
			}
		}(h)
	}

	grace := time.NewTimer(s.config.ShutdownGrace)
	defer grace.Stop()
	expired := false
	for _, h := range handles {
		if expired {
			h.conn.Kill()
			continue
		}
		select {
		case <-h.conn.Done():
		case <-grace.C:
			expired = true
			h.conn.Kill()
		case <-ctx.Done():
			expired = true
			h.conn.Kill()
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("Worker supervisor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker supervisor stop: %w", ctx.Err())
	}
}

// Handles returns a snapshot of every slot.
func (s *Supervisor) Handles() []HandleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]HandleInfo, 0, len(s.slots))
	for slot, h := range s.slots {
		info := HandleInfo{Slot: slot, State: StateStarting, Restarts: s.restarts[slot]}
		if h != nil {
			info.Generation = h.generation
			info.PID = h.conn.PID()
			info.State = h.state
			info.StartedAt = h.startedAt
			info.LastHeartbeat = h.lastHeartbeat
			info.RSSBytes = h.rss
			info.Requests = h.requests
		}
		infos = append(infos, info)
	}
	return infos
}

// Stats returns current supervisor statistics
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Live = s.liveLocked()
	return stats
}

// PoolSize returns the configured number of workers.
func (s *Supervisor) PoolSize() int {
	return s.config.PoolSize
}

func (s *Supervisor) liveLocked() int {
	n := 0
	for _, h := range s.slots {
		if h != nil && (h.state == StateReady || h.state == StateBusy) {
			n++
		}
	}
	return n
}

// notifyLocked wakes every goroutine waiting on s.changed.
func (s *Supervisor) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Supervisor) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Supervisor) backoff(failures int) time.Duration {
	d := s.config.RestartBackoff
	for i := 1; i < failures && d < s.config.MaxRestartBackoff; i++ {
		d *= 2
	}
	if d > s.config.MaxRestartBackoff {
		d = s.config.MaxRestartBackoff
	}
	return d
}

// sleep waits for d and reports false if the supervisor stopped meanwhile.
func (s *Supervisor) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func alive(c Conn) bool {
	select {
	case <-c.Done():
		return false
	default:
		return true
	}
}
