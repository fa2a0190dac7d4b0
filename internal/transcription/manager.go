package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vanta-voice/listener/internal/audio"
	"github.com/vanta-voice/listener/internal/metrics"
)

// Config contains transcription manager configuration
type Config struct {
	MaxFailures    int
	FailureWindow  time.Duration
	FailureBackoff time.Duration

	// Segments shorter than ShortSegment get TimeoutShort per attempt,
	// others TimeoutStandard.
	ShortSegment    time.Duration
	TimeoutShort    time.Duration
	TimeoutStandard time.Duration

	// MinPrimaryDuration routes shorter segments past the worker backend
	// without counting a failure. Zero disables.
	MinPrimaryDuration time.Duration

	// Concurrency bounds in-flight segments; it matches the worker pool size.
	Concurrency int
	Language    string
}

// Validate checks the manager configuration.
func (c Config) Validate() error {
	if c.MaxFailures < 1 {
		return fmt.Errorf("max failures must be positive, got %d", c.MaxFailures)
	}
	if c.FailureBackoff <= 0 {
		return fmt.Errorf("failure backoff must be positive")
	}
	if c.FailureWindow <= 0 {
		return fmt.Errorf("failure window must be positive")
	}
	if c.TimeoutShort <= 0 || c.TimeoutStandard <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	return nil
}

// Stats represents manager statistics
type Stats struct {
	Submitted uint64            `json:"submitted"`
	Emitted   uint64            `json:"emitted"`
	Queued    int               `json:"queued"`
	InFlight  int               `json:"in_flight"`
	Reorder   int               `json:"awaiting_order"`
	Exhausted uint64            `json:"exhausted"`
	ByBackend map[string]uint64 `json:"by_backend"`
}

// Manager runs submitted segments through the backend cascade and emits one
// result per segment in submission order.
type Manager struct {
	config   Config
	backends []Backend
	health   []*health
	logger   *slog.Logger
	metrics  *metrics.Metrics

	results chan *Result

	mu        sync.Mutex
	changed   chan struct{}
	queue     []*Request
	nextSeq   uint64
	nextEmit  uint64
	completed map[uint64]*Result
	ready     []*Result
	inFlight  int
	closed    bool
	started   bool
	emitted   uint64
	exhausted uint64
	byBackend map[string]uint64

	wg        sync.WaitGroup
	emitterWG sync.WaitGroup
}

// NewManager creates a manager over backends in priority order.
func NewManager(config Config, backends []Backend, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transcription config: %w", err)
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("at least one backend is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	hs := make([]*health, len(backends))
	for i, b := range backends {
		hs[i] = &health{kind: b.Kind(), name: b.Name()}
		m.SetBackendTripped(b.Kind().String(), false)
	}

	return &Manager{
		config:    config,
		backends:  backends,
		health:    hs,
		logger:    logger.With("component", "transcription.manager"),
		metrics:   m,
		results:   make(chan *Result, config.Concurrency*4),
		changed:   make(chan struct{}),
		completed: make(map[uint64]*Result),
		byBackend: make(map[string]uint64),
	}, nil
}

// Start launches the dispatchers and the ordered emitter. ctx bounds backend
// attempts; cancelling it makes remaining work fall through to backends that
// ignore deadlines.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("manager already started")
	}
	m.started = true

	for i := 0; i < m.config.Concurrency; i++ {
		m.wg.Add(1)
		go m.dispatch(ctx)
	}
	m.emitterWG.Add(1)
	go m.emit()

	m.logger.Info("Transcription manager started",
		slog.Int("backends", len(m.backends)),
		slog.Int("concurrency", m.config.Concurrency))
	return nil
}

// Submit queues seg for transcription and returns its request id. It never
// blocks; the queue is unbounded. Segments are accepted between Start and
// Close.
func (m *Manager) Submit(seg *audio.Segment) (uuid.UUID, error) {
	if seg == nil || len(seg.Frames) == 0 {
		return uuid.Nil, fmt.Errorf("cannot submit empty segment")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return uuid.Nil, ErrClosed
	}
	// Nothing would ever emit a result for a segment queued before Start.
	if !m.started {
		return uuid.Nil, ErrNotStarted
	}
	req := &Request{
		ID:       uuid.New(),
		Seq:      m.nextSeq,
		Segment:  seg,
		Language: m.config.Language,
	}
	m.nextSeq++
	m.queue = append(m.queue, req)
	m.metrics.SetTranscriptionQueueDepth(int(m.nextSeq - m.emitted))
	m.notifyLocked()
	return req.ID, nil
}

// Results delivers one result per submitted segment in submission order. The
// channel is closed after Close once every result has been delivered.
func (m *Manager) Results() <-chan *Result {
	return m.results
}

// Close stops accepting segments and waits until every queued segment has
// been emitted or ctx ends.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	m.notifyLocked()
	m.mu.Unlock()

	if !started {
		close(m.results)
		return nil
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		m.emitterWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Transcription manager drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transcription drain: %w", ctx.Err())
	}
}

// next blocks until a request is queued or the manager is closed and empty.
func (m *Manager) next() *Request {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			req := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.inFlight++
			m.mu.Unlock()
			return req
		}
		if m.closed {
			m.mu.Unlock()
			return nil
		}
		wait := m.changed
		m.mu.Unlock()
		<-wait
	}
}

func (m *Manager) dispatch(ctx context.Context) {
	defer m.wg.Done()
	for {
		req := m.next()
		if req == nil {
			return
		}
		m.complete(m.process(ctx, req))
	}
}

// process walks the cascade for one segment.
func (m *Manager) process(ctx context.Context, req *Request) *Result {
	start := time.Now()
	seg := req.Segment
	timeout := m.timeoutFor(seg.Duration())

	var lastErr error
	attempts := 0
	for i, backend := range m.backends {
		ok, probe := m.admit(i, seg.Duration())
		if !ok {
			continue
		}

		attempt := *req
		attempt.Backend = backend.Kind()
		attempt.Deadline = time.Now().Add(timeout)
		attempts++

		actx, cancel := context.WithDeadline(ctx, attempt.Deadline)
		attemptStart := time.Now()
		res, err := backend.Transcribe(actx, &attempt)
		cancel()
		elapsed := time.Since(attemptStart)

		if err == nil && res != nil {
			m.recordSuccess(i, probe)
			m.metrics.RecordTranscriptionAttempt(backend.Kind().String(), "ok", elapsed.Seconds())
			res.Backend = backend.Kind()
			res.Attempts = attempts
			return m.finish(req, res, start)
		}
		if err == nil {
			err = fmt.Errorf("%s returned no result", backend.Name())
		}

		kind := classify(err)
		m.recordFailure(i, kind, err, probe)
		m.metrics.RecordTranscriptionAttempt(backend.Kind().String(), kind.String(), elapsed.Seconds())
		m.logger.Warn("Backend attempt failed",
			slog.String("backend", backend.Name()),
			slog.String("request_id", req.ID.String()),
			slog.String("kind", kind.String()),
			slog.Bool("probe", probe),
			slog.String("error", err.Error()))
		lastErr = err
	}

	m.metrics.RecordBackendsExhausted()
	err := ErrAllBackendsExhausted
	if lastErr != nil {
		err = fmt.Errorf("%w: last error: %v", ErrAllBackendsExhausted, lastErr)
	}
	m.logger.Error("No backend could transcribe segment",
		slog.String("request_id", req.ID.String()),
		slog.Uint64("segment_id", seg.ID),
		slog.Int("attempts", attempts))
	return m.finish(req, &Result{Failed: true, Err: err, Error: err.Error(), Attempts: attempts}, start)
}

func (m *Manager) finish(req *Request, res *Result, start time.Time) *Result {
	seg := req.Segment
	res.RequestID = req.ID
	res.Seq = req.Seq
	res.SegmentID = seg.ID
	res.StreamID = seg.StreamID
	res.Start = seg.Start
	res.End = seg.End
	res.Reason = seg.Reason
	res.Latency = time.Since(start)
	res.CompletedAt = time.Now()
	return res
}

func (m *Manager) timeoutFor(d time.Duration) time.Duration {
	if d < m.config.ShortSegment {
		return m.config.TimeoutShort
	}
	return m.config.TimeoutStandard
}

func (m *Manager) admit(i int, d time.Duration) (ok, probe bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.health[i]
	if h.kind == BackendWorker && m.config.MinPrimaryDuration > 0 && d < m.config.MinPrimaryDuration {
		return false, false
	}
	ok, probe = h.admit(time.Now(), m.config)
	if !ok && h.tripped {
		m.metrics.SetBackendTripped(h.kind.String(), true)
	}
	if probe {
		m.logger.Info("Probing backend after backoff", slog.String("backend", h.name))
	}
	return ok, probe
}

func (m *Manager) recordSuccess(i int, probe bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.health[i]
	wasTripped := h.tripped
	h.success()
	if wasTripped {
		m.metrics.SetBackendTripped(h.kind.String(), false)
		m.logger.Info("Backend recovered", slog.String("backend", h.name), slog.Bool("probe", probe))
	}
}

func (m *Manager) recordFailure(i int, kind FailureKind, err error, probe bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.health[i]
	wasTripped := h.tripped
	h.failure(FailureRecord{Backend: h.kind, At: time.Now(), Kind: kind}, err, probe, m.config)
	if h.tripped && !wasTripped {
		m.metrics.SetBackendTripped(h.kind.String(), true)
		m.logger.Warn("Backend disabled after repeated failures",
			slog.String("backend", h.name),
			slog.Int("failures", len(h.failures)),
			slog.Duration("backoff", m.config.FailureBackoff))
	}
}

// complete stores res and moves every result that is next in order to the
// ready list.
func (m *Manager) complete(res *Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inFlight--
	m.completed[res.Seq] = res
	for {
		r, ok := m.completed[m.nextEmit]
		if !ok {
			break
		}
		delete(m.completed, m.nextEmit)
		m.nextEmit++
		m.ready = append(m.ready, r)
	}
	m.notifyLocked()
}

// emit delivers ready results to the Results channel. The channel may block
// without ever blocking Submit.
func (m *Manager) emit() {
	defer m.emitterWG.Done()
	defer close(m.results)

	for {
		m.mu.Lock()
		if len(m.ready) == 0 {
			if m.closed && len(m.queue) == 0 && m.inFlight == 0 && len(m.completed) == 0 {
				m.mu.Unlock()
				return
			}
			wait := m.changed
			m.mu.Unlock()
			<-wait
			continue
		}
		res := m.ready[0]
		m.ready[0] = nil
		m.ready = m.ready[1:]
		m.mu.Unlock()

		m.results <- res

		m.mu.Lock()
		m.emitted++
		if res.Failed {
			m.exhausted++
		} else {
			m.byBackend[res.Backend.String()]++
		}
		depth := int(m.nextSeq - m.emitted)
		m.mu.Unlock()

		if !res.Failed {
			m.metrics.RecordResultEmitted(res.Backend.String())
		}
		m.metrics.SetTranscriptionQueueDepth(depth)
	}
}

// Stats returns current manager statistics
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	by := make(map[string]uint64, len(m.byBackend))
	for k, v := range m.byBackend {
		by[k] = v
	}
	return Stats{
		Submitted: m.nextSeq,
		Emitted:   m.emitted,
		Queued:    len(m.queue),
		InFlight:  m.inFlight,
		Reorder:   len(m.completed) + len(m.ready),
		Exhausted: m.exhausted,
		ByBackend: by,
	}
}

// BackendHealth returns a health snapshot per backend in cascade order.
func (m *Manager) BackendHealth() []BackendStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := make([]BackendStatus, len(m.health))
	for i, h := range m.health {
		out[i] = h.status(now, m.config)
	}
	return out
}

func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
