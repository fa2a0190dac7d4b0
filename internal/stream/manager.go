package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vanta-voice/listener/internal/audio"
	"github.com/vanta-voice/listener/internal/metrics"
	"github.com/vanta-voice/listener/internal/vad"
)

// Submitter takes ownership of closed segments. Submit must not block.
type Submitter interface {
	Submit(seg *audio.Segment) (uuid.UUID, error)
}

// Config contains configuration for the stream manager
type Config struct {
	Tuning vad.Tuning
	// PreRollFrames is the idle frame history; it is raised to the tuning's
	// MinSpeechFrames when smaller.
	PreRollFrames int
	// MaxSegment caps a segment in the assembler. Zero disables the cap.
	MaxSegment      time.Duration
	Timeout         time.Duration
	CleanupInterval time.Duration
	// NewClassifier builds the per-stream speech classifier. Nil selects
	// the spectral classifier.
	NewClassifier func(sensitivity int) vad.Classifier
}

// Manager manages all active stream sessions
type Manager struct {
	sessions map[uint32]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics
	config   Config

	submitter Submitter

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
	stopped bool
}

// NewManager creates a new stream manager and starts its cleanup routine.
func NewManager(config Config, submitter Submitter, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	if err := config.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vad tuning: %w", err)
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		sessions:  make(map[uint32]*Session),
		logger:    logger.With("component", "stream.manager"),
		metrics:   m,
		config:    config,
		submitter: submitter,
		ctx:       ctx,
		cancel:    cancel,
		cleanup:   make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// CreateSession creates a session for streamID. An existing session is
// returned unchanged apart from its label.
func (m *Manager) CreateSession(streamID uint32, sampleRate int, label string) (*Session, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, fmt.Errorf("stream manager stopped")
	}

	if existing, exists := m.sessions[streamID]; exists {
		existing.mu.Lock()
		if existing.SampleRate != sampleRate {
			existing.mu.Unlock()
			return nil, fmt.Errorf("stream %d already open at %d Hz", streamID, existing.SampleRate)
		}
		m.logger.Warn("Session already exists, updating label",
			slog.Uint64("stream_id", uint64(streamID)),
			slog.String("existing_label", existing.Label),
			slog.String("new_label", label),
		)
		existing.Label = label
		existing.LastActivity = time.Now()
		existing.mu.Unlock()
		return existing, nil
	}

	tuning := m.config.Tuning
	var classifier vad.Classifier
	if m.config.NewClassifier != nil {
		classifier = m.config.NewClassifier(tuning.Sensitivity)
	}
	detector, err := vad.NewDetector(tuning, classifier)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}

	assembler := audio.NewAssembler(audio.AssemblerConfig{
		StreamID:    streamID,
		SampleRate:  sampleRate,
		PreRoll:     m.preRollFor(tuning),
		MaxDuration: m.config.MaxSegment,
		FrameHint:   tuning.MaxSpeechFrames,
	})

	now := time.Now()
	session := &Session{
		ID:           streamID,
		Label:        label,
		SampleRate:   sampleRate,
		StartTime:    now,
		LastActivity: now,
		detector:     detector,
		assembler:    assembler,
		manager:      m,
	}
	m.sessions[streamID] = session
	m.metrics.RecordStreamCreated()
	m.metrics.SetActiveStreams(len(m.sessions))

	m.logger.Info("Created new stream session",
		slog.Uint64("stream_id", uint64(streamID)),
		slog.String("label", label),
		slog.Int("sample_rate", sampleRate),
	)

	return session, nil
}

// GetSession retrieves an existing stream session
func (m *Manager) GetSession(streamID uint32) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[streamID]
	return session, exists
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all active sessions ordered by id.
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}

// Flush closes the open segment of streamID. It returns the flushed segment,
// nil when no segment was open.
func (m *Manager) Flush(streamID uint32) (*audio.Segment, error) {
	session, ok := m.GetSession(streamID)
	if !ok {
		return nil, fmt.Errorf("stream %d not found", streamID)
	}
	return session.Flush(), nil
}

// RemoveSession flushes and removes a stream session.
func (m *Manager) RemoveSession(streamID uint32) bool {
	m.mu.Lock()
	session, exists := m.sessions[streamID]
	if exists {
		delete(m.sessions, streamID)
		m.metrics.SetActiveStreams(len(m.sessions))
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	seg := session.close()
	info := session.Info()
	m.metrics.RecordStreamDestroyed(info.Duration.Seconds())

	attrs := []any{
		slog.Uint64("stream_id", uint64(streamID)),
		slog.String("label", info.Label),
		slog.Duration("duration", info.Duration),
		slog.Uint64("frames", info.FramesReceived),
		slog.Uint64("segments_sent", info.SegmentsSent),
		slog.Uint64("underruns", info.Underruns),
	}
	if seg != nil {
		attrs = append(attrs, slog.Uint64("final_segment_id", seg.ID))
	}
	m.logger.Info("Stream session removed", attrs...)
	return true
}

// SetTuning applies new detector thresholds to the defaults for new streams
// and to every live session.
func (m *Manager) SetTuning(t vad.Tuning) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid vad tuning: %w", err)
	}

	m.mu.Lock()
	m.config.Tuning = t
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	preRoll := m.preRollFor(t)
	for _, s := range sessions {
		if err := s.setTuning(t, preRoll); err != nil {
			return fmt.Errorf("stream %d: %w", s.ID, err)
		}
	}

	m.logger.Info("VAD tuning updated",
		slog.Int("sessions", len(sessions)),
		slog.Int("sensitivity", t.Sensitivity),
		slog.Float64("audio_threshold", t.AudioThreshold),
		slog.Int("min_speech_frames", t.MinSpeechFrames),
		slog.Int("max_speech_frames", t.MaxSpeechFrames),
		slog.Duration("silence_threshold", t.SilenceThreshold),
		slog.Duration("max_phrase_duration", t.MaxPhraseDuration),
	)
	return nil
}

// preRollFor sizes the pre-roll ring so a segment onset can reach back
// over every debounced frame.
func (m *Manager) preRollFor(t vad.Tuning) int {
	if m.config.PreRollFrames > t.MinSpeechFrames {
		return m.config.PreRollFrames
	}
	return t.MinSpeechFrames
}

// Tuning returns the tuning applied to new sessions.
func (m *Manager) Tuning() vad.Tuning {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Tuning
}

// Stop flushes every session and stops the cleanup routine.
func (m *Manager) Stop() {
	m.logger.Info("Stopping stream manager...")

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	ids := make([]uint32, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.RemoveSession(id)
	}

	m.cancel()
	<-m.cleanup

	m.logger.Info("Stream manager stopped", slog.Int("flushed_sessions", len(ids)))
}

// startCleanupRoutine removes sessions that stopped sending audio.
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Debug("Stream cleanup routine started",
		slog.Duration("timeout", m.config.Timeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive for too long
func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()
	expired := make([]uint32, 0)

	m.mu.RLock()
	for streamID, session := range m.sessions {
		if now.Sub(session.lastActivity()) > m.config.Timeout {
			expired = append(expired, streamID)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions", slog.Int("expired_count", len(expired)))
		for _, streamID := range expired {
			m.RemoveSession(streamID)
		}
	}
}
