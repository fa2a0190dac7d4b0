package stream

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vanta-voice/listener/internal/audio"
	"github.com/vanta-voice/listener/internal/vad"
)

// Session is one live audio stream: a detector and an assembler driven
// synchronously by whoever pushes frames.
type Session struct {
	ID           uint32
	Label        string
	SampleRate   int
	StartTime    time.Time
	LastActivity time.Time

	detector  *vad.Detector
	assembler *audio.Assembler
	manager   *Manager

	seen     bool
	lastSeq  uint64
	lastEnd  time.Duration
	closed   bool
	closedAt time.Time

	framesReceived uint64
	framesRejected uint64
	underruns      uint64
	segmentsBuilt  uint64
	segmentsSent   uint64
	segmentsFailed uint64

	mu sync.Mutex
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	StreamID     uint32        `json:"stream_id"`
	Label        string        `json:"label"`
	SampleRate   int           `json:"sample_rate"`
	StartTime    time.Time     `json:"start_time"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`

	FramesReceived uint64 `json:"frames_received"`
	FramesRejected uint64 `json:"frames_rejected"`
	Underruns      uint64 `json:"underruns"`
	SegmentsBuilt  uint64 `json:"segments_built"`
	SegmentsSent   uint64 `json:"segments_sent"`
	SegmentsFailed uint64 `json:"segments_failed"`

	VAD       vad.Stats            `json:"vad"`
	Assembler audio.AssemblerStats `json:"assembler"`
}

// AddAudioData decodes one PCM payload into a frame and pushes it.
func (s *Session) AddAudioData(seq uint32, offsetMicros uint64, data []byte) error {
	samples, err := audio.DecodePCM16(data)
	if err != nil {
		return fmt.Errorf("stream %d: %w", s.ID, err)
	}
	return s.PushFrame(audio.Frame{
		Samples:    samples,
		SampleRate: s.SampleRate,
		Channels:   1,
		Seq:        uint64(seq),
		Timestamp:  time.Duration(offsetMicros) * time.Microsecond,
	})
}

// PushFrame runs the frame through the detector and assembler and submits
// any segment that closes. Frames older than the last accepted one are
// rejected; gaps are logged as underruns and otherwise ignored.
func (s *Session) PushFrame(f audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("stream %d: session closed", s.ID)
	}
	s.LastActivity = time.Now()

	if s.seen && (f.Seq <= s.lastSeq || f.Timestamp < s.lastEnd) {
		s.framesRejected++
		s.manager.metrics.RecordFrameRejected()
		return fmt.Errorf("stream %d: frame %d at %v precedes frame %d", s.ID, f.Seq, f.Timestamp, s.lastSeq)
	}
	if s.seen {
		s.checkUnderrun(f)
	}
	s.seen = true
	s.lastSeq = f.Seq
	s.lastEnd = f.End()
	s.framesReceived++

	ev := s.detector.Process(f)
	s.manager.metrics.RecordFrame(ev.Speech)

	seg := s.assembler.Push(f, ev.Mark())
	if seg == nil {
		return nil
	}
	if seg.Forced {
		// The assembler closed on its own cap; the detector still thinks
		// the phrase is running.
		s.detector.Reset()
	}
	s.handoff(seg)
	return nil
}

// checkUnderrun compares f against the previous frame. Missing sequence
// numbers or a timestamp jump of more than half a frame count as one
// underrun.
func (s *Session) checkUnderrun(f audio.Frame) {
	seqGap := f.Seq - s.lastSeq - 1
	span := f.Timestamp - s.lastEnd
	if seqGap == 0 && span <= f.Duration()/2 {
		return
	}

	s.underruns++
	s.manager.metrics.RecordUnderrun()
	s.manager.logger.Warn("Audio underrun",
		slog.Uint64("stream_id", uint64(s.ID)),
		slog.Uint64("missing_frames", seqGap),
		slog.Duration("gap", span),
		slog.Uint64("seq", f.Seq),
		slog.String("error", audio.ErrAudioUnderrun.Error()),
	)
}

// Flush closes the open segment, if any, and submits it.
func (s *Session) Flush() *audio.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Session) flushLocked() *audio.Segment {
	seg := s.assembler.Flush()
	s.detector.Reset()
	if seg != nil {
		s.handoff(seg)
	}
	return seg
}

// close flushes and marks the session unusable.
func (s *Session) close() *audio.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	seg := s.flushLocked()
	s.closed = true
	s.closedAt = time.Now()
	return seg
}

// handoff passes seg to the submitter exactly once.
func (s *Session) handoff(seg *audio.Segment) {
	s.segmentsBuilt++
	s.manager.metrics.RecordSegment(seg.Reason.String(), seg.Duration().Seconds())

	id, err := s.manager.submitter.Submit(seg)
	if err != nil {
		s.segmentsFailed++
		s.manager.logger.Error("Failed to submit segment",
			slog.Uint64("stream_id", uint64(s.ID)),
			slog.Uint64("segment_id", seg.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.segmentsSent++

	s.manager.logger.Info("Segment submitted",
		slog.Uint64("stream_id", uint64(s.ID)),
		slog.Uint64("segment_id", seg.ID),
		slog.String("request_id", id.String()),
		slog.String("reason", seg.Reason.String()),
		slog.Float64("duration", seg.Duration().Seconds()),
		slog.Int("frames", len(seg.Frames)),
	)
}

func (s *Session) setTuning(t vad.Tuning, preRoll int) error {
	if err := s.detector.SetTuning(t); err != nil {
		return err
	}
	s.assembler.SetPreRoll(preRoll)
	return nil
}

func (s *Session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastActivity
}

// Info returns session information including VAD and assembler stats.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := time.Now()
	if s.closed {
		end = s.closedAt
	}
	return SessionInfo{
		StreamID:       s.ID,
		Label:          s.Label,
		SampleRate:     s.SampleRate,
		StartTime:      s.StartTime,
		LastActivity:   s.LastActivity,
		Duration:       end.Sub(s.StartTime),
		FramesReceived: s.framesReceived,
		FramesRejected: s.framesRejected,
		Underruns:      s.underruns,
		SegmentsBuilt:  s.segmentsBuilt,
		SegmentsSent:   s.segmentsSent,
		SegmentsFailed: s.segmentsFailed,
		VAD:            s.detector.Stats(),
		Assembler:      s.assembler.Stats(),
	}
}
