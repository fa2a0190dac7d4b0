package vad

import (
	"fmt"
	"sync"
	"time"

	"github.com/vanta-voice/listener/internal/audio"
)

// State is the detector's position in the speech state machine.
type State int

const (
	StateSilence State = iota
	StateCandidate
	StateActive
)

func (s State) String() string {
	switch s {
	case StateCandidate:
		return "candidate"
	case StateActive:
		return "active"
	default:
		return "silence"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventKind identifies a segment lifecycle event.
type EventKind int

const (
	EventNone EventKind = iota
	EventSegmentStarted
	EventSegmentEnded
)

// Event is the outcome of processing one frame.
type Event struct {
	Kind   EventKind
	Reason audio.EndReason
	// Onset is the length of the positive run that started the segment.
	Onset  int
	Speech bool
	State  State
}

// Mark converts the event into the assembler's boundary mark.
func (e Event) Mark() audio.Mark {
	switch e.Kind {
	case EventSegmentStarted:
		return audio.Mark{Start: true, Onset: e.Onset}
	case EventSegmentEnded:
		return audio.Mark{End: true, Reason: e.Reason}
	default:
		return audio.Mark{}
	}
}

// Tuning holds the detector thresholds. It can be replaced at runtime.
type Tuning struct {
	Sensitivity       int
	AudioThreshold    float64
	MinSpeechFrames   int
	MaxSpeechFrames   int
	SilenceThreshold  time.Duration
	MaxPhraseDuration time.Duration
}

// DefaultTuning returns thresholds suited to 30 ms frames.
func DefaultTuning() Tuning {
	return Tuning{
		Sensitivity:       2,
		AudioThreshold:    0.003,
		MinSpeechFrames:   5,
		MaxSpeechFrames:   150,
		SilenceThreshold:  500 * time.Millisecond,
		MaxPhraseDuration: 30 * time.Second,
	}
}

// Validate checks the tuning values.
func (t Tuning) Validate() error {
	if t.Sensitivity < 0 || t.Sensitivity > 3 {
		return fmt.Errorf("sensitivity must be between 0 and 3, got %d", t.Sensitivity)
	}
	if t.AudioThreshold < 0 || t.AudioThreshold > 1 {
		return fmt.Errorf("audio threshold must be between 0 and 1, got %f", t.AudioThreshold)
	}
	if t.MinSpeechFrames < 1 {
		return fmt.Errorf("min speech frames must be positive, got %d", t.MinSpeechFrames)
	}
	if t.MaxSpeechFrames <= t.MinSpeechFrames {
		return fmt.Errorf("max speech frames (%d) must exceed min speech frames (%d)", t.MaxSpeechFrames, t.MinSpeechFrames)
	}
	if t.SilenceThreshold <= 0 {
		return fmt.Errorf("silence threshold must be positive, got %v", t.SilenceThreshold)
	}
	if t.MaxPhraseDuration <= 0 {
		return fmt.Errorf("max phrase duration must be positive, got %v", t.MaxPhraseDuration)
	}
	return nil
}

// Detector runs the speech boundary state machine for one stream.
type Detector struct {
	tuning     Tuning
	classifier Classifier

	state      State
	run        int
	runStart   time.Duration
	frames     int
	startedAt  time.Duration
	silenceDur time.Duration

	framesProcessed uint64
	speechFrames    uint64
	segmentsStarted uint64
	rejectedBursts  uint64
	endedBy         map[audio.EndReason]uint64

	mu sync.Mutex
}

// Stats represents detector statistics
type Stats struct {
	State           State             `json:"state"`
	FramesProcessed uint64            `json:"frames_processed"`
	SpeechFrames    uint64            `json:"speech_frames"`
	SegmentsStarted uint64            `json:"segments_started"`
	RejectedBursts  uint64            `json:"rejected_bursts"`
	SegmentsEnded   map[string]uint64 `json:"segments_ended"`
}

// NewDetector creates a detector. A nil classifier selects a
// SpectralClassifier at the tuning's sensitivity.
func NewDetector(tuning Tuning, classifier Classifier) (*Detector, error) {
	if err := tuning.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vad tuning: %w", err)
	}
	if classifier == nil {
		classifier = NewSpectralClassifier(tuning.Sensitivity)
	}
	return &Detector{
		tuning:     tuning,
		classifier: classifier,
		endedBy:    make(map[audio.EndReason]uint64),
	}, nil
}

// Process advances the state machine by one frame.
func (d *Detector) Process(f audio.Frame) Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	positive := d.classifier.IsSpeech(f) || audio.RMS(f.Samples) > d.tuning.AudioThreshold
	d.framesProcessed++
	if positive {
		d.speechFrames++
	}

	ev := Event{Speech: positive}
	switch d.state {
	case StateSilence:
		if positive {
			d.state = StateCandidate
			d.run = 1
			d.runStart = f.Timestamp
			ev = d.maybeStart(ev)
		}
	case StateCandidate:
		if positive {
			d.run++
			ev = d.maybeStart(ev)
		} else {
			d.state = StateSilence
			d.run = 0
			d.rejectedBursts++
		}
	case StateActive:
		d.frames++
		if positive {
			d.silenceDur = 0
		} else {
			d.silenceDur += f.Duration()
		}
		if reason := d.endReason(f); reason != audio.ReasonNone {
			ev.Kind = EventSegmentEnded
			ev.Reason = reason
			d.endedBy[reason]++
			d.toSilence()
		}
	}
	ev.State = d.state
	return ev
}

// endReason applies the end conditions in priority order.
func (d *Detector) endReason(f audio.Frame) audio.EndReason {
	switch {
	case f.End()-d.startedAt >= d.tuning.MaxPhraseDuration:
		return audio.ReasonSafetyTimeout
	case d.frames >= d.tuning.MaxSpeechFrames:
		return audio.ReasonForcedMaxFrames
	case d.silenceDur >= d.tuning.SilenceThreshold:
		return audio.ReasonSilence
	default:
		return audio.ReasonNone
	}
}

func (d *Detector) maybeStart(ev Event) Event {
	if d.run < d.tuning.MinSpeechFrames {
		return ev
	}
	d.state = StateActive
	d.frames = d.run
	d.startedAt = d.runStart
	d.silenceDur = 0
	d.segmentsStarted++

	ev.Kind = EventSegmentStarted
	ev.Onset = d.run
	d.run = 0
	return ev
}

func (d *Detector) toSilence() {
	d.state = StateSilence
	d.run = 0
	d.frames = 0
	d.silenceDur = 0
}

// Reset returns the detector to silence without touching statistics. It is
// called when a segment was closed outside the detector.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.toSilence()
}

// State returns the current state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SetTuning replaces the thresholds. An open segment keeps running under the
// new values.
func (d *Detector) SetTuning(tuning Tuning) error {
	if err := tuning.Validate(); err != nil {
		return fmt.Errorf("invalid vad tuning: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.tuning = tuning
	if s, ok := d.classifier.(interface{ SetSensitivity(int) }); ok {
		s.SetSensitivity(tuning.Sensitivity)
	}
	return nil
}

// Tuning returns the active thresholds.
func (d *Detector) Tuning() Tuning {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tuning
}

// Stats returns current detector statistics
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	ended := make(map[string]uint64, len(d.endedBy))
	for reason, n := range d.endedBy {
		ended[reason.String()] = n
	}
	return Stats{
		State:           d.state,
		FramesProcessed: d.framesProcessed,
		SpeechFrames:    d.speechFrames,
		SegmentsStarted: d.segmentsStarted,
		RejectedBursts:  d.rejectedBursts,
		SegmentsEnded:   ended,
	}
}
