package audio

import (
	"sync"
	"time"
)

// Mark carries the detector's boundary decision for one frame.
type Mark struct {
	// Start opens a segment. Onset is the number of frames of the positive
	// run that led to the start, the current frame included.
	Start bool
	Onset int
	// End closes the open segment with Reason after the current frame.
	End    bool
	Reason EndReason
}

// AssemblerConfig contains configuration for the segment assembler
type AssemblerConfig struct {
	StreamID   uint32
	SampleRate int
	// PreRoll is the number of frames kept while idle so that a start mark
	// can include the frames that confirmed speech.
	PreRoll int
	// MaxDuration caps an open segment independently of the detector.
	// Zero disables the cap.
	MaxDuration time.Duration
	// FrameHint sizes the frame slice of each new segment.
	FrameHint int
}

// Assembler buffers frames between a start and end mark and produces
// immutable segments. It is driven from the producer goroutine and does not
// block.
type Assembler struct {
	config AssemblerConfig

	preroll []Frame
	head    int
	count   int

	open    bool
	frames  []Frame
	lastEnd time.Duration
	seen    bool
	nextID  uint64

	segmentsBuilt  uint64
	forcedCloses   uint64
	rejectedFrames uint64
	totalDuration  time.Duration

	mu sync.Mutex
}

// AssemblerStats represents assembler statistics
type AssemblerStats struct {
	Open           bool          `json:"open"`
	CurrentFrames  int           `json:"current_frames"`
	SegmentsBuilt  uint64        `json:"segments_built"`
	ForcedCloses   uint64        `json:"forced_closes"`
	RejectedFrames uint64        `json:"rejected_frames"`
	TotalDuration  time.Duration `json:"total_duration"`
}

// NewAssembler creates a new segment assembler
func NewAssembler(config AssemblerConfig) *Assembler {
	if config.PreRoll < 1 {
		config.PreRoll = 1
	}
	if config.FrameHint < 1 {
		config.FrameHint = 64
	}
	return &Assembler{
		config:  config,
		preroll: make([]Frame, config.PreRoll),
		frames:  make([]Frame, 0, config.FrameHint),
	}
}

// Push feeds one frame and its mark. It returns a completed segment when the
// frame closes one, otherwise nil. Frames that start before the end of the
// previous frame are rejected.
func (a *Assembler) Push(f Frame, m Mark) *Segment {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.seen && f.Timestamp < a.lastEnd {
		a.rejectedFrames++
		return nil
	}
	a.seen = true
	a.lastEnd = f.End()

	switch {
	case a.open:
		a.frames = append(a.frames, f)
	case m.Start:
		a.openWithOnset(f, m.Onset)
	default:
		a.remember(f)
		return nil
	}

	if m.End {
		return a.close(m.Reason, false)
	}
	if a.config.MaxDuration > 0 && a.currentDuration() >= a.config.MaxDuration {
		return a.close(ReasonSafetyTimeout, true)
	}
	return nil
}

// Flush closes the open segment regardless of detector state. It returns nil
// when no segment is open.
func (a *Assembler) Flush() *Segment {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.open || len(a.frames) == 0 {
		return nil
	}
	return a.close(ReasonManualFlush, false)
}

// IsOpen reports whether a segment is being assembled.
func (a *Assembler) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// Stats returns current assembler statistics
func (a *Assembler) Stats() AssemblerStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return AssemblerStats{
		Open:           a.open,
		CurrentFrames:  len(a.frames),
		SegmentsBuilt:  a.segmentsBuilt,
		ForcedCloses:   a.forcedCloses,
		RejectedFrames: a.rejectedFrames,
		TotalDuration:  a.totalDuration,
	}
}

// SetPreRoll resizes the pre-roll ring to n frames, keeping the newest
// remembered frames that still fit.
func (a *Assembler) SetPreRoll(n int) {
	if n < 1 {
		n = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if n == len(a.preroll) {
		return
	}
	keep := a.count
	if keep > n {
		keep = n
	}
	ring := make([]Frame, n)
	start := (a.head - keep + len(a.preroll)) % len(a.preroll)
	for i := 0; i < keep; i++ {
		ring[i] = a.preroll[(start+i)%len(a.preroll)]
	}
	a.preroll = ring
	a.count = keep
	a.head = keep % n
	a.config.PreRoll = n
}

// remember stores an idle frame in the pre-roll ring.
func (a *Assembler) remember(f Frame) {
	a.preroll[a.head] = f
	a.head = (a.head + 1) % len(a.preroll)
	if a.count < len(a.preroll) {
		a.count++
	}
}

// openWithOnset starts a segment with up to onset-1 pre-roll frames
// followed by f.
func (a *Assembler) openWithOnset(f Frame, onset int) {
	take := onset - 1
	if take > a.count {
		take = a.count
	}
	if take < 0 {
		take = 0
	}
	start := (a.head - take + len(a.preroll)) % len(a.preroll)
	for i := 0; i < take; i++ {
		a.frames = append(a.frames, a.preroll[(start+i)%len(a.preroll)])
	}
	a.frames = append(a.frames, f)
	a.open = true
	a.resetPreroll()
}

func (a *Assembler) resetPreroll() {
	for i := range a.preroll {
		a.preroll[i] = Frame{}
	}
	a.head = 0
	a.count = 0
}

func (a *Assembler) currentDuration() time.Duration {
	if len(a.frames) == 0 {
		return 0
	}
	return a.frames[len(a.frames)-1].End() - a.frames[0].Timestamp
}

// close builds the segment and clears the buffer before returning, so the
// next frame can never land in the finished segment.
func (a *Assembler) close(reason EndReason, forced bool) *Segment {
	frames := a.frames
	a.frames = make([]Frame, 0, a.config.FrameHint)
	a.open = false

	a.nextID++
	seg := &Segment{
		ID:         a.nextID,
		StreamID:   a.config.StreamID,
		Frames:     frames,
		Start:      frames[0].Timestamp,
		End:        frames[len(frames)-1].End(),
		Reason:     reason,
		SampleRate: a.config.SampleRate,
		Forced:     forced,
	}
	if seg.SampleRate == 0 {
		seg.SampleRate = frames[0].SampleRate
	}

	a.segmentsBuilt++
	if forced {
		a.forcedCloses++
	}
	a.totalDuration += seg.Duration()
	return seg
}
