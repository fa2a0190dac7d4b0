package audio

import (
	"time"
)

// EndReason records why a segment was closed.
type EndReason int

const (
	ReasonNone EndReason = iota
	ReasonSilence
	ReasonForcedMaxFrames
	ReasonSafetyTimeout
	ReasonManualFlush
)

func (r EndReason) String() string {
	switch r {
	case ReasonSilence:
		return "silence"
	case ReasonForcedMaxFrames:
		return "forced-max-frames"
	case ReasonSafetyTimeout:
		return "safety-timeout"
	case ReasonManualFlush:
		return "manual-flush"
	default:
		return "none"
	}
}

// MarshalText lets reasons appear as strings in JSON and logs.
func (r EndReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Segment is an immutable, time-ordered run of frames between a detected
// speech start and end.
type Segment struct {
	ID         uint64
	StreamID   uint32
	Frames     []Frame
	Start      time.Duration
	End        time.Duration
	Reason     EndReason
	SampleRate int
	// Forced is set when the assembler closed the segment on its own
	// duration cap rather than on a detector mark.
	Forced bool
}

// Duration returns the covered capture time.
func (s *Segment) Duration() time.Duration {
	return s.End - s.Start
}

// NumSamples returns the total sample count over all frames.
func (s *Segment) NumSamples() int {
	n := 0
	for _, f := range s.Frames {
		n += len(f.Samples)
	}
	return n
}

// Samples concatenates the frame samples into a new slice.
func (s *Segment) Samples() []int16 {
	out := make([]int16, 0, s.NumSamples())
	for _, f := range s.Frames {
		out = append(out, f.Samples...)
	}
	return out
}

// PCM returns the segment as little-endian PCM-16 bytes.
func (s *Segment) PCM() []byte {
	return EncodePCM16(s.Samples())
}
