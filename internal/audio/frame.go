package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrAudioUnderrun is reported when the frame producer stalls or frames go
// missing. It is logged by the caller and never aborts an open segment.
var ErrAudioUnderrun = errors.New("audio: underrun")

// Frame is a fixed-length block of mono PCM-16 samples. Frames are immutable
// once produced; consumers must not write to Samples.
type Frame struct {
	Samples    []int16
	SampleRate int
	Channels   int
	Seq        uint64
	// Timestamp is the monotonic capture offset of the first sample since
	// the stream started.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	return time.Duration(len(f.Samples)/channels) * time.Second / time.Duration(f.SampleRate)
}

// End returns the capture offset just past the last sample.
func (f Frame) End() time.Duration {
	return f.Timestamp + f.Duration()
}

// RMS returns the root-mean-square level of samples normalized to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak returns the largest absolute sample value normalized to [0, 1].
func Peak(samples []int16) float64 {
	var peak int32
	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return float64(peak) / 32768.0
}

// DecodePCM16 converts little-endian PCM-16 bytes into samples.
func DecodePCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm data length must be even, got %d bytes", len(data))
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// EncodePCM16 converts samples into little-endian PCM-16 bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// SplitFrames cuts samples into frames of frameSize samples starting at
// offset start. A trailing partial frame is dropped.
func SplitFrames(samples []int16, sampleRate, frameSize int, start time.Duration, firstSeq uint64) []Frame {
	if frameSize <= 0 || sampleRate <= 0 {
		return nil
	}
	frameDur := time.Duration(frameSize) * time.Second / time.Duration(sampleRate)
	frames := make([]Frame, 0, len(samples)/frameSize)
	for i := 0; i+frameSize <= len(samples); i += frameSize {
		n := len(frames)
		frames = append(frames, Frame{
			Samples:    samples[i : i+frameSize : i+frameSize],
			SampleRate: sampleRate,
			Channels:   1,
			Seq:        firstSeq + uint64(n),
			Timestamp:  start + time.Duration(n)*frameDur,
		})
	}
	return frames
}
