package server

import (
	"encoding/binary"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vanta-voice/listener/internal/audio"
	"github.com/vanta-voice/listener/internal/stream"
	"github.com/vanta-voice/listener/internal/transcription"
	"github.com/vanta-voice/listener/internal/vad"
	"github.com/vanta-voice/listener/internal/worker"
)

const (
	testRate      = 16000
	testFrameSize = 320 // 20 ms
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSubmitter struct {
	mu       sync.Mutex
	segments []*audio.Segment
}

func (r *recordingSubmitter) Submit(seg *audio.Segment) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = append(r.segments, seg)
	return uuid.New(), nil
}

func (r *recordingSubmitter) Segments() []*audio.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*audio.Segment(nil), r.segments...)
}

func newTestStreams(t *testing.T, sub stream.Submitter) *stream.Manager {
	t.Helper()
	mgr, err := stream.NewManager(stream.Config{
		Tuning: vad.Tuning{
			Sensitivity:       2,
			AudioThreshold:    1,
			MinSpeechFrames:   3,
			MaxSpeechFrames:   50,
			SilenceThreshold:  100 * time.Millisecond,
			MaxPhraseDuration: 10 * time.Second,
		},
		Timeout:         time.Minute,
		CleanupInterval: time.Minute,
		NewClassifier: func(int) vad.Classifier {
			return vad.ClassifierFunc(func(f audio.Frame) bool { return audio.Peak(f.Samples) > 0.1 })
		},
	}, sub, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(mgr.Stop)
	return mgr
}

// pcmFrame returns one 20 ms PCM16LE frame, loud or silent.
func pcmFrame(loud bool) []byte {
	buf := make([]byte, testFrameSize*2)
	if !loud {
		return buf
	}
	for i := 0; i < testFrameSize; i++ {
		v := int16(12000)
		if i%2 == 1 {
			v = -12000
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

type fakeTranscription struct {
	stats    transcription.Stats
	backends []transcription.BackendStatus
}

func (f *fakeTranscription) Stats() transcription.Stats { return f.stats }

func (f *fakeTranscription) BackendHealth() []transcription.BackendStatus { return f.backends }

type fakeWorkers struct {
	mu      sync.Mutex
	stats   worker.Stats
	handles []worker.HandleInfo
}

func (f *fakeWorkers) Stats() worker.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeWorkers) setLive(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Live = n
}

func (f *fakeWorkers) Handles() []worker.HandleInfo { return f.handles }
