package transcript

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vanta-voice/listener/internal/transcription"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func result(text string, at time.Time) *transcription.Result {
	return &transcription.Result{
		RequestID:   uuid.New(),
		Text:        text,
		Backend:     transcription.BackendWorker,
		CompletedAt: at,
	}
}

type memorySink struct {
	mu     sync.Mutex
	texts  []string
	err    error
	closed bool
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Write(res *transcription.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, res.Text)
	return m.err
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestFanoutRun(t *testing.T) {
	a, b := &memorySink{}, &memorySink{err: errors.New("full")}
	f := NewFanout(testLogger(), time.Minute, a)
	f.Add(b)
	f.Add(NewLogSink(testLogger()))

	results := make(chan *transcription.Result, 3)
	now := time.Now()
	results <- result("one", now)
	results <- result("two", now)
	results <- &transcription.Result{Failed: true, Error: "exhausted", CompletedAt: now}
	close(results)

	f.Run(context.Background(), results)

	if got := strings.Join(a.texts, ","); got != "one,two," {
		t.Errorf("Unexpected delivery order: %q", got)
	}
	if !a.closed || !b.closed {
		t.Error("Expected sinks closed after Run")
	}
	st := f.Stats()
	if st.Delivered != 3 || st.Errors != 3 || st.Sinks != 3 {
		t.Errorf("Unexpected stats: %+v", st)
	}
	if st.Recent != 2 {
		t.Errorf("Expected 2 recent results, got %d", st.Recent)
	}
}

func TestFanoutRecentWindow(t *testing.T) {
	f := NewFanout(testLogger(), time.Minute)
	base := time.Now()

	f.Deliver(result("old", base))
	f.Deliver(result("", base.Add(time.Second)))
	f.Deliver(result("mid", base.Add(30*time.Second)))
	f.Deliver(result("new", base.Add(90*time.Second)))

	recent := f.Recent()
	if len(recent) != 2 || recent[0].Text != "mid" || recent[1].Text != "new" {
		texts := make([]string, len(recent))
		for i, r := range recent {
			texts[i] = r.Text
		}
		t.Errorf("Expected [mid new], got %v", texts)
	}
}

func TestFileSinkFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversations", "transcript.log")
	fs, err := NewFileSink(path, 1<<20, 2)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}

	at := time.Date(2026, 3, 1, 14, 5, 9, 0, time.Local)
	for _, res := range []*transcription.Result{
		result("  hello there ", at),
		result("", at),
		{Failed: true, Text: "ignored", CompletedAt: at},
		result("... sentence ...", at.Add(time.Second)),
	} {
		if err := fs.Write(res); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	want := "[14:05:09] hello there\n[14:05:10] ... sentence ...\n"
	if string(data) != want {
		t.Errorf("Unexpected transcript:\n%s\nwant:\n%s", data, want)
	}
	if err := fs.Write(result("late", at)); err == nil {
		t.Error("Expected error writing after Close")
	}
}

func TestFileSinkRotation(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local)
	line := "[09:00:00] 0123456789\n" // 22 bytes

	tests := []struct {
		name    string
		backups int
		writes  int
		current int
		files   []string
	}{
		{"truncate without backups", 0, 5, 1, nil},
		{"rotate with backups", 2, 7, 1, []string{".1", ".2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "t.log")
			fs, err := NewFileSink(path, 50, tt.backups)
			if err != nil {
				t.Fatalf("NewFileSink failed: %v", err)
			}
			for i := 0; i < tt.writes; i++ {
				if err := fs.Write(result("0123456789", at)); err != nil {
					t.Fatalf("Write %d failed: %v", i, err)
				}
			}
			fs.Close()

			data, _ := os.ReadFile(path)
			if got := strings.Count(string(data), line); got != tt.current {
				t.Errorf("Expected %d lines in current file, got %d", tt.current, got)
			}
			for _, suffix := range tt.files {
				backup, err := os.ReadFile(path + suffix)
				if err != nil {
					t.Errorf("Missing backup %s: %v", suffix, err)
					continue
				}
				if got := strings.Count(string(backup), line); got != 2 {
					t.Errorf("Expected 2 lines in %s, got %d", suffix, got)
				}
			}
			if _, err := os.Stat(path + ".3"); err == nil {
				t.Error("Backups beyond the limit must not exist")
			}
		})
	}
}
