package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vanta-voice/listener/internal/transcription"
)

// FileSink appends "[HH:MM:SS] text" lines to a size-capped transcript log.
// When a write would pass the cap the file is rotated to path.1, path.2 and
// so on; with no backups it is truncated instead.
type FileSink struct {
	path       string
	maxSize    int64
	maxBackups int
	now        func() time.Time

	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewFileSink opens (or creates) the transcript log at path.
func NewFileSink(path string, maxSize int64, maxBackups int) (*FileSink, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("max size must be positive, got %d", maxSize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	fs := &FileSink{path: path, maxSize: maxSize, maxBackups: maxBackups, now: time.Now}
	if err := fs.open(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileSink) open() error {
	f, err := os.OpenFile(fs.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open transcript log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat transcript log: %w", err)
	}
	fs.f = f
	fs.size = info.Size()
	return nil
}

func (fs *FileSink) Name() string { return "file:" + fs.path }

// Write logs results with text. Failed and empty results are skipped.
func (fs *FileSink) Write(res *transcription.Result) error {
	text := strings.TrimSpace(res.Text)
	if res.Failed || text == "" {
		return nil
	}

	at := res.CompletedAt
	if at.IsZero() {
		at = fs.now()
	}
	line := []byte(fmt.Sprintf("[%s] %s\n", at.Format("15:04:05"), text))

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.f == nil {
		return fmt.Errorf("transcript log closed")
	}
	if fs.size+int64(len(line)) > fs.maxSize {
		if err := fs.rotate(); err != nil {
			return err
		}
	}
	n, err := fs.f.Write(line)
	fs.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return nil
}

func (fs *FileSink) rotate() error {
	if fs.maxBackups <= 0 {
		if err := fs.f.Truncate(0); err != nil {
			return fmt.Errorf("failed to truncate transcript log: %w", err)
		}
		if _, err := fs.f.Seek(0, 0); err != nil {
			return fmt.Errorf("failed to rewind transcript log: %w", err)
		}
		fs.size = 0
		return nil
	}

	if err := fs.f.Close(); err != nil {
		return fmt.Errorf("failed to close transcript log: %w", err)
	}
	fs.f = nil
	for i := fs.maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", fs.path, i)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, fmt.Sprintf("%s.%d", fs.path, i+1)); err != nil {
				return fmt.Errorf("failed to rotate transcript log: %w", err)
			}
		}
	}
	if err := os.Rename(fs.path, fs.path+".1"); err != nil {
		return fmt.Errorf("failed to rotate transcript log: %w", err)
	}
	return fs.open()
}

// Close flushes and closes the file.
func (fs *FileSink) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.f == nil {
		return nil
	}
	_ = fs.f.Sync()
	err := fs.f.Close()
	fs.f = nil
	return err
}
