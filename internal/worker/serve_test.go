package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vanta-voice/listener/internal/ipc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type serveHarness struct {
	enc   *ipc.Encoder
	dec   *ipc.Decoder
	ready *ipc.Message
	done  chan error
}

// startServe runs Serve over pipes and consumes the ready message, since
// Serve writes it before reading any request.

func startServe(t *testing.T, engine Engine) *serveHarness {
	t.Helper()
	reqR, reqW := io.Pipe()
	msgR, msgW := io.Pipe()

	h := &serveHarness{
		enc:  ipc.NewEncoder(reqW),
		dec:  ipc.NewDecoder(msgR),
		done: make(chan error, 1),
	}
	go func() {
		err := Serve(context.Background(), reqR, msgW, engine, ServeOptions{
			HeartbeatInterval: 10 * time.Millisecond,
			MemoryUsage:       func() uint64 { return 42 },
			Logger:            testLogger(),
		})
		msgW.Close()
		h.done <- err
	}()
	t.Cleanup(func() {
		reqW.Close()
		msgR.Close()
	})

	ready, err := h.dec.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if ready.Type != ipc.TypeReady {
		t.Fatalf("Expected ready message first, got %+v", ready)
	}
	h.ready = ready
	return h
}

// nextResult skips heartbeats until a result arrives.
func (h *serveHarness) nextResult(t *testing.T) *ipc.Message {
	t.Helper()
	for {
		msg, err := h.dec.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if msg.Type == ipc.TypeResult {
			return msg
		}
	}
}

func TestServeAnswersRequests(t *testing.T) {
	engine := EngineFunc(func(ctx context.Context, pcm []byte, rate int, lang string) (string, error) {
		switch lang {
		case "fail":
			return "", errors.New("model unavailable")
		case "panic":
			panic("boom")
		}
		return "hello world", nil
	})
	h := startServe(t, engine)

	if h.ready.Engine != "func" {
		t.Errorf("Expected engine func in ready message, got %q", h.ready.Engine)
	}

	tests := []struct {
		name       string
		language   string
		wantStatus string
		wantText   string
		wantDetail string
	}{
		{"success", "en", ipc.StatusOK, "hello world", ""},
		{"engine error", "fail", ipc.StatusError, "", "model unavailable"},
		{"engine panic", "panic", ipc.StatusError, "", "engine panic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := "req-" + tt.language
			if err := h.enc.Encode(ipc.NewTranscribe(id, []byte{0, 0}, 16000, tt.language, time.Time{})); err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			msg := h.nextResult(t)
			if msg.RequestID != id {
				t.Errorf("Expected request id %s, got %s", id, msg.RequestID)
			}
			if msg.Status != tt.wantStatus || msg.Text != tt.wantText {
				t.Errorf("Unexpected result %+v", msg)
			}
			if !strings.Contains(msg.ErrorDetail, tt.wantDetail) {
				t.Errorf("Expected detail containing %q, got %q", tt.wantDetail, msg.ErrorDetail)
			}
		})
	}

	if err := h.enc.Encode(&ipc.Request{Type: ipc.TypeShutdown}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Expected clean exit, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not exit on shutdown")
	}
}

func TestServeHeartbeats(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	h := startServe(t, EngineFunc(func(ctx context.Context, pcm []byte, rate int, lang string) (string, error) {
		<-block
		return "", nil
	}))

	if err := h.enc.Encode(ipc.NewTranscribe("busy", []byte{0, 0}, 16000, "", time.Time{})); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Heartbeats keep flowing while the engine is busy.
	beats := 0
	for beats < 3 {
		msg, err := h.dec.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if msg.Type == ipc.TypeHeartbeat {
			if msg.RSSBytes != 42 {
				t.Errorf("Expected rss 42, got %d", msg.RSSBytes)
			}
			beats++
		}
		if msg.Type == ipc.TypeResult {
			t.Fatal("Unexpected result from blocked engine")
		}
	}
}

func TestServeRejectsInvalidRequest(t *testing.T) {
	h := startServe(t, NewStubEngine(testLogger(), "test"))

	bad := &ipc.Request{Type: ipc.TypeTranscribe, RequestID: "bad", SampleRate: 0}
	if err := h.enc.Encode(bad); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	msg := h.nextResult(t)
	if msg.RequestID != "bad" || msg.Status != ipc.StatusError {
		t.Errorf("Expected error result for invalid request, got %+v", msg)
	}
}

func TestStubEngine(t *testing.T) {
	e := NewStubEngine(testLogger(), "base")
	text, err := e.Transcribe(context.Background(), make([]byte, 32000), 16000, "en")
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if text != "[stub:base] 1000 ms of speech" {
		t.Errorf("Unexpected stub text %q", text)
	}
	if text, _ := e.Transcribe(context.Background(), nil, 16000, "en"); text != "" {
		t.Errorf("Expected empty text for empty audio, got %q", text)
	}
}
