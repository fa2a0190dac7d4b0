package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Message types
const (
	TypeTranscribe = "transcribe"
	TypeShutdown   = "shutdown"
	TypeReady      = "ready"
	TypeHeartbeat  = "heartbeat"
	TypeResult     = "result"
)

// Result statuses
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// MaxLineSize bounds a single encoded line. A 30 s segment at 48 kHz is
// about 3.8 MB of base64.
const MaxLineSize = 16 << 20

// ErrMalformed is returned for lines that do not decode into a valid message.
var ErrMalformed = errors.New("ipc: malformed message")

// Request is sent from the supervisor to a worker.
type Request struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	// AudioPayload is PCM-16LE mono; encoding/json carries it as base64.
	AudioPayload []byte `json:"audio_payload,omitempty"`
	SampleRate   int    `json:"sample_rate,omitempty"`
	Language     string `json:"language,omitempty"`
	// Deadline is a unix timestamp in milliseconds.
	Deadline int64 `json:"deadline,omitempty"`
}

// Message is sent from a worker to the supervisor.
type Message struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Text        string `json:"text,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
	PID         int    `json:"pid,omitempty"`
	RSSBytes    uint64 `json:"rss_bytes,omitempty"`
	Engine      string `json:"engine,omitempty"`
}

// NewTranscribe builds a transcribe request.
func NewTranscribe(requestID string, pcm []byte, sampleRate int, language string, deadline time.Time) *Request {
	req := &Request{
		Type:         TypeTranscribe,
		RequestID:    requestID,
		AudioPayload: pcm,
		SampleRate:   sampleRate,
		Language:     language,
	}
	if !deadline.IsZero() {
		req.Deadline = deadline.UnixMilli()
	}
	return req
}

// DeadlineTime returns the request deadline, zero when unset.
func (r *Request) DeadlineTime() time.Time {
	if r.Deadline == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.Deadline)
}

// Validate checks the request fields for its type
func (r *Request) Validate() error {
	switch r.Type {
	case TypeTranscribe:
		if r.RequestID == "" {
			return fmt.Errorf("transcribe request without request_id")
		}
		if r.SampleRate <= 0 {
			return fmt.Errorf("invalid sample rate: %d", r.SampleRate)
		}
		if len(r.AudioPayload)%2 != 0 {
			return fmt.Errorf("audio payload has odd byte count %d", len(r.AudioPayload))
		}
	case TypeShutdown:
	default:
		return fmt.Errorf("unknown request type %q", r.Type)
	}
	return nil
}

// OK builds a successful result message.
func OK(requestID, text string) *Message {
	return &Message{Type: TypeResult, RequestID: requestID, Status: StatusOK, Text: text}
}

// Failure builds a failed result message.
func Failure(requestID string, err error) *Message {
	return &Message{Type: TypeResult, RequestID: requestID, Status: StatusError, ErrorDetail: err.Error()}
}

// Validate checks the message fields for its type
func (m *Message) Validate() error {
	switch m.Type {
	case TypeReady, TypeHeartbeat:
	case TypeResult:
		if m.RequestID == "" {
			return fmt.Errorf("result without request_id")
		}
		if m.Status != StatusOK && m.Status != StatusError {
			return fmt.Errorf("invalid result status %q", m.Status)
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Err returns the worker-reported failure of a result message, nil on
// success.
func (m *Message) Err() error {
	if m.Type != TypeResult || m.Status == StatusOK {
		return nil
	}
	detail := m.ErrorDetail
	if detail == "" {
		detail = "unspecified error"
	}
	return fmt.Errorf("worker error: %s", detail)
}

// Encoder writes one JSON object per line. It is safe for concurrent use.
type Encoder struct {
	enc *json.Encoder
	mu  sync.Mutex
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes v followed by a newline.
func (e *Encoder) Encode(v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode ipc message: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited JSON objects.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Decoder{scanner: scanner}
}

// next returns the next non-empty line. It returns io.EOF at end of input.
func (d *Decoder) next() ([]byte, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ipc line: %w", err)
	}
	return nil, io.EOF
}

// ReadRequest reads and validates the next request. A malformed line yields
// an error wrapping ErrMalformed; the decoder stays usable.
func (d *Decoder) ReadRequest() (*Request, error) {
	line, err := d.next()
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := req.Validate(); err != nil {
		return &req, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &req, nil
}

// ReadMessage reads and validates the next worker message.
func (d *Decoder) ReadMessage() (*Message, error) {
	line, err := d.next()
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &msg, nil
}
