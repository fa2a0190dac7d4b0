package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/vanta-voice/listener/internal/audio"
)

// RemoteConfig contains remote transcription API configuration
type RemoteConfig struct {
	Endpoint      string
	APIKey        string
	Model         string
	Timeout       time.Duration
	MaxConcurrent int
}

// RemoteBackend posts segments as WAV uploads to an HTTP transcription API.
// It never retries; the manager's cascade decides what happens next.
type RemoteBackend struct {
	config     RemoteConfig
	httpClient *http.Client
	semaphore  chan struct{}

	mu              sync.RWMutex
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration
}

// RemoteStats represents remote backend statistics
type RemoteStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

type remoteResponse struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Language   string   `json:"language,omitempty"`
}

// NewRemoteBackend creates a remote backend
func NewRemoteBackend(config RemoteConfig) (*RemoteBackend, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	return &RemoteBackend{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		semaphore: make(chan struct{}, config.MaxConcurrent),
	}, nil
}

func (r *RemoteBackend) Kind() BackendKind { return BackendRemote }

func (r *RemoteBackend) Name() string { return "remote:" + r.config.Endpoint }

// Transcribe uploads the segment and returns the API's text.
func (r *RemoteBackend) Transcribe(ctx context.Context, req *Request) (*Result, error) {
	select {
	case r.semaphore <- struct{}{}:
		defer func() { <-r.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	start := time.Now()
	resp, err := r.do(ctx, req)
	r.record(err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}

	res := &Result{Text: resp.Text}
	if resp.Confidence != nil {
		res.Confidence = *resp.Confidence
	}
	return res, nil
}

func (r *RemoteBackend) do(ctx context.Context, req *Request) (*remoteResponse, error) {
	body, contentType, err := r.multipartBody(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "vanta-listener/1.0")
	if r.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.config.APIKey)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var out remoteResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return &out, nil
}

func (r *RemoteBackend) multipartBody(req *Request) (io.Reader, string, error) {
	seg := req.Segment
	wav, err := audio.EncodeWAV(seg.Samples(), seg.SampleRate)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fw, err := writer.CreateFormFile("file", req.ID.String()+".wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"request_id", req.ID.String()},
		{"stream_id", strconv.FormatUint(uint64(seg.StreamID), 10)},
		{"segment_id", strconv.FormatUint(seg.ID, 10)},
		{"sample_rate", strconv.Itoa(seg.SampleRate)},
		{"duration", fmt.Sprintf("%.3f", seg.Duration().Seconds())},
		{"response_format", "json"},
	}
	if req.Language != "" {
		fields = append(fields, [2]string{"language", req.Language})
	}
	if r.config.Model != "" {
		fields = append(fields, [2]string{"model", r.config.Model})
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

func (r *RemoteBackend) record(ok bool, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalRequests++
	if ok {
		r.successRequests++
		// Simple moving average
		if r.avgResponseTime == 0 {
			r.avgResponseTime = elapsed
		} else {
			r.avgResponseTime = (r.avgResponseTime*9 + elapsed) / 10
		}
	} else {
		r.failedRequests++
	}
}

// Stats returns current remote backend statistics
func (r *RemoteBackend) Stats() RemoteStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rate float64
	if r.totalRequests > 0 {
		rate = float64(r.successRequests) / float64(r.totalRequests)
	}
	return RemoteStats{
		TotalRequests:   r.totalRequests,
		SuccessRequests: r.successRequests,
		FailedRequests:  r.failedRequests,
		SuccessRate:     rate,
		AvgResponseTime: r.avgResponseTime,
		ActiveRequests:  len(r.semaphore),
	}
}
