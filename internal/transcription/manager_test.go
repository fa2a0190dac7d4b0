package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vanta-voice/listener/internal/audio"
	"github.com/vanta-voice/listener/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

const testRate = 16000

func sine(n int, amplitude float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/testRate))
	}
	return out
}

func testSegment(id uint64, d time.Duration) *audio.Segment {
	n := int(d.Seconds() * testRate)
	frames := audio.SplitFrames(sine(n, 0.5), testRate, 320, 0, 0)
	return &audio.Segment{
		ID:         id,
		StreamID:   7,
		Frames:     frames,
		Start:      0,
		End:        frames[len(frames)-1].End(),
		Reason:     audio.ReasonSilence,
		SampleRate: testRate,
	}
}

type fakeBackend struct {
	kind BackendKind
	name string
	fn   func(ctx context.Context, req *Request) (*Result, error)

	mu        sync.Mutex
	calls     int
	deadlines []time.Duration
}

func (f *fakeBackend) Kind() BackendKind { return f.kind }
func (f *fakeBackend) Name() string      { return f.name }

func (f *fakeBackend) Transcribe(ctx context.Context, req *Request) (*Result, error) {
	f.mu.Lock()
	f.calls++
	if dl, ok := ctx.Deadline(); ok {
		f.deadlines = append(f.deadlines, time.Until(dl))
	}
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *fakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func failing(kind BackendKind) *fakeBackend {
	return &fakeBackend{kind: kind, name: kind.String(), fn: func(context.Context, *Request) (*Result, error) {
		return nil, errors.New("boom")
	}}
}

func succeeding(kind BackendKind, text string) *fakeBackend {
	return &fakeBackend{kind: kind, name: kind.String(), fn: func(context.Context, *Request) (*Result, error) {
		return &Result{Text: text}, nil
	}}
}

func testManagerConfig() Config {
	return Config{
		MaxFailures:     3,
		FailureWindow:   time.Hour,
		FailureBackoff:  time.Hour,
		ShortSegment:    3 * time.Second,
		TimeoutShort:    time.Second,
		TimeoutStandard: 5 * time.Second,
		Concurrency:     1,
		Language:        "en",
	}
}

func startManager(t *testing.T, config Config, backends ...Backend) *Manager {
	t.Helper()
	m, err := NewManager(config, backends, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m
}

func submit(t *testing.T, m *Manager, seg *audio.Segment) {
	t.Helper()
	if _, err := m.Submit(seg); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
}

func next(t *testing.T, m *Manager) *Result {
	t.Helper()
	select {
	case res, ok := <-m.Results():
		if !ok {
			t.Fatal("results channel closed")
		}
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	return nil
}

func TestManagerSuccess(t *testing.T) {
	primary := succeeding(BackendWorker, "hello world")
	m := startManager(t, testManagerConfig(), primary, NewFallbackBackend(testLogger()))

	seg := testSegment(1, time.Second)
	id, err := m.Submit(seg)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	res := next(t, m)
	if res.RequestID != id {
		t.Errorf("Expected request id %s, got %s", id, res.RequestID)
	}
	if res.Text != "hello world" || res.Backend != BackendWorker {
		t.Errorf("Unexpected result: %q from %s", res.Text, res.Backend)
	}
	if res.SegmentID != 1 || res.StreamID != 7 || res.End != seg.End {
		t.Errorf("Segment fields not copied: %+v", res)
	}
	if res.Failed || res.Attempts != 1 {
		t.Errorf("Expected one successful attempt, got failed=%v attempts=%d", res.Failed, res.Attempts)
	}
}

func TestManagerTripsAfterMaxFailures(t *testing.T) {
	primary := failing(BackendWorker)
	m := startManager(t, testManagerConfig(), primary, NewFallbackBackend(testLogger()))

	for i := 0; i < 4; i++ {
		submit(t, m, testSegment(uint64(i), time.Second))
	}

	for i := 0; i < 4; i++ {
		res := next(t, m)
		if res.Backend != BackendFallback || !res.Placeholder {
			t.Fatalf("Result %d: expected fallback placeholder, got %s", i, res.Backend)
		}
		want := 2
		if i == 3 {
			want = 1
		}
		if res.Attempts != want {
			t.Errorf("Result %d: expected %d attempts, got %d", i, want, res.Attempts)
		}
	}

	if calls := primary.Calls(); calls != 3 {
		t.Errorf("Expected primary to be tried 3 times, got %d", calls)
	}

	health := m.BackendHealth()
	if !health[0].Tripped || health[0].RecentFails != 3 {
		t.Errorf("Expected primary tripped with 3 failures, got %+v", health[0])
	}
	if health[0].RetryAt.IsZero() {
		t.Error("Expected retry time for tripped backend")
	}
}

func TestManagerProbeAfterBackoff(t *testing.T) {
	config := testManagerConfig()
	config.FailureBackoff = 50 * time.Millisecond
	config.FailureWindow = 50 * time.Millisecond

	var mu sync.Mutex
	fail := true
	primary := &fakeBackend{kind: BackendWorker, name: "worker", fn: func(context.Context, *Request) (*Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("boom")
		}
		return &Result{Text: "back"}, nil
	}}
	m := startManager(t, config, primary, NewFallbackBackend(testLogger()))

	for i := 0; i < 3; i++ {
		submit(t, m, testSegment(uint64(i), time.Second))
		next(t, m)
	}

	// Tripped: skipped without a call.
	submit(t, m, testSegment(3, time.Second))
	if res := next(t, m); res.Backend != BackendFallback || res.Attempts != 1 {
		t.Fatalf("Expected tripped primary to be skipped, got %s after %d attempts", res.Backend, res.Attempts)
	}

	// Failed probe keeps it tripped and restarts the backoff.
	time.Sleep(70 * time.Millisecond)
	submit(t, m, testSegment(4, time.Second))
	if res := next(t, m); res.Attempts != 2 {
		t.Fatalf("Expected probe attempt, got %d attempts", res.Attempts)
	}
	submit(t, m, testSegment(5, time.Second))
	if res := next(t, m); res.Attempts != 1 {
		t.Fatalf("Expected primary skipped after failed probe, got %d attempts", res.Attempts)
	}
	if calls := primary.Calls(); calls != 4 {
		t.Fatalf("Expected 4 primary calls, got %d", calls)
	}

	// Successful probe resets.
	mu.Lock()
	fail = false
	mu.Unlock()
	time.Sleep(70 * time.Millisecond)
	submit(t, m, testSegment(6, time.Second))
	if res := next(t, m); res.Backend != BackendWorker || res.Text != "back" {
		t.Fatalf("Expected primary to recover, got %s %q", res.Backend, res.Text)
	}

	health := m.BackendHealth()
	if health[0].Tripped || health[0].RecentFails != 0 || health[0].Probes != 2 {
		t.Errorf("Expected reset health after probe, got %+v", health[0])
	}
}

func TestManagerSlowFailureIgnoresExpiredRecords(t *testing.T) {
	config := testManagerConfig()
	config.FailureWindow = 100 * time.Millisecond
	config.FailureBackoff = time.Hour

	var calls atomic.Int32
	primary := &fakeBackend{kind: BackendWorker, name: "worker", fn: func(context.Context, *Request) (*Result, error) {
		if calls.Add(1) == 3 {
			// The first two records leave the window while this attempt runs.
			time.Sleep(200 * time.Millisecond)
		}
		return nil, errors.New("boom")
	}}
	m := startManager(t, config, primary, NewFallbackBackend(testLogger()))

	for i := 0; i < 3; i++ {
		submit(t, m, testSegment(uint64(i), time.Second))
		next(t, m)
	}
	if st := m.BackendHealth()[0]; st.Tripped || st.RecentFails != 1 {
		t.Fatalf("Expected one recent failure and no trip, got %+v", st)
	}

	submit(t, m, testSegment(3, time.Second))
	if res := next(t, m); res.Attempts != 2 {
		t.Errorf("Expected primary to be tried again, got %d attempts", res.Attempts)
	}
	if got := primary.Calls(); got != 4 {
		t.Errorf("Expected 4 primary calls, got %d", got)
	}
}

func TestManagerRejectsSubmitBeforeStart(t *testing.T) {
	m, err := NewManager(testManagerConfig(), []Backend{succeeding(BackendWorker, "x")}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if _, err := m.Submit(testSegment(1, time.Second)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Expected ErrNotStarted, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := <-m.Results(); ok {
		t.Error("Expected closed results channel")
	}
	if st := m.Stats(); st.Submitted != 0 || st.Queued != 0 {
		t.Errorf("Expected nothing queued, got %+v", st)
	}
}

func TestManagerAllBackendsExhausted(t *testing.T) {
	config := testManagerConfig()
	config.MaxFailures = 10

	var mu sync.Mutex
	fail := true
	flaky := func(kind BackendKind) *fakeBackend {
		return &fakeBackend{kind: kind, name: kind.String(), fn: func(context.Context, *Request) (*Result, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return nil, fmt.Errorf("%s down", kind)
			}
			return &Result{Text: "ok"}, nil
		}}
	}
	m := startManager(t, config, flaky(BackendWorker), flaky(BackendRemote))

	submit(t, m, testSegment(1, time.Second))
	res := next(t, m)
	if !res.Failed {
		t.Fatal("Expected failed result")
	}
	if !errors.Is(res.Err, ErrAllBackendsExhausted) {
		t.Errorf("Expected ErrAllBackendsExhausted, got %v", res.Err)
	}
	if res.Attempts != 2 || res.Error == "" {
		t.Errorf("Expected 2 attempts with error text, got %d %q", res.Attempts, res.Error)
	}

	mu.Lock()
	fail = false
	mu.Unlock()

	submit(t, m, testSegment(2, time.Second))
	if res := next(t, m); res.Failed || res.Backend != BackendWorker {
		t.Errorf("Expected recovery on primary, got failed=%v backend=%s", res.Failed, res.Backend)
	}

	if st := m.Stats(); st.Exhausted != 1 || st.Emitted != 2 {
		t.Errorf("Unexpected stats: %+v", st)
	}
}

func TestManagerPreservesSubmitOrder(t *testing.T) {
	config := testManagerConfig()
	config.Concurrency = 4

	const n = 12
	slow := &fakeBackend{kind: BackendWorker, name: "worker", fn: func(ctx context.Context, req *Request) (*Result, error) {
		// Earlier segments finish later.
		time.Sleep(time.Duration(n-req.Segment.ID) * 3 * time.Millisecond)
		return &Result{Text: fmt.Sprintf("seg-%d", req.Segment.ID)}, nil
	}}
	m := startManager(t, config, slow)

	for i := 0; i < n; i++ {
		submit(t, m, testSegment(uint64(i), 500*time.Millisecond))
	}
	for i := 0; i < n; i++ {
		res := next(t, m)
		if res.Seq != uint64(i) || res.Text != fmt.Sprintf("seg-%d", i) {
			t.Fatalf("Result %d out of order: seq=%d text=%q", i, res.Seq, res.Text)
		}
	}
}

func TestManagerDeadlineBuckets(t *testing.T) {
	primary := succeeding(BackendWorker, "x")
	m := startManager(t, testManagerConfig(), primary)

	submit(t, m, testSegment(1, time.Second))
	next(t, m)
	submit(t, m, testSegment(2, 4*time.Second))
	next(t, m)

	primary.mu.Lock()
	defer primary.mu.Unlock()
	if len(primary.deadlines) != 2 {
		t.Fatalf("Expected 2 recorded deadlines, got %d", len(primary.deadlines))
	}
	if d := primary.deadlines[0]; d > time.Second || d < 500*time.Millisecond {
		t.Errorf("Short segment deadline %v, expected about 1s", d)
	}
	if d := primary.deadlines[1]; d > 5*time.Second || d < 4*time.Second {
		t.Errorf("Standard segment deadline %v, expected about 5s", d)
	}
}

func TestManagerTimeoutCountsAsFailure(t *testing.T) {
	config := testManagerConfig()
	config.TimeoutShort = 20 * time.Millisecond
	config.MaxFailures = 1

	hang := &fakeBackend{kind: BackendWorker, name: "worker", fn: func(ctx context.Context, _ *Request) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	m := startManager(t, config, hang, NewFallbackBackend(testLogger()))

	submit(t, m, testSegment(1, time.Second))
	if res := next(t, m); res.Backend != BackendFallback {
		t.Fatalf("Expected fallback after timeout, got %s", res.Backend)
	}
	if h := m.BackendHealth()[0]; !h.Tripped {
		t.Errorf("Expected timeout to trip primary, got %+v", h)
	}
}

func TestManagerMinPrimaryDuration(t *testing.T) {
	config := testManagerConfig()
	config.MinPrimaryDuration = time.Second

	primary := succeeding(BackendWorker, "primary")
	m := startManager(t, config, primary, NewFallbackBackend(testLogger()))

	submit(t, m, testSegment(1, 300*time.Millisecond))
	if res := next(t, m); res.Backend != BackendFallback {
		t.Errorf("Expected short segment on fallback, got %s", res.Backend)
	}
	submit(t, m, testSegment(2, 2*time.Second))
	if res := next(t, m); res.Backend != BackendWorker {
		t.Errorf("Expected long segment on primary, got %s", res.Backend)
	}

	if calls := primary.Calls(); calls != 1 {
		t.Errorf("Expected 1 primary call, got %d", calls)
	}
	if h := m.BackendHealth()[0]; h.FailuresTotal != 0 {
		t.Errorf("Skipping must not count as failure, got %d", h.FailuresTotal)
	}
}

func TestManagerSubmitDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	blocked := &fakeBackend{kind: BackendWorker, name: "worker", fn: func(context.Context, *Request) (*Result, error) {
		<-release
		return &Result{Text: "late"}, nil
	}}
	config := testManagerConfig()
	config.TimeoutShort = 10 * time.Second
	m := startManager(t, config, blocked)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			m.Submit(testSegment(uint64(i), 100*time.Millisecond))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked")
	}
	if st := m.Stats(); st.Submitted != 200 {
		t.Errorf("Expected 200 submitted, got %d", st.Submitted)
	}

	close(release)
	for i := 0; i < 200; i++ {
		next(t, m)
	}
}

func TestManagerCloseDrains(t *testing.T) {
	m, err := NewManager(testManagerConfig(), []Backend{succeeding(BackendWorker, "x")}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		submit(t, m, testSegment(uint64(i), time.Second))
	}

	var got int
	collected := make(chan struct{})
	go func() {
		for range m.Results() {
			got++
		}
		close(collected)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	<-collected
	if got != 5 {
		t.Errorf("Expected 5 results, got %d", got)
	}
	if _, err := m.Submit(testSegment(9, time.Second)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"zero max failures", func(c *Config) { c.MaxFailures = 0 }, true},
		{"zero backoff", func(c *Config) { c.FailureBackoff = 0 }, true},
		{"zero window", func(c *Config) { c.FailureWindow = 0 }, true},
		{"zero timeout", func(c *Config) { c.TimeoutStandard = 0 }, true},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testManagerConfig()
			tt.modify(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestManagerWithWorkerPool(t *testing.T) {
	engine := func(slot int) worker.Engine {
		return worker.EngineFunc(func(_ context.Context, pcm []byte, rate int, _ string) (string, error) {
			if len(pcm) < rate {
				return "", errors.New("model rejected input")
			}
			return fmt.Sprintf("%d bytes", len(pcm)), nil
		})
	}
	sup, err := worker.NewSupervisor(worker.Config{
		PoolSize:          2,
		StartupTimeout:    time.Second,
		HeartbeatGrace:    time.Second,
		WatchdogInterval:  50 * time.Millisecond,
		RestartBackoff:    10 * time.Millisecond,
		MaxRestartBackoff: 50 * time.Millisecond,
		ShutdownGrace:     200 * time.Millisecond,
	}, worker.NewSimTransport(engine, 100*time.Millisecond, testLogger()), testLogger(), nil)
	if err != nil {
		t.Fatalf("NewSupervisor failed: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sup.Stop(ctx)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.WaitReady(ctx, 2); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}

	config := testManagerConfig()
	config.Concurrency = sup.PoolSize()
	m := startManager(t, config, NewWorkerBackend(sup, "stub"), NewFallbackBackend(testLogger()))

	submit(t, m, testSegment(1, time.Second))
	submit(t, m, testSegment(2, 200*time.Millisecond))

	if res := next(t, m); res.Backend != BackendWorker || res.Text != "32000 bytes" {
		t.Errorf("Expected worker result, got %s %q", res.Backend, res.Text)
	}
	if res := next(t, m); res.Backend != BackendFallback {
		t.Errorf("Expected fallback after worker error, got %s", res.Backend)
	}
}
