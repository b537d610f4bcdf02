package session

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dubroom/capture-service/internal/audio"
	"github.com/dubroom/capture-service/internal/capture"
	"github.com/dubroom/capture-service/internal/timecode"
)

// createTestConfig returns the capture parameters used by session tests
func createTestConfig() Config {
	return Config{
		SampleRate:     48000,
		Channels:       1,
		Gain:           1.5,
		FlushThreshold: 4096,
	}
}

// stubBackend implements capture.Backend without touching real hardware.
// Deliver runs the registered handler on the caller's goroutine, standing
// in for the device callback thread. Stop blocks until an in-flight
// Deliver completes, matching the real backend's quiesce guarantee.
type stubBackend struct {
	mu      sync.Mutex
	handler capture.BlockHandler
	stopped bool

	openErr   error
	startErr  error
	openGate  chan struct{}
	startGate chan struct{}

	opens  atomic.Int32
	closes atomic.Int32
}

func (b *stubBackend) Open(ctx context.Context, cfg capture.Config, handler capture.BlockHandler) error {
	if b.openGate != nil {
		<-b.openGate
	}
	if b.openErr != nil {
		return b.openErr
	}
	b.mu.Lock()
	b.handler = handler
	b.stopped = false
	b.mu.Unlock()
	b.opens.Add(1)
	return nil
}

func (b *stubBackend) Start() error {
	if b.startGate != nil {
		<-b.startGate
	}
	return b.startErr
}

func (b *stubBackend) Stop() error {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	return nil
}

func (b *stubBackend) Close() error {
	b.closes.Add(1)
	return nil
}

// Deliver pushes one block through the handler unless capture has
// stopped. Returns false once the backend no longer accepts blocks.
func (b *stubBackend) Deliver(block []float32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || b.handler == nil {
		return false
	}
	b.handler(block)
	return true
}

func TestSessionStartInvalidWindow(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	tests := []struct {
		name   string
		window timecode.Window
	}{
		{
			name:   "zero length window",
			window: timecode.Window{Start: 2 * time.Second, End: 2 * time.Second},
		},
		{
			name:   "end before start",
			window: timecode.Window{Start: 3 * time.Second, End: time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &stubBackend{}
			sess := New("line-001", tt.window, createTestConfig(), backend, logger)

			err := sess.Start(context.Background())
			if !errors.Is(err, ErrInvalidDuration) {
				t.Errorf("Expected ErrInvalidDuration, got %v", err)
			}
			if backend.opens.Load() != 0 {
				t.Error("Expected no device request for an invalid window")
			}
			if sess.Phase() != PhaseIdle {
				t.Errorf("Expected phase %s, got %s", PhaseIdle, sess.Phase())
			}
		})
	}
}

func TestSessionDeviceUnavailable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	tests := []struct {
		name   string
		reason capture.Reason
	}{
		{name: "permission denied", reason: capture.ReasonPermissionDenied},
		{name: "no device", reason: capture.ReasonNoDevice},
		{name: "unsupported", reason: capture.ReasonUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &stubBackend{
				openErr: &capture.DeviceError{Reason: tt.reason, Err: errors.New("probe failed")},
			}
			sess := New("line-001", mustWindow(t, "00:00:01:000", "00:00:04:000"), createTestConfig(), backend, logger)

			err := sess.Start(context.Background())
			if err == nil {
				t.Fatal("Expected start to fail")
			}

			var devErr *capture.DeviceError
			if !errors.As(err, &devErr) {
				t.Fatalf("Expected a DeviceError, got %v", err)
			}
			if devErr.Reason != tt.reason {
				t.Errorf("Expected reason %s, got %s", tt.reason, devErr.Reason)
			}
			if sess.Phase() != PhaseError {
				t.Errorf("Expected phase %s, got %s", PhaseError, sess.Phase())
			}
			if sess.Err() == nil {
				t.Error("Expected session error to be recorded")
			}
			if backend.closes.Load() == 0 {
				t.Error("Expected device cleanup after failed acquisition")
			}
		})
	}
}

func TestSessionStartWhileRecording(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	backend := &stubBackend{}
	sess := New("line-001", mustWindow(t, "00:00:01:000", "00:00:04:000"), createTestConfig(), backend, logger)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	defer sess.Discard()

	err := sess.Start(context.Background())
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for second start, got %v", err)
	}
}

func TestSessionStartFailsOnDeviceStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	backend := &stubBackend{startErr: errors.New("stream refused")}
	sess := New("line-001", mustWindow(t, "00:00:01:000", "00:00:04:000"), createTestConfig(), backend, logger)

	err := sess.Start(context.Background())
	if err == nil {
		t.Fatal("Expected start to fail")
	}
	if sess.Phase() != PhaseError {
		t.Errorf("Expected phase %s, got %s", PhaseError, sess.Phase())
	}
	if backend.closes.Load() != 1 {
		t.Errorf("Expected device released exactly once, got %d", backend.closes.Load())
	}
}

func TestSessionRecordsUntilWindowElapses(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	backend := &stubBackend{}
	// 00:00:01:000 to 00:00:04:000 is a 3.000s target.
	sess := New("line-001", mustWindow(t, "00:00:01:000", "00:00:04:000"), createTestConfig(), backend, logger)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	// Feed 10ms blocks in lockstep with the drain goroutine so the
	// recorded length is deterministic.
	block := make([]float32, 480)
	for !sess.assembler.LimitReached() && backend.Deliver(block) {
		waitCaughtUp(t, sess)
	}
	waitDone(t, sess)

	if got := sess.Phase(); got != PhaseEncoded {
		t.Fatalf("Expected phase %s, got %s", PhaseEncoded, got)
	}
	clip := sess.Clip()
	if clip == nil {
		t.Fatal("Expected an encoded clip")
	}

	elapsed := clip.Duration.Seconds()
	if elapsed < 3.0 {
		t.Errorf("Expected the full 3.000s window, got %.3fs", elapsed)
	}
	if elapsed > 3.1 {
		t.Errorf("Expected at most one chunk of overshoot past the window, got %.3fs", elapsed)
	}
	// 36 full chunks of 4096 cross the 144000-sample target during
	// block 308, and the final flush carries the 384-sample remainder.
	if clip.Duration != 3080*time.Millisecond {
		t.Errorf("Expected exactly 3.080s recorded, got %v", clip.Duration)
	}

	if err := audio.ValidateWAV(clip.WAV); err != nil {
		t.Errorf("Encoded clip is not a valid WAV: %v", err)
	}
	samples := sess.assembler.GetStats().Samples
	if wantLen := 44 + samples*2; len(clip.WAV) != wantLen {
		t.Errorf("Expected %d WAV bytes, got %d", wantLen, len(clip.WAV))
	}
	if backend.closes.Load() != 1 {
		t.Errorf("Expected device released exactly once, got %d", backend.closes.Load())
	}
}

func TestSessionStopFlushesPartialChunk(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	backend := &stubBackend{}
	sess := New("line-001", mustWindow(t, "00:00:01:000", "00:00:04:000"), createTestConfig(), backend, logger)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	// 5 blocks of 480 samples stay below the flush threshold, so the
	// take only exists if stop flushes the partial buffer.
	block := make([]float32, 480)
	for i := range block {
		block[i] = 0.4
	}
	for i := 0; i < 5; i++ {
		if !backend.Deliver(block) {
			t.Fatal("Backend stopped accepting blocks early")
		}
		waitCaughtUp(t, sess)
	}

	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := sess.Phase(); got != PhaseEncoded {
		t.Fatalf("Expected phase %s, got %s", PhaseEncoded, got)
	}
	clip := sess.Clip()
	if clip == nil {
		t.Fatal("Expected an encoded clip")
	}
	if clip.Duration != 50*time.Millisecond {
		t.Errorf("Expected 50ms of audio, got %v", clip.Duration)
	}
	if wantLen := 44 + 2400*2; len(clip.WAV) != wantLen {
		t.Errorf("Expected %d WAV bytes, got %d", wantLen, len(clip.WAV))
	}

	// Gain of 1.5 turns the 0.4 input into a 0.6 peak.
	wantPeak := audio.ToDBFS(float64(float32(0.4) * 1.5))
	if math.Abs(clip.PeakDBFS-wantPeak) > 1e-9 {
		t.Errorf("Expected peak %.4f dBFS, got %.4f", wantPeak, clip.PeakDBFS)
	}

	err := sess.Stop()
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for stop after encode, got %v", err)
	}
}

func TestSessionEmptyRecording(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	backend := &stubBackend{}
	sess := New("line-001", mustWindow(t, "00:00:01:000", "00:00:04:000"), createTestConfig(), backend, logger)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := sess.Phase(); got != PhaseIdle {
		t.Errorf("Expected phase %s for an empty take, got %s", PhaseIdle, got)
	}
	if sess.Clip() != nil {
		t.Error("Expected no clip for an empty take")
	}
	if backend.closes.Load() != 1 {
		t.Errorf("Expected device released exactly once, got %d", backend.closes.Load())
	}
}

func TestSessionDiscardIdempotent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	backend := &stubBackend{}
	sess := New("line-001", mustWindow(t, "00:00:01:000", "00:00:04:000"), createTestConfig(), backend, logger)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	block := make([]float32, 480)
	for i := 0; i < 3; i++ {
		if !backend.Deliver(block) {
			t.Fatal("Backend stopped accepting blocks early")
		}
		waitCaughtUp(t, sess)
	}

	sess.Discard()
	sess.Discard()

	if got := sess.Phase(); got != PhaseIdle {
		t.Errorf("Expected phase %s after discard, got %s", PhaseIdle, got)
	}
	if sess.Clip() != nil {
		t.Error("Expected no clip after discard")
	}
	if backend.closes.Load() != 1 {
		t.Errorf("Expected device released exactly once, got %d", backend.closes.Load())
	}
}

func TestSessionDiscardBeforeStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	sess := New("line-001", mustWindow(t, "00:00:01:000", "00:00:04:000"), createTestConfig(), &stubBackend{}, logger)

	sess.Discard()

	if got := sess.Phase(); got != PhaseIdle {
		t.Errorf("Expected phase %s, got %s", PhaseIdle, got)
	}
}

func TestSessionDiscardDuringAcquisition(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	gate := make(chan struct{})
	backend := &stubBackend{openGate: gate}
	sess := New("line-001", mustWindow(t, "00:00:01:000", "00:00:04:000"), createTestConfig(), backend, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- sess.Start(context.Background())
	}()

	waitPhase(t, sess, PhaseAcquiring)
	sess.Discard()

	if got := sess.Phase(); got != PhaseIdle {
		t.Errorf("Expected phase %s right after discard, got %s", PhaseIdle, got)
	}

	close(gate)

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Expected start to fail after discard")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after discard")
	}

	if backend.closes.Load() != 1 {
		t.Errorf("Expected device released exactly once, got %d", backend.closes.Load())
	}
	if got := sess.Phase(); got != PhaseIdle {
		t.Errorf("Expected phase %s, got %s", PhaseIdle, got)
	}
}

func TestSessionDiscardDuringDeviceStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	gate := make(chan struct{})
	backend := &stubBackend{startGate: gate}
	sess := New("line-001", mustWindow(t, "00:00:01:000", "00:00:04:000"), createTestConfig(), backend, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- sess.Start(context.Background())
	}()

	// Wait past Open so Start is blocked inside the device start call,
	// then discard while the stream is still spinning up.
	deadline := time.Now().Add(2 * time.Second)
	for backend.opens.Load() == 0 {
		if !time.Now().Before(deadline) {
			t.Fatal("Backend was never opened")
		}
		time.Sleep(time.Millisecond)
	}
	sess.Discard()

	close(gate)

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Expected start to fail after discard")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after discard")
	}

	if got := sess.Phase(); got != PhaseIdle {
		t.Errorf("Expected phase %s, got %s", PhaseIdle, got)
	}
	if backend.closes.Load() != 1 {
		t.Errorf("Expected device released exactly once, got %d", backend.closes.Load())
	}
	backend.mu.Lock()
	stopped := backend.stopped
	backend.mu.Unlock()
	if !stopped {
		t.Error("Expected the capture stream to be stopped after discard")
	}
}

func TestSessionStopBeforeStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	sess := New("line-001", mustWindow(t, "00:00:01:000", "00:00:04:000"), createTestConfig(), &stubBackend{}, logger)

	err := sess.Stop()
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
}

func TestSessionGetInfo(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	backend := &stubBackend{}
	sess := New("line-042", mustWindow(t, "00:00:01:000", "00:00:04:000"), createTestConfig(), backend, logger)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	block := make([]float32, 480)
	for i := 0; i < 5; i++ {
		if !backend.Deliver(block) {
			t.Fatal("Backend stopped accepting blocks early")
		}
		waitCaughtUp(t, sess)
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	info := sess.GetInfo()
	if info.LineID != "line-042" {
		t.Errorf("Expected line ID 'line-042', got '%s'", info.LineID)
	}
	if info.Phase != "encoded" {
		t.Errorf("Expected phase 'encoded', got '%s'", info.Phase)
	}
	if info.Window != "00:00:01:000-00:00:04:000" {
		t.Errorf("Expected window '00:00:01:000-00:00:04:000', got '%s'", info.Window)
	}
	if info.TargetSeconds != 3.0 {
		t.Errorf("Expected target 3.0s, got %v", info.TargetSeconds)
	}
	if info.ElapsedSeconds != 0.05 {
		t.Errorf("Expected elapsed 0.05s, got %v", info.ElapsedSeconds)
	}
	if info.TakeID == "" {
		t.Error("Expected a take ID for an encoded session")
	}
}

func TestEncodedClipMatchesWindow(t *testing.T) {
	tests := []struct {
		name      string
		duration  time.Duration
		target    time.Duration
		tolerance time.Duration
		want      bool
	}{
		{
			name:      "exact match",
			duration:  3 * time.Second,
			target:    3 * time.Second,
			tolerance: 100 * time.Millisecond,
			want:      true,
		},
		{
			name:      "overshoot inside tolerance",
			duration:  3080 * time.Millisecond,
			target:    3 * time.Second,
			tolerance: 100 * time.Millisecond,
			want:      true,
		},
		{
			name:      "undershoot outside tolerance",
			duration:  2800 * time.Millisecond,
			target:    3 * time.Second,
			tolerance: 100 * time.Millisecond,
			want:      false,
		},
		{
			name:      "boundary is inclusive",
			duration:  3100 * time.Millisecond,
			target:    3 * time.Second,
			tolerance: 100 * time.Millisecond,
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clip := &EncodedClip{Duration: tt.duration}
			if got := clip.MatchesWindow(tt.target, tt.tolerance); got != tt.want {
				t.Errorf("Expected MatchesWindow=%v for duration %v against %v, got %v",
					tt.want, tt.duration, tt.target, got)
			}
		})
	}
}

// stubFactory returns a backend factory producing a fresh stub per
// session, recording each one in sink when sink is not nil
func stubFactory(sink *[]*stubBackend) BackendFactory {
	return func() capture.Backend {
		b := &stubBackend{}
		if sink != nil {
			*sink = append(*sink, b)
		}
		return b
	}
}

// mustWindow parses a timecode window or fails the test
func mustWindow(t *testing.T, start, end string) timecode.Window {
	t.Helper()
	w, err := timecode.ParseWindow(start, end)
	if err != nil {
		t.Fatalf("Failed to parse window: %v", err)
	}
	return w
}

// waitCaughtUp blocks until the drain goroutine has accepted every
// chunk the processor has emitted so far
func waitCaughtUp(t *testing.T, sess *Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.assembler.GetStats().ChunksAccepted == sess.processor.ChunksEmitted() {
			return
		}
		time.Sleep(50 * time.Microsecond)
	}
	t.Fatal("Pipeline did not catch up with emitted chunks")
}

// waitDone blocks until the session settles in its final phase
func waitDone(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Session did not settle in time")
	}
}

// waitPhase blocks until the session reaches the given phase
func waitPhase(t *testing.T, sess *Session, phase Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.Phase() == phase {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Session never reached phase %s", phase)
}
