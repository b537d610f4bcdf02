package playback

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

// mockVideo implements VideoSurface with inspectable state
type mockVideo struct {
	mu      sync.Mutex
	muted   bool
	playing bool
	rewinds int
	playErr error
}

func (v *mockVideo) Mute() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.muted = true
}

func (v *mockVideo) Unmute() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.muted = false
}

func (v *mockVideo) Rewind() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rewinds++
}

func (v *mockVideo) Play() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.playErr != nil {
		return v.playErr
	}
	v.playing = true
	return nil
}

func (v *mockVideo) Pause() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.playing = false
}

func (v *mockVideo) state() (muted, playing bool, rewinds int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.muted, v.playing, v.rewinds
}

// mockSink implements AudioSink without a real output device
type mockSink struct {
	mu      sync.Mutex
	played  *Source
	stopped bool
	playErr error

	done     chan struct{}
	doneOnce sync.Once
}

func newMockSink() *mockSink {
	return &mockSink{done: make(chan struct{})}
}

func (s *mockSink) Play(src *Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playErr != nil {
		return s.playErr
	}
	s.played = src
	return nil
}

func (s *mockSink) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.finish()
}

func (s *mockSink) Done() <-chan struct{} {
	return s.done
}

// finish simulates the source running out of frames
func (s *mockSink) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *mockSink) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func testSource() *Source {
	return &Source{
		SampleRate: 48000,
		Channels:   1,
		samples:    make([]float32, 4800),
	}
}

func TestToggleStartsSyncedPlayback(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	coord := NewCoordinator(logger, nil)
	video := &mockVideo{}
	sink := newMockSink()

	playing, err := coord.Toggle(video, sink, testSource())
	if err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	if !playing {
		t.Error("Expected playback to be running after toggle")
	}
	if !coord.Playing() {
		t.Error("Expected coordinator to report an active playback")
	}

	muted, videoPlaying, rewinds := video.state()
	if !muted {
		t.Error("Expected the video's own track to be muted")
	}
	if !videoPlaying {
		t.Error("Expected the video to be playing")
	}
	if rewinds != 1 {
		t.Errorf("Expected 1 rewind before start, got %d", rewinds)
	}
	if sink.played == nil {
		t.Error("Expected the audio sink to receive the source")
	}

	coord.Stop()
}

func TestNaturalEndUnwindsVideo(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	coord := NewCoordinator(logger, nil)
	video := &mockVideo{}
	sink := newMockSink()

	if _, err := coord.Toggle(video, sink, testSource()); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}

	sink.finish()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		muted, playing, _ := video.state()
		if !muted && !playing && !coord.Playing() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	muted, playing, _ := video.state()
	t.Fatalf("Video not unwound after natural end: muted=%v playing=%v active=%v",
		muted, playing, coord.Playing())
}

func TestToggleStopsActivePlayback(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	coord := NewCoordinator(logger, nil)
	video := &mockVideo{}
	sink := newMockSink()

	if _, err := coord.Toggle(video, sink, testSource()); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}

	playing, err := coord.Toggle(video, sink, testSource())
	if err != nil {
		t.Fatalf("Second toggle failed: %v", err)
	}
	if playing {
		t.Error("Expected the second toggle to stop playback")
	}
	if coord.Playing() {
		t.Error("Expected no active playback after toggle off")
	}
	if !sink.wasStopped() {
		t.Error("Expected the audio sink to be stopped")
	}

	muted, videoPlaying, _ := video.state()
	if muted {
		t.Error("Expected the video unmuted after toggle off")
	}
	if videoPlaying {
		t.Error("Expected the video paused after toggle off")
	}
}

func TestAudioStartFailureUnwindsVideo(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	coord := NewCoordinator(logger, nil)
	video := &mockVideo{}
	sink := newMockSink()
	sink.playErr = errors.New("output device refused")

	playing, err := coord.Toggle(video, sink, testSource())
	if !errors.Is(err, ErrPlaybackFailure) {
		t.Errorf("Expected ErrPlaybackFailure, got %v", err)
	}
	if playing {
		t.Error("Expected no playback after audio start failure")
	}
	if coord.Playing() {
		t.Error("Expected no active binding after audio start failure")
	}

	muted, videoPlaying, _ := video.state()
	if muted {
		t.Error("Expected the video unmuted after unwind")
	}
	if videoPlaying {
		t.Error("Expected the video paused after unwind")
	}
}

func TestVideoStartFailureUnwindsAudio(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	coord := NewCoordinator(logger, nil)
	video := &mockVideo{}
	video.playErr = errors.New("player unreachable")
	sink := newMockSink()

	playing, err := coord.Toggle(video, sink, testSource())
	if !errors.Is(err, ErrPlaybackFailure) {
		t.Errorf("Expected ErrPlaybackFailure, got %v", err)
	}
	if playing {
		t.Error("Expected no playback after video start failure")
	}
	if !sink.wasStopped() {
		t.Error("Expected the audio sink stopped after video start failure")
	}

	muted, _, _ := video.state()
	if muted {
		t.Error("Expected the video unmuted after unwind")
	}
}

func TestStopWithoutActivePlayback(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	coord := NewCoordinator(logger, nil)

	coord.Stop()
	coord.Stop()

	if coord.Playing() {
		t.Error("Expected no active playback")
	}
}

func TestCueSurfaceImplementsVideoSurface(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	var surface VideoSurface = NewCueSurface(logger, "line-001")

	surface.Mute()
	surface.Rewind()
	if err := surface.Play(); err != nil {
		t.Errorf("Expected cue surface play to succeed, got %v", err)
	}
	surface.Pause()
	surface.Unmute()
}
