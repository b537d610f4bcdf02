package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dubroom/capture-service/internal/metrics"
)

// ErrPlaybackFailure reports that one side of a synced playback could
// not start. The other side has already been unwound when it is
// returned.
var ErrPlaybackFailure = errors.New("synced playback failed to start")

// VideoSurface is the reference video paired with a take during
// review. Implementations control a real player or emit cues for an
// external one. Mute, Unmute, Rewind and Pause must not fail; a
// surface that cannot honor them should absorb the call.
type VideoSurface interface {
	Mute()
	Unmute()
	Rewind()
	Play() error
	Pause()
}

// AudioSink plays one decoded source from its first frame. Stop is
// idempotent and Done is closed once playback has ended, whether it
// ran out of frames or was stopped.
type AudioSink interface {
	Play(src *Source) error
	Stop()
	Done() <-chan struct{}
}

// Binding pairs one video surface with one audio sink for the length
// of a single playback cycle.
type Binding struct {
	ID        uuid.UUID
	StartedAt time.Time

	video VideoSurface
	sink  AudioSink
}

// Coordinator runs at most one synced playback at a time. Starting a
// second one while the first is running stops the first instead.
type Coordinator struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	active *Binding
}

// NewCoordinator creates a playback coordinator. The metrics handle
// may be nil.
func NewCoordinator(logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		logger:  logger,
		metrics: m,
	}
}

// Toggle starts a synced playback of src, or stops the one already
// running. It reports whether playback is running after the call.
// On a start failure both sides are unwound, the video is left
// unmuted and paused, and the error matches ErrPlaybackFailure.
func (c *Coordinator) Toggle(video VideoSurface, sink AudioSink, src *Source) (bool, error) {
	c.mu.Lock()

	if c.active != nil {
		binding := c.active
		c.active = nil
		c.mu.Unlock()
		c.teardown(binding, "toggled off")
		return false, nil
	}

	binding := &Binding{
		ID:        uuid.New(),
		StartedAt: time.Now(),
		video:     video,
		sink:      sink,
	}

	// Silence the video's own track and line both sides up at zero
	// before anything starts.
	video.Mute()
	video.Rewind()

	if err := sink.Play(src); err != nil {
		c.mu.Unlock()
		video.Pause()
		video.Unmute()
		if c.metrics != nil {
			c.metrics.RecordPlaybackFailure()
		}
		c.logger.Error("Audio track failed to start, review unwound",
			slog.String("binding_id", binding.ID.String()),
			slog.String("error", err.Error()),
		)
		return false, fmt.Errorf("%w: audio track: %v", ErrPlaybackFailure, err)
	}

	if err := video.Play(); err != nil {
		c.mu.Unlock()
		sink.Stop()
		video.Pause()
		video.Unmute()
		if c.metrics != nil {
			c.metrics.RecordPlaybackFailure()
		}
		c.logger.Error("Video track failed to start, review unwound",
			slog.String("binding_id", binding.ID.String()),
			slog.String("error", err.Error()),
		)
		return false, fmt.Errorf("%w: video track: %v", ErrPlaybackFailure, err)
	}

	c.active = binding
	c.mu.Unlock()

	go c.watch(binding)

	if c.metrics != nil {
		c.metrics.RecordPlaybackStarted()
	}
	c.logger.Info("Synced playback started",
		slog.String("binding_id", binding.ID.String()),
		slog.Float64("duration_seconds", src.Duration().Seconds()),
		slog.Int("sample_rate", src.SampleRate),
		slog.Int("channels", src.Channels),
	)
	return true, nil
}

// Stop ends the running synced playback, if any. Safe to call at any
// time.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	binding := c.active
	c.active = nil
	c.mu.Unlock()

	if binding != nil {
		c.teardown(binding, "stopped")
	}
}

// Playing reports whether a synced playback is currently running.
func (c *Coordinator) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// watch waits for the audio side to end and unwinds the video. A
// binding replaced by Stop or Toggle is already unwound, so the
// watcher only acts if its binding is still the active one.
func (c *Coordinator) watch(binding *Binding) {
	<-binding.sink.Done()

	c.mu.Lock()
	if c.active != binding {
		c.mu.Unlock()
		return
	}
	c.active = nil
	c.mu.Unlock()

	binding.video.Pause()
	binding.video.Unmute()
	c.logger.Info("Synced playback finished",
		slog.String("binding_id", binding.ID.String()),
		slog.Duration("ran_for", time.Since(binding.StartedAt)),
	)
}

// teardown stops both sides of a binding and restores the video.
func (c *Coordinator) teardown(binding *Binding, cause string) {
	binding.sink.Stop()
	binding.video.Pause()
	binding.video.Unmute()
	c.logger.Info("Synced playback "+cause,
		slog.String("binding_id", binding.ID.String()),
		slog.Duration("ran_for", time.Since(binding.StartedAt)),
	)
}

// CueSurface is a video surface for rigs where the reference video
// runs in an external player. It emits the mute, rewind, play and
// pause transitions as structured log cues for the operator's player
// to follow.
type CueSurface struct {
	logger *slog.Logger
	label  string
}

// NewCueSurface creates a cue-emitting surface labeled with the clip
// or line it narrates.
func NewCueSurface(logger *slog.Logger, label string) *CueSurface {
	if logger == nil {
		logger = slog.Default()
	}
	return &CueSurface{logger: logger, label: label}
}

func (s *CueSurface) Mute() {
	s.logger.Info("Video cue: mute", slog.String("label", s.label))
}

func (s *CueSurface) Unmute() {
	s.logger.Info("Video cue: unmute", slog.String("label", s.label))
}

func (s *CueSurface) Rewind() {
	s.logger.Info("Video cue: rewind to zero", slog.String("label", s.label))
}

func (s *CueSurface) Play() error {
	s.logger.Info("Video cue: play", slog.String("label", s.label))
	return nil
}

func (s *CueSurface) Pause() {
	s.logger.Info("Video cue: pause", slog.String("label", s.label))
}
