package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dubroom/capture-service/internal/audio"
	"github.com/dubroom/capture-service/internal/capture"
	"github.com/dubroom/capture-service/internal/metrics"
	"github.com/dubroom/capture-service/internal/timecode"
)

// Phase identifies where a recording session is in its life cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseAcquiring
	PhaseRecording
	PhaseStopping
	PhaseEncoded
	PhaseError
)

// String returns the lowercase phase name used in logs and APIs.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAcquiring:
		return "acquiring"
	case PhaseRecording:
		return "recording"
	case PhaseStopping:
		return "stopping"
	case PhaseEncoded:
		return "encoded"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int32(p))
	}
}

var (
	// ErrInvalidState reports an operation that is not legal in the
	// session's current phase.
	ErrInvalidState = errors.New("operation not allowed in current session phase")

	// ErrInvalidDuration reports a recording window whose end does not
	// lie after its start. It is raised before any device request.
	ErrInvalidDuration = errors.New("recording window duration must be positive")
)

// Config carries the capture and processing parameters applied to
// every take.
type Config struct {
	SampleRate     int
	Channels       int
	Gain           float32
	FlushThreshold int
}

// EncodedClip is the finished product of a session: a WAV payload plus
// the take metadata needed for saving, review and upload.
type EncodedClip struct {
	TakeID     uuid.UUID     `json:"take_id"`
	LineID     string        `json:"line_id"`
	WAV        []byte        `json:"-"`
	Duration   time.Duration `json:"duration"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	PeakDBFS   float64       `json:"peak_dbfs"`
	RMSDBFS    float64       `json:"rms_dbfs"`
	CreatedAt  time.Time     `json:"created_at"`
}

// MatchesWindow reports whether the recorded duration falls within
// tolerance of the requested window duration.
func (c *EncodedClip) MatchesWindow(target, tolerance time.Duration) bool {
	diff := c.Duration - target
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// Session records one voice-over take for a dialogue line. The phases
// run idle, acquiring, recording, stopping, encoded; error is reachable
// from any point after start, and discard returns the session to idle
// from every phase.
type Session struct {
	ID     uuid.UUID
	LineID string
	Window timecode.Window

	logger  *slog.Logger
	backend capture.Backend
	config  Config
	metrics *metrics.Metrics
	target  time.Duration

	// Pipeline, built during Start.
	processor *audio.Processor
	queue     *audio.Queue
	assembler *audio.Assembler
	meter     *audio.Meter

	mu        sync.RWMutex
	phase     Phase
	startedAt time.Time
	touched   time.Time
	clip      *EncodedClip
	lastErr   error
	consuming bool

	stopOnce sync.Once
	drained  chan struct{}
}

// New creates an idle session for the given line and timecode window.
// The window is validated on Start, not here.
func New(lineID string, window timecode.Window, cfg Config, backend capture.Backend, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ID:      uuid.New(),
		LineID:  lineID,
		Window:  window,
		config:  cfg,
		backend: backend,
		logger:  logger,
		phase:   PhaseIdle,
		touched: time.Now(),
		drained: make(chan struct{}),
	}
}

// Start validates the window, acquires the input device and begins
// recording. The window is checked before any device request, so a
// zero-length window never prompts for microphone access. Device
// acquisition failures carry a *capture.DeviceError with the
// classified reason and leave the session in the error phase.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseIdle {
		phase := s.phase
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, phase)
	}

	target, err := s.Window.Duration()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidDuration, err)
	}

	queue := audio.NewQueue()
	processor, perr := audio.NewProcessor(s.config.Channels, s.config.Gain, s.config.FlushThreshold, queue.Push)
	assembler, aerr := audio.NewAssembler(s.config.Channels, s.config.SampleRate, target, s.autoStop)
	if perr != nil || aerr != nil {
		queue.CloseSend()
		cfgErr := perr
		if cfgErr == nil {
			cfgErr = aerr
		}
		s.mu.Unlock()
		s.fail("config", fmt.Errorf("configure recording pipeline: %w", cfgErr))
		return fmt.Errorf("configure recording pipeline: %w", cfgErr)
	}

	s.target = target
	s.processor = processor
	s.queue = queue
	s.assembler = assembler
	s.meter = new(audio.Meter)
	s.phase = PhaseAcquiring
	s.touched = time.Now()
	s.mu.Unlock()

	s.logger.Info("Acquiring input device",
		slog.String("session_id", s.ID.String()),
		slog.String("line_id", s.LineID),
		slog.String("window", s.Window.String()),
		slog.Duration("target", target),
	)

	captureCfg := capture.Config{SampleRate: s.config.SampleRate, Channels: s.config.Channels}
	if err := s.backend.Open(ctx, captureCfg, processor.Process); err != nil {
		_ = s.backend.Close()
		queue.CloseSend()
		var devErr *capture.DeviceError
		if s.metrics != nil && errors.As(err, &devErr) {
			s.metrics.RecordDeviceError(string(devErr.Reason))
		}
		s.fail("device", fmt.Errorf("open capture device: %w", err))
		return fmt.Errorf("open capture device: %w", err)
	}

	if err := s.backend.Start(); err != nil {
		_ = s.backend.Close()
		queue.CloseSend()
		s.fail("device", fmt.Errorf("start capture device: %w", err))
		return fmt.Errorf("start capture device: %w", err)
	}

	// The session may have been discarded while the device prompt was
	// pending, so the transition to recording is conditional on the
	// phase still being acquiring. Checking inside the same critical
	// section that flips the phase means a discard can never be
	// overwritten; any other phase here means the take was abandoned
	// and the device goes straight back.
	s.mu.Lock()
	if s.phase != PhaseAcquiring {
		s.mu.Unlock()
		_ = s.backend.Stop()
		_ = s.backend.Close()
		queue.CloseSend()
		return fmt.Errorf("session discarded during device acquisition")
	}
	s.phase = PhaseRecording
	s.startedAt = time.Now()
	s.touched = s.startedAt
	s.consuming = true
	s.mu.Unlock()

	go s.consume()

	s.logger.Info("Recording started",
		slog.String("session_id", s.ID.String()),
		slog.String("line_id", s.LineID),
		slog.Int("sample_rate", s.config.SampleRate),
		slog.Int("channels", s.config.Channels),
		slog.Float64("gain", float64(s.config.Gain)),
	)
	return nil
}

// Stop ends the take. It flushes pending samples, waits for the
// pipeline to drain and leaves the session encoded, or idle when
// nothing was recorded. Stopping an already stopping session just
// waits for the drain.
func (s *Session) Stop() error {
	s.mu.RLock()
	phase := s.phase
	s.mu.RUnlock()

	switch phase {
	case PhaseRecording, PhaseStopping:
	default:
		return fmt.Errorf("%w: cannot stop while %s", ErrInvalidState, phase)
	}

	s.requestStop()
	<-s.drained
	return nil
}

// Discard abandons the take and returns the session to idle from any
// phase. It never fails and calling it again is a no-op. The encoded
// clip, if any, is dropped.
func (s *Session) Discard() {
	s.mu.Lock()
	phase := s.phase
	switch phase {
	case PhaseIdle:
		s.mu.Unlock()
		return
	case PhaseAcquiring:
		// Start's acquisition path observes the phase change and
		// releases the device itself.
		s.phase = PhaseIdle
		s.touched = time.Now()
		s.mu.Unlock()
		s.logger.Info("Discard requested during device acquisition",
			slog.String("session_id", s.ID.String()),
			slog.String("line_id", s.LineID),
		)
		return
	}
	consuming := s.consuming
	s.mu.Unlock()

	if phase == PhaseRecording || phase == PhaseStopping {
		s.requestStop()
	}
	if consuming {
		<-s.drained
	}

	s.mu.Lock()
	s.clip = nil
	s.lastErr = nil
	s.phase = PhaseIdle
	s.touched = time.Now()
	s.mu.Unlock()

	s.logger.Info("Session discarded",
		slog.String("session_id", s.ID.String()),
		slog.String("line_id", s.LineID),
		slog.String("previous_phase", phase.String()),
	)
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Clip returns the encoded take, or nil outside the encoded phase.
func (s *Session) Clip() *EncodedClip {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clip
}

// Err returns the error that moved the session into the error phase.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Target returns the window duration computed during Start.
func (s *Session) Target() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

// LastActivity returns the time of the last phase change.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.touched
}

// Done returns a channel closed once the pipeline has drained and the
// session has settled in its final phase. It never closes for a
// session whose Start failed.
func (s *Session) Done() <-chan struct{} {
	return s.drained
}

// Info represents session state for monitoring and APIs.
type Info struct {
	SessionID      string  `json:"session_id"`
	LineID         string  `json:"line_id"`
	Window         string  `json:"window"`
	Phase          string  `json:"phase"`
	TargetSeconds  float64 `json:"target_seconds"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	PeakDBFS       float64 `json:"peak_dbfs"`
	RMSDBFS        float64 `json:"rms_dbfs"`
	ChunksEmitted  uint64  `json:"chunks_emitted"`
	TakeID         string  `json:"take_id,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// GetInfo returns a snapshot of the session for monitoring.
func (s *Session) GetInfo() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		SessionID:     s.ID.String(),
		LineID:        s.LineID,
		Window:        s.Window.String(),
		Phase:         s.phase.String(),
		TargetSeconds: s.target.Seconds(),
	}
	if s.assembler != nil {
		info.ElapsedSeconds = s.assembler.ElapsedSeconds()
	}
	if s.meter != nil {
		info.PeakDBFS = s.meter.PeakDBFS()
		info.RMSDBFS = s.meter.RMSDBFS()
	}
	if s.processor != nil {
		info.ChunksEmitted = s.processor.ChunksEmitted()
	}
	if s.clip != nil {
		info.TakeID = s.clip.TakeID.String()
	}
	if s.lastErr != nil {
		info.Error = s.lastErr.Error()
	}
	return info
}

// requestStop halts capture and closes the pipeline so the consume
// loop can drain and finalize. Safe from any goroutine, including the
// consume loop itself via the assembler limit callback, because it
// never waits for the drain.
func (s *Session) requestStop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.phase == PhaseRecording {
			s.phase = PhaseStopping
			s.touched = time.Now()
		}
		s.mu.Unlock()

		s.logger.Info("Stopping capture",
			slog.String("session_id", s.ID.String()),
			slog.String("line_id", s.LineID),
			slog.Float64("elapsed_seconds", s.assembler.ElapsedSeconds()),
		)

		// Backend.Stop returns only after the final handler call has
		// completed, so the flush below cannot race with Process.
		if err := s.backend.Stop(); err != nil {
			s.logger.Warn("Error stopping capture device", slog.String("error", err.Error()))
		}
		s.processor.Flush()
		s.queue.CloseSend()
	})
}

// autoStop ends the take once the assembler reaches the window target.
// Invoked by the assembler's limit callback on the consume goroutine.
func (s *Session) autoStop() {
	if s.metrics != nil {
		s.metrics.RecordAutoStop()
	}
	s.logger.Info("Recording window elapsed",
		slog.String("session_id", s.ID.String()),
		slog.String("line_id", s.LineID),
	)
	s.requestStop()
}

// consume drains the chunk conduit into the assembler and meter, then
// releases the device and finalizes the take. Runs on its own
// goroutine from recording start until the conduit closes.
func (s *Session) consume() {
	defer close(s.drained)

	var defect error
	for chunk := range s.queue.Chunks() {
		if s.metrics != nil {
			s.metrics.RecordChunkEmitted()
		}
		s.meter.Update(chunk)
		if err := s.assembler.Accept(chunk); err != nil {
			if defect == nil {
				defect = err
			}
			s.logger.Error("Dropped malformed chunk",
				slog.String("session_id", s.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := s.backend.Close(); err != nil {
		s.logger.Warn("Error releasing capture device",
			slog.String("session_id", s.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	if defect != nil {
		s.fail("assemble", fmt.Errorf("assemble recording: %w", defect))
		return
	}
	s.finalize()
}

// finalize turns the assembled buffers into an encoded clip. An empty
// take is not an error: the session simply returns to idle.
func (s *Session) finalize() {
	stats := s.assembler.GetStats()

	channels, err := s.assembler.Finalize()
	if err != nil {
		if errors.Is(err, audio.ErrEmptyRecording) {
			s.mu.Lock()
			s.clip = nil
			s.phase = PhaseIdle
			s.touched = time.Now()
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.RecordTakeEmpty()
			}
			s.logger.Info("No samples recorded, session back to idle",
				slog.String("session_id", s.ID.String()),
				slog.String("line_id", s.LineID),
			)
			return
		}
		s.fail("assemble", fmt.Errorf("finalize recording buffers: %w", err))
		return
	}

	encodeStart := time.Now()
	wav, err := audio.EncodeWAV(channels, s.config.SampleRate)
	if err != nil {
		s.fail("encode", fmt.Errorf("encode take: %w", err))
		return
	}
	encodeElapsed := time.Since(encodeStart)

	clip := &EncodedClip{
		TakeID:     uuid.New(),
		LineID:     s.LineID,
		WAV:        wav,
		Duration:   time.Duration(stats.Samples) * time.Second / time.Duration(s.config.SampleRate),
		SampleRate: s.config.SampleRate,
		Channels:   s.config.Channels,
		PeakDBFS:   s.meter.PeakDBFS(),
		RMSDBFS:    s.meter.RMSDBFS(),
		CreatedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.clip = clip
	s.phase = PhaseEncoded
	s.touched = time.Now()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordTakeEncoded(clip.Duration.Seconds(), len(clip.WAV), clip.PeakDBFS)
		s.metrics.RecordEncodeDuration(encodeElapsed.Seconds())
	}
	s.logger.Info("Take encoded",
		slog.String("session_id", s.ID.String()),
		slog.String("line_id", s.LineID),
		slog.String("take_id", clip.TakeID.String()),
		slog.Float64("duration_seconds", clip.Duration.Seconds()),
		slog.Int("wav_bytes", len(clip.WAV)),
		slog.Float64("peak_dbfs", clip.PeakDBFS),
	)
}

// fail records the error against its pipeline stage and parks the
// session in the error phase.
func (s *Session) fail(stage string, err error) {
	s.mu.Lock()
	s.lastErr = err
	s.phase = PhaseError
	s.touched = time.Now()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordSessionError(stage)
	}
	s.logger.Error("Recording session failed",
		slog.String("session_id", s.ID.String()),
		slog.String("line_id", s.LineID),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
}
