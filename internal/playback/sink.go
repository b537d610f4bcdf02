package playback

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// SpeakerSink renders one source through the default output device via
// the miniaudio bindings. A sink serves a single playback cycle;
// create a fresh one per review.
type SpeakerSink struct {
	logger *slog.Logger

	mu       sync.Mutex
	audioCtx *malgo.AllocatedContext
	device   *malgo.Device
	playing  bool
	used     bool

	// Written during Play, read by the audio thread until the device
	// stops. The cursor is owned by the audio thread.
	src    *Source
	cursor int

	done     chan struct{}
	doneOnce sync.Once
}

// NewSpeakerSink creates a sink bound to the default output device.
func NewSpeakerSink(logger *slog.Logger) *SpeakerSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpeakerSink{
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Play opens the output device with the source's format and starts
// rendering from the first frame.
func (s *SpeakerSink) Play(src *Source) error {
	if src == nil || len(src.samples) == 0 {
		return fmt.Errorf("playback source is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.used {
		return fmt.Errorf("speaker sink already used")
	}
	s.used = true

	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		s.logger.Debug("Audio subsystem message", slog.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	release := func() {
		_ = audioCtx.Uninit()
		audioCtx.Free()
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = uint32(src.Channels)
	deviceConfig.SampleRate = uint32(src.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	s.src = src
	s.cursor = 0

	device, err := malgo.InitDevice(audioCtx.Context, deviceConfig, malgo.DeviceCallbacks{Data: s.onFrames})
	if err != nil {
		s.src = nil
		release()
		return fmt.Errorf("init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		s.src = nil
		release()
		return fmt.Errorf("start playback device: %w", err)
	}

	s.audioCtx = audioCtx
	s.device = device
	s.playing = true

	s.logger.Info("Playback device started",
		slog.Int("sample_rate", src.SampleRate),
		slog.Int("channels", src.Channels),
		slog.Float64("duration_seconds", src.Duration().Seconds()),
	)
	return nil
}

// Stop halts rendering and releases the device. Idempotent; it also
// closes Done so waiters never leak.
func (s *SpeakerSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.signalDone()

	if s.device != nil {
		if s.playing {
			_ = s.device.Stop()
			s.playing = false
		}
		s.device.Uninit()
		s.device = nil
	}
	s.src = nil

	if s.audioCtx != nil {
		if err := s.audioCtx.Uninit(); err != nil {
			s.logger.Warn("Error releasing audio context", slog.String("error", err.Error()))
		}
		s.audioCtx.Free()
		s.audioCtx = nil
		s.logger.Debug("Playback device released")
	}
}

// Done is closed once every frame has been handed to the device, or
// the sink was stopped.
func (s *SpeakerSink) Done() <-chan struct{} {
	return s.done
}

func (s *SpeakerSink) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// onFrames runs on the audio thread. It copies the next interleaved
// frames into the device buffer, pads with silence once the source is
// exhausted and signals completion on the first underfilled period.
// No locks and no logging here.
func (s *SpeakerSink) onFrames(output, _ []byte, frameCount uint32) {
	samples := s.src.Interleaved()
	n := int(frameCount) * s.src.Channels
	if avail := len(output) / 4; n > avail {
		n = avail
	}

	take := len(samples) - s.cursor
	if take > n {
		take = n
	}
	for i := 0; i < take; i++ {
		bits := math.Float32bits(samples[s.cursor+i])
		binary.LittleEndian.PutUint32(output[i*4:i*4+4], bits)
	}
	for i := take * 4; i < n*4; i++ {
		output[i] = 0
	}
	s.cursor += take

	if take < n {
		s.signalDone()
	}
}
