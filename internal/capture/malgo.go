package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// MalgoBackend drives the default capture device through the miniaudio
// bindings. The audio thread delivers raw little-endian float32 bytes,
// which are decoded into a reusable block buffer before being handed to
// the registered BlockHandler.
type MalgoBackend struct {
	logger *slog.Logger

	mu       sync.Mutex
	audioCtx *malgo.AllocatedContext
	device   *malgo.Device
	started  bool

	// Written during Open, read by the audio thread between Start and
	// Stop. Never mutated while the device is running.
	handler  BlockHandler
	channels uint32
	block    []float32
}

// NewMalgoBackend creates a backend bound to the default input device.
func NewMalgoBackend(logger *slog.Logger) *MalgoBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &MalgoBackend{logger: logger}
}

// Open acquires the default capture device with the requested format.
// Acquisition failures are returned as a *DeviceError carrying the
// classified reason.
func (b *MalgoBackend) Open(ctx context.Context, cfg Config, handler BlockHandler) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid capture config: %w", err)
	}
	if handler == nil {
		return fmt.Errorf("block handler is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device != nil {
		return fmt.Errorf("capture device already open")
	}

	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		b.logger.Debug("Audio subsystem message", slog.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return classifyDeviceError(fmt.Errorf("init audio context: %w", err))
	}
	release := func() {
		_ = audioCtx.Uninit()
		audioCtx.Free()
	}

	infos, err := audioCtx.Devices(malgo.Capture)
	if err != nil {
		release()
		return classifyDeviceError(fmt.Errorf("enumerate capture devices: %w", err))
	}
	if len(infos) == 0 {
		release()
		return &DeviceError{Reason: ReasonNoDevice, Err: fmt.Errorf("no capture devices found")}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	b.handler = handler
	b.channels = uint32(cfg.Channels)

	device, err := malgo.InitDevice(audioCtx.Context, deviceConfig, malgo.DeviceCallbacks{Data: b.onData})
	if err != nil {
		b.handler = nil
		release()
		return classifyDeviceError(fmt.Errorf("init capture device: %w", err))
	}

	b.audioCtx = audioCtx
	b.device = device

	b.logger.Info("Capture device acquired",
		slog.Int("sample_rate", cfg.SampleRate),
		slog.Int("channels", cfg.Channels),
		slog.Int("devices_visible", len(infos)))

	return nil
}

// Start begins delivering sample blocks to the handler.
func (b *MalgoBackend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device == nil {
		return fmt.Errorf("capture device is not open")
	}
	if b.started {
		return nil
	}
	if err := b.device.Start(); err != nil {
		return fmt.Errorf("start capture device: %w", err)
	}
	b.started = true

	b.logger.Debug("Capture device started")
	return nil
}

// Stop halts sample delivery. It returns only after the device has
// fully stopped, so no handler invocation is in flight afterwards.
func (b *MalgoBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device == nil || !b.started {
		return nil
	}
	if err := b.device.Stop(); err != nil {
		return fmt.Errorf("stop capture device: %w", err)
	}
	b.started = false

	b.logger.Debug("Capture device stopped")
	return nil
}

// Close releases the device and the audio context. It is safe to call
// more than once and after a failed Open.
func (b *MalgoBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device != nil {
		if b.started {
			_ = b.device.Stop()
			b.started = false
		}
		b.device.Uninit()
		b.device = nil
	}
	b.handler = nil
	b.block = nil

	if b.audioCtx == nil {
		return nil
	}
	err := b.audioCtx.Uninit()
	b.audioCtx.Free()
	b.audioCtx = nil
	if err != nil {
		return fmt.Errorf("uninit audio context: %w", err)
	}

	b.logger.Debug("Capture device released")
	return nil
}

// onData runs on the audio thread. It decodes the interleaved float32
// bytes into the reusable block buffer and hands it to the handler.
// No locks and no logging here.
func (b *MalgoBackend) onData(_, input []byte, frameCount uint32) {
	n := int(frameCount) * int(b.channels)
	if avail := len(input) / 4; n > avail {
		n = avail
	}
	if n == 0 {
		return
	}

	if cap(b.block) < n {
		b.block = make([]float32, n)
	}
	block := b.block[:n]
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(input[i*4 : i*4+4])
		block[i] = math.Float32frombits(bits)
	}

	b.handler(block)
}

// ListDevices enumerates the capture devices visible to the platform
// audio subsystem without acquiring any of them.
func ListDevices() ([]Device, error) {
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, classifyDeviceError(fmt.Errorf("init audio context: %w", err))
	}
	defer func() {
		_ = audioCtx.Uninit()
		audioCtx.Free()
	}()

	infos, err := audioCtx.Devices(malgo.Capture)
	if err != nil {
		return nil, classifyDeviceError(fmt.Errorf("enumerate capture devices: %w", err))
	}

	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, Device{
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	return devices, nil
}
