package capture

import (
	"context"
	"fmt"
	"strings"
)

// Config describes the stream format requested from the input device.
type Config struct {
	SampleRate int
	Channels   int
}

// Validate checks that the requested format is within supported bounds.
func (c Config) Validate() error {
	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		return fmt.Errorf("sample rate must be between 8000 and 192000, got %d", c.SampleRate)
	}
	if c.Channels < 1 || c.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8, got %d", c.Channels)
	}
	return nil
}

// BlockHandler receives interleaved float32 sample blocks from the device
// callback. The slice is reused between calls and must not be retained.
type BlockHandler func(block []float32)

// Backend is the platform audio input behind a recording session.
//
// The lifecycle is Open, Start, Stop, Close. Stop blocks until no
// further handler invocations are in flight, so callers may safely
// flush downstream state once it returns. Close is safe after a
// failed Open.
type Backend interface {
	Open(ctx context.Context, cfg Config, handler BlockHandler) error
	Start() error
	Stop() error
	Close() error
}

// Device identifies a capture device visible to the audio subsystem.
type Device struct {
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// Reason classifies why an input device could not be acquired.
type Reason string

const (
	// ReasonPermissionDenied means the platform refused microphone access.
	ReasonPermissionDenied Reason = "permission_denied"
	// ReasonNoDevice means no usable input device is present.
	ReasonNoDevice Reason = "no_device"
	// ReasonUnsupported means the audio subsystem is unavailable or
	// rejected the requested stream format.
	ReasonUnsupported Reason = "unsupported"
)

// DeviceError reports a failed device acquisition together with a
// classified reason, so callers can surface an actionable message
// instead of a raw platform error.
type DeviceError struct {
	Reason Reason
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("input device unavailable (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("input device unavailable (%s)", e.Reason)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// classifyDeviceError maps a platform failure onto a DeviceError by
// inspecting the reported error text. Unknown failures fall through
// to ReasonUnsupported.
func classifyDeviceError(err error) *DeviceError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied") || strings.Contains(msg, "permission"):
		return &DeviceError{Reason: ReasonPermissionDenied, Err: err}
	case strings.Contains(msg, "no device") || strings.Contains(msg, "device not found") || strings.Contains(msg, "no backend"):
		return &DeviceError{Reason: ReasonNoDevice, Err: err}
	default:
		return &DeviceError{Reason: ReasonUnsupported, Err: err}
	}
}
