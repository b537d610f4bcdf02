// Package capture abstracts the platform audio input used for voice-over
// recording. It defines the Backend interface consumed by recording
// sessions, classifies device acquisition failures into actionable
// reasons, and provides a miniaudio-based implementation that delivers
// interleaved float32 sample blocks from the default input device.
package capture
