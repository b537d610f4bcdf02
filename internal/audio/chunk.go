package audio

import "time"

// Chunk is one unit of captured audio handed from the device callback to the
// session: the same number of samples for every channel, plus the peak
// absolute amplitude across the chunk for UI metering. Chunks are immutable
// after creation and consumed exactly once by the assembler.
type Chunk struct {
	Channels [][]float32
	Peak     float32
}

// NewChunk builds a chunk from per-channel sample buffers and computes its
// peak amplitude. The buffers are owned by the chunk from this point on.
func NewChunk(channels [][]float32) Chunk {
	return Chunk{
		Channels: channels,
		Peak:     PeakAmplitude(channels),
	}
}

// SamplesPerChannel returns the number of samples each channel carries.
func (c Chunk) SamplesPerChannel() int {
	if len(c.Channels) == 0 {
		return 0
	}
	return len(c.Channels[0])
}

// Duration returns the chunk's play time at the given sample rate.
func (c Chunk) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	seconds := float64(c.SamplesPerChannel()) / float64(sampleRate)
	return time.Duration(seconds * float64(time.Second))
}
