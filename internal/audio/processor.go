package audio

import (
	"fmt"
	"sync/atomic"
)

// Capture defaults and validation bounds.
const (
	DefaultGain           = 1.5
	DefaultFlushThreshold = 4096

	MinFlushThreshold = 128
	MaxFlushThreshold = 16384

	MinGain = 0.1
	MaxGain = 4.0
)

// Processor shapes raw device blocks into chunks on the device callback
// thread. It applies a fixed linear gain, hard-clips every sample to [-1, 1]
// so nothing overflows during encoding, and accumulates samples per channel
// until the flush threshold is reached, at which point one Chunk is emitted.
// The accumulation buffers are reused between chunks, so the steady-state
// callback path does not allocate; only chunk emission does.
type Processor struct {
	channels  int
	gain      float32
	threshold int
	emit      func(Chunk)

	// Accumulation buffers, reset after each emit. Touched only by the
	// device callback thread until Flush.
	pending [][]float32

	stopped atomic.Bool
	chunks  atomic.Uint64
	samples atomic.Uint64
}

// NewProcessor creates a processor emitting chunks through the given
// callback.
func NewProcessor(channels int, gain float32, flushThreshold int, emit func(Chunk)) (*Processor, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}
	if gain < MinGain || gain > MaxGain {
		return nil, fmt.Errorf("gain must be between %.1f and %.1f, got %.2f", MinGain, MaxGain, gain)
	}
	if flushThreshold < MinFlushThreshold || flushThreshold > MaxFlushThreshold {
		return nil, fmt.Errorf("flush threshold must be between %d and %d, got %d",
			MinFlushThreshold, MaxFlushThreshold, flushThreshold)
	}
	if emit == nil {
		return nil, fmt.Errorf("emit callback is required")
	}

	pending := make([][]float32, channels)
	for i := range pending {
		pending[i] = make([]float32, 0, flushThreshold)
	}

	return &Processor{
		channels:  channels,
		gain:      gain,
		threshold: flushThreshold,
		emit:      emit,
		pending:   pending,
	}, nil
}

// Process consumes one interleaved block from the device. Frame layout is
// ch0,ch1,... per frame; a trailing partial frame is dropped. Called from the
// device callback thread only. A no-op once Flush has run.
func (p *Processor) Process(block []float32) {
	if p.stopped.Load() {
		return
	}

	frames := len(block) / p.channels
	for f := 0; f < frames; f++ {
		base := f * p.channels
		for ch := 0; ch < p.channels; ch++ {
			v := block[base+ch] * p.gain
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			p.pending[ch] = append(p.pending[ch], v)
		}
		if len(p.pending[0]) >= p.threshold {
			p.flushPending()
		}
	}
	p.samples.Add(uint64(frames))
}

// Flush emits any partially filled buffer as a final short chunk and stops
// the processor. Idempotent. Must only be called after the device has
// stopped delivering blocks; Process and Flush may not run concurrently.
func (p *Processor) Flush() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	if len(p.pending[0]) > 0 {
		p.flushPending()
	}
}

// flushPending copies the accumulated samples into a fresh chunk and resets
// the accumulation buffers without releasing their capacity.
func (p *Processor) flushPending() {
	channels := make([][]float32, p.channels)
	for ch := range p.pending {
		channels[ch] = make([]float32, len(p.pending[ch]))
		copy(channels[ch], p.pending[ch])
		p.pending[ch] = p.pending[ch][:0]
	}
	p.emit(NewChunk(channels))
	p.chunks.Add(1)
}

// ChunksEmitted returns the number of chunks emitted so far.
func (p *Processor) ChunksEmitted() uint64 {
	return p.chunks.Load()
}

// SamplesProcessed returns the number of frames consumed per channel.
func (p *Processor) SamplesProcessed() uint64 {
	return p.samples.Load()
}

// Stopped reports whether Flush has run.
func (p *Processor) Stopped() bool {
	return p.stopped.Load()
}
