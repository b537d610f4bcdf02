package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrEmptyRecording is returned by Finalize when no samples were ever
// accepted, e.g. the performer stopped before the device delivered any data.
// Callers treat it as "nothing recorded", not as a failure.
var ErrEmptyRecording = errors.New("no samples recorded")

// Assembler accumulates chunks into one contiguous sample buffer per channel
// and tracks elapsed recording time against the take's target duration.
// Elapsed time is derived from the accepted sample count alone, so the cap
// holds under wall-clock drift. When the accumulated time crosses the target
// the assembler fires its limit callback exactly once; the owning session
// uses that to stop the device, and because the crossing chunk is still
// accepted in full the overshoot is bounded by a single chunk.
type Assembler struct {
	channels   int
	sampleRate int
	target     float64 // seconds
	onLimit    func()

	buffers   [][]float32
	samples   int
	chunks    uint64
	limitHit  bool
	finalized bool

	mu sync.RWMutex
}

// AssemblerStats represents assembler progress for monitoring.
type AssemblerStats struct {
	Channels       int     `json:"channels"`
	SampleRate     int     `json:"sample_rate"`
	Samples        int     `json:"samples_per_channel"`
	ChunksAccepted uint64  `json:"chunks_accepted"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	TargetSeconds  float64 `json:"target_seconds"`
	LimitReached   bool    `json:"limit_reached"`
}

// NewAssembler creates an assembler for one take. The limit callback may be
// nil; it runs on the goroutine that calls Accept, outside the assembler's
// lock.
func NewAssembler(channels, sampleRate int, target time.Duration, onLimit func()) (*Assembler, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if target <= 0 {
		return nil, fmt.Errorf("target duration must be positive, got %v", target)
	}

	buffers := make([][]float32, channels)
	for i := range buffers {
		buffers[i] = make([]float32, 0, sampleRate)
	}

	return &Assembler{
		channels:   channels,
		sampleRate: sampleRate,
		target:     target.Seconds(),
		onLimit:    onLimit,
		buffers:    buffers,
	}, nil
}

// Accept appends one chunk's samples to the per-channel buffers in arrival
// order. The chunk must carry the assembler's channel count with equal
// sample counts per channel; anything else is a defect upstream.
func (a *Assembler) Accept(c Chunk) error {
	a.mu.Lock()
	if a.finalized {
		a.mu.Unlock()
		return fmt.Errorf("assembler already finalized")
	}
	if len(c.Channels) != a.channels {
		a.mu.Unlock()
		return fmt.Errorf("chunk has %d channels, assembler expects %d", len(c.Channels), a.channels)
	}
	n := c.SamplesPerChannel()
	for i, ch := range c.Channels {
		if len(ch) != n {
			a.mu.Unlock()
			return fmt.Errorf("%w: channel 0 has %d samples, channel %d has %d",
				ErrChannelLengthMismatch, n, i, len(ch))
		}
	}

	for i, ch := range c.Channels {
		a.buffers[i] = append(a.buffers[i], ch...)
	}
	a.samples += n
	a.chunks++

	crossed := !a.limitHit && a.elapsedSecondsLocked() >= a.target
	if crossed {
		a.limitHit = true
	}
	onLimit := a.onLimit
	a.mu.Unlock()

	if crossed && onLimit != nil {
		onLimit()
	}
	return nil
}

// elapsedSecondsLocked derives elapsed time from the sample count.
func (a *Assembler) elapsedSecondsLocked() float64 {
	return float64(a.samples) / float64(a.sampleRate)
}

// ElapsedSeconds returns recorded time as floating-point seconds, the unit
// the target comparison uses.
func (a *Assembler) ElapsedSeconds() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.elapsedSecondsLocked()
}

// Elapsed returns recorded time as a duration.
func (a *Assembler) Elapsed() time.Duration {
	return time.Duration(a.ElapsedSeconds() * float64(time.Second))
}

// Samples returns the number of samples accumulated per channel.
func (a *Assembler) Samples() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.samples
}

// LimitReached reports whether the target duration has been crossed.
func (a *Assembler) LimitReached() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.limitHit
}

// Finalize hands over the per-channel buffers. It fails with
// ErrEmptyRecording when no samples were accepted. The assembler must not be
// used after Finalize.
func (a *Assembler) Finalize() ([][]float32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return nil, fmt.Errorf("assembler already finalized")
	}
	a.finalized = true

	if a.samples == 0 {
		return nil, ErrEmptyRecording
	}
	return a.buffers, nil
}

// GetStats returns current assembler statistics.
func (a *Assembler) GetStats() AssemblerStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return AssemblerStats{
		Channels:       a.channels,
		SampleRate:     a.sampleRate,
		Samples:        a.samples,
		ChunksAccepted: a.chunks,
		ElapsedSeconds: a.elapsedSecondsLocked(),
		TargetSeconds:  a.target,
		LimitReached:   a.limitHit,
	}
}
