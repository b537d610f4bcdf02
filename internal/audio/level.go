package audio

import (
	"math"
	"sync/atomic"
)

// Floor applied when converting silence to decibels.
const silenceFloorDB = -96.0

// PeakAmplitude returns the largest absolute sample value across all
// channels.
func PeakAmplitude(channels [][]float32) float32 {
	var peak float32
	for _, ch := range channels {
		for _, v := range ch {
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
	}
	return peak
}

// RMSLevel returns the root mean square level across all channels.
func RMSLevel(channels [][]float32) float64 {
	var sum float64
	var count int
	for _, ch := range channels {
		for _, v := range ch {
			sum += float64(v) * float64(v)
		}
		count += len(ch)
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}

// ToDBFS converts a linear level in [0, 1] to decibels relative to full
// scale, flooring silence at -96 dB.
func ToDBFS(level float64) float64 {
	if level <= 0 {
		return silenceFloorDB
	}
	db := 20 * math.Log10(level)
	if db < silenceFloorDB {
		return silenceFloorDB
	}
	return db
}

// Meter tracks the running peak and the most recent chunk's RMS level for a
// take. Update runs on the session's drain goroutine while the monitoring
// surface polls concurrently, so levels are stored as atomic float bits.
type Meter struct {
	peakBits atomic.Uint64
	rmsBits  atomic.Uint64
}

// Update folds one chunk into the meter.
func (m *Meter) Update(c Chunk) {
	peak := float64(c.Peak)
	for {
		old := m.peakBits.Load()
		if math.Float64frombits(old) >= peak {
			break
		}
		if m.peakBits.CompareAndSwap(old, math.Float64bits(peak)) {
			break
		}
	}
	m.rmsBits.Store(math.Float64bits(RMSLevel(c.Channels)))
}

// Peak returns the highest amplitude seen since the take began.
func (m *Meter) Peak() float64 {
	return math.Float64frombits(m.peakBits.Load())
}

// RMS returns the level of the most recently metered chunk.
func (m *Meter) RMS() float64 {
	return math.Float64frombits(m.rmsBits.Load())
}

// PeakDBFS returns the running peak in decibels relative to full scale.
func (m *Meter) PeakDBFS() float64 {
	return ToDBFS(m.Peak())
}

// RMSDBFS returns the most recent RMS level in decibels relative to full
// scale.
func (m *Meter) RMSDBFS() float64 {
	return ToDBFS(m.RMS())
}
