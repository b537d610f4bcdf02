package playback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Source is a decoded clip ready for the audio sink: interleaved
// float frames plus the format needed to open an output device.
// Immutable once built.
type Source struct {
	SampleRate int
	Channels   int

	samples []float32 // interleaved, one frame per channel group
}

// NewSource decodes a WAV payload into a playback source. Samples are
// scaled to [-1, 1] from the file's bit depth; a trailing partial
// frame is dropped.
func NewSource(data []byte) (*Source, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("decode clip: not a valid WAV file")
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode clip: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("decode clip: missing format description")
	}

	bitDepth := int(decoder.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	samples, err := frameSamples(buf, bitDepth)
	if err != nil {
		return nil, fmt.Errorf("decode clip: %w", err)
	}

	return &Source{
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
		samples:    samples,
	}, nil
}

// frameSamples scales a decoded PCM buffer to interleaved floats in
// [-1, 1], dropping a trailing partial frame.
func frameSamples(buf *audio.IntBuffer, bitDepth int) ([]float32, error) {
	channels := buf.Format.NumChannels
	frames := len(buf.Data) / channels
	if frames == 0 {
		return nil, fmt.Errorf("no audio frames")
	}

	scale := float32(int64(1) << (bitDepth - 1))
	samples := make([]float32, frames*channels)
	for i := range samples {
		v := float32(buf.Data[i]) / scale
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		samples[i] = v
	}
	return samples, nil
}

// Fetch downloads a remote clip and decodes it, for re-record review
// against a previously uploaded take.
func Fetch(ctx context.Context, client *http.Client, url string) (*Source, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch clip: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch clip: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch clip: server returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch clip: read body: %w", err)
	}

	return NewSource(data)
}

// Frames returns the number of frames in the source.
func (s *Source) Frames() int {
	return len(s.samples) / s.Channels
}

// Duration returns the source's play time.
func (s *Source) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(s.Frames()) * time.Second / time.Duration(s.SampleRate)
}

// Interleaved returns the source's samples in frame order. The slice
// is shared; callers must not modify it.
func (s *Source) Interleaved() []float32 {
	return s.samples
}
