package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrChannelLengthMismatch is returned when per-channel buffers do not carry
// the same number of samples. The assembler guarantees equal lengths, so
// hitting this is a defect in the caller rather than a user-facing
// condition.
var ErrChannelLengthMismatch = errors.New("channel sample counts differ")

// WAVHeader represents the canonical 44-byte header of a 16-bit PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// EncodeWAV serializes per-channel float samples into a 16-bit PCM WAV file.
// Every sample is clamped to [-1, 1], scaled by 32767 and written as a
// little-endian signed 16-bit integer; channels are interleaved per frame
// (frame 0: ch0,ch1,...; frame 1: ch0,ch1,...). The output is byte-for-byte
// deterministic for a given input.
func EncodeWAV(channels [][]float32, sampleRate int) ([]byte, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	samplesPerChannel := len(channels[0])
	for i, ch := range channels {
		if len(ch) != samplesPerChannel {
			return nil, fmt.Errorf("%w: channel 0 has %d samples, channel %d has %d",
				ErrChannelLengthMismatch, samplesPerChannel, i, len(ch))
		}
	}
	if samplesPerChannel == 0 {
		return nil, fmt.Errorf("cannot encode empty audio buffers")
	}

	numChannels := uint16(len(channels))
	bitsPerSample := uint16(16)
	dataSize := uint32(samplesPerChannel * len(channels) * 2)
	fileSize := 36 + dataSize

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     fileSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	// Quantize and interleave: frame f carries channels[0][f], channels[1][f], ...
	pcm := make([]int16, samplesPerChannel*len(channels))
	for f := 0; f < samplesPerChannel; f++ {
		base := f * len(channels)
		for ch := range channels {
			v := channels[ch][f]
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			pcm[base+ch] = int16(v * 32767)
		}
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)*2))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, pcm); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// ValidateWAV validates a WAV file's framing without decoding the audio data
func ValidateWAV(data []byte) error {
	if len(data) < 44 {
		return fmt.Errorf("WAV data too short: need at least 44 bytes, got %d", len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}
	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return nil
}

// GetWAVDuration calculates the duration of a WAV file in seconds
func GetWAVDuration(data []byte) (float64, error) {
	info, err := GetWAVInfo(data)
	if err != nil {
		return 0, err
	}
	return info.Duration, nil
}

// WAVInfo holds the metadata declared by a WAV file's header
type WAVInfo struct {
	SampleRate        uint32  `json:"sample_rate"`
	Channels          uint16  `json:"channels"`
	BitsPerSample     uint16  `json:"bits_per_sample"`
	Duration          float64 `json:"duration_seconds"`
	DataSize          uint32  `json:"data_size_bytes"`
	SamplesPerChannel uint32  `json:"samples_per_channel"`
}

// GetWAVInfo extracts metadata from a WAV file's header
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, err
	}

	buf := bytes.NewReader(data)
	var header WAVHeader
	if err := binary.Read(buf, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if header.AudioFormat != 1 {
		return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}
	if header.SampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}
	if header.BlockAlign == 0 {
		return nil, fmt.Errorf("invalid block align: 0")
	}

	samplesPerChannel := header.Subchunk2Size / uint32(header.BlockAlign)
	duration := float64(samplesPerChannel) / float64(header.SampleRate)

	return &WAVInfo{
		SampleRate:        header.SampleRate,
		Channels:          header.NumChannels,
		BitsPerSample:     header.BitsPerSample,
		Duration:          duration,
		DataSize:          header.Subchunk2Size,
		SamplesPerChannel: samplesPerChannel,
	}, nil
}
