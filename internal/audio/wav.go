package audio

import (
	"encoding/binary"
	"fmt"
)

const wavHeaderSize = 44

// WAVInfo describes the format of an encoded segment
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	NumSamples    uint32  `json:"num_samples"`
}

// EncodeWAV encodes mono PCM-16 samples as a self-contained WAV segment
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	const channels, bitsPerSample = 1, 16
	dataSize := len(samples) * 2
	out := make([]byte, wavHeaderSize+dataSize)

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataSize))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(out[22:24], channels)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*channels*bitsPerSample/8))
	binary.LittleEndian.PutUint16(out[32:34], channels*bitsPerSample/8)
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataSize))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[wavHeaderSize+i*2:], uint16(s))
	}

	return out, nil
}

// InspectWAV validates the header of a segment and returns its format
func InspectWAV(data []byte) (*WAVInfo, error) {
	if len(data) < wavHeaderSize {
		return nil, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}
	if string(data[12:16]) != "fmt " {
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if string(data[36:40]) != "data" {
		return nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}

	info := &WAVInfo{
		Channels:      binary.LittleEndian.Uint16(data[22:24]),
		SampleRate:    binary.LittleEndian.Uint32(data[24:28]),
		BitsPerSample: binary.LittleEndian.Uint16(data[34:36]),
	}
	if info.SampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}
	if format := binary.LittleEndian.Uint16(data[20:22]); format != 1 {
		return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", format)
	}
	if info.BitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", info.BitsPerSample)
	}

	dataSize := binary.LittleEndian.Uint32(data[40:44])
	info.NumSamples = dataSize / 2 / uint32(max(info.Channels, 1))
	info.Duration = float64(info.NumSamples) / float64(info.SampleRate)

	return info, nil
}

// DecodeWAV decodes a mono PCM-16 segment back to samples
func DecodeWAV(data []byte) ([]int16, int, error) {
	info, err := InspectWAV(data)
	if err != nil {
		return nil, 0, err
	}
	if info.Channels != 1 {
		return nil, 0, fmt.Errorf("unsupported channel count: %d (only mono is supported)", info.Channels)
	}

	payload := data[wavHeaderSize:]
	n := int(info.NumSamples)
	if n <= 0 {
		return nil, 0, fmt.Errorf("no audio data found")
	}
	if len(payload) < n*2 {
		return nil, 0, fmt.Errorf("WAV data truncated: header declares %d samples, have %d bytes", n, len(payload))
	}

	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return samples, int(info.SampleRate), nil
}
