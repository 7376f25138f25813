package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// wavHeaderSize is the canonical 44-byte RIFF/WAVE PCM header
const wavHeaderSize = 44

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVInfo returns basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32        `json:"sample_rate"`
	Channels      uint16        `json:"channels"`
	BitsPerSample uint16        `json:"bits_per_sample"`
	Duration      time.Duration `json:"duration"`
	DataSize      uint32        `json:"data_size_bytes"`
	NumSamples    uint32        `json:"num_samples"`
}

// EncodeWAV wraps mono little-endian PCM16 bytes in a WAV container.
// A trailing odd byte is dropped.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	dataSize := len(pcm) &^ 1
	if dataSize == 0 {
		return nil, fmt.Errorf("cannot encode empty audio")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	const (
		numChannels   = uint16(1)
		bitsPerSample = uint16(16)
	)

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + dataSize),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(dataSize),
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+dataSize))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	buf.Write(pcm[:dataSize])

	return buf.Bytes(), nil
}

// DecodeWAV returns the PCM16 payload and sample rate of a mono PCM WAV file
func DecodeWAV(data []byte) ([]byte, int, error) {
	header, err := readHeader(data)
	if err != nil {
		return nil, 0, err
	}

	if header.AudioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}

	if header.BitsPerSample != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", header.BitsPerSample)
	}

	if header.NumChannels != 1 {
		return nil, 0, fmt.Errorf("unsupported channel count: %d (only mono is supported)", header.NumChannels)
	}

	end := wavHeaderSize + int(header.Subchunk2Size)
	if header.Subchunk2Size == 0 {
		return nil, 0, fmt.Errorf("no audio data found")
	}
	if end > len(data) {
		return nil, 0, fmt.Errorf("WAV data truncated: header declares %d bytes, got %d",
			header.Subchunk2Size, len(data)-wavHeaderSize)
	}

	return data[wavHeaderSize:end], int(header.SampleRate), nil
}

// ValidateWAV validates a WAV file format without decoding the audio data
func ValidateWAV(data []byte) error {
	_, err := readHeader(data)
	return err
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	header, err := readHeader(data)
	if err != nil {
		return nil, err
	}

	if header.SampleRate == 0 || header.BitsPerSample == 0 {
		return nil, fmt.Errorf("invalid WAV header: zero sample rate or bit depth")
	}

	frameBytes := uint32(header.BitsPerSample) / 8 * uint32(header.NumChannels)
	if frameBytes == 0 {
		return nil, fmt.Errorf("invalid WAV header: zero channels")
	}
	numSamples := header.Subchunk2Size / frameBytes

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      time.Duration(numSamples) * time.Second / time.Duration(header.SampleRate),
		DataSize:      header.Subchunk2Size,
		NumSamples:    numSamples,
	}, nil
}

func readHeader(data []byte) (*WAVHeader, error) {
	if len(data) < wavHeaderSize {
		return nil, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	switch {
	case string(header.ChunkID[:]) != "RIFF":
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	case string(header.Format[:]) != "WAVE":
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	case string(header.Subchunk1ID[:]) != "fmt ":
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	case string(header.Subchunk2ID[:]) != "data":
		return nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return &header, nil
}
