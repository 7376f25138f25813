package audio

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/skypro1111/voice-agent-service/internal/protocol"
)

func sineSamples(sampleRate int, duration time.Duration, frequency, amplitude float64) []int16 {
	numSamples := int(float64(sampleRate) * duration.Seconds())
	samples := make([]int16, numSamples)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(amplitude * math.Sin(2*math.Pi*frequency*t))
	}
	return samples
}

func TestEncodeWAV(t *testing.T) {
	sampleRate := 16000
	pcm := protocol.EncodePCM16(sineSamples(sampleRate, 100*time.Millisecond, 440, 16383))

	wavData, err := EncodeWAV(pcm, sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	expectedSize := 44 + len(pcm)
	if len(wavData) != expectedSize {
		t.Errorf("Expected WAV size %d, got %d", expectedSize, len(wavData))
	}

	if err := ValidateWAV(wavData); err != nil {
		t.Errorf("Generated WAV is invalid: %v", err)
	}

	info, err := GetWAVInfo(wavData)
	if err != nil {
		t.Fatalf("Failed to get WAV info: %v", err)
	}

	if info.SampleRate != uint32(sampleRate) {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, info.SampleRate)
	}
	if info.Channels != 1 {
		t.Errorf("Expected 1 channel, got %d", info.Channels)
	}
	if info.BitsPerSample != 16 {
		t.Errorf("Expected 16 bits per sample, got %d", info.BitsPerSample)
	}
	if info.Duration != 100*time.Millisecond {
		t.Errorf("Expected duration 100ms, got %v", info.Duration)
	}
}

func TestEncodeDecodeWAV(t *testing.T) {
	pcm := protocol.EncodePCM16([]int16{1, -1, 1000, -1000, 32767})

	wavData, err := EncodeWAV(pcm, 8000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	decoded, rate, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if rate != 8000 {
		t.Errorf("Expected sample rate 8000, got %d", rate)
	}
	if !bytes.Equal(decoded, pcm) {
		t.Errorf("Decoded PCM does not match input")
	}
}

func TestEncodeWAVDropsOddByte(t *testing.T) {
	wavData, err := EncodeWAV([]byte{1, 0, 2, 0, 3}, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	if len(wavData) != 44+4 {
		t.Errorf("Expected %d bytes, got %d", 44+4, len(wavData))
	}
}

func TestEncodeWAVErrors(t *testing.T) {
	tests := []struct {
		name       string
		pcm        []byte
		sampleRate int
		errorMsg   string
	}{
		{"empty audio", nil, 16000, "empty audio"},
		{"single byte", []byte{1}, 16000, "empty audio"},
		{"zero sample rate", []byte{1, 0}, 0, "sample rate must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeWAV(tt.pcm, tt.sampleRate)
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestDecodeWAVErrors(t *testing.T) {
	valid, _ := EncodeWAV([]byte{1, 0, 2, 0}, 16000)

	badRIFF := append([]byte(nil), valid...)
	copy(badRIFF, "RIFX")

	truncated := valid[:len(valid)-2]

	tests := []struct {
		name     string
		data     []byte
		errorMsg string
	}{
		{"too short", []byte("RIFF"), "too short"},
		{"bad riff", badRIFF, "missing RIFF header"},
		{"truncated data", truncated, "truncated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeWAV(tt.data)
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}
