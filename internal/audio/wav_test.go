package audio

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func sineSamples(n, sampleRate int, freq, amplitude float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		t := float64(i) / float64(sampleRate)
		out[i] = int16(amplitude * math.Sin(2*math.Pi*freq*t))
	}
	return out
}

func TestEncodeDecodeWAV(t *testing.T) {
	sampleRate := 16000
	samples := sineSamples(1600, sampleRate, 440, 16383)

	wavData, err := EncodeWAV(samples, sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	if len(wavData) != wavHeaderSize+len(samples)*2 {
		t.Errorf("Expected WAV size %d, got %d", wavHeaderSize+len(samples)*2, len(wavData))
	}

	decoded, info, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if info.SampleRate != sampleRate {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, info.SampleRate)
	}
	if info.Channels != 1 || info.BitsPerSample != 16 {
		t.Errorf("Unexpected format: %d channels, %d bits", info.Channels, info.BitsPerSample)
	}
	if info.Duration != 100*time.Millisecond {
		t.Errorf("Expected duration 100ms, got %v", info.Duration)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("Sample %d mismatch: expected %d, got %d", i, samples[i], decoded[i])
		}
	}
}

func TestDecodeWAVSkipsUnknownChunks(t *testing.T) {
	samples := []int16{1, -2, 3, -4}
	wavData, err := EncodeWAV(samples, 8000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	// Insert an odd-sized LIST chunk between fmt and data.
	list := []byte{'L', 'I', 'S', 'T', 3, 0, 0, 0, 'a', 'b', 'c', 0}
	withList := append([]byte{}, wavData[:36]...)
	withList = append(withList, list...)
	withList = append(withList, wavData[36:]...)
	binary.LittleEndian.PutUint32(withList[4:], uint32(len(withList)-8))

	decoded, info, err := DecodeWAV(withList)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if info.NumSamples != len(samples) {
		t.Errorf("Expected %d samples, got %d", len(samples), info.NumSamples)
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("Sample %d mismatch: expected %d, got %d", i, samples[i], decoded[i])
		}
	}
}

func TestDecodeWAVErrors(t *testing.T) {
	valid, err := EncodeWAV([]int16{1, 2, 3}, 8000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	stereo := append([]byte{}, valid...)
	binary.LittleEndian.PutUint16(stereo[22:], 2)

	float := append([]byte{}, valid...)
	binary.LittleEndian.PutUint16(float[20:], 3)

	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte("RIFF")},
		{"bad magic", append([]byte("RIFX"), valid[4:]...)},
		{"stereo", stereo},
		{"float format", float},
		{"no data chunk", valid[:36]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeWAV(tt.data); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestEncodeWAVErrors(t *testing.T) {
	if _, err := EncodeWAV(nil, 16000); err == nil {
		t.Error("Expected error for empty samples")
	}
	if _, err := EncodeWAV([]int16{1}, 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}
}
