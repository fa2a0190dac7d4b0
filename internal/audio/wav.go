package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const wavHeaderSize = 44

// wavHeader is the canonical 44-byte header written for mono PCM-16.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// WAVInfo describes a decoded WAV payload.
type WAVInfo struct {
	SampleRate    int           `json:"sample_rate"`
	Channels      int           `json:"channels"`
	BitsPerSample int           `json:"bits_per_sample"`
	NumSamples    int           `json:"num_samples"`
	Duration      time.Duration `json:"duration"`
}

// EncodeWAV encodes mono PCM-16 samples into a WAV file image.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(samples) * 2)
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeWAV decodes a mono PCM-16 WAV image. Chunks other than "fmt " and
// "data" (LIST, fact, ...) are skipped.
func DecodeWAV(data []byte) ([]int16, *WAVInfo, error) {
	if len(data) < 12 {
		return nil, nil, fmt.Errorf("WAV data too short: %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, nil, fmt.Errorf("invalid WAV file: missing RIFF/WAVE header")
	}

	var info WAVInfo
	var format uint16
	haveFmt := false
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			if id == "data" {
				// Streamed writers leave the data size unset; take what is there.
				size = len(data) - body
			} else {
				return nil, nil, fmt.Errorf("invalid WAV file: chunk %q overruns data", id)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, nil, fmt.Errorf("invalid WAV file: fmt chunk too short")
			}
			format = binary.LittleEndian.Uint16(data[body:])
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, nil, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			if format != 1 {
				return nil, nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", format)
			}
			if info.BitsPerSample != 16 {
				return nil, nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", info.BitsPerSample)
			}
			if info.Channels != 1 {
				return nil, nil, fmt.Errorf("unsupported channel count: %d (only mono is supported)", info.Channels)
			}
			if info.SampleRate <= 0 {
				return nil, nil, fmt.Errorf("invalid sample rate: %d", info.SampleRate)
			}
			samples, err := DecodePCM16(data[body : body+size-size%2])
			if err != nil {
				return nil, nil, err
			}
			info.NumSamples = len(samples)
			info.Duration = time.Duration(len(samples)) * time.Second / time.Duration(info.SampleRate)
			return samples, &info, nil
		}

		pos = body + size + size%2
	}
	return nil, nil, fmt.Errorf("invalid WAV file: missing data chunk")
}
