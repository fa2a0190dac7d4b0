package protocol

import (
	"encoding/binary"
	"fmt"
)

// Wire constants for the frame feed
const (
	// Packet types
	PacketTypeStart = 0x01
	PacketTypeAudio = 0x02
	PacketTypeFlush = 0x03
	PacketTypeStop  = 0x04

	// Version carried in every header
	Version1 = 0x01

	// Packet structure sizes
	HeaderSize             = 8  // 1 + 2 + 4 + 1 bytes
	StartPayloadSize       = 70 // 4 + 2 + 64 bytes
	AudioPayloadHeaderSize = 12 // sequence + capture offset

	LabelSize = 64
)

// Header represents the 8-byte TLV packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Version:1]
type Header struct {
	PacketType uint8
	PacketLen  uint16 // header + payload
	StreamID   uint32
	Version    uint8
}

// StartPayload opens a stream.
// Layout: [SampleRate:4][FrameMs:2][Label:64]
type StartPayload struct {
	SampleRate uint32
	FrameMs    uint16
	Label      [LabelSize]byte // null-terminated
}

// AudioPayload carries one frame of PCM-16LE mono audio.
// Layout: [Sequence:4][OffsetMicros:8][AudioData:N]
type AudioPayload struct {
	Sequence     uint32
	OffsetMicros uint64 // capture offset of the first sample
	AudioData    []byte
}

// ParsedPacket represents a fully parsed TLV packet
type ParsedPacket struct {
	Header *Header
	Start  *StartPayload // only set for start packets
	Audio  *AudioPayload // only set for audio packets
}

// ParseHeader parses the 8-byte TLV packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Version:    data[7],
	}, nil
}

// ParseStartPayload parses the 70-byte start payload
func ParseStartPayload(data []byte) (*StartPayload, error) {
	if len(data) < StartPayloadSize {
		return nil, fmt.Errorf("start payload too short: expected %d bytes, got %d", StartPayloadSize, len(data))
	}

	payload := &StartPayload{
		SampleRate: binary.BigEndian.Uint32(data[0:4]),
		FrameMs:    binary.BigEndian.Uint16(data[4:6]),
	}
	copy(payload.Label[:], data[6:6+LabelSize])
	return payload, nil
}

// ParseAudioPayload parses the audio payload (sequence, offset, samples)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence:     binary.BigEndian.Uint32(data[0:4]),
		OffsetMicros: binary.BigEndian.Uint64(data[4:12]),
	}
	if len(data) > AudioPayloadHeaderSize {
		payload.AudioData = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.AudioData, data[AudioPayloadHeaderSize:])
	}
	return payload, nil
}

// ParsePacket parses a complete TLV packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeStart:
		payload, err := ParseStartPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse start payload: %w", err)
		}
		packet.Start = payload
	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}
	if header.Version != Version1 {
		return fmt.Errorf("unsupported version: 0x%02x", header.Version)
	}
	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeStart:
		if payloadSize != StartPayloadSize {
			return fmt.Errorf("start packet payload size mismatch: expected %d, got %d",
				StartPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
		if (payloadSize-AudioPayloadHeaderSize)%2 != 0 {
			return fmt.Errorf("audio packet carries odd byte count %d", payloadSize-AudioPayloadHeaderSize)
		}
	case PacketTypeFlush, PacketTypeStop:
		if payloadSize != 0 {
			return fmt.Errorf("control packet must not carry a payload, got %d bytes", payloadSize)
		}
	}
	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype >= PacketTypeStart && ptype <= PacketTypeStop
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// GetLabel returns the stream label as a string
func (s *StartPayload) GetLabel() string {
	return ExtractString(s.Label[:])
}

// EncodeStart builds a start packet.
func EncodeStart(streamID, sampleRate uint32, frameMs uint16, label string) []byte {
	buf := make([]byte, HeaderSize+StartPayloadSize)
	putHeader(buf, PacketTypeStart, streamID)
	binary.BigEndian.PutUint32(buf[HeaderSize:], sampleRate)
	binary.BigEndian.PutUint16(buf[HeaderSize+4:], frameMs)
	copy(buf[HeaderSize+6:HeaderSize+6+LabelSize-1], label)
	return buf
}

// EncodeAudio builds an audio packet.
func EncodeAudio(streamID, seq uint32, offsetMicros uint64, pcm []byte) []byte {
	buf := make([]byte, HeaderSize+AudioPayloadHeaderSize+len(pcm))
	putHeader(buf, PacketTypeAudio, streamID)
	binary.BigEndian.PutUint32(buf[HeaderSize:], seq)
	binary.BigEndian.PutUint64(buf[HeaderSize+4:], offsetMicros)
	copy(buf[HeaderSize+AudioPayloadHeaderSize:], pcm)
	return buf
}

// EncodeControl builds a flush or stop packet.
func EncodeControl(packetType uint8, streamID uint32) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, packetType, streamID)
	return buf
}

func putHeader(buf []byte, packetType uint8, streamID uint32) {
	buf[0] = packetType
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(buf)))
	binary.BigEndian.PutUint32(buf[3:7], streamID)
	buf[7] = Version1
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string
	switch h.PacketType {
	case PacketTypeStart:
		packetType = "Start"
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeFlush:
		packetType = "Flush"
	case PacketTypeStop:
		packetType = "Stop"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}
	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Version:%d}",
		packetType, h.PacketLen, h.StreamID, h.Version)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, Offset:%dus, AudioDataLen:%d}", a.Sequence, a.OffsetMicros, len(a.AudioData))
}
