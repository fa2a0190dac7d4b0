package server

import (
	"net"
	"testing"

	"github.com/vanta-voice/listener/internal/audio"
	"github.com/vanta-voice/listener/internal/config"
	"github.com/vanta-voice/listener/internal/protocol"
	"github.com/vanta-voice/listener/internal/stream"
)

type udpHarness struct {
	server  *UDPServer
	streams *stream.Manager
	sub     *recordingSubmitter
	conn    net.Conn
	seq     map[uint32]uint32
}

func newUDPHarness(t *testing.T, maxStreams int) *udpHarness {
	t.Helper()
	sub := &recordingSubmitter{}
	streams := newTestStreams(t, sub)

	cfg := &config.ServerConfig{
		UDPPort:              0,
		BindAddress:          "127.0.0.1",
		BufferSize:           65536,
		MaxConcurrentStreams: maxStreams,
		Workers:              2,
		QueueSize:            1000,
	}
	srv := NewUDPServer(cfg, testRate, testLogger(), streams, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })

	conn, err := net.Dial("udp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &udpHarness{server: srv, streams: streams, sub: sub, conn: conn, seq: make(map[uint32]uint32)}
}

func (h *udpHarness) send(t *testing.T, pkt []byte) {
	t.Helper()
	if _, err := h.conn.Write(pkt); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func (h *udpHarness) sendAudio(t *testing.T, streamID uint32, loud bool, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		seq := h.seq[streamID]
		h.seq[streamID] = seq + 1
		h.send(t, protocol.EncodeAudio(streamID, seq, uint64(seq)*20000, pcmFrame(loud)))
	}
}

func (h *udpHarness) processed(n uint64) func() bool {
	return func() bool { return h.server.GetStatistics().PacketsProcessed >= n }
}

func TestUDPServerDrivesSession(t *testing.T) {
	h := newUDPHarness(t, 0)

	h.send(t, protocol.EncodeStart(7, testRate, 20, "desk-mic"))
	waitFor(t, "session", func() bool {
		_, ok := h.streams.GetSession(7)
		return ok
	})

	session, _ := h.streams.GetSession(7)
	info := session.Info()
	if info.Label != "desk-mic" {
		t.Errorf("Expected label desk-mic, got %q", info.Label)
	}
	if info.SampleRate != testRate {
		t.Errorf("Expected sample rate %d, got %d", testRate, info.SampleRate)
	}

	h.sendAudio(t, 7, false, 10)
	h.sendAudio(t, 7, true, 20)
	h.sendAudio(t, 7, false, 10)
	waitFor(t, "segment", func() bool { return len(h.sub.Segments()) == 1 })

	seg := h.sub.Segments()[0]
	if seg.StreamID != 7 {
		t.Errorf("Expected stream 7, got %d", seg.StreamID)
	}
	if seg.Reason != audio.ReasonSilence {
		t.Errorf("Expected silence end, got %s", seg.Reason)
	}

	h.send(t, protocol.EncodeControl(protocol.PacketTypeStop, 7))
	waitFor(t, "session removal", func() bool { return h.streams.GetActiveSessionCount() == 0 })
}

func TestUDPServerFlush(t *testing.T) {
	h := newUDPHarness(t, 0)

	h.send(t, protocol.EncodeStart(3, testRate, 20, ""))
	h.sendAudio(t, 3, true, 10)
	waitFor(t, "audio", h.processed(11))

	h.send(t, protocol.EncodeControl(protocol.PacketTypeFlush, 3))
	waitFor(t, "flushed segment", func() bool { return len(h.sub.Segments()) == 1 })

	if got := h.sub.Segments()[0].Reason; got != audio.ReasonManualFlush {
		t.Errorf("Expected manual flush, got %s", got)
	}
	if _, ok := h.streams.GetSession(3); !ok {
		t.Error("Flush must keep the session open")
	}
}

func TestUDPServerRejectsMalformedPackets(t *testing.T) {
	h := newUDPHarness(t, 0)

	tests := []struct {
		name string
		pkt  []byte
	}{
		{"short header", []byte{0x01, 0x00}},
		{"bad version", func() []byte {
			p := protocol.EncodeControl(protocol.PacketTypeFlush, 1)
			p[7] = 0x09
			return p
		}()},
		{"length mismatch", func() []byte {
			p := protocol.EncodeStart(1, testRate, 20, "x")
			return p[:len(p)-4]
		}()},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.send(t, tt.pkt)
			want := uint64(i + 1)
			waitFor(t, "parse error", func() bool { return h.server.GetStatistics().ParseErrors >= want })
		})
	}

	if n := h.streams.GetActiveSessionCount(); n != 0 {
		t.Errorf("Expected no sessions, got %d", n)
	}
}

func TestUDPServerIgnoresAudioForUnknownStream(t *testing.T) {
	h := newUDPHarness(t, 0)

	h.sendAudio(t, 99, true, 3)
	waitFor(t, "processing", h.processed(3))

	if n := h.streams.GetActiveSessionCount(); n != 0 {
		t.Errorf("Expected no sessions, got %d", n)
	}
}

func TestUDPServerStreamLimit(t *testing.T) {
	h := newUDPHarness(t, 1)

	// 1 and 3 share a shard, so they are handled in send order.
	h.send(t, protocol.EncodeStart(1, testRate, 20, "a"))
	h.send(t, protocol.EncodeStart(3, testRate, 20, "b"))
	h.send(t, protocol.EncodeStart(1, testRate, 20, "a2"))

	waitFor(t, "relabel", func() bool {
		session, ok := h.streams.GetSession(1)
		return ok && session.Info().Label == "a2"
	})

	stats := h.server.GetStatistics()
	if stats.RejectedStreams != 1 {
		t.Errorf("Expected 1 rejected stream, got %d", stats.RejectedStreams)
	}
	if stats.ActiveStreams != 1 {
		t.Errorf("Expected 1 active stream, got %d", stats.ActiveStreams)
	}
	if _, ok := h.streams.GetSession(3); ok {
		t.Error("Stream 3 should have been rejected")
	}
}
