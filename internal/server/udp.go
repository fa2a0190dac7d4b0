package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/vanta-voice/listener/internal/config"
	"github.com/vanta-voice/listener/internal/metrics"
	"github.com/vanta-voice/listener/internal/protocol"
	"github.com/vanta-voice/listener/internal/stream"
)

// UDPServer receives the TLV frame feed and drives stream sessions.
type UDPServer struct {
	conn       *net.UDPConn
	config     *config.ServerConfig
	sampleRate int
	logger     *slog.Logger
	streamMgr  *stream.Manager
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// One queue per worker. Packets of a stream always land on the same
	// queue so its frames are pushed in arrival order.
	shards []chan *incomingPacket

	packetsReceived  uint64
	packetsProcessed uint64
	packetsDropped   uint64
	parseErrors      uint64
	rejectedStreams  uint64
	mu               sync.RWMutex
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// NewUDPServer creates a new UDP server instance. sampleRate is used for
// start packets that do not carry one.
func NewUDPServer(cfg *config.ServerConfig, sampleRate int, logger *slog.Logger, streamMgr *stream.Manager, m *metrics.Metrics) *UDPServer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	perShard := queueSize / workers
	if perShard < 1 {
		perShard = 1
	}

	shards := make([]chan *incomingPacket, workers)
	for i := range shards {
		shards[i] = make(chan *incomingPacket, perShard)
	}

	return &UDPServer{
		config:     cfg,
		sampleRate: sampleRate,
		logger:     logger.With("component", "server.udp"),
		streamMgr:  streamMgr,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		shards:     shards,
	}
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP server started",
		slog.String("address", s.conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.Int("workers", len(s.shards)),
	)

	for i := range s.shards {
		s.wg.Add(1)
		go s.packetProcessor(i)
	}

	s.wg.Add(1)
	go s.receiveLoop()

	return nil
}

// Addr returns the bound address, nil before Start.
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop gracefully stops the UDP server. Queued packets are processed
// before it returns.
func (s *UDPServer) Stop() error {
	s.logger.Info("Stopping UDP server...")

	s.cancel()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
	}

	s.wg.Wait()
	stats := s.GetStatistics()

	s.logger.Info("UDP server stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("packets_dropped", stats.PacketsDropped),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)

	return nil
}

// receiveLoop is the main packet receiving loop. It owns the shard
// channels and closes them on exit.
func (s *UDPServer) receiveLoop() {
	defer s.wg.Done()
	defer func() {
		for _, ch := range s.shards {
			close(ch)
		}
	}()

	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug("Receive loop stopping due to context cancellation")
			return
		default:
		}

		// Periodic deadline so cancellation is noticed.
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()
		s.metrics.RecordPacketReceived()

		header, err := protocol.ParseHeader(buffer[:n])
		if err != nil {
			s.recordParseError(remoteAddr, n, err)
			continue
		}

		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		shard := s.shards[int(header.StreamID%uint32(len(s.shards)))]
		select {
		case shard <- packet:
		default:
			s.mu.Lock()
			s.packetsDropped++
			s.mu.Unlock()
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Uint64("stream_id", uint64(header.StreamID)),
				slog.Int("packet_size", n),
			)
		}
		s.metrics.SetQueueSize(s.queued())
	}
}

// packetProcessor drains one shard.
func (s *UDPServer) packetProcessor(workerID int) {
	defer s.wg.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))

	for packet := range s.shards[workerID] {
		s.handlePacket(packet, workerID)
	}

	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

func (s *UDPServer) recordParseError(remote *net.UDPAddr, size int, err error) {
	s.mu.Lock()
	s.parseErrors++
	s.mu.Unlock()
	s.metrics.RecordParseError()

	s.logger.Error("Failed to parse packet",
		slog.String("remote_addr", remote.String()),
		slog.Int("packet_size", size),
		slog.String("error", err.Error()),
	)
}

// handlePacket processes a single incoming packet
func (s *UDPServer) handlePacket(packet *incomingPacket, workerID int) {
	parsed, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.recordParseError(packet.remoteAddr, len(packet.data), err)
		return
	}

	s.mu.Lock()
	s.packetsProcessed++
	s.mu.Unlock()
	s.metrics.RecordPacketProcessed()

	streamID := parsed.Header.StreamID
	switch parsed.Header.PacketType {
	case protocol.PacketTypeStart:
		s.processStart(streamID, parsed.Start, workerID)
	case protocol.PacketTypeAudio:
		s.processAudio(streamID, parsed.Audio, workerID)
	case protocol.PacketTypeFlush:
		s.processFlush(streamID, workerID)
	case protocol.PacketTypeStop:
		s.processStop(streamID, workerID)
	}
}

// processStart opens (or relabels) a stream session.
func (s *UDPServer) processStart(streamID uint32, payload *protocol.StartPayload, workerID int) {
	sampleRate := int(payload.SampleRate)
	if sampleRate == 0 {
		sampleRate = s.sampleRate
	}

	if _, exists := s.streamMgr.GetSession(streamID); !exists &&
		s.config.MaxConcurrentStreams > 0 &&
		s.streamMgr.GetActiveSessionCount() >= s.config.MaxConcurrentStreams {
		s.mu.Lock()
		s.rejectedStreams++
		s.mu.Unlock()
		s.logger.Warn("Stream limit reached, rejecting start",
			slog.Uint64("stream_id", uint64(streamID)),
			slog.Int("max_concurrent_streams", s.config.MaxConcurrentStreams),
		)
		return
	}

	session, err := s.streamMgr.CreateSession(streamID, sampleRate, payload.GetLabel())
	if err != nil {
		s.logger.Error("Failed to create stream session",
			slog.Uint64("stream_id", uint64(streamID)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	s.logger.Info("Start packet processed",
		slog.Uint64("stream_id", uint64(streamID)),
		slog.String("label", session.Label),
		slog.Int("sample_rate", session.SampleRate),
		slog.Int("frame_ms", int(payload.FrameMs)),
		slog.Int("worker_id", workerID),
	)
}

// processAudio pushes one frame into its session.
func (s *UDPServer) processAudio(streamID uint32, payload *protocol.AudioPayload, workerID int) {
	session, exists := s.streamMgr.GetSession(streamID)
	if !exists {
		s.logger.Warn("Received audio packet for unknown stream",
			slog.Uint64("stream_id", uint64(streamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.Int("audio_size", len(payload.AudioData)),
			slog.Int("worker_id", workerID),
		)
		return
	}

	if err := session.AddAudioData(payload.Sequence, payload.OffsetMicros, payload.AudioData); err != nil {
		s.logger.Debug("Audio frame not accepted",
			slog.Uint64("stream_id", uint64(streamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
	}
}

func (s *UDPServer) processFlush(streamID uint32, workerID int) {
	seg, err := s.streamMgr.Flush(streamID)
	if err != nil {
		s.logger.Warn("Flush for unknown stream",
			slog.Uint64("stream_id", uint64(streamID)),
			slog.Int("worker_id", workerID),
		)
		return
	}
	if seg != nil {
		s.logger.Debug("Stream flushed",
			slog.Uint64("stream_id", uint64(streamID)),
			slog.Uint64("segment_id", seg.ID),
		)
	}
}

func (s *UDPServer) processStop(streamID uint32, workerID int) {
	if !s.streamMgr.RemoveSession(streamID) {
		s.logger.Warn("Stop for unknown stream",
			slog.Uint64("stream_id", uint64(streamID)),
			slog.Int("worker_id", workerID),
		)
	}
}

func (s *UDPServer) queued() int {
	total := 0
	for _, ch := range s.shards {
		total += len(ch)
	}
	return total
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	capacity := 0
	for _, ch := range s.shards {
		capacity += cap(ch)
	}

	return ServerStatistics{
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		PacketsDropped:   s.packetsDropped,
		ParseErrors:      s.parseErrors,
		RejectedStreams:  s.rejectedStreams,
		ActiveStreams:    uint64(s.streamMgr.GetActiveSessionCount()),
		QueueSize:        uint64(s.queued()),
		QueueCapacity:    uint64(capacity),
	}
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	ParseErrors      uint64 `json:"parse_errors"`
	RejectedStreams  uint64 `json:"rejected_streams"`
	ActiveStreams    uint64 `json:"active_streams"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
}
