package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/duderayuh/EMSInsights-sub001/internal/audio"
	"github.com/duderayuh/EMSInsights-sub001/internal/metrics"
	"github.com/duderayuh/EMSInsights-sub001/internal/protocol"
)

// FrameSink accepts frames for segmentation.
type FrameSink interface {
	Submit(ctx context.Context, frame audio.Frame) error
}

// Source is one UDP port carrying raw PCM for one channel.
type Source struct {
	ChannelKey string
	Port       int
}

// UDPConfig contains receiver configuration
type UDPConfig struct {
	BindAddress string
	BufferSize  int
	QueueSize   int
	SampleRate  int
	Channels    int
	FrameBytes  int
	Sources     []Source
}

// UDPServer receives raw PCM datagrams. Each source gets its own socket, its
// own framer and a single processor so frame order per channel is kept.
type UDPServer struct {
	config  UDPConfig
	sink    FrameSink
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	listeners []*udpListener
}

type udpListener struct {
	source  Source
	conn    *net.UDPConn
	framer  *protocol.Framer
	packets chan *incomingPacket
	logger  zerolog.Logger

	mu               sync.Mutex
	packetsReceived uint64
	bytesReceived   uint64
	framesSubmitted uint64
	packetsDropped  uint64
	submitErrors    uint64
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data      []byte
	timestamp time.Time
}

// SourceStatistics represents one listener's counters
type SourceStatistics struct {
	ChannelKey      string               `json:"channel_key"`
	Address         string               `json:"address"`
	PacketsReceived uint64               `json:"packets_received"`
	BytesReceived   uint64               `json:"bytes_received"`
	FramesSubmitted uint64               `json:"frames_submitted"`
	PacketsDropped  uint64               `json:"packets_dropped"`
	SubmitErrors    uint64               `json:"submit_errors"`
	QueueSize       int                  `json:"queue_size"`
	QueueCapacity   int                  `json:"queue_capacity"`
	Framer          protocol.FramerStats `json:"framer"`
}

// NewUDPServer creates a receiver for every configured source
func NewUDPServer(cfg UDPConfig, sink FrameSink, logger zerolog.Logger, m *metrics.Metrics) (*UDPServer, error) {
	if sink == nil {
		return nil, errors.New("frame sink is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 65536
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &UDPServer{
		config:  cfg,
		sink:    sink,
		logger:  logger.With().Str("component", "udp").Logger(),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}

	seen := make(map[string]bool)
	for _, src := range cfg.Sources {
		if seen[src.ChannelKey] {
			cancel()
			return nil, fmt.Errorf("duplicate channel key %q", src.ChannelKey)
		}
		seen[src.ChannelKey] = true

		framer, err := protocol.NewFramer(protocol.FramerConfig{
			ChannelKey: src.ChannelKey,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			FrameBytes: cfg.FrameBytes,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("source %s: %w", src.ChannelKey, err)
		}
		s.listeners = append(s.listeners, &udpListener{
			source:  src,
			framer:  framer,
			packets: make(chan *incomingPacket, cfg.QueueSize),
			logger:  s.logger.With().Str("channelKey", src.ChannelKey).Logger(),
		})
	}

	return s, nil
}

// Start opens every socket and begins receiving
func (s *UDPServer) Start() error {
	for _, l := range s.listeners {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, l.source.Port))
		if err != nil {
			s.closeConns()
			return fmt.Errorf("failed to resolve UDP address: %w", err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			s.closeConns()
			return fmt.Errorf("failed to listen on UDP %s: %w", addr, err)
		}
		if err := conn.SetReadBuffer(s.config.BufferSize); err != nil {
			l.logger.Warn().Err(err).Int("bufferSize", s.config.BufferSize).Msg("failed to set UDP read buffer size")
		}
		l.conn = conn

		l.logger.Info().Str("address", conn.LocalAddr().String()).Msg("UDP source listening")
	}

	for _, l := range s.listeners {
		s.wg.Add(2)
		go s.receiveLoop(l)
		go s.packetProcessor(l)
	}
	return nil
}

// Stop closes the sockets and waits for queued packets to be framed and submitted
func (s *UDPServer) Stop() error {
	s.logger.Info().Msg("stopping UDP server")
	s.cancel()
	s.closeConns()
	s.wg.Wait()

	for _, st := range s.GetStatistics() {
		s.logger.Info().
			Str("channelKey", st.ChannelKey).
			Uint64("packetsReceived", st.PacketsReceived).
			Uint64("framesSubmitted", st.FramesSubmitted).
			Uint64("packetsDropped", st.PacketsDropped).
			Msg("UDP source stopped")
	}
	return nil
}

func (s *UDPServer) closeConns() {
	for _, l := range s.listeners {
		if l.conn != nil {
			if err := l.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				l.logger.Warn().Err(err).Msg("error closing UDP connection")
			}
		}
	}
}

// receiveLoop is the packet receiving loop of one source
func (s *UDPServer) receiveLoop(l *udpListener) {
	defer s.wg.Done()
	defer close(l.packets)

	buffer := make([]byte, s.config.BufferSize)
	for {
		n, _, err := l.conn.ReadFromUDP(buffer)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Error().Err(err).Msg("failed to read UDP packet")
			s.metrics.RecordReceiveError(l.source.ChannelKey, "read")
			continue
		}

		// Create packet data copy (buffer will be reused)
		data := make([]byte, n)
		copy(data, buffer[:n])

		l.mu.Lock()
		l.packetsReceived++
		l.bytesReceived += uint64(n)
		l.mu.Unlock()
		s.metrics.RecordFrameReceived(l.source.ChannelKey, n)

		select {
		case l.packets <- &incomingPacket{data: data, timestamp: time.Now()}:
		default:
			l.mu.Lock()
			l.packetsDropped++
			l.mu.Unlock()
			s.metrics.RecordReceiveError(l.source.ChannelKey, "queue_full")
			l.logger.Warn().Int("packetSize", n).Msg("packet queue full, dropping packet")
		}
	}
}

// packetProcessor frames packets and hands frames to the sink. On shutdown the
// framer remainder is submitted as a short final frame.
func (s *UDPServer) packetProcessor(l *udpListener) {
	defer s.wg.Done()

	for packet := range l.packets {
		l.mu.Lock()
		frames := l.framer.Write(packet.data, packet.timestamp)
		l.mu.Unlock()
		for _, f := range frames {
			s.submit(l, f)
		}
	}

	l.mu.Lock()
	last := l.framer.Flush()
	l.mu.Unlock()
	if last != nil {
		s.submit(l, *last)
	}
}

func (s *UDPServer) submit(l *udpListener, f audio.Frame) {
	// bounded so a stopped sink cannot hang shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.sink.Submit(ctx, f); err != nil {
		l.mu.Lock()
		l.submitErrors++
		l.mu.Unlock()
		s.metrics.RecordReceiveError(l.source.ChannelKey, "submit")
		l.logger.Debug().Err(err).Msg("frame rejected")
		return
	}
	l.mu.Lock()
	l.framesSubmitted++
	l.mu.Unlock()
}

// GetStatistics returns per-source statistics
func (s *UDPServer) GetStatistics() []SourceStatistics {
	out := make([]SourceStatistics, 0, len(s.listeners))
	for _, l := range s.listeners {
		l.mu.Lock()
		st := SourceStatistics{
			ChannelKey:      l.source.ChannelKey,
			PacketsReceived: l.packetsReceived,
			BytesReceived:   l.bytesReceived,
			FramesSubmitted: l.framesSubmitted,
			PacketsDropped:  l.packetsDropped,
			SubmitErrors:    l.submitErrors,
			QueueSize:       len(l.packets),
			QueueCapacity:   cap(l.packets),
			Framer:          l.framer.GetStats(),
		}
		l.mu.Unlock()
		if l.conn != nil {
			st.Address = l.conn.LocalAddr().String()
		}
		out = append(out, st)
	}
	return out
}
