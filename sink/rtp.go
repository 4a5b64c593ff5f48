package sink

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/rvmedia/mediagraph"
	"github.com/rvmedia/mediagraph/engine"
	"github.com/rvmedia/mediagraph/internal/logging"
)

const (
	rtpMTU         = 1200
	rtpPayloadType = 96
	rtpClockRate   = 90_000
)

// RTPConfig configures an RTPSink.
type RTPConfig struct {
	// Target is the UDP host:port the stream is sent to.
	Target string
	SSRC   uint32
	// LogPackets enables a per-packet trace with unwrapped sequence
	// numbers.
	LogPackets bool
}

// RTPSink packetizes H.264 access units into RTP and sends them over UDP.
type RTPSink struct {
	mediagraph.Core

	cfg    RTPConfig
	logger *slog.Logger
	trace  *logging.RTPLogger

	mu         sync.Mutex
	conn       net.Conn
	packetizer rtp.Packetizer
	lastPTS    uint64
	havePTS    bool

	packets atomic.Uint64
	bytes   atomic.Uint64
}

var _ mediagraph.Module = (*RTPSink)(nil)

// NewRTPSink creates an uninitialized RTP streamer.
func NewRTPSink(cfg RTPConfig) *RTPSink {
	if cfg.SSRC == 0 {
		cfg.SSRC = 1
	}
	s := &RTPSink{
		Core:   mediagraph.NewCore("rtp", mediagraph.KindSink),
		cfg:    cfg,
		logger: slog.Default().With("module", "rtp", "target", cfg.Target),
	}
	if cfg.LogPackets {
		s.trace = logging.NewRTPLogger("rtp-sink", nil)
	}
	return s
}

// Endpoint: RTP sinks have no hardware channel.
func (s *RTPSink) Endpoint() (engine.Endpoint, bool) {
	return engine.Endpoint{}, false
}

// Initialize dials the UDP target and sets up the packetizer.
func (s *RTPSink) Initialize() error {
	switch s.State() {
	case mediagraph.StateInitialized, mediagraph.StateRunning:
		return nil
	case mediagraph.StateUninitialized:
	default:
		return fmt.Errorf("initialize from %s: %w", s.State(), mediagraph.ErrInvalidState)
	}
	conn, err := net.Dial("udp", s.cfg.Target)
	if err != nil {
		s.SetState(mediagraph.StateError)
		return fmt.Errorf("dial %s: %w", s.cfg.Target, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.packetizer = rtp.NewPacketizer(
		rtpMTU, rtpPayloadType, s.cfg.SSRC,
		&codecs.H264Payloader{}, rtp.NewRandomSequencer(), rtpClockRate,
	)
	s.mu.Unlock()
	s.SetState(mediagraph.StateInitialized)
	s.logger.Info("rtp sink ready")
	return nil
}

func (s *RTPSink) Start() error {
	if !s.CanStart() {
		return fmt.Errorf("start from %s: %w", s.State(), mediagraph.ErrInvalidState)
	}
	s.SetState(mediagraph.StateRunning)
	return nil
}

func (s *RTPSink) Stop() {
	if s.State() != mediagraph.StateRunning {
		return
	}
	s.SetState(mediagraph.StateStopped)
	s.logger.Info("rtp sink stopped", "packets", s.packets.Load(), "bytes", s.bytes.Load())
}

// Close stops the sink and closes the socket.
func (s *RTPSink) Close() error {
	s.Stop()
	s.mu.Lock()
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("close socket failed", "error", err)
		}
		s.conn = nil
	}
	s.mu.Unlock()
	s.SetState(mediagraph.StateClosed)
	return nil
}

// Packets returns the number of RTP packets sent.
func (s *RTPSink) Packets() uint64 { return s.packets.Load() }

// PushFrame packetizes one encoded frame and sends it, then releases the
// frame. Each packet carries the stream's 90kHz timestamp derived from the
// frame's PTS delta.
func (s *RTPSink) PushFrame(f mediagraph.Frame) error {
	defer f.Release()
	if s.State() != mediagraph.StateRunning {
		return fmt.Errorf("push from %s: %w", s.State(), mediagraph.ErrInvalidState)
	}
	ef, ok := f.(*mediagraph.EncodedFrame)
	if !ok || !ef.Valid() {
		return fmt.Errorf("rtp sink accepts encoded frames only, got %T", f)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("rtp sink has no socket")
	}

	samples := s.clockDelta(ef.PTS())
	for _, p := range ef.Packets() {
		pkts := s.packetizer.Packetize(stripStartCode(p.Data), samples)
		// The clock advances once per access unit.
		samples = 0
		for _, pkt := range pkts {
			buf, err := pkt.Marshal()
			if err != nil {
				return fmt.Errorf("marshal rtp packet: %w", err)
			}
			if _, err := s.conn.Write(buf); err != nil {
				return fmt.Errorf("send rtp packet: %w", err)
			}
			s.packets.Add(1)
			s.bytes.Add(uint64(len(buf)))
			if s.trace != nil {
				s.trace.LogRTPPacket(&pkt.Header, pkt.Payload)
			}
		}
	}
	return nil
}

// clockDelta converts the microsecond PTS step since the previous frame
// into 90kHz ticks.
func (s *RTPSink) clockDelta(ptsUs uint64) uint32 {
	if !s.havePTS {
		s.havePTS = true
		s.lastPTS = ptsUs
		return 0
	}
	delta := ptsUs - s.lastPTS
	s.lastPTS = ptsUs
	return uint32(delta * rtpClockRate / 1e6)
}
