package sim

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rvmedia/mediagraph/engine"
)

// Canned H.264 parameter sets (1080p High profile). The synthetic bitstream
// carries real SPS/PPS so downstream muxers can parse decoder configuration.
var (
	h264SPS = []byte{
		0x67, 0x64, 0x00, 0x28, 0xac, 0xd9, 0x40, 0x78, 0x02, 0x27, 0xe5,
		0x84, 0x00, 0x00, 0x03, 0x00, 0x04, 0x00, 0x00, 0x03, 0x00, 0xf0,
		0x3c, 0x60, 0xc6, 0x58,
	}
	h264PPS = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}

	annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

	jpegHeader  = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	jpegTrailer = []byte{0xff, 0xd9}
)

// submission is the metadata an encode channel keeps of one input frame.
// done, when set, returns the raw buffer to its capture pool after the unit
// has been produced (device-bound delivery path).
type submission struct {
	pts  uint64
	done func()
}

// encodeChannel turns submitted raw frames into synthetic access units that
// follow the configured GOP structure and bitrate.
type encodeChannel struct {
	ep engine.Endpoint

	mu       sync.Mutex
	attr     engine.EncodeAttr
	recv     int // 0: not armed, < 0: unlimited
	gopIndex uint32

	forceIDR atomic.Bool
	seq      atomic.Uint64

	input  chan submission
	output chan engine.StreamDescriptor
	quit   chan struct{}
	wg     sync.WaitGroup
}

func newEncodeChannel(ep engine.Endpoint, attr engine.EncodeAttr) *encodeChannel {
	if attr.FrameRate == 0 {
		attr.FrameRate = 30
	}
	if attr.GOP == 0 {
		attr.GOP = attr.FrameRate * 2
	}
	if attr.BitrateKbps == 0 {
		attr.BitrateKbps = 4000
	}
	if attr.BufCount == 0 {
		attr.BufCount = 4
	}
	if attr.JPEGQuality == 0 {
		attr.JPEGQuality = 80
	}
	c := &encodeChannel{
		ep:     ep,
		attr:   attr,
		input:  make(chan submission, attr.BufCount),
		output: make(chan engine.StreamDescriptor, attr.BufCount),
		quit:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *encodeChannel) close() {
	close(c.quit)
	c.wg.Wait()
}

func (c *encodeChannel) run() {
	defer c.wg.Done()
	for {
		select {
		case s := <-c.input:
			desc := c.encode(s)
			if s.done != nil {
				s.done()
			}
			select {
			case c.output <- desc:
			case <-c.quit:
				return
			default:
				// Output queue full, unit is lost.
			}
		case <-c.quit:
			return
		}
	}
}

// encode synthesizes one output unit for a submitted frame.
func (c *encodeChannel) encode(s submission) engine.StreamDescriptor {
	c.mu.Lock()
	attr := c.attr
	key := c.gopIndex == 0 || c.forceIDR.Swap(false)
	if key {
		c.gopIndex = 0
	}
	c.gopIndex++
	if attr.GOP > 0 && c.gopIndex >= attr.GOP {
		c.gopIndex = 0
	}
	c.mu.Unlock()

	seq := c.seq.Add(1)

	if attr.Codec == engine.CodecJPEG || attr.Codec == engine.CodecMJPEG {
		return c.encodeJPEG(attr, s, seq)
	}

	perFrame := int(attr.BitrateKbps) * 1000 / 8 / int(attr.FrameRate)
	if perFrame < 64 {
		perFrame = 64
	}
	size := perFrame * 4 / 5
	if key {
		size = perFrame * 3
	}

	var packets []engine.Packet
	total := 0
	if key {
		total = 2*len(annexBStartCode) + len(h264SPS) + len(h264PPS)
	}
	total += len(annexBStartCode) + size

	buf := &buffer{data: make([]byte, 0, total)}
	if key {
		packets = append(packets,
			c.appendNALU(buf, engine.NALUSPS, h264SPS),
			c.appendNALU(buf, engine.NALUPPS, h264PPS),
		)
		slice := makeSlice(attr.Codec, true, size, seq)
		packets = append(packets, c.appendNALU(buf, engine.NALUIDRSlice, slice))
	} else {
		slice := makeSlice(attr.Codec, false, size, seq)
		packets = append(packets, c.appendNALU(buf, engine.NALUPSlice, slice))
	}

	return engine.StreamDescriptor{
		Packets:  packets,
		PTS:      s.pts,
		Sequence: seq,
		Handle:   buf,
	}
}

func (c *encodeChannel) encodeJPEG(attr engine.EncodeAttr, s submission, seq uint64) engine.StreamDescriptor {
	// Size scales with quality and picture area.
	size := int(attr.Width*attr.Height) / 10 * int(attr.JPEGQuality) / 100
	if size < 1024 {
		size = 1024
	}
	data := make([]byte, 0, size+len(jpegHeader)+len(jpegTrailer))
	data = append(data, jpegHeader...)
	data = appendFiller(data, size, seq)
	data = append(data, jpegTrailer...)

	buf := &buffer{data: data}
	return engine.StreamDescriptor{
		Packets:  []engine.Packet{{Type: engine.NALUISlice, Data: buf.data}},
		PTS:      s.pts,
		Sequence: seq,
		Handle:   buf,
	}
}

// appendNALU writes a start code plus nalu into buf and returns the packet
// covering the start-code-prefixed unit.
func (c *encodeChannel) appendNALU(buf *buffer, t engine.NALUType, nalu []byte) engine.Packet {
	start := len(buf.data)
	buf.data = append(buf.data, annexBStartCode...)
	buf.data = append(buf.data, nalu...)
	return engine.Packet{Type: t, Data: buf.data[start:]}
}

func makeSlice(codec engine.Codec, key bool, size int, seq uint64) []byte {
	var header byte
	switch codec {
	case engine.CodecH265:
		if key {
			header = 0x26 // IDR_W_RADL
		} else {
			header = 0x02
		}
	default:
		if key {
			header = 0x65 // IDR slice
		} else {
			header = 0x41 // non-IDR slice
		}
	}
	data := make([]byte, 0, size)
	data = append(data, header)
	return appendFiller(data, size-1, seq)
}

// appendFiller extends data with n deterministic pseudo-random bytes.
func appendFiller(data []byte, n int, seed uint64) []byte {
	state := seed*2862933555777941757 + 3037000493
	for i := 0; i < n; i++ {
		state = state*6364136223846793005 + 1442695040888963407
		b := byte(state >> 33)
		// Avoid accidental start codes in the payload.
		if b == 0 {
			b = 0x80
		}
		data = append(data, b)
	}
	return data
}

func (c *encodeChannel) submit(s submission, timeout time.Duration) error {
	c.mu.Lock()
	if c.recv == 0 {
		c.mu.Unlock()
		return engine.ErrNotArmed
	}
	if c.recv > 0 {
		c.recv--
	}
	c.mu.Unlock()

	if timeout <= 0 {
		select {
		case c.input <- s:
			return nil
		default:
			return engine.ErrNoFrame
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.input <- s:
		return nil
	case <-t.C:
		return engine.ErrNoFrame
	case <-c.quit:
		return engine.ErrNoChannel
	}
}

func (c *encodeChannel) poll(timeout time.Duration) (engine.StreamDescriptor, error) {
	if timeout <= 0 {
		select {
		case d := <-c.output:
			return d, nil
		default:
			return engine.StreamDescriptor{}, engine.ErrNoFrame
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case d := <-c.output:
		return d, nil
	case <-t.C:
		return engine.StreamDescriptor{}, engine.ErrNoFrame
	}
}

func (c *encodeChannel) startReceive(count int) {
	c.mu.Lock()
	if count < 0 {
		c.recv = -1
	} else {
		c.recv = count
	}
	c.mu.Unlock()
}

func (c *encodeChannel) stopReceive() {
	c.mu.Lock()
	c.recv = 0
	c.mu.Unlock()
}

func (c *encodeChannel) getAttr() engine.EncodeAttr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attr
}

func (c *encodeChannel) setAttr(attr engine.EncodeAttr) {
	c.mu.Lock()
	c.attr = attr
	c.mu.Unlock()
}
