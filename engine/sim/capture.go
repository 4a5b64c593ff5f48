package sim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/rvmedia/mediagraph/engine"
)

// frameSink consumes frames delivered by a device-level bind. done returns
// the frame's buffer to the capture pool once the consumer is finished.
type frameSink func(desc engine.RawDescriptor, done func())

// captureChannel synthesizes raw frames at the configured rate. Frames are
// backed by a fixed pool of buffers; when the pool is exhausted (all frames
// held downstream) new frames are dropped, like a starved VI queue.
type captureChannel struct {
	ep      engine.Endpoint
	now     func() uint64
	limiter *rate.Limiter

	mu     sync.Mutex
	attr   engine.CaptureAttr
	sink   frameSink
	mirror bool
	flip   bool

	pool   chan *buffer
	frames chan engine.RawDescriptor

	seq      atomic.Uint64
	produced atomic.Uint64
	dropped  atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newCaptureChannel(ep engine.Endpoint, attr engine.CaptureAttr, now func() uint64) *captureChannel {
	if attr.FrameRate == 0 {
		attr.FrameRate = 30
	}
	if attr.BufCount == 0 {
		attr.BufCount = 3
	}
	if attr.Depth == 0 {
		attr.Depth = 2
	}
	c := &captureChannel{
		ep:      ep,
		now:     now,
		limiter: rate.NewLimiter(rate.Limit(attr.FrameRate), 1),
		attr:    attr,
		pool:    make(chan *buffer, attr.BufCount),
		frames:  make(chan engine.RawDescriptor, attr.Depth),
	}
	size := frameSize(attr.Width, attr.Height, attr.PixelFormat)
	for i := uint32(0); i < attr.BufCount; i++ {
		c.pool <- &buffer{data: make([]byte, size)}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(ctx)
	return c
}

func (c *captureChannel) close() {
	c.cancel()
	c.wg.Wait()
}

func (c *captureChannel) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		var buf *buffer
		select {
		case buf = <-c.pool:
		default:
			// All buffers held downstream.
			c.dropped.Add(1)
			continue
		}

		desc := c.fill(buf)
		c.produced.Add(1)

		c.mu.Lock()
		sink := c.sink
		c.mu.Unlock()

		if sink != nil {
			sink(desc, func() { c.recycle(buf) })
			continue
		}

		select {
		case c.frames <- desc:
		default:
			c.recycle(buf)
			c.dropped.Add(1)
		}
	}
}

// fill stamps a deterministic test pattern and returns the descriptor.
func (c *captureChannel) fill(buf *buffer) engine.RawDescriptor {
	c.mu.Lock()
	attr := c.attr
	c.mu.Unlock()

	seq := c.seq.Add(1)
	state := seq*2654435761 + 1
	for i := range buf.data {
		state = state*6364136223846793005 + 1442695040888963407
		buf.data[i] = byte(state >> 56)
	}
	return engine.RawDescriptor{
		Width:       attr.Width,
		Height:      attr.Height,
		VirWidth:    align16(attr.Width),
		VirHeight:   align16(attr.Height),
		PixelFormat: attr.PixelFormat,
		PTS:         c.now(),
		Handle:      buf,
	}
}

func (c *captureChannel) recycle(buf *buffer) {
	select {
	case c.pool <- buf:
	default:
	}
}

func (c *captureChannel) acquire(timeout time.Duration) (engine.RawDescriptor, error) {
	if timeout <= 0 {
		select {
		case d := <-c.frames:
			return d, nil
		default:
			return engine.RawDescriptor{}, engine.ErrNoFrame
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case d := <-c.frames:
		return d, nil
	case <-t.C:
		return engine.RawDescriptor{}, engine.ErrNoFrame
	}
}

func (c *captureChannel) setSink(s frameSink) {
	c.mu.Lock()
	c.sink = s
	c.mu.Unlock()
}

func (c *captureChannel) setFrameRate(fps uint32) {
	c.mu.Lock()
	c.attr.FrameRate = fps
	c.mu.Unlock()
	c.limiter.SetLimit(rate.Limit(fps))
}

func (c *captureChannel) setMirrorFlip(mirror, flip bool) {
	c.mu.Lock()
	c.mirror = mirror
	c.flip = flip
	c.mu.Unlock()
}

func (c *captureChannel) status() engine.CaptureStatus {
	c.mu.Lock()
	fps := c.attr.FrameRate
	c.mu.Unlock()
	return engine.CaptureStatus{
		FrameRate: fps,
		Produced:  c.produced.Load(),
		Dropped:   c.dropped.Load(),
	}
}

func frameSize(w, h uint32, pf engine.PixelFormat) int {
	// All supported formats are 4:2:0.
	_ = pf
	return int(align16(w) * align16(h) * 3 / 2)
}

func align16(v uint32) uint32 {
	return (v + 15) &^ 15
}
