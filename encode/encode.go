// Package encode implements the video encoder module. It wraps one encode
// channel of the hardware media engine: raw frames go in by device binding
// or PushFrame, encoded access units come out through the registered
// output.
package encode

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rvmedia/mediagraph"
	"github.com/rvmedia/mediagraph/engine"
)

const (
	defaultPollTimeout = 100 * time.Millisecond
	// JPEG shots arrive sparsely; poll less aggressively.
	jpegPollTimeout = 200 * time.Millisecond

	defaultSubmitTimeout = 100 * time.Millisecond
)

// Config of an encode channel.
type Config struct {
	Channel     int32
	Width       uint32
	Height      uint32
	Codec       engine.Codec
	FrameRate   uint32
	GOP         uint32
	BitrateKbps uint32
	RateControl engine.RateControl
	Profile     uint32
	BufCount    uint32
	JPEGQuality uint32
	// PollTimeout bounds each worker poll. Defaults to 100ms, 200ms for
	// single shot codecs.
	PollTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Width == 0 {
		c.Width = 1920
	}
	if c.Height == 0 {
		c.Height = 1080
	}
	if c.FrameRate == 0 {
		c.FrameRate = 30
	}
	if c.GOP == 0 {
		c.GOP = 2 * c.FrameRate
	}
	if c.BitrateKbps == 0 {
		c.BitrateKbps = 4000
	}
	if c.BufCount == 0 {
		c.BufCount = 4
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = 80
	}
	if c.PollTimeout == 0 {
		if c.Codec.SingleShot() {
			c.PollTimeout = jpegPollTimeout
		} else {
			c.PollTimeout = defaultPollTimeout
		}
	}
	return c
}

// Module is the encoder stage. One worker goroutine polls the engine for
// completed output units and moves each into the registered output.
type Module struct {
	mediagraph.Core

	cfg    Config
	ctx    *engine.Context
	logger *slog.Logger

	mu     sync.Mutex
	eng    engine.Engine
	output func(mediagraph.Frame)

	channelCreated bool
	receiving      bool
	running        atomic.Bool
	wg             sync.WaitGroup

	encoded atomic.Uint64
}

var _ mediagraph.FrameSource = (*Module)(nil)

// New creates an uninitialized encoder module.
func New(ctx *engine.Context, cfg Config) *Module {
	return &Module{
		Core:   mediagraph.NewCore("encode", mediagraph.KindEncoder),
		cfg:    cfg.withDefaults(),
		ctx:    ctx,
		logger: slog.Default().With("module", "encode", "codec", cfg.Codec.String()),
	}
}

// Endpoint returns the encode channel's address for hardware binding.
func (m *Module) Endpoint() (engine.Endpoint, bool) {
	return engine.Endpoint{
		Module:  engine.ModuleEncode,
		Channel: m.cfg.Channel,
	}, true
}

// Initialize acquires the engine and creates the encode channel.
// Continuous codecs are armed for unlimited input right away; single shot
// codecs stay disarmed until StartReceive.
func (m *Module) Initialize() error {
	switch m.State() {
	case mediagraph.StateInitialized, mediagraph.StateRunning:
		m.logger.Warn("already initialized")
		return nil
	case mediagraph.StateUninitialized:
	default:
		return fmt.Errorf("initialize from %s: %w", m.State(), mediagraph.ErrInvalidState)
	}

	m.logger.Info("initializing encoder",
		"width", m.cfg.Width, "height", m.cfg.Height,
		"fps", m.cfg.FrameRate, "bitrate_kbps", m.cfg.BitrateKbps)

	eng, err := m.ctx.Acquire()
	if err != nil {
		m.SetState(mediagraph.StateError)
		return err
	}

	ep, _ := m.Endpoint()
	err = eng.CreateEncodeChannel(ep, engine.EncodeAttr{
		Codec:       m.cfg.Codec,
		Width:       m.cfg.Width,
		Height:      m.cfg.Height,
		FrameRate:   m.cfg.FrameRate,
		GOP:         m.cfg.GOP,
		BitrateKbps: m.cfg.BitrateKbps,
		RateControl: m.cfg.RateControl,
		Profile:     m.cfg.Profile,
		BufCount:    m.cfg.BufCount,
		JPEGQuality: m.cfg.JPEGQuality,
	})
	if err != nil {
		m.ctx.Release()
		m.SetState(mediagraph.StateError)
		return fmt.Errorf("create encode channel: %w", err)
	}

	if !m.cfg.Codec.SingleShot() {
		if err := eng.StartReceive(ep, -1); err != nil {
			_ = eng.DestroyEncodeChannel(ep)
			m.ctx.Release()
			m.SetState(mediagraph.StateError)
			return fmt.Errorf("arm encode channel: %w", err)
		}
		m.receiving = true
	}

	m.mu.Lock()
	m.eng = eng
	m.mu.Unlock()
	m.channelCreated = true
	m.SetState(mediagraph.StateInitialized)
	return nil
}

// Start launches the output worker goroutine.
func (m *Module) Start() error {
	if !m.CanStart() {
		return fmt.Errorf("start from %s: %w", m.State(), mediagraph.ErrInvalidState)
	}
	m.running.Store(true)
	m.wg.Add(1)
	go m.run()
	m.SetState(mediagraph.StateRunning)
	m.logger.Info("encoder started")
	return nil
}

// Stop signals the worker and joins it. No output callback fires after
// Stop returns.
func (m *Module) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.wg.Wait()
	m.SetState(mediagraph.StateStopped)
	m.logger.Info("encoder stopped", "frames", m.encoded.Load())
}

// Close stops the module and releases the channel and the engine
// reference.
func (m *Module) Close() error {
	m.Stop()
	if m.channelCreated {
		ep, _ := m.Endpoint()
		eng := m.engine()
		if m.receiving {
			if err := eng.StopReceive(ep); err != nil {
				m.logger.Warn("stop receive failed", "error", err)
			}
			m.receiving = false
		}
		if err := eng.DestroyEncodeChannel(ep); err != nil {
			m.logger.Warn("destroy encode channel failed", "error", err)
		}
		m.channelCreated = false
		m.ctx.Release()
	}
	m.SetState(mediagraph.StateClosed)
	return nil
}

// PushFrame submits one raw frame for encoding and releases it. Only raw
// frames are accepted. Single shot codecs retarget the channel to the
// frame's dimensions before submission, so one JPEG channel serves
// arbitrary sources.
func (m *Module) PushFrame(f mediagraph.Frame) error {
	raw, ok := f.(*mediagraph.RawFrame)
	if !ok {
		f.Release()
		return fmt.Errorf("encoder accepts raw frames only, got %T", f)
	}
	defer raw.Release()

	s := m.State()
	if s != mediagraph.StateInitialized && s != mediagraph.StateRunning {
		return fmt.Errorf("push from %s: %w", s, mediagraph.ErrInvalidState)
	}
	if !raw.Valid() {
		return nil
	}

	ep, _ := m.Endpoint()
	eng := m.engine()

	if m.cfg.Codec.SingleShot() {
		if err := m.retarget(raw); err != nil {
			return err
		}
	}

	if err := eng.SubmitFrame(ep, raw.Descriptor(), defaultSubmitTimeout); err != nil {
		return fmt.Errorf("submit frame: %w", err)
	}
	return nil
}

// retarget adjusts the channel's picture dimensions to match the incoming
// frame. Attribute read-modify-write is unsynchronized at the engine
// level; PushFrame's single producer contract covers it.
func (m *Module) retarget(raw *mediagraph.RawFrame) error {
	ep, _ := m.Endpoint()
	eng := m.engine()
	attr, err := eng.GetEncodeAttr(ep)
	if err != nil {
		return fmt.Errorf("get encode attr: %w", err)
	}
	if attr.Width == raw.Width() && attr.Height == raw.Height() {
		return nil
	}
	attr.Width = raw.Width()
	attr.Height = raw.Height()
	attr.VirWidth = raw.VirWidth()
	attr.VirHeight = raw.VirHeight()
	attr.PixelFormat = raw.PixelFormat()
	if err := eng.SetEncodeAttr(ep, attr); err != nil {
		return fmt.Errorf("set encode attr: %w", err)
	}
	return nil
}

// SetOutput registers the encoded frame output. The output takes ownership
// of every delivered frame and runs on the worker goroutine.
func (m *Module) SetOutput(fn func(mediagraph.Frame)) {
	m.mu.Lock()
	m.output = fn
	m.mu.Unlock()
}

// StartReceive arms the channel for count input frames, count < 0 means
// unlimited. Required before pushing to single shot codecs.
func (m *Module) StartReceive(count int) error {
	if m.State() == mediagraph.StateUninitialized {
		return mediagraph.ErrInvalidState
	}
	ep, _ := m.Endpoint()
	if err := m.engine().StartReceive(ep, count); err != nil {
		return err
	}
	m.receiving = true
	return nil
}

// StopReceive disarms the channel. Further submissions fail with
// engine.ErrNotArmed.
func (m *Module) StopReceive() error {
	if m.State() == mediagraph.StateUninitialized {
		return mediagraph.ErrInvalidState
	}
	ep, _ := m.Endpoint()
	if err := m.engine().StopReceive(ep); err != nil {
		return err
	}
	m.receiving = false
	return nil
}

// RequestKeyFrame forces the next encoded frame to be an IDR.
func (m *Module) RequestKeyFrame() error {
	if m.State() == mediagraph.StateUninitialized {
		return mediagraph.ErrInvalidState
	}
	ep, _ := m.Endpoint()
	return m.engine().RequestKeyFrame(ep)
}

// SetBitrate reconfigures the channel's target bitrate on the fly.
func (m *Module) SetBitrate(kbps uint32) error {
	return m.updateAttr(func(attr *engine.EncodeAttr) {
		attr.BitrateKbps = kbps
	})
}

// SetFrameRate reconfigures the channel's frame rate on the fly.
func (m *Module) SetFrameRate(fps uint32) error {
	return m.updateAttr(func(attr *engine.EncodeAttr) {
		attr.FrameRate = fps
	})
}

// SetJPEGQuality reconfigures the JPEG quantization quality (1..99).
func (m *Module) SetJPEGQuality(quality uint32) error {
	if quality < 1 || quality > 99 {
		return fmt.Errorf("jpeg quality %d out of range 1..99", quality)
	}
	return m.updateAttr(func(attr *engine.EncodeAttr) {
		attr.JPEGQuality = quality
	})
}

func (m *Module) updateAttr(mutate func(*engine.EncodeAttr)) error {
	if m.State() == mediagraph.StateUninitialized {
		return mediagraph.ErrInvalidState
	}
	ep, _ := m.Endpoint()
	eng := m.engine()
	attr, err := eng.GetEncodeAttr(ep)
	if err != nil {
		return fmt.Errorf("get encode attr: %w", err)
	}
	mutate(&attr)
	if err := eng.SetEncodeAttr(ep, attr); err != nil {
		return fmt.Errorf("set encode attr: %w", err)
	}
	return nil
}

// Encoded returns the number of output frames delivered so far.
func (m *Module) Encoded() uint64 {
	return m.encoded.Load()
}

// Config returns the module's configuration.
func (m *Module) Config() Config {
	return m.cfg
}

func (m *Module) run() {
	defer m.wg.Done()
	ep, _ := m.Endpoint()
	eng := m.engine()
	for m.running.Load() {
		desc, err := eng.PollStream(ep, m.cfg.PollTimeout)
		if err != nil {
			if !errors.Is(err, engine.ErrNoFrame) {
				m.logger.Warn("stream poll failed", "error", err)
			}
			continue
		}
		frame := mediagraph.NewEncodedFrame(desc, func() {
			if err := eng.ReleaseStream(ep, desc); err != nil {
				m.logger.Warn("release stream failed", "error", err)
			}
		})
		m.encoded.Add(1)
		m.mu.Lock()
		out := m.output
		m.mu.Unlock()
		if out != nil && frame.Valid() {
			out(frame)
		} else {
			frame.Release()
		}
	}
}

func (m *Module) engine() engine.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eng
}
