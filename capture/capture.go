// Package capture implements the video capture source module. It wraps one
// capture channel of the hardware media engine and produces raw frames,
// either pulled by the caller or pushed through a registered output.
package capture

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

const defaultPollTimeout = 100 * time.Millisecond

// Config of a capture channel.
type Config struct {
	CameraID    int32
	Width       uint32
	Height      uint32
	PixelFormat engine.PixelFormat
	FrameRate   uint32
	BufCount    uint32
	Depth       uint32
	DeviceName  string
	Pipe        int32
	Channel     int32
	// PollTimeout bounds each worker poll; it is also the worst-case Stop
	// latency. Defaults to 100ms.
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
	if c.BufCount == 0 {
		c.BufCount = 3
	}
	if c.Depth == 0 {
		c.Depth = 2
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = defaultPollTimeout
	}
	return c
}

// Module is the capture source. One worker goroutine polls the engine with
// a bounded timeout and moves each acquired frame into the registered
// output.
type Module struct {
	mediagraph.Core

	cfg    Config
	ctx    *engine.Context
	logger *slog.Logger

	mu     sync.Mutex
	eng    engine.Engine
	output func(mediagraph.Frame)

	channelCreated bool
	running        atomic.Bool
	wg             sync.WaitGroup
}

var _ mediagraph.FrameSource = (*Module)(nil)

// New creates an uninitialized capture module. ctx is the shared engine
// context owned by the composition root.
func New(ctx *engine.Context, cfg Config) *Module {
	return &Module{
		Core:   mediagraph.NewCore("capture", mediagraph.KindSource),
		cfg:    cfg.withDefaults(),
		ctx:    ctx,
		logger: slog.Default().With("module", "capture"),
	}
}

// Endpoint returns the capture channel's address for hardware binding.
func (m *Module) Endpoint() (engine.Endpoint, bool) {
	return engine.Endpoint{
		Module:  engine.ModuleCapture,
		Device:  m.cfg.Pipe,
		Channel: m.cfg.Channel,
	}, true
}

// Initialize acquires the engine and creates the capture channel.
// Idempotent when already initialized.
func (m *Module) Initialize() error {
	switch m.State() {
	case mediagraph.StateInitialized, mediagraph.StateRunning:
		m.logger.Warn("already initialized")
		return nil
	case mediagraph.StateUninitialized:
	default:
		return fmt.Errorf("initialize from %s: %w", m.State(), mediagraph.ErrInvalidState)
	}

	m.logger.Info("initializing capture",
		"width", m.cfg.Width, "height", m.cfg.Height, "fps", m.cfg.FrameRate)

	eng, err := m.ctx.Acquire()
	if err != nil {
		m.SetState(mediagraph.StateError)
		return err
	}

	ep, _ := m.Endpoint()
	err = eng.CreateCaptureChannel(ep, engine.CaptureAttr{
		Width:       m.cfg.Width,
		Height:      m.cfg.Height,
		PixelFormat: m.cfg.PixelFormat,
		FrameRate:   m.cfg.FrameRate,
		BufCount:    m.cfg.BufCount,
		Depth:       m.cfg.Depth,
		DeviceName:  m.cfg.DeviceName,
	})
	if err != nil {
		m.ctx.Release()
		m.SetState(mediagraph.StateError)
		return fmt.Errorf("create capture channel: %w", err)
	}

	m.mu.Lock()
	m.eng = eng
	m.mu.Unlock()
	m.channelCreated = true
	m.SetState(mediagraph.StateInitialized)
	return nil
}

// Start launches the worker goroutine. Callers that hardware-bound this
// module's channel to a downstream stage must not Start it: the poll loop
// would compete with the device binding for frames.
func (m *Module) Start() error {
	if !m.CanStart() {
		return fmt.Errorf("start from %s: %w", m.State(), mediagraph.ErrInvalidState)
	}
	m.running.Store(true)
	m.wg.Add(1)
	go m.run()
	m.SetState(mediagraph.StateRunning)
	m.logger.Info("capture started")
	return nil
}

// Stop signals the worker and joins it. No output callback fires after
// Stop returns; latency is bounded by one poll timeout.
func (m *Module) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.wg.Wait()
	m.SetState(mediagraph.StateStopped)
	m.logger.Info("capture stopped")
}

// Close stops the module and releases the channel and the engine
// reference, in reverse of their acquisition.
func (m *Module) Close() error {
	m.Stop()
	if m.channelCreated {
		ep, _ := m.Endpoint()
		if err := m.engine().DestroyCaptureChannel(ep); err != nil {
			m.logger.Warn("destroy capture channel failed", "error", err)
		}
		m.channelCreated = false
		m.ctx.Release()
	}
	m.SetState(mediagraph.StateClosed)
	return nil
}

// PushFrame rejects: capture is hardware-sourced and never receives
// pushes.
func (m *Module) PushFrame(mediagraph.Frame) error {
	return mediagraph.ErrPushNotSupported
}

// SetOutput registers the frame output. The output takes ownership of
// every delivered frame and runs on the worker goroutine.
func (m *Module) SetOutput(fn func(mediagraph.Frame)) {
	m.mu.Lock()
	m.output = fn
	m.mu.Unlock()
}

// GetFrame polls one frame (pull mode). Returns engine.ErrNoFrame when no
// frame arrived within timeout; the caller owns the returned frame.
func (m *Module) GetFrame(timeout time.Duration) (*mediagraph.RawFrame, error) {
	s := m.State()
	if s != mediagraph.StateInitialized && s != mediagraph.StateRunning {
		return nil, fmt.Errorf("get frame from %s: %w", s, mediagraph.ErrInvalidState)
	}
	return m.acquire(timeout)
}

func (m *Module) acquire(timeout time.Duration) (*mediagraph.RawFrame, error) {
	ep, _ := m.Endpoint()
	eng := m.engine()
	desc, err := eng.AcquireFrame(ep, timeout)
	if err != nil {
		return nil, err
	}
	return mediagraph.NewRawFrame(desc, func() {
		if err := eng.ReleaseFrame(ep, desc); err != nil {
			m.logger.Warn("release frame failed", "error", err)
		}
	}), nil
}

func (m *Module) run() {
	defer m.wg.Done()
	for m.running.Load() {
		frame, err := m.acquire(m.cfg.PollTimeout)
		if err != nil {
			if !errors.Is(err, engine.ErrNoFrame) {
				// A single failed poll is never fatal.
				m.logger.Warn("frame acquisition failed", "error", err)
			}
			continue
		}
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

// SetFrameRate reconfigures the sensor frame rate.
func (m *Module) SetFrameRate(fps uint32) error {
	if m.State() == mediagraph.StateUninitialized {
		return mediagraph.ErrInvalidState
	}
	ep, _ := m.Endpoint()
	return m.engine().SetCaptureFrameRate(ep, fps)
}

// SetMirrorFlip reconfigures sensor mirroring.
func (m *Module) SetMirrorFlip(mirror, flip bool) error {
	if m.State() == mediagraph.StateUninitialized {
		return mediagraph.ErrInvalidState
	}
	ep, _ := m.Endpoint()
	return m.engine().SetMirrorFlip(ep, mirror, flip)
}

// CurrentFPS queries the channel's measured frame rate, 0 when unknown.
func (m *Module) CurrentFPS() uint32 {
	if m.State() == mediagraph.StateUninitialized {
		return 0
	}
	ep, _ := m.Endpoint()
	status, err := m.engine().QueryCaptureStatus(ep)
	if err != nil {
		return 0
	}
	return status.FrameRate
}

// Config returns the module's configuration.
func (m *Module) Config() Config {
	return m.cfg
}

func (m *Module) engine() engine.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eng
}
