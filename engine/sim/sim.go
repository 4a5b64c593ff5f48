// Package sim implements the engine contract in software. Capture channels
// synthesize raw frames at their configured rate, encode channels emit
// Annex-B access units following the configured GOP structure and bitrate,
// and device binds route capture output straight into encoder inputs.
//
// The package stands in for the vendor's media processing userspace library
// during tests and on development hosts without the hardware.
package sim

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rvmedia/mediagraph/engine"
)

var errNotInitialized = errors.New("sim: engine not initialized")

type buffer struct {
	data []byte
}

func (b *buffer) Data() []byte { return b.data }

// Option configures the simulated engine.
type Option func(*Engine)

// WithInitError makes every Init attempt fail with err. Used to exercise
// the context's rollback path.
func WithInitError(err error) Option {
	return func(e *Engine) {
		e.initErr = err
	}
}

// Engine is a software implementation of engine.Engine.
type Engine struct {
	mu          sync.Mutex
	initialized bool
	initErr     error
	epoch       time.Time
	captures    map[engine.Endpoint]*captureChannel
	encoders    map[engine.Endpoint]*encodeChannel
	binds       map[engine.Endpoint][]engine.Endpoint

	initCalls     atomic.Int32
	shutdownCalls atomic.Int32

	logger *slog.Logger
}

var _ engine.Engine = (*Engine)(nil)

func New(opts ...Option) *Engine {
	e := &Engine{
		captures: make(map[engine.Endpoint]*captureChannel),
		encoders: make(map[engine.Endpoint]*encodeChannel),
		binds:    make(map[engine.Endpoint][]engine.Endpoint),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initCalls.Add(1)
	if e.initErr != nil {
		return e.initErr
	}
	e.initialized = true
	e.epoch = time.Now()
	return nil
}

func (e *Engine) Shutdown() error {
	e.mu.Lock()
	captures := e.captures
	encoders := e.encoders
	e.captures = make(map[engine.Endpoint]*captureChannel)
	e.encoders = make(map[engine.Endpoint]*encodeChannel)
	e.binds = make(map[engine.Endpoint][]engine.Endpoint)
	e.initialized = false
	e.shutdownCalls.Add(1)
	e.mu.Unlock()

	for _, c := range captures {
		c.close()
	}
	for _, c := range encoders {
		c.close()
	}
	return nil
}

// InitCalls reports how often Init ran. Test hook.
func (e *Engine) InitCalls() int { return int(e.initCalls.Load()) }

// ShutdownCalls reports how often Shutdown ran. Test hook.
func (e *Engine) ShutdownCalls() int { return int(e.shutdownCalls.Load()) }

// now returns the current stream time in microseconds since Init.
func (e *Engine) now() uint64 {
	e.mu.Lock()
	epoch := e.epoch
	e.mu.Unlock()
	return uint64(time.Since(epoch).Microseconds())
}

func (e *Engine) CreateCaptureChannel(ep Endpoint, attr engine.CaptureAttr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return errNotInitialized
	}
	if _, ok := e.captures[ep]; ok {
		return errors.New("sim: capture channel already exists")
	}
	e.captures[ep] = newCaptureChannel(ep, attr, e.now)
	return nil
}

func (e *Engine) DestroyCaptureChannel(ep Endpoint) error {
	e.mu.Lock()
	c, ok := e.captures[ep]
	delete(e.captures, ep)
	e.mu.Unlock()
	if !ok {
		return engine.ErrNoChannel
	}
	c.close()
	return nil
}

func (e *Engine) AcquireFrame(ep Endpoint, timeout time.Duration) (engine.RawDescriptor, error) {
	c, err := e.capture(ep)
	if err != nil {
		return engine.RawDescriptor{}, err
	}
	return c.acquire(timeout)
}

func (e *Engine) ReleaseFrame(ep Endpoint, desc engine.RawDescriptor) error {
	c, err := e.capture(ep)
	if err != nil {
		return err
	}
	buf, ok := desc.Handle.(*buffer)
	if !ok {
		return errors.New("sim: foreign buffer handle")
	}
	c.recycle(buf)
	return nil
}

func (e *Engine) SetCaptureFrameRate(ep Endpoint, fps uint32) error {
	c, err := e.capture(ep)
	if err != nil {
		return err
	}
	c.setFrameRate(fps)
	return nil
}

func (e *Engine) SetMirrorFlip(ep Endpoint, mirror, flip bool) error {
	c, err := e.capture(ep)
	if err != nil {
		return err
	}
	c.setMirrorFlip(mirror, flip)
	return nil
}

func (e *Engine) QueryCaptureStatus(ep Endpoint) (engine.CaptureStatus, error) {
	c, err := e.capture(ep)
	if err != nil {
		return engine.CaptureStatus{}, err
	}
	return c.status(), nil
}

func (e *Engine) CreateEncodeChannel(ep Endpoint, attr engine.EncodeAttr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return errNotInitialized
	}
	if _, ok := e.encoders[ep]; ok {
		return errors.New("sim: encode channel already exists")
	}
	e.encoders[ep] = newEncodeChannel(ep, attr)
	return nil
}

func (e *Engine) DestroyEncodeChannel(ep Endpoint) error {
	e.mu.Lock()
	c, ok := e.encoders[ep]
	delete(e.encoders, ep)
	e.mu.Unlock()
	if !ok {
		return engine.ErrNoChannel
	}
	c.close()
	return nil
}

func (e *Engine) GetEncodeAttr(ep Endpoint) (engine.EncodeAttr, error) {
	c, err := e.encoder(ep)
	if err != nil {
		return engine.EncodeAttr{}, err
	}
	return c.getAttr(), nil
}

func (e *Engine) SetEncodeAttr(ep Endpoint, attr engine.EncodeAttr) error {
	c, err := e.encoder(ep)
	if err != nil {
		return err
	}
	c.setAttr(attr)
	return nil
}

func (e *Engine) StartReceive(ep Endpoint, count int) error {
	c, err := e.encoder(ep)
	if err != nil {
		return err
	}
	c.startReceive(count)
	return nil
}

func (e *Engine) StopReceive(ep Endpoint) error {
	c, err := e.encoder(ep)
	if err != nil {
		return err
	}
	c.stopReceive()
	return nil
}

func (e *Engine) SubmitFrame(ep Endpoint, desc engine.RawDescriptor, timeout time.Duration) error {
	c, err := e.encoder(ep)
	if err != nil {
		return err
	}
	// The engine only needs the frame's metadata; the caller keeps its
	// release obligation.
	return c.submit(submission{pts: desc.PTS}, timeout)
}

func (e *Engine) PollStream(ep Endpoint, timeout time.Duration) (engine.StreamDescriptor, error) {
	c, err := e.encoder(ep)
	if err != nil {
		return engine.StreamDescriptor{}, err
	}
	return c.poll(timeout)
}

func (e *Engine) ReleaseStream(ep Endpoint, desc engine.StreamDescriptor) error {
	if _, err := e.encoder(ep); err != nil {
		return err
	}
	// Stream buffers are heap-backed; nothing to return to a pool.
	return nil
}

func (e *Engine) RequestKeyFrame(ep Endpoint) error {
	c, err := e.encoder(ep)
	if err != nil {
		return err
	}
	c.forceIDR.Store(true)
	return nil
}

// Bind routes src capture output straight into the dst encoder, bypassing
// the user-visible frame queue. One capture channel can feed several
// encoders; the shared buffer returns to the pool once every consumer is
// done with it.
func (e *Engine) Bind(src, dst Endpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return errNotInitialized
	}
	cc, ok := e.captures[src]
	if !ok {
		return engine.ErrNoChannel
	}
	if _, ok := e.encoders[dst]; !ok {
		return engine.ErrNoChannel
	}
	for _, bound := range e.binds[src] {
		if bound == dst {
			return errors.New("sim: endpoints already bound")
		}
	}
	e.binds[src] = append(e.binds[src], dst)
	cc.setSink(e.fanoutLocked(src))
	e.logger.Debug("device bind established", "src", src, "dst", dst)
	return nil
}

func (e *Engine) Unbind(src, dst Endpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	dsts := e.binds[src]
	idx := -1
	for i, bound := range dsts {
		if bound == dst {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.New("sim: endpoints not bound")
	}
	dsts = append(dsts[:idx], dsts[idx+1:]...)
	if len(dsts) == 0 {
		delete(e.binds, src)
	} else {
		e.binds[src] = dsts
	}
	if cc, ok := e.captures[src]; ok {
		if len(dsts) == 0 {
			cc.setSink(nil)
		} else {
			cc.setSink(e.fanoutLocked(src))
		}
	}
	return nil
}

// fanoutLocked builds the sink that delivers one captured frame to every
// encoder currently bound to src. Callers hold e.mu.
func (e *Engine) fanoutLocked(src Endpoint) frameSink {
	encoders := make([]*encodeChannel, 0, len(e.binds[src]))
	for _, dst := range e.binds[src] {
		if enc, ok := e.encoders[dst]; ok {
			encoders = append(encoders, enc)
		}
	}
	return func(desc engine.RawDescriptor, done func()) {
		var pending atomic.Int32
		pending.Store(int32(len(encoders)))
		release := func() {
			if pending.Add(-1) == 0 {
				done()
			}
		}
		for _, enc := range encoders {
			if err := enc.submit(submission{pts: desc.PTS, done: release}, 0); err != nil {
				release()
			}
		}
	}
}

func (e *Engine) capture(ep Endpoint) (*captureChannel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.captures[ep]
	if !ok {
		return nil, engine.ErrNoChannel
	}
	return c, nil
}

func (e *Engine) encoder(ep Endpoint) (*encodeChannel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.encoders[ep]
	if !ok {
		return nil, engine.ErrNoChannel
	}
	return c, nil
}

// Endpoint aliases engine.Endpoint for readability of the method set.
type Endpoint = engine.Endpoint
