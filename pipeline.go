package mediagraph

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rvmedia/mediagraph/engine"
)

// softwareBindQueue bounds the frame channel of one software binding.
// When the consumer falls behind, the oldest pending frame is released and
// dropped.
const softwareBindQueue = 16

// BindKind distinguishes device-level bindings from callback bindings.
type BindKind int

const (
	// BindHardware connects two engine channels at the device level; data
	// flows without application code in the loop.
	BindHardware BindKind = iota
	// BindSoftware forwards frames through a bounded channel into the
	// destination module's PushFrame.
	BindSoftware
)

type binding struct {
	kind  BindKind
	srcEP engine.Endpoint
	dstEP engine.Endpoint

	src FrameSource
	dst Module

	frames chan Frame
	done   chan struct{}
	wg     sync.WaitGroup
	drops  atomic.Uint64
}

// enqueue hands a frame to the binding's forwarder. A full queue drops the
// oldest pending frame.
func (b *binding) enqueue(f Frame) {
	for {
		select {
		case b.frames <- f:
			return
		default:
		}
		select {
		case old := <-b.frames:
			old.Release()
			b.drops.Add(1)
		default:
		}
	}
}

// forward is the binding's consumer loop. Frames reaching a destination
// that was closed in the meantime are silently released and dropped.
func (b *binding) forward() {
	defer b.wg.Done()
	for {
		select {
		case f := <-b.frames:
			b.deliver(f)
		case <-b.done:
			for {
				select {
				case f := <-b.frames:
					f.Release()
				default:
					return
				}
			}
		}
	}
}

func (b *binding) deliver(f Frame) {
	if b.dst.State() == StateClosed {
		f.Release()
		b.drops.Add(1)
		return
	}
	if err := b.dst.PushFrame(f); err != nil {
		f.Release()
		b.drops.Add(1)
	}
}

// Pipeline owns a set of modules and the bindings between them. Bindings
// are reversed, each idempotently, before the pipeline's Close completes.
type Pipeline struct {
	mu       sync.Mutex
	ctx      *engine.Context
	modules  map[string]Module
	order    []string
	bindings []*binding
	logger   *slog.Logger
}

// NewPipeline creates an empty pipeline. ctx is the shared engine context
// used for device-level bindings; it may be nil for purely software-bound
// pipelines.
func NewPipeline(ctx *engine.Context) *Pipeline {
	return &Pipeline{
		ctx:     ctx,
		modules: make(map[string]Module),
		logger:  slog.Default(),
	}
}

// Register adds a module under name. Registering an existing name replaces
// the module and logs a warning.
func (p *Pipeline) Register(name string, m Module) error {
	if m == nil {
		return fmt.Errorf("cannot register nil module %q", name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.modules[name]; ok {
		p.logger.Warn("module already registered, replacing", "module", name)
	} else {
		p.order = append(p.order, name)
	}
	p.modules[name] = m
	return nil
}

// Module returns the module registered under name, nil if absent.
func (p *Pipeline) Module(name string) Module {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modules[name]
}

// Modules returns the registered modules in registration order.
func (p *Pipeline) Modules() []Module {
	p.mu.Lock()
	defer p.mu.Unlock()
	ms := make([]Module, 0, len(p.order))
	for _, name := range p.order {
		ms = append(ms, p.modules[name])
	}
	return ms
}

// BindHardware connects two engine channels at the device level. On
// failure no binding record is created and the pipeline is unchanged.
//
// Hardware bindings must be established before starting the endpoint
// modules. Once bound, the source channel's frames flow to the
// destination: the caller must not also run the source module's own poll
// loop, the framework provides no mutual exclusion between the two.
func (p *Pipeline) BindHardware(src, dst engine.Endpoint) error {
	if p.ctx == nil {
		return errors.New("pipeline has no engine context")
	}
	eng, err := p.ctx.Acquire()
	if err != nil {
		return fmt.Errorf("bind %v -> %v: %w", src, dst, err)
	}
	if err := eng.Bind(src, dst); err != nil {
		p.ctx.Release()
		return fmt.Errorf("bind %v -> %v: %w", src, dst, err)
	}
	p.logger.Info("hardware binding established", "src", src, "dst", dst)

	p.mu.Lock()
	p.bindings = append(p.bindings, &binding{
		kind:  BindHardware,
		srcEP: src,
		dstEP: dst,
	})
	p.mu.Unlock()
	return nil
}

// BindSoftware installs a forwarder that moves every frame produced by src
// into dst's PushFrame. Frames are never copied; a destination that has
// been closed drops incoming frames silently.
func (p *Pipeline) BindSoftware(src FrameSource, dst Module) error {
	if src == nil || dst == nil {
		return errors.New("cannot bind nil modules")
	}
	b := &binding{
		kind:   BindSoftware,
		src:    src,
		dst:    dst,
		frames: make(chan Frame, softwareBindQueue),
		done:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.forward()
	src.SetOutput(b.enqueue)

	p.logger.Info("software binding established", "src", src.Name(), "dst", dst.Name())

	p.mu.Lock()
	p.bindings = append(p.bindings, b)
	p.mu.Unlock()
	return nil
}

// InitializeAll initializes every module in registration order, stopping
// at the first failure.
func (p *Pipeline) InitializeAll() error {
	for _, m := range p.Modules() {
		if err := m.Initialize(); err != nil {
			return fmt.Errorf("initialize %s: %w", m.Name(), err)
		}
	}
	return nil
}

// StartAll starts every module in registration order, stopping at the
// first failure.
func (p *Pipeline) StartAll() error {
	for _, m := range p.Modules() {
		if err := m.Start(); err != nil {
			return fmt.Errorf("start %s: %w", m.Name(), err)
		}
	}
	return nil
}

// StopAll stops every module in reverse registration order.
func (p *Pipeline) StopAll() {
	ms := p.Modules()
	for i := len(ms) - 1; i >= 0; i-- {
		ms[i].Stop()
	}
}

// UnbindAll reverses every recorded binding: hardware bindings issue the
// device-level unbind, software bindings shut down their forwarder and
// release pending frames. Safe to call repeatedly.
func (p *Pipeline) UnbindAll() {
	p.mu.Lock()
	bindings := p.bindings
	p.bindings = nil
	p.mu.Unlock()

	for i := len(bindings) - 1; i >= 0; i-- {
		b := bindings[i]
		switch b.kind {
		case BindHardware:
			if eng, err := p.ctx.Acquire(); err == nil {
				if err := eng.Unbind(b.srcEP, b.dstEP); err != nil {
					p.logger.Warn("device unbind failed", "src", b.srcEP, "dst", b.dstEP, "error", err)
				}
				p.ctx.Release()
			}
			// Drop the reference held since BindHardware.
			p.ctx.Release()
		case BindSoftware:
			b.src.SetOutput(nil)
			close(b.done)
			b.wg.Wait()
		}
	}
}

// Drops returns the total number of frames dropped by software bindings.
func (p *Pipeline) Drops() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total uint64
	for _, b := range p.bindings {
		total += b.drops.Load()
	}
	return total
}

// Close stops all modules and reverses all bindings. The modules
// themselves stay alive; their owner closes them.
func (p *Pipeline) Close() error {
	p.StopAll()
	p.UnbindAll()
	return nil
}
