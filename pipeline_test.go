package mediagraph

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvmedia/mediagraph/engine"
)

// fakeSource is a minimal FrameSource driven manually from the test.
type fakeSource struct {
	Core
	mu     sync.Mutex
	output func(Frame)
}

func newFakeSource() *fakeSource {
	s := &fakeSource{Core: NewCore("fakesrc", KindSource)}
	s.SetState(StateInitialized)
	return s
}

func (s *fakeSource) Initialize() error { return nil }

func (s *fakeSource) Start() error {
	if !s.CanStart() {
		return ErrInvalidState
	}
	s.SetState(StateRunning)
	return nil
}

func (s *fakeSource) Stop()        { s.SetState(StateStopped) }
func (s *fakeSource) Close() error { s.SetState(StateClosed); return nil }

func (s *fakeSource) PushFrame(Frame) error { return ErrPushNotSupported }

func (s *fakeSource) Endpoint() (engine.Endpoint, bool) { return engine.Endpoint{}, false }

func (s *fakeSource) SetOutput(fn func(Frame)) {
	s.mu.Lock()
	s.output = fn
	s.mu.Unlock()
}

func (s *fakeSource) emit(f Frame) {
	s.mu.Lock()
	out := s.output
	s.mu.Unlock()
	if out != nil {
		out(f)
	} else {
		f.Release()
	}
}

// fakeSink records pushed frames and releases them.
type fakeSink struct {
	Core
	mu       sync.Mutex
	received int
}

func newFakeSink() *fakeSink {
	s := &fakeSink{Core: NewCore("fakesink", KindSink)}
	s.SetState(StateRunning)
	return s
}

func (s *fakeSink) Initialize() error { return nil }
func (s *fakeSink) Start() error      { s.SetState(StateRunning); return nil }
func (s *fakeSink) Stop()             { s.SetState(StateStopped) }
func (s *fakeSink) Close() error      { s.SetState(StateClosed); return nil }

func (s *fakeSink) PushFrame(f Frame) error {
	s.mu.Lock()
	s.received++
	s.mu.Unlock()
	f.Release()
	return nil
}

func (s *fakeSink) Endpoint() (engine.Endpoint, bool) { return engine.Endpoint{}, false }

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func testFrame(onRelease func()) *RawFrame {
	return NewRawFrame(engine.RawDescriptor{
		Handle: &testBuffer{data: make([]byte, 8)},
	}, onRelease)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSoftwareBindingDelivers(t *testing.T) {
	src := newFakeSource()
	dst := newFakeSink()
	p := NewPipeline(nil)
	require.NoError(t, p.Register("src", src))
	require.NoError(t, p.Register("dst", dst))
	require.NoError(t, p.BindSoftware(src, dst))
	defer p.UnbindAll()

	var mu sync.Mutex
	released := 0
	src.emit(testFrame(func() { mu.Lock(); released++; mu.Unlock() }))

	waitFor(t, func() bool { return dst.count() == 1 })
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return released == 1 })
}

func TestSoftwareBindingDropsAfterDestinationClosed(t *testing.T) {
	src := newFakeSource()
	dst := newFakeSink()
	p := NewPipeline(nil)
	require.NoError(t, p.BindSoftware(src, dst))
	defer p.UnbindAll()

	dst.Close()

	var mu sync.Mutex
	released := 0
	src.emit(testFrame(func() { mu.Lock(); released++; mu.Unlock() }))

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return released == 1 })
	assert.Equal(t, 0, dst.count())
	assert.Equal(t, uint64(1), p.Drops())
}

func TestSoftwareBindingDropsOldestWhenFull(t *testing.T) {
	src := newFakeSource()
	dst := newFakeSink()
	p := NewPipeline(nil)
	require.NoError(t, p.BindSoftware(src, dst))

	var mu sync.Mutex
	released := 0
	total := softwareBindQueue * 4
	for i := 0; i < total; i++ {
		src.emit(testFrame(func() { mu.Lock(); released++; mu.Unlock() }))
	}
	p.UnbindAll()

	// Every frame was either delivered (and released by the sink) or
	// dropped (and released by the binding).
	mu.Lock()
	assert.Equal(t, total, released)
	mu.Unlock()
}

func TestUnbindAllIdempotent(t *testing.T) {
	src := newFakeSource()
	dst := newFakeSink()
	p := NewPipeline(nil)
	require.NoError(t, p.BindSoftware(src, dst))

	p.UnbindAll()
	assert.NotPanics(t, func() { p.UnbindAll() })
	assert.NotPanics(t, func() { p.UnbindAll() })
}

func TestRegisterReplacesDuplicate(t *testing.T) {
	p := NewPipeline(nil)
	a := newFakeSink()
	b := newFakeSink()
	require.NoError(t, p.Register("sink", a))
	require.NoError(t, p.Register("sink", b))
	assert.Len(t, p.Modules(), 1)
	assert.Same(t, Module(b), p.Module("sink"))
}

func TestRegisterNilModule(t *testing.T) {
	p := NewPipeline(nil)
	assert.Error(t, p.Register("nil", nil))
}

func TestStartAllStopsAtFirstFailure(t *testing.T) {
	p := NewPipeline(nil)
	src := newFakeSource()
	src.SetState(StateUninitialized) // Start must fail
	require.NoError(t, p.Register("bad", src))
	assert.ErrorIs(t, p.StartAll(), ErrInvalidState)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "closed", StateClosed.String())
}

func TestCoreCanStart(t *testing.T) {
	c := NewCore("m", KindSink)
	assert.False(t, c.CanStart())
	c.SetState(StateInitialized)
	assert.True(t, c.CanStart())
	c.SetState(StateRunning)
	assert.False(t, c.CanStart())
	c.SetState(StateStopped)
	assert.True(t, c.CanStart())
}
