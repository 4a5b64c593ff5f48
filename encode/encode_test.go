package encode

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvmedia/mediagraph"
	"github.com/rvmedia/mediagraph/capture"
	"github.com/rvmedia/mediagraph/engine"
	"github.com/rvmedia/mediagraph/engine/sim"
)

func TestHardwareBoundEncoding(t *testing.T) {
	ctx := engine.NewContext(sim.New())

	cam := capture.New(ctx, capture.Config{Width: 1920, Height: 1080, FrameRate: 100})
	enc := New(ctx, Config{
		Codec:       engine.CodecH264,
		Width:       1920,
		Height:      1080,
		FrameRate:   100,
		BitrateKbps: 4000,
		RateControl: engine.RateControlCBR,
	})
	defer cam.Close()
	defer enc.Close()

	require.NoError(t, cam.Initialize())
	require.NoError(t, enc.Initialize())

	var mu sync.Mutex
	frames := 0
	keyFrames := 0
	bytes := 0
	enc.SetOutput(func(f mediagraph.Frame) {
		ef := f.(*mediagraph.EncodedFrame)
		mu.Lock()
		frames++
		if ef.KeyFrame() {
			keyFrames++
		}
		bytes += ef.Size()
		mu.Unlock()
		f.Release()
	})
	require.NoError(t, enc.Start())

	eng, err := ctx.Acquire()
	require.NoError(t, err)
	defer ctx.Release()
	capEP, _ := cam.Endpoint()
	encEP, _ := enc.Endpoint()
	require.NoError(t, eng.Bind(capEP, encEP))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := frames
		mu.Unlock()
		if n >= 10 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	enc.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, frames, 10)
	assert.GreaterOrEqual(t, keyFrames, 1)
	assert.Positive(t, bytes)
	assert.Equal(t, uint64(frames), enc.Encoded())
}

func TestJPEGSingleShot(t *testing.T) {
	ctx := engine.NewContext(sim.New())

	cam := capture.New(ctx, capture.Config{Width: 640, Height: 480, FrameRate: 200})
	enc := New(ctx, Config{Codec: engine.CodecJPEG, Width: 640, Height: 480})
	defer cam.Close()
	defer enc.Close()

	require.NoError(t, cam.Initialize())
	require.NoError(t, enc.Initialize())

	shots := make(chan mediagraph.Frame, 4)
	enc.SetOutput(func(f mediagraph.Frame) { shots <- f })
	require.NoError(t, enc.Start())

	// Unarmed submissions must fail.
	frame, err := cam.GetFrame(time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, enc.PushFrame(frame), engine.ErrNotArmed)

	require.NoError(t, enc.StartReceive(1))

	frame, err = cam.GetFrame(time.Second)
	require.NoError(t, err)
	require.NoError(t, enc.PushFrame(frame))

	select {
	case f := <-shots:
		ef := f.(*mediagraph.EncodedFrame)
		data := ef.Data()
		assert.Equal(t, []byte{0xff, 0xd8}, data[:2])
		assert.Equal(t, []byte{0xff, 0xd9}, data[len(data)-2:])
		f.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot produced")
	}

	// Exactly one: the armed window is spent.
	frame, err = cam.GetFrame(time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, enc.PushFrame(frame), engine.ErrNotArmed)

	select {
	case <-shots:
		t.Fatal("unexpected second snapshot")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestJPEGRetargetsToFrameSize(t *testing.T) {
	ctx := engine.NewContext(sim.New())

	cam := capture.New(ctx, capture.Config{Width: 1280, Height: 720, FrameRate: 200})
	enc := New(ctx, Config{Codec: engine.CodecJPEG, Width: 640, Height: 480})
	defer cam.Close()
	defer enc.Close()

	require.NoError(t, cam.Initialize())
	require.NoError(t, enc.Initialize())
	require.NoError(t, enc.StartReceive(1))

	frame, err := cam.GetFrame(time.Second)
	require.NoError(t, err)
	require.NoError(t, enc.PushFrame(frame))

	eng, err := ctx.Acquire()
	require.NoError(t, err)
	defer ctx.Release()
	encEP, _ := enc.Endpoint()
	attr, err := eng.GetEncodeAttr(encEP)
	require.NoError(t, err)
	assert.Equal(t, uint32(1280), attr.Width)
	assert.Equal(t, uint32(720), attr.Height)
}

func TestRuntimeReconfiguration(t *testing.T) {
	ctx := engine.NewContext(sim.New())
	enc := New(ctx, Config{BitrateKbps: 2000, FrameRate: 30})
	defer enc.Close()

	assert.ErrorIs(t, enc.SetBitrate(4000), mediagraph.ErrInvalidState)

	require.NoError(t, enc.Initialize())
	require.NoError(t, enc.SetBitrate(6000))
	require.NoError(t, enc.SetFrameRate(15))
	assert.Error(t, enc.SetJPEGQuality(0))
	assert.Error(t, enc.SetJPEGQuality(100))
	require.NoError(t, enc.SetJPEGQuality(90))
	require.NoError(t, enc.RequestKeyFrame())

	eng, err := ctx.Acquire()
	require.NoError(t, err)
	defer ctx.Release()
	ep, _ := enc.Endpoint()
	attr, err := eng.GetEncodeAttr(ep)
	require.NoError(t, err)
	assert.Equal(t, uint32(6000), attr.BitrateKbps)
	assert.Equal(t, uint32(15), attr.FrameRate)
	assert.Equal(t, uint32(90), attr.JPEGQuality)
}

func TestPushFrameRejectsEncodedInput(t *testing.T) {
	ctx := engine.NewContext(sim.New())
	enc := New(ctx, Config{})
	defer enc.Close()
	require.NoError(t, enc.Initialize())

	released := 0
	f := mediagraph.NewEncodedFrame(engine.StreamDescriptor{
		Packets: []engine.Packet{{Type: engine.NALUPSlice, Data: []byte{1}}},
	}, func() { released++ })
	assert.Error(t, enc.PushFrame(f))
	assert.Equal(t, 1, released)
}
