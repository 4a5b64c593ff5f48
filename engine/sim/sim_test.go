package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvmedia/mediagraph/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New()
	require.NoError(t, e.Init())
	t.Cleanup(func() { e.Shutdown() })
	return e
}

func TestCaptureProducesFrames(t *testing.T) {
	e := newTestEngine(t)
	ep := engine.Endpoint{Module: engine.ModuleCapture}
	require.NoError(t, e.CreateCaptureChannel(ep, engine.CaptureAttr{
		Width:     640,
		Height:    480,
		FrameRate: 200,
	}))

	desc, err := e.AcquireFrame(ep, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(640), desc.Width)
	assert.Equal(t, uint32(480), desc.Height)
	assert.Equal(t, uint32(640), desc.VirWidth)
	require.NotNil(t, desc.Handle)
	assert.Len(t, desc.Handle.Data(), 640*480*3/2)

	require.NoError(t, e.ReleaseFrame(ep, desc))
}

func TestCapturePoolExhaustionDrops(t *testing.T) {
	e := newTestEngine(t)
	ep := engine.Endpoint{Module: engine.ModuleCapture}
	require.NoError(t, e.CreateCaptureChannel(ep, engine.CaptureAttr{
		Width:     64,
		Height:    64,
		FrameRate: 500,
		BufCount:  2,
		Depth:     2,
	}))

	// Hold every buffer; production must drop, not block.
	held := make([]engine.RawDescriptor, 0, 2)
	for i := 0; i < 2; i++ {
		d, err := e.AcquireFrame(ep, time.Second)
		require.NoError(t, err)
		held = append(held, d)
	}
	_, err := e.AcquireFrame(ep, 50*time.Millisecond)
	assert.ErrorIs(t, err, engine.ErrNoFrame)

	for _, d := range held {
		require.NoError(t, e.ReleaseFrame(ep, d))
	}
	_, err = e.AcquireFrame(ep, time.Second)
	assert.NoError(t, err)

	status, err := e.QueryCaptureStatus(ep)
	require.NoError(t, err)
	assert.NotZero(t, status.Dropped)
}

func TestEncodeGOPStructure(t *testing.T) {
	e := newTestEngine(t)
	ep := engine.Endpoint{Module: engine.ModuleEncode}
	require.NoError(t, e.CreateEncodeChannel(ep, engine.EncodeAttr{
		Codec:     engine.CodecH264,
		FrameRate: 30,
		GOP:       4,
	}))
	require.NoError(t, e.StartReceive(ep, -1))

	var keyTypes [][]engine.NALUType
	for i := 0; i < 8; i++ {
		require.NoError(t, e.SubmitFrame(ep, engine.RawDescriptor{PTS: uint64(i)}, time.Second))
		desc, err := e.PollStream(ep, time.Second)
		require.NoError(t, err)
		types := make([]engine.NALUType, 0, len(desc.Packets))
		for _, p := range desc.Packets {
			types = append(types, p.Type)
		}
		keyTypes = append(keyTypes, types)
		require.NoError(t, e.ReleaseStream(ep, desc))
	}

	idr := []engine.NALUType{engine.NALUSPS, engine.NALUPPS, engine.NALUIDRSlice}
	assert.Equal(t, idr, keyTypes[0])
	assert.Equal(t, []engine.NALUType{engine.NALUPSlice}, keyTypes[1])
	// GOP of 4: frames 0 and 4 are IDR.
	assert.Equal(t, idr, keyTypes[4])
	assert.Equal(t, []engine.NALUType{engine.NALUPSlice}, keyTypes[7])
}

func TestEncodeForceIDR(t *testing.T) {
	e := newTestEngine(t)
	ep := engine.Endpoint{Module: engine.ModuleEncode}
	require.NoError(t, e.CreateEncodeChannel(ep, engine.EncodeAttr{GOP: 100}))
	require.NoError(t, e.StartReceive(ep, -1))

	encodeOne := func() engine.StreamDescriptor {
		require.NoError(t, e.SubmitFrame(ep, engine.RawDescriptor{}, time.Second))
		desc, err := e.PollStream(ep, time.Second)
		require.NoError(t, err)
		return desc
	}

	encodeOne() // IDR opens the stream
	delta := encodeOne()
	assert.Equal(t, engine.NALUPSlice, delta.Packets[0].Type)

	require.NoError(t, e.RequestKeyFrame(ep))
	key := encodeOne()
	assert.Equal(t, engine.NALUSPS, key.Packets[0].Type)
}

func TestEncodeNotArmed(t *testing.T) {
	e := newTestEngine(t)
	ep := engine.Endpoint{Module: engine.ModuleEncode}
	require.NoError(t, e.CreateEncodeChannel(ep, engine.EncodeAttr{Codec: engine.CodecJPEG}))

	err := e.SubmitFrame(ep, engine.RawDescriptor{}, time.Second)
	assert.ErrorIs(t, err, engine.ErrNotArmed)

	require.NoError(t, e.StartReceive(ep, 1))
	require.NoError(t, e.SubmitFrame(ep, engine.RawDescriptor{}, time.Second))

	// The armed count is spent.
	err = e.SubmitFrame(ep, engine.RawDescriptor{}, time.Second)
	assert.ErrorIs(t, err, engine.ErrNotArmed)

	desc, err := e.PollStream(ep, time.Second)
	require.NoError(t, err)
	data := desc.Packets[0].Data
	assert.Equal(t, []byte{0xff, 0xd8}, data[:2])
	assert.Equal(t, []byte{0xff, 0xd9}, data[len(data)-2:])
}

func TestBindRoutesCaptureIntoEncoder(t *testing.T) {
	e := newTestEngine(t)
	capEP := engine.Endpoint{Module: engine.ModuleCapture}
	encEP := engine.Endpoint{Module: engine.ModuleEncode}
	require.NoError(t, e.CreateCaptureChannel(capEP, engine.CaptureAttr{
		Width:     64,
		Height:    64,
		FrameRate: 200,
	}))
	require.NoError(t, e.CreateEncodeChannel(encEP, engine.EncodeAttr{}))
	require.NoError(t, e.StartReceive(encEP, -1))
	require.NoError(t, e.Bind(capEP, encEP))

	desc, err := e.PollStream(encEP, time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, desc.Packets)
	require.NoError(t, e.ReleaseStream(encEP, desc))

	// Bound capture output bypasses the user-visible queue.
	_, err = e.AcquireFrame(capEP, 20*time.Millisecond)
	assert.ErrorIs(t, err, engine.ErrNoFrame)

	require.NoError(t, e.Unbind(capEP, encEP))
	_, err = e.AcquireFrame(capEP, time.Second)
	assert.NoError(t, err)
}

func TestBindFansOutToMultipleEncoders(t *testing.T) {
	e := newTestEngine(t)
	capEP := engine.Endpoint{Module: engine.ModuleCapture}
	mainEP := engine.Endpoint{Module: engine.ModuleEncode, Channel: 0}
	subEP := engine.Endpoint{Module: engine.ModuleEncode, Channel: 1}
	require.NoError(t, e.CreateCaptureChannel(capEP, engine.CaptureAttr{
		Width:     64,
		Height:    64,
		FrameRate: 200,
	}))
	require.NoError(t, e.CreateEncodeChannel(mainEP, engine.EncodeAttr{}))
	require.NoError(t, e.CreateEncodeChannel(subEP, engine.EncodeAttr{}))
	require.NoError(t, e.StartReceive(mainEP, -1))
	require.NoError(t, e.StartReceive(subEP, -1))
	require.NoError(t, e.Bind(capEP, mainEP))
	require.NoError(t, e.Bind(capEP, subEP))
	assert.Error(t, e.Bind(capEP, subEP))

	for _, ep := range []engine.Endpoint{mainEP, subEP} {
		desc, err := e.PollStream(ep, time.Second)
		require.NoError(t, err)
		assert.NotEmpty(t, desc.Packets)
		require.NoError(t, e.ReleaseStream(ep, desc))
	}

	// Unbinding one destination keeps the other fed.
	require.NoError(t, e.Unbind(capEP, subEP))
	assert.Error(t, e.Unbind(capEP, subEP))
	_, err := e.PollStream(mainEP, time.Second)
	require.NoError(t, err)

	require.NoError(t, e.Unbind(capEP, mainEP))
	_, err = e.AcquireFrame(capEP, time.Second)
	assert.NoError(t, err)
}

func TestChannelLifecycleErrors(t *testing.T) {
	e := newTestEngine(t)
	ep := engine.Endpoint{Module: engine.ModuleCapture}

	_, err := e.AcquireFrame(ep, 0)
	assert.ErrorIs(t, err, engine.ErrNoChannel)
	assert.ErrorIs(t, e.DestroyCaptureChannel(ep), engine.ErrNoChannel)

	require.NoError(t, e.CreateCaptureChannel(ep, engine.CaptureAttr{Width: 64, Height: 64}))
	assert.Error(t, e.CreateCaptureChannel(ep, engine.CaptureAttr{Width: 64, Height: 64}))
	require.NoError(t, e.DestroyCaptureChannel(ep))
}

func TestUninitializedEngineRejectsChannels(t *testing.T) {
	e := New()
	err := e.CreateCaptureChannel(engine.Endpoint{}, engine.CaptureAttr{})
	assert.Error(t, err)
}

func TestSetEncodeAttrRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ep := engine.Endpoint{Module: engine.ModuleEncode}
	require.NoError(t, e.CreateEncodeChannel(ep, engine.EncodeAttr{BitrateKbps: 2000}))

	attr, err := e.GetEncodeAttr(ep)
	require.NoError(t, err)
	assert.Equal(t, uint32(2000), attr.BitrateKbps)

	attr.BitrateKbps = 6000
	require.NoError(t, e.SetEncodeAttr(ep, attr))
	attr, err = e.GetEncodeAttr(ep)
	require.NoError(t, err)
	assert.Equal(t, uint32(6000), attr.BitrateKbps)
}
