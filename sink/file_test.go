package sink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvmedia/mediagraph"
	"github.com/rvmedia/mediagraph/engine"
)

func h264Frame(key bool) *mediagraph.EncodedFrame {
	var packets []engine.Packet
	if key {
		packets = []engine.Packet{
			{Type: engine.NALUSPS, Data: []byte{0, 0, 0, 1, 0x67, 1}},
			{Type: engine.NALUPPS, Data: []byte{0, 0, 0, 1, 0x68, 2}},
			{Type: engine.NALUIDRSlice, Data: []byte{0, 0, 0, 1, 0x65, 3, 4, 5}},
		}
	} else {
		packets = []engine.Packet{{Type: engine.NALUPSlice, Data: []byte{0, 0, 0, 1, 0x41, 6, 7}}}
	}
	return mediagraph.NewEncodedFrame(engine.StreamDescriptor{Packets: packets}, func() {})
}

func jpegFrame() *mediagraph.EncodedFrame {
	data := []byte{0xff, 0xd8, 1, 2, 3, 0xff, 0xd9}
	return mediagraph.NewEncodedFrame(engine.StreamDescriptor{
		Packets: []engine.Packet{{Type: engine.NALUISlice, Data: data}},
	}, func() {})
}

func newRunningSaver(t *testing.T, cfg FileConfig) *FileSaver {
	t.Helper()
	cfg.Dir = t.TempDir()
	s := NewFileSaver(cfg)
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStreamAppend(t *testing.T) {
	s := newRunningSaver(t, FileConfig{Format: FormatH264})

	require.NoError(t, s.PushFrame(h264Frame(true)))
	require.NoError(t, s.PushFrame(h264Frame(false)))
	s.Stop()

	files, err := filepath.Glob(filepath.Join(s.cfg.Dir, "*.h264"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, int(s.Bytes()), len(data))
	assert.Equal(t, uint64(2), s.Frames())
}

func TestJPEGOneFilePerFrame(t *testing.T) {
	s := newRunningSaver(t, FileConfig{Format: FormatJPEG})

	paths := []string{}
	s.OnSave(func(path string, bytes uint64) {
		paths = append(paths, path)
	})
	require.NoError(t, s.PushFrame(jpegFrame()))
	require.NoError(t, s.PushFrame(jpegFrame()))

	require.Len(t, paths, 2)
	assert.NotEqual(t, paths[0], paths[1])
	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xff, 0xd8}, data[:2])
	}
}

func TestFormatAutoDetectsJPEG(t *testing.T) {
	s := newRunningSaver(t, FileConfig{Format: FormatAuto})

	require.NoError(t, s.PushFrame(jpegFrame()))
	files, err := filepath.Glob(filepath.Join(s.cfg.Dir, "*.jpg"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestMaxFramesStopPolicy(t *testing.T) {
	s := newRunningSaver(t, FileConfig{Format: FormatH264, MaxFrames: 5, Rollover: false})

	// Every save up to and including the limit succeeds.
	for i := 0; i < 5; i++ {
		require.NoError(t, s.PushFrame(h264Frame(i == 0)))
	}
	assert.Equal(t, mediagraph.StateStopped, s.State())

	// Only pushes after the limit-hitting save fail.
	assert.Error(t, s.PushFrame(h264Frame(false)))
	assert.Equal(t, uint64(5), s.Frames())
}

func TestMaxFramesStopPolicyJPEG(t *testing.T) {
	s := newRunningSaver(t, FileConfig{Format: FormatJPEG, MaxFrames: 2, Rollover: false})

	require.NoError(t, s.PushFrame(jpegFrame()))
	require.NoError(t, s.PushFrame(jpegFrame()))
	assert.Equal(t, mediagraph.StateStopped, s.State())

	assert.Error(t, s.PushFrame(jpegFrame()))
	assert.Equal(t, uint64(2), s.Frames())
}

func TestMaxFramesRolloverPolicy(t *testing.T) {
	s := newRunningSaver(t, FileConfig{Format: FormatH264, MaxFrames: 2, Rollover: true})

	for i := 0; i < 5; i++ {
		require.NoError(t, s.PushFrame(h264Frame(i == 0)))
	}
	s.Stop()

	files, err := filepath.Glob(filepath.Join(s.cfg.Dir, "*.h264"))
	require.NoError(t, err)
	assert.Len(t, files, 3)
	assert.Equal(t, uint64(5), s.Frames())
}

func TestPushWhileStoppedFails(t *testing.T) {
	s := newRunningSaver(t, FileConfig{})
	s.Stop()

	released := 0
	f := mediagraph.NewEncodedFrame(engine.StreamDescriptor{
		Packets: []engine.Packet{{Type: engine.NALUPSlice, Data: []byte{1}}},
	}, func() { released++ })
	assert.Error(t, s.PushFrame(f))
	assert.Equal(t, 1, released)
}
