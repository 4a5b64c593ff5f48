// Package mediagraph composes independent media stages (capture, encode,
// save, stream) into directed pipelines that share a single hardware media
// engine. Frames cross stage boundaries zero-copy: by device-level binding
// or by moved ownership through software bindings.
package mediagraph

import (
	"github.com/rvmedia/mediagraph/engine"
)

// ReleaseFunc returns a frame's hardware buffer to the engine's pool. It
// fires exactly once per valid frame.
type ReleaseFunc func()

// Frame is a zero-copy handle to a hardware buffer plus its release
// obligation. Frames are move-only: they travel by pointer and the holder
// that received ownership either releases the frame or hands it on.
type Frame interface {
	Valid() bool
	PTS() uint64
	Size() int
	Release()
}

// RawFrame wraps one raw video frame. The descriptor snapshot stays pinned
// for the frame's lifetime; the release closure is bound to the frame's
// specific source channel.
type RawFrame struct {
	desc    engine.RawDescriptor
	release ReleaseFunc
}

// NewRawFrame wraps desc with its release obligation. A descriptor without
// a buffer handle yields an invalid frame that never fires release; no
// error is raised.
func NewRawFrame(desc engine.RawDescriptor, release ReleaseFunc) *RawFrame {
	f := &RawFrame{desc: desc}
	if desc.Handle != nil {
		f.release = release
	}
	return f
}

// Valid reports whether the frame wraps a live hardware buffer.
func (f *RawFrame) Valid() bool {
	return f.desc.Handle != nil
}

// Data returns the CPU-visible frame bytes, nil for an invalid frame.
func (f *RawFrame) Data() []byte {
	if !f.Valid() {
		return nil
	}
	return f.desc.Handle.Data()
}

// Size returns the frame's byte size, 0 for an invalid frame.
func (f *RawFrame) Size() int {
	return len(f.Data())
}

func (f *RawFrame) PTS() uint64 { return f.desc.PTS }

func (f *RawFrame) Width() uint32  { return f.desc.Width }
func (f *RawFrame) Height() uint32 { return f.desc.Height }

// VirWidth returns the aligned width.
func (f *RawFrame) VirWidth() uint32 { return f.desc.VirWidth }

// VirHeight returns the aligned height.
func (f *RawFrame) VirHeight() uint32 { return f.desc.VirHeight }

func (f *RawFrame) PixelFormat() engine.PixelFormat { return f.desc.PixelFormat }

// Descriptor returns the pinned descriptor snapshot, e.g. for submitting
// the frame to an encode channel.
func (f *RawFrame) Descriptor() engine.RawDescriptor { return f.desc }

// Release fires the release obligation. Safe to call on invalid frames and
// more than once; only the first call on a valid frame has an effect.
func (f *RawFrame) Release() {
	if f == nil {
		return
	}
	if r := f.release; r != nil {
		f.release = nil
		f.desc.Handle = nil
		r()
	}
}

// Detach transfers the release obligation out of the frame, invalidating
// it. The caller becomes responsible for firing the returned closure
// exactly once. Returns nil for an invalid frame.
func (f *RawFrame) Detach() ReleaseFunc {
	r := f.release
	f.release = nil
	f.desc.Handle = nil
	return r
}

// EncodedFrame wraps one completed encode output unit: one or more
// contiguous packets backed by a single hardware buffer.
type EncodedFrame struct {
	desc    engine.StreamDescriptor
	release ReleaseFunc
}

// NewEncodedFrame wraps desc with its release obligation. A descriptor
// without packets yields an invalid frame.
func NewEncodedFrame(desc engine.StreamDescriptor, release ReleaseFunc) *EncodedFrame {
	f := &EncodedFrame{desc: desc}
	if len(desc.Packets) > 0 {
		f.release = release
	}
	return f
}

func (f *EncodedFrame) Valid() bool {
	return len(f.desc.Packets) > 0
}

func (f *EncodedFrame) PTS() uint64 { return f.desc.PTS }

// Size returns the aggregate byte size of all packets.
func (f *EncodedFrame) Size() int {
	total := 0
	for _, p := range f.desc.Packets {
		total += len(p.Data)
	}
	return total
}

// Packets returns the frame's packets. The slices point into the frame's
// backing buffer and are valid until Release.
func (f *EncodedFrame) Packets() []engine.Packet {
	return f.desc.Packets
}

// Data returns the first packet's bytes, nil for an invalid frame.
func (f *EncodedFrame) Data() []byte {
	if !f.Valid() {
		return nil
	}
	return f.desc.Packets[0].Data
}

// KeyFrame reports whether any packet carries an intra/IDR unit.
func (f *EncodedFrame) KeyFrame() bool {
	for _, p := range f.desc.Packets {
		if p.Type.Key() {
			return true
		}
	}
	return false
}

// Release fires the release obligation exactly once.
func (f *EncodedFrame) Release() {
	if f == nil {
		return
	}
	if r := f.release; r != nil {
		f.release = nil
		f.desc.Packets = nil
		r()
	}
}

// Detach transfers the release obligation out of the frame, invalidating it.
func (f *EncodedFrame) Detach() ReleaseFunc {
	r := f.release
	f.release = nil
	f.desc.Packets = nil
	return r
}
