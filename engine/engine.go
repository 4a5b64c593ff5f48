// Package engine defines the capability contract of the hardware media
// engine and the reference-counted context guarding its process-wide
// lifetime.
//
// The contract is modeled after SoC media processing platforms (Rockchip
// MPP, HiSilicon MPI and friends): frames live in opaque hardware buffers,
// capture and encode channels are addressed by stable endpoints, and two
// channels can be connected at the device level so buffers flow between
// them without any application code in the loop.
package engine

import (
	"errors"
	"time"
)

// ErrNoFrame reports that a poll hit its timeout without the channel
// producing data. It is a distinguishable non-error outcome: the caller is
// expected to retry, not to treat the channel as broken.
var ErrNoFrame = errors.New("engine: no frame available")

// ErrNoChannel reports an operation on an endpoint with no channel behind it.
var ErrNoChannel = errors.New("engine: channel does not exist")

// ErrNotArmed reports a frame submission to an encode channel that has not
// been armed with StartReceive.
var ErrNotArmed = errors.New("engine: encode channel not receiving")

// ModuleID identifies the hardware unit an endpoint belongs to.
type ModuleID int32

const (
	ModuleCapture ModuleID = iota
	ModuleEncode
	ModuleDecode
)

func (m ModuleID) String() string {
	switch m {
	case ModuleCapture:
		return "capture"
	case ModuleEncode:
		return "encode"
	case ModuleDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Endpoint is the stable address of one hardware channel. It is the unit of
// device-level binding.
type Endpoint struct {
	Module  ModuleID
	Device  int32
	Channel int32
}

// PixelFormat of a raw frame.
type PixelFormat int32

const (
	PixelFormatNV12 PixelFormat = iota
	PixelFormatNV21
	PixelFormatYUV420P
)

// Codec selects the bitstream format of an encode channel.
type Codec int

const (
	CodecH264 Codec = iota
	CodecH265
	CodecMJPEG
	CodecJPEG
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	case CodecMJPEG:
		return "mjpeg"
	case CodecJPEG:
		return "jpeg"
	default:
		return "unknown"
	}
}

// SingleShot reports whether the codec encodes individual pictures that
// must be explicitly armed with StartReceive before submission.
func (c Codec) SingleShot() bool {
	return c == CodecJPEG
}

// RateControl mode of an encode channel.
type RateControl int

const (
	RateControlCBR RateControl = iota
	RateControlVBR
	RateControlAVBR
)

// Buffer is an opaque handle to one hardware buffer. Data returns the
// CPU-visible mapping, or nil if the buffer has none.
type Buffer interface {
	Data() []byte
}

// RawDescriptor describes one raw video frame held in a hardware buffer.
// The descriptor is a value snapshot: holders must not mutate it while the
// frame is alive, the release call needs the original.
type RawDescriptor struct {
	Width       uint32
	Height      uint32
	VirWidth    uint32 // aligned width
	VirHeight   uint32 // aligned height
	PixelFormat PixelFormat
	PTS         uint64 // microseconds
	Handle      Buffer
}

// NALUType tags one packet of encoded output. ISlice and IDRSlice mark key
// units.
type NALUType int

const (
	NALUUnknown NALUType = iota
	NALUPSlice
	NALUISlice
	NALUIDRSlice
	NALUSPS
	NALUPPS
	NALUSEI
)

// Key reports whether the packet type is an intra/IDR unit.
func (t NALUType) Key() bool {
	return t == NALUISlice || t == NALUIDRSlice
}

// Packet is one contiguous unit of encoded output. Data points into the
// stream's backing hardware buffer, it stays valid until the stream
// descriptor is released.
type Packet struct {
	Type NALUType
	Data []byte
}

// StreamDescriptor describes one completed encode output unit, usually a
// full access unit split into one or more packets.
type StreamDescriptor struct {
	Packets  []Packet
	PTS      uint64 // microseconds
	Sequence uint64
	Handle   Buffer // backing buffer shared by all packets
}

// CaptureAttr configures a capture channel.
type CaptureAttr struct {
	Width       uint32
	Height      uint32
	PixelFormat PixelFormat
	FrameRate   uint32
	BufCount    uint32 // hardware buffer pool size
	Depth       uint32 // user-visible frame queue depth
	DeviceName  string
}

// EncodeAttr configures an encode channel. Attribute read-modify-write
// sequences on a live channel are not synchronized by the engine; they are
// safe only while a single producer drives the channel.
type EncodeAttr struct {
	Codec       Codec
	Width       uint32
	Height      uint32
	VirWidth    uint32
	VirHeight   uint32
	PixelFormat PixelFormat
	FrameRate   uint32
	GOP         uint32
	BitrateKbps uint32
	RateControl RateControl
	Profile     uint32
	BufCount    uint32
	JPEGQuality uint32 // 1..99, JPEG/MJPEG only
}

// CaptureStatus reports runtime state of a capture channel.
type CaptureStatus struct {
	FrameRate uint32
	Produced  uint64
	Dropped   uint64
}

// Engine is the narrow capability surface the framework consumes. Init and
// Shutdown are idempotent only through the Context's reference count; no
// caller invokes them directly.
type Engine interface {
	Init() error
	Shutdown() error

	CreateCaptureChannel(ep Endpoint, attr CaptureAttr) error
	DestroyCaptureChannel(ep Endpoint) error
	// AcquireFrame returns the next raw frame of a capture channel, waiting
	// at most timeout. Returns ErrNoFrame when the wait expires.
	AcquireFrame(ep Endpoint, timeout time.Duration) (RawDescriptor, error)
	ReleaseFrame(ep Endpoint, desc RawDescriptor) error
	SetCaptureFrameRate(ep Endpoint, fps uint32) error
	SetMirrorFlip(ep Endpoint, mirror, flip bool) error
	QueryCaptureStatus(ep Endpoint) (CaptureStatus, error)

	CreateEncodeChannel(ep Endpoint, attr EncodeAttr) error
	DestroyEncodeChannel(ep Endpoint) error
	GetEncodeAttr(ep Endpoint) (EncodeAttr, error)
	SetEncodeAttr(ep Endpoint, attr EncodeAttr) error
	// StartReceive arms the channel for count input frames, count < 0 means
	// unlimited. Submissions beyond the armed count fail with ErrNotArmed.
	StartReceive(ep Endpoint, count int) error
	StopReceive(ep Endpoint) error
	// SubmitFrame hands one raw frame to an encode channel. The engine takes
	// its own reference during the call; the caller keeps its release
	// obligation.
	SubmitFrame(ep Endpoint, desc RawDescriptor, timeout time.Duration) error
	// PollStream returns the next completed output unit, waiting at most
	// timeout. Returns ErrNoFrame when the wait expires.
	PollStream(ep Endpoint, timeout time.Duration) (StreamDescriptor, error)
	ReleaseStream(ep Endpoint, desc StreamDescriptor) error
	RequestKeyFrame(ep Endpoint) error

	// Bind connects two channels at the device level: src output buffers
	// flow into dst without application involvement. Unbind reverses it.
	Bind(src, dst Endpoint) error
	Unbind(src, dst Endpoint) error
}
