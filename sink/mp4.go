package sink

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/rvmedia/mediagraph"
	"github.com/rvmedia/mediagraph/engine"
)

// MP4Config configures an MP4Sink.
type MP4Config struct {
	Path      string
	Width     uint32
	Height    uint32
	FrameRate uint32
}

func (c MP4Config) withDefaults() MP4Config {
	if c.Path == "" {
		c.Path = "out.mp4"
	}
	if c.Width == 0 {
		c.Width = 1920
	}
	if c.Height == 0 {
		c.Height = 1080
	}
	if c.FrameRate == 0 {
		c.FrameRate = 30
	}
	return c
}

type mp4Sample struct {
	data  []byte
	ptsUs uint64
	key   bool
}

// MP4Sink records an H.264 stream into a fragmented MP4 file. Samples are
// collected in memory, converted from Annex-B to length-prefixed form, and
// muxed on Stop. Recording cannot begin mid-GOP: frames arriving before
// the first key frame are discarded.
type MP4Sink struct {
	mediagraph.Core

	cfg    MP4Config
	logger *slog.Logger

	mu      sync.Mutex
	sps     []byte
	pps     []byte
	samples []mp4Sample
	muxed   bool
}

var _ mediagraph.Module = (*MP4Sink)(nil)

// NewMP4Sink creates an uninitialized MP4 recorder.
func NewMP4Sink(cfg MP4Config) *MP4Sink {
	return &MP4Sink{
		Core:   mediagraph.NewCore("mp4", mediagraph.KindSink),
		cfg:    cfg.withDefaults(),
		logger: slog.Default().With("module", "mp4", "path", cfg.Path),
	}
}

// Endpoint: MP4 sinks have no hardware channel.
func (s *MP4Sink) Endpoint() (engine.Endpoint, bool) {
	return engine.Endpoint{}, false
}

func (s *MP4Sink) Initialize() error {
	switch s.State() {
	case mediagraph.StateInitialized, mediagraph.StateRunning:
		return nil
	case mediagraph.StateUninitialized:
	default:
		return fmt.Errorf("initialize from %s: %w", s.State(), mediagraph.ErrInvalidState)
	}
	s.SetState(mediagraph.StateInitialized)
	return nil
}

func (s *MP4Sink) Start() error {
	if !s.CanStart() {
		return fmt.Errorf("start from %s: %w", s.State(), mediagraph.ErrInvalidState)
	}
	s.SetState(mediagraph.StateRunning)
	return nil
}

// Stop finalizes the recording: the collected samples are muxed and
// written out once.
func (s *MP4Sink) Stop() {
	if s.State() != mediagraph.StateRunning {
		return
	}
	s.SetState(mediagraph.StateStopped)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.muxed || len(s.samples) == 0 {
		return
	}
	if err := s.muxLocked(); err != nil {
		s.logger.Warn("mp4 mux failed", "error", err)
		s.SetState(mediagraph.StateError)
		return
	}
	s.muxed = true
	s.logger.Info("recording finalized", "samples", len(s.samples))
}

func (s *MP4Sink) Close() error {
	s.Stop()
	s.SetState(mediagraph.StateClosed)
	return nil
}

// Samples returns the number of collected samples.
func (s *MP4Sink) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// PushFrame collects one encoded frame's access unit and releases the
// frame. The payload is copied out: the hardware buffer must not outlive
// the push.
func (s *MP4Sink) PushFrame(f mediagraph.Frame) error {
	defer f.Release()
	if s.State() != mediagraph.StateRunning {
		return fmt.Errorf("push from %s: %w", s.State(), mediagraph.ErrInvalidState)
	}
	ef, ok := f.(*mediagraph.EncodedFrame)
	if !ok || !ef.Valid() {
		return fmt.Errorf("mp4 sink accepts encoded frames only, got %T", f)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var au bytes.Buffer
	key := false
	for _, p := range ef.Packets() {
		nalu := stripStartCode(p.Data)
		switch p.Type {
		case engine.NALUSPS:
			if s.sps == nil {
				s.sps = append([]byte(nil), nalu...)
			}
			continue
		case engine.NALUPPS:
			if s.pps == nil {
				s.pps = append([]byte(nil), nalu...)
			}
			continue
		}
		if p.Type.Key() {
			key = true
		}
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(nalu)))
		au.Write(size[:])
		au.Write(nalu)
	}

	if len(s.samples) == 0 && !key {
		// Streams must open on a key frame.
		return nil
	}
	if au.Len() == 0 {
		return nil
	}
	s.samples = append(s.samples, mp4Sample{data: au.Bytes(), ptsUs: ef.PTS(), key: key})
	return nil
}

func (s *MP4Sink) muxLocked() error {
	if s.sps == nil || s.pps == nil {
		return fmt.Errorf("missing parameter sets")
	}

	timescale := s.cfg.FrameRate * 1000
	trackID := uint32(1)

	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(timescale, "video", "en")
	trak := init.Moov.Trak

	avcC, err := mp4.CreateAvcC([][]byte{s.sps}, [][]byte{s.pps}, true)
	if err != nil {
		return fmt.Errorf("create avcC: %w", err)
	}
	avc1 := mp4.CreateVisualSampleEntryBox("avc1", uint16(s.cfg.Width), uint16(s.cfg.Height), avcC)
	trak.Mdia.Minf.Stbl.Stsd.AddChild(avc1)
	trak.Tkhd.Width = mp4.Fixed32(s.cfg.Width << 16)
	trak.Tkhd.Height = mp4.Fixed32(s.cfg.Height << 16)

	frag, err := mp4.CreateFragment(1, trackID)
	if err != nil {
		return fmt.Errorf("create fragment: %w", err)
	}

	base := s.samples[0].ptsUs
	defaultDur := timescale / s.cfg.FrameRate
	for i, sample := range s.samples {
		dur := defaultDur
		if i < len(s.samples)-1 {
			d := (s.samples[i+1].ptsUs - sample.ptsUs) * uint64(timescale) / 1e6
			if d > 0 {
				dur = uint32(d)
			}
		}
		flags := mp4.NonSyncSampleFlags
		if sample.key {
			flags = mp4.SyncSampleFlags
		}
		frag.AddFullSample(mp4.FullSample{
			Sample: mp4.Sample{
				Flags: flags,
				Size:  uint32(len(sample.data)),
				Dur:   dur,
			},
			DecodeTime: (sample.ptsUs - base) * uint64(timescale) / 1e6,
			Data:       sample.data,
		})
	}

	var buf bytes.Buffer
	ftyp := mp4.NewFtyp("isom", 0x200, []string{"isom", "iso2", "avc1", "mp41"})
	if err := ftyp.Encode(&buf); err != nil {
		return fmt.Errorf("encode ftyp: %w", err)
	}
	if err := init.Moov.Encode(&buf); err != nil {
		return fmt.Errorf("encode moov: %w", err)
	}
	if err := frag.Encode(&buf); err != nil {
		return fmt.Errorf("encode fragment: %w", err)
	}
	if err := os.WriteFile(s.cfg.Path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", s.cfg.Path, err)
	}
	return nil
}

// stripStartCode removes a leading 3 or 4 byte Annex-B start code.
func stripStartCode(nalu []byte) []byte {
	if len(nalu) >= 4 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 0 && nalu[3] == 1 {
		return nalu[4:]
	}
	if len(nalu) >= 3 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 1 {
		return nalu[3:]
	}
	return nalu
}
