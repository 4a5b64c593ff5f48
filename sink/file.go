// Package sink implements terminal pipeline stages: elementary stream and
// JPEG file savers, an MP4 recorder, and an RTP network streamer. Sinks
// receive encoded frames through PushFrame and release every frame they
// are handed.
package sink

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rvmedia/mediagraph"
	"github.com/rvmedia/mediagraph/engine"
)

// Format of the files a FileSaver produces.
type Format int

const (
	// FormatAuto derives the format from the first frame's payload.
	FormatAuto Format = iota
	// FormatH264 appends Annex-B access units to one elementary stream file.
	FormatH264
	// FormatH265 appends Annex-B access units to one elementary stream file.
	FormatH265
	// FormatJPEG writes every frame to its own file.
	FormatJPEG
)

func (f Format) String() string {
	switch f {
	case FormatAuto:
		return "auto"
	case FormatH264:
		return "h264"
	case FormatH265:
		return "h265"
	case FormatJPEG:
		return "jpeg"
	default:
		return "unknown"
	}
}

func (f Format) ext() string {
	switch f {
	case FormatH265:
		return ".h265"
	case FormatJPEG:
		return ".jpg"
	default:
		return ".h264"
	}
}

// FileConfig configures a FileSaver.
type FileConfig struct {
	// Dir receives the output files. Created if missing.
	Dir string
	// Prefix of generated file names.
	Prefix string
	Format Format
	// MaxFrames limits the frames written per file, 0 means unlimited.
	MaxFrames uint64
	// MaxFileSize limits the bytes written per file, 0 means unlimited.
	MaxFileSize uint64
	// Rollover selects the limit policy: start a new file when true,
	// auto-stop recording when false.
	Rollover bool
}

func (c FileConfig) withDefaults() FileConfig {
	if c.Dir == "" {
		c.Dir = "."
	}
	if c.Prefix == "" {
		c.Prefix = "rec"
	}
	return c
}

// FileSaver writes encoded frames to disk. Elementary stream formats
// append to a single file; JPEG writes one file per frame. All writes are
// serialized internally, the saver is safe to feed from one binding.
type FileSaver struct {
	mediagraph.Core

	cfg    FileConfig
	logger *slog.Logger

	mu         sync.Mutex
	file       *os.File
	fileBytes  uint64
	fileFrames uint64
	fileIndex  uint32
	onSave     func(path string, bytes uint64)

	frames atomic.Uint64
	bytes  atomic.Uint64
}

var _ mediagraph.Module = (*FileSaver)(nil)

// NewFileSaver creates an uninitialized file saver.
func NewFileSaver(cfg FileConfig) *FileSaver {
	return &FileSaver{
		Core:   mediagraph.NewCore("filesaver", mediagraph.KindSink),
		cfg:    cfg.withDefaults(),
		logger: slog.Default().With("module", "filesaver"),
	}
}

// Endpoint: file savers have no hardware channel.
func (s *FileSaver) Endpoint() (engine.Endpoint, bool) {
	return engine.Endpoint{}, false
}

// Initialize creates the output directory.
func (s *FileSaver) Initialize() error {
	switch s.State() {
	case mediagraph.StateInitialized, mediagraph.StateRunning:
		return nil
	case mediagraph.StateUninitialized:
	default:
		return fmt.Errorf("initialize from %s: %w", s.State(), mediagraph.ErrInvalidState)
	}
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		s.SetState(mediagraph.StateError)
		return fmt.Errorf("create output dir: %w", err)
	}
	s.SetState(mediagraph.StateInitialized)
	return nil
}

// Start enables writing. The saver has no worker of its own; it consumes
// frames on its caller's goroutine.
func (s *FileSaver) Start() error {
	if !s.CanStart() {
		return fmt.Errorf("start from %s: %w", s.State(), mediagraph.ErrInvalidState)
	}
	s.SetState(mediagraph.StateRunning)
	return nil
}

// Stop disables writing and closes the current file.
func (s *FileSaver) Stop() {
	if s.State() != mediagraph.StateRunning {
		return
	}
	s.mu.Lock()
	s.closeFileLocked()
	s.mu.Unlock()
	s.SetState(mediagraph.StateStopped)
	s.logger.Info("file saver stopped", "frames", s.frames.Load(), "bytes", s.bytes.Load())
}

// Close stops the saver.
func (s *FileSaver) Close() error {
	s.Stop()
	s.SetState(mediagraph.StateClosed)
	return nil
}

// OnSave registers a callback fired after every completed file. For
// elementary streams that is on rollover and on stop, for JPEG after every
// frame.
func (s *FileSaver) OnSave(fn func(path string, bytes uint64)) {
	s.mu.Lock()
	s.onSave = fn
	s.mu.Unlock()
}

// Frames returns the total number of frames written.
func (s *FileSaver) Frames() uint64 { return s.frames.Load() }

// Bytes returns the total number of bytes written.
func (s *FileSaver) Bytes() uint64 { return s.bytes.Load() }

// PushFrame writes one encoded frame and releases it. Frames arriving
// while the saver is not running are dropped with an error.
func (s *FileSaver) PushFrame(f mediagraph.Frame) error {
	defer f.Release()
	if s.State() != mediagraph.StateRunning {
		return fmt.Errorf("push from %s: %w", s.State(), mediagraph.ErrInvalidState)
	}
	ef, ok := f.(*mediagraph.EncodedFrame)
	if !ok || !ef.Valid() {
		return fmt.Errorf("file saver accepts encoded frames only, got %T", f)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	format := s.format(ef)
	if format == FormatJPEG {
		return s.writeJPEGLocked(ef)
	}
	return s.writeStreamLocked(ef, format)
}

// format resolves FormatAuto against the frame payload.
func (s *FileSaver) format(ef *mediagraph.EncodedFrame) Format {
	if s.cfg.Format != FormatAuto {
		return s.cfg.Format
	}
	data := ef.Data()
	if len(data) >= 2 && data[0] == 0xff && data[1] == 0xd8 {
		return FormatJPEG
	}
	return FormatH264
}

func (s *FileSaver) writeJPEGLocked(ef *mediagraph.EncodedFrame) error {
	path := s.nextPath(FormatJPEG)
	var n int
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	for _, p := range ef.Packets() {
		w, err := file.Write(p.Data)
		n += w
		if err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("write %s: %w", tmp, err)
		}
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}

	s.frames.Add(1)
	s.bytes.Add(uint64(n))
	if s.onSave != nil {
		s.onSave(path, uint64(n))
	}
	if s.cfg.MaxFrames > 0 && s.frames.Load() >= s.cfg.MaxFrames && !s.cfg.Rollover {
		// The limit-hitting save succeeds; only later pushes fail.
		s.SetState(mediagraph.StateStopped)
		s.logger.Info("frame limit reached, recording stopped", "frames", s.frames.Load())
	}
	return nil
}

func (s *FileSaver) writeStreamLocked(ef *mediagraph.EncodedFrame, format Format) error {
	if s.file == nil {
		if err := s.openFileLocked(format); err != nil {
			return err
		}
	}

	var n int
	path := s.file.Name()
	for _, p := range ef.Packets() {
		w, err := s.file.Write(p.Data)
		n += w
		if err != nil {
			s.closeFileLocked()
			s.SetState(mediagraph.StateError)
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	s.fileFrames++
	s.fileBytes += uint64(n)
	s.frames.Add(1)
	s.bytes.Add(uint64(n))

	overFrames := s.cfg.MaxFrames > 0 && s.fileFrames >= s.cfg.MaxFrames
	overBytes := s.cfg.MaxFileSize > 0 && s.fileBytes >= s.cfg.MaxFileSize
	if !overFrames && !overBytes {
		return nil
	}
	s.closeFileLocked()
	if !s.cfg.Rollover {
		// The limit-hitting save succeeds; only later pushes fail.
		s.SetState(mediagraph.StateStopped)
		s.logger.Info("file limit reached, recording stopped", "frames", s.frames.Load())
	}
	return nil
}

func (s *FileSaver) openFileLocked(format Format) error {
	path := s.nextPath(format)
	file, err := os.Create(path)
	if err != nil {
		s.SetState(mediagraph.StateError)
		return fmt.Errorf("create %s: %w", path, err)
	}
	s.file = file
	s.fileBytes = 0
	s.fileFrames = 0
	s.logger.Info("recording to file", "path", path)
	return nil
}

func (s *FileSaver) closeFileLocked() {
	if s.file == nil {
		return
	}
	path := s.file.Name()
	if err := s.file.Close(); err != nil {
		s.logger.Warn("close file failed", "path", path, "error", err)
	}
	if s.onSave != nil && s.fileBytes > 0 {
		s.onSave(path, s.fileBytes)
	}
	s.file = nil
}

func (s *FileSaver) nextPath(format Format) string {
	s.fileIndex++
	name := fmt.Sprintf("%s_%s_%04d%s",
		s.cfg.Prefix, time.Now().Format("20060102_150405"), s.fileIndex, format.ext())
	return filepath.Join(s.cfg.Dir, name)
}
