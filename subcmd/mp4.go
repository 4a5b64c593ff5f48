package subcmd

import (
	"flag"
	"fmt"
	"os"

	"github.com/rvmedia/mediagraph"
	"github.com/rvmedia/mediagraph/capture"
	"github.com/rvmedia/mediagraph/cmdmain"
	"github.com/rvmedia/mediagraph/encode"
	"github.com/rvmedia/mediagraph/engine"
	"github.com/rvmedia/mediagraph/flags"
	"github.com/rvmedia/mediagraph/sink"
)

func init() {
	cmdmain.RegisterSubCmd("mp4", func() cmdmain.SubCmd { return new(MP4) })
}

type MP4 struct{}

// Help implements cmdmain.SubCmd.
func (m *MP4) Help() string {
	return "Record the camera to an MP4 file"
}

// Exec implements cmdmain.SubCmd.
func (m *MP4) Exec(cmd string, args []string) error {
	fs := flag.NewFlagSet("mp4", flag.ExitOnError)

	flags.RegisterInto(fs, []flags.FlagName{
		flags.CameraFlag,
		flags.WidthFlag,
		flags.HeightFlag,
		flags.FPSFlag,
		flags.GOPFlag,
		flags.BitrateFlag,
		flags.OutputFileFlag,
		flags.SoftwareBindFlag,
		flags.DurationFlag,
	}...)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Record the camera to an MP4 file

Usage:
	%s mp4 [flags]

Flags:
`, cmd)
		fs.PrintDefaults()
		fmt.Fprintln(os.Stderr)
	}
	fs.Parse(args)

	ctx := newEngineContext()
	pipeline := mediagraph.NewPipeline(ctx)

	cam := capture.New(ctx, capture.Config{
		CameraID:  int32(flags.Camera),
		Width:     uint32(flags.Width),
		Height:    uint32(flags.Height),
		FrameRate: uint32(flags.FPS),
	})
	enc := encode.New(ctx, encode.Config{
		Codec:       engine.CodecH264,
		Width:       uint32(flags.Width),
		Height:      uint32(flags.Height),
		FrameRate:   uint32(flags.FPS),
		GOP:         uint32(flags.GOP),
		BitrateKbps: uint32(flags.Bitrate),
	})
	rec := sink.NewMP4Sink(sink.MP4Config{
		Path:      flags.OutputFile,
		Width:     uint32(flags.Width),
		Height:    uint32(flags.Height),
		FrameRate: uint32(flags.FPS),
	})

	pipeline.Register("capture", cam)
	pipeline.Register("encode", enc)
	pipeline.Register("mp4", rec)
	defer closeModules(pipeline)

	if err := pipeline.InitializeAll(); err != nil {
		return err
	}
	if err := bindInput(pipeline, cam, enc, flags.SoftwareBind); err != nil {
		return err
	}
	if err := pipeline.BindSoftware(enc, rec); err != nil {
		return err
	}
	defer pipeline.Close()

	if err := rec.Start(); err != nil {
		return err
	}
	if err := enc.Start(); err != nil {
		return err
	}
	if flags.SoftwareBind {
		if err := cam.Start(); err != nil {
			return err
		}
	}

	runCtx, cancel := runContext(flags.Duration)
	defer cancel()
	<-runCtx.Done()

	pipeline.Close()
	fmt.Printf("wrote %s (%d samples)\n", flags.OutputFile, rec.Samples())
	return nil
}
