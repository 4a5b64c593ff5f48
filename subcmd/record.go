package subcmd

import (
	"flag"
	"fmt"
	"os"

	"github.com/rvmedia/mediagraph"
	"github.com/rvmedia/mediagraph/capture"
	"github.com/rvmedia/mediagraph/cmdmain"
	"github.com/rvmedia/mediagraph/config"
	"github.com/rvmedia/mediagraph/encode"
	"github.com/rvmedia/mediagraph/engine"
	"github.com/rvmedia/mediagraph/flags"
	"github.com/rvmedia/mediagraph/sink"
)

func init() {
	cmdmain.RegisterSubCmd("record", func() cmdmain.SubCmd { return new(Record) })
}

type Record struct{}

// Help implements cmdmain.SubCmd.
func (r *Record) Help() string {
	return "Record the camera to elementary stream files"
}

// Exec implements cmdmain.SubCmd.
func (r *Record) Exec(cmd string, args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)

	flags.RegisterInto(fs, []flags.FlagName{
		flags.CameraFlag,
		flags.WidthFlag,
		flags.HeightFlag,
		flags.FPSFlag,
		flags.CodecFlag,
		flags.GOPFlag,
		flags.BitrateFlag,
		flags.RateControlFlag,
		flags.OutputDirFlag,
		flags.PrefixFlag,
		flags.MaxFramesFlag,
		flags.RolloverFlag,
		flags.SoftwareBindFlag,
		flags.DurationFlag,
	}...)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Record the camera to elementary stream files

Usage:
	%s record [flags]

Flags:
`, cmd)
		fs.PrintDefaults()
		fmt.Fprintln(os.Stderr)
	}
	fs.Parse(args)

	codec, err := config.EncodeConfig{Codec: flags.Codec}.ParseCodec()
	if err != nil {
		return err
	}
	rc, err := config.EncodeConfig{RateControl: flags.RateControl}.ParseRateControl()
	if err != nil {
		return err
	}

	ctx := newEngineContext()
	pipeline := mediagraph.NewPipeline(ctx)

	cam := capture.New(ctx, capture.Config{
		CameraID:  int32(flags.Camera),
		Width:     uint32(flags.Width),
		Height:    uint32(flags.Height),
		FrameRate: uint32(flags.FPS),
	})
	enc := encode.New(ctx, encode.Config{
		Codec:       codec,
		Width:       uint32(flags.Width),
		Height:      uint32(flags.Height),
		FrameRate:   uint32(flags.FPS),
		GOP:         uint32(flags.GOP),
		BitrateKbps: uint32(flags.Bitrate),
		RateControl: rc,
	})
	format := sink.FormatH264
	if codec == engine.CodecH265 {
		format = sink.FormatH265
	}
	saver := sink.NewFileSaver(sink.FileConfig{
		Dir:       flags.OutputDir,
		Prefix:    flags.Prefix,
		Format:    format,
		MaxFrames: uint64(flags.MaxFrames),
		Rollover:  flags.Rollover,
	})

	pipeline.Register("capture", cam)
	pipeline.Register("encode", enc)
	pipeline.Register("saver", saver)
	defer closeModules(pipeline)

	if err := pipeline.InitializeAll(); err != nil {
		return err
	}
	if err := bindInput(pipeline, cam, enc, flags.SoftwareBind); err != nil {
		return err
	}
	if err := pipeline.BindSoftware(enc, saver); err != nil {
		return err
	}
	defer pipeline.Close()

	if err := saver.Start(); err != nil {
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
	return nil
}

// bindInput connects the capture output to the encoder, at the device
// level by default.
func bindInput(pipeline *mediagraph.Pipeline, cam *capture.Module, enc *encode.Module, software bool) error {
	if software {
		return pipeline.BindSoftware(cam, enc)
	}
	capEP, _ := cam.Endpoint()
	encEP, _ := enc.Endpoint()
	return pipeline.BindHardware(capEP, encEP)
}

// closeModules closes every registered module in reverse order.
func closeModules(pipeline *mediagraph.Pipeline) {
	ms := pipeline.Modules()
	for i := len(ms) - 1; i >= 0; i-- {
		ms[i].Close()
	}
}
