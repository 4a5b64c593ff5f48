package subcmd

import (
	"flag"
	"fmt"
	"os"

	"github.com/julienschmidt/httprouter"
	"golang.org/x/sync/errgroup"

	"github.com/rvmedia/mediagraph"
	"github.com/rvmedia/mediagraph/capture"
	"github.com/rvmedia/mediagraph/cmdmain"
	"github.com/rvmedia/mediagraph/config"
	"github.com/rvmedia/mediagraph/encode"
	"github.com/rvmedia/mediagraph/flags"
	api "github.com/rvmedia/mediagraph/http"
	ihttp "github.com/rvmedia/mediagraph/internal/http"
	"github.com/rvmedia/mediagraph/sink"
)

func init() {
	cmdmain.RegisterSubCmd("stream", func() cmdmain.SubCmd { return new(Stream) })
}

type Stream struct{}

// Help implements cmdmain.SubCmd.
func (s *Stream) Help() string {
	return "Stream the camera over RTP with an HTTP control API"
}

// Exec implements cmdmain.SubCmd.
func (s *Stream) Exec(cmd string, args []string) error {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)

	flags.RegisterInto(fs, []flags.FlagName{
		flags.CameraFlag,
		flags.WidthFlag,
		flags.HeightFlag,
		flags.FPSFlag,
		flags.CodecFlag,
		flags.GOPFlag,
		flags.BitrateFlag,
		flags.RateControlFlag,
		flags.TargetFlag,
		flags.TraceRTPSendFlag,
		flags.HTTPAddrFlag,
		flags.SoftwareBindFlag,
		flags.DurationFlag,
	}...)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Stream the camera over RTP

Usage:
	%s stream [flags]

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
	rtp := sink.NewRTPSink(sink.RTPConfig{
		Target:     flags.Target,
		LogPackets: flags.TraceRTPSend,
	})

	pipeline.Register("capture", cam)
	pipeline.Register("encode", enc)
	pipeline.Register("rtp", rtp)
	defer closeModules(pipeline)

	if err := pipeline.InitializeAll(); err != nil {
		return err
	}
	if err := bindInput(pipeline, cam, enc, flags.SoftwareBind); err != nil {
		return err
	}
	if err := pipeline.BindSoftware(enc, rtp); err != nil {
		return err
	}
	defer pipeline.Close()

	if err := rtp.Start(); err != nil {
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

	mux := httprouter.New()
	api.NewAPI(pipelineInfo{pipeline}, enc).RegisterRoutes(mux)
	server, err := ihttp.NewServer(
		ihttp.Address(flags.HTTPAddr),
		ihttp.Handle(mux),
	)
	if err != nil {
		return err
	}

	runCtx, cancel := runContext(flags.Duration)
	defer cancel()

	eg, egCtx := errgroup.WithContext(runCtx)
	eg.Go(func() error {
		return server.ListenAndServe(egCtx)
	})
	return eg.Wait()
}

// pipelineInfo adapts a Pipeline to the control API.
type pipelineInfo struct {
	pipeline *mediagraph.Pipeline
}

func (p pipelineInfo) ModuleInfos() []api.ModuleInfo {
	ms := p.pipeline.Modules()
	infos := make([]api.ModuleInfo, 0, len(ms))
	for _, m := range ms {
		infos = append(infos, api.ModuleInfo{
			Name:  m.Name(),
			Kind:  m.Kind().String(),
			State: m.State().String(),
		})
	}
	return infos
}

func (p pipelineInfo) Drops() uint64 {
	return p.pipeline.Drops()
}
