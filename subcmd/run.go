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
	"github.com/rvmedia/mediagraph/internal/logging"
	"github.com/rvmedia/mediagraph/sink"
)

func init() {
	cmdmain.RegisterSubCmd("run", func() cmdmain.SubCmd { return new(Run) })
}

type Run struct{}

// Help implements cmdmain.SubCmd.
func (r *Run) Help() string {
	return "Run the pipeline described by a YAML configuration"
}

// Exec implements cmdmain.SubCmd.
func (r *Run) Exec(cmd string, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	flags.RegisterInto(fs, []flags.FlagName{
		flags.ConfigFlag,
		flags.DurationFlag,
	}...)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Run the pipeline described by a YAML configuration

Usage:
	%s run [flags]

Flags:
`, cmd)
		fs.PrintDefaults()
		fmt.Fprintln(os.Stderr)
	}
	fs.Parse(args)

	cfg, err := config.Load(flags.Config)
	if err != nil {
		return err
	}
	logging.Configure(
		logging.ParseFormat(cfg.Logging.Format),
		logging.ParseLevel(cfg.Logging.Level),
		nil,
	)

	ctx := newEngineContext()
	pipeline := mediagraph.NewPipeline(ctx)

	cam := capture.New(ctx, capture.Config{
		CameraID:   cfg.Capture.CameraID,
		Width:      cfg.Capture.Width,
		Height:     cfg.Capture.Height,
		FrameRate:  cfg.Capture.FrameRate,
		BufCount:   cfg.Capture.BufCount,
		DeviceName: cfg.Capture.DeviceName,
		Pipe:       cfg.Capture.Pipe,
		Channel:    cfg.Capture.Channel,
	})
	pipeline.Register("capture", cam)

	var first *encode.Module
	encoders := make([]*encode.Module, 0, len(cfg.Encoders))
	for i, ec := range cfg.Encoders {
		codec, err := ec.ParseCodec()
		if err != nil {
			return err
		}
		rc, err := ec.ParseRateControl()
		if err != nil {
			return err
		}
		enc := encode.New(ctx, encode.Config{
			Channel:     ec.Channel,
			Codec:       codec,
			Width:       ec.Width,
			Height:      ec.Height,
			FrameRate:   ec.FrameRate,
			GOP:         ec.GOP,
			BitrateKbps: ec.BitrateKbps,
			RateControl: rc,
			JPEGQuality: ec.JPEGQuality,
		})
		pipeline.Register(fmt.Sprintf("encode-%d", i), enc)
		encoders = append(encoders, enc)
		if first == nil {
			first = enc
		}
	}
	if first == nil {
		return fmt.Errorf("configuration has no encoders")
	}

	saver := sink.NewFileSaver(sink.FileConfig{
		Dir:         cfg.Save.Dir,
		Prefix:      cfg.Save.Prefix,
		MaxFrames:   cfg.Save.MaxFrames,
		MaxFileSize: cfg.Save.MaxFileSize,
		Rollover:    cfg.Save.Rollover,
	})
	pipeline.Register("saver", saver)

	var rtp *sink.RTPSink
	if cfg.Stream.Target != "" {
		rtp = sink.NewRTPSink(sink.RTPConfig{
			Target:     cfg.Stream.Target,
			SSRC:       cfg.Stream.SSRC,
			LogPackets: cfg.Stream.LogPackets,
		})
		pipeline.Register("rtp", rtp)
	}
	defer closeModules(pipeline)

	if err := pipeline.InitializeAll(); err != nil {
		return err
	}
	if err := bindInput(pipeline, cam, first, false); err != nil {
		return err
	}
	if err := pipeline.BindSoftware(first, saver); err != nil {
		return err
	}
	if rtp != nil && len(encoders) > 1 {
		capEP, _ := cam.Endpoint()
		encEP, _ := encoders[1].Endpoint()
		if err := pipeline.BindHardware(capEP, encEP); err != nil {
			return err
		}
		if err := pipeline.BindSoftware(encoders[1], rtp); err != nil {
			return err
		}
	} else if rtp != nil {
		if err := pipeline.BindSoftware(first, rtp); err != nil {
			return err
		}
	}
	defer pipeline.Close()

	// The capture channel is device-bound, its poll loop stays passive.
	for _, m := range pipeline.Modules() {
		if m.Kind() == mediagraph.KindSource {
			continue
		}
		if err := m.Start(); err != nil {
			return err
		}
	}

	mux := httprouter.New()
	api.NewAPI(pipelineInfo{pipeline}, first).RegisterRoutes(mux)
	server, err := ihttp.NewServer(
		ihttp.Address(cfg.API.Addr),
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
