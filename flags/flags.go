// Package flags implements command-line flags shared by the pipeline
// subcommands.
//
// The design idea is taken from [upspin.io/flags], but most of the code is
// modified. This package uses a slightly modified version of [RegisterInto]
// and the internal [flags]-map. See [Upspin LICENSE] for upspins copyright
// and license information.
//
// [upspin.io/flags]: https://github.com/upspin/upspin/tree/334f107fe3d98225d7adfbb35b74e066fbca9875/flags
// [Upspin LICENSE]: https://github.com/upspin/upspin/blob/334f107fe3d98225d7adfbb35b74e066fbca9875/LICENSE
package flags

import (
	"flag"
	"fmt"

	"github.com/rvmedia/mediagraph/engine"
)

type FlagName string

// flag keys
const (
	ConfigFlag FlagName = "config"

	CameraFlag FlagName = "camera"
	WidthFlag  FlagName = "width"
	HeightFlag FlagName = "height"
	FPSFlag    FlagName = "fps"

	CodecFlag       FlagName = "codec"
	GOPFlag         FlagName = "gop"
	BitrateFlag     FlagName = "bitrate"
	RateControlFlag FlagName = "rate-control"
	JPEGQualityFlag FlagName = "jpeg-quality"

	OutputDirFlag    FlagName = "output-dir"
	PrefixFlag       FlagName = "prefix"
	MaxFramesFlag    FlagName = "max-frames"
	RolloverFlag     FlagName = "rollover"
	OutputFileFlag   FlagName = "output"
	SoftwareBindFlag FlagName = "software-bind"

	TargetFlag       FlagName = "target"
	TraceRTPSendFlag FlagName = "trace-rtp-send"

	HTTPAddrFlag FlagName = "http-address"

	DurationFlag FlagName = "duration"
	CountFlag    FlagName = "count"
)

// Flag vars
var (
	Config = ""

	Camera = uint(0)
	Width  = uint(1920)
	Height = uint(1080)
	FPS    = uint(30)

	Codec       = engine.CodecH264.String()
	GOP         = uint(0) // 0 derives from fps
	Bitrate     = uint(4000)
	RateControl = "cbr"
	JPEGQuality = uint(80)

	OutputDir    = "."
	Prefix       = "rec"
	MaxFrames    = uint(0)
	Rollover     = false
	OutputFile   = "out.mp4"
	SoftwareBind = false

	Target       = "127.0.0.1:5000"
	TraceRTPSend = false

	HTTPAddr = "127.0.0.1:8080"

	Duration = uint(10)
	Count    = uint(1)
)

type flagVar func(*flag.FlagSet)

func stringVar(p *string, name FlagName, defaultValue *string, usage string) func(*flag.FlagSet) {
	return func(fs *flag.FlagSet) {
		fs.StringVar(p, string(name), *defaultValue, usage)
	}
}

func uintVar(p *uint, name FlagName, defaultValue *uint, usage string) func(*flag.FlagSet) {
	return func(fs *flag.FlagSet) {
		fs.UintVar(p, string(name), *defaultValue, usage)
	}
}

func boolVar(p *bool, name FlagName, defaultValue *bool, usage string) func(*flag.FlagSet) {
	return func(fs *flag.FlagSet) {
		fs.BoolVar(p, string(name), *defaultValue, usage)
	}
}

var flags = map[FlagName]flagVar{
	ConfigFlag: stringVar(&Config, ConfigFlag, &Config, "YAML configuration file, empty string uses defaults"),

	// Capture flags
	CameraFlag: uintVar(&Camera, CameraFlag, &Camera, "Camera ID"),
	WidthFlag:  uintVar(&Width, WidthFlag, &Width, "Picture width in pixels"),
	HeightFlag: uintVar(&Height, HeightFlag, &Height, "Picture height in pixels"),
	FPSFlag:    uintVar(&FPS, FPSFlag, &FPS, "Capture frame rate"),

	// Encoder flags
	CodecFlag:       stringVar(&Codec, CodecFlag, &Codec, "Codec to use (h264, h265, mjpeg, jpeg)"),
	GOPFlag:         uintVar(&GOP, GOPFlag, &GOP, "GOP length in frames (0: two seconds worth of frames)"),
	BitrateFlag:     uintVar(&Bitrate, BitrateFlag, &Bitrate, "Target bitrate in kbps"),
	RateControlFlag: stringVar(&RateControl, RateControlFlag, &RateControl, "Rate control mode (cbr, vbr, avbr)"),
	JPEGQualityFlag: uintVar(&JPEGQuality, JPEGQualityFlag, &JPEGQuality, "JPEG quality (1..99)"),

	// IO flags
	OutputDirFlag:    stringVar(&OutputDir, OutputDirFlag, &OutputDir, "Directory for output files"),
	PrefixFlag:       stringVar(&Prefix, PrefixFlag, &Prefix, "Prefix of generated file names"),
	MaxFramesFlag:    uintVar(&MaxFrames, MaxFramesFlag, &MaxFrames, "Maximum frames per file (0: unlimited)"),
	RolloverFlag:     boolVar(&Rollover, RolloverFlag, &Rollover, "Start a new file when the limit is reached instead of stopping"),
	OutputFileFlag:   stringVar(&OutputFile, OutputFileFlag, &OutputFile, "Output file path"),
	SoftwareBindFlag: boolVar(&SoftwareBind, SoftwareBindFlag, &SoftwareBind, "Route frames through the application instead of a device-level bind"),

	// Network flags
	TargetFlag:       stringVar(&Target, TargetFlag, &Target, "UDP host:port for the outgoing RTP stream"),
	TraceRTPSendFlag: boolVar(&TraceRTPSend, TraceRTPSendFlag, &TraceRTPSend, "Log outgoing RTP packets"),

	// HTTP flags
	HTTPAddrFlag: stringVar(&HTTPAddr, HTTPAddrFlag, &HTTPAddr, "HTTP control server address"),

	// Run control flags
	DurationFlag: uintVar(&Duration, DurationFlag, &Duration, "Run duration in seconds (0: until interrupted)"),
	CountFlag:    uintVar(&Count, CountFlag, &Count, "Number of snapshots to take"),
}

func RegisterInto(fs *flag.FlagSet, names ...FlagName) {
	if len(names) == 0 {
		for _, f := range flags {
			f(fs)
		}
	} else {
		for _, n := range names {
			f, ok := flags[n]
			if !ok {
				panic(fmt.Sprintf("unknown flag: %q", n))
			}
			f(fs)
		}
	}
}
