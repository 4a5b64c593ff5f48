package subcmd

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rvmedia/mediagraph"
	"github.com/rvmedia/mediagraph/capture"
	"github.com/rvmedia/mediagraph/cmdmain"
	"github.com/rvmedia/mediagraph/encode"
	"github.com/rvmedia/mediagraph/engine"
	"github.com/rvmedia/mediagraph/flags"
	"github.com/rvmedia/mediagraph/sink"
)

func init() {
	cmdmain.RegisterSubCmd("snapshot", func() cmdmain.SubCmd { return new(Snapshot) })
}

type Snapshot struct{}

// Help implements cmdmain.SubCmd.
func (s *Snapshot) Help() string {
	return "Take JPEG snapshots from the camera"
}

// Exec implements cmdmain.SubCmd.
func (s *Snapshot) Exec(cmd string, args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)

	flags.RegisterInto(fs, []flags.FlagName{
		flags.CameraFlag,
		flags.WidthFlag,
		flags.HeightFlag,
		flags.JPEGQualityFlag,
		flags.OutputDirFlag,
		flags.PrefixFlag,
		flags.CountFlag,
	}...)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Take JPEG snapshots from the camera

Usage:
	%s snapshot [flags]

Flags:
`, cmd)
		fs.PrintDefaults()
		fmt.Fprintln(os.Stderr)
	}
	fs.Parse(args)

	ctx := newEngineContext()

	cam := capture.New(ctx, capture.Config{
		CameraID: int32(flags.Camera),
		Width:    uint32(flags.Width),
		Height:   uint32(flags.Height),
	})
	enc := encode.New(ctx, encode.Config{
		Codec:       engine.CodecJPEG,
		Width:       uint32(flags.Width),
		Height:      uint32(flags.Height),
		JPEGQuality: uint32(flags.JPEGQuality),
	})
	saver := sink.NewFileSaver(sink.FileConfig{
		Dir:    flags.OutputDir,
		Prefix: flags.Prefix,
		Format: sink.FormatJPEG,
	})
	defer cam.Close()
	defer enc.Close()
	defer saver.Close()

	for _, m := range []interface{ Initialize() error }{cam, enc, saver} {
		if err := m.Initialize(); err != nil {
			return err
		}
	}
	if err := saver.Start(); err != nil {
		return err
	}
	if err := enc.Start(); err != nil {
		return err
	}

	done := make(chan string, flags.Count)
	saver.OnSave(func(path string, bytes uint64) {
		done <- path
	})
	enc.SetOutput(func(f mediagraph.Frame) {
		if err := saver.PushFrame(f); err != nil {
			fmt.Fprintf(os.Stderr, "save snapshot: %v\n", err)
		}
	})

	// One submission window for the whole series.
	if err := enc.StartReceive(int(flags.Count)); err != nil {
		return err
	}

	for i := uint(0); i < flags.Count; i++ {
		frame, err := cam.GetFrame(time.Second)
		if err != nil {
			return fmt.Errorf("no frame from camera: %w", err)
		}
		if err := enc.PushFrame(frame); err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		select {
		case path := <-done:
			fmt.Println(path)
		case <-time.After(2 * time.Second):
			return errors.New("timed out waiting for snapshot")
		}
	}
	return nil
}
