package subcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rvmedia/mediagraph/engine"
	"github.com/rvmedia/mediagraph/engine/sim"
)

// newEngineContext wraps the media engine for the subcommands. Hardware
// builds swap the simulated engine for the platform binding here.
func newEngineContext() *engine.Context {
	return engine.NewContext(sim.New())
}

// runContext returns a context cancelled by SIGINT/SIGTERM and, when
// seconds > 0, by the deadline.
func runContext(seconds uint) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if seconds == 0 {
		return ctx, cancel
	}
	dctx, dcancel := context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
	return dctx, func() {
		dcancel()
		cancel()
	}
}
