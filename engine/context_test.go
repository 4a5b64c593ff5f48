package engine_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvmedia/mediagraph/engine"
	"github.com/rvmedia/mediagraph/engine/sim"
)

func TestContextInitOnce(t *testing.T) {
	e := sim.New()
	ctx := engine.NewContext(e)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ctx.Acquire()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, e.InitCalls())
	assert.Equal(t, 16, ctx.Refs())
	assert.True(t, ctx.Initialized())

	for i := 0; i < 15; i++ {
		ctx.Release()
	}
	assert.Equal(t, 0, e.ShutdownCalls())
	ctx.Release()
	assert.Equal(t, 1, e.ShutdownCalls())
	assert.False(t, ctx.Initialized())
}

func TestContextReinitAfterShutdown(t *testing.T) {
	e := sim.New()
	ctx := engine.NewContext(e)

	_, err := ctx.Acquire()
	require.NoError(t, err)
	ctx.Release()

	_, err = ctx.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 2, e.InitCalls())
	ctx.Release()
}

func TestContextInitFailureRollsBack(t *testing.T) {
	initErr := errors.New("no device")
	ctx := engine.NewContext(sim.New(sim.WithInitError(initErr)))

	_, err := ctx.Acquire()
	assert.ErrorIs(t, err, initErr)
	assert.Equal(t, 0, ctx.Refs())
	assert.False(t, ctx.Initialized())

	// The next attempt observes the error again, not a half-open engine.
	_, err = ctx.Acquire()
	assert.ErrorIs(t, err, initErr)
}

func TestContextReleaseBelowZeroClamped(t *testing.T) {
	e := sim.New()
	ctx := engine.NewContext(e)

	assert.NotPanics(t, func() { ctx.Release() })
	assert.Equal(t, 0, ctx.Refs())
	assert.Equal(t, 0, e.ShutdownCalls())

	_, err := ctx.Acquire()
	require.NoError(t, err)
	ctx.Release()
	ctx.Release()
	assert.Equal(t, 1, e.ShutdownCalls())
}
