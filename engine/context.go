package engine

import (
	"fmt"
	"log/slog"
	"sync"
)

// Context guards the process-wide engine lifetime with a reference count.
// The application's composition root constructs exactly one Context and
// passes it to every module that needs engine access; modules acquire on
// Initialize and release on Close.
type Context struct {
	mu     sync.Mutex
	refs   int
	engine Engine
	logger *slog.Logger
}

// NewContext wraps an uninitialized engine. The engine's Init runs on the
// first Acquire, its Shutdown on the Release that drops the count to zero.
func NewContext(e Engine) *Context {
	return &Context{
		engine: e,
		logger: slog.Default(),
	}
}

// Acquire increments the reference count and returns the engine handle.
// The 0 -> 1 transition performs the real engine init; the call runs under
// the lock so concurrent first callers cannot race into a double init. On
// init failure the count stays at its pre-call value and every waiter
// observes the error.
func (c *Context) Acquire() (Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs == 0 {
		c.logger.Info("initializing media engine")
		if err := c.engine.Init(); err != nil {
			return nil, fmt.Errorf("engine init: %w", err)
		}
	}
	c.refs++
	return c.engine, nil
}

// Release decrements the reference count. Only the caller that drives the
// count to zero performs the real shutdown. A release below zero is a usage
// error: it is clamped and logged, never fatal.
func (c *Context) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs == 0 {
		c.logger.Warn("engine context released more often than acquired")
		return
	}
	c.refs--
	if c.refs == 0 {
		c.logger.Info("shutting down media engine")
		if err := c.engine.Shutdown(); err != nil {
			c.logger.Warn("engine shutdown failed", "error", err)
		}
	}
}

// Refs returns the current reference count.
func (c *Context) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// Initialized reports whether the engine is currently live.
func (c *Context) Initialized() bool {
	return c.Refs() > 0
}
