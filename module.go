package mediagraph

import (
	"errors"
	"sync/atomic"

	"github.com/rvmedia/mediagraph/engine"
)

// ErrInvalidState reports a lifecycle operation from a state that does not
// permit it.
var ErrInvalidState = errors.New("mediagraph: invalid module state")

// ErrPushNotSupported is returned by modules that only receive data through
// hardware bindings.
var ErrPushNotSupported = errors.New("mediagraph: module does not accept pushed frames")

// State of a module's lifecycle.
//
//	Uninitialized --Initialize--> Initialized | Error
//	Initialized   --Start-------> Running
//	Running       --Stop--------> Stopped
//	Stopped       --Start-------> Running
//	any           --Close-------> Closed
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateStopped
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Kind of a module within a pipeline.
type Kind int

const (
	KindSource Kind = iota
	KindProcessor
	KindEncoder
	KindSink
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindProcessor:
		return "processor"
	case KindEncoder:
		return "encoder"
	case KindSink:
		return "sink"
	default:
		return "unknown"
	}
}

// Module is the uniform lifecycle contract implemented by every stage.
// Exactly one owner drives a module at a time; concurrent access goes
// through these operations only.
type Module interface {
	Name() string
	Kind() Kind
	State() State

	// Initialize acquires the module's resources. Idempotent when already
	// Initialized or Running.
	Initialize() error
	// Start begins autonomous operation. Valid only from Initialized or
	// Stopped; fails without side effects otherwise.
	Start() error
	// Stop halts autonomous operation. Idempotent, safe from Close.
	Stop()
	// Close stops the module and releases its resources in reverse
	// acquisition order.
	Close() error

	// PushFrame is the sole cross-module data entry point for software
	// bound modules. Ownership of the frame moves to the callee.
	PushFrame(Frame) error

	// Endpoint returns the module's hardware channel descriptor; ok is
	// false for modules without one.
	Endpoint() (ep engine.Endpoint, ok bool)
}

// FrameSource is a module that produces output frames. The registered
// output receives ownership of every produced frame; it runs on the
// module's worker goroutine and must not block for long.
type FrameSource interface {
	Module
	SetOutput(func(Frame))
}

// Core carries the name, kind and state shared by all modules. Concrete
// modules embed it and drive the state through SetState.
type Core struct {
	name  string
	kind  Kind
	state atomic.Int32
}

func NewCore(name string, kind Kind) Core {
	return Core{name: name, kind: kind}
}

func (c *Core) Name() string { return c.name }
func (c *Core) Kind() Kind   { return c.kind }

func (c *Core) State() State {
	return State(c.state.Load())
}

func (c *Core) SetState(s State) {
	c.state.Store(int32(s))
}

// Running reports whether the module is in StateRunning.
func (c *Core) Running() bool {
	return c.State() == StateRunning
}

// CanStart reports whether Start is permitted from the current state.
func (c *Core) CanStart() bool {
	s := c.State()
	return s == StateInitialized || s == StateStopped
}
