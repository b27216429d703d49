package filechooser

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRequestNotFound is returned by Close for an unknown handle.
	ErrRequestNotFound = errors.New("request not found")
	// ErrDuplicateHandle is returned when a handle is already live.
	ErrDuplicateHandle = errors.New("request handle already in use")
	// ErrTimeout is reported to a request that outlived the configured timeout.
	ErrTimeout = errors.New("picker timed out")
	// ErrShutdown is reported to requests still live when the service stops.
	ErrShutdown = errors.New("service shutting down")
)

// Code is the outcome reported on a request's reply channel.
type Code int

const (
	// Success carries at least one URI.
	Success Code = 0
	// Cancelled means the picker produced no selection.
	Cancelled Code = 1
	// Ended means the request failed; Response.Err says why.
	Ended Code = 2
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case Cancelled:
		return "cancelled"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Response is the single result delivered for a request. URIs is set only
// on Success, Err only on Ended.
type Response struct {
	Code Code
	URIs []string
	Err  error
}

//go:generate mockgen -destination=mock_responder_test.go -package=filechooser -self_package=github.com/mattjoyce/termfilechooser/internal/filechooser github.com/mattjoyce/termfilechooser/internal/filechooser Responder

// Responder is the reply channel of one request. Exactly one of Send or
// Discard is called, at most once.
type Responder interface {
	// Send delivers the result.
	Send(Response) error
	// Discard drops the reply channel without a result (the request was
	// cancelled by its caller).
	Discard()
}

// ResponderFunc adapts a function to Responder; Discard is a no-op.
type ResponderFunc func(Response) error

func (f ResponderFunc) Send(r Response) error { return f(r) }
func (f ResponderFunc) Discard() {}

// State is the lifecycle position of a request.
type State int

const (
	// StateSpawned: the helper is running but its pipe is not yet watched.
	StateSpawned State = iota
	// StateReading: output is being collected from the pipe.
	StateReading
	// StateFinalized: a result was delivered.
	StateFinalized
	// StateCancelled: the request was closed without a result.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateReading:
		return "reading"
	case StateFinalized:
		return "finalized"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Config holds chooser defaults.
type Config struct {
	// DefaultFolder is used when a request does not name a folder.
	DefaultFolder string
	// DefaultName is used when a save request does not name a file.
	DefaultName string
	// Timeout cancels requests older than this; zero disables it.
	Timeout time.Duration
	// SweepInterval is how often the timeout is checked.
	SweepInterval time.Duration
}

// Stats is a point-in-time view of the chooser, safe to read from any goroutine.
type Stats struct {
	Live      int       `json:"live"`
	Handles   []string  `json:"handles"`
	Started   uint64    `json:"started"`
	Completed uint64    `json:"completed"`
	Reaped    uint64    `json:"reaped"`
	At        time.Time `json:"at"`
}
