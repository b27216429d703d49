//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// Kind identifies which of the four callback categories a handle belongs to.
type Kind int

const (
	KindReadiness Kind = iota
	KindIdle
	KindSignal
	KindTimer
)

func (k Kind) String() string {
	switch k {
	case KindReadiness:
		return "readiness"
	case KindIdle:
		return "idle"
	case KindSignal:
		return "signal"
	case KindTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// Events is the set of readiness conditions reported for a descriptor.
type Events uint32

const (
	// EventRead indicates the descriptor is readable.
	EventRead Events = 1 << iota
	// EventWrite indicates the descriptor is writable.
	EventWrite
	// EventError indicates an error condition on the descriptor.
	EventError
	// EventHangup indicates the peer closed its end.
	EventHangup
)

// ReadinessFunc handles readiness on a registered descriptor.
type ReadinessFunc func(cb *Callback, events Events) error

// IdleFunc runs once per loop iteration after readiness dispatch.
type IdleFunc func(cb *Callback) error

// SignalFunc handles delivery of a registered signal.
type SignalFunc func(cb *Callback, sig unix.Signal) error

// TimerFunc handles timer expiry. expirations is the number of periods
// elapsed since the previous dispatch.
type TimerFunc func(cb *Callback, expirations uint64) error

// Callback is the handle returned by every Add* method. A handle stays valid
// after removal; removing it again is a no-op.
type Callback struct {
	id      uint64
	removed bool
	v       variant
}

// Kind reports the callback category.
func (c *Callback) Kind() Kind { return c.v.kind() }

// Removed reports whether the callback has been removed from its reactor.
func (c *Callback) Removed() bool { return c.removed }

// Fd returns the watched descriptor for readiness and timer callbacks, -1 otherwise.
func (c *Callback) Fd() int {
	switch v := c.v.(type) {
	case *readiness:
		return v.fd
	case *timer:
		return v.fd
	default:
		return -1
	}
}

// Signal returns the signal number of a signal callback, 0 otherwise.
func (c *Callback) Signal() unix.Signal {
	if v, ok := c.v.(*signalEntry); ok {
		return v.sig
	}
	return 0
}

// Priority returns the priority of an idle callback, 0 otherwise.
func (c *Callback) Priority() int {
	if v, ok := c.v.(*idle); ok {
		return v.priority
	}
	return 0
}

// Period returns the interval of a timer callback, 0 otherwise.
func (c *Callback) Period() time.Duration {
	if v, ok := c.v.(*timer); ok {
		return v.period
	}
	return 0
}

// variant holds the per-kind state and release logic of a callback.
type variant interface {
	kind() Kind
	teardown(r *Reactor, cb *Callback)
}

type readiness struct {
	fd        int
	events    Events
	autoClose bool
	fn        ReadinessFunc
}

func (*readiness) kind() Kind { return KindReadiness }

func (v *readiness) teardown(r *Reactor, cb *Callback) {
	r.unwatch(v.fd, cb)
	if v.autoClose {
		if err := unix.Close(v.fd); err != nil {
			r.logger.Warn("failed to close descriptor", "fd", v.fd, "error", err)
		}
	}
}

type idle struct {
	priority int
	fn       IdleFunc
}

func (*idle) kind() Kind { return KindIdle }

func (v *idle) teardown(r *Reactor, cb *Callback) {
	for i, c := range r.idle {
		if c == cb {
			r.idle = append(r.idle[:i], r.idle[i+1:]...)
			return
		}
	}
}

type signalEntry struct {
	sig     unix.Signal
	fn      SignalFunc
	restore func() error
}

func (*signalEntry) kind() Kind { return KindSignal }

func (v *signalEntry) teardown(r *Reactor, cb *Callback) {
	delete(r.signals, v.sig)
	delete(r.tracked, v.sig)
	if err := v.restore(); err != nil {
		r.logger.Error("failed to restore signal routing, signal may now be lost",
			"signal", v.sig.String(), "error", err)
	}
}

type timer struct {
	fd     int
	period time.Duration
	fn     TimerFunc
}

func (*timer) kind() Kind { return KindTimer }

func (v *timer) teardown(r *Reactor, cb *Callback) {
	r.unwatch(v.fd, cb)
	if err := unix.Close(v.fd); err != nil {
		r.logger.Warn("failed to close timer descriptor", "fd", v.fd, "error", err)
	}
}

func eventsToEpoll(events Events) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

func epollToEvents(epollEvents uint32) Events {
	var events Events
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
