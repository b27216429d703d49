//go:build linux

// Package reactor is a single-goroutine I/O event loop over epoll.
//
// It dispatches four kinds of callbacks: descriptor readiness, periodic
// timers (timerfd), POSIX signals and idle work that runs once per loop
// iteration in priority order. A Reactor is not safe for concurrent use;
// every method must be called from the goroutine that calls Run, or before
// Run starts.
package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/mattjoyce/termfilechooser/internal/log"
	"golang.org/x/sys/unix"
)

const maxEvents = 32

var (
	// ErrSignalRegistered is returned when a signal already has a callback.
	ErrSignalRegistered = errors.New("reactor: signal already has a callback")
	// ErrClosed is returned when using a reactor after Cleanup.
	ErrClosed = errors.New("reactor: closed")
)

// ExitError stops the loop with an explicit exit code when returned from a callback.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return fmt.Sprintf("exit code %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode implements the convention used by cmd entrypoints.
func (e *ExitError) ExitCode() int { return e.Code }

// Exit wraps err so that Run returns code.
func Exit(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// Code derives the loop exit code for a callback error: the explicit code of
// an *ExitError, the negated errno of a unix.Errno, -1 for anything else.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}
	return -1
}

// Reactor owns an epoll instance and the callbacks registered on it.
type Reactor struct {
	epfd   int
	nextID uint64
	logger *slog.Logger

	// watched maps readiness and timer descriptors to their callback.
	watched map[int]*Callback
	// idle is ordered by descending priority, newest first among equals.
	idle []*Callback
	// signals holds at most one callback per signal.
	signals map[unix.Signal]*Callback
	// tracked is the set of signals the distribution pipe accepts.
	tracked map[unix.Signal]struct{}

	src      signalSource
	sigRead  int
	sigWrite int
	sigCb    *Callback

	events    []unix.EpollEvent
	idleBatch []*Callback
	running   bool
	quit      bool
	code      int
	closed    bool
}

// New creates a reactor with an epoll instance and a signal distribution
// handle registered as its first readiness callback.
func New() (*Reactor, error) {
	return newReactor(notifySource{})
}

func newReactor(src signalSource) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("create signal pipe: %w", err)
	}

	r := &Reactor{
		epfd:     epfd,
		logger:   log.WithComponent("reactor"),
		watched:  make(map[int]*Callback),
		signals:  make(map[unix.Signal]*Callback),
		tracked:  make(map[unix.Signal]struct{}),
		src:      src,
		sigRead:  p[0],
		sigWrite: p[1],
		events:   make([]unix.EpollEvent, maxEvents),
	}

	cb, err := r.AddReadiness(p[0], EventRead, true, r.dispatchSignals)
	if err != nil {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("register signal pipe: %w", err)
	}
	r.sigCb = cb
	return r, nil
}

func (r *Reactor) newCallback(v variant) *Callback {
	r.nextID++
	return &Callback{id: r.nextID, v: v}
}

func (r *Reactor) watch(fd int, events uint32, cb *Callback) error {
	ev := unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
		Pad:    int32(uint32(cb.id)),
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	r.watched[fd] = cb
	return nil
}

func (r *Reactor) unwatch(fd int, cb *Callback) {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		r.logger.Warn("failed to remove descriptor from epoll", "fd", fd, "error", err)
	}
	if r.watched[fd] == cb {
		delete(r.watched, fd)
	}
}

// AddReadiness watches fd for events. With autoClose the reactor closes fd
// when the callback is removed.
func (r *Reactor) AddReadiness(fd int, events Events, autoClose bool, fn ReadinessFunc) (*Callback, error) {
	if r.closed {
		return nil, ErrClosed
	}
	cb := r.newCallback(&readiness{fd: fd, events: events, autoClose: autoClose, fn: fn})
	if err := r.watch(fd, eventsToEpoll(events), cb); err != nil {
		return nil, fmt.Errorf("watch fd %d: %w", fd, err)
	}
	r.logger.Debug("added readiness callback", "fd", fd)
	return cb, nil
}

// AddIdle registers fn to run once per iteration. Higher priorities run
// first; among equal priorities the most recently added runs first.
func (r *Reactor) AddIdle(priority int, fn IdleFunc) *Callback {
	cb := r.newCallback(&idle{priority: priority, fn: fn})
	i := sort.Search(len(r.idle), func(i int) bool {
		return r.idle[i].Priority() <= priority
	})
	r.idle = slices.Insert(r.idle, i, cb)
	r.logger.Debug("added idle callback", "priority", priority)
	return cb
}

// AddTimer creates a monotonic timer that first fires after period and then
// every period.
func (r *Reactor) AddTimer(period time.Duration, fn TimerFunc) (*Callback, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if period <= 0 {
		return nil, fmt.Errorf("timer period must be positive: %w", unix.EINVAL)
	}

	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd create: %w", err)
	}
	ts := unix.NsecToTimespec(period.Nanoseconds())
	spec := unix.ItimerSpec{Interval: ts, Value: ts}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("timerfd settime: %w", err)
	}

	cb := r.newCallback(&timer{fd: fd, period: period, fn: fn})
	if err := r.watch(fd, unix.EPOLLIN, cb); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("watch timer fd %d: %w", fd, err)
	}
	r.logger.Debug("added timer callback", "fd", fd, "period", period)
	return cb, nil
}

// Remove unregisters cb and releases what it owns.
func (r *Reactor) Remove(cb *Callback) {
	if cb == nil || cb.removed {
		return
	}
	cb.removed = true
	cb.v.teardown(r, cb)
	r.logger.Debug("removed callback", "kind", cb.Kind().String())
}

// Quit stops Run at the end of the current iteration with code.
func (r *Reactor) Quit(code int) {
	r.logger.Debug("quit requested", "code", code)
	r.quit = true
	r.code = code
}

// Running reports whether Run is executing.
func (r *Reactor) Running() bool { return r.running }

// Run dispatches callbacks until Quit is called or a callback fails. A
// failing callback stops the loop immediately; the returned error is the
// callback's and the code is derived from it with Code.
func (r *Reactor) Run() (int, error) {
	if r.closed {
		return -1, ErrClosed
	}
	r.logger.Info("running event loop")

	r.running = true
	defer func() { r.running = false }()
	r.quit = false
	r.code = 0

	for !r.quit {
		n, err := r.wait()
		if err != nil {
			r.code = Code(err)
			r.logger.Error("epoll wait failed", "error", err)
			return r.code, fmt.Errorf("epoll wait: %w", err)
		}

		for i := 0; i < n; i++ {
			ev := r.events[i]
			cb, ok := r.watched[int(ev.Fd)]
			if !ok || cb.removed || int32(uint32(cb.id)) != ev.Pad {
				continue
			}
			if err := r.dispatch(cb, ev.Events); err != nil {
				return r.fail(cb, err)
			}
		}

		r.idleBatch = append(r.idleBatch[:0], r.idle...)
		for _, cb := range r.idleBatch {
			if cb.removed {
				continue
			}
			if err := cb.v.(*idle).fn(cb); err != nil {
				return r.fail(cb, err)
			}
		}
	}

	r.logger.Info("event loop stopped", "code", r.code)
	return r.code, nil
}

func (r *Reactor) wait() (int, error) {
	for {
		n, err := unix.EpollWait(r.epfd, r.events, -1)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func (r *Reactor) dispatch(cb *Callback, epollEvents uint32) error {
	switch v := cb.v.(type) {
	case *readiness:
		return v.fn(cb, epollToEvents(epollEvents))
	case *timer:
		var buf [8]byte
		n, err := unix.Read(v.fd, buf[:])
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read timer fd %d: %w", v.fd, err)
		}
		if n != len(buf) {
			return fmt.Errorf("short read on timer fd %d", v.fd)
		}
		return v.fn(cb, binary.NativeEndian.Uint64(buf[:]))
	default:
		return nil
	}
}

func (r *Reactor) fail(cb *Callback, err error) (int, error) {
	r.code = Code(err)
	r.logger.Error("callback failed, stopping event loop",
		"kind", cb.Kind().String(), "code", r.code, "error", err)
	return r.code, err
}

// Cleanup removes every callback (idle, then signal, then readiness, then
// timer) and closes the epoll instance. It is safe to call more than once.
func (r *Reactor) Cleanup() {
	if r.closed {
		return
	}
	r.logger.Debug("cleaning up event loop")

	for _, cb := range slices.Clone(r.idle) {
		r.Remove(cb)
	}

	sigs := make([]unix.Signal, 0, len(r.signals))
	for sig := range r.signals {
		sigs = append(sigs, sig)
	}
	slices.Sort(sigs)
	for _, sig := range sigs {
		r.Remove(r.signals[sig])
	}

	r.removeWatched(KindReadiness)
	r.removeWatched(KindTimer)

	if err := unix.Close(r.sigWrite); err != nil {
		r.logger.Warn("failed to close signal pipe", "error", err)
	}
	if err := unix.Close(r.epfd); err != nil {
		r.logger.Warn("failed to close epoll descriptor", "error", err)
	}
	r.closed = true
}

func (r *Reactor) removeWatched(kind Kind) {
	fds := make([]int, 0, len(r.watched))
	for fd, cb := range r.watched {
		if cb.Kind() == kind {
			fds = append(fds, fd)
		}
	}
	slices.Sort(fds)
	for _, fd := range fds {
		r.Remove(r.watched[fd])
	}
}
