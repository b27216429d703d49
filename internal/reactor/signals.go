//go:build linux

package reactor

import (
	"fmt"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// signalSource diverts a signal away from its process-wide disposition and
// into the reactor's distribution pipe. restore undoes the diversion and
// puts back the disposition that was in place before.
type signalSource interface {
	divert(sig unix.Signal, wfd int) (restore func() error, err error)
}

// notifySource diverts signals with os/signal. Each diversion owns a channel
// and a forwarder goroutine that writes the signal number into the pipe.
// Deliveries that find the pipe full are dropped; the reader treats one byte
// as "at least one pending", like a blocked standard signal.
type notifySource struct{}

func (notifySource) divert(sig unix.Signal, wfd int) (func() error, error) {
	wasIgnored := signal.Ignored(sig)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b := []byte{byte(sig)}
		for range ch {
			for {
				_, err := unix.Write(wfd, b)
				if err == unix.EINTR {
					continue
				}
				break
			}
		}
	}()

	var once sync.Once
	restore := func() error {
		once.Do(func() {
			signal.Stop(ch)
			close(ch)
			wg.Wait()
			if wasIgnored {
				signal.Ignore(sig)
			}
		})
		return nil
	}
	return restore, nil
}

func validSignal(sig unix.Signal) bool {
	if sig <= 0 || sig > 64 {
		return false
	}
	return sig != unix.SIGKILL && sig != unix.SIGSTOP
}

// AddSignal routes sig to fn. Only one callback per signal is allowed. The
// signal stops reaching its previous disposition until the callback is
// removed; on any failure the previous routing is left untouched.
func (r *Reactor) AddSignal(sig unix.Signal, fn SignalFunc) (*Callback, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.signals[sig]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSignalRegistered, sig)
	}
	if !validSignal(sig) {
		return nil, fmt.Errorf("signal %d cannot be handled: %w", int(sig), unix.EINVAL)
	}

	restore, err := r.src.divert(sig, r.sigWrite)
	if err != nil {
		return nil, fmt.Errorf("divert signal %s: %w", sig, err)
	}

	cb := r.newCallback(&signalEntry{sig: sig, fn: fn, restore: restore})
	r.tracked[sig] = struct{}{}
	r.signals[sig] = cb
	r.logger.Debug("added signal callback", "signal", sig.String())
	return cb, nil
}

// dispatchSignals empties the distribution pipe, then runs the callback of
// every tracked signal found in it once. Deliveries that arrive while
// callbacks run stay in the pipe for the next iteration.
func (r *Reactor) dispatchSignals(_ *Callback, _ Events) error {
	pending, err := r.readPendingSignals()
	if err != nil {
		return err
	}
	for sig := unix.Signal(1); int(sig) < len(pending); sig++ {
		if !pending[sig] {
			continue
		}
		if _, ok := r.tracked[sig]; !ok {
			r.logger.Debug("dropping untracked signal", "signal", sig.String())
			continue
		}
		cb, ok := r.signals[sig]
		if !ok || cb.removed {
			r.logger.Debug("no callback for signal", "signal", sig.String())
			continue
		}
		if err := cb.v.(*signalEntry).fn(cb, sig); err != nil {
			return err
		}
	}
	return nil
}

// readPendingSignals reads the pipe until EAGAIN and returns the set of
// signal numbers seen.
func (r *Reactor) readPendingSignals() ([65]bool, error) {
	var pending [65]bool
	var buf [64]byte
	for {
		n, err := unix.Read(r.sigRead, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || n == 0 {
			return pending, nil
		}
		if err != nil {
			return pending, fmt.Errorf("read signal pipe: %w", err)
		}
		for _, b := range buf[:n] {
			if sig := unix.Signal(b); validSignal(sig) {
				pending[sig] = true
			}
		}
	}
}
