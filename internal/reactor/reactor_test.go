//go:build linux

package reactor

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeSource records diversions instead of touching process-wide routing.
type fakeSource struct {
	diverted map[unix.Signal]bool
	restored []unix.Signal
	fail     error
}

func newFakeSource() *fakeSource {
	return &fakeSource{diverted: make(map[unix.Signal]bool)}
}

func (f *fakeSource) divert(sig unix.Signal, _ int) (func() error, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.diverted[sig] = true
	return func() error {
		delete(f.diverted, sig)
		f.restored = append(f.restored, sig)
		return nil
	}, nil
}

func newTestReactor(t *testing.T, src signalSource) *Reactor {
	t.Helper()
	r, err := newReactor(src)
	require.NoError(t, err)
	t.Cleanup(r.Cleanup)
	return r
}

// failsafe stops a test loop that would otherwise block forever.
func failsafe(t *testing.T, r *Reactor) {
	t.Helper()
	_, err := r.AddTimer(5*time.Second, func(*Callback, uint64) error {
		return Exit(99, errors.New("test timed out"))
	})
	require.NoError(t, err)
}

func pipe(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	return p[0], p[1]
}

// wake makes the next epoll wait return so idle callbacks get a pass.
func wake(t *testing.T, r *Reactor) {
	t.Helper()
	rfd, wfd := pipe(t)
	t.Cleanup(func() { _ = unix.Close(wfd) })
	_, err := r.AddReadiness(rfd, EventRead, true, func(cb *Callback, _ Events) error {
		var buf [8]byte
		_, _ = unix.Read(cb.Fd(), buf[:])
		return nil
	})
	require.NoError(t, err)
	_, err = unix.Write(wfd, []byte{1})
	require.NoError(t, err)
}

func TestIdlePriorityOrder(t *testing.T) {
	r := newTestReactor(t, newFakeSource())
	failsafe(t, r)

	var got []string
	add := func(name string, prio int) {
		r.AddIdle(prio, func(*Callback) error {
			got = append(got, name)
			return nil
		})
	}
	add("5a", 5)
	add("10", 10)
	add("5b", 5)
	add("1", 1)
	r.AddIdle(-100, func(*Callback) error {
		r.Quit(0)
		return nil
	})

	prios := make([]int, 0, len(r.idle))
	for _, cb := range r.idle {
		prios = append(prios, cb.Priority())
	}
	assert.Equal(t, []int{10, 5, 5, 1, -100}, prios)

	wake(t, r)

	code, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"10", "5b", "5a", "1"}, got)
}

func TestReadinessDispatchAndQuit(t *testing.T) {
	r := newTestReactor(t, newFakeSource())
	failsafe(t, r)

	rfd, wfd := pipe(t)
	defer unix.Close(wfd)

	var got []byte
	_, err := r.AddReadiness(rfd, EventRead, true, func(cb *Callback, ev Events) error {
		assert.NotZero(t, ev&EventRead)
		buf := make([]byte, 16)
		n, err := unix.Read(cb.Fd(), buf)
		if err != nil {
			return err
		}
		got = append(got, buf[:n]...)
		r.Quit(3)
		return nil
	})
	require.NoError(t, err)

	_, err = unix.Write(wfd, []byte("ping"))
	require.NoError(t, err)

	code, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "ping", string(got))
}

func TestAddReadinessDuplicateFd(t *testing.T) {
	r := newTestReactor(t, newFakeSource())
	rfd, wfd := pipe(t)
	defer unix.Close(wfd)

	_, err := r.AddReadiness(rfd, EventRead, true, func(*Callback, Events) error { return nil })
	require.NoError(t, err)
	_, err = r.AddReadiness(rfd, EventRead, false, func(*Callback, Events) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.EEXIST)
}

func TestCallbackErrorStopsLoop(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "explicit exit code", err: Exit(7, errors.New("boom")), want: 7},
		{name: "errno", err: unix.EIO, want: -int(unix.EIO)},
		{name: "wrapped errno", err: fmt.Errorf("read: %w", unix.EPIPE), want: -int(unix.EPIPE)},
		{name: "plain error", err: errors.New("boom"), want: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestReactor(t, newFakeSource())
			failsafe(t, r)

			later := false
			r.AddIdle(10, func(*Callback) error { return tt.err })
			r.AddIdle(0, func(*Callback) error {
				later = true
				return nil
			})

			wake(t, r)

			code, err := r.Run()
			assert.Equal(t, tt.want, code)
			assert.ErrorIs(t, err, tt.err)
			assert.False(t, later, "callbacks after a failure must not run")
		})
	}
}

func TestTimerFiresRepeatedly(t *testing.T) {
	r := newTestReactor(t, newFakeSource())
	failsafe(t, r)

	var total uint64
	cb, err := r.AddTimer(10*time.Millisecond, func(_ *Callback, n uint64) error {
		total += n
		if total >= 3 {
			r.Quit(0)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, KindTimer, cb.Kind())
	assert.Equal(t, 10*time.Millisecond, cb.Period())

	start := time.Now()
	code, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.GreaterOrEqual(t, total, uint64(3))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestAddTimerRejectsNonPositivePeriod(t *testing.T) {
	r := newTestReactor(t, newFakeSource())
	for _, p := range []time.Duration{0, -time.Second} {
		_, err := r.AddTimer(p, func(*Callback, uint64) error { return nil })
		assert.ErrorIs(t, err, unix.EINVAL)
	}
}

func TestSignalDelivery(t *testing.T) {
	r := newTestReactor(t, notifySource{})
	failsafe(t, r)

	var got unix.Signal
	cb, err := r.AddSignal(unix.SIGUSR1, func(_ *Callback, sig unix.Signal) error {
		got = sig
		r.Quit(0)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, unix.SIGUSR1, cb.Signal())

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))

	code, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, unix.SIGUSR1, got)
}

func TestSignalAtMostOneCallback(t *testing.T) {
	src := newFakeSource()
	r := newTestReactor(t, src)

	first, err := r.AddSignal(unix.SIGUSR2, func(*Callback, unix.Signal) error { return nil })
	require.NoError(t, err)

	_, err = r.AddSignal(unix.SIGUSR2, func(*Callback, unix.Signal) error { return nil })
	assert.ErrorIs(t, err, ErrSignalRegistered)
	assert.Len(t, r.signals, 1)
	assert.Same(t, first, r.signals[unix.SIGUSR2])

	// The tracked set mirrors the registered signals.
	assert.Equal(t, map[unix.Signal]struct{}{unix.SIGUSR2: {}}, r.tracked)
	assert.True(t, src.diverted[unix.SIGUSR2])

	r.Remove(first)
	assert.Empty(t, r.tracked)
	assert.Empty(t, r.signals)
	assert.False(t, src.diverted[unix.SIGUSR2])
	assert.Equal(t, []unix.Signal{unix.SIGUSR2}, src.restored)
}

func TestAddSignalFailureLeavesNoTrace(t *testing.T) {
	src := newFakeSource()
	src.fail = unix.EPERM
	r := newTestReactor(t, src)

	_, err := r.AddSignal(unix.SIGUSR1, func(*Callback, unix.Signal) error { return nil })
	assert.ErrorIs(t, err, unix.EPERM)
	assert.Empty(t, r.signals)
	assert.Empty(t, r.tracked)
	assert.Empty(t, src.diverted)
}

func TestAddSignalRejectsUncatchable(t *testing.T) {
	r := newTestReactor(t, newFakeSource())
	for _, sig := range []unix.Signal{unix.SIGKILL, unix.SIGSTOP, 0, 99} {
		_, err := r.AddSignal(sig, func(*Callback, unix.Signal) error { return nil })
		assert.ErrorIs(t, err, unix.EINVAL, "signal %d", int(sig))
	}
}

func TestUntrackedSignalIsDropped(t *testing.T) {
	r := newTestReactor(t, newFakeSource())
	failsafe(t, r)

	called := false
	_, err := r.AddSignal(unix.SIGUSR1, func(*Callback, unix.Signal) error {
		called = true
		return nil
	})
	require.NoError(t, err)

	// A byte for a signal nobody registered, as if it raced with removal.
	_, err = unix.Write(r.sigWrite, []byte{byte(unix.SIGUSR2)})
	require.NoError(t, err)
	r.AddIdle(0, func(*Callback) error {
		r.Quit(0)
		return nil
	})

	code, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.False(t, called)
}

func TestSignalDuringCallbackIsNotLost(t *testing.T) {
	r := newTestReactor(t, newFakeSource())
	failsafe(t, r)

	calls := 0
	_, err := r.AddSignal(unix.SIGUSR1, func(*Callback, unix.Signal) error {
		calls++
		if calls == 1 {
			// A second delivery while the first is being handled.
			_, err := unix.Write(r.sigWrite, []byte{byte(unix.SIGUSR1)})
			return err
		}
		r.Quit(0)
		return nil
	})
	require.NoError(t, err)

	_, err = unix.Write(r.sigWrite, []byte{byte(unix.SIGUSR1), byte(unix.SIGUSR1)})
	require.NoError(t, err)

	code, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, 2, calls, "pending deliveries coalesce, later ones run again")
}

func TestRunStopsOnWaitError(t *testing.T) {
	r := newTestReactor(t, newFakeSource())
	epfd := r.epfd
	r.epfd = -1
	t.Cleanup(func() { r.epfd = epfd })

	code, err := r.Run()
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.EBADF)
	assert.Equal(t, -int(unix.EBADF), code)
	assert.False(t, r.Running())
}

func TestRemoveDuringDispatch(t *testing.T) {
	r := newTestReactor(t, newFakeSource())
	failsafe(t, r)

	var victim *Callback
	ran := false
	r.AddIdle(10, func(self *Callback) error {
		r.Remove(victim)
		r.Remove(self)
		r.Remove(self)
		return nil
	})
	victim = r.AddIdle(5, func(*Callback) error {
		ran = true
		return nil
	})
	r.AddIdle(0, func(*Callback) error {
		r.Quit(0)
		return nil
	})

	wake(t, r)

	_, err := r.Run()
	require.NoError(t, err)
	assert.False(t, ran)
	assert.True(t, victim.Removed())
	assert.Len(t, r.idle, 1)
}

func TestCallbackAddedDuringIterationRunsNextIteration(t *testing.T) {
	r := newTestReactor(t, newFakeSource())
	failsafe(t, r)

	iteration := 0
	addedRanAt := -1
	r.AddIdle(0, func(self *Callback) error {
		iteration++
		switch iteration {
		case 1:
			r.AddIdle(100, func(added *Callback) error {
				addedRanAt = iteration
				r.Remove(added)
				return nil
			})
		case 2:
			r.Quit(0)
		}
		return nil
	})

	// Keep the loop waking up.
	_, err := r.AddTimer(time.Millisecond, func(*Callback, uint64) error { return nil })
	require.NoError(t, err)

	_, err = r.Run()
	require.NoError(t, err)
	// Added during iteration 1, first eligible in iteration 2 where it runs
	// before the lower-priority callback increments the counter.
	assert.Equal(t, 1, addedRanAt)
	assert.Equal(t, 2, iteration)
}

func TestRunResetsQuit(t *testing.T) {
	r := newTestReactor(t, newFakeSource())
	failsafe(t, r)

	runs := 0
	_, err := r.AddTimer(time.Millisecond, func(*Callback, uint64) error {
		runs++
		r.Quit(runs)
		return nil
	})
	require.NoError(t, err)

	r.Quit(42)
	code, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, code)

	code, err = r.Run()
	require.NoError(t, err)
	assert.Equal(t, 2, code)
}

func TestCleanupReleasesEverything(t *testing.T) {
	src := newFakeSource()
	r, err := newReactor(src)
	require.NoError(t, err)

	rfd, wfd := pipe(t)
	defer unix.Close(wfd)
	_, err = r.AddReadiness(rfd, EventRead, true, func(*Callback, Events) error { return nil })
	require.NoError(t, err)
	tcb, err := r.AddTimer(time.Hour, func(*Callback, uint64) error { return nil })
	require.NoError(t, err)
	r.AddIdle(1, func(*Callback) error { return nil })
	_, err = r.AddSignal(unix.SIGUSR1, func(*Callback, unix.Signal) error { return nil })
	require.NoError(t, err)

	r.Cleanup()

	assert.Empty(t, r.idle)
	assert.Empty(t, r.signals)
	assert.Empty(t, r.watched)
	assert.Empty(t, src.diverted)
	assert.True(t, tcb.Removed())

	_, err = unix.FcntlInt(uintptr(rfd), unix.F_GETFD, 0)
	assert.ErrorIs(t, err, unix.EBADF, "auto-close descriptor should be closed")

	// Idempotent.
	r.Cleanup()
	_, err = r.Run()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCode(t *testing.T) {
	assert.Equal(t, 0, Code(nil))
	assert.Equal(t, 4, Code(Exit(4, nil)))
	assert.Equal(t, -int(unix.ENOENT), Code(unix.ENOENT))
	assert.Equal(t, -1, Code(errors.New("x")))

	var ee *ExitError
	require.ErrorAs(t, Exit(2, unix.EIO), &ee)
	assert.Equal(t, 2, ee.ExitCode())
	assert.ErrorIs(t, ee, unix.EIO)
}
