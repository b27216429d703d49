//go:build linux

package filechooser

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/mattjoyce/termfilechooser/internal/events"
	"github.com/mattjoyce/termfilechooser/internal/log"
	"github.com/mattjoyce/termfilechooser/internal/picker"
	"github.com/mattjoyce/termfilechooser/internal/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json") // Suppress logs in tests
	os.Exit(m.Run())
}

type harness struct {
	r   *reactor.Reactor
	c   *Chooser
	hub *events.Hub
}

func newHarness(t *testing.T, spawner Spawner, cfg Config) *harness {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(r.Cleanup)

	_, err = r.AddTimer(10*time.Second, func(*reactor.Callback, uint64) error {
		return reactor.Exit(99, errors.New("test timed out"))
	})
	require.NoError(t, err)

	hub := events.NewHub(64)
	c := New(r, spawner, cfg, hub)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return &harness{r: r, c: c, hub: hub}
}

// runUntil runs the loop until cond holds after an iteration.
func (h *harness) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	idle := h.r.AddIdle(-1000, func(*reactor.Callback) error {
		if cond() {
			h.r.Quit(0)
		}
		return nil
	})
	tick, err := h.r.AddTimer(10*time.Millisecond, func(*reactor.Callback, uint64) error { return nil })
	require.NoError(t, err)
	defer h.r.Remove(idle)
	defer h.r.Remove(tick)

	code, err := h.r.Run()
	require.NoError(t, err)
	require.Equal(t, 0, code)
}

// onLoop runs fn once from inside the loop.
func (h *harness) onLoop(fn func()) {
	h.r.AddIdle(1000, func(cb *reactor.Callback) error {
		h.r.Remove(cb)
		fn()
		return nil
	})
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "picker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func eventTypes(h *events.Hub) []string {
	var out []string
	for _, ev := range h.Since(0) {
		out = append(out, ev.Type)
	}
	return out
}

func TestOpenFileSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	resp := NewMockResponder(ctrl)
	resp.EXPECT().Send(Response{
		Code: Success,
		URIs: []string{"file:///tmp/a%20b", "file:///tmp/c"},
	}).Return(nil).Times(1)

	script := writeScript(t, `printf '/tmp/a b\n/tmp/c\n' >&4`)
	h := newHarness(t, picker.New(script), Config{DefaultFolder: "/tmp"})

	require.NoError(t, h.c.OpenFile("req-1", OpenOptions{Multiple: true}, resp))
	req, ok := h.c.Lookup("req-1")
	require.True(t, ok)
	assert.Equal(t, StateReading, req.State())

	// Both the pipe EOF and the exit notification arrive; only one finalizes.
	h.runUntil(t, func() bool { return h.c.Live() == 0 && h.c.reaped >= 1 })

	assert.Equal(t, StateFinalized, req.State())
	assert.Contains(t, eventTypes(h.hub), events.RequestStarted)
	assert.Contains(t, eventTypes(h.hub), events.RequestFinalized)
	assert.Contains(t, eventTypes(h.hub), events.PickerExited)
}

func TestOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   Response
	}{
		{
			name:   "no output is cancelled",
			script: `exit 0`,
			want:   Response{Code: Cancelled},
		},
		{
			name:   "failing helper without output is cancelled",
			script: `exit 3`,
			want:   Response{Code: Cancelled},
		},
		{
			name:   "trailing partial record dropped",
			script: `printf '/a\n/partial' >&4`,
			want:   Response{Code: Success, URIs: []string{"file:///a"}},
		},
		{
			name:   "only partial record is cancelled",
			script: `printf '/partial' >&4`,
			want:   Response{Code: Cancelled},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []Response
			h := newHarness(t, picker.New(writeScript(t, tt.script)), Config{})

			require.NoError(t, h.c.OpenFile("h", OpenOptions{}, ResponderFunc(func(r Response) error {
				got = append(got, r)
				return nil
			})))
			h.runUntil(t, func() bool { return h.c.Live() == 0 && h.c.reaped >= 1 })

			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0])
		})
	}
}

func TestSaveFileDefaults(t *testing.T) {
	var got []Response
	script := writeScript(t, `printf '%s/%s\n' "$2" "$3" >&4`)
	h := newHarness(t, picker.New(script), Config{DefaultFolder: "/data"})

	require.NoError(t, h.c.SaveFile("s", SaveOptions{}, ResponderFunc(func(r Response) error {
		got = append(got, r)
		return nil
	})))
	h.runUntil(t, func() bool { return len(got) == 1 })

	assert.Equal(t, []string{"file:///data/untitled"}, got[0].URIs)
}

func TestCloseCancelsRequest(t *testing.T) {
	ctrl := gomock.NewController(t)
	resp := NewMockResponder(ctrl)
	resp.EXPECT().Discard().Times(1)
	resp.EXPECT().Send(gomock.Any()).Times(0)

	h := newHarness(t, picker.New(writeScript(t, `exec sleep 30`)), Config{})
	require.NoError(t, h.c.OpenFile("c", OpenOptions{}, resp))
	req, _ := h.c.Lookup("c")

	var closeErr, secondErr error
	h.onLoop(func() {
		closeErr = h.c.Close("c")
		secondErr = h.c.Close("c")
	})
	h.runUntil(t, func() bool { return h.c.reaped >= 1 })

	require.NoError(t, closeErr)
	assert.ErrorIs(t, secondErr, ErrRequestNotFound)
	assert.Equal(t, StateCancelled, req.State())
	assert.Equal(t, 0, h.c.Live())
	assert.Contains(t, eventTypes(h.hub), events.RequestCancelled)
}

func TestCloseUnknownHandle(t *testing.T) {
	h := newHarness(t, picker.New("/bin/true"), Config{})
	assert.ErrorIs(t, h.c.Close("nope"), ErrRequestNotFound)
}

func TestSpawnFailureRepliesEnded(t *testing.T) {
	ctrl := gomock.NewController(t)
	resp := NewMockResponder(ctrl)
	resp.EXPECT().Send(gomock.Any()).DoAndReturn(func(r Response) error {
		assert.Equal(t, Ended, r.Code)
		assert.Error(t, r.Err)
		return nil
	}).Times(1)

	h := newHarness(t, picker.New(filepath.Join(t.TempDir(), "missing")), Config{})
	err := h.c.OpenFile("f", OpenOptions{}, resp)
	require.Error(t, err)
	assert.Equal(t, 0, h.c.Live())
	assert.Contains(t, eventTypes(h.hub), events.RequestFailed)
}

func TestDuplicateHandle(t *testing.T) {
	script := writeScript(t, `exec sleep 30`)
	h := newHarness(t, picker.New(script), Config{})

	first := NewMockResponder(gomock.NewController(t))
	first.EXPECT().Discard().Times(1)
	require.NoError(t, h.c.OpenFile("dup", OpenOptions{}, first))

	var got []Response
	err := h.c.OpenFile("dup", OpenOptions{}, ResponderFunc(func(r Response) error {
		got = append(got, r)
		return nil
	}))
	assert.ErrorIs(t, err, ErrDuplicateHandle)
	require.Len(t, got, 1)
	assert.Equal(t, Ended, got[0].Code)
	assert.ErrorIs(t, got[0].Err, ErrDuplicateHandle)
	assert.Equal(t, 1, h.c.Live())

	// Only the caller that owns the live request may close it.
	rejected := ResponderFunc(func(Response) error { return nil })
	assert.ErrorIs(t, h.c.CloseOwned("dup", rejected), ErrRequestNotFound)
	other := NewMockResponder(gomock.NewController(t))
	assert.ErrorIs(t, h.c.CloseOwned("dup", other), ErrRequestNotFound)
	assert.Equal(t, 1, h.c.Live())

	h.onLoop(func() { require.NoError(t, h.c.CloseOwned("dup", first)) })
	h.runUntil(t, func() bool { return h.c.reaped >= 1 })
}

// pipeSpawner hands out pipes whose write end the test controls.
type pipeSpawner struct {
	t   *testing.T
	pid int
	w   int
}

func (s *pipeSpawner) Spawn(picker.Kind, picker.Params) (*picker.Process, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	s.w = fds[1]
	s.t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return &picker.Process{Fd: fds[0], Pid: s.pid}, nil
}

// exitOnce reports pid as exited once, then no more children.
func exitOnce(pid int) func(int, *unix.WaitStatus, int, *unix.Rusage) (int, error) {
	done := false
	return func(int, *unix.WaitStatus, int, *unix.Rusage) (int, error) {
		if done {
			return 0, unix.ECHILD
		}
		done = true
		return pid, nil
	}
}

func TestCorrelatedExitDrainsPipe(t *testing.T) {
	sp := &pipeSpawner{t: t, pid: 4242}
	h := newHarness(t, sp, Config{})

	var got []Response
	require.NoError(t, h.c.OpenFile("x", OpenOptions{}, ResponderFunc(func(r Response) error {
		got = append(got, r)
		return nil
	})))

	// Output is in the pipe but the write end stays open: only the exit
	// notification can finish the request.
	_, err := unix.Write(sp.w, []byte("/x\n/y"))
	require.NoError(t, err)

	h.c.wait4 = exitOnce(4242)
	require.NoError(t, h.c.reap(nil, unix.SIGCHLD))

	require.Len(t, got, 1)
	assert.Equal(t, Response{Code: Success, URIs: []string{"file:///x"}}, got[0])
	assert.Equal(t, 0, h.c.Live())
	assert.Equal(t, uint64(1), h.c.reaped)
}

func TestReaperIgnoresUnrelatedChildren(t *testing.T) {
	sp := &pipeSpawner{t: t, pid: 4242}
	h := newHarness(t, sp, Config{})
	require.NoError(t, h.c.OpenFile("x", OpenOptions{}, ResponderFunc(func(Response) error {
		t.Fatal("unexpected reply")
		return nil
	})))

	h.c.wait4 = exitOnce(777)
	require.NoError(t, h.c.reap(nil, unix.SIGCHLD))
	assert.Equal(t, 1, h.c.Live())
	assert.Equal(t, uint64(1), h.c.reaped)
}

func TestReaperRetriesInterrupted(t *testing.T) {
	h := newHarness(t, &pipeSpawner{t: t}, Config{})
	calls := 0
	h.c.wait4 = func(int, *unix.WaitStatus, int, *unix.Rusage) (int, error) {
		calls++
		if calls == 1 {
			return -1, unix.EINTR
		}
		return 0, nil
	}
	require.NoError(t, h.c.reap(nil, unix.SIGCHLD))
	assert.Equal(t, 2, calls)
}

func TestReadErrorEndsRequest(t *testing.T) {
	sp := &pipeSpawner{t: t, pid: 4242}
	h := newHarness(t, sp, Config{})

	var got []Response
	require.NoError(t, h.c.OpenFile("r", OpenOptions{}, ResponderFunc(func(r Response) error {
		got = append(got, r)
		return nil
	})))
	req, _ := h.c.Lookup("r")

	// Swap the pipe for a directory so the next read fails with EISDIR.
	dir, err := unix.Open(t.TempDir(), unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Dup2(dir, req.proc.Fd))
	_ = unix.Close(dir)

	require.NoError(t, h.c.readable(req)(req.cb, reactor.EventRead))
	require.Len(t, got, 1)
	assert.Equal(t, Ended, got[0].Code)
	assert.ErrorIs(t, got[0].Err, unix.EISDIR)
	assert.Equal(t, 0, h.c.Live())

	// A late exit notification for the same pid finds nothing to do.
	h.c.wait4 = exitOnce(4242)
	require.NoError(t, h.c.reap(nil, unix.SIGCHLD))
	assert.Len(t, got, 1)
}

func TestReadErrorAfterExitEndsRequest(t *testing.T) {
	sp := &pipeSpawner{t: t, pid: 4242}
	h := newHarness(t, sp, Config{})

	var got []Response
	require.NoError(t, h.c.OpenFile("gone", OpenOptions{}, ResponderFunc(func(r Response) error {
		got = append(got, r)
		return nil
	})))
	req, _ := h.c.Lookup("gone")

	dir, err := unix.Open(t.TempDir(), unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Dup2(dir, req.proc.Fd))
	_ = unix.Close(dir)

	h.c.wait4 = exitOnce(4242)
	require.NoError(t, h.c.reap(nil, unix.SIGCHLD))

	require.Len(t, got, 1)
	assert.Equal(t, Ended, got[0].Code)
	assert.ErrorIs(t, got[0].Err, unix.EISDIR)
	assert.Equal(t, 0, h.c.Live())
	assert.Contains(t, eventTypes(h.hub), events.RequestFailed)
	assert.NotContains(t, eventTypes(h.hub), events.RequestFinalized)
}

func TestRegistrationFailureRepliesEnded(t *testing.T) {
	h := newHarness(t, spawnerFunc(func() (*picker.Process, error) {
		// Regular files cannot be watched with epoll.
		f, err := os.CreateTemp(t.TempDir(), "out")
		if err != nil {
			return nil, err
		}
		fd, err := unix.Dup(int(f.Fd()))
		_ = f.Close()
		return &picker.Process{Fd: fd, Pid: 1 << 30}, err
	}), Config{})

	var got []Response
	err := h.c.SaveFile("s", SaveOptions{}, ResponderFunc(func(r Response) error {
		got = append(got, r)
		return nil
	}))
	require.Error(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Ended, got[0].Code)
	assert.Equal(t, 0, h.c.Live())
}

type spawnerFunc func() (*picker.Process, error)

func (f spawnerFunc) Spawn(picker.Kind, picker.Params) (*picker.Process, error) { return f() }

func TestTimeoutSweep(t *testing.T) {
	script := writeScript(t, `exec sleep 30`)
	h := newHarness(t, picker.New(script), Config{Timeout: time.Minute})

	now := time.Now()
	h.c.now = func() time.Time { return now }

	var got []Response
	reply := ResponderFunc(func(r Response) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, h.c.OpenFile("old", OpenOptions{}, reply))
	now = now.Add(30 * time.Second)
	require.NoError(t, h.c.OpenFile("new", OpenOptions{}, reply))
	oldPid := h.c.requests["old"].Pid()

	now = now.Add(45 * time.Second)
	require.NoError(t, h.c.sweep(nil, 1))

	require.Len(t, got, 1)
	assert.Equal(t, Ended, got[0].Code)
	assert.ErrorIs(t, got[0].Err, ErrTimeout)
	_, ok := h.c.Lookup("new")
	assert.True(t, ok)
	assert.Contains(t, eventTypes(h.hub), events.RequestTimedOut)

	var ws unix.WaitStatus
	_, err := unix.Wait4(oldPid, &ws, 0, nil)
	require.NoError(t, err)
	assert.True(t, ws.Signaled())

	newPid := h.c.requests["new"].Pid()
	h.c.Shutdown()
	require.Len(t, got, 2)
	assert.ErrorIs(t, got[1].Err, ErrShutdown)
	_, err = unix.Wait4(newPid, &ws, 0, nil)
	require.NoError(t, err)
}

func TestStatsSnapshot(t *testing.T) {
	h := newHarness(t, &pipeSpawner{t: t, pid: 4242}, Config{})
	assert.Equal(t, 0, h.c.Stats().Live)

	require.NoError(t, h.c.OpenFile("a", OpenOptions{}, ResponderFunc(func(Response) error { return nil })))
	require.NoError(t, h.c.publishStats(nil))

	s := h.c.Stats()
	assert.Equal(t, 1, s.Live)
	assert.Equal(t, []string{"a"}, s.Handles)
	assert.Equal(t, uint64(1), s.Started)
}

func TestDecodeOptions(t *testing.T) {
	open, unused, err := DecodeOpenOptions(map[string]any{
		"current_folder": "/srv",
		"multiple":       "true",
		"directory":      1,
		"accept_label":   "Pick",
	})
	require.NoError(t, err)
	assert.Equal(t, OpenOptions{Folder: "/srv", Multiple: true, Directory: true}, open)
	assert.Equal(t, []string{"accept_label"}, unused)

	save, unused, err := DecodeSaveOptions(map[string]any{"current_name": "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, SaveOptions{Name: "a.txt"}, save)
	assert.Empty(t, unused)

	_, _, err = DecodeOpenOptions(map[string]any{"multiple": []string{"x"}})
	assert.Error(t, err)
}
