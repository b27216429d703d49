//go:build linux

// Package picker launches the external picker helper for one request.
//
// The helper receives the request kind and its parameters as arguments and
// writes one absolute path per line to descriptor 4, which is the write end
// of a pipe whose read end is returned to the caller.
package picker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/mattjoyce/termfilechooser/internal/log"
	"golang.org/x/sys/unix"
)

// OutputFd is the descriptor the helper writes its selection to.
const OutputFd = 4

// Kind is the request type, passed to the helper as its first argument.
type Kind int

const (
	KindSave Kind = 0
	KindOpen Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindSave:
		return "save"
	case KindOpen:
		return "open"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Params are the per-request helper arguments. Name applies to save
// requests, Multiple and Directory to open requests.
type Params struct {
	Folder    string
	Name      string
	Multiple  bool
	Directory bool
}

// Process is a running helper.
type Process struct {
	// Fd is the non-blocking, close-on-exec read end of the output pipe.
	Fd  int
	Pid int
	// GroupLeader is false when the helper could not be given its own
	// process group; Terminate then only reaches the helper itself.
	GroupLeader bool
}

// Terminate asks the helper (and its process group, if it leads one) to
// exit. A process that is already gone is not an error.
func (p *Process) Terminate() error {
	target := p.Pid
	if p.GroupLeader {
		target = -p.Pid
	}
	err := unix.Kill(target, unix.SIGTERM)
	if err == unix.ESRCH && p.GroupLeader {
		err = unix.Kill(p.Pid, unix.SIGTERM)
	}
	if err != nil && err != unix.ESRCH {
		return fmt.Errorf("signal picker pid %d: %w", p.Pid, err)
	}
	return nil
}

type forkExecFunc func(argv0 string, argv []string, attr *syscall.ProcAttr) (int, error)

// Launcher spawns the configured helper command.
type Launcher struct {
	command  string
	logger   *slog.Logger
	lookPath func(string) (string, error)
	forkExec forkExecFunc
}

// New returns a launcher for command, resolved through PATH at spawn time.
func New(command string) *Launcher {
	return &Launcher{
		command:  command,
		logger:   log.WithComponent("picker"),
		lookPath: exec.LookPath,
		forkExec: syscall.ForkExec,
	}
}

// Command returns the configured helper command.
func (l *Launcher) Command() string { return l.command }

// Args builds the helper argv for a request.
//
//	save: command 0 folder name
//	open: command 2 folder multiple directory
func Args(command string, kind Kind, p Params) []string {
	folder := p.Folder
	if folder == "" {
		folder = "/tmp"
	}
	switch kind {
	case KindSave:
		return []string{command, "0", folder, p.Name}
	default:
		return []string{command, "2", folder, flag(p.Multiple), flag(p.Directory)}
	}
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Spawn starts the helper for one request. On failure nothing is left open.
func (l *Launcher) Spawn(kind Kind, p Params) (*Process, error) {
	path, err := l.lookPath(l.command)
	if err != nil {
		return nil, fmt.Errorf("resolve picker %q: %w", l.command, err)
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("create picker pipe: %w", err)
	}
	readEnd, writeEnd := fds[0], fds[1]

	argv := Args(l.command, kind, p)
	attr := &syscall.ProcAttr{
		Env: os.Environ(),
		// 3 is closed in the child; the pipe lands on OutputFd.
		Files: []uintptr{0, 1, 2, ^uintptr(0), uintptr(writeEnd)},
		Sys:   &syscall.SysProcAttr{Setpgid: true},
	}

	l.logger.Debug("executing picker", "path", path, "argv", argv)
	groupLeader := true
	pid, err := l.forkExec(path, argv, attr)
	// setpgid(0, 0) in the child fails only with EPERM. EACCES comes from
	// exec and would fail again without the group.
	if err != nil && errors.Is(err, syscall.EPERM) {
		l.logger.Warn("failed to start picker in its own process group, cancellation will only reach the picker itself",
			"error", err)
		attr.Sys = &syscall.SysProcAttr{}
		groupLeader = false
		pid, err = l.forkExec(path, argv, attr)
	}
	_ = unix.Close(writeEnd)
	if err != nil {
		_ = unix.Close(readEnd)
		return nil, fmt.Errorf("start picker %q: %w", path, err)
	}

	if err := unix.SetNonblock(readEnd, true); err != nil {
		_ = unix.Close(readEnd)
		proc := &Process{Pid: pid, GroupLeader: groupLeader}
		_ = proc.Terminate()
		return nil, fmt.Errorf("set picker pipe non-blocking: %w", err)
	}

	l.logger.Debug("started picker", "pid", pid, "kind", kind.String(), "fd", readEnd)
	return &Process{Fd: readEnd, Pid: pid, GroupLeader: groupLeader}, nil
}
