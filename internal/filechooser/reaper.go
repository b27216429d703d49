//go:build linux

package filechooser

import (
	"fmt"

	"github.com/mattjoyce/termfilechooser/internal/events"
	"github.com/mattjoyce/termfilechooser/internal/reactor"
	"golang.org/x/sys/unix"
)

// reap collects every exited child. A child that belongs to a live request
// finalizes it with whatever output is already in the pipe; any other child
// is only reaped.
func (c *Chooser) reap(_ *reactor.Callback, _ unix.Signal) error {
	for {
		var ws unix.WaitStatus
		pid, err := c.wait4(-1, &ws, unix.WNOHANG, nil)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.ECHILD:
			return nil
		case err != nil:
			return fmt.Errorf("wait for children: %w", err)
		case pid <= 0:
			return nil
		}

		c.reaped++
		c.dirty = true
		c.logger.Debug("reaped child", "pid", pid, "status", describeStatus(ws))
		c.publish(events.PickerExited, map[string]any{"pid": pid, "status": describeStatus(ws)})

		if req := c.byPid(pid); req != nil {
			c.exited(req, ws)
		}
	}
}

func (c *Chooser) byPid(pid int) *Request {
	for _, req := range c.requests {
		if req.proc.Pid == pid {
			return req
		}
	}
	return nil
}

// exited finalizes a request whose helper is gone. The pipe is drained first
// so output written just before exit is not lost.
func (c *Chooser) exited(req *Request, ws unix.WaitStatus) {
	req.logger.Debug("picker exited", "status", describeStatus(ws))
	if _, err := req.fill(); err != nil {
		c.readFailed(req, err)
		return
	}
	c.finalize(req)
}

// sweep cancels requests that have been running longer than the timeout.
func (c *Chooser) sweep(_ *reactor.Callback, _ uint64) error {
	now := c.now()
	for _, handle := range c.handles() {
		req := c.requests[handle]
		if now.Sub(req.Started) < c.cfg.Timeout {
			continue
		}
		req.logger.Warn("request timed out", "timeout", c.cfg.Timeout)
		c.cancel(req)
		c.reply(req.logger, req.resp, Response{Code: Ended, Err: ErrTimeout})
		c.publish(events.RequestTimedOut, map[string]any{"handle": handle})
	}
	return nil
}

func describeStatus(ws unix.WaitStatus) string {
	switch {
	case ws.Exited():
		return fmt.Sprintf("exited %d", ws.ExitStatus())
	case ws.Signaled():
		return fmt.Sprintf("killed by %s", ws.Signal())
	default:
		return fmt.Sprintf("status %#x", uint32(ws))
	}
}
