//go:build linux

// Package filechooser runs file chooser requests on top of the reactor.
//
// Each request spawns one picker helper, watches the read end of its output
// pipe and turns the collected lines into file URIs once the helper closes
// the pipe or exits. Every method must run on the reactor goroutine.
package filechooser

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/termfilechooser/internal/events"
	"github.com/mattjoyce/termfilechooser/internal/fileuri"
	"github.com/mattjoyce/termfilechooser/internal/log"
	"github.com/mattjoyce/termfilechooser/internal/picker"
	"github.com/mattjoyce/termfilechooser/internal/reactor"
	"golang.org/x/sys/unix"
)

const readChunk = 4096

// Spawner starts a picker helper.
type Spawner interface {
	Spawn(kind picker.Kind, p picker.Params) (*picker.Process, error)
}

// Request is one live file chooser request.
type Request struct {
	Handle  string
	Kind    picker.Kind
	Params  picker.Params
	Started time.Time

	proc   *picker.Process
	cb     *reactor.Callback
	buf    []byte
	resp   Responder
	state  State
	logger *slog.Logger
}

// State returns the lifecycle state.
func (r *Request) State() State { return r.state }

// Pid returns the helper's process id.
func (r *Request) Pid() int { return r.proc.Pid }

// Chooser owns the registry of live requests.
type Chooser struct {
	loop    *reactor.Reactor
	spawner Spawner
	cfg     Config
	pub     events.Publisher
	logger  *slog.Logger

	requests map[string]*Request
	owned    []*reactor.Callback

	started   uint64
	completed uint64
	reaped    uint64
	dirty     bool
	stats     atomic.Pointer[Stats]

	now   func() time.Time
	wait4 func(pid int, ws *unix.WaitStatus, options int, ru *unix.Rusage) (int, error)
}

// New returns a chooser that runs requests on loop. pub may be nil.
func New(loop *reactor.Reactor, spawner Spawner, cfg Config, pub events.Publisher) *Chooser {
	if cfg.DefaultName == "" {
		cfg.DefaultName = "untitled"
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	c := &Chooser{
		loop:     loop,
		spawner:  spawner,
		cfg:      cfg,
		pub:      pub,
		logger:   log.WithComponent("filechooser"),
		requests: make(map[string]*Request),
		now:      time.Now,
		wait4:    unix.Wait4,
		dirty:    true,
	}
	c.stats.Store(&Stats{Handles: []string{}, At: c.now().UTC()})
	return c
}

// Start registers the child reaper, the timeout sweep and the stats
// publisher on the reactor. It must be called before the first request.
func (c *Chooser) Start() error {
	cb, err := c.loop.AddSignal(unix.SIGCHLD, c.reap)
	if err != nil {
		return fmt.Errorf("register child reaper: %w", err)
	}
	c.owned = append(c.owned, cb)

	if c.cfg.Timeout > 0 {
		cb, err := c.loop.AddTimer(c.cfg.SweepInterval, c.sweep)
		if err != nil {
			c.Stop()
			return fmt.Errorf("register timeout sweep: %w", err)
		}
		c.owned = append(c.owned, cb)
	}

	c.owned = append(c.owned, c.loop.AddIdle(-100, c.publishStats))
	return nil
}

// Stop removes the callbacks registered by Start.
func (c *Chooser) Stop() {
	for _, cb := range c.owned {
		c.loop.Remove(cb)
	}
	c.owned = nil
}

// OpenFile starts an open request.
func (c *Chooser) OpenFile(handle string, opts OpenOptions, resp Responder) error {
	return c.start(handle, picker.KindOpen, picker.Params{
		Folder:    opts.Folder,
		Multiple:  opts.Multiple,
		Directory: opts.Directory,
	}, resp)
}

// SaveFile starts a save request.
func (c *Chooser) SaveFile(handle string, opts SaveOptions, resp Responder) error {
	return c.start(handle, picker.KindSave, picker.Params{
		Folder: opts.Folder,
		Name:   opts.Name,
	}, resp)
}

func (c *Chooser) start(handle string, kind picker.Kind, params picker.Params, resp Responder) error {
	logger := log.WithRequest(handle).With("kind", kind.String())

	if handle == "" {
		err := fmt.Errorf("request handle is empty")
		c.reply(logger, resp, Response{Code: Ended, Err: err})
		return err
	}
	if _, ok := c.requests[handle]; ok {
		err := fmt.Errorf("%w: %s", ErrDuplicateHandle, handle)
		c.reply(logger, resp, Response{Code: Ended, Err: err})
		return err
	}

	if params.Folder == "" {
		params.Folder = c.cfg.DefaultFolder
	}
	if kind == picker.KindSave && params.Name == "" {
		params.Name = c.cfg.DefaultName
	}

	proc, err := c.spawner.Spawn(kind, params)
	if err != nil {
		logger.Error("failed to spawn picker", "error", err)
		c.publish(events.RequestFailed, map[string]any{"handle": handle, "error": err.Error()})
		c.reply(logger, resp, Response{Code: Ended, Err: err})
		return err
	}

	req := &Request{
		Handle:  handle,
		Kind:    kind,
		Params:  params,
		Started: c.now(),
		proc:    proc,
		resp:    resp,
		state:   StateSpawned,
		logger:  logger.With("pid", proc.Pid),
	}

	cb, err := c.loop.AddReadiness(proc.Fd, reactor.EventRead, true, c.readable(req))
	if err != nil {
		_ = unix.Close(proc.Fd)
		if terr := proc.Terminate(); terr != nil {
			req.logger.Warn("failed to stop picker", "error", terr)
		}
		req.logger.Error("failed to watch picker output", "error", err)
		c.publish(events.RequestFailed, map[string]any{"handle": handle, "error": err.Error()})
		c.reply(req.logger, resp, Response{Code: Ended, Err: err})
		return err
	}
	req.cb = cb
	req.state = StateReading
	c.requests[handle] = req
	c.started++
	c.dirty = true

	req.logger.Info("request started", "folder", params.Folder)
	c.publish(events.RequestStarted, map[string]any{
		"handle": handle,
		"kind":   kind.String(),
		"pid":    proc.Pid,
	})
	return nil
}

// readable is the pipe readiness handler of req. Errors end the request,
// never the loop.
func (c *Chooser) readable(req *Request) reactor.ReadinessFunc {
	return func(_ *reactor.Callback, _ reactor.Events) error {
		if !c.live(req) {
			return nil
		}
		eof, err := req.fill()
		if err != nil {
			c.readFailed(req, err)
			return nil
		}
		if eof {
			c.finalize(req)
		}
		return nil
	}
}

// readFailed ends req with the read error instead of finalizing it.
func (c *Chooser) readFailed(req *Request, err error) {
	req.logger.Error("failed to read picker output", "error", err)
	c.publish(events.RequestFailed, map[string]any{"handle": req.Handle, "error": err.Error()})
	c.reply(req.logger, req.resp, Response{Code: Ended, Err: err})
	req.state = StateFinalized
	c.destroy(req)
}

// fill reads everything currently available from the pipe.
func (r *Request) fill() (eof bool, err error) {
	var chunk [readChunk]byte
	for {
		n, err := unix.Read(r.proc.Fd, chunk[:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return false, nil
		case err != nil:
			return false, fmt.Errorf("read picker pipe: %w", err)
		case n == 0:
			return true, nil
		}
		r.buf = append(r.buf, chunk[:n]...)
	}
}

// finalize turns the collected output into the request's result.
func (c *Chooser) finalize(req *Request) {
	uris := fileuri.FromRecords(req.buf)
	resp := Response{Code: Success, URIs: uris}
	if len(uris) == 0 {
		resp = Response{Code: Cancelled}
	}

	req.logger.Info("request finalized", "response", resp.Code.String(), "uris", len(uris))
	c.reply(req.logger, req.resp, resp)
	req.state = StateFinalized
	c.destroy(req)
	c.publish(events.RequestFinalized, map[string]any{
		"handle":   req.Handle,
		"response": int(resp.Code),
		"uris":     uris,
	})
}

// Close cancels a live request: the helper is signalled, the reply channel
// dropped without a result.
func (c *Chooser) Close(handle string) error {
	req, ok := c.requests[handle]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, handle)
	}
	c.cancel(req)
	req.resp.Discard()
	req.logger.Info("request cancelled")
	c.publish(events.RequestCancelled, map[string]any{"handle": handle})
	return nil
}

// CloseOwned closes handle only while resp is still its reply channel, so a
// caller whose start was rejected cannot cancel another caller's request.
func (c *Chooser) CloseOwned(handle string, resp Responder) error {
	req, ok := c.requests[handle]
	if !ok || !sameResponder(req.resp, resp) {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, handle)
	}
	return c.Close(handle)
}

// sameResponder compares identities without panicking on func-typed
// responders, which are never equal.
func sameResponder(a, b Responder) bool {
	if a == nil || b == nil {
		return false
	}
	t := reflect.TypeOf(a)
	return t == reflect.TypeOf(b) && t.Comparable() && a == b
}

func (c *Chooser) cancel(req *Request) {
	if err := req.proc.Terminate(); err != nil {
		req.logger.Warn("failed to stop picker", "error", err)
	}
	req.state = StateCancelled
	c.destroy(req)
}

// Shutdown ends every live request with ErrShutdown.
func (c *Chooser) Shutdown() {
	for _, handle := range c.handles() {
		req := c.requests[handle]
		c.cancel(req)
		c.reply(req.logger, req.resp, Response{Code: Ended, Err: ErrShutdown})
	}
}

// destroy releases everything a request owns. The registry entry is the
// guard against a second finalization.
func (c *Chooser) destroy(req *Request) {
	delete(c.requests, req.Handle)
	c.loop.Remove(req.cb)
	req.buf = nil
	c.completed++
	c.dirty = true
}

func (c *Chooser) live(req *Request) bool {
	cur, ok := c.requests[req.Handle]
	return ok && cur == req
}

func (c *Chooser) reply(logger *slog.Logger, resp Responder, r Response) {
	if resp == nil {
		return
	}
	if err := resp.Send(r); err != nil {
		logger.Warn("failed to send response", "response", r.Code.String(), "error", err)
	}
}

func (c *Chooser) publish(eventType string, data any) {
	if c.pub != nil {
		c.pub.Publish(eventType, data)
	}
}

// Lookup returns the live request with handle.
func (c *Chooser) Lookup(handle string) (*Request, bool) {
	req, ok := c.requests[handle]
	return req, ok
}

// Live returns the number of live requests.
func (c *Chooser) Live() int { return len(c.requests) }

func (c *Chooser) handles() []string {
	out := make([]string, 0, len(c.requests))
	for h := range c.requests {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Stats returns the most recently published snapshot. Safe for concurrent use.
func (c *Chooser) Stats() Stats {
	return *c.stats.Load()
}

func (c *Chooser) publishStats(_ *reactor.Callback) error {
	if !c.dirty {
		return nil
	}
	c.dirty = false
	c.stats.Store(&Stats{
		Live:      len(c.requests),
		Handles:   c.handles(),
		Started:   c.started,
		Completed: c.completed,
		Reaped:    c.reaped,
		At:        c.now().UTC(),
	})
	return nil
}
