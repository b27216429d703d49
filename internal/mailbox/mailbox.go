//go:build linux

// Package mailbox lets other goroutines hand work to the reactor goroutine.
//
// Closures are queued under a mutex and an eventfd registered on the reactor
// is bumped; the reactor drains the queue from its readiness callback, so
// every posted closure runs on the reactor goroutine in FIFO order.
package mailbox

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eapache/queue"
	"github.com/mattjoyce/termfilechooser/internal/log"
	"github.com/mattjoyce/termfilechooser/internal/reactor"
	"golang.org/x/sys/unix"
)

// ErrClosed is returned by Post after Close.
var ErrClosed = errors.New("mailbox closed")

// Mailbox is a multi-producer, single-consumer queue of closures.
type Mailbox struct {
	mu     sync.Mutex
	q      *queue.Queue
	efd    int
	closed bool

	r      *reactor.Reactor
	cb     *reactor.Callback
	logger *slog.Logger
	batch  []func()
}

// New creates a mailbox whose closures run on r. Must be called from the
// reactor goroutine or before r runs.
func New(r *reactor.Reactor) (*Mailbox, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create eventfd: %w", err)
	}
	m := &Mailbox{
		q:      queue.New(),
		efd:    efd,
		r:      r,
		logger: log.WithComponent("mailbox"),
	}
	cb, err := r.AddReadiness(efd, reactor.EventRead, true, m.drain)
	if err != nil {
		_ = unix.Close(efd)
		return nil, fmt.Errorf("register mailbox: %w", err)
	}
	m.cb = cb
	return m, nil
}

// Post queues fn to run on the reactor goroutine. Safe for concurrent use.
func (m *Mailbox) Post(fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.q.Add(fn)
	if m.q.Length() == 1 {
		if err := m.wake(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mailbox) wake() error {
	var one [8]byte
	one[0] = 1
	for {
		_, err := unix.Write(m.efd, one[:])
		switch err {
		case nil, unix.EAGAIN:
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("wake reactor: %w", err)
		}
	}
}

// Len returns the number of closures waiting to run.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.Length()
}

func (m *Mailbox) drain(_ *reactor.Callback, _ reactor.Events) error {
	var buf [8]byte
	if _, err := unix.Read(m.efd, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("read eventfd: %w", err)
	}

	m.mu.Lock()
	m.batch = m.batch[:0]
	for m.q.Length() > 0 {
		m.batch = append(m.batch, m.q.Remove().(func()))
	}
	m.mu.Unlock()

	for i, fn := range m.batch {
		fn()
		m.batch[i] = nil
	}
	return nil
}

// Close stops accepting closures and unregisters from the reactor. Closures
// still queued are dropped. Must be called from the reactor goroutine.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	dropped := m.q.Length()
	for m.q.Length() > 0 {
		m.q.Remove()
	}
	m.mu.Unlock()

	if dropped > 0 {
		m.logger.Warn("dropping queued work on close", "count", dropped)
	}
	m.r.Remove(m.cb)
}
