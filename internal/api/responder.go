package api

import (
	"errors"

	"github.com/mattjoyce/termfilechooser/internal/filechooser"
)

var errReplied = errors.New("request already replied")

// httpResponder carries the chooser's reply from the reactor goroutine to the
// waiting handler. It never blocks the reactor.
type httpResponder struct {
	result    chan filechooser.Response
	discarded chan struct{}
}

func newResponder() *httpResponder {
	return &httpResponder{
		result:    make(chan filechooser.Response, 1),
		discarded: make(chan struct{}),
	}
}

func (h *httpResponder) Send(r filechooser.Response) error {
	select {
	case h.result <- r:
		return nil
	default:
		return errReplied
	}
}

func (h *httpResponder) Discard() {
	select {
	case <-h.discarded:
	default:
		close(h.discarded)
	}
}
