package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/termfilechooser/internal/events"
)

const keepAliveInterval = 15 * time.Second

// eventFilter narrows the stream. ?handle= keeps one request's events and
// ?type= keeps types with the given prefix. picker.exited carries no handle
// and passes a handle filter.
type eventFilter struct {
	handle string
	prefix string
}

func newEventFilter(r *http.Request) eventFilter {
	q := r.URL.Query()
	return eventFilter{handle: q.Get("handle"), prefix: q.Get("type")}
}

func (f eventFilter) match(ev events.Event) bool {
	if f.prefix != "" && !strings.HasPrefix(ev.Type, f.prefix) {
		return false
	}
	if f.handle == "" || ev.Type == events.PickerExited {
		return true
	}
	var data struct {
		Handle string `json:"handle"`
	}
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return false
	}
	return data.Handle == f.handle
}

// handleEvents streams hub events as SSE. The subscription is taken before
// the replay so nothing published in between is lost; live events already
// replayed are skipped by ID.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter := newEventFilter(r)
	ch, cancel := s.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	send := func(ev events.Event) error {
		if ev.ID <= lastID {
			return nil
		}
		lastID = ev.ID
		if !filter.match(ev) {
			return nil
		}
		return writeSSE(w, ev)
	}

	for _, ev := range s.events.Since(lastID) {
		if err := send(ev); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stopping:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := send(ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSE frames one event. Payloads are single-line JSON.
func writeSSE(w http.ResponseWriter, ev events.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(&b, "data: %s\n\n", ev.Data)
	_, err := fmt.Fprint(w, b.String())
	return err
}
