package watch

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/mattjoyce/termfilechooser/internal/events"
)

// Request states shown in the table.
const (
	StatusRunning   = "running"
	StatusPicked    = "picked"
	StatusEmpty     = "empty"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimedOut  = "timed_out"
)

// RequestState is what the dashboard knows about one handle.
type RequestState struct {
	Handle    string
	Kind      string
	PID       int
	Status    string
	URIs      int
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
	Exit      string
}

// Duration is the time spent so far, or in total once ended.
func (r *RequestState) Duration(now time.Time) time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	end := r.EndedAt
	if end.IsZero() {
		end = now
	}
	return end.Sub(r.StartedAt)
}

type eventData struct {
	Handle   string   `json:"handle"`
	Kind     string   `json:"kind"`
	PID      int      `json:"pid"`
	Response int      `json:"response"`
	URIs     []string `json:"uris"`
	Error    string   `json:"error"`
	Status   string   `json:"status"`
}

// Tracker folds the event stream into per-request state.
type Tracker struct {
	requests map[string]*RequestState
	byPID    map[int]*RequestState
	limit    int
}

func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = 50
	}
	return &Tracker{
		requests: make(map[string]*RequestState),
		byPID:    make(map[int]*RequestState),
		limit:    limit,
	}
}

// Apply updates the tracker with one event.
func (t *Tracker) Apply(e events.Event) {
	var d eventData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return
	}

	if e.Type == events.PickerExited {
		if r, ok := t.byPID[d.PID]; ok {
			r.Exit = d.Status
			delete(t.byPID, d.PID)
		}
		return
	}
	if d.Handle == "" {
		return
	}

	r, ok := t.requests[d.Handle]
	if !ok {
		r = &RequestState{Handle: d.Handle, StartedAt: e.At}
		t.requests[d.Handle] = r
	}

	switch e.Type {
	case events.RequestStarted:
		r.Kind = d.Kind
		r.PID = d.PID
		r.Status = StatusRunning
		r.StartedAt = e.At
		r.EndedAt = time.Time{}
		if d.PID > 0 {
			t.byPID[d.PID] = r
		}
	case events.RequestFinalized:
		r.URIs = len(d.URIs)
		r.Status = StatusPicked
		if r.URIs == 0 {
			r.Status = StatusEmpty
		}
		r.EndedAt = e.At
	case events.RequestFailed:
		r.Status = StatusFailed
		r.Error = d.Error
		r.EndedAt = e.At
	case events.RequestCancelled:
		r.Status = StatusCancelled
		r.EndedAt = e.At
	case events.RequestTimedOut:
		r.Status = StatusTimedOut
		r.EndedAt = e.At
	}
	t.evict()
}

// evict drops the oldest ended requests beyond the limit.
func (t *Tracker) evict() {
	if len(t.requests) <= t.limit {
		return
	}
	ended := make([]*RequestState, 0, len(t.requests))
	for _, r := range t.requests {
		if !r.EndedAt.IsZero() {
			ended = append(ended, r)
		}
	}
	sort.Slice(ended, func(i, j int) bool { return ended[i].EndedAt.Before(ended[j].EndedAt) })
	for _, r := range ended {
		if len(t.requests) <= t.limit {
			return
		}
		delete(t.requests, r.Handle)
	}
}

// Requests returns live requests first, then the most recently started.
func (t *Tracker) Requests() []*RequestState {
	out := make([]*RequestState, 0, len(t.requests))
	for _, r := range t.requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := out[i].Status == StatusRunning, out[j].Status == StatusRunning
		if li != lj {
			return li
		}
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].Handle < out[j].Handle
	})
	return out
}
