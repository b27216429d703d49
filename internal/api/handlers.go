package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mattjoyce/termfilechooser/internal/filechooser"
	"github.com/mattjoyce/termfilechooser/internal/history"
)

const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.chooser.Stats()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Live:          stats.Live,
		Handles:       stats.Handles,
		Started:       stats.Started,
		Completed:     stats.Completed,
		Reaped:        stats.Reaped,
		SnapshotAt:    stats.At,
	})
}

// handleOpen handles POST /filechooser/open.
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChooserRequest(w, r)
	if !ok {
		return
	}
	opts, unused, err := filechooser.DecodeOpenOptions(req.Options)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logUnused(req, unused)

	s.run(w, r, req, "open", opts, func(resp filechooser.Responder) error {
		return s.chooser.OpenFile(req.Handle, opts, resp)
	})
}

// handleSave handles POST /filechooser/save.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChooserRequest(w, r)
	if !ok {
		return
	}
	opts, unused, err := filechooser.DecodeSaveOptions(req.Options)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logUnused(req, unused)

	s.run(w, r, req, "save", opts, func(resp filechooser.Responder) error {
		return s.chooser.SaveFile(req.Handle, opts, resp)
	})
}

func (s *Server) decodeChooserRequest(w http.ResponseWriter, r *http.Request) (ChooserRequest, bool) {
	var req ChooserRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return req, false
		}
	}
	if req.Handle == "" {
		req.Handle = uuid.NewString()
	}
	return req, true
}

func (s *Server) logUnused(req ChooserRequest, unused []string) {
	if len(unused) > 0 {
		s.logger.Info("ignoring unsupported options", "handle", req.Handle, "app_id", req.AppID, "options", unused)
	}
}

// run starts a request on the reactor and blocks until it completes, the
// client goes away or the server stops.
func (s *Server) run(w http.ResponseWriter, r *http.Request, req ChooserRequest, kind string, opts any, start func(filechooser.Responder) error) {
	logger := s.logger.With("handle", req.Handle, "kind", kind)
	logger.Info("chooser request", "app_id", req.AppID, "title", req.Title)
	resp := newResponder()
	started := time.Now()

	err := s.loop.Post(func() {
		if err := start(resp); err != nil {
			logger.Debug("request did not start", "error", err)
		}
	})
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "service is shutting down")
		return
	}

	entry := history.Entry{
		Handle:    req.Handle,
		Kind:      kind,
		AppID:     req.AppID,
		StartedAt: started,
	}
	if b, err := json.Marshal(opts); err == nil {
		entry.Options = b
	}

	select {
	case result := <-resp.result:
		out := ChooserResponse{Handle: req.Handle, Response: int(result.Code), URIs: result.URIs}
		if result.Err != nil {
			out.Error = result.Err.Error()
		}
		entry.Response, entry.URIs, entry.Error = out.Response, out.URIs, out.Error
		s.record(entry)
		respondJSON(w, http.StatusOK, out)

	case <-resp.discarded:
		entry.Response, entry.Error = int(filechooser.Cancelled), "closed"
		s.record(entry)
		s.writeError(w, http.StatusGone, "request closed")

	case <-r.Context().Done():
		logger.Info("client disconnected, closing request")
		s.closeOwnedAsync(req.Handle, resp)
		entry.Response, entry.Error = int(filechooser.Cancelled), "client disconnected"
		s.record(entry)

	case <-s.stopping:
		s.writeError(w, http.StatusServiceUnavailable, "service is shutting down")
	}
}

// closeOwnedAsync closes handle on the loop if resp still owns it.
func (s *Server) closeOwnedAsync(handle string, resp *httpResponder) {
	_ = s.loop.Post(func() {
		if err := s.chooser.CloseOwned(handle, resp); err != nil && !errors.Is(err, filechooser.ErrRequestNotFound) {
			s.logger.Warn("failed to close request", "handle", handle, "error", err)
		}
	})
}

func (s *Server) record(e history.Entry) {
	if s.history == nil {
		return
	}
	e.CompletedAt = time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.history.Record(ctx, e); err != nil {
		s.logger.Warn("failed to record request", "handle", e.Handle, "error", err)
	}
}

// handleClose handles POST /request/{handle}/close.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	errCh := make(chan error, 1)
	if err := s.loop.Post(func() { errCh <- s.chooser.Close(handle) }); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "service is shutting down")
		return
	}

	select {
	case err := <-errCh:
		switch {
		case errors.Is(err, filechooser.ErrRequestNotFound):
			s.writeError(w, http.StatusNotFound, "request not found")
		case err != nil:
			s.logger.Error("failed to close request", "handle", handle, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to close request")
		default:
			respondJSON(w, http.StatusOK, CloseResponse{Handle: handle, Closed: true})
		}
	case <-r.Context().Done():
	case <-s.stopping:
		s.writeError(w, http.StatusServiceUnavailable, "service is shutting down")
	}
}

// handleListRequests handles GET /requests?limit=N.
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list requests", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"requests": entries})
}

// handleGetRequest handles GET /requests/{handle}.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	handle := chi.URLParam(r, "handle")
	entry, err := s.history.Get(r.Context(), handle)
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get request", "handle", handle, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get request")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
