package api

import "time"

// ChooserRequest is the JSON body of POST /filechooser/open and /filechooser/save.
type ChooserRequest struct {
	// Handle names the request; a UUID is generated when empty.
	Handle  string         `json:"handle,omitempty"`
	AppID   string         `json:"app_id,omitempty"`
	Title   string         `json:"title,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// ChooserResponse is returned once a request completes.
type ChooserResponse struct {
	Handle   string   `json:"handle"`
	Response int      `json:"response"`
	URIs     []string `json:"uris,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// CloseResponse is returned by POST /request/{handle}/close.
type CloseResponse struct {
	Handle string `json:"handle"`
	Closed bool   `json:"closed"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string    `json:"status"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Live          int       `json:"live"`
	Handles       []string  `json:"handles"`
	Started       uint64    `json:"started"`
	Completed     uint64    `json:"completed"`
	Reaped        uint64    `json:"reaped"`
	SnapshotAt    time.Time `json:"snapshot_at"`
}
