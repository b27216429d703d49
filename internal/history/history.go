// Package history records completed file chooser requests in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("request not found in history")

// Entry is one completed request.
type Entry struct {
	ID          string          `json:"id"`
	Handle      string          `json:"handle"`
	Kind        string          `json:"kind"`
	AppID       string          `json:"app_id,omitempty"`
	Options     json.RawMessage `json:"options,omitempty"`
	Response    int             `json:"response"`
	URIs        []string        `json:"uris"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record appends e and returns its generated id.
func (s *Store) Record(ctx context.Context, e Entry) (string, error) {
	if e.Handle == "" {
		return "", fmt.Errorf("handle is empty")
	}
	if e.Kind == "" {
		return "", fmt.Errorf("kind is empty")
	}

	id := uuid.NewString()
	if e.URIs == nil {
		e.URIs = []string{}
	}
	uris, err := json.Marshal(e.URIs)
	if err != nil {
		return "", fmt.Errorf("encode uris: %w", err)
	}
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = e.CompletedAt
	}

	var options, appID, lastErr any
	if len(e.Options) > 0 {
		options = string(e.Options)
	}
	if e.AppID != "" {
		appID = e.AppID
	}
	if e.Error != "" {
		lastErr = e.Error
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO request_log(
  id, handle, kind, app_id, options, response, uris, error, started_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, e.Handle, e.Kind, appID, options, e.Response, string(uris), lastErr,
		e.StartedAt.UTC().Format(time.RFC3339Nano), e.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("record request: %w", err)
	}
	return id, nil
}

const selectColumns = `id, handle, kind, app_id, options, response, uris, error, started_at, completed_at`

// Get returns the most recent entry for handle.
func (s *Store) Get(ctx context.Context, handle string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+selectColumns+`
FROM request_log
WHERE handle = ?
ORDER BY completed_at DESC, rowid DESC
LIMIT 1;
`, handle)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request %q: %w", handle, err)
	}
	return e, nil
}

// List returns up to limit entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+selectColumns+`
FROM request_log
ORDER BY completed_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	out := make([]*Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return out, nil
}

// Prune deletes entries completed before now-retention.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune request log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e          Entry
		appID      sql.NullString
		options    sql.NullString
		uris       string
		lastErr    sql.NullString
		startedAt  string
		finishedAt string
	)
	if err := sc.Scan(&e.ID, &e.Handle, &e.Kind, &appID, &options, &e.Response, &uris, &lastErr, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	e.AppID = appID.String
	e.Error = lastErr.String
	if options.Valid {
		e.Options = json.RawMessage(options.String)
	}
	if err := json.Unmarshal([]byte(uris), &e.URIs); err != nil {
		return nil, fmt.Errorf("decode uris: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		e.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, finishedAt); err == nil {
		e.CompletedAt = t
	}
	return &e, nil
}
