// Package audit records finished client sessions in the session_log table
// and serves them back for the history endpoint.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/porticus/internal/relay"
)

// Page size bounds for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// timeFormat is fixed width so that stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SessionLog is one finished client session. Relayed data is never stored.
type SessionLog struct {
	ID        string    `json:"id"`
	Peer      string    `json:"peer"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
	BytesIn   uint64    `json:"bytes_in"`
	BytesOut  uint64    `json:"bytes_out"`
	ChunksOut uint64    `json:"chunks_out"`
	Lagged    uint64    `json:"lagged"`
}

// FromResult converts a relay result into a log entry.
func FromResult(r relay.Result) *SessionLog {
	entry := &SessionLog{
		ID:        r.ID,
		Peer:      r.Peer,
		StartedAt: r.StartedAt.UTC(),
		EndedAt:   r.EndedAt.UTC(),
		Reason:    string(r.Reason),
		BytesIn:   r.BytesIn,
		BytesOut:  r.BytesOut,
		ChunksOut: r.ChunksOut,
		Lagged:    r.Lagged,
	}
	if r.Err != nil {
		entry.Error = r.Err.Error()
	}
	return entry
}

// Duration returns how long the session lasted.
func (l *SessionLog) Duration() time.Duration {
	return l.EndedAt.Sub(l.StartedAt)
}

// Filter controls which sessions List returns.
type Filter struct {
	Reason string    // optional: exact end reason
	Peer   string    // optional: peer address prefix
	Since  time.Time // optional: sessions started at or after
	Limit  int       // default 50, max 200
	Offset int
}

// ListResult is one page of session logs, most recent first.
type ListResult struct {
	Sessions []SessionLog `json:"sessions"`
	Total    int          `json:"total"`
	Limit    int          `json:"limit"`
	Offset   int          `json:"offset"`
}

// Repository stores and lists session logs.
type Repository interface {
	Record(ctx context.Context, entry *SessionLog) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository is the session_log table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts entry. The ID is generated if empty.
func (r *SQLiteRepository) Record(ctx context.Context, entry *SessionLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.EndedAt.IsZero() {
		entry.EndedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO session_log (id, peer, started_at, ended_at, reason, error, bytes_in, bytes_out, chunks_out, lagged)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Peer,
		entry.StartedAt.UTC().Format(timeFormat),
		entry.EndedAt.UTC().Format(timeFormat),
		entry.Reason, nullableString(entry.Error),
		int64(entry.BytesIn), int64(entry.BytesOut), //nolint:gosec // counters fit in int64
		int64(entry.ChunksOut), int64(entry.Lagged), //nolint:gosec // counters fit in int64
	)
	if err != nil {
		return fmt.Errorf("inserting session log: %w", err)
	}
	return nil
}

// nullableString maps "" to NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns session logs matching filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any

	if filter.Reason != "" {
		conditions = append(conditions, "reason = ?")
		args = append(args, filter.Reason)
	}
	if filter.Peer != "" {
		conditions = append(conditions, "peer LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(filter.Peer)+"%")
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "started_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeFormat))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM session_log " + where //nolint:gosec // WHERE built from parameterised conditions
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting session logs: %w", err)
	}

	query := "SELECT id, peer, started_at, ended_at, reason, error, bytes_in, bytes_out, chunks_out, lagged FROM session_log " + //nolint:gosec // WHERE built from parameterised conditions
		where + " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying session logs: %w", err)
	}
	defer rows.Close()

	sessions := []SessionLog{}
	for rows.Next() {
		var entry SessionLog
		var startedAt, endedAt string
		var errText sql.NullString
		var bytesIn, bytesOut, chunksOut, lagged int64
		if err := rows.Scan(&entry.ID, &entry.Peer, &startedAt, &endedAt, &entry.Reason, &errText,
			&bytesIn, &bytesOut, &chunksOut, &lagged); err != nil {
			return nil, fmt.Errorf("scanning session log: %w", err)
		}

		if entry.StartedAt, err = time.Parse(timeFormat, startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at %q: %w", startedAt, err)
		}
		if entry.EndedAt, err = time.Parse(timeFormat, endedAt); err != nil {
			return nil, fmt.Errorf("parsing ended_at %q: %w", endedAt, err)
		}
		entry.Error = errText.String
		entry.BytesIn = uint64(bytesIn)     //nolint:gosec // stored from uint64
		entry.BytesOut = uint64(bytesOut)   //nolint:gosec // stored from uint64
		entry.ChunksOut = uint64(chunksOut) //nolint:gosec // stored from uint64
		entry.Lagged = uint64(lagged)       //nolint:gosec // stored from uint64

		sessions = append(sessions, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session logs: %w", err)
	}

	return &ListResult{
		Sessions: sessions,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
