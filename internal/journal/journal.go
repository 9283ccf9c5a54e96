// Package journal persists scheduler execution results in SQLite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/hotpatch/internal/scheduler"
	"github.com/mattjoyce/hotpatch/internal/unit"
)

const maxErrorBytes = 16 * 1024

// timeLayout is fixed width so stored timestamps order correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrEntryNotFound is returned by Get for unknown IDs.
var ErrEntryNotFound = errors.New("journal entry not found")

// Entry is one journaled execution.
type Entry struct {
	ID          string        `json:"id"`
	Action      string        `json:"action"`
	Unit        unit.ID       `json:"unit,omitempty"`
	Subject     string        `json:"subject,omitempty"`
	Status      string        `json:"status"`
	Merged      int           `json:"merged"`
	LastError   *string       `json:"last_error,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Filter narrows Recent. Zero fields match everything.
type Filter struct {
	Action string
	Unit   unit.ID
	Status string
	Limit  int
}

// Store writes to the command_log table.
type Store struct {
	db *sql.DB
}

var _ scheduler.Recorder = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record appends r to the journal.
func (s *Store) Record(ctx context.Context, r scheduler.Result) error {
	finished := r.Finished
	if finished.IsZero() {
		finished = time.Now()
	}
	var started any
	var duration time.Duration
	if !r.Started.IsZero() {
		started = r.Started.UTC().Format(timeLayout)
		duration = finished.Sub(r.Started)
	}
	var lastError any
	if r.Err != nil {
		msg := r.Err.Error()
		if len(msg) > maxErrorBytes {
			msg = msg[:maxErrorBytes]
		}
		lastError = msg
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO command_log(
  id, action, unit, subject, status, merged, last_error, started_at, completed_at, duration_ms
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), r.Key.Action, string(r.Key.Unit), r.Key.Subject, r.Status(), r.Merged,
		lastError, started, finished.UTC().Format(timeLayout), duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert command_log: %w", err)
	}
	return nil
}

// Prune deletes entries completed before now minus retention. A
// non-positive retention keeps everything.
func (s *Store) Prune(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-retention).UTC().Format(timeLayout)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM command_log WHERE completed_at < ?;`, cutoff); err != nil {
		return fmt.Errorf("prune command_log: %w", err)
	}
	return nil
}

// Recent returns matching entries, newest first. Limit defaults to 50.
func (s *Store) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.Unit != "" {
		where = append(where, "unit = ?")
		args = append(args, string(f.Unit))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, action, unit, subject, status, merged, last_error, started_at, completed_at, duration_ms FROM command_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY completed_at DESC, rowid DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query command_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate command_log: %w", err)
	}
	return out, nil
}

// Get returns a single entry.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, action, unit, subject, status, merged, last_error, started_at, completed_at, duration_ms
FROM command_log
WHERE id = ?;
`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Count returns the number of journaled executions.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM command_log;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count command_log: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e            Entry
		unitS        string
		lastError    sql.NullString
		startedAtS   sql.NullString
		completedAtS string
		durationMS   int64
	)
	if err := row.Scan(&e.ID, &e.Action, &unitS, &e.Subject, &e.Status, &e.Merged,
		&lastError, &startedAtS, &completedAtS, &durationMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan command_log: %w", err)
	}
	e.Unit = unit.ID(unitS)
	e.Duration = time.Duration(durationMS) * time.Millisecond
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	if startedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAtS.String); err == nil {
			e.StartedAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, completedAtS); err == nil {
		e.CompletedAt = t
	}
	return e, nil
}
