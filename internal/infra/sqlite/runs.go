package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flashembed/flashembed/internal/domain"
)

// ─── Run Repository ─────────────────────────────────────────────────────────

const runColumns = `id, status, backend, model, format, output_dir, sources, done, failed, error, started_at, ended_at`

// InsertRun records a run as it starts.
func (d *DB) InsertRun(r domain.Run) error {
	sources, err := json.Marshal(r.Sources)
	if err != nil {
		return err
	}
	status := r.Status
	if status == "" {
		status = domain.RunRunning
	}
	_, err = d.db.Exec(
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(status), r.Backend, r.Model, r.Format, r.OutputDir, string(sources),
		r.Done, r.Failed, nullableString(r.Error), r.StartedAt.UnixNano(), nullableUnixNano(r.EndedAt),
	)
	return err
}

// CompleteRun stores the final task snapshot and closes the run row in one
// transaction. Tasks are upserted so a retried CompleteRun is harmless.
func (d *DB) CompleteRun(r domain.Run, tasks []domain.Task) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(
		`INSERT INTO tasks (run_id, uid, state, retries, last_error, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, uid) DO UPDATE SET
			state=excluded.state,
			retries=excluded.retries,
			last_error=excluded.last_error,
			started_at=excluded.started_at,
			ended_at=excluded.ended_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range tasks {
		if _, err := stmt.Exec(r.ID, t.UID, string(t.State), t.Retries, nullableString(t.LastError),
			nullableUnixNano(t.StartedAt), nullableUnixNano(t.EndedAt)); err != nil {
			return fmt.Errorf("save task %s: %w", t.UID, err)
		}
	}

	ended := r.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	res, err := tx.Exec(
		`UPDATE runs SET status = ?, done = ?, failed = ?, error = ?, ended_at = ? WHERE id = ?`,
		string(r.Status), r.Done, r.Failed, nullableString(r.Error), ended.UnixNano(), r.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete run %s: %w", r.ID, domain.ErrRunNotFound)
	}
	return tx.Commit()
}

// GetRun retrieves a run by ID. A unique ID prefix is accepted.
func (d *DB) GetRun(id string) (*domain.Run, error) {
	rows, err := d.db.Query(
		`SELECT `+runColumns+` FROM runs WHERE id = ? OR id LIKE ? ORDER BY id = ? DESC LIMIT 2`,
		id, id+"%", id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []*domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch {
	case len(found) == 0:
		return nil, fmt.Errorf("%s: %w", id, domain.ErrRunNotFound)
	case found[0].ID == id || len(found) == 1:
		return found[0], nil
	}
	return nil, fmt.Errorf("run id prefix %q is ambiguous", id)
}

// LatestRun returns the most recently started run.
func (d *DB) LatestRun() (*domain.Run, error) {
	r, err := scanRun(d.db.QueryRow(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	return r, err
}

// ListRuns returns recent runs, newest first.
func (d *DB) ListRuns(limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func scanRun(s scanner) (*domain.Run, error) {
	var r domain.Run
	var status, sources string
	var errMsg sql.NullString
	var started int64
	var ended sql.NullInt64

	err := s.Scan(&r.ID, &status, &r.Backend, &r.Model, &r.Format, &r.OutputDir, &sources,
		&r.Done, &r.Failed, &errMsg, &started, &ended)
	if err != nil {
		return nil, err
	}
	r.Status = domain.RunStatus(status)
	if err := json.Unmarshal([]byte(sources), &r.Sources); err != nil {
		return nil, fmt.Errorf("run %s sources: %w", r.ID, err)
	}
	r.Error = errMsg.String
	r.StartedAt = time.Unix(0, started)
	r.EndedAt = fromUnixNano(ended)
	return &r, nil
}

// ─── Task Repository ────────────────────────────────────────────────────────

// ListTasks returns a run's tasks ordered by UID. An empty state lists all.
func (d *DB) ListTasks(runID string, state domain.TaskState) ([]domain.Task, error) {
	query := `SELECT uid, state, retries, last_error, started_at, ended_at FROM tasks WHERE run_id = ?`
	args := []any{runID}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY uid`

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var t domain.Task
		var st string
		var lastErr sql.NullString
		var started, ended sql.NullInt64
		if err := rows.Scan(&t.UID, &st, &t.Retries, &lastErr, &started, &ended); err != nil {
			return nil, err
		}
		t.State = domain.TaskState(st)
		t.LastError = lastErr.String
		t.StartedAt = fromUnixNano(started)
		t.EndedAt = fromUnixNano(ended)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TaskCounts returns the number of tasks per state for a run.
func (d *DB) TaskCounts(runID string) (map[domain.TaskState]int, error) {
	rows, err := d.db.Query(`SELECT state, COUNT(*) FROM tasks WHERE run_id = ? GROUP BY state`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.TaskState]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[domain.TaskState(st)] = n
	}
	return counts, rows.Err()
}
