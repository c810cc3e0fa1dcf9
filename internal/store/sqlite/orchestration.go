package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twinclawhq/twinclaw/internal/store"
)

const orchJobColumns = `id, request_id, session_id, parent_message, brief_id, depends_on,
	title, objective, scoped_context, expected_output, tool_budget, timeout_ms, max_turns,
	state, attempt, created_at, updated_at, started_at, completed_at, output, error`

type orchestrationStore struct {
	db *sql.DB
}

// depends_on lives in a TEXT column as a JSON array.
func encodeDeps(deps []string) (string, error) {
	if len(deps) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(deps)
	if err != nil {
		return "", fmt.Errorf("encode depends_on: %w", err)
	}
	return string(b), nil
}

func decodeDeps(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var deps []string
	if err := json.Unmarshal([]byte(raw), &deps); err != nil {
		return nil, fmt.Errorf("decode depends_on: %w", err)
	}
	return deps, nil
}

func scanOrchJob(row rowScanner) (*store.OrchestrationJob, error) {
	var j store.OrchestrationJob
	var deps, created, updated string
	var started, completed sql.NullString
	if err := row.Scan(&j.ID, &j.RequestID, &j.SessionID, &j.ParentMessage, &j.BriefID,
		&deps, &j.Title, &j.Objective, &j.ScopedContext, &j.ExpectedOutput,
		&j.ToolBudget, &j.TimeoutMs, &j.MaxTurns, &j.State, &j.Attempt,
		&created, &updated, &started, &completed, &j.Output, &j.Error); err != nil {
		return nil, err
	}
	var err error
	if j.DependsOn, err = decodeDeps(deps); err != nil {
		return nil, err
	}
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	j.StartedAt = nullTime(started)
	j.CompletedAt = nullTime(completed)
	return &j, nil
}

func (s *orchestrationStore) InsertJob(ctx context.Context, j *store.OrchestrationJob) error {
	deps, err := encodeDeps(j.DependsOn)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orchestration_jobs (`+orchJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.RequestID, j.SessionID, j.ParentMessage, j.BriefID, deps,
		j.Title, j.Objective, j.ScopedContext, j.ExpectedOutput,
		j.ToolBudget, j.TimeoutMs, j.MaxTurns, j.State, j.Attempt,
		fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt),
		fmtNullTime(j.StartedAt), fmtNullTime(j.CompletedAt), j.Output, j.Error)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("insert orchestration job: %w", err)
	}
	return nil
}

func (s *orchestrationStore) UpdateJob(ctx context.Context, j *store.OrchestrationJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestration_jobs
		SET state = ?, attempt = ?, updated_at = ?, started_at = ?, completed_at = ?,
		    output = ?, error = ?
		WHERE id = ?`,
		j.State, j.Attempt, fmtTime(j.UpdatedAt),
		fmtNullTime(j.StartedAt), fmtNullTime(j.CompletedAt), j.Output, j.Error, j.ID)
	if err != nil {
		return fmt.Errorf("update orchestration job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *orchestrationStore) GetJob(ctx context.Context, id string) (*store.OrchestrationJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orchJobColumns+` FROM orchestration_jobs WHERE id = ?`, id)
	j, err := scanOrchJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get orchestration job: %w", err)
	}
	return j, nil
}

func (s *orchestrationStore) collectJobs(rows *sql.Rows) ([]*store.OrchestrationJob, error) {
	defer rows.Close()
	var out []*store.OrchestrationJob
	for rows.Next() {
		j, err := scanOrchJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *orchestrationStore) ListJobs(ctx context.Context, requestID string) ([]*store.OrchestrationJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orchJobColumns+` FROM orchestration_jobs
		WHERE request_id = ? ORDER BY created_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list orchestration jobs: %w", err)
	}
	return s.collectJobs(rows)
}

func (s *orchestrationStore) ListJobsBySession(ctx context.Context, sessionID string, limit int) ([]*store.OrchestrationJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orchJobColumns+` FROM orchestration_jobs
		WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orchestration jobs by session: %w", err)
	}
	return s.collectJobs(rows)
}

func (s *orchestrationStore) AppendEvent(ctx context.Context, ev *store.OrchestrationEvent) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestration_events (request_id, job_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.RequestID, ev.JobID, ev.Kind, ev.Detail, fmtTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("append orchestration event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

func (s *orchestrationStore) ListEvents(ctx context.Context, requestID string) ([]*store.OrchestrationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, job_id, kind, detail, created_at
		FROM orchestration_events WHERE request_id = ? ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list orchestration events: %w", err)
	}
	defer rows.Close()

	var out []*store.OrchestrationEvent
	for rows.Next() {
		var ev store.OrchestrationEvent
		var created string
		if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.JobID, &ev.Kind, &ev.Detail, &created); err != nil {
			return nil, err
		}
		ev.CreatedAt = parseTime(created)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
