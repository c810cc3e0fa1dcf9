package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/twinclawhq/twinclaw/internal/store"
)

const orchJobColumns = `id, request_id, session_id, parent_message, brief_id, depends_on,
	title, objective, scoped_context, expected_output, tool_budget, timeout_ms, max_turns,
	state, attempt, created_at, updated_at, started_at, completed_at, output, error`

type orchestrationStore struct {
	db *sql.DB
}

func scanOrchJob(row rowScanner) (*store.OrchestrationJob, error) {
	var j store.OrchestrationJob
	var started, completed sql.NullTime
	if err := row.Scan(&j.ID, &j.RequestID, &j.SessionID, &j.ParentMessage, &j.BriefID,
		pq.Array(&j.DependsOn), &j.Title, &j.Objective, &j.ScopedContext, &j.ExpectedOutput,
		&j.ToolBudget, &j.TimeoutMs, &j.MaxTurns, &j.State, &j.Attempt,
		&j.CreatedAt, &j.UpdatedAt, &started, &completed, &j.Output, &j.Error); err != nil {
		return nil, err
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.StartedAt = nullTime(started)
	j.CompletedAt = nullTime(completed)
	return &j, nil
}

func (s *orchestrationStore) InsertJob(ctx context.Context, j *store.OrchestrationJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestration_jobs (`+orchJobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21)`,
		j.ID, j.RequestID, j.SessionID, j.ParentMessage, j.BriefID, pq.Array(j.DependsOn),
		j.Title, j.Objective, j.ScopedContext, j.ExpectedOutput,
		j.ToolBudget, j.TimeoutMs, j.MaxTurns, j.State, j.Attempt,
		j.CreatedAt, j.UpdatedAt, j.StartedAt, j.CompletedAt, j.Output, j.Error)
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
		SET state = $1, attempt = $2, updated_at = $3, started_at = $4, completed_at = $5,
		    output = $6, error = $7
		WHERE id = $8`,
		j.State, j.Attempt, j.UpdatedAt, j.StartedAt, j.CompletedAt, j.Output, j.Error, j.ID)
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
		SELECT `+orchJobColumns+` FROM orchestration_jobs WHERE id = $1`, id)
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
		WHERE request_id = $1 ORDER BY created_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list orchestration jobs: %w", err)
	}
	return s.collectJobs(rows)
}

func (s *orchestrationStore) ListJobsBySession(ctx context.Context, sessionID string, limit int) ([]*store.OrchestrationJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orchJobColumns+` FROM orchestration_jobs
		WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orchestration jobs by session: %w", err)
	}
	return s.collectJobs(rows)
}

func (s *orchestrationStore) AppendEvent(ctx context.Context, ev *store.OrchestrationEvent) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO orchestration_events (request_id, job_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		ev.RequestID, ev.JobID, ev.Kind, ev.Detail, ev.CreatedAt).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("append orchestration event: %w", err)
	}
	return nil
}

func (s *orchestrationStore) ListEvents(ctx context.Context, requestID string) ([]*store.OrchestrationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, job_id, kind, detail, created_at
		FROM orchestration_events WHERE request_id = $1 ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list orchestration events: %w", err)
	}
	defer rows.Close()

	var out []*store.OrchestrationEvent
	for rows.Next() {
		var ev store.OrchestrationEvent
		if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.JobID, &ev.Kind, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, &ev)
	}
	return out, rows.Err()
}
