package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/twinclawhq/twinclaw/internal/store"
)

const deliveryColumns = `id, platform, chat_id, body, state, attempt_count,
	next_attempt_at, last_error, created_at, updated_at, sent_at, correlation_task_id`

type queueStore struct {
	db *sql.DB
}

func scanDelivery(row rowScanner) (*store.DeliveryRecord, error) {
	var rec store.DeliveryRecord
	var sent sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Platform, &rec.ChatID, &rec.Body, &rec.State,
		&rec.AttemptCount, &rec.NextAttemptAt, &rec.LastError, &rec.CreatedAt,
		&rec.UpdatedAt, &sent, &rec.CorrelationTaskID); err != nil {
		return nil, err
	}
	rec.NextAttemptAt = rec.NextAttemptAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.SentAt = nullTime(sent)
	return &rec, nil
}

func collectDeliveries(rows *sql.Rows) ([]*store.DeliveryRecord, error) {
	defer rows.Close()
	var out []*store.DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *queueStore) Insert(ctx context.Context, rec *store.DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_records (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.Platform, rec.ChatID, rec.Body, rec.State, rec.AttemptCount,
		rec.NextAttemptAt, rec.LastError, rec.CreatedAt, rec.UpdatedAt,
		rec.SentAt, rec.CorrelationTaskID)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("insert delivery record: %w", err)
	}
	return nil
}

func (s *queueStore) Get(ctx context.Context, id string) (*store.DeliveryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+deliveryColumns+` FROM delivery_records WHERE id = $1`, id)
	rec, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery record: %w", err)
	}
	return rec, nil
}

func (s *queueStore) DueBefore(ctx context.Context, now time.Time, limit int) ([]*store.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM delivery_records
		WHERE state IN ($1, $2) AND next_attempt_at <= $3
		ORDER BY next_attempt_at ASC, created_at ASC
		LIMIT $4`,
		store.DeliveryPending, store.DeliveryRetrying, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func (s *queueStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET state = $1, updated_at = $2
		WHERE id = $3 AND state IN ($4, $5)`,
		store.DeliverySending, now, id,
		store.DeliveryPending, store.DeliveryRetrying)
	if err != nil {
		return false, fmt.Errorf("claim delivery record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim delivery record: %w", err)
	}
	return n == 1, nil
}

func (s *queueStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET state = $1, attempt_count = attempt_count + 1, sent_at = $2, updated_at = $2
		WHERE id = $3 AND state = $4`,
		store.DeliverySent, at, id, store.DeliverySending)
	if err != nil {
		return fmt.Errorf("mark delivery sent: %w", err)
	}
	return s.requireClaimed(res, ctx, id)
}

func (s *queueStore) MarkRetrying(ctx context.Context, id string, nextAttempt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET state = $1, attempt_count = attempt_count + 1, next_attempt_at = $2,
		    last_error = $3, updated_at = NOW()
		WHERE id = $4 AND state = $5`,
		store.DeliveryRetrying, nextAttempt, lastErr, id, store.DeliverySending)
	if err != nil {
		return fmt.Errorf("mark delivery retrying: %w", err)
	}
	return s.requireClaimed(res, ctx, id)
}

func (s *queueStore) MarkDeadLetter(ctx context.Context, id string, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET state = $1, attempt_count = attempt_count + 1, last_error = $2, updated_at = NOW()
		WHERE id = $3 AND state = $4`,
		store.DeliveryDeadLetter, lastErr, id, store.DeliverySending)
	if err != nil {
		return fmt.Errorf("mark delivery dead-lettered: %w", err)
	}
	return s.requireClaimed(res, ctx, id)
}

func (s *queueStore) requireClaimed(res sql.Result, ctx context.Context, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return store.ErrConflict
}

func (s *queueStore) RequeueDeadLetter(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET state = $1, attempt_count = 0, last_error = '', next_attempt_at = $2, updated_at = $2
		WHERE id = $3 AND state = $4`,
		store.DeliveryPending, now, id, store.DeliveryDeadLetter)
	if err != nil {
		return fmt.Errorf("requeue dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue dead letter: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return store.ErrConflict
	}
	return nil
}

func (s *queueStore) RecoverInFlight(ctx context.Context, nextAttempt time.Time, maxAttempts int) (int, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("recover in-flight deliveries: %w", err)
	}
	defer tx.Rollback()

	const reason = "interrupted by restart"

	deadRes, err := tx.ExecContext(ctx, `
		UPDATE delivery_records
		SET state = $1, attempt_count = attempt_count + 1, last_error = $2, updated_at = NOW()
		WHERE state = $3 AND attempt_count + 1 >= $4`,
		store.DeliveryDeadLetter, reason, store.DeliverySending, maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("recover in-flight deliveries: %w", err)
	}
	retryRes, err := tx.ExecContext(ctx, `
		UPDATE delivery_records
		SET state = $1, attempt_count = attempt_count + 1, next_attempt_at = $2,
		    last_error = $3, updated_at = NOW()
		WHERE state = $4`,
		store.DeliveryRetrying, nextAttempt, reason, store.DeliverySending)
	if err != nil {
		return 0, 0, fmt.Errorf("recover in-flight deliveries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("recover in-flight deliveries: %w", err)
	}

	dead, _ := deadRes.RowsAffected()
	retried, _ := retryRes.RowsAffected()
	return int(retried), int(dead), nil
}

func (s *queueStore) ReconcileTask(ctx context.Context, taskID string, success bool, at time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if success {
		res, err = s.db.ExecContext(ctx, `
			UPDATE delivery_records
			SET state = $1, sent_at = $2, updated_at = $2
			WHERE correlation_task_id = $3 AND state NOT IN ($4, $5, $6)`,
			store.DeliverySent, at, taskID,
			store.DeliverySent, store.DeliveryDeadLetter, store.DeliveryFailed)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE delivery_records
			SET state = $1, last_error = $2, updated_at = $3
			WHERE correlation_task_id = $4 AND state NOT IN ($5, $6, $7)`,
			store.DeliveryFailed, "reported failed by callback", at, taskID,
			store.DeliverySent, store.DeliveryDeadLetter, store.DeliveryFailed)
	}
	if err != nil {
		return false, fmt.Errorf("reconcile task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reconcile task %s: %w", taskID, err)
	}
	return n > 0, nil
}

func (s *queueStore) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM delivery_records GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count deliveries by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (s *queueStore) ListRecent(ctx context.Context, limit int) ([]*store.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM delivery_records
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func (s *queueStore) ListByState(ctx context.Context, state string, limit int) ([]*store.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM delivery_records
		WHERE state = $1 ORDER BY updated_at DESC LIMIT $2`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries by state: %w", err)
	}
	return collectDeliveries(rows)
}
