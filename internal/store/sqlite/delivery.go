package sqlite

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
	var next, created, updated string
	var sent sql.NullString
	if err := row.Scan(&rec.ID, &rec.Platform, &rec.ChatID, &rec.Body, &rec.State,
		&rec.AttemptCount, &next, &rec.LastError, &created, &updated, &sent,
		&rec.CorrelationTaskID); err != nil {
		return nil, err
	}
	rec.NextAttemptAt = parseTime(next)
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Platform, rec.ChatID, rec.Body, rec.State, rec.AttemptCount,
		fmtTime(rec.NextAttemptAt), rec.LastError, fmtTime(rec.CreatedAt),
		fmtTime(rec.UpdatedAt), fmtNullTime(rec.SentAt), rec.CorrelationTaskID)
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
		SELECT `+deliveryColumns+` FROM delivery_records WHERE id = ?`, id)
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
		WHERE state IN (?, ?) AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, created_at ASC
		LIMIT ?`,
		store.DeliveryPending, store.DeliveryRetrying, fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func (s *queueStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET state = ?, updated_at = ?
		WHERE id = ? AND state IN (?, ?)`,
		store.DeliverySending, fmtTime(now), id,
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
		SET state = ?, attempt_count = attempt_count + 1, sent_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		store.DeliverySent, fmtTime(at), fmtTime(at), id, store.DeliverySending)
	if err != nil {
		return fmt.Errorf("mark delivery sent: %w", err)
	}
	return s.requireClaimed(res, ctx, id)
}

func (s *queueStore) MarkRetrying(ctx context.Context, id string, nextAttempt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET state = ?, attempt_count = attempt_count + 1, next_attempt_at = ?,
		    last_error = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		store.DeliveryRetrying, fmtTime(nextAttempt), lastErr,
		fmtTime(time.Now()), id, store.DeliverySending)
	if err != nil {
		return fmt.Errorf("mark delivery retrying: %w", err)
	}
	return s.requireClaimed(res, ctx, id)
}

func (s *queueStore) MarkDeadLetter(ctx context.Context, id string, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET state = ?, attempt_count = attempt_count + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		store.DeliveryDeadLetter, lastErr, fmtTime(time.Now()), id, store.DeliverySending)
	if err != nil {
		return fmt.Errorf("mark delivery dead-lettered: %w", err)
	}
	return s.requireClaimed(res, ctx, id)
}

// requireClaimed translates a zero-row state transition into ErrNotFound or
// ErrConflict depending on whether the record exists at all.
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
		SET state = ?, attempt_count = 0, last_error = '', next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		store.DeliveryPending, fmtTime(now), fmtTime(now), id, store.DeliveryDeadLetter)
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
	now := fmtTime(time.Now())

	// Records whose interrupted attempt was their last go straight to the
	// dead letter; the rest return to the retry track.
	deadRes, err := tx.ExecContext(ctx, `
		UPDATE delivery_records
		SET state = ?, attempt_count = attempt_count + 1, last_error = ?, updated_at = ?
		WHERE state = ? AND attempt_count + 1 >= ?`,
		store.DeliveryDeadLetter, reason, now, store.DeliverySending, maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("recover in-flight deliveries: %w", err)
	}
	retryRes, err := tx.ExecContext(ctx, `
		UPDATE delivery_records
		SET state = ?, attempt_count = attempt_count + 1, next_attempt_at = ?,
		    last_error = ?, updated_at = ?
		WHERE state = ?`,
		store.DeliveryRetrying, fmtTime(nextAttempt), reason, now, store.DeliverySending)
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
			SET state = ?, sent_at = ?, updated_at = ?
			WHERE correlation_task_id = ? AND state NOT IN (?, ?, ?)`,
			store.DeliverySent, fmtTime(at), fmtTime(at), taskID,
			store.DeliverySent, store.DeliveryDeadLetter, store.DeliveryFailed)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE delivery_records
			SET state = ?, last_error = ?, updated_at = ?
			WHERE correlation_task_id = ? AND state NOT IN (?, ?, ?)`,
			store.DeliveryFailed, "reported failed by callback", fmtTime(at), taskID,
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
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func (s *queueStore) ListByState(ctx context.Context, state string, limit int) ([]*store.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM delivery_records
		WHERE state = ? ORDER BY updated_at DESC LIMIT ?`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries by state: %w", err)
	}
	return collectDeliveries(rows)
}
