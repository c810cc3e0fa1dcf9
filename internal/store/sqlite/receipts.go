package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/twinclawhq/twinclaw/internal/store"
)

type receiptStore struct {
	db *sql.DB
}

func (s *receiptStore) Record(ctx context.Context, r *store.CallbackReceipt) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO callback_receipts (idempotency_key, status_code, outcome, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		r.IdempotencyKey, r.StatusCode, r.Outcome, fmtTime(r.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("record callback receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record callback receipt: %w", err)
	}
	return n == 1, nil
}

func (s *receiptStore) Get(ctx context.Context, key string) (*store.CallbackReceipt, error) {
	var r store.CallbackReceipt
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, status_code, outcome, created_at
		FROM callback_receipts WHERE idempotency_key = ?`, key).
		Scan(&r.IdempotencyKey, &r.StatusCode, &r.Outcome, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get callback receipt: %w", err)
	}
	r.CreatedAt = parseTime(created)
	return &r, nil
}

func (s *receiptStore) SetOutcome(ctx context.Context, key, outcome string, statusCode int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE callback_receipts SET outcome = ?, status_code = ?
		WHERE idempotency_key = ?`, outcome, statusCode, key)
	if err != nil {
		return fmt.Errorf("update callback receipt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *receiptStore) CountByOutcome(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*) FROM callback_receipts GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count callback receipts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

func (s *receiptStore) ListRecent(ctx context.Context, limit int) ([]store.CallbackReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idempotency_key, status_code, outcome, created_at
		FROM callback_receipts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list callback receipts: %w", err)
	}
	defer rows.Close()

	var out []store.CallbackReceipt
	for rows.Next() {
		var r store.CallbackReceipt
		var created string
		if err := rows.Scan(&r.IdempotencyKey, &r.StatusCode, &r.Outcome, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}
