package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/twinclawhq/twinclaw/internal/store"
)

type pairingStore struct {
	db *sql.DB
}

func (s *pairingStore) SeedAllowFrom(ctx context.Context, channel string, senderIDs []string, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("seed allow list: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, id := range senderIDs {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO allow_list (channel, sender_id, approved_at)
			VALUES (?, ?, ?)
			ON CONFLICT (channel, sender_id) DO NOTHING`,
			channel, id, fmtTime(at))
		if err != nil {
			return 0, fmt.Errorf("seed allow list: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("seed allow list: %w", err)
	}
	return inserted, nil
}

func (s *pairingStore) IsApproved(ctx context.Context, channel, senderID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM allow_list WHERE channel = ? AND sender_id = ?`,
		channel, senderID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check allow list: %w", err)
	}
	return true, nil
}

func (s *pairingStore) ListAllowed(ctx context.Context, channel string) ([]store.AllowListEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, sender_id, approved_at FROM allow_list
		WHERE channel = ? ORDER BY approved_at ASC`, channel)
	if err != nil {
		return nil, fmt.Errorf("list allow list: %w", err)
	}
	defer rows.Close()

	var out []store.AllowListEntry
	for rows.Next() {
		var e store.AllowListEntry
		var approved string
		if err := rows.Scan(&e.Channel, &e.SenderID, &approved); err != nil {
			return nil, err
		}
		e.ApprovedAt = parseTime(approved)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *pairingStore) CreateRequest(ctx context.Context, req *store.PairingRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairing_requests (channel, sender_id, code, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		req.Channel, req.SenderID, req.Code, fmtTime(req.CreatedAt), fmtTime(req.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("create pairing request: %w", err)
	}
	return nil
}

func scanPairing(row rowScanner) (*store.PairingRequest, error) {
	var req store.PairingRequest
	var created, expires string
	if err := row.Scan(&req.Channel, &req.SenderID, &req.Code, &created, &expires); err != nil {
		return nil, err
	}
	req.CreatedAt = parseTime(created)
	req.ExpiresAt = parseTime(expires)
	return &req, nil
}

func (s *pairingStore) GetRequest(ctx context.Context, channel, senderID string) (*store.PairingRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT channel, sender_id, code, created_at, expires_at
		FROM pairing_requests WHERE channel = ? AND sender_id = ?`,
		channel, senderID)
	req, err := scanPairing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pairing request: %w", err)
	}
	return req, nil
}

func (s *pairingStore) ListPending(ctx context.Context, channel string) ([]store.PairingRequest, error) {
	query := `
		SELECT channel, sender_id, code, created_at, expires_at
		FROM pairing_requests ORDER BY created_at ASC`
	args := []any{}
	if channel != "" {
		query = `
		SELECT channel, sender_id, code, created_at, expires_at
		FROM pairing_requests WHERE channel = ? ORDER BY created_at ASC`
		args = append(args, channel)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pairing requests: %w", err)
	}
	defer rows.Close()

	var out []store.PairingRequest
	for rows.Next() {
		req, err := scanPairing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func (s *pairingStore) CountPending(ctx context.Context, channel string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pairing_requests WHERE channel = ?`, channel).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pairing requests: %w", err)
	}
	return n, nil
}

func (s *pairingStore) Promote(ctx context.Context, channel, senderID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("promote pairing request: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO allow_list (channel, sender_id, approved_at)
		VALUES (?, ?, ?)
		ON CONFLICT (channel, sender_id) DO NOTHING`,
		channel, senderID, fmtTime(at))
	if err != nil {
		return fmt.Errorf("promote pairing request: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM pairing_requests WHERE channel = ? AND sender_id = ?`,
		channel, senderID)
	if err != nil {
		return fmt.Errorf("promote pairing request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return tx.Commit()
}

func (s *pairingStore) DeleteRequest(ctx context.Context, channel, senderID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pairing_requests WHERE channel = ? AND sender_id = ?`,
		channel, senderID)
	if err != nil {
		return fmt.Errorf("delete pairing request: %w", err)
	}
	return nil
}

func (s *pairingStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pairing_requests WHERE expires_at < ?`, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired pairing requests: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
