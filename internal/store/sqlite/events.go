package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/twinclawhq/twinclaw/internal/store"
)

type eventStore struct {
	db *sql.DB
}

func (s *eventStore) Append(ctx context.Context, env *store.StoredEnvelope) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (seq, topic, ts, payload) VALUES (?, ?, ?, ?)`,
		env.Seq, env.Topic, fmtTime(env.TS), env.Payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *eventStore) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM event_log WHERE ts < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *eventStore) ListRecent(ctx context.Context, topic string, limit int) ([]store.StoredEnvelope, error) {
	query := `SELECT seq, topic, ts, payload FROM event_log ORDER BY id DESC LIMIT ?`
	args := []any{limit}
	if topic != "" {
		query = `SELECT seq, topic, ts, payload FROM event_log
			WHERE topic = ? ORDER BY id DESC LIMIT ?`
		args = []any{topic, limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()

	var out []store.StoredEnvelope
	for rows.Next() {
		var env store.StoredEnvelope
		var ts string
		if err := rows.Scan(&env.Seq, &env.Topic, &ts, &env.Payload); err != nil {
			return nil, err
		}
		env.TS = parseTime(ts)
		out = append(out, env)
	}
	return out, rows.Err()
}

// MaxSeq returns the highest sequence number ever appended, used to seed the
// hub counter across restarts so traces stay monotonic.
func (s *eventStore) MaxSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM event_log`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read max event seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}
