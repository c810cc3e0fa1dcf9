package pg

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
		INSERT INTO event_log (seq, topic, ts, payload) VALUES ($1, $2, $3, $4)`,
		int64(env.Seq), env.Topic, env.TS, env.Payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *eventStore) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM event_log WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *eventStore) ListRecent(ctx context.Context, topic string, limit int) ([]store.StoredEnvelope, error) {
	query := `SELECT seq, topic, ts, payload FROM event_log ORDER BY id DESC LIMIT $1`
	args := []any{limit}
	if topic != "" {
		query = `SELECT seq, topic, ts, payload FROM event_log
			WHERE topic = $1 ORDER BY id DESC LIMIT $2`
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
		var seq int64
		if err := rows.Scan(&seq, &env.Topic, &env.TS, &env.Payload); err != nil {
			return nil, err
		}
		env.Seq = uint64(seq)
		env.TS = env.TS.UTC()
		out = append(out, env)
	}
	return out, rows.Err()
}

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
