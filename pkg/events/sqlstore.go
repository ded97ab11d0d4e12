package events

import (
	"context"
	"fmt"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/pkg/database"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS agent_events (
	seq BIGINT AUTO_INCREMENT PRIMARY KEY,
	user_key VARCHAR(128) NOT NULL DEFAULT '',
	event_type VARCHAR(64) NOT NULL,
	ts DATETIME NOT NULL,
	payload JSON,
	INDEX idx_events_user (user_key),
	INDEX idx_events_type (event_type)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

// SQLEventStore persists events in MySQL, ordered by an auto-increment seq.
type SQLEventStore struct {
	db *database.DB
}

func NewSQLEventStore(db *database.DB) (*SQLEventStore, error) {
	if _, err := db.Exec(context.Background(), createEventsTable); err != nil {
		return nil, fmt.Errorf("events: create table: %w", err)
	}
	return &SQLEventStore{db: db}, nil
}

func (s *SQLEventStore) Append(ctx context.Context, e Event) error {
	payload, err := e.MarshalData()
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", e.Type(), err)
	}
	ts := e.Timestamp()
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO agent_events (user_key, event_type, ts, payload) VALUES (?, ?, ?, ?)`,
		e.User(), e.Type(), ts, payload)
	if err != nil {
		return fmt.Errorf("events: append %s: %w", e.Type(), err)
	}
	return nil
}

func (s *SQLEventStore) ListByUser(ctx context.Context, user string) ([]StoredEvent, error) {
	q := `SELECT seq, user_key, event_type, ts, payload FROM agent_events`
	args := []any{}
	if user != "" {
		q += ` WHERE user_key = ?`
		args = append(args, user)
	}
	q += ` ORDER BY seq ASC`

	rows, cancel, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("events: list: %w", err)
	}
	defer cancel()
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var se StoredEvent
		if err := rows.Scan(&se.Seq, &se.User, &se.Type, &se.Ts, &se.Payload); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		out = append(out, se)
	}
	return out, rows.Err()
}
