// Package records persists the booking audit trail. The SQL store is used
// when a database is configured; the JSONL file store is the default.
package records

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/database"
)

// Store is the booking record sink and query surface.
type Store interface {
	Append(ctx context.Context, rec models.BookingRecord) error
	// List returns the most recent records, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]models.BookingRecord, error)
}

// --- SQL store ---

const createRecordsTable = `
CREATE TABLE IF NOT EXISTS booking_records (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	order_id VARCHAR(64) NOT NULL DEFAULT '',
	user_key VARCHAR(128) NOT NULL DEFAULT '',
	preset INT NOT NULL DEFAULT 0,
	venue_name VARCHAR(255) NOT NULL DEFAULT '',
	field_type_name VARCHAR(255) NOT NULL DEFAULT '',
	order_date VARCHAR(10) NOT NULL,
	start_time VARCHAR(5) NOT NULL,
	end_time VARCHAR(5) NOT NULL,
	status VARCHAR(16) NOT NULL,
	message TEXT,
	created_at DATETIME NOT NULL,
	INDEX idx_records_user (user_key),
	INDEX idx_records_date (order_date)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

// SQLStore keeps booking records in MySQL.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore creates the table when missing.
func NewSQLStore(db *database.DB) (*SQLStore, error) {
	if _, err := db.Exec(context.Background(), createRecordsTable); err != nil {
		return nil, fmt.Errorf("records: create table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Append(ctx context.Context, rec models.BookingRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO booking_records
		(order_id, user_key, preset, venue_name, field_type_name, order_date, start_time, end_time, status, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.OrderID, rec.UserKey, rec.Preset, rec.VenueName, rec.FieldTypeName,
		rec.Date, rec.Start, rec.End, rec.Status, rec.Message, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("records: insert: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, limit int) ([]models.BookingRecord, error) {
	q := `
		SELECT order_id, user_key, preset, venue_name, field_type_name, order_date, start_time, end_time, status, message, created_at
		FROM booking_records ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, cancel, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("records: list: %w", err)
	}
	defer cancel()
	defer rows.Close()

	var out []models.BookingRecord
	for rows.Next() {
		var rec models.BookingRecord
		if err := rows.Scan(&rec.OrderID, &rec.UserKey, &rec.Preset, &rec.VenueName,
			&rec.FieldTypeName, &rec.Date, &rec.Start, &rec.End, &rec.Status,
			&rec.Message, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("records: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- File store ---

// FileStore appends records to a JSONL file, one record per line.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("records: create dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Append(_ context.Context, rec models.BookingRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("records: open %s: %w", s.path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("records: append: %w", err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context, limit int) ([]models.BookingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("records: open %s: %w", s.path, err)
	}
	defer f.Close()

	var all []models.BookingRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var rec models.BookingRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue // skip torn or hand-edited lines
		}
		all = append(all, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
