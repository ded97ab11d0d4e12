package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileEventStore appends events to a JSONL file. It is the default store
// when no database is configured.
type FileEventStore struct {
	mu   sync.Mutex
	path string
	seq  int64
}

func NewFileEventStore(path string) (*FileEventStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("events: create dir: %w", err)
	}
	s := &FileEventStore{path: path}
	// resume the sequence from the existing stream
	existing, err := s.readAll()
	if err != nil {
		return nil, err
	}
	if n := len(existing); n > 0 {
		s.seq = existing[n-1].Seq
	}
	return s, nil
}

func (s *FileEventStore) Append(_ context.Context, e Event) error {
	payload, err := e.MarshalData()
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", e.Type(), err)
	}
	ts := e.Timestamp()
	if ts.IsZero() {
		ts = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	se := StoredEvent{Seq: s.seq, User: e.User(), Type: e.Type(), Ts: ts, Payload: payload}
	line, err := json.Marshal(se)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("events: open %s: %w", s.path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("events: append: %w", err)
	}
	return nil
}

func (s *FileEventStore) ListByUser(_ context.Context, user string) ([]StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	if user == "" {
		return all, nil
	}
	out := all[:0]
	for _, se := range all {
		if se.User == user {
			out = append(out, se)
		}
	}
	return out, nil
}

func (s *FileEventStore) readAll() ([]StoredEvent, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("events: open %s: %w", s.path, err)
	}
	defer f.Close()

	var all []StoredEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var se StoredEvent
		if err := json.Unmarshal(sc.Bytes(), &se); err != nil {
			continue
		}
		all = append(all, se)
	}
	return all, sc.Err()
}
