package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Worker-side job files. Each worker writes only its own state file, so the
// atomic temp+rename write is the full concurrency story: the supervisor can
// read at any time and sees either the old or the new snapshot.

func statePath(jobsDir, id string) string { return filepath.Join(jobsDir, id+".state.json") }
func donePath(jobsDir, id string) string  { return filepath.Join(jobsDir, id+".done") }
func logPath(jobsDir, id string) string   { return filepath.Join(jobsDir, id+".log") }

// WriteState persists a worker's progress snapshot.
func WriteState(jobsDir, id string, state any) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(statePath(jobsDir, id), raw, 0o644)
}

// ReadState loads a job's progress snapshot into out. Returns false when the
// worker has not written one yet.
func ReadState(jobsDir, id string, out any) (bool, error) {
	raw, err := os.ReadFile(statePath(jobsDir, id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

// RawState returns the unparsed state snapshot for API listings.
func RawState(jobsDir, id string) (json.RawMessage, bool) {
	raw, err := os.ReadFile(statePath(jobsDir, id))
	if err != nil {
		return nil, false
	}
	return raw, true
}

// MarkDone is written by a worker that finished its goal, so crash recovery
// can tell completion from a dying process.
func MarkDone(jobsDir, id string) error {
	return os.WriteFile(donePath(jobsDir, id), []byte("done\n"), 0o644)
}

func doneMarked(jobsDir, id string) bool {
	_, err := os.Stat(donePath(jobsDir, id))
	return err == nil
}

func removeJobFiles(jobsDir, id string) {
	os.Remove(statePath(jobsDir, id))
	os.Remove(donePath(jobsDir, id))
	os.Remove(logPath(jobsDir, id))
}
