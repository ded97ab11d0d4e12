// Package supervisor owns the background job registry and the worker
// processes that execute monitor, schedule, and keep-alive jobs.
//
// The supervisor is the only writer of jobs.json. Workers never touch it;
// each worker owns its private <id>.state.json, written atomically, which the
// supervisor merges in on reads.
package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
)

const jobsFileName = "jobs.json"

type jobsFile struct {
	Jobs map[string]models.Job `json:"jobs"`
}

// Registry is the jobs.json store.
type Registry struct {
	mu   sync.Mutex
	path string
}

func NewRegistry(jobsDir string) (*Registry, error) {
	if err := os.MkdirAll(jobsDir, 0o755); err != nil {
		return nil, apperrors.NewConfig("supervisor.NewRegistry", "cannot create jobs dir "+jobsDir, err)
	}
	return &Registry{path: filepath.Join(jobsDir, jobsFileName)}, nil
}

func (r *Registry) load() (jobsFile, error) {
	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return jobsFile{Jobs: map[string]models.Job{}}, nil
	}
	if err != nil {
		return jobsFile{}, err
	}
	var f jobsFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return jobsFile{}, fmt.Errorf("supervisor: corrupt jobs file %s: %w", r.path, err)
	}
	if f.Jobs == nil {
		f.Jobs = map[string]models.Job{}
	}
	return f, nil
}

func (r *Registry) save(f jobsFile) error {
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(r.path, raw, 0o644)
}

// Mutate applies fn under the registry lock and persists the result.
func (r *Registry) Mutate(fn func(jobs map[string]models.Job) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(f.Jobs); err != nil {
		return err
	}
	return r.save(f)
}

// Snapshot returns a copy of all jobs.
func (r *Registry) Snapshot() (map[string]models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Job, len(f.Jobs))
	for k, v := range f.Jobs {
		out[k] = v
	}
	return out, nil
}

// Get returns one job by id.
func (r *Registry) Get(id string) (models.Job, error) {
	jobs, err := r.Snapshot()
	if err != nil {
		return models.Job{}, err
	}
	job, ok := jobs[id]
	if !ok {
		return models.Job{}, apperrors.NewConfig("supervisor.Get", "no such job "+id, nil)
	}
	return job, nil
}

// nextID picks the smallest unused positive integer so job ids stay short
// and deleted ids get recycled.
func nextID(jobs map[string]models.Job) string {
	used := map[int]bool{}
	for id := range jobs {
		if n, err := strconv.Atoi(id); err == nil {
			used[n] = true
		}
	}
	for n := 1; ; n++ {
		if !used[n] {
			return strconv.Itoa(n)
		}
	}
}

// sortJobs orders jobs numerically by id for stable listings.
func sortJobs(jobs map[string]models.Job) []models.Job {
	out := make([]models.Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i].ID)
		b, _ := strconv.Atoi(out[j].ID)
		return a < b
	})
	return out
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
