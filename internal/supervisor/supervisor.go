package supervisor

import (
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/metrics"
)

const (
	stopGrace   = 2 * time.Second
	logTailSize = 20

	crashedMessage = "进程意外终止"
)

// Supervisor spawns and controls one worker process per job. Workers are the
// same binary re-invoked in worker mode, detached into their own process
// group so the supervisor exiting never takes a monitor down with it.
type Supervisor struct {
	jobsDir  string
	registry *Registry
	exePath  string
	log      *logging.ComponentLogger

	mSpawned *metrics.Counter
	mCrashed *metrics.Counter
}

func New(jobsDir string, log *logging.Logger) (*Supervisor, error) {
	registry, err := NewRegistry(jobsDir)
	if err != nil {
		return nil, err
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, apperrors.NewConfig("supervisor.New", "cannot locate own binary", err)
	}
	var clog *logging.ComponentLogger
	if log != nil {
		clog = log.WithComponent("supervisor")
	}
	return &Supervisor{
		jobsDir:  jobsDir,
		registry: registry,
		exePath:  exe,
		log:      clog,
		mSpawned: metrics.Default.Counter("jobs_spawned", "Worker processes spawned"),
		mCrashed: metrics.Default.Counter("jobs_crashed", "Worker processes found dead unexpectedly"),
	}, nil
}

// JobsDir exposes the directory workers write their state files into.
func (s *Supervisor) JobsDir() string { return s.jobsDir }

// Create registers a new pending job. config is the job-kind state record
// (MonitorState, ScheduleState) the worker will start from.
func (s *Supervisor) Create(jobType models.JobType, name string, config any) (models.Job, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return models.Job{}, err
	}
	var job models.Job
	err = s.registry.Mutate(func(jobs map[string]models.Job) error {
		job = models.Job{
			ID:        nextID(jobs),
			Type:      jobType,
			Name:      name,
			Status:    models.JobPending,
			CreatedAt: time.Now(),
			Config:    raw,
		}
		jobs[job.ID] = job
		return nil
	})
	if err != nil {
		return models.Job{}, err
	}
	// seed the state file so reads before the first worker tick see the config
	if err := atomicWrite(statePath(s.jobsDir, job.ID), raw, 0o644); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// Start spawns the worker process for a pending or stopped job.
func (s *Supervisor) Start(id string) (models.Job, error) {
	job, err := s.registry.Get(id)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status == models.JobRunning && pidAlive(job.PID) {
		return job, apperrors.NewConfig("supervisor.Start", "job "+id+" is already running", nil)
	}

	logFile, err := os.OpenFile(logPath(s.jobsDir, id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return models.Job{}, err
	}
	defer logFile.Close()

	os.Remove(donePath(s.jobsDir, id))

	cmd := exec.Command(s.exePath, "worker", "--job", id, "--jobs-dir", s.jobsDir)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return models.Job{}, apperrors.NewConfig("supervisor.Start", "cannot spawn worker for job "+id, err)
	}
	// reap in the background so dead workers never linger as zombies
	pid := cmd.Process.Pid
	go cmd.Wait()

	s.mSpawned.Inc(1)
	if s.log != nil {
		s.log.Info("worker spawned", logging.JobID(id), logging.Int("pid", pid))
	}

	err = s.registry.Mutate(func(jobs map[string]models.Job) error {
		j := jobs[id]
		now := time.Now()
		j.Status = models.JobRunning
		j.PID = pid
		j.StartedAt = &now
		j.StoppedAt = nil
		j.ErrorMessage = ""
		jobs[id] = j
		job = j
		return nil
	})
	return job, err
}

// Stop terminates a running job's process group: SIGTERM, a short grace
// period, then SIGKILL.
func (s *Supervisor) Stop(id string) (models.Job, error) {
	return s.halt(id, models.JobStopped)
}

// Pause terminates the worker like Stop but records the job as paused, so
// listings show it is expected back and its state file stays authoritative
// for the next Start.
func (s *Supervisor) Pause(id string) (models.Job, error) {
	return s.halt(id, models.JobPaused)
}

func (s *Supervisor) halt(id string, status models.JobStatus) (models.Job, error) {
	job, err := s.registry.Get(id)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status == models.JobRunning && job.PID > 0 {
		s.terminate(job.PID)
	}
	err = s.registry.Mutate(func(jobs map[string]models.Job) error {
		j := jobs[id]
		now := time.Now()
		j.Status = status
		j.StoppedAt = &now
		j.PID = 0
		jobs[id] = j
		job = j
		return nil
	})
	if s.log != nil {
		s.log.Info("job halted", logging.JobID(id), logging.String("status", string(status)))
	}
	return job, err
}

func (s *Supervisor) terminate(pid int) {
	// negative pid targets the whole process group
	syscall.Kill(-pid, syscall.SIGTERM)
	deadline := time.Now().Add(stopGrace)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	syscall.Kill(-pid, syscall.SIGKILL)
}

// Delete stops a job if needed and removes it with its files.
func (s *Supervisor) Delete(id string) error {
	job, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	if job.Status == models.JobRunning && job.PID > 0 {
		s.terminate(job.PID)
	}
	removeJobFiles(s.jobsDir, id)
	return s.registry.Mutate(func(jobs map[string]models.Job) error {
		delete(jobs, id)
		return nil
	})
}

// DeleteAll removes every job.
func (s *Supervisor) DeleteAll() error {
	jobs, err := s.registry.Snapshot()
	if err != nil {
		return err
	}
	for id, job := range jobs {
		if job.Status == models.JobRunning && job.PID > 0 {
			s.terminate(job.PID)
		}
		removeJobFiles(s.jobsDir, id)
	}
	return s.registry.Mutate(func(jobs map[string]models.Job) error {
		for id := range jobs {
			delete(jobs, id)
		}
		return nil
	})
}

// List returns all jobs ordered by id, with liveness re-checked and the
// latest worker state merged in as Config.
func (s *Supervisor) List() ([]models.Job, error) {
	if err := s.Reconcile(); err != nil {
		return nil, err
	}
	jobs, err := s.registry.Snapshot()
	if err != nil {
		return nil, err
	}
	out := sortJobs(jobs)
	for i := range out {
		if raw, ok := RawState(s.jobsDir, out[i].ID); ok {
			out[i].Config = raw
		}
		out[i].LogTail = s.tail(out[i].ID)
	}
	return out, nil
}

// Get returns one job with merged state and log tail.
func (s *Supervisor) Get(id string) (models.Job, error) {
	if err := s.Reconcile(); err != nil {
		return models.Job{}, err
	}
	job, err := s.registry.Get(id)
	if err != nil {
		return models.Job{}, err
	}
	if raw, ok := RawState(s.jobsDir, id); ok {
		job.Config = raw
	}
	job.LogTail = s.tail(id)
	return job, nil
}

// Logs returns up to n trailing lines of a job's log file.
func (s *Supervisor) Logs(id string, n int) ([]string, error) {
	if _, err := s.registry.Get(id); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(logPath(s.jobsDir, id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func (s *Supervisor) tail(id string) []string {
	lines, err := s.Logs(id, logTailSize)
	if err != nil {
		return nil
	}
	return lines
}

// Reconcile fixes up jobs whose worker died since the last look: a done
// marker means the worker met its goal, anything else is a crash. Keep-alive
// workers restart automatically.
func (s *Supervisor) Reconcile() error {
	var restart []string
	err := s.registry.Mutate(func(jobs map[string]models.Job) error {
		for id, job := range jobs {
			if job.Status != models.JobRunning {
				continue
			}
			if pidAlive(job.PID) {
				continue
			}
			now := time.Now()
			job.PID = 0
			job.StoppedAt = &now
			if doneMarked(s.jobsDir, id) {
				job.Status = models.JobCompleted
			} else if job.Type == models.JobKeepAlive {
				job.Status = models.JobPending
				restart = append(restart, id)
			} else {
				job.Status = models.JobFailed
				job.ErrorMessage = crashedMessage
				s.mCrashed.Inc(1)
				if s.log != nil {
					s.log.Warn("worker died unexpectedly", logging.JobID(id))
				}
			}
			jobs[id] = job
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range restart {
		if _, err := s.Start(id); err != nil && s.log != nil {
			s.log.Warn("keep-alive restart failed", logging.JobID(id), logging.Error(err))
		}
	}
	return nil
}

// CleanupDead removes failed and completed jobs, returning how many went.
func (s *Supervisor) CleanupDead() (int, error) {
	if err := s.Reconcile(); err != nil {
		return 0, err
	}
	jobs, err := s.registry.Snapshot()
	if err != nil {
		return 0, err
	}
	removed := 0
	for id, job := range jobs {
		if job.Status != models.JobFailed && job.Status != models.JobCompleted {
			continue
		}
		removeJobFiles(s.jobsDir, id)
		removed++
	}
	err = s.registry.Mutate(func(jobs map[string]models.Job) error {
		for id, job := range jobs {
			if job.Status == models.JobFailed || job.Status == models.JobCompleted {
				delete(jobs, id)
			}
		}
		return nil
	})
	return removed, err
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
