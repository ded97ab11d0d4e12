package facade

import (
	"context"
	"fmt"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/bookingapi"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/keepalive"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/monitor"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/schedule"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/supervisor"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/circuit"
	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/events"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
)

// CreateMonitor registers a monitor job and optionally starts its worker.
func (a *Agent) CreateMonitor(st models.MonitorState, name string, start bool) (models.Job, error) {
	st.Target = NormalizeTarget(st.Target)
	if err := st.Target.Validate(); err != nil {
		return models.Job{}, err
	}
	if st.IntervalSeconds <= 0 {
		st.IntervalSeconds = int(a.cfg.MonitorInterval / time.Second)
	}
	if name == "" {
		name = monitorName(st)
	}
	return a.createJob(models.JobMonitor, name, st, start)
}

// CreateSchedule registers a daily precise-time booking job.
func (a *Agent) CreateSchedule(st models.ScheduleState, name string, start bool) (models.Job, error) {
	st.Target = NormalizeTarget(st.Target)
	if err := st.Target.Validate(); err != nil {
		return models.Job{}, err
	}
	if name == "" {
		name = fmt.Sprintf("每日 %02d:%02d:%02d 预约", st.Hour, st.Minute, st.Second)
	}
	return a.createJob(models.JobSchedule, name, st, start)
}

// EnsureKeepAlive guarantees exactly one running keep-alive job.
func (a *Agent) EnsureKeepAlive() (models.Job, error) {
	jobs, err := a.super.List()
	if err != nil {
		return models.Job{}, err
	}
	for _, job := range jobs {
		if job.Type != models.JobKeepAlive {
			continue
		}
		if job.Status == models.JobRunning {
			return job, nil
		}
		return a.super.Start(job.ID)
	}
	st := models.KeepAliveState{IntervalSeconds: int(a.cfg.KeepAliveInterval / time.Second)}
	return a.createJob(models.JobKeepAlive, "会话保活", st, true)
}

func (a *Agent) createJob(t models.JobType, name string, state any, start bool) (models.Job, error) {
	job, err := a.super.Create(t, name, state)
	if err != nil {
		return models.Job{}, err
	}
	if !start {
		return job, nil
	}
	return a.super.Start(job.ID)
}

func monitorName(st models.MonitorState) string {
	if st.Target.Preset != nil {
		return fmt.Sprintf("监控预设 %d", *st.Target.Preset)
	}
	if st.Target.VenueKeyword != "" {
		return "监控 " + st.Target.VenueKeyword
	}
	return "监控场馆 " + st.Target.VenueID
}

// Jobs lists supervised jobs with merged worker state, optionally restricted
// to one job type ("" lists all).
func (a *Agent) Jobs(jobType models.JobType) ([]models.Job, error) {
	jobs, err := a.super.List()
	if err != nil || jobType == "" {
		return jobs, err
	}
	out := make([]models.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	return out, nil
}

// Job returns one job.
func (a *Agent) Job(id string) (models.Job, error) { return a.super.Get(id) }

// StartJob spawns the worker for a pending, stopped, or paused job.
func (a *Agent) StartJob(id string) (models.Job, error) { return a.super.Start(id) }

// StopJob terminates a running worker.
func (a *Agent) StopJob(id string) (models.Job, error) { return a.super.Stop(id) }

// PauseMonitor halts a monitor's worker without losing its accumulated
// state; the job shows as paused rather than stopped until ResumeMonitor.
func (a *Agent) PauseMonitor(id string) (models.Job, error) {
	job, err := a.super.Get(id)
	if err != nil {
		return models.Job{}, err
	}
	if job.Type != models.JobMonitor {
		return models.Job{}, apperrors.NewConfig("facade.PauseMonitor", "job "+id+" is not a monitor", nil)
	}
	return a.super.Pause(id)
}

// ResumeMonitor restarts a paused monitor from its preserved state.
func (a *Agent) ResumeMonitor(id string) (models.Job, error) {
	job, err := a.super.Get(id)
	if err != nil {
		return models.Job{}, err
	}
	if job.Type != models.JobMonitor {
		return models.Job{}, apperrors.NewConfig("facade.ResumeMonitor", "job "+id+" is not a monitor", nil)
	}
	if job.Status != models.JobPaused {
		return models.Job{}, apperrors.NewConfig("facade.ResumeMonitor", "job "+id+" is not paused", nil)
	}
	return a.super.Start(id)
}

// DeleteJob removes a job and its files, stopping it first when needed.
func (a *Agent) DeleteJob(id string) error { return a.super.Delete(id) }

// DeleteAllJobs removes jobs of the given type ("" = every type) and returns
// how many went. Running jobs are skipped unless force is set.
func (a *Agent) DeleteAllJobs(jobType models.JobType, force bool) (int, error) {
	jobs, err := a.super.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, j := range jobs {
		if jobType != "" && j.Type != jobType {
			continue
		}
		if j.Status == models.JobRunning && !force {
			continue
		}
		if err := a.super.Delete(j.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// CleanupJobs removes failed and completed jobs.
func (a *Agent) CleanupJobs() (int, error) { return a.super.CleanupDead() }

// ReconcileJobs re-checks pid liveness and restarts keep-alive workers that
// died with the previous process.
func (a *Agent) ReconcileJobs() error { return a.super.Reconcile() }

// JobLogs returns the trailing log lines of one job.
func (a *Agent) JobLogs(id string, n int) ([]string, error) { return a.super.Logs(id, n) }

// RunWorker executes one job inside a worker process until the job finishes
// or ctx ends. Finishing writes the done marker so the supervisor records a
// completion rather than a crash.
func (a *Agent) RunWorker(ctx context.Context, jobID string) error {
	job, err := a.super.Get(jobID)
	if err != nil {
		return err
	}
	jobsDir := a.super.JobsDir()

	switch job.Type {
	case models.JobMonitor:
		var st models.MonitorState
		if ok, err := supervisor.ReadState(jobsDir, jobID, &st); err != nil || !ok {
			return apperrors.NewConfig("facade.RunWorker", "monitor job "+jobID+" has no state", err)
		}
		return a.runMonitor(ctx, jobID, &st)
	case models.JobSchedule, models.JobAutoBooking:
		var st models.ScheduleState
		if ok, err := supervisor.ReadState(jobsDir, jobID, &st); err != nil || !ok {
			return apperrors.NewConfig("facade.RunWorker", "schedule job "+jobID+" has no state", err)
		}
		return a.runSchedule(ctx, jobID, &st)
	case models.JobKeepAlive:
		var st models.KeepAliveState
		if ok, err := supervisor.ReadState(jobsDir, jobID, &st); err != nil || !ok {
			return apperrors.NewConfig("facade.RunWorker", "keep-alive job "+jobID+" has no state", err)
		}
		a.runKeepAlive(ctx, st)
		return nil
	default:
		return apperrors.NewConfig("facade.RunWorker", "unknown job type "+string(job.Type), nil)
	}
}

func (a *Agent) runMonitor(ctx context.Context, jobID string, st *models.MonitorState) error {
	api, _, err := a.activeAPI()
	if err != nil {
		return err
	}
	jobsDir := a.super.JobsDir()

	// new hits recorded by the runtime flow into the event stream
	seenHits := len(st.FoundSlots)
	persist := func(st *models.MonitorState) error {
		if a.events != nil {
			for ; seenHits < len(st.FoundSlots); seenHits++ {
				hit := st.FoundSlots[seenHits]
				_ = a.events.Append(ctx, events.SlotSpotted{
					Base:      events.Base{Ts: time.Now()},
					VenueName: st.Target.VenueKeyword,
					Date:      hit.Date,
					Start:     hit.Start,
					End:       hit.End,
					FieldName: hit.FieldName,
					Remain:    hit.Remain,
				})
			}
		}
		return supervisor.WriteState(jobsDir, jobID, st)
	}

	breaker := circuit.New(circuit.Config{
		Name:              "slot_query",
		MaxConsecFailures: 5,
		FailureRate:       0.6,
	}, a.log)
	rt := monitor.New(monitor.Options{
		State:    st,
		Resolver: a.newResolver(api),
		Source:   api,
		Booker:   a.booker,
		Notify:   a.notify,
		Persist:  persist,
		Breaker:  breaker,
		Log:      a.log,
	})
	err = rt.Run(ctx)
	if err == nil && ctx.Err() == nil {
		// monitor met its goal
		if merr := supervisor.MarkDone(jobsDir, jobID); merr != nil && a.clog != nil {
			a.clog.Warn("cannot write done marker", logging.JobID(jobID), logging.Error(merr))
		}
	}
	return err
}

func (a *Agent) runSchedule(ctx context.Context, jobID string, st *models.ScheduleState) error {
	api, _, err := a.activeAPI()
	if err != nil {
		return err
	}
	jobsDir := a.super.JobsDir()

	rt := schedule.New(schedule.Options{
		State:        st,
		Resolver:     a.newResolver(api),
		Source:       api,
		Booker:       a.booker,
		Notify:       a.notify,
		Persist:      func(st *models.ScheduleState) error { return supervisor.WriteState(jobsDir, jobID, st) },
		WarmupOffset: a.cfg.WarmupOffset,
		Debug:        a.cfg.ScheduleDebug,
		Log:          a.log,
	})
	err = rt.Run(ctx)
	if err == nil && ctx.Err() == nil {
		if merr := supervisor.MarkDone(jobsDir, jobID); merr != nil && a.clog != nil {
			a.clog.Warn("cannot write done marker", logging.JobID(jobID), logging.Error(merr))
		}
	}
	return err
}

func (a *Agent) runKeepAlive(ctx context.Context, st models.KeepAliveState) {
	prober := keepalive.ProbeFunc(func(ctx context.Context, cookie string) (bool, string, error) {
		client, err := a.newCookieClient(cookie)
		if err != nil {
			return false, "", err
		}
		defer client.Close()
		api := bookingapi.New(bookingapi.Options{
			Client:    client,
			Endpoints: a.endpoints(),
			Log:       a.log,
		})
		_, authed, err := api.CheckLogin(ctx)
		if err != nil {
			return false, "", err
		}
		return authed, client.CookieHeader(), nil
	})

	interval := time.Duration(st.IntervalSeconds) * time.Second
	ref := keepalive.New(a.store, a.registry, prober, interval, a.log)
	if a.events != nil {
		ref.OnExpired = func(key string) {
			_ = a.events.Append(ctx, events.SessionExpired{
				Base: events.Base{Ts: time.Now(), UserKey: key},
			})
		}
	}
	ref.Run(ctx)
}
