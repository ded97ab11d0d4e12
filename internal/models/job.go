package models

import (
	"encoding/json"
	"time"
)

// JobType enumerates the supervised job kinds.
type JobType string

const (
	JobMonitor     JobType = "monitor"
	JobSchedule    JobType = "schedule"
	JobAutoBooking JobType = "auto_booking"
	JobKeepAlive   JobType = "keep_alive"
)

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobStopped   JobStatus = "stopped"
	JobPaused    JobStatus = "paused" // halted but expected back; state preserved
	JobFailed    JobStatus = "failed"
	JobCompleted JobStatus = "completed"
)

// Job is one supervised long-running worker. Running implies a live worker
// process owns it; crash recovery reconciles pid liveness on startup.
type Job struct {
	ID           string          `json:"job_id"` // monotonic integer, string-serialised
	Type         JobType         `json:"job_type"`
	Name         string          `json:"name"`
	Status       JobStatus       `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	StoppedAt    *time.Time      `json:"stopped_at,omitempty"`
	PID          int             `json:"pid,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"` // job-kind-specific record
	ErrorMessage string          `json:"error_message,omitempty"`
	LogTail      []string        `json:"log_tail,omitempty"`
}

// OperatingWindow is a per-monitor daily time range outside which the monitor
// performs no work.
type OperatingWindow struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// Contains reports whether t's local hour falls inside the window.
// Windows wrapping midnight (start > end) are supported.
func (w OperatingWindow) Contains(t time.Time) bool {
	h := t.Hour()
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// MonitorState is the persisted config+progress of a monitor job.
type MonitorState struct {
	Target                 BookingTarget    `json:"target"`
	IntervalSeconds        int              `json:"interval_seconds"`
	AutoBook               bool             `json:"auto_book"`
	OperatingWindow        *OperatingWindow `json:"operating_window,omitempty"`
	RequireAllUsersSuccess bool             `json:"require_all_users_success"`
	MaxTimeGapHours        int              `json:"max_time_gap_hours,omitempty"`
	PreferredHours         []int            `json:"preferred_hours,omitempty"`
	PreferredDays          []string         `json:"preferred_days,omitempty"` // weekday names, lowercase
	LastCheck              *time.Time       `json:"last_check,omitempty"`
	FoundSlots             []FoundSlot      `json:"found_slots,omitempty"`
	BookingAttempts        int              `json:"booking_attempts"`
	SuccessfulBookings     int              `json:"successful_bookings"`
	WindowActive           bool             `json:"window_active"`
	NextWindowStart        *time.Time       `json:"next_window_start,omitempty"`
}

// FoundSlot is a de-duplicated availability hit recorded by a monitor.
type FoundSlot struct {
	Date      string  `json:"date"`
	Start     string  `json:"start"`
	End       string  `json:"end"`
	FieldName string  `json:"field_name,omitempty"`
	Remain    int     `json:"remain,omitempty"`
	Price     float64 `json:"price,omitempty"`
}

// DedupKey identifies one hit within a notification window.
func (f FoundSlot) DedupKey() string {
	return f.Date + "|" + f.Start + "|" + f.FieldName
}

// KeepAliveState is the persisted config of a keep-alive job.
type KeepAliveState struct {
	IntervalSeconds int `json:"interval_seconds"`
}

// ScheduleState is the persisted config+progress of a daily schedule job.
type ScheduleState struct {
	Target                 BookingTarget `json:"target"`
	Hour                   int           `json:"hour"`
	Minute                 int           `json:"minute"`
	Second                 int           `json:"second"`
	DateOffset             int           `json:"date_offset"`
	StartHours             []int         `json:"start_hours,omitempty"` // each expands into a parallel attempt
	DurationHours          int           `json:"duration_hours,omitempty"`
	RequireAllUsersSuccess bool          `json:"require_all_users_success"`
	MaxTimeGapHours        int           `json:"max_time_gap_hours,omitempty"`
	LastRun                *time.Time    `json:"last_run,omitempty"`
	NextRun                *time.Time    `json:"next_run,omitempty"`
	RunCount               int           `json:"run_count"`
	SuccessCount           int           `json:"success_count"`
}
