package facade

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/credstore"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/supervisor"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/config"
)

// newTestAgent builds an Agent on a throwaway supervisor and credential
// store; no worker process is ever spawned because jobs stay unstarted.
func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	for _, key := range []string{"SPORTS_BASE_URL", "PRESET_FILE", "PRESET_JSON", "ORDER_RSA_PUBLIC_KEY"} {
		t.Setenv(key, "")
	}
	cfg := config.Load()
	store, err := credstore.New(filepath.Join(t.TempDir(), "c.json"), "", time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	super, err := supervisor.New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	a, err := New(Deps{
		Config:     cfg,
		Store:      store,
		Registry:   credstore.NewRegistry(),
		Supervisor: super,
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestParseDate(t *testing.T) {
	now := time.Date(2026, 8, 24, 15, 0, 0, 0, time.Local)
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "2026-08-24", false},
		{"0", "2026-08-24", false},
		{"2", "2026-08-26", false},
		{"-1", "2026-08-23", false},
		{"2026-09-01", "2026-09-01", false},
		{"tomorrow", "", true},
		{"2026/09/01", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDate(tt.in, now)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDate(%q) accepted, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDate(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseStartHour(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", -1, false},
		{"8", 8, false},
		{"18", 18, false},
		{"18:00", 18, false},
		{"08:30", 8, false},
		{"24", 0, true},
		{"-2", 0, true},
		{"evening", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseStartHour(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseStartHour(%q) accepted, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseStartHour(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStartHour(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeTarget(t *testing.T) {
	// the zero value must not turn into a midnight filter
	got := NormalizeTarget(models.BookingTarget{VenueID: "42"})
	if got.StartHour != -1 {
		t.Fatalf("zero StartHour normalized to %d, want -1", got.StartHour)
	}
	if got.DurationHours != 1 {
		t.Fatalf("zero DurationHours normalized to %d, want 1", got.DurationHours)
	}

	got = NormalizeTarget(models.BookingTarget{StartHour: 18, DurationHours: 2})
	if got.StartHour != 18 || got.DurationHours != 2 {
		t.Fatalf("explicit values changed: %+v", got)
	}
}

func TestFilterEndHour(t *testing.T) {
	slots := []models.Slot{
		{ID: "a", Start: "18:00", End: "19:00"},
		{ID: "b", Start: "19:00", End: "20:00"},
		{ID: "c", Start: "20:00", End: "21:00"},
	}
	got := filterEndHour(slots, 20)
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("end-hour filter wrong: %+v", got)
	}
	if got := filterEndHour(slots, -1); len(got) != 3 {
		t.Fatalf("unfiltered result wrong: %+v", got)
	}
	if got := filterEndHour(slots, 8); len(got) != 0 {
		t.Fatalf("no slot ends at 08:00: %+v", got)
	}
}

func TestLoadCatalogueFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	yaml := `
- index: 1
  venue_id: "42"
  venue_name: 气膜体育中心
  field_type_id: "97"
  field_type_name: 羽毛球
- index: 2
  venue_id: "17"
  venue_name: 胡法光体育场
  field_type_id: "52"
  field_type_name: 网球
  field_type_code: TEN
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cat, err := loadCatalogue(&config.Config{PresetFile: path})
	if err != nil {
		t.Fatal(err)
	}
	if len(cat) != 2 {
		t.Fatalf("got %d presets, want 2", len(cat))
	}
	p, ok := cat.ByIndex(2)
	if !ok || p.VenueID != "17" || p.FieldTypeCode != "TEN" {
		t.Fatalf("preset 2 wrong: %+v ok=%v", p, ok)
	}
}

func TestLoadCatalogueFromJSON(t *testing.T) {
	cat, err := loadCatalogue(&config.Config{
		PresetJSON: `[{"index":1,"venue_id":"28","venue_name":"南区体育馆","field_type_id":"73","field_type_name":"乒乓球"}]`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cat) != 1 || cat[0].VenueName != "南区体育馆" {
		t.Fatalf("unexpected catalogue: %+v", cat)
	}
}

func TestLoadCatalogueDefaults(t *testing.T) {
	cat, err := loadCatalogue(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if len(cat) == 0 {
		t.Fatal("builtin catalogue empty")
	}
	if _, ok := cat.ByIndex(1); !ok {
		t.Fatal("builtin catalogue has no preset 1")
	}
}

func TestJobsTypeFilterAndDeleteAll(t *testing.T) {
	a := newTestAgent(t)
	if _, err := a.CreateMonitor(models.MonitorState{Target: models.BookingTarget{VenueID: "42"}}, "m1", false); err != nil {
		t.Fatal(err)
	}
	if _, err := a.CreateSchedule(models.ScheduleState{Target: models.BookingTarget{VenueID: "42"}, Hour: 12}, "s1", false); err != nil {
		t.Fatal(err)
	}

	all, err := a.Jobs("")
	if err != nil || len(all) != 2 {
		t.Fatalf("Jobs(\"\") = %d jobs, err %v", len(all), err)
	}
	monitors, err := a.Jobs(models.JobMonitor)
	if err != nil || len(monitors) != 1 || monitors[0].Type != models.JobMonitor {
		t.Fatalf("type filter wrong: %+v err=%v", monitors, err)
	}

	n, err := a.DeleteAllJobs(models.JobSchedule, false)
	if err != nil || n != 1 {
		t.Fatalf("DeleteAllJobs(schedule) removed %d, err %v", n, err)
	}
	left, _ := a.Jobs("")
	if len(left) != 1 || left[0].Type != models.JobMonitor {
		t.Fatalf("wrong job deleted: %+v", left)
	}

	n, err = a.DeleteAllJobs("", false)
	if err != nil || n != 1 {
		t.Fatalf("DeleteAllJobs(all) removed %d, err %v", n, err)
	}
}

func TestPauseMonitorKeepsStateDistinctFromStopped(t *testing.T) {
	a := newTestAgent(t)
	mon, err := a.CreateMonitor(models.MonitorState{
		Target:     models.BookingTarget{VenueID: "42"},
		FoundSlots: []models.FoundSlot{{Date: "2026-08-26", Start: "18:00"}},
	}, "watch", false)
	if err != nil {
		t.Fatal(err)
	}
	sched, err := a.CreateSchedule(models.ScheduleState{Target: models.BookingTarget{VenueID: "42"}, Hour: 12}, "daily", false)
	if err != nil {
		t.Fatal(err)
	}

	paused, err := a.PauseMonitor(mon.ID)
	if err != nil {
		t.Fatal(err)
	}
	if paused.Status != models.JobPaused {
		t.Fatalf("status = %s, want paused", paused.Status)
	}

	// paused reads differently from stopped in listings
	stopped, err := a.StopJob(sched.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stopped.Status != models.JobStopped || paused.Status == stopped.Status {
		t.Fatalf("paused and stopped collapsed: %s vs %s", paused.Status, stopped.Status)
	}

	// the accumulated monitor state survives the pause
	got, err := a.Job(mon.ID)
	if err != nil {
		t.Fatal(err)
	}
	var st models.MonitorState
	if err := json.Unmarshal(got.Config, &st); err != nil {
		t.Fatal(err)
	}
	if len(st.FoundSlots) != 1 || st.FoundSlots[0].Start != "18:00" {
		t.Fatalf("monitor state lost across pause: %+v", st)
	}

	// only monitors pause, and only paused monitors resume
	if _, err := a.PauseMonitor(sched.ID); err == nil {
		t.Fatal("paused a schedule job")
	}
	if _, err := a.ResumeMonitor(sched.ID); err == nil {
		t.Fatal("resumed a non-monitor job")
	}
}

func TestLoadCatalogueErrors(t *testing.T) {
	if _, err := loadCatalogue(&config.Config{PresetFile: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Fatal("missing preset file accepted")
	}
	if _, err := loadCatalogue(&config.Config{PresetJSON: "{broken"}); err == nil {
		t.Fatal("malformed PRESET_JSON accepted")
	}
}
