package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/authenticator"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/booker"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/credstore"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/facade"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/notifier"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/records"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/supervisor"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/config"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/container"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/database"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/events"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/health"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
)

func main() {
	c := container.New()

	_ = c.Provide(func() *config.Config { return config.Load() }, true)
	_ = c.Provide(newLogger, true)
	_ = c.Provide(func(cfg *config.Config, lg *logging.Logger) (*credstore.Store, error) {
		return credstore.New(cfg.CredentialPath, cfg.CredentialSecret, cfg.CredentialTTL, lg)
	}, true)
	_ = c.Provide(func() *credstore.Registry { return credstore.NewRegistry() }, true)
	_ = c.Provide(func(cfg *config.Config, lg *logging.Logger) *notifier.Notifier {
		return notifier.New(notifier.Options{
			BaseURL:     cfg.NotifyBaseURL,
			GroupIDs:    cfg.NotifyGroups,
			UserIDs:     cfg.NotifyUsers,
			MaxRetries:  cfg.NotifyRetryCount,
			RetryDelay:  cfg.NotifyRetryDelay,
			Log:         lg,
			AccessToken: os.Getenv("NOTIFY_ACCESS_TOKEN"),
		})
	}, true)

	var (
		cfg *config.Config
		lg  *logging.Logger
	)
	if err := c.Resolve(&cfg); err != nil {
		log.Fatal("config resolve:", err)
	}
	if err := c.Resolve(&lg); err != nil {
		log.Fatal("logger resolve:", err)
	}
	defer lg.Close()

	// worker mode reuses the jobs dir handed down by its supervisor
	jobsDir := cfg.JobsDir()
	args := os.Args[1:]
	command := "help"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}
	if command == "worker" {
		fs := flag.NewFlagSet("worker", flag.ExitOnError)
		jobID := fs.String("job", "", "job id to execute")
		dir := fs.String("jobs-dir", jobsDir, "supervisor jobs directory")
		fs.Parse(args)
		jobsDir = *dir
		runWorker(cfg, lg, c, jobsDir, *jobID)
		return
	}

	_ = c.Provide(func(lg *logging.Logger) (*supervisor.Supervisor, error) {
		return supervisor.New(jobsDir, lg)
	}, true)

	agent, db := buildAgent(c, cfg, lg, true)
	if db != nil {
		defer db.Close()
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := dispatch(ctx, agent, cfg, lg, db, command, args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := logging.LogConfig{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
		Output: "stderr",
	}
	if cfg.EnableFileLogging {
		lc.Output = cfg.LogFile
		lc.FilePath = cfg.LogFile
		lc.EnableAsync = true
	}
	return logging.NewLogger(lc)
}

// buildAgent wires the persistence stores and the facade on top of the
// container singletons. An empty DATABASE_URL keeps everything file-backed.
// withPrompt enables terminal captcha entry when the solver gives up; worker
// processes have no terminal and pass false.
func buildAgent(c *container.Container, cfg *config.Config, lg *logging.Logger, withPrompt bool) (*facade.Agent, *database.DB) {
	var (
		store    *credstore.Store
		registry *credstore.Registry
		super    *supervisor.Supervisor
		notify   *notifier.Notifier
	)
	if err := c.Resolve(&store); err != nil {
		lg.Fatal("credential store init failed", err)
	}
	if err := c.Resolve(&registry); err != nil {
		lg.Fatal("registry init failed", err)
	}
	if err := c.Resolve(&super); err != nil {
		lg.Fatal("supervisor init failed", err)
	}
	if err := c.Resolve(&notify); err != nil {
		lg.Fatal("notifier init failed", err)
	}

	var (
		db       *database.DB
		recStore records.Store
		evStore  events.EventStore
		err      error
	)
	if cfg.DatabaseURL != "" {
		db, err = database.New(cfg.DatabaseURL, cfg)
		if err != nil {
			lg.Fatal("database init failed", err)
		}
		recStore, err = records.NewSQLStore(db)
		if err != nil {
			lg.Fatal("record store init failed", err)
		}
		evStore, err = events.NewSQLEventStore(db)
		if err != nil {
			lg.Fatal("event store init failed", err)
		}
	} else {
		recStore, err = records.NewFileStore(filepath.Join(cfg.DataDir, "booking_records.jsonl"))
		if err != nil {
			lg.Fatal("record store init failed", err)
		}
		evStore, err = events.NewFileEventStore(filepath.Join(cfg.DataDir, "events.jsonl"))
		if err != nil {
			lg.Fatal("event store init failed", err)
		}
	}

	var solver authenticator.Solver
	if cfg.OpenAIAPIKey != "" {
		vs, err := authenticator.NewVisionSolver(cfg.OpenAIAPIKey, os.Getenv("OPENAI_BASE_URL"), cfg.OpenAIModel)
		if err != nil {
			lg.Fatal("captcha solver init failed", err)
		}
		solver = vs
	}
	var fallback authenticator.HumanFallback
	if withPrompt {
		fallback = &authenticator.PromptFallback{}
	}

	agent, err := facade.New(facade.Deps{
		Config:     cfg,
		Log:        lg,
		Store:      store,
		Registry:   registry,
		Supervisor: super,
		Notifier:   notify,
		Records:    recStore,
		Events:     evStore,
		Solver:     solver,
		Fallback:   fallback,
	})
	if err != nil {
		lg.Fatal("agent init failed", err)
	}
	return agent, db
}

// runWorker is the child-process entrypoint spawned by the supervisor.
func runWorker(cfg *config.Config, lg *logging.Logger, c *container.Container, jobsDir, jobID string) {
	if jobID == "" {
		lg.Fatal("worker started without --job", nil)
	}
	_ = c.Provide(func(lg *logging.Logger) (*supervisor.Supervisor, error) {
		return supervisor.New(jobsDir, lg)
	}, true)
	agent, db := buildAgent(c, cfg, lg, false)
	if db != nil {
		defer db.Close()
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := agent.RunWorker(ctx, jobID); err != nil {
		lg.Error("worker failed", err, logging.JobID(jobID))
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func dispatch(ctx context.Context, agent *facade.Agent, cfg *config.Config, lg *logging.Logger, db *database.DB, command string, args []string) error {
	switch command {
	case "login":
		return cmdLogin(ctx, agent, args)
	case "users":
		return cmdUsers(agent)
	case "use":
		return cmdUse(agent, args)
	case "logout":
		return cmdLogout(agent, args)
	case "slots":
		return cmdSlots(ctx, agent, args)
	case "order":
		return cmdOrder(ctx, agent, args)
	case "monitor":
		return cmdMonitor(agent, args)
	case "schedule":
		return cmdSchedule(agent, args)
	case "jobs":
		return cmdJobs(agent, args)
	case "records":
		return cmdRecords(ctx, agent, args)
	case "stats":
		return cmdStats(ctx, agent, args)
	case "serve":
		return cmdServe(ctx, agent, cfg, lg, db)
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `sports booking agent

commands:
  login     log an account in (automatic captcha, or -interactive)
  users     list stored accounts
  use       mark the active account
  logout    remove one account (-all removes every account)
  slots     show the slot grid for a target
  order     book one slot immediately
  monitor   create a background availability monitor
  schedule  create a daily precise-time booking job
  jobs      list/start/stop/pause/resume/delete/logs/cleanup background jobs
  records   show recent booking records
  stats     per-account booking statistics from the event stream
  serve     run session keep-alive and the health endpoint in the foreground
`)
}

func cmdLogin(ctx context.Context, agent *facade.Agent, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	user := fs.String("u", "", "jAccount username")
	pass := fs.String("p", "", "password")
	interactive := fs.Bool("interactive", false, "read the captcha from the terminal instead of solving it")
	fs.Parse(args)
	if *user == "" || *pass == "" {
		return fmt.Errorf("login needs -u and -p")
	}

	if !*interactive {
		key, err := agent.Login(ctx, *user, *pass)
		if err != nil {
			return err
		}
		fmt.Println("logged in as", key)
		return nil
	}

	sess, err := agent.BeginLogin(ctx, *user, *pass)
	if err != nil {
		return err
	}
	for {
		path := filepath.Join(os.TempDir(), "sports-captcha.png")
		if err := os.WriteFile(path, sess.Captcha, 0o600); err != nil {
			return err
		}
		fmt.Printf("captcha image written to %s\nenter code (empty = new image): ", path)
		var code string
		fmt.Scanln(&code)
		if code == "" {
			img, err := agent.RefreshCaptcha(ctx, sess.ID)
			if err != nil {
				return err
			}
			sess.Captcha = img
			continue
		}
		key, err := agent.CompleteLogin(ctx, sess.ID, *user, code)
		if err == nil {
			fmt.Println("logged in as", key)
			return nil
		}
		fmt.Fprintln(os.Stderr, "login failed:", err)
		// a wrong captcha keeps the session; anything else is final
		img, rerr := agent.RefreshCaptcha(ctx, sess.ID)
		if rerr != nil {
			return err
		}
		sess.Captcha = img
	}
}

func cmdUsers(agent *facade.Agent) error {
	users := agent.Users()
	if len(users) == 0 {
		fmt.Println("no stored accounts")
		return nil
	}
	for _, u := range users {
		marker := " "
		if u.Active {
			marker = "*"
		}
		name := u.Key
		if u.Nickname != "" && u.Nickname != u.Key {
			name += " (" + u.Nickname + ")"
		}
		fmt.Printf("%s %s  expires %s\n", marker, name, u.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func cmdUse(agent *facade.Agent, args []string) error {
	fs := flag.NewFlagSet("use", flag.ExitOnError)
	key := fs.String("u", "", "account key")
	fs.Parse(args)
	if *key == "" && fs.NArg() > 0 {
		*key = fs.Arg(0)
	}
	ok, err := agent.SetActiveUser(*key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no such account %q", *key)
	}
	fmt.Println("active account:", *key)
	return nil
}

func cmdLogout(agent *facade.Agent, args []string) error {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	key := fs.String("u", "", "account key")
	all := fs.Bool("all", false, "remove every stored account")
	fs.Parse(args)
	if *all {
		return agent.ClearUsers()
	}
	if *key == "" && fs.NArg() > 0 {
		*key = fs.Arg(0)
	}
	ok, err := agent.RemoveUser(*key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no such account %q", *key)
	}
	return nil
}

// targetFlags is the shared venue/field selection surface of slots, order,
// monitor, and schedule.
type targetFlags struct {
	preset    *int
	venueID   *string
	venue     *string
	fieldID   *string
	field     *string
	fieldCode *string
	users     *string
	exclude   *string
}

func addTargetFlags(fs *flag.FlagSet) *targetFlags {
	return &targetFlags{
		preset:    fs.Int("preset", 0, "preset index from the catalogue (0 = unset)"),
		venueID:   fs.String("venue-id", "", "venue id"),
		venue:     fs.String("venue", "", "venue name keyword"),
		fieldID:   fs.String("field-id", "", "field type id"),
		field:     fs.String("field", "", "field type keyword"),
		fieldCode: fs.String("field-code", "", "field type code"),
		users:     fs.String("users", "", "comma-separated account keys to book for"),
		exclude:   fs.String("exclude", "", "comma-separated account keys to skip"),
	}
}

func (tf *targetFlags) target() models.BookingTarget {
	t := models.BookingTarget{
		VenueID:          *tf.venueID,
		VenueKeyword:     *tf.venue,
		FieldTypeID:      *tf.fieldID,
		FieldTypeKeyword: *tf.field,
		FieldTypeCode:    *tf.fieldCode,
		TargetUsers:      splitCSV(*tf.users),
		ExcludeUsers:     splitCSV(*tf.exclude),
		StartHour:        -1,
	}
	if *tf.preset > 0 {
		p := *tf.preset
		t.Preset = &p
	}
	return t
}

func cmdSlots(ctx context.Context, agent *facade.Agent, args []string) error {
	fs := flag.NewFlagSet("slots", flag.ExitOnError)
	tf := addTargetFlags(fs)
	date := fs.String("date", "", "YYYY-MM-DD or day offset (default today)")
	at := fs.String("time", "", "start hour filter, H or HH:MM")
	allDates := fs.Bool("all-dates", false, "every date the venue currently opens")
	fs.Parse(args)

	target := tf.target()
	target.UseAllDates = *allDates
	if !*allDates {
		d, err := facade.ParseDate(*date, time.Now())
		if err != nil {
			return err
		}
		target.FixedDates = []string{d}
	}
	hour, err := facade.ParseStartHour(*at)
	if err != nil {
		return err
	}
	target.StartHour = hour

	res, days, err := agent.ListSlots(ctx, target)
	if err != nil {
		return err
	}
	fmt.Printf("%s / %s\n", res.VenueName, res.FieldTypeName)
	for _, day := range days {
		fmt.Println(day.Date + ":")
		if len(day.Slots) == 0 {
			fmt.Println("  (no slots)")
			continue
		}
		for _, s := range day.Slots {
			state := "可约"
			if !s.Available {
				state = "已满"
			}
			fmt.Printf("  %s-%s  %-8s 余%-3d ¥%-6.0f %s\n", s.Start, s.End, s.FieldName, s.Remain, s.Price, state)
		}
	}
	return nil
}

func cmdOrder(ctx context.Context, agent *facade.Agent, args []string) error {
	fs := flag.NewFlagSet("order", flag.ExitOnError)
	tf := addTargetFlags(fs)
	date := fs.String("date", "", "YYYY-MM-DD or day offset (default today)")
	at := fs.String("time", "", "start hour, H or HH:MM")
	end := fs.String("end", "", "end hour, H or HH:MM")
	allUsers := fs.Bool("all-users", false, "book one slot per stored account")
	gap := fs.Int("gap", 0, "max start-hour spread between accounts' slots")
	fs.Parse(args)

	outcome, err := agent.OrderOnce(ctx, facade.OrderRequest{
		Target: tf.target(),
		Date:   *date,
		Time:   *at,
		End:    *end,
		Policy: booker.Policy{
			RequireAllUsersSuccess: *allUsers,
			MaxTimeGapHours:        *gap,
		},
	})
	if err != nil {
		return err
	}
	for _, att := range outcome.Attempts {
		if att.Err == nil {
			fmt.Printf("booked: %s %s-%s %s (order %s)\n",
				att.User, att.Intent.Start, att.Intent.End, att.Intent.FieldName, att.OrderID)
		} else {
			fmt.Printf("failed: %s %s-%s: %s\n", att.User, att.Intent.Start, att.Intent.End, att.ErrText)
		}
	}
	if outcome.Succeeded == 0 {
		return fmt.Errorf("no booking succeeded")
	}
	return nil
}

func cmdMonitor(agent *facade.Agent, args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	tf := addTargetFlags(fs)
	interval := fs.Int("interval", 0, "poll interval in seconds")
	autoBook := fs.Bool("auto-book", false, "book automatically when a slot opens")
	allUsers := fs.Bool("all-users", false, "auto-booking must land one slot per account")
	gap := fs.Int("gap", 0, "max start-hour spread between accounts' slots")
	window := fs.String("window", "", "operating window HH-HH, e.g. 8-22")
	hours := fs.String("hours", "", "preferred start hours, e.g. 18,19,20")
	days := fs.String("days", "", "preferred weekdays, e.g. fri,sat")
	offsets := fs.String("date-offsets", "1", "day offsets to watch, e.g. 1,2")
	allDates := fs.Bool("all-dates", false, "watch every open date")
	name := fs.String("name", "", "job name")
	start := fs.Bool("start", true, "start the worker immediately")
	fs.Parse(args)

	target := tf.target()
	target.UseAllDates = *allDates
	if !*allDates {
		offs, err := splitInts(*offsets)
		if err != nil {
			return err
		}
		target.DateOffsets = offs
	}

	st := models.MonitorState{
		Target:                 target,
		IntervalSeconds:        *interval,
		AutoBook:               *autoBook,
		RequireAllUsersSuccess: *allUsers,
		MaxTimeGapHours:        *gap,
		PreferredDays:          splitCSV(strings.ToLower(*days)),
	}
	if *hours != "" {
		hs, err := splitInts(*hours)
		if err != nil {
			return err
		}
		st.PreferredHours = hs
	}
	if *window != "" {
		var from, to int
		if _, err := fmt.Sscanf(*window, "%d-%d", &from, &to); err != nil {
			return fmt.Errorf("bad -window %q, want HH-HH", *window)
		}
		st.OperatingWindow = &models.OperatingWindow{StartHour: from, EndHour: to}
	}

	job, err := agent.CreateMonitor(st, *name, *start)
	if err != nil {
		return err
	}
	fmt.Printf("monitor job %s (%s) %s\n", job.ID, job.Name, job.Status)
	return nil
}

func cmdSchedule(agent *facade.Agent, args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	tf := addTargetFlags(fs)
	at := fs.String("at", "12:00:00", "daily fire time HH:MM:SS")
	offset := fs.Int("date-offset", 2, "book today+N")
	hours := fs.String("hours", "", "start hours to shoot in parallel, e.g. 18,19")
	duration := fs.Int("duration", 1, "slot length in hours")
	allUsers := fs.Bool("all-users", false, "require one slot per account")
	gap := fs.Int("gap", 0, "max start-hour spread between accounts' slots")
	name := fs.String("name", "", "job name")
	start := fs.Bool("start", true, "start the worker immediately")
	fs.Parse(args)

	var h, m, s int
	if _, err := fmt.Sscanf(*at, "%d:%d:%d", &h, &m, &s); err != nil {
		return fmt.Errorf("bad -at %q, want HH:MM:SS", *at)
	}

	st := models.ScheduleState{
		Target:                 tf.target(),
		Hour:                   h,
		Minute:                 m,
		Second:                 s,
		DateOffset:             *offset,
		DurationHours:          *duration,
		RequireAllUsersSuccess: *allUsers,
		MaxTimeGapHours:        *gap,
	}
	if *hours != "" {
		hs, err := splitInts(*hours)
		if err != nil {
			return err
		}
		st.StartHours = hs
	}

	job, err := agent.CreateSchedule(st, *name, *start)
	if err != nil {
		return err
	}
	fmt.Printf("schedule job %s (%s) %s\n", job.ID, job.Name, job.Status)
	return nil
}

func cmdJobs(agent *facade.Agent, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
		args = args[1:]
	}
	switch sub {
	case "list":
		var typ models.JobType
		if len(args) > 0 {
			typ = models.JobType(args[0])
		}
		jobs, err := agent.Jobs(typ)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("no jobs")
			return nil
		}
		for _, j := range jobs {
			line := fmt.Sprintf("%-3s %-12s %-10s %s", j.ID, j.Type, j.Status, j.Name)
			if j.ErrorMessage != "" {
				line += "  [" + j.ErrorMessage + "]"
			}
			fmt.Println(line)
		}
		return nil
	case "show":
		if len(args) == 0 {
			return fmt.Errorf("jobs show needs an id")
		}
		job, err := agent.Job(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	case "start", "stop", "pause", "resume":
		if len(args) == 0 {
			return fmt.Errorf("jobs %s needs an id", sub)
		}
		var (
			job models.Job
			err error
		)
		switch sub {
		case "start":
			job, err = agent.StartJob(args[0])
		case "stop":
			job, err = agent.StopJob(args[0])
		case "pause":
			job, err = agent.PauseMonitor(args[0])
		case "resume":
			job, err = agent.ResumeMonitor(args[0])
		}
		if err != nil {
			return err
		}
		fmt.Printf("job %s %s\n", job.ID, job.Status)
		return nil
	case "delete":
		fs := flag.NewFlagSet("jobs delete", flag.ExitOnError)
		all := fs.Bool("all", false, "delete every matching job")
		typ := fs.String("type", "", "restrict -all to one job type")
		force := fs.Bool("force", false, "delete running jobs too")
		fs.Parse(args)
		if *all {
			n, err := agent.DeleteAllJobs(models.JobType(*typ), *force)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d jobs\n", n)
			return nil
		}
		if fs.NArg() == 0 {
			return fmt.Errorf("jobs delete needs an id or -all")
		}
		return agent.DeleteJob(fs.Arg(0))
	case "logs":
		if len(args) == 0 {
			return fmt.Errorf("jobs logs needs an id")
		}
		n := 50
		if len(args) > 1 {
			if v, err := strconv.Atoi(args[1]); err == nil {
				n = v
			}
		}
		lines, err := agent.JobLogs(args[0], n)
		if err != nil {
			return err
		}
		for _, l := range lines {
			fmt.Println(l)
		}
		return nil
	case "cleanup":
		n, err := agent.CleanupJobs()
		if err != nil {
			return err
		}
		fmt.Printf("removed %d finished jobs\n", n)
		return nil
	default:
		return fmt.Errorf("unknown jobs subcommand %q", sub)
	}
}

func cmdRecords(ctx context.Context, agent *facade.Agent, args []string) error {
	fs := flag.NewFlagSet("records", flag.ExitOnError)
	n := fs.Int("n", 20, "how many records to show")
	fs.Parse(args)

	recs, err := agent.Records(ctx, *n)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no booking records")
		return nil
	}
	for _, r := range recs {
		status := "✓"
		if r.Status != "success" {
			status = "✗"
		}
		fmt.Printf("%s %s %s %s-%s %s/%s %s %s\n", status,
			r.CreatedAt.Format("2006-01-02 15:04"), r.Date, r.Start, r.End,
			r.VenueName, r.FieldTypeName, r.UserKey, r.Message)
	}
	return nil
}

func cmdStats(ctx context.Context, agent *facade.Agent, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	user := fs.String("u", "", "limit to one account")
	fs.Parse(args)

	sums, err := agent.EventSummaries(ctx, *user)
	if err != nil {
		return err
	}
	if len(sums) == 0 {
		fmt.Println("no events recorded")
		return nil
	}
	for _, s := range sums {
		fmt.Printf("%s: %d logins, %d orders (%d ok, %d failed), %d slots spotted\n",
			s.User, s.Logins, s.OrdersPlaced, s.OrdersOK, s.OrdersFailed, s.SlotsSpotted)
		if s.LastSuccess != nil {
			fmt.Printf("  last success %s\n", s.LastSuccess.Format(time.RFC3339))
		}
		if s.LastFailure != "" {
			fmt.Printf("  last failure: %s\n", s.LastFailure)
		}
	}
	return nil
}

// cmdServe runs the keep-alive refresher and the health/metrics endpoint in
// the foreground until interrupted. Background jobs keep running either way;
// serve exists for deployments that want the agent resident.
func cmdServe(ctx context.Context, agent *facade.Agent, cfg *config.Config, lg *logging.Logger, db *database.DB) error {
	manager := health.NewManager(10*time.Second, lg)
	manager.Register(health.NewUpstreamChecker(cfg.BaseURL, "booking_platform", cfg.HTTPTimeout))
	manager.Register(health.NewFileChecker(cfg.CredentialPath, "credential_store"))
	if db != nil {
		manager.Register(health.NewDatabaseChecker(db.Conn(), "database"))
	}

	metricsPath := ""
	if cfg.MetricsEnabled {
		metricsPath = cfg.MetricsPath
	}
	srv := health.NewServer(manager, health.ServerOptions{
		Addr:            ":" + cfg.HealthCheckPort,
		HealthPath:      cfg.HealthCheckPath,
		MetricsPath:     metricsPath,
		EnableProfiling: cfg.ProfilingEnabled,
		Log:             lg,
	})
	srv.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(shutdownCtx)
	}()

	if err := agent.ReconcileJobs(); err != nil {
		lg.Warn("job reconcile failed", logging.Error(err))
	}
	if _, err := agent.EnsureKeepAlive(); err != nil {
		lg.Warn("keep-alive job not started", logging.Error(err))
	}

	lg.Info("agent resident", logging.String("health_port", cfg.HealthCheckPort))
	<-ctx.Done()
	return nil
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitInts(v string) ([]int, error) {
	var out []int
	for _, p := range splitCSV(v) {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad number %q in %q", p, v)
		}
		out = append(out, n)
	}
	return out, nil
}
