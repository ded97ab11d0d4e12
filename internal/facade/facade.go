// Package facade is the composition surface every entrypoint drives: the CLI
// commands and the worker processes both talk to an Agent rather than wiring
// clients, stores, and runtimes themselves.
package facade

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/authenticator"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/booker"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/bookingapi"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/credstore"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/httpclient"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/notifier"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/protocol"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/records"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/resolver"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/supervisor"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/config"
	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/events"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
)

// Deps are the externally constructed singletons an Agent runs on.
type Deps struct {
	Config     *config.Config
	Log        *logging.Logger
	Store      *credstore.Store
	Registry   *credstore.Registry
	Supervisor *supervisor.Supervisor
	Notifier   *notifier.Notifier
	Records    records.Store
	Events     events.EventStore
	Solver     authenticator.Solver        // nil disables automatic captcha solving
	Fallback   authenticator.HumanFallback // nil disables manual captcha entry
}

// Agent ties authentication, booking, persistence, and job supervision
// together behind one API.
type Agent struct {
	cfg       *config.Config
	log       *logging.Logger
	clog      *logging.ComponentLogger
	store     *credstore.Store
	registry  *credstore.Registry
	super     *supervisor.Supervisor
	notify    *notifier.Notifier
	records   records.Store
	events    events.EventStore
	catalogue models.Catalogue

	codec      *protocol.Codec // nil until an order key is configured
	classifier bookingapi.Classifier

	auth     *authenticator.Authenticator
	sessions *authenticator.SessionManager
	booker   *booker.Booker
}

func New(d Deps) (*Agent, error) {
	cfg := d.Config

	catalogue, err := loadCatalogue(cfg)
	if err != nil {
		return nil, err
	}

	var codec *protocol.Codec
	if cfg.OrderPublicKeyPEM != "" {
		codec, err = protocol.NewCodec(cfg.OrderPublicKeyPEM)
		if err != nil {
			return nil, err
		}
	}

	auth, err := authenticator.New(authenticator.Options{
		BaseURL:             cfg.BaseURL,
		Solver:              d.Solver,
		Fallback:            d.Fallback,
		ConfidenceThreshold: cfg.CaptchaConfidence,
		CookieTTL:           cfg.CredentialTTL,
		UserAgent:           cfg.UserAgent,
		Timeout:             cfg.HTTPTimeout,
		Log:                 d.Log,
	})
	if err != nil {
		return nil, err
	}

	var clog *logging.ComponentLogger
	if d.Log != nil {
		clog = d.Log.WithComponent("agent")
	}
	a := &Agent{
		cfg:       cfg,
		log:       d.Log,
		clog:      clog,
		store:     d.Store,
		registry:  d.Registry,
		super:     d.Supervisor,
		notify:    d.Notifier,
		records:   d.Records,
		events:    d.Events,
		catalogue: catalogue,
		codec:     codec,
		classifier: bookingapi.Classifier{
			FailureKeywords:   cfg.FailureKeywords,
			RateLimitKeywords: cfg.RateLimitKeywords,
		},
		auth:     auth,
		sessions: authenticator.NewSessionManager(auth, d.Log),
	}
	a.booker = booker.New(d.Registry, func(u models.User) (booker.UserAPI, error) {
		return a.apiFor(u)
	}, d.Log)

	a.registry.SyncFromStore(a.store)
	return a, nil
}

// Catalogue exposes the configured presets.
func (a *Agent) Catalogue() models.Catalogue { return a.catalogue }

func (a *Agent) endpoints() bookingapi.Endpoints {
	return bookingapi.Endpoints{
		CurrentUser: a.cfg.CurrentUserPath,
		VenueList:   a.cfg.VenueListPath,
		VenueDetail: a.cfg.VenueDetailPath,
		OpenDates:   a.cfg.OpenDatesPath,
		SlotQuery:   a.cfg.SlotQueryPath,
		Order:       a.cfg.OrderPath,
	}
}

// apiFor builds the API surface bound to one user's cookie.
func (a *Agent) apiFor(user models.User) (*bookingapi.API, error) {
	client, err := httpclient.New(httpclient.Options{
		BaseURL:      a.cfg.BaseURL,
		CookieHeader: user.Cookie,
		UserAgent:    a.cfg.UserAgent,
		Timeout:      a.cfg.HTTPTimeout,
		Log:          a.log,
	})
	if err != nil {
		return nil, err
	}
	return bookingapi.New(bookingapi.Options{
		Client:     client,
		Endpoints:  a.endpoints(),
		Codec:      a.codec,
		Classifier: a.classifier,
		MaxRetries: a.cfg.MaxOrderRetries,
		Log:        a.log,
	}), nil
}

// newCookieClient builds a bare session client around a stored cookie header.
func (a *Agent) newCookieClient(cookie string) (*httpclient.Client, error) {
	return httpclient.New(httpclient.Options{
		BaseURL:      a.cfg.BaseURL,
		CookieHeader: cookie,
		UserAgent:    a.cfg.UserAgent,
		Timeout:      a.cfg.HTTPTimeout,
		Log:          a.log,
	})
}

// activeAPI returns the active user's API, used for queries that need any
// authenticated session rather than a specific one.
func (a *Agent) activeAPI() (*bookingapi.API, models.User, error) {
	a.registry.SyncFromStore(a.store)
	user, ok := a.registry.Get("")
	if !ok || !user.CookieValid(time.Now()) {
		return nil, models.User{}, apperrors.NewAuthExpired("facade.activeAPI", user.Key())
	}
	api, err := a.apiFor(user)
	if err != nil {
		return nil, models.User{}, err
	}
	return api, user, nil
}

func (a *Agent) newResolver(api resolver.VenueAPI) *resolver.Resolver {
	return resolver.New(api, a.catalogue, a.log)
}

// loadCatalogue reads presets from the YAML file, the JSON env value, or the
// built-in defaults, in that order.
func loadCatalogue(cfg *config.Config) (models.Catalogue, error) {
	if cfg.PresetFile != "" {
		raw, err := os.ReadFile(cfg.PresetFile)
		if err != nil {
			return nil, apperrors.NewConfig("facade.loadCatalogue", "cannot read preset file "+cfg.PresetFile, err)
		}
		var out models.Catalogue
		if err := yaml.Unmarshal(raw, &out); err != nil {
			return nil, apperrors.NewConfig("facade.loadCatalogue", "malformed preset file "+cfg.PresetFile, err)
		}
		return out, nil
	}
	if cfg.PresetJSON != "" {
		var out models.Catalogue
		if err := json.Unmarshal([]byte(cfg.PresetJSON), &out); err != nil {
			return nil, apperrors.NewConfig("facade.loadCatalogue", "malformed PRESET_JSON", err)
		}
		return out, nil
	}
	return builtinCatalogue, nil
}

// builtinCatalogue covers the campus venues the agent is most often pointed
// at; override with PRESET_FILE or PRESET_JSON.
var builtinCatalogue = models.Catalogue{
	{Index: 1, VenueID: "42", VenueName: "气膜体育中心", FieldTypeID: "97", FieldTypeName: "羽毛球"},
	{Index: 2, VenueID: "17", VenueName: "胡法光体育场", FieldTypeID: "51", FieldTypeName: "羽毛球"},
	{Index: 3, VenueID: "17", VenueName: "胡法光体育场", FieldTypeID: "52", FieldTypeName: "网球"},
	{Index: 4, VenueID: "28", VenueName: "南区体育馆", FieldTypeID: "73", FieldTypeName: "乒乓球"},
	{Index: 5, VenueID: "28", VenueName: "南区体育馆", FieldTypeID: "74", FieldTypeName: "篮球"},
}

// ParseDate accepts a literal "YYYY-MM-DD" or an integer offset in days from
// today.
func ParseDate(v string, now time.Time) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return now.Format("2006-01-02"), nil
	}
	if off, err := strconv.Atoi(v); err == nil {
		return now.AddDate(0, 0, off).Format("2006-01-02"), nil
	}
	ts, err := time.ParseInLocation("2006-01-02", v, now.Location())
	if err != nil {
		return "", apperrors.NewConfig("facade.ParseDate",
			fmt.Sprintf("bad date %q, want YYYY-MM-DD or a day offset", v), nil)
	}
	return ts.Format("2006-01-02"), nil
}

// ParseStartHour accepts "18", "8", "18:00", or "08:30" and returns the hour.
// An empty value means no filter (-1).
func ParseStartHour(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return -1, nil
	}
	if i := strings.IndexByte(v, ':'); i >= 0 {
		v = v[:i]
	}
	h, err := strconv.Atoi(v)
	if err != nil || h < 0 || h > 23 {
		return 0, apperrors.NewConfig("facade.ParseStartHour",
			fmt.Sprintf("bad start time %q, want H or HH:MM", v), nil)
	}
	return h, nil
}

// NormalizeTarget applies facade defaults: an unset start hour means no
// filtering rather than midnight.
func NormalizeTarget(t models.BookingTarget) models.BookingTarget {
	if t.StartHour == 0 {
		t.StartHour = -1
	}
	if t.DurationHours <= 0 {
		t.DurationHours = 1
	}
	return t
}
