package facade

import (
	"context"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/authenticator"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/events"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
)

// UserInfo is one stored account as shown to the operator.
type UserInfo struct {
	Key       string    `json:"key"`
	Nickname  string    `json:"nickname,omitempty"`
	Active    bool      `json:"active"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login performs the full automatic CAS flow (captcha solved by the
// configured vision model) and stores the resulting cookie.
func (a *Agent) Login(ctx context.Context, username, password string) (string, error) {
	res, err := a.auth.Login(ctx, username, password)
	if err != nil {
		return "", err
	}
	return a.adopt(ctx, username, res)
}

// BeginLogin starts an interactive login and returns the session plus the
// captcha image for the operator to read.
func (a *Agent) BeginLogin(ctx context.Context, username, password string) (*authenticator.LoginSession, error) {
	return a.sessions.Begin(ctx, username, password)
}

// RefreshCaptcha fetches a new captcha image for an interactive session.
func (a *Agent) RefreshCaptcha(ctx context.Context, sessionID string) ([]byte, error) {
	return a.sessions.RefreshCaptcha(ctx, sessionID)
}

// CompleteLogin submits the operator's captcha code. A wrong code keeps the
// session alive so the caller can retry with a fresh image.
func (a *Agent) CompleteLogin(ctx context.Context, sessionID, username, code string) (string, error) {
	res, err := a.sessions.Complete(ctx, sessionID, code)
	if err != nil {
		return "", err
	}
	return a.adopt(ctx, username, res)
}

// AbandonLogin drops an interactive session.
func (a *Agent) AbandonLogin(sessionID string) { a.sessions.Abandon(sessionID) }

// adopt stores a fresh cookie and records the login.
func (a *Agent) adopt(ctx context.Context, username string, res *authenticator.Result) (string, error) {
	nickname := ""
	// the platform profile gives us the display name when the cookie works
	if api, err := a.apiFor(models.User{Username: username, Cookie: res.CookieHeader, CookieExpiresAt: res.ExpiresAt}); err == nil {
		if profile, authed, perr := api.CheckLogin(ctx); perr == nil && authed {
			if v, ok := profile["nickname"].(string); ok {
				nickname = v
			} else if v, ok := profile["name"].(string); ok {
				nickname = v
			}
		}
	}

	key, err := a.store.Save(res.CookieHeader, res.ExpiresAt, username, nickname)
	if err != nil {
		return "", err
	}
	a.registry.SyncFromStore(a.store)

	if a.events != nil {
		_ = a.events.Append(ctx, events.LoginSucceeded{
			Base:      events.Base{Ts: time.Now(), UserKey: key},
			ExpiresAt: res.ExpiresAt,
		})
	}
	if a.clog != nil {
		a.clog.Info("login stored", logging.User(key), logging.Time("expires_at", res.ExpiresAt))
	}
	return key, nil
}

// Users lists stored accounts, expired ones included for visibility.
func (a *Agent) Users() []UserInfo {
	recs, active := a.store.LoadAll()
	out := make([]UserInfo, 0, len(recs))
	for key, rec := range recs {
		out = append(out, UserInfo{
			Key:       key,
			Nickname:  rec.Nickname,
			Active:    key == active,
			ExpiresAt: rec.ExpiresAt,
		})
	}
	return out
}

// SetActiveUser marks the account subsequent single-user operations use.
func (a *Agent) SetActiveUser(key string) (bool, error) {
	ok, err := a.store.SetActive(key)
	if err == nil && ok {
		a.registry.SyncFromStore(a.store)
	}
	return ok, err
}

// RemoveUser drops one stored account.
func (a *Agent) RemoveUser(key string) (bool, error) {
	ok, err := a.store.Delete(key)
	if err == nil && ok {
		a.registry.SyncFromStore(a.store)
	}
	return ok, err
}

// ClearUsers wipes every stored account.
func (a *Agent) ClearUsers() error {
	if err := a.store.Clear(); err != nil {
		return err
	}
	a.registry.SyncFromStore(a.store)
	return nil
}

// CheckSession probes whether the given (or active) account's cookie still
// authenticates.
func (a *Agent) CheckSession(ctx context.Context, key string) (bool, error) {
	a.registry.SyncFromStore(a.store)
	user, ok := a.registry.Get(key)
	if !ok {
		return false, nil
	}
	if !user.CookieValid(time.Now()) {
		return false, nil
	}
	api, err := a.apiFor(user)
	if err != nil {
		return false, err
	}
	_, authed, err := api.CheckLogin(ctx)
	return authed, err
}
