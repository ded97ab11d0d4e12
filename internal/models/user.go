package models

import "time"

// DefaultUserKey is the map key used when neither username nor nickname is
// known for a stored cookie.
const DefaultUserKey = "__default__"

// User is one platform account the agent books on behalf of.
// Password is stored only when the user opts in to automatic re-login.
type User struct {
	Nickname        string    `json:"nickname,omitempty"`
	Username        string    `json:"username,omitempty"` // stable id, may be email-shaped
	Password        string    `json:"password,omitempty"`
	Cookie          string    `json:"cookie"` // opaque "name=value; ..." header string
	CookieExpiresAt time.Time `json:"cookie_expires_at"`
}

// Key returns the identity used to store this user's record: username when
// known, else nickname, else the default key.
func (u User) Key() string {
	if u.Username != "" {
		return u.Username
	}
	if u.Nickname != "" {
		return u.Nickname
	}
	return DefaultUserKey
}

// Display is the human-facing name used in notifications.
func (u User) Display() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	if u.Username != "" {
		return u.Username
	}
	return DefaultUserKey
}

// CookieValid reports whether the user holds a non-expired cookie at t.
func (u User) CookieValid(t time.Time) bool {
	return u.Cookie != "" && t.Before(u.CookieExpiresAt)
}
