package authenticator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
)

const sessionIdleTTL = 10 * time.Minute

// LoginSession is one human-in-the-loop login: Prepare has run, the captcha
// image is waiting for a code, and the flow state sits server-side keyed by ID.
type LoginSession struct {
	ID       string
	Username string
	Captcha  []byte

	password string
	state    *flowState
	lastSeen time.Time
}

// SessionManager holds in-progress interactive logins. Sessions idle longer
// than ten minutes are collected; completing or abandoning one removes it.
type SessionManager struct {
	auth *Authenticator
	log  *logging.ComponentLogger

	mu       sync.Mutex
	sessions map[string]*LoginSession
}

func NewSessionManager(auth *Authenticator, log *logging.Logger) *SessionManager {
	var clog *logging.ComponentLogger
	if log != nil {
		clog = log.WithComponent("login-session")
	}
	return &SessionManager{
		auth:     auth,
		log:      clog,
		sessions: make(map[string]*LoginSession),
	}
}

// Begin prepares a login flow and returns the session with its captcha image.
// A nil Captcha means the platform let us straight in and Complete can be
// called with an empty code.
func (m *SessionManager) Begin(ctx context.Context, username, password string) (*LoginSession, error) {
	st, img, err := m.auth.Prepare(ctx)
	if err != nil {
		return nil, err
	}
	sess := &LoginSession{
		ID:       uuid.NewString(),
		Username: username,
		Captcha:  img,
		password: password,
		state:    st,
		lastSeen: time.Now(),
	}
	m.mu.Lock()
	m.gcLocked()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return sess, nil
}

// RefreshCaptcha fetches a new image for an open session, for when the human
// cannot read the current one.
func (m *SessionManager) RefreshCaptcha(ctx context.Context, id string) ([]byte, error) {
	sess, err := m.touch(id)
	if err != nil {
		return nil, err
	}
	img, err := m.auth.FetchCaptcha(ctx, sess.state)
	if err != nil {
		return nil, err
	}
	sess.Captcha = img
	return img, nil
}

// Complete submits the human-supplied captcha code. On success the session is
// consumed; on a bad captcha it stays open so the caller can refresh and retry.
func (m *SessionManager) Complete(ctx context.Context, id, code string) (*Result, error) {
	sess, err := m.touch(id)
	if err != nil {
		return nil, err
	}
	res, err := m.auth.Submit(ctx, sess.state, sess.Username, sess.password, code)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrBadCaptcha) {
			return nil, err
		}
		m.drop(id)
		return nil, err
	}
	m.drop(id)
	if m.log != nil {
		m.log.Info("interactive login completed", logging.User(sess.Username))
	}
	return res, nil
}

// Abandon discards an open session.
func (m *SessionManager) Abandon(id string) { m.drop(id) }

func (m *SessionManager) touch(id string) (*LoginSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcLocked()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.NewConfig("authenticator.SessionManager", "unknown or expired login session "+id, nil)
	}
	sess.lastSeen = time.Now()
	return sess, nil
}

func (m *SessionManager) drop(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *SessionManager) gcLocked() {
	cutoff := time.Now().Add(-sessionIdleTTL)
	for id, sess := range m.sessions {
		if sess.lastSeen.Before(cutoff) {
			delete(m.sessions, id)
		}
	}
}
