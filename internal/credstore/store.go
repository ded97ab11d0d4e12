// Package credstore persists per-user session cookies with TTL and the
// single "active user" marker. The store owns its file exclusively: all
// mutations go through it, readers receive snapshot copies.
package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
)

const fileVersion = 2

// DefaultTTL applies when a caller saves a cookie without an expiry.
const DefaultTTL = 4 * time.Hour

// Record is one stored cookie entry.
type Record struct {
	Cookie    string    `json:"cookie"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Username  string    `json:"username,omitempty"`
	Nickname  string    `json:"nickname,omitempty"`
}

func (r Record) key() string {
	if r.Username != "" {
		return r.Username
	}
	if r.Nickname != "" {
		return r.Nickname
	}
	return models.DefaultUserKey
}

type fileShape struct {
	Version    int               `json:"version"`
	ActiveUser string            `json:"active_user,omitempty"`
	Cookies    map[string]Record `json:"cookies"`
}

// legacyShape is the pre-v2 single-cookie layout.
type legacyShape struct {
	Cookie    string `json:"cookie"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Nickname  string `json:"nickname,omitempty"`
}

// Store is the single-writer credential file owner.
type Store struct {
	mu     sync.RWMutex
	path   string
	secret []byte // non-nil enables at-rest encryption
	ttl    time.Duration
	log    *logging.ComponentLogger

	data fileShape
}

// New opens (or creates) the credential store at path. A non-empty secret
// enables AES-256-GCM encryption of the file body; the key is the SHA-256 of
// the secret. Expired entries are evicted immediately and the file rewritten.
func New(path, secret string, ttl time.Duration, log *logging.Logger) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		path: path,
		ttl:  ttl,
		log:  log.WithComponent("credstore"),
		data: fileShape{Version: fileVersion, Cookies: map[string]Record{}},
	}
	if secret != "" {
		sum := sha256.Sum256([]byte(secret))
		s.secret = sum[:]
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadAll returns a snapshot of every non-expired record plus the active key.
func (s *Store) LoadAll() (map[string]Record, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.data.Cookies))
	for k, v := range s.data.Cookies {
		out[k] = v
	}
	return out, s.data.ActiveUser
}

// Load returns the record for userKey, or for the active user when userKey is
// empty. An absent or expired record yields AuthExpiredError.
func (s *Store) Load(userKey string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := userKey
	if key == "" {
		key = s.data.ActiveUser
	}
	if key == "" {
		// fall back to the sole record, if exactly one exists
		if len(s.data.Cookies) == 1 {
			for k := range s.data.Cookies {
				key = k
			}
		}
	}
	rec, ok := s.data.Cookies[key]
	if !ok {
		return Record{}, apperrors.NewAuthExpired("credstore.Load", key)
	}
	if !time.Now().Before(rec.ExpiresAt) {
		return Record{}, apperrors.NewAuthExpired("credstore.Load", key)
	}
	return rec, nil
}

// Save upserts a cookie. A zero expiresAt means now+TTL. The first saved
// record becomes the active user when none is marked yet.
func (s *Store) Save(cookie string, expiresAt time.Time, username, nickname string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.ttl)
	}
	rec := Record{
		Cookie:    cookie,
		ExpiresAt: expiresAt,
		UpdatedAt: now,
		Username:  username,
		Nickname:  nickname,
	}
	key := rec.key()
	s.data.Cookies[key] = rec
	if s.data.ActiveUser == "" {
		s.data.ActiveUser = key
	}
	if err := s.persistLocked(); err != nil {
		return "", err
	}
	s.log.Info("cookie saved", logging.User(key), logging.Time("expires_at", expiresAt))
	return key, nil
}

// SetActive marks userKey as the active user. An empty key clears the marker.
// Returns false when the key is unknown.
func (s *Store) SetActive(userKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userKey != "" {
		if _, ok := s.data.Cookies[userKey]; !ok {
			return false, nil
		}
	}
	s.data.ActiveUser = userKey
	return true, s.persistLocked()
}

// Delete removes one record. Deleting the active user clears the marker.
func (s *Store) Delete(userKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Cookies[userKey]; !ok {
		return false, nil
	}
	delete(s.data.Cookies, userKey)
	if s.data.ActiveUser == userKey {
		s.data.ActiveUser = ""
	}
	return true, s.persistLocked()
}

// Clear wipes every record.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Cookies = map[string]Record{}
	s.data.ActiveUser = ""
	return s.persistLocked()
}

// RefreshTTL extends one record's expiry (used by the keep-alive loop). The
// optional newCookie replaces the stored header when the server rotated it.
func (s *Store) RefreshTTL(userKey string, until time.Time, newCookie string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data.Cookies[userKey]
	if !ok {
		return apperrors.NewAuthExpired("credstore.RefreshTTL", userKey)
	}
	rec.ExpiresAt = until
	rec.UpdatedAt = time.Now()
	if newCookie != "" {
		rec.Cookie = newCookie
	}
	s.data.Cookies[userKey] = rec
	return s.persistLocked()
}

// Path returns the backing file location (for health checks).
func (s *Store) Path() string { return s.path }

// load reads the file, migrating legacy layouts and evicting expired entries.
func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("credstore: read %s: %w", s.path, err)
	}
	if len(raw) == 0 {
		return nil
	}

	body := raw
	if s.secret != nil {
		if dec, derr := s.decrypt(strings.TrimSpace(string(raw))); derr == nil {
			body = dec
		}
		// fall through with plaintext body: the file may predate encryption
	}

	var shape fileShape
	if err := json.Unmarshal(body, &shape); err == nil && shape.Version >= fileVersion && shape.Cookies != nil {
		s.data = shape
	} else if migrated, ok := migrateLegacy(body); ok {
		s.data = migrated
		s.log.Info("migrated legacy credential file", logging.Int("records", len(migrated.Cookies)))
	} else {
		return fmt.Errorf("credstore: unrecognized credential file %s", s.path)
	}

	evicted := 0
	now := time.Now()
	for k, rec := range s.data.Cookies {
		if !now.Before(rec.ExpiresAt) {
			delete(s.data.Cookies, k)
			if s.data.ActiveUser == k {
				s.data.ActiveUser = ""
			}
			evicted++
		}
	}
	if evicted > 0 {
		s.log.Info("evicted expired cookies", logging.Int("count", evicted))
	}
	// rewrite so eviction and migration are durable
	return s.persistLocked()
}

// migrateLegacy converts the single-cookie layout into the v2 multi-user
// shape. Entries without an expiry are dropped rather than guessed.
func migrateLegacy(body []byte) (fileShape, bool) {
	out := fileShape{Version: fileVersion, Cookies: map[string]Record{}}

	var legacy legacyShape
	if err := json.Unmarshal(body, &legacy); err == nil && legacy.Cookie != "" {
		if legacy.ExpiresAt == "" {
			return out, true // drop the undated cookie, keep an empty store
		}
		ts, err := time.Parse(time.RFC3339, legacy.ExpiresAt)
		if err != nil {
			return out, true
		}
		rec := Record{
			Cookie:    legacy.Cookie,
			ExpiresAt: ts,
			UpdatedAt: time.Now(),
			Nickname:  legacy.Nickname,
		}
		key := rec.key()
		out.Cookies[key] = rec
		out.ActiveUser = key
		return out, true
	}
	return out, false
}

func (s *Store) persistLocked() error {
	body, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if s.secret != nil {
		enc, err := s.encrypt(body)
		if err != nil {
			return err
		}
		body = []byte(enc)
	}
	return atomicWrite(s.path, body)
}

// atomicWrite replaces path via a temp file + rename so readers never observe
// a partial file.
func atomicWrite(path string, body []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".cred-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (s *Store) encrypt(plain []byte) (string, error) {
	block, err := aes.NewCipher(s.secret)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Store) decrypt(blob string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(s.secret)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("credstore: ciphertext too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}
