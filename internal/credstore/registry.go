package credstore

import (
	"sort"
	"sync"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
)

// Registry is the in-memory user view shared by booking paths. Only the
// store load and the keep-alive refresh update it; readers tolerate lagging
// the latest refresh by up to one keep-alive interval.
type Registry struct {
	mu     sync.RWMutex
	users  map[string]models.User
	active string
}

func NewRegistry() *Registry {
	return &Registry{users: map[string]models.User{}}
}

// SyncFromStore replaces the registry contents with the store's snapshot.
func (r *Registry) SyncFromStore(s *Store) {
	records, active := s.LoadAll()
	users := make(map[string]models.User, len(records))
	for key, rec := range records {
		users[key] = models.User{
			Username:        rec.Username,
			Nickname:        rec.Nickname,
			Cookie:          rec.Cookie,
			CookieExpiresAt: rec.ExpiresAt,
		}
	}
	r.mu.Lock()
	r.users = users
	r.active = active
	r.mu.Unlock()
}

// Get returns one user by key, or the active user for an empty key.
func (r *Registry) Get(key string) (models.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if key == "" {
		key = r.active
	}
	if key == "" && len(r.users) == 1 {
		for k := range r.users {
			key = k
		}
	}
	u, ok := r.users[key]
	return u, ok
}

// ActiveKey returns the active user marker, possibly empty.
func (r *Registry) ActiveKey() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Eligible returns users holding valid cookies at now, minus excluded keys,
// intersected with target keys when the target list is non-empty. The result
// is sorted by key for deterministic booking order.
func (r *Registry) Eligible(now time.Time, targetUsers, excludeUsers []string) []models.User {
	excluded := map[string]bool{}
	for _, k := range excludeUsers {
		excluded[k] = true
	}
	targeted := map[string]bool{}
	for _, k := range targetUsers {
		targeted[k] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.User, 0, len(r.users))
	for key, u := range r.users {
		if !u.CookieValid(now) {
			continue
		}
		if excluded[key] {
			continue
		}
		if len(targeted) > 0 && !targeted[key] {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Keys lists every registered user key, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.users))
	for k := range r.users {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
