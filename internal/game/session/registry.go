package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrServerFull is returned by Add when the registry is at capacity.
var ErrServerFull = errors.New("server full")

// DefaultCapacity is the admission cap when none is configured.
const DefaultCapacity = 100

// Key addresses a session by identity. The caller chooses the kind; it is
// never inferred from the shape of a string.
type Key struct {
	id       int
	username string
	byID     bool
}

// ByID addresses a session by its numeric identity.
func ByID(id int) Key { return Key{id: id, byID: true} }

// ByUsername addresses a session by its bound username.
func ByUsername(username string) Key { return Key{username: username} }

// Presence mirrors online status to an external store, best effort.
type Presence interface {
	SetOnline(ctx context.Context, id int, username string) error
	SetOffline(ctx context.Context, id int) error
}

// Registry owns the set of live sessions. It gates admission against the
// capacity cap, indexes bound sessions by id and username, and preserves
// insertion order for iteration and shutdown broadcast.
// All methods are safe for concurrent use.
type Registry struct {
	capacity int
	logger   *zap.Logger
	presence Presence

	mu       sync.RWMutex
	order    []string            // conn ids, insertion order
	byConn   map[string]*Session // conn id → session
	byID     map[int]*Session
	byName   map[string]*Session
	onRemove func(id int, username string)
}

// NewRegistry creates a Registry with the given admission cap.
//
// Precondition: logger must be non-nil. presence may be nil.
// Postcondition: Returns an empty Registry; capacity <= 0 falls back to
// DefaultCapacity.
func NewRegistry(capacity int, presence Presence, logger *zap.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		capacity: capacity,
		logger:   logger,
		presence: presence,
		byConn:   make(map[string]*Session),
		byID:     make(map[int]*Session),
		byName:   make(map[string]*Session),
	}
}

// Add admits the session into the registry.
//
// Postcondition: Returns ErrServerFull (and registers nothing) when the
// registry is at capacity. A session is admitted at most once.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byConn) >= r.capacity {
		return ErrServerFull
	}
	if _, exists := r.byConn[s.ConnID]; exists {
		return nil
	}

	r.byConn[s.ConnID] = s
	r.order = append(r.order, s.ConnID)

	s.mu.Lock()
	s.registry = r
	s.mu.Unlock()

	return nil
}

// OnRemove registers fn to run after a bound session leaves the registry.
// Used to drop caches keyed by the departing identity.
func (r *Registry) OnRemove(fn func(id int, username string)) {
	r.mu.Lock()
	r.onRemove = fn
	r.mu.Unlock()
}

// Index records the session's bound identity so tagged lookups find it.
// Call after Bind.
func (r *Registry) Index(s *Session) {
	id := s.ID()
	username := s.Username()
	if id == 0 {
		return
	}

	r.mu.Lock()
	r.byID[id] = s
	if username != "" {
		r.byName[username] = s
	}
	r.mu.Unlock()

	if r.presence != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.presence.SetOnline(ctx, id, username); err != nil {
				r.logger.Warn("presence set online", zap.Int("id", id), zap.Error(err))
			}
		}()
	}
}

// Remove takes the session out of the registry and releases its transport
// and persistence queue. Idempotent: removing an absent session only
// performs the release.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	onRemove := r.onRemove
	_, present := r.byConn[s.ConnID]
	if present {
		delete(r.byConn, s.ConnID)
		for i, connID := range r.order {
			if connID == s.ConnID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		if id := s.ID(); id != 0 {
			if r.byID[id] == s {
				delete(r.byID, id)
			}
		}
		if name := s.Username(); name != "" {
			if r.byName[name] == s {
				delete(r.byName, name)
			}
		}
	}
	r.mu.Unlock()

	if present {
		r.logger.Info("removing client", zap.String("conn_id", s.ConnID))
		if id := s.ID(); id != 0 && onRemove != nil {
			onRemove(id, s.Username())
		}
		if id := s.ID(); id != 0 && r.presence != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := r.presence.SetOffline(ctx, id); err != nil {
					r.logger.Warn("presence set offline", zap.Int("id", id), zap.Error(err))
				}
			}()
		}
	}

	s.terminate()
}

// Lookup returns the session addressed by the key.
func (r *Registry) Lookup(key Key) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if key.byID {
		s, ok := r.byID[key.id]
		return s, ok
	}
	s, ok := r.byName[key.username]
	return s, ok
}

// Online reports whether a session addressed by the key exists.
func (r *Registry) Online(key Key) bool {
	_, ok := r.Lookup(key)
	return ok
}

// Len returns the number of admitted sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Each calls fn for every admitted session in insertion order.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.order))
	for _, connID := range r.order {
		if s, ok := r.byConn[connID]; ok {
			sessions = append(sessions, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		fn(s)
	}
}

// DisconnectAll removes every admitted session, in insertion order.
func (r *Registry) DisconnectAll() {
	r.Each(func(s *Session) {
		r.Remove(s)
	})
}
