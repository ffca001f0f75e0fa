package mapview

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smukkama/devicemap/internal/logger"
	"github.com/smukkama/devicemap/internal/timer"
)

// Registry owns the live sessions. A session that is not touched for the
// idle timeout is dropped.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	opts             Options
	sched            *timer.Scheduler
	idleTimeout      time.Duration
	throttleInterval time.Duration
	log              zerolog.Logger
}

// NewRegistry creates an empty registry. A zero throttleInterval applies
// viewport updates without throttling.
func NewRegistry(opts Options, sched *timer.Scheduler, idleTimeout, throttleInterval time.Duration) *Registry {
	return &Registry{
		sessions:         make(map[string]*Session),
		opts:             opts,
		sched:            sched,
		idleTimeout:      idleTimeout,
		throttleInterval: throttleInterval,
		log:              logger.WithComponent("sessions"),
	}
}

// Create starts a new session in the overview state
func (r *Registry) Create() (*Session, error) {
	id := uuid.NewString()
	s := NewSession(id, r.opts)
	if r.throttleInterval > 0 {
		s.throttle = NewThrottle(r.sched, "viewport:"+id, r.throttleInterval)
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	if err := r.touch(id); err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to schedule session expiry: %w", err)
	}

	r.log.Debug().Str("session_id", id).Msg("session created")
	return s, nil
}

// Get returns a session and extends its idle deadline
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	if err := r.touch(id); err != nil {
		r.log.Warn().Err(err).Str("session_id", id).Msg("failed to extend session")
	}
	return s, nil
}

// Delete drops a session. It reports whether the session existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.sched.Cancel(expiryKey(id))
	if s.throttle != nil {
		s.throttle.Stop()
	}
	return true
}

// Len is the number of live sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Each calls fn for every live session
func (r *Registry) Each(fn func(*Session)) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		fn(s)
	}
}

// CountByState tallies the live sessions by selection state
func (r *Registry) CountByState() map[State]int {
	counts := make(map[State]int)
	r.Each(func(s *Session) {
		counts[s.State()]++
	})
	return counts
}

func (r *Registry) touch(id string) error {
	if r.idleTimeout <= 0 {
		return nil
	}
	return r.sched.After(expiryKey(id), r.idleTimeout, func() {
		if r.Delete(id) {
			r.log.Info().Str("session_id", id).Msg("session expired")
		}
	})
}

func expiryKey(id string) string {
	return "session:" + id
}
