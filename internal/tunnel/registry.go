package tunnel

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/porticodev/portico/internal/metrics"
	"github.com/porticodev/portico/internal/model"
)

// Registry is the process-wide table of tunnel sessions and the sole arbiter
// of local port uniqueness. It is constructed explicitly and passed down;
// there is no ambient instance. A single mutex guards the map, and no
// registry operation blocks while holding it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds a freshly created session. It rejects a port already held by
// a live session: random ephemeral selection makes collisions vanishingly
// rare, but the invariant is checked, not assumed.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.id]; ok {
		return fmt.Errorf("session %s already registered", s.id)
	}
	for _, existing := range r.sessions {
		if existing.State().Live() && existing.port == s.port {
			return fmt.Errorf("port %d held by session %s: %w", s.port, existing.id, ErrPortConflict)
		}
	}
	r.sessions[s.id] = s
	r.updateGaugeLocked()
	return nil
}

// Unregister removes a session. Closed is the only state a session may be
// removed in; anything else is left in place.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	if s.State() != model.TunnelClosed {
		log.Printf("event=registry_unregister_refused session_id=%s state=%s", id, s.State())
		return
	}
	delete(r.sessions, id)
	r.updateGaugeLocked()
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of the registered sessions. Callers operate on
// the snapshot outside the registry lock.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// List returns summaries for display, oldest first.
func (r *Registry) List() []model.SessionSummary {
	sessions := r.Sessions()
	out := make([]model.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *Registry) updateGaugeLocked() {
	metrics.Default().SetGauge("portico_tunnels_open", float64(len(r.sessions)), nil)
}
