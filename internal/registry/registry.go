// Package registry tracks the open agent sessions of a daemon.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/session"
)

// Factory builds the session for an agent. The registry owns the result.
type Factory func(agentID string) (*session.Session, error)

// Options configures a Registry.
type Options struct {
	Factory Factory
	Logger  *slog.Logger
	// MaxPerAgent caps concurrent sessions of one agent. Zero means no cap.
	MaxPerAgent int
	// OnClose runs after a session is closed and removed.
	OnClose func(sessionID string)
}

// Info describes an open session.
type Info struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry is the set of open sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	factory  Factory
	max      int
	onClose  func(string)
	logger   *slog.Logger
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*session.Session),
		factory:  opts.Factory,
		max:      opts.MaxPerAgent,
		onClose:  opts.OnClose,
		logger:   logger.With("component", "registry"),
	}
}

// Open creates and registers a session for agentID.
func (r *Registry) Open(agentID string) (*session.Session, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, errors.Mark(errors.New("registry: agent_id is required"), errs.ErrBadParameter)
	}
	if r.factory == nil {
		return nil, errors.New("registry: no session factory")
	}
	if r.max > 0 && r.countFor(agentID) >= r.max {
		return nil, errors.Mark(errors.Newf("registry: agent %q already has %d sessions", agentID, r.max), errs.ErrBadParameter)
	}

	s, err := r.factory(agentID)
	if err != nil {
		return nil, errors.Wrapf(err, "registry: open session for %q", agentID)
	}

	r.mu.Lock()
	if _, exists := r.sessions[s.ID()]; exists {
		r.mu.Unlock()
		_ = s.Close(context.Background())
		return nil, errors.Newf("registry: session %q already registered", s.ID())
	}
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	r.logger.Info("session registered", "session", s.ID(), "agent", agentID)
	return s, nil
}

func (r *Registry) countFor(agentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.AgentID() == agentID {
			n++
		}
	}
	return n
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Lookup is Get with a not-found error.
func (r *Registry) Lookup(id string) (*session.Session, error) {
	if s, ok := r.Get(id); ok {
		return s, nil
	}
	return nil, errors.Mark(errors.Newf("session %q not found", id), errs.ErrNotFound)
}

// Close closes and removes a session.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return errors.Mark(errors.Newf("session %q not found", id), errs.ErrNotFound)
	}

	err := s.Close(ctx)
	if r.onClose != nil {
		r.onClose(id)
	}
	if err != nil {
		return errors.Wrapf(err, "registry: close session %q", id)
	}
	r.logger.Info("session deregistered", "session", id, "agent", s.AgentID())
	return nil
}

// CloseAll closes every session, for shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	for _, info := range r.List() {
		if err := r.Close(ctx, info.ID); err != nil {
			r.logger.Warn("close session failed", "session", info.ID, "error", err)
		}
	}
}

// List returns the open sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Info{ID: s.ID(), AgentID: s.AgentID(), CreatedAt: s.CreatedAt()})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Refresh refreshes session id. The scheduler calls it for degraded
// sessions.
func (r *Registry) Refresh(ctx context.Context, id string) error {
	s, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return s.Refresh(ctx)
}
