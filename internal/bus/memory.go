package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// Memory is an in-process Bus and Publisher. Publish delivers
// synchronously to every matching handle in subscription order.
type Memory struct {
	logger *slog.Logger

	mu       sync.Mutex
	subs     []*memorySub
	failNext error
}

type memorySub struct {
	handle  *Handle
	handler Handler
	// mu serializes callbacks of one handle. closed is read without it
	// so a callback may close its own handle.
	mu     sync.Mutex
	closed atomic.Bool
}

// NewMemory creates an empty hub.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{logger: logger.With("component", "bus.memory")}
}

// OpenScoped implements Bus. OnReady is called before it returns.
func (m *Memory) OpenScoped(ctx context.Context, scope Scope, h Handler) (*Handle, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Transient(err)
	}
	sub := &memorySub{handle: NewHandle(scope), handler: h}

	m.mu.Lock()
	failure := m.failNext
	m.failNext = nil
	if failure == nil {
		m.subs = append(m.subs, sub)
	}
	m.mu.Unlock()

	if failure != nil {
		h.OnError(sub.handle, failure)
		return sub.handle, nil
	}
	sub.mu.Lock()
	h.OnReady(sub.handle)
	sub.mu.Unlock()
	return sub.handle, nil
}

// Close implements Bus.
func (m *Memory) Close(h *Handle) error {
	if h == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s.handle.ID == h.ID {
			s.closed.Store(true)
			m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
			return nil
		}
	}
	return nil
}

// Publish implements Publisher.
func (m *Memory) Publish(ctx context.Context, c protocol.Change) error {
	if c.Record == nil {
		return errors.Mark(errors.New("publish: change has no record"), errs.ErrBadParameter)
	}
	m.mu.Lock()
	subs := append([]*memorySub(nil), m.subs...)
	m.mu.Unlock()

	for _, s := range subs {
		if !s.handle.Scope.Matches(c) {
			continue
		}
		s.mu.Lock()
		if !s.closed.Load() {
			Dispatch(s.handler, s.handle, c)
		}
		s.mu.Unlock()
	}
	return nil
}

// InjectError fails the open handle with id, as a transport drop would.
// The handle is removed.
func (m *Memory) InjectError(handleID string, err error) bool {
	m.mu.Lock()
	var sub *memorySub
	for i, s := range m.subs {
		if s.handle.ID == handleID {
			sub = s
			m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	if sub == nil {
		return false
	}
	if sub.closed.Swap(true) {
		return false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.handler.OnError(sub.handle, err)
	return true
}

// FailNextOpen makes the next OpenScoped report err through OnError.
func (m *Memory) FailNextOpen(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

// Handles returns the open handles.
func (m *Memory) Handles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, len(m.subs))
	for i, s := range m.subs {
		out[i] = s.handle
	}
	return out
}

// HandlesFor returns the open handles with scope key.
func (m *Memory) HandlesFor(key string) []*Handle {
	var out []*Handle
	for _, h := range m.Handles() {
		if h.Scope.Key == key {
			out = append(out, h)
		}
	}
	return out
}
