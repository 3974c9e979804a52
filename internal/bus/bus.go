// Package bus defines the scoped change stream the sync engine subscribes
// to, and an in-process hub implementing it.
//
// Transports deliver failures through Handler.OnError; OpenScoped only
// returns an error when the request itself is invalid.
package bus

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// Predicate is a field equality test.
type Predicate struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Eq builds a Predicate.
func Eq(field, value string) Predicate { return Predicate{Field: field, Value: value} }

// Binding selects one kind of change on one table. A record matches when
// any of the predicates holds.
type Binding struct {
	Table protocol.Table      `json:"table"`
	Event protocol.ChangeKind `json:"event"`
	Match []Predicate         `json:"match"`
}

// Matches reports whether c is selected by b.
func (b Binding) Matches(c protocol.Change) bool {
	if c.Table != b.Table || c.Kind != b.Event || c.Record == nil {
		return false
	}
	for _, p := range b.Match {
		if p.Value != "" && c.Record.Field(p.Field) == p.Value {
			return true
		}
	}
	return false
}

// Scope is the full filter of one handle.
type Scope struct {
	Key      string    `json:"key"`
	Bindings []Binding `json:"bindings"`
}

// Matches reports whether any binding selects c.
func (s Scope) Matches(c protocol.Change) bool {
	for _, b := range s.Bindings {
		if b.Matches(c) {
			return true
		}
	}
	return false
}

// Validate checks that the scope can be served.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.Key) == "" {
		return errors.Mark(errors.New("scope key is required"), errs.ErrBadParameter)
	}
	if len(s.Bindings) == 0 {
		return errors.Mark(errors.Newf("scope %s: no bindings", s.Key), errs.ErrBadParameter)
	}
	for _, b := range s.Bindings {
		if b.Table != protocol.TableTickets && b.Table != protocol.TableMessages {
			return errors.Mark(errors.Newf("scope %s: unknown table %q", s.Key, b.Table), errs.ErrBadParameter)
		}
		if b.Event != protocol.ChangeInsert && b.Event != protocol.ChangeUpdate {
			return errors.Mark(errors.Newf("scope %s: unknown event %q", s.Key, b.Event), errs.ErrBadParameter)
		}
		valued := 0
		for _, p := range b.Match {
			if p.Field == "" {
				return errors.Mark(errors.Newf("scope %s: predicate without field", s.Key), errs.ErrBadParameter)
			}
			if p.Value != "" {
				valued++
			}
		}
		if valued == 0 {
			return errors.Mark(errors.Newf("scope %s: binding on %s has no predicate", s.Key, b.Table), errs.ErrBadParameter)
		}
	}
	return nil
}

// Handler receives the callbacks of one handle. Transports may call it
// from any goroutine; callbacks for one handle are not concurrent.
type Handler interface {
	// OnReady reports that the subscription is established.
	OnReady(h *Handle)
	OnInsert(h *Handle, rec protocol.Record)
	// OnUpdate carries the previous row when the source ships it, else
	// old is nil.
	OnUpdate(h *Handle, old, rec protocol.Record)
	// OnError reports a failure. The handle delivers nothing afterwards.
	OnError(h *Handle, err error)
}

// Handle is one open scoped subscription.
type Handle struct {
	ID        string
	Scope     Scope
	CreatedAt time.Time
}

// NewHandle mints a handle for scope.
func NewHandle(scope Scope) *Handle {
	return &Handle{ID: uuid.NewString(), Scope: scope, CreatedAt: time.Now()}
}

// Bus opens and closes scoped subscriptions.
type Bus interface {
	OpenScoped(ctx context.Context, scope Scope, h Handler) (*Handle, error)
	// Close stops delivery. Closing an unknown or closed handle is not an
	// error.
	Close(h *Handle) error
}

// Publisher emits changes to a bus.
type Publisher interface {
	Publish(ctx context.Context, c protocol.Change) error
}

// Dispatch routes c to h if the scope selects it.
func Dispatch(h Handler, handle *Handle, c protocol.Change) bool {
	if !handle.Scope.Matches(c) {
		return false
	}
	switch c.Kind {
	case protocol.ChangeInsert:
		h.OnInsert(handle, c.Record)
	case protocol.ChangeUpdate:
		h.OnUpdate(handle, c.OldRecord, c.Record)
	default:
		return false
	}
	return true
}
