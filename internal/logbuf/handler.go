package logbuf

import (
	"context"
	"log/slog"
	"maps"
)

// Handler is an slog.Handler that records every entry into a Buffer
// before passing it to an inner handler. A "session" attribute, bound or
// per record, tags the entry instead of landing in its attrs.
type Handler struct {
	inner  slog.Handler
	buf    *Buffer
	prefix string // joined groups, with a trailing dot

	// resolved WithAttrs state
	bound   map[string]any
	session string
}

// NewHandler wraps inner.
func NewHandler(inner slog.Handler, buf *Buffer) *Handler {
	return &Handler{inner: inner, buf: buf}
}

// Enabled reports true for every level so the buffer sees records the
// inner handler drops.
func (h *Handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	entry := Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Session: h.session,
	}
	if len(h.bound) > 0 || r.NumAttrs() > 0 {
		entry.Attrs = maps.Clone(h.bound)
		if entry.Attrs == nil {
			entry.Attrs = make(map[string]any, r.NumAttrs())
		}
		r.Attrs(func(a slog.Attr) bool {
			h.add(entry.Attrs, &entry.Session, a)
			return true
		})
		if len(entry.Attrs) == 0 {
			entry.Attrs = nil
		}
	}
	h.buf.Write(entry)

	if !h.inner.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *Handler) add(into map[string]any, session *string, a slog.Attr) {
	key := h.prefix + a.Key
	if key == SessionKey {
		*session = a.Value.String()
		return
	}
	v := a.Value.Resolve().Any()
	if err, ok := v.(error); ok {
		// errors marshal to {}
		v = err.Error()
	}
	into[key] = v
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.inner = h.inner.WithAttrs(attrs)
	next.bound = maps.Clone(h.bound)
	if next.bound == nil {
		next.bound = make(map[string]any, len(attrs))
	}
	for _, a := range attrs {
		h.add(next.bound, &next.session, a)
	}
	return &next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.inner = h.inner.WithGroup(name)
	next.prefix = h.prefix + name + "."
	return &next
}
