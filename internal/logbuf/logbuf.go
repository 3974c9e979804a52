// Package logbuf keeps the most recent log records in memory so the API
// can serve them, filtered per session.
package logbuf

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultSize is used for a non-positive buffer size.
const DefaultSize = 2000

// SessionKey is the attribute that tags a record with its session.
const SessionKey = "session"

// Entry is one captured record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Session string         `json:"session,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Since    time.Time
	MinLevel slog.Level
	// Limit keeps the newest matches only. Zero or less keeps all.
	Limit   int
	Session string
}

// Buffer is a thread-safe ring of entries.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	pos     int
	count   int
}

// New creates a buffer holding up to size entries.
func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Write appends e, overwriting the oldest entry when full.
func (b *Buffer) Write(e Entry) {
	b.mu.Lock()
	b.entries[b.pos] = e
	b.pos = (b.pos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	b.mu.Unlock()
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Query returns the entries matching f, oldest first.
func (b *Buffer) Query(f Filter) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result []Entry
	start := 0
	if b.count == b.size {
		start = b.pos // oldest entry when full
	}
	for i := 0; i < b.count; i++ {
		e := b.entries[(start+i)%b.size]
		if !f.Since.IsZero() && e.Time.Before(f.Since) {
			continue
		}
		if ParseLevel(e.Level) < f.MinLevel {
			continue
		}
		if f.Session != "" && e.Session != f.Session {
			continue
		}
		result = append(result, e)
	}

	if f.Limit > 0 && len(result) > f.Limit {
		result = result[len(result)-f.Limit:]
	}
	return result
}

// ParseLevel converts a level name to slog.Level. Unknown names are
// info.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
