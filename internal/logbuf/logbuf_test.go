package logbuf

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestBufferRingOverwrite(t *testing.T) {
	buf := New(3)
	now := time.Now()

	for i := 0; i < 5; i++ {
		buf.Write(Entry{
			Time:    now.Add(time.Duration(i) * time.Second),
			Level:   "INFO",
			Message: "msg",
			Attrs:   map[string]any{"i": i},
		})
	}

	entries := buf.Query(Filter{MinLevel: slog.LevelDebug})
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries (ring size), got %d", len(entries))
	}
	if entries[0].Attrs["i"] != 2 || entries[2].Attrs["i"] != 4 {
		t.Fatalf("expected entries 2..4 oldest first, got %v .. %v", entries[0].Attrs, entries[2].Attrs)
	}
	if buf.Len() != 3 {
		t.Errorf("Len = %d", buf.Len())
	}
}

func TestBufferQuery(t *testing.T) {
	buf := New(10)
	now := time.Now()
	buf.Write(Entry{Time: now, Level: "DEBUG", Message: "debug", Session: "s-1"})
	buf.Write(Entry{Time: now.Add(time.Second), Level: "INFO", Message: "info", Session: "s-2"})
	buf.Write(Entry{Time: now.Add(2 * time.Second), Level: "WARN", Message: "warn", Session: "s-1"})
	buf.Write(Entry{Time: now.Add(3 * time.Second), Level: "ERROR", Message: "error"})

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{MinLevel: slog.LevelDebug}, []string{"debug", "info", "warn", "error"}},
		{"default level is info", Filter{}, []string{"info", "warn", "error"}},
		{"warn and up", Filter{MinLevel: slog.LevelWarn}, []string{"warn", "error"}},
		{"since", Filter{MinLevel: slog.LevelDebug, Since: now.Add(2 * time.Second)}, []string{"warn", "error"}},
		{"limit keeps newest", Filter{MinLevel: slog.LevelDebug, Limit: 2}, []string{"warn", "error"}},
		{"session", Filter{MinLevel: slog.LevelDebug, Session: "s-1"}, []string{"debug", "warn"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buf.Query(tt.filter)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %v", len(got), tt.want)
			}
			for i, e := range got {
				if e.Message != tt.want[i] {
					t.Errorf("entry %d = %q, want %q", i, e.Message, tt.want[i])
				}
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestHandlerCaptures(t *testing.T) {
	buf := New(10)
	logger := slog.New(NewHandler(slog.NewTextHandler(io.Discard, nil), buf))

	logger.Info("hello", "key", "value", "error", errors.New("boom"))
	logger.Warn("warning")

	entries := buf.Query(Filter{MinLevel: slog.LevelDebug})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "hello" || entries[0].Attrs["key"] != "value" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[0].Attrs["error"] != "boom" {
		t.Fatalf("error attr = %#v, want its message", entries[0].Attrs["error"])
	}
	if entries[1].Level != "WARN" {
		t.Fatalf("expected WARN level, got %q", entries[1].Level)
	}
}

func TestHandlerTagsSession(t *testing.T) {
	buf := New(10)
	base := slog.New(NewHandler(slog.NewTextHandler(io.Discard, nil), buf))
	base.With("session", "s-1", "component", "coordinator").Info("subscription active")
	base.Info("daemon started")

	got := buf.Query(Filter{Session: "s-1"})
	if len(got) != 1 || got[0].Message != "subscription active" {
		t.Fatalf("session entries = %+v", got)
	}
	if got[0].Attrs["component"] != "coordinator" {
		t.Fatalf("attrs = %v", got[0].Attrs)
	}
	if _, ok := got[0].Attrs["session"]; ok {
		t.Fatal("session should be lifted out of attrs")
	}
}

func TestHandlerCapturesAllLevels(t *testing.T) {
	buf := New(10)
	// inner only allows WARN+
	handler := NewHandler(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}), buf)
	if !handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected DEBUG to be enabled")
	}
	logger := slog.New(handler)

	logger.Debug("debug msg")
	logger.Info("info msg")
	logger.Warn("warn msg")

	if n := len(buf.Query(Filter{MinLevel: slog.LevelDebug})); n != 3 {
		t.Fatalf("expected 3 entries in buffer, got %d", n)
	}
}
