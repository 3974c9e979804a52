// Package errs defines the error classes shared by the sync engine.
//
// Errors are classified by marking them with one of the sentinels below
// (errors.Mark), so the original message and stack survive while callers
// branch with errors.Is.
package errs

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrTransientStream covers timeouts and temporary disconnects. The
	// coordinator retries these while the scope is still canonical.
	ErrTransientStream = errors.New("transient stream error")

	// ErrHardStream covers auth rejections and malformed filters. The
	// session degrades to manual refresh.
	ErrHardStream = errors.New("hard stream error")

	// ErrFetch is a failed request/response call. It is shown next to the
	// action that triggered it and leaves local state untouched.
	ErrFetch = errors.New("fetch error")

	// ErrStaleResponse marks a response that resolved after its context
	// stopped being current. Never surfaced.
	ErrStaleResponse = errors.New("stale response")

	// ErrNotFound is returned for unknown tickets, sessions or blobs.
	ErrNotFound = errors.New("not found")

	// ErrBadParameter is returned for invalid caller input.
	ErrBadParameter = errors.New("bad parameter")

	// ErrUnauthorized is returned when credentials are rejected.
	ErrUnauthorized = errors.New("unauthorized")
)

// Transient marks err as a transient stream failure.
func Transient(err error) error { return mark(err, ErrTransientStream) }

// Hard marks err as a hard stream failure.
func Hard(err error) error { return mark(err, ErrHardStream) }

// Fetch marks err as a fetch failure.
func Fetch(err error) error { return mark(err, ErrFetch) }

// Stale marks err as a stale response.
func Stale(err error) error { return mark(err, ErrStaleResponse) }

func mark(err error, class error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, class)
}

// IsTransient reports whether err is a transient stream failure.
func IsTransient(err error) bool { return errors.Is(err, ErrTransientStream) }

// IsHard reports whether err is a hard stream failure.
func IsHard(err error) bool { return errors.Is(err, ErrHardStream) }

// Class returns a short label for metrics and logs.
func Class(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrHardStream):
		return "hard"
	case errors.Is(err, ErrTransientStream):
		return "transient"
	case errors.Is(err, ErrStaleResponse):
		return "stale"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBadParameter):
		return "bad_parameter"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrFetch):
		return "fetch"
	}
	return "unknown"
}
