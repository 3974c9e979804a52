package errs

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func TestMarksSurviveWrapping(t *testing.T) {
	base := errors.New("dial tcp: i/o timeout")
	err := errors.Wrap(Transient(base), "open desk scope")

	if !IsTransient(err) {
		t.Fatal("expected transient mark to survive wrap")
	}
	if IsHard(err) {
		t.Fatal("transient error must not be hard")
	}
	if got := err.Error(); got != "open desk scope: dial tcp: i/o timeout" {
		t.Errorf("message = %q", got)
	}
}

func TestClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{Hard(errors.New("401")), "hard"},
		{Transient(errors.New("eof")), "transient"},
		{Fetch(errors.New("502")), "fetch"},
		{Stale(errors.New("late")), "stale"},
		{errors.Wrap(ErrNotFound, "ticket t-1"), "not_found"},
		{errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		if got := Class(tt.err); got != tt.want {
			t.Errorf("Class(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestNilStaysNil(t *testing.T) {
	if Transient(nil) != nil || Hard(nil) != nil || Fetch(nil) != nil {
		t.Fatal("marking nil must return nil")
	}
}
