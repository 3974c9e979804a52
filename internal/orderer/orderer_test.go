package orderer

import (
	"fmt"
	"testing"
	"time"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

var base = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func msg(id string, offset time.Duration) protocol.Message {
	return protocol.Message{ID: id, TicketID: "t-1", CreatedAt: base.Add(offset)}
}

func ids(seq []protocol.Message) string {
	s := ""
	for i, m := range seq {
		if i > 0 {
			s += ","
		}
		s += m.ID
	}
	return s
}

func TestMergeIdempotent(t *testing.T) {
	seq := Merge(nil, msg("a", 0))
	seq = Merge(seq, msg("b", 5*time.Second))

	m := msg("c", 2*time.Second)
	once := Merge(seq, m)
	twice := Merge(once, m)
	if ids(once) != ids(twice) {
		t.Fatalf("merge not idempotent: %s vs %s", ids(once), ids(twice))
	}
	if len(twice) != 3 {
		t.Fatalf("len = %d, want 3", len(twice))
	}
}

func TestMergeDoesNotModifyInput(t *testing.T) {
	seq := []protocol.Message{msg("b", 2*time.Second)}
	_ = Merge(seq, msg("a", 0))
	if len(seq) != 1 || seq[0].ID != "b" {
		t.Fatalf("input modified: %s", ids(seq))
	}
}

func TestMergeDuplicateKeepsFirstCopy(t *testing.T) {
	first := msg("a", 0)
	first.Text = "original"
	dup := first
	dup.Text = "replayed"

	seq := Merge(Merge(nil, first), dup)
	if len(seq) != 1 || seq[0].Text != "original" {
		t.Fatalf("duplicate changed sequence: %+v", seq)
	}
}

func permutations(in []protocol.Message) [][]protocol.Message {
	if len(in) <= 1 {
		return [][]protocol.Message{append([]protocol.Message(nil), in...)}
	}
	var out [][]protocol.Message
	for i := range in {
		rest := make([]protocol.Message, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]protocol.Message{in[i]}, p...))
		}
	}
	return out
}

func TestMergeDeterministicAcrossPermutations(t *testing.T) {
	sets := map[string][]protocol.Message{
		"spread": {
			msg("m1", 0), msg("m2", 3*time.Second), msg("m3", 6*time.Second),
			msg("m4", 9*time.Second), msg("m5", 12*time.Second),
		},
		"burst": {
			msg("e", 0), msg("d", 100*time.Millisecond), msg("c", 200*time.Millisecond),
			msg("b", 300*time.Millisecond), msg("a", 5*time.Second),
		},
		// c<b and b<a by id, but a<c by time: no order satisfies every
		// pair, the result must still not depend on arrival order.
		"skew cycle": {
			msg("c", 0), msg("b", 600*time.Millisecond), msg("a", 1200*time.Millisecond),
			msg("z", 10*time.Second),
		},
	}
	for name, set := range sets {
		t.Run(name, func(t *testing.T) {
			var want string
			for i, p := range permutations(set) {
				var seq []protocol.Message
				for _, m := range p {
					seq = Merge(seq, m)
				}
				got := ids(seq)
				if i == 0 {
					want = got
					continue
				}
				if got != want {
					t.Fatalf("permutation %d gave %s, first gave %s", i, got, want)
				}
			}
		})
	}
}

func TestOrderingLaw(t *testing.T) {
	early := msg("zzz", 0)
	late := msg("aaa", time.Second)

	for _, order := range [][]protocol.Message{{early, late}, {late, early}} {
		seq := Merge(Merge(nil, order[0]), order[1])
		if ids(seq) != "zzz,aaa" {
			t.Errorf("inserting %s then %s gave %s", order[0].ID, order[1].ID, ids(seq))
		}
	}
}

func TestTieBreakLaw(t *testing.T) {
	tests := []struct {
		gap time.Duration
	}{
		{0},
		{time.Millisecond},
		{500 * time.Millisecond},
		{999 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.gap), func(t *testing.T) {
			// The later message has the smaller id.
			a := msg("a", tt.gap)
			b := msg("b", 0)
			for _, order := range [][]protocol.Message{{a, b}, {b, a}} {
				seq := Merge(Merge(nil, order[0]), order[1])
				if ids(seq) != "a,b" {
					t.Errorf("got %s, want a,b", ids(seq))
				}
			}
		})
	}
}

// Arrival order m2, m3, m1. All three sit inside one skew window so the
// ids decide.
func TestBurstMerge(t *testing.T) {
	// keys less than SkewTolerance apart are ordered by id, not time
	m1 := msg("m1", 0)
	m2 := msg("m2", 300*time.Millisecond)
	m3 := msg("m3", 200*time.Millisecond)

	var seq []protocol.Message
	for _, m := range []protocol.Message{m2, m3, m1} {
		seq = Merge(seq, m)
	}
	if got := ids(seq); got != "m1,m2,m3" {
		t.Fatalf("got %s, want m1,m2,m3", got)
	}
}

func TestTimestampPrecedenceInOrdering(t *testing.T) {
	// sent/received are only used when created is missing
	a := protocol.Message{ID: "a", SentAt: base.Add(10 * time.Second)}
	b := protocol.Message{ID: "b", ReceivedAt: base.Add(5 * time.Second), SentAt: base.Add(20 * time.Second)}
	c := protocol.Message{ID: "c", CreatedAt: base, SentAt: base.Add(30 * time.Second)}

	seq := Merge(Merge(Merge(nil, a), b), c)
	if got := ids(seq); got != "c,a,b" {
		t.Fatalf("got %s, want c,a,b", got)
	}
}

func TestMissingTimestampStampedOnArrival(t *testing.T) {
	now := base.Add(time.Minute)
	o := New(func() time.Time { return now })

	seq := o.Merge(nil, msg("old", 0))
	seq = o.Merge(seq, protocol.Message{ID: "bare"})
	if got := ids(seq); got != "old,bare" {
		t.Fatalf("got %s", got)
	}
	if !seq[1].ReceivedAt.Equal(now) {
		t.Fatalf("bare message stamped %v, want %v", seq[1].ReceivedAt, now)
	}

	// later merges keep the stamp
	now = now.Add(time.Hour)
	seq = o.Merge(seq, msg("mid", 2*time.Minute))
	if got := ids(seq); got != "old,bare,mid" {
		t.Fatalf("got %s", got)
	}
}

func TestUpsert(t *testing.T) {
	o := New(nil)
	seq := o.MergeAll(nil, []protocol.Message{msg("a", 0), msg("b", 5*time.Second)})

	edited := msg("a", 10*time.Second)
	edited.Text = "edited"
	seq = o.Upsert(seq, edited)
	if got := ids(seq); got != "b,a" {
		t.Fatalf("got %s, want b,a", got)
	}
	if seq[1].Text != "edited" {
		t.Fatalf("update not applied: %+v", seq[1])
	}

	seq = o.Upsert(seq, msg("c", 7*time.Second))
	if got := ids(seq); got != "b,c,a" {
		t.Fatalf("implicit insert gave %s", got)
	}
}
