// Package orderer merges messages into a conversation sequence with a
// deterministic order.
//
// Messages are keyed by their best timestamp (created, else sent, else
// received). Two messages whose keys are less than SkewTolerance apart
// are ordered by id instead, so bursts with skewed server clocks render
// the same way no matter what order they arrive in.
package orderer

import (
	"sort"
	"time"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// SkewTolerance is the window inside which ids decide the order.
const SkewTolerance = time.Second

// Orderer merges messages. The zero value uses time.Now for messages
// that carry no timestamp at all.
type Orderer struct {
	Now func() time.Time
}

// New returns an Orderer stamping timestamp-less messages with now().
func New(now func() time.Time) *Orderer {
	return &Orderer{Now: now}
}

var std = &Orderer{}

// Merge merges msg into seq using the wall clock. See Orderer.Merge.
func Merge(seq []protocol.Message, msg protocol.Message) []protocol.Message {
	return std.Merge(seq, msg)
}

// Merge returns seq with msg inserted in order. If a message with the same
// id is already present, seq is returned unchanged. The input slice is
// never modified.
//
// A message with no timestamp is stamped with the current time as its
// received time, so its position stays fixed across later merges.
func (o *Orderer) Merge(seq []protocol.Message, msg protocol.Message) []protocol.Message {
	if Index(seq, msg.ID) >= 0 {
		return seq
	}
	out := make([]protocol.Message, 0, len(seq)+1)
	out = append(out, seq...)
	out = append(out, o.stamp(msg))
	sortMessages(out)
	return out
}

// MergeAll folds every message of msgs into seq.
func (o *Orderer) MergeAll(seq []protocol.Message, msgs []protocol.Message) []protocol.Message {
	for _, m := range msgs {
		seq = o.Merge(seq, m)
	}
	return seq
}

// Upsert replaces the message with msg's id, or merges msg when it is not
// present. The result is re-sorted since an edit may move a timestamp.
func (o *Orderer) Upsert(seq []protocol.Message, msg protocol.Message) []protocol.Message {
	i := Index(seq, msg.ID)
	if i < 0 {
		return o.Merge(seq, msg)
	}
	msg = o.stampLike(msg, seq[i])
	out := make([]protocol.Message, len(seq))
	copy(out, seq)
	out[i] = msg
	sortMessages(out)
	return out
}

// Index returns the position of the message with id, or -1.
func Index(seq []protocol.Message, id string) int {
	for i := range seq {
		if seq[i].ID == id {
			return i
		}
	}
	return -1
}

// Less reports whether a sorts before b.
func Less(a, b protocol.Message) bool {
	ta, _ := a.Timestamp()
	tb, _ := b.Timestamp()
	d := ta.Sub(tb)
	if d < 0 {
		d = -d
	}
	if d < SkewTolerance {
		return a.ID < b.ID
	}
	return ta.Before(tb)
}

// sortMessages puts seq in its canonical order. It first sorts by the
// strict (timestamp, id) key so the stable pass below always starts from
// the same arrangement of the same set. Without that, a set whose skew
// comparisons form a cycle could end up in an arrival-dependent order.
func sortMessages(seq []protocol.Message) {
	sort.Slice(seq, func(i, j int) bool {
		ti, _ := seq[i].Timestamp()
		tj, _ := seq[j].Timestamp()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return seq[i].ID < seq[j].ID
	})
	sort.SliceStable(seq, func(i, j int) bool { return Less(seq[i], seq[j]) })
}

func (o *Orderer) stamp(msg protocol.Message) protocol.Message {
	if _, ok := msg.Timestamp(); ok {
		return msg
	}
	now := time.Now
	if o != nil && o.Now != nil {
		now = o.Now
	}
	msg.ReceivedAt = now()
	return msg
}

// stampLike keeps the arrival stamp of prev when an update still carries
// no timestamp of its own.
func (o *Orderer) stampLike(msg, prev protocol.Message) protocol.Message {
	if _, ok := msg.Timestamp(); ok {
		return msg
	}
	if ts, ok := prev.Timestamp(); ok {
		msg.ReceivedAt = ts
		return msg
	}
	return o.stamp(msg)
}
