package protocol

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Table names a change-stream source.
type Table string

const (
	TableTickets  Table = "tickets"
	TableMessages Table = "messages"
)

// ChangeKind is the type of row change carried by a Change.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
)

// Field names usable in stream filters.
const (
	FieldID             = "id"
	FieldDeskID         = "desk_id"
	FieldTicketID       = "ticket_id"
	FieldConversationID = "conversation_id"
	FieldStatus         = "status"
	FieldNumber         = "number"
	FieldDirection      = "direction"
)

// Record is a row carried by a change event. Ticket and Message are the
// only implementations.
type Record interface {
	RecordTable() Table
	RecordID() string
	// Field returns the string form of a filterable column, or "" when
	// the record has no such column.
	Field(name string) string
}

// Change is one insert or update event on a table. OldRecord is only set
// for updates and may be nil when the source does not ship old rows.
type Change struct {
	Table     Table
	Kind      ChangeKind
	Record    Record
	OldRecord Record
}

type wireChange struct {
	Table     Table           `json:"table"`
	Kind      ChangeKind      `json:"kind"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// MarshalJSON encodes the change with its records inlined.
func (c Change) MarshalJSON() ([]byte, error) {
	w := wireChange{Table: c.Table, Kind: c.Kind}
	var err error
	if c.Record != nil {
		if w.Record, err = json.Marshal(c.Record); err != nil {
			return nil, errors.Wrap(err, "encode record")
		}
	}
	if c.OldRecord != nil {
		if w.OldRecord, err = json.Marshal(c.OldRecord); err != nil {
			return nil, errors.Wrap(err, "encode old record")
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a change, picking the record type from the table.
func (c *Change) UnmarshalJSON(data []byte) error {
	var w wireChange
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "decode change")
	}
	switch w.Kind {
	case ChangeInsert, ChangeUpdate:
	default:
		return errors.Newf("decode change: unknown kind %q", w.Kind)
	}
	rec, err := DecodeRecord(w.Table, w.Record)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.New("decode change: record is required")
	}
	old, err := DecodeRecord(w.Table, w.OldRecord)
	if err != nil {
		return err
	}
	*c = Change{Table: w.Table, Kind: w.Kind, Record: rec, OldRecord: old}
	return nil
}

// DecodeRecord decodes raw JSON into the record type for table. Empty
// input yields a nil record.
func DecodeRecord(table Table, raw json.RawMessage) (Record, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch table {
	case TableTickets:
		var t Ticket
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, errors.Wrap(err, "decode ticket record")
		}
		return t, nil
	case TableMessages:
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errors.Wrap(err, "decode message record")
		}
		return m, nil
	}
	return nil, errors.Newf("decode record: unknown table %q", table)
}

// AsTicket extracts a Ticket from a record.
func AsTicket(r Record) (Ticket, bool) {
	switch v := r.(type) {
	case Ticket:
		return v, true
	case *Ticket:
		if v != nil {
			return *v, true
		}
	}
	return Ticket{}, false
}

// AsMessage extracts a Message from a record.
func AsMessage(r Record) (Message, bool) {
	switch v := r.(type) {
	case Message:
		return v, true
	case *Message:
		if v != nil {
			return *v, true
		}
	}
	return Message{}, false
}

// TicketInserted builds an insert change for t.
func TicketInserted(t Ticket) Change {
	return Change{Table: TableTickets, Kind: ChangeInsert, Record: t}
}

// TicketUpdated builds an update change from old to t.
func TicketUpdated(old, t Ticket) Change {
	return Change{Table: TableTickets, Kind: ChangeUpdate, Record: t, OldRecord: old}
}

// MessageInserted builds an insert change for m.
func MessageInserted(m Message) Change {
	return Change{Table: TableMessages, Kind: ChangeInsert, Record: m}
}

// MessageUpdated builds an update change from old to m.
func MessageUpdated(old, m Message) Change {
	return Change{Table: TableMessages, Kind: ChangeUpdate, Record: m, OldRecord: old}
}
