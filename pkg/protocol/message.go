package protocol

import "time"

// Direction tells whether a message came from the customer or the desk.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Message is one unit of conversation content within a ticket.
type Message struct {
	ID             string       `json:"id"`
	TicketID       string       `json:"ticket_id,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	DeskID         string       `json:"desk_id,omitempty"`
	Direction      Direction    `json:"direction"`
	Internal       bool         `json:"internal,omitempty"`
	FromName       string       `json:"from_name,omitempty"`
	FromAddress    string       `json:"from_address,omitempty"`
	To             []string     `json:"to,omitempty"`
	CC             []string     `json:"cc,omitempty"`
	HTML           string       `json:"html,omitempty"`
	Text           string       `json:"text,omitempty"`
	CreatedAt      time.Time    `json:"created_at,omitzero"`
	SentAt         time.Time    `json:"sent_at,omitzero"`
	ReceivedAt     time.Time    `json:"received_at,omitzero"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Timestamp returns the best available timestamp: created, then sent,
// then received. ok is false when the message carries none of them.
func (m Message) Timestamp() (ts time.Time, ok bool) {
	switch {
	case !m.CreatedAt.IsZero():
		return m.CreatedAt, true
	case !m.SentAt.IsZero():
		return m.SentAt, true
	case !m.ReceivedAt.IsZero():
		return m.ReceivedAt, true
	}
	return time.Time{}, false
}

// IsCustomerVisible reports whether the message is part of the customer
// thread (not an internal note).
func (m Message) IsCustomerVisible() bool { return !m.Internal }

// RecordTable implements Record.
func (m Message) RecordTable() Table { return TableMessages }

// RecordID implements Record.
func (m Message) RecordID() string { return m.ID }

// Field implements Record.
func (m Message) Field(name string) string {
	switch name {
	case FieldID:
		return m.ID
	case FieldTicketID:
		return m.TicketID
	case FieldConversationID:
		return m.ConversationID
	case FieldDeskID:
		return m.DeskID
	case FieldDirection:
		return string(m.Direction)
	}
	return ""
}

// Attachment describes a file attached to a message.
type Attachment struct {
	ID string `json:"id"`
	// StorageKey is set when the bytes live in the desk's own storage and
	// must be fetched through the authenticated attachment API.
	StorageKey  string `json:"storage_key,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	ContentID   string `json:"content_id,omitempty"`
	Inline      bool   `json:"inline,omitempty"`
	Size        int64  `json:"size,omitempty"`
	URL         string `json:"url,omitempty"`
}

// SentMessage is the result of a reply submitted through the mail API.
type SentMessage struct {
	Message  Message `json:"message"`
	Provider string  `json:"provider,omitempty"`
}
