package protocol

import (
	"strconv"
	"time"
)

// TicketStatus represents the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketNew     TicketStatus = "new"
	TicketOpen    TicketStatus = "open"
	TicketPending TicketStatus = "pending"
	TicketClosed  TicketStatus = "closed"
)

// Valid reports whether s is one of the known statuses.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketNew, TicketOpen, TicketPending, TicketClosed:
		return true
	}
	return false
}

// IsClosed reports whether s is the terminal status.
func (s TicketStatus) IsClosed() bool { return s == TicketClosed }

// ActiveStatuses lists every status that belongs in the open list.
var ActiveStatuses = []TicketStatus{TicketNew, TicketOpen, TicketPending}

// Desk is a shared inbox that tickets are routed to.
type Desk struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	AgentIDs []string `json:"agent_ids,omitempty"`
}

// Ticket is one customer conversation thread.
type Ticket struct {
	ID     string       `json:"id"`
	Number int64        `json:"number"`
	Status TicketStatus `json:"status"`
	DeskID string       `json:"desk_id"`
	// ConversationID is the email provider's own thread id for tickets
	// that were ingested from a mailbox rather than created natively.
	ConversationID string    `json:"conversation_id,omitempty"`
	Subject        string    `json:"subject"`
	CustomerName   string    `json:"customer_name,omitempty"`
	CustomerEmail  string    `json:"customer_email,omitempty"`
	Preview        string    `json:"preview,omitempty"`
	Unread         bool      `json:"unread"`
	MessageCount   int       `json:"message_count"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	// Messages is a summarized cache of the thread, kept in sync by the
	// ticket list. It is not required on the wire.
	Messages []Message `json:"messages,omitempty"`
}

// Ref returns the identity used to match messages to this ticket.
func (t Ticket) Ref() TicketRef {
	return TicketRef{ID: t.ID, ConversationID: t.ConversationID}
}

// RecordTable implements Record.
func (t Ticket) RecordTable() Table { return TableTickets }

// RecordID implements Record.
func (t Ticket) RecordID() string { return t.ID }

// Field implements Record.
func (t Ticket) Field(name string) string {
	switch name {
	case FieldID:
		return t.ID
	case FieldDeskID:
		return t.DeskID
	case FieldConversationID:
		return t.ConversationID
	case FieldStatus:
		return string(t.Status)
	case FieldNumber:
		return strconv.FormatInt(t.Number, 10)
	}
	return ""
}

// TicketRef identifies a ticket for message matching. Legacy
// email-sourced threads are addressable by either field.
type TicketRef struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// IsZero reports whether the ref points at nothing.
func (r TicketRef) IsZero() bool { return r.ID == "" && r.ConversationID == "" }

// Same reports whether two refs identify the same ticket.
func (r TicketRef) Same(other TicketRef) bool {
	if r.ID != "" && other.ID != "" {
		return r.ID == other.ID
	}
	return r.ConversationID != "" && r.ConversationID == other.ConversationID
}

// Owns reports whether msg belongs to the ticket identified by r.
func (r TicketRef) Owns(msg Message) bool {
	if r.ID != "" && msg.TicketID == r.ID {
		return true
	}
	return r.ConversationID != "" && msg.ConversationID == r.ConversationID
}
