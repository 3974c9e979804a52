// Package ticket is the local backend: tickets, messages and attachment
// bytes kept in SQLite, with every write published as a change event.
package ticket

import (
	"context"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// Store is the persistence interface for tickets and their messages.
type Store interface {
	// Save creates or updates a ticket. A zero Number is assigned on
	// insert; the stored ticket is returned.
	Save(ctx context.Context, t protocol.Ticket) (protocol.Ticket, error)
	// Get retrieves a ticket by ID.
	Get(ctx context.Context, id string) (protocol.Ticket, error)
	// GetByConversation finds a ticket by its legacy conversation id.
	GetByConversation(ctx context.Context, conversationID string) (protocol.Ticket, error)
	// List returns tickets matching the filter, most recent activity
	// first.
	List(ctx context.Context, filter Filter) ([]protocol.Ticket, error)
	// Count returns the number of tickets matching the filter.
	Count(ctx context.Context, filter Filter) (int, error)
	// SaveMessage inserts or replaces a message.
	SaveMessage(ctx context.Context, msg protocol.Message) error
	// Message retrieves one message.
	Message(ctx context.Context, id string) (protocol.Message, error)
	// Messages returns the thread of ref, matched on ticket id or legacy
	// conversation id.
	Messages(ctx context.Context, ref protocol.TicketRef) ([]protocol.Message, error)
	// PutAttachment stores attachment bytes under a storage key.
	PutAttachment(ctx context.Context, deskID string, a protocol.Attachment, data []byte) error
	// Attachment returns stored attachment bytes.
	Attachment(ctx context.Context, key, deskID string) ([]byte, error)
	// RecordMailEvent logs a provider-side action such as a resolution
	// notice.
	RecordMailEvent(ctx context.Context, kind, refID, deskID string) error
	// MailEvents returns the logged actions of kind, oldest first.
	MailEvents(ctx context.Context, kind string) ([]MailEvent, error)
	Close() error
}

// Filter constrains ticket list queries.
type Filter struct {
	DeskID string
	Status *protocol.TicketStatus
	Query  string // text search on subject, customer and preview
	Limit  int    // 0 = no limit
}

// MailEvent is one recorded mail provider action.
type MailEvent struct {
	Kind   string
	RefID  string
	DeskID string
}

// Mail event kinds.
const (
	EventMarkRead         = "mark_read"
	EventResolutionNotice = "resolution_notice"
	EventFeedbackRequest  = "feedback_request"
)
