package coordinator

import (
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/bus"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// Kind tells desk scopes from ticket scopes.
type Kind string

const (
	KindDesk   Kind = "desk"
	KindTicket Kind = "ticket"
)

// DeskKey is the scope key of a desk subscription.
func DeskKey(deskID string) string { return "desk:" + deskID }

// TicketKey is the scope key of a ticket subscription.
func TicketKey(ref protocol.TicketRef) string {
	key := "ticket:" + ref.ID
	if ref.ConversationID != "" {
		key += "|conv:" + ref.ConversationID
	}
	return key
}

// DeskScope covers new and changed tickets and new messages on a desk.
func DeskScope(deskID string) bus.Scope {
	match := []bus.Predicate{bus.Eq(protocol.FieldDeskID, deskID)}
	return bus.Scope{
		Key: DeskKey(deskID),
		Bindings: []bus.Binding{
			{Table: protocol.TableTickets, Event: protocol.ChangeInsert, Match: match},
			{Table: protocol.TableTickets, Event: protocol.ChangeUpdate, Match: match},
			{Table: protocol.TableMessages, Event: protocol.ChangeInsert, Match: match},
		},
	}
}

// TicketScope covers new and edited messages of one ticket, addressed by
// ticket id or legacy conversation id.
func TicketScope(ref protocol.TicketRef) bus.Scope {
	var match []bus.Predicate
	if ref.ID != "" {
		match = append(match, bus.Eq(protocol.FieldTicketID, ref.ID))
	}
	if ref.ConversationID != "" {
		match = append(match, bus.Eq(protocol.FieldConversationID, ref.ConversationID))
	}
	return bus.Scope{
		Key: TicketKey(ref),
		Bindings: []bus.Binding{
			{Table: protocol.TableMessages, Event: protocol.ChangeInsert, Match: match},
			{Table: protocol.TableMessages, Event: protocol.ChangeUpdate, Match: match},
		},
	}
}
