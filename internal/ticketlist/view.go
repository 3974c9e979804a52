package ticketlist

import (
	"sort"
	"strings"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// DefaultPageSize is the number of tickets per page.
const DefaultPageSize = 25

// View is the agent's list selection, search query and page. Changing the
// list or the query goes back to page 1.
type View struct {
	list     List
	query    string
	page     int
	pageSize int
}

// NewView returns a view on the open list.
func NewView(pageSize int) View {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return View{list: ListOpen, page: 1, pageSize: pageSize}
}

// Page is one rendered page of a view.
type Page struct {
	List       List              `json:"list"`
	Query      string            `json:"query,omitempty"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
	Total      int               `json:"total"`
	TotalPages int               `json:"total_pages"`
	Tickets    []protocol.Ticket `json:"tickets"`
}

func (v *View) List() List    { return v.list }
func (v *View) Query() string { return v.query }
func (v *View) PageNum() int  { return v.page }

// SetList switches the active list.
func (v *View) SetList(l List) {
	if l != v.list {
		v.list = l
		v.page = 1
	}
}

// SetQuery sets the search text.
func (v *View) SetQuery(q string) {
	if q != v.query {
		v.query = q
		v.page = 1
	}
}

// SetPage selects a page. Out of range values are clamped when rendered.
func (v *View) SetPage(p int) {
	if p < 1 {
		p = 1
	}
	v.page = p
}

// Reset goes back to the open list, no query, page 1.
func (v *View) Reset() {
	v.list = ListOpen
	v.query = ""
	v.page = 1
}

// Render filters, sorts and slices tickets for the current state.
func (v *View) Render(tickets []protocol.Ticket) Page {
	size := v.pageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	matched := Sorted(Filter(tickets, v.query))
	total := len(matched)
	pages := (total + size - 1) / size
	if pages == 0 {
		pages = 1
	}
	page := v.page
	if page > pages {
		page = pages
	}
	start := (page - 1) * size
	end := min(start+size, total)

	out := make([]protocol.Ticket, 0, end-start)
	for _, t := range matched[start:end] {
		t.Messages = nil
		out = append(out, t)
	}
	return Page{
		List:       v.list,
		Query:      v.query,
		Page:       page,
		PageSize:   size,
		Total:      total,
		TotalPages: pages,
		Tickets:    out,
	}
}

// Filter returns the tickets whose id, subject, customer name, customer
// address or preview contains query, ignoring case. The input is not
// modified. An empty query matches everything.
func Filter(tickets []protocol.Ticket, query string) []protocol.Ticket {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return append([]protocol.Ticket(nil), tickets...)
	}
	var out []protocol.Ticket
	for _, t := range tickets {
		if matches(t, q) {
			out = append(out, t)
		}
	}
	return out
}

func matches(t protocol.Ticket, q string) bool {
	for _, field := range []string{t.ID, t.Subject, t.CustomerName, t.CustomerEmail, t.Preview} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// Sorted returns tickets most-recent-first by last activity. Ties keep
// their input order.
func Sorted(tickets []protocol.Ticket) []protocol.Ticket {
	out := append([]protocol.Ticket(nil), tickets...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}
