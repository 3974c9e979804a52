package coordinator

import "time"

// ScopeStatus describes one subscription.
type ScopeStatus struct {
	Key        string    `json:"key"`
	Kind       Kind      `json:"kind"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	Generation uint64    `json:"generation"`
	Retrying   bool      `json:"retrying"`
	Retries    int       `json:"retries"`
	LastError  string    `json:"last_error,omitempty"`
}

// Status is the live-update health shown to the agent.
type Status struct {
	Degraded bool          `json:"degraded"`
	DeskID   string        `json:"desk_id,omitempty"`
	TicketID string        `json:"ticket_id,omitempty"`
	Scopes   []ScopeStatus `json:"scopes"`
}

// Status reports every subscription, sorted by key.
func (c *Coordinator) Status() Status {
	st := Status{
		Degraded: c.degraded,
		DeskID:   c.deskID,
		TicketID: c.ticket.ID,
		Scopes:   []ScopeStatus{},
	}
	for _, sub := range c.sorted() {
		ss := ScopeStatus{
			Key:        sub.key,
			Kind:       sub.kind,
			State:      sub.state,
			CreatedAt:  sub.createdAt,
			Generation: sub.gen,
			Retrying:   sub.retry != nil,
			Retries:    sub.retries,
		}
		if sub.lastErr != nil {
			ss.LastError = sub.lastErr.Error()
		}
		st.Scopes = append(st.Scopes, ss)
	}
	return st
}
