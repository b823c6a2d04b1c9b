package core

import "time"

// Author identifies who wrote a message.
type Author string

const (
	AuthorHuman Author = "human"
	AuthorAgent Author = "agent"
)

// MessageKind categorizes a message.
type MessageKind string

const (
	MessageQuestion   MessageKind = "question"
	MessageStatus     MessageKind = "status"
	MessageCompletion MessageKind = "completion"
	MessageNote       MessageKind = "note"
	MessageSystem     MessageKind = "system"
)

// Message is an append-only communication record on a ticket.
type Message struct {
	ID        string
	TicketID  string
	Author    Author
	Kind      MessageKind
	Content   string
	CreatedAt time.Time
}

// ApprovalKind distinguishes forward approvals from rework requests.
type ApprovalKind string

const (
	ApprovalApprove ApprovalKind = "approve"
	ApprovalRework  ApprovalKind = "rework"
)

// Approval is an external signal authorizing a gated transition.
type Approval struct {
	ID         string
	TicketID   string
	Target     Phase
	Kind       ApprovalKind
	Actor      string
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

// Event converts the approval into a state-machine event.
func (a *Approval) Event() Event {
	if a.Kind == ApprovalRework {
		return Event{Kind: EventRework, Approved: true}
	}
	return Event{Kind: EventApprove, Target: a.Target, Approved: true}
}
