package core

import (
	"context"
	"time"
)

// =============================================================================
// Persistence Port
// =============================================================================

// TicketUpdate is a compare-and-swap write of a ticket plus side records.
type TicketUpdate struct {
	// Ticket holds the new values; Ticket.Version must equal the stored version.
	Ticket *Ticket
	// ConsumeApprovalID marks an approval as consumed in the same transaction.
	ConsumeApprovalID string
	Messages          []*Message
	At                time.Time
}

// RunCompletion seals a run and writes the ticket outcome atomically.
// The write is refused if the ticket's lease is no longer owned by Run.ID.
type RunCompletion struct {
	Run      *RunRecord
	Ticket   *Ticket
	Messages []*Message
	// ConsumeApprovalID marks the approval that authorized the run as consumed.
	ConsumeApprovalID string
}

// ReclaimedLease describes an abandoned lease cleared by ReclaimExpiredLeases.
type ReclaimedLease struct {
	TicketID   string
	OwnerRunID string
	ExpiredAt  time.Time
}

// TicketStore persists tickets and their run history.
type TicketStore interface {
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	CreateTicket(ctx context.Context, t *Ticket) error

	// GetTicket returns a NOT_FOUND error when the ticket does not exist.
	GetTicket(ctx context.Context, id string) (*Ticket, error)

	ListTickets(ctx context.Context, filter TicketFilter) ([]*Ticket, error)

	// UpdateTicket writes the ticket when its version matches and bumps Version.
	UpdateTicket(ctx context.Context, u TicketUpdate) error

	// ClaimLease atomically installs lease on a ticket that has no live lease
	// and is still in the expected state, and records run as running.
	// Returns a LEASE_HELD conflict when another owner got there first.
	ClaimLease(ctx context.Context, t *Ticket, next State, lease Lease, run *RunRecord) error

	// ReclaimExpiredLeases clears leases expired at now, resets agent_active
	// tickets and seals their running records as timeout.
	ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]ReclaimedLease, error)

	// CompleteRun seals a run and applies the ticket outcome in one transaction.
	CompleteRun(ctx context.Context, c RunCompletion) error

	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns runs newest first. Empty ticketID lists all tickets.
	ListRuns(ctx context.Context, ticketID string, limit int) ([]*RunRecord, error)

	Close() error
}

// =============================================================================
// Human Communication Port
// =============================================================================

// Communications is the boundary to the system of record for messages and
// approvals. The dispatcher reads signals and appends messages; it never
// edits or formats them.
type Communications interface {
	// AppendMessage adds a message. Human messages bump the ticket's
	// LastHumanActivityAt.
	AppendMessage(ctx context.Context, m *Message) error

	ListMessages(ctx context.Context, ticketID string) ([]*Message, error)

	// HasUnreadSince reports whether a human message exists after since.
	// A nil since means any human message counts.
	HasUnreadSince(ctx context.Context, ticketID string, since *time.Time) (bool, error)

	// RecordApproval stores an approval signal and bumps LastHumanActivityAt.
	RecordApproval(ctx context.Context, a *Approval) error

	// PendingApproval returns the oldest unconsumed approval for the ticket,
	// or nil when none exists.
	PendingApproval(ctx context.Context, ticketID string) (*Approval, error)
}

// =============================================================================
// Worker Port
// =============================================================================

// WorkerStatus is the outcome reported by a worker.
type WorkerStatus string

const (
	WorkerCompleted WorkerStatus = "completed"
	WorkerBlocked   WorkerStatus = "blocked"
	WorkerTimeout   WorkerStatus = "timeout"
	WorkerError     WorkerStatus = "error"
)

// WorkerRequest is the input handed to a worker.
type WorkerRequest struct {
	TicketID        string        `json:"ticketId"`
	RunID           string        `json:"runId"`
	Phase           Phase         `json:"phase"`
	WorkingCopyPath string        `json:"workingCopyPath"`
	TaskPrompt      string        `json:"taskPrompt"`
	SessionDir      string        `json:"sessionDir"`
	MaxDuration     time.Duration `json:"-"`
}

// WorkerMessage is one message produced by a worker.
type WorkerMessage struct {
	Content string      `json:"content"`
	Kind    MessageKind `json:"kind"`
}

// WorkerResult is the outcome of one invocation.
type WorkerResult struct {
	Status      WorkerStatus    `json:"status"`
	Messages    []WorkerMessage `json:"messages"`
	PhaseChange Phase           `json:"phaseChange,omitempty"`
	TokensUsed  TokenUsage      `json:"tokensUsed"`
	CostUSD     float64         `json:"costUsd"`
	// ArtifactFile names a file, relative to the working copy, holding the
	// phase artifact. When set it replaces the completion message as the
	// artifact content.
	ArtifactFile string `json:"artifactFile,omitempty"`
}

// HasKind reports whether the result carries a message of kind.
func (r *WorkerResult) HasKind(kind MessageKind) bool {
	for _, m := range r.Messages {
		if m.Kind == kind {
			return true
		}
	}
	return false
}

// LastOfKind returns the content of the last message of kind.
func (r *WorkerResult) LastOfKind(kind MessageKind) string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Kind == kind {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Worker runs one unit of agent work inside a working copy. Implementations
// must stop within req.MaxDuration.
type Worker interface {
	Invoke(ctx context.Context, req WorkerRequest) (*WorkerResult, error)
}
