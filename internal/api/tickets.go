package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

const defaultRunLimit = 50

// LeaseDTO is the JSON form of a lease.
type LeaseDTO struct {
	OwnerRunID string    `json:"ownerRunId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// TicketDTO is the JSON form of a ticket.
type TicketDTO struct {
	ID                  string            `json:"id"`
	ProjectID           string            `json:"projectId"`
	Title               string            `json:"title"`
	Description         string            `json:"description,omitempty"`
	Phase               core.Phase        `json:"phase"`
	SubState            core.SubState     `json:"subState,omitempty"`
	BlockedReason       core.BlockReason  `json:"blockedReason,omitempty"`
	Agent               string            `json:"agent,omitempty"`
	PriorityBoost       int               `json:"priorityBoost,omitempty"`
	LastAgentActivityAt *time.Time        `json:"lastAgentActivityAt,omitempty"`
	LastHumanActivityAt *time.Time        `json:"lastHumanActivityAt,omitempty"`
	Lease               *LeaseDTO         `json:"lease,omitempty"`
	WorktreePath        string            `json:"worktreePath,omitempty"`
	Branch              string            `json:"branch,omitempty"`
	Artifacts           map[string]string `json:"artifacts,omitempty"`
	Version             int64             `json:"version"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

// TicketDetailDTO adds the conversation and any pending approval.
type TicketDetailDTO struct {
	TicketDTO
	PendingApproval *ApprovalDTO `json:"pendingApproval,omitempty"`
	Messages        []MessageDTO `json:"messages"`
}

// RunDTO is the JSON form of a run record.
type RunDTO struct {
	ID        string         `json:"id"`
	TicketID  string         `json:"ticketId"`
	TaskType  string         `json:"taskType"`
	Status    core.RunStatus `json:"status"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
	TokensIn  int64          `json:"tokensIn"`
	TokensOut int64          `json:"tokensOut"`
	CostUSD   float64        `json:"costUsd"`
	Summary   string         `json:"summary,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// MessageDTO is the JSON form of a message.
type MessageDTO struct {
	ID        string           `json:"id"`
	Author    core.Author      `json:"author"`
	Kind      core.MessageKind `json:"kind"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"createdAt"`
}

// ApprovalDTO is the JSON form of an approval signal.
type ApprovalDTO struct {
	ID        string            `json:"id"`
	Kind      core.ApprovalKind `json:"kind"`
	Target    core.Phase        `json:"target,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

func ticketToDTO(t *core.Ticket) TicketDTO {
	dto := TicketDTO{
		ID:                  t.ID,
		ProjectID:           t.ProjectID,
		Title:               t.Title,
		Description:         t.Description,
		Phase:               t.Phase,
		SubState:            t.SubState,
		BlockedReason:       t.BlockedReason,
		Agent:               t.Agent,
		PriorityBoost:       t.PriorityBoost,
		LastAgentActivityAt: t.LastAgentActivityAt,
		LastHumanActivityAt: t.LastHumanActivityAt,
		WorktreePath:        t.WorktreePath,
		Branch:              t.Branch,
		Version:             t.Version,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
	}
	if t.Lease != nil {
		dto.Lease = &LeaseDTO{OwnerRunID: t.Lease.OwnerRunID, AcquiredAt: t.Lease.AcquiredAt, ExpiresAt: t.Lease.ExpiresAt}
	}
	if len(t.Artifacts) > 0 {
		dto.Artifacts = make(map[string]string, len(t.Artifacts))
		for k, v := range t.Artifacts {
			dto.Artifacts[string(k)] = v
		}
	}
	return dto
}

func runToDTO(r *core.RunRecord) RunDTO {
	return RunDTO{
		ID:        r.ID,
		TicketID:  r.TicketID,
		TaskType:  r.TaskType,
		Status:    r.Status,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		TokensIn:  r.TokensIn,
		TokensOut: r.TokensOut,
		CostUSD:   r.CostUSD,
		Summary:   r.Summary,
		Error:     r.Error,
	}
}

func messagesToDTO(msgs []*core.Message) []MessageDTO {
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageDTO{ID: m.ID, Author: m.Author, Kind: m.Kind, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	return out
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.TicketFilter{ProjectID: q.Get("project")}
	if raw := q.Get("phase"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			p, err := core.ParsePhase(strings.TrimSpace(name))
			if err != nil {
				respondErr(w, err)
				return
			}
			filter.Phases = append(filter.Phases, p)
		}
	}
	limit, ok := parseLimit(w, q.Get("limit"), 0)
	if !ok {
		return
	}
	filter.Limit = limit

	tickets, err := s.store.ListTickets(r.Context(), filter)
	if err != nil {
		respondErr(w, err)
		return
	}
	out := make([]TicketDTO, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, ticketToDTO(t))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ticketID")
	t, err := s.store.GetTicket(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	msgs, err := s.comms.ListMessages(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	approval, err := s.comms.PendingApproval(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}

	detail := TicketDetailDTO{TicketDTO: ticketToDTO(t), Messages: messagesToDTO(msgs)}
	if approval != nil {
		detail.PendingApproval = &ApprovalDTO{
			ID:        approval.ID,
			Kind:      approval.Kind,
			Target:    approval.Target,
			Actor:     approval.Actor,
			CreatedAt: approval.CreatedAt,
		}
	}
	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleTicketMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ticketID")
	if _, err := s.store.GetTicket(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	msgs, err := s.comms.ListMessages(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, messagesToDTO(msgs))
}

func (s *Server) handleTicketRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ticketID")
	if _, err := s.store.GetTicket(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	s.listRuns(w, r, id)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.listRuns(w, r, r.URL.Query().Get("ticket"))
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request, ticketID string) {
	limit, ok := parseLimit(w, r.URL.Query().Get("limit"), defaultRunLimit)
	if !ok {
		return
	}
	runs, err := s.store.ListRuns(r.Context(), ticketID, limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	out := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToDTO(run))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, runToDTO(run))
}

func parseLimit(w http.ResponseWriter, raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}
