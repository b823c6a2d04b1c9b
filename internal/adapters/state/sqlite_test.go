package state

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"), WithClock(func() time.Time { return t0 }))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTicket(t *testing.T, s *SQLiteStore, id string, opts ...func(*core.Ticket)) *core.Ticket {
	t.Helper()
	ticket := testutil.NewTestTicket(id, opts...)
	if err := s.CreateTicket(context.Background(), ticket); err != nil {
		t.Fatalf("CreateTicket(%s): %v", id, err)
	}
	return ticket
}

func claim(t *testing.T, s *SQLiteStore, ticket *core.Ticket, runID string, at time.Time, ttl time.Duration) error {
	t.Helper()
	next, err := core.Transition(ticket.State(), core.Event{Kind: core.EventDispatched}, ticket.Artifacts)
	if err != nil {
		t.Fatalf("dispatch transition: %v", err)
	}
	lease := core.Lease{OwnerRunID: runID, AcquiredAt: at, ExpiresAt: at.Add(ttl)}
	run := core.NewRunRecord(runID, ticket.ID, string(ticket.Phase), at)
	return s.ClaimLease(context.Background(), ticket, next, lease, run)
}

func TestSQLiteStore_CreateAndGetTicket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agentAt := t0.Add(-2 * time.Hour)
	created := createTicket(t, s, "T-1",
		testutil.InPhase(core.PhaseImplementing),
		testutil.WithAgent("claude"),
		testutil.LastAgentAt(agentAt),
	)
	testutil.AssertEqual(t, created.Version, int64(1))

	got, err := s.GetTicket(ctx, "T-1")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.Phase, core.PhaseImplementing)
	testutil.AssertEqual(t, got.Agent, "claude")
	testutil.AssertEqual(t, got.Version, int64(1))
	testutil.AssertTrue(t, got.Artifacts.Has(core.ArtifactPlan), "plan artifact should round-trip")
	testutil.AssertTrue(t, got.LastAgentActivityAt.Equal(agentAt), "agent activity should round-trip")
	testutil.AssertTrue(t, got.LastHumanActivityAt == nil, "human activity should be unset")
	testutil.AssertTrue(t, got.Lease == nil, "new ticket has no lease")
}

func TestSQLiteStore_CreateDuplicateTicket(t *testing.T) {
	s := newTestStore(t)
	createTicket(t, s, "T-1")

	err := s.CreateTicket(context.Background(), testutil.NewTestTicket("T-1"))
	if !core.IsCategory(err, core.ErrCatConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSQLiteStore_CreateRejectsUnbranchableIDs(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"feat/login", "JIRA 12", "ä-1"} {
		err := s.CreateTicket(context.Background(), testutil.NewTestTicket(id))
		if !core.HasCode(err, core.CodeInvalidTicketID) {
			t.Fatalf("CreateTicket(%q): expected INVALID_TICKET_ID, got %v", id, err)
		}
	}
	tickets, err := s.ListTickets(context.Background(), core.TicketFilter{})
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, tickets, 0)
}

func TestSQLiteStore_GetTicketNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTicket(context.Background(), "missing")
	if !core.HasCode(err, core.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestSQLiteStore_ListTicketsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTicket(t, s, "A", testutil.CreatedAt(t0.Add(-3*time.Hour)))
	createTicket(t, s, "B", testutil.WithProject("other"), testutil.CreatedAt(t0.Add(-2*time.Hour)))
	c := createTicket(t, s, "C", testutil.InPhase(core.PhasePlanning), testutil.CreatedAt(t0.Add(-time.Hour)))
	testutil.AssertNoError(t, claim(t, s, c, "run-c", t0, time.Hour))

	all, err := s.ListTickets(ctx, core.TicketFilter{})
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, all, 3)
	testutil.AssertEqual(t, all[0].ID, "A")

	proj, err := s.ListTickets(ctx, core.TicketFilter{ProjectID: "proj"})
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, proj, 2)

	planning, err := s.ListTickets(ctx, core.TicketFilter{Phases: []core.Phase{core.PhasePlanning}})
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, planning, 1)
	testutil.AssertEqual(t, planning[0].ID, "C")

	free, err := s.ListTickets(ctx, core.TicketFilter{Unleased: true, LeaseNow: t0.Add(time.Minute)})
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, free, 2)

	later, err := s.ListTickets(ctx, core.TicketFilter{Unleased: true, LeaseNow: t0.Add(2 * time.Hour)})
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, later, 3)

	limited, err := s.ListTickets(ctx, core.TicketFilter{Limit: 1})
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, limited, 1)
}

func TestSQLiteStore_UpdateTicketCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTicket(t, s, "T-1")

	first, _ := s.GetTicket(ctx, "T-1")
	second, _ := s.GetTicket(ctx, "T-1")

	first.PriorityBoost = 50
	testutil.AssertNoError(t, s.UpdateTicket(ctx, core.TicketUpdate{Ticket: first}))
	testutil.AssertEqual(t, first.Version, int64(2))

	second.PriorityBoost = 10
	err := s.UpdateTicket(ctx, core.TicketUpdate{Ticket: second})
	if !core.HasCode(err, core.CodeVersionConflict) {
		t.Fatalf("expected VERSION_CONFLICT, got %v", err)
	}

	got, _ := s.GetTicket(ctx, "T-1")
	testutil.AssertEqual(t, got.PriorityBoost, 50)
}

func TestSQLiteStore_ClaimLeaseMutualExclusion(t *testing.T) {
	s := newTestStore(t)
	ticket := createTicket(t, s, "T-1")

	const claimers = 8
	var wg sync.WaitGroup
	results := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = claim(t, s, ticket.Clone(), fmt.Sprintf("run-%d", i), t0, time.Hour)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range results {
		if err == nil {
			won++
			continue
		}
		if !core.HasCode(err, core.CodeLeaseHeld) {
			t.Errorf("unexpected claim error: %v", err)
		}
	}
	testutil.AssertEqual(t, won, 1)

	got, err := s.GetTicket(context.Background(), "T-1")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.SubState, core.SubStateAgentActive)
	testutil.AssertTrue(t, got.Leased(t0.Add(time.Minute)), "winner's lease should be stored")

	runs, err := s.ListRuns(context.Background(), "T-1", 0)
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, runs, 1)
	testutil.AssertEqual(t, runs[0].Status, core.RunRunning)
}

func TestSQLiteStore_CompleteRunSealsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ticket := createTicket(t, s, "T-1")
	testutil.AssertNoError(t, claim(t, s, ticket, "run-1", t0, time.Hour))

	run, err := s.GetRun(ctx, "run-1")
	testutil.AssertNoError(t, err)
	run.Seal(core.RunCompleted, t0.Add(10*time.Minute))
	run.TokensIn, run.TokensOut, run.Summary = 100, 20, "done researching"

	next, err := core.Transition(ticket.State(), core.Event{Kind: core.EventWorkerDone}, ticket.Artifacts)
	testutil.AssertNoError(t, err)
	ticket.SetState(next)
	ticket.Artifacts.Set(core.ArtifactResearch, "notes")
	testutil.AssertNoError(t, s.CompleteRun(ctx, core.RunCompletion{
		Run:      run,
		Ticket:   ticket,
		Messages: []*core.Message{{Author: core.AuthorAgent, Kind: core.MessageCompletion, Content: "notes"}},
	}))

	got, _ := s.GetTicket(ctx, "T-1")
	testutil.AssertTrue(t, got.Lease == nil, "lease should be cleared")
	testutil.AssertEqual(t, got.SubState, core.SubStateBlockedOnHuman)
	testutil.AssertEqual(t, got.BlockedReason, core.ReasonApproval)
	testutil.AssertTrue(t, got.Artifacts.Has(core.ArtifactResearch), "artifact should be stored")
	testutil.AssertEqual(t, got.Version, ticket.Version)

	stored, _ := s.GetRun(ctx, "run-1")
	testutil.AssertEqual(t, stored.Status, core.RunCompleted)
	testutil.AssertEqual(t, stored.TokensIn, int64(100))
	testutil.AssertEqual(t, stored.Duration(), 10*time.Minute)

	run.Status = core.RunError
	err = s.CompleteRun(ctx, core.RunCompletion{Run: run, Ticket: ticket})
	if !core.HasCode(err, core.CodeSealedRun) {
		t.Fatalf("expected RUN_SEALED, got %v", err)
	}
	stored, _ = s.GetRun(ctx, "run-1")
	testutil.AssertEqual(t, stored.Status, core.RunCompleted)
}

func TestSQLiteStore_SealedRunsAreImmutableInTheDatabase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ticket := createTicket(t, s, "T-1")
	testutil.AssertNoError(t, claim(t, s, ticket, "run-1", t0, time.Minute))
	_, err := s.ReclaimExpiredLeases(ctx, t0.Add(time.Hour))
	testutil.AssertNoError(t, err)

	_, err = s.db.ExecContext(ctx, "UPDATE runs SET status = 'completed' WHERE id = 'run-1'")
	testutil.AssertError(t, err)
	_, err = s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = 'run-1'")
	testutil.AssertError(t, err)
}

func TestSQLiteStore_ReclaimExpiredLeases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := createTicket(t, s, "stale", testutil.InPhase(core.PhaseImplementing),
		testutil.WithSub(core.SubStateReturnedForRework, core.ReasonNone))
	live := createTicket(t, s, "live")
	testutil.AssertNoError(t, claim(t, s, stale, "run-stale", t0, 20*time.Minute))
	testutil.AssertNoError(t, claim(t, s, live, "run-live", t0.Add(30*time.Minute), 20*time.Minute))

	reclaimed, err := s.ReclaimExpiredLeases(ctx, t0.Add(40*time.Minute))
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, reclaimed, 1)
	testutil.AssertEqual(t, reclaimed[0].TicketID, "stale")
	testutil.AssertEqual(t, reclaimed[0].OwnerRunID, "run-stale")
	testutil.AssertTrue(t, reclaimed[0].ExpiredAt.Equal(t0.Add(20*time.Minute)), "expiry should be reported")

	got, _ := s.GetTicket(ctx, "stale")
	testutil.AssertTrue(t, got.Lease == nil, "stale lease should be cleared")
	testutil.AssertEqual(t, got.SubState, core.SubStateReturnedForRework)

	run, _ := s.GetRun(ctx, "run-stale")
	testutil.AssertEqual(t, run.Status, core.RunTimeout)

	msgs, err := s.ListMessages(ctx, "stale")
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, msgs, 1)
	testutil.AssertEqual(t, msgs[0].Kind, core.MessageSystem)

	stillLive, _ := s.GetTicket(ctx, "live")
	testutil.AssertTrue(t, stillLive.Lease != nil, "live lease must survive")

	again, err := s.ReclaimExpiredLeases(ctx, t0.Add(40*time.Minute))
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, again, 0)
}

func TestSQLiteStore_CompleteRunAfterLeaseLost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ticket := createTicket(t, s, "T-1")
	slow := ticket.Clone()
	testutil.AssertNoError(t, claim(t, s, slow, "run-1", t0, time.Minute))

	_, err := s.ReclaimExpiredLeases(ctx, t0.Add(time.Hour))
	testutil.AssertNoError(t, err)

	fresh, _ := s.GetTicket(ctx, "T-1")
	testutil.AssertNoError(t, claim(t, s, fresh, "run-2", t0.Add(time.Hour), time.Hour))

	run := core.NewRunRecord("run-1", "T-1", "research", t0)
	run.Seal(core.RunCompleted, t0.Add(2*time.Hour))
	err = s.CompleteRun(ctx, core.RunCompletion{Run: run, Ticket: slow})
	testutil.AssertError(t, err)

	got, _ := s.GetTicket(ctx, "T-1")
	testutil.AssertEqual(t, got.Lease.OwnerRunID, "run-2")
}

func TestSQLiteStore_MessagesAndUnread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTicket(t, s, "T-1")

	unread, err := s.HasUnreadSince(ctx, "T-1", nil)
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, unread, "no messages yet")

	testutil.AssertNoError(t, s.AppendMessage(ctx, &core.Message{
		TicketID: "T-1", Author: core.AuthorAgent, Kind: core.MessageQuestion, Content: "which db?",
		CreatedAt: t0,
	}))
	unread, _ = s.HasUnreadSince(ctx, "T-1", nil)
	testutil.AssertFalse(t, unread, "agent messages are not unread human input")

	replyAt := t0.Add(time.Hour)
	testutil.AssertNoError(t, s.AppendMessage(ctx, &core.Message{
		TicketID: "T-1", Author: core.AuthorHuman, Kind: core.MessageNote, Content: "postgres",
		CreatedAt: replyAt,
	}))

	before := t0.Add(30 * time.Minute)
	unread, _ = s.HasUnreadSince(ctx, "T-1", &before)
	testutil.AssertTrue(t, unread, "reply after read marker is unread")
	after := replyAt.Add(time.Second)
	unread, _ = s.HasUnreadSince(ctx, "T-1", &after)
	testutil.AssertFalse(t, unread, "reply before read marker is read")

	got, _ := s.GetTicket(ctx, "T-1")
	testutil.AssertTrue(t, got.LastHumanActivityAt.Equal(replyAt), "human reply should bump activity")

	msgs, _ := s.ListMessages(ctx, "T-1")
	testutil.AssertLen(t, msgs, 2)
	testutil.AssertEqual(t, msgs[1].Content, "postgres")

	err = s.AppendMessage(ctx, &core.Message{TicketID: "missing", Author: core.AuthorHuman, Content: "x"})
	if !core.HasCode(err, core.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestSQLiteStore_ApprovalsConsumedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTicket(t, s, "T-1", testutil.WithSub(core.SubStateBlockedOnHuman, core.ReasonApproval))

	first := &core.Approval{TicketID: "T-1", Target: core.PhasePlanning, Kind: core.ApprovalApprove, Actor: "ana", CreatedAt: t0}
	second := &core.Approval{TicketID: "T-1", Target: core.PhasePlanning, Kind: core.ApprovalApprove, Actor: "ana", CreatedAt: t0.Add(time.Minute)}
	testutil.AssertNoError(t, s.RecordApproval(ctx, first))
	testutil.AssertNoError(t, s.RecordApproval(ctx, second))

	pending, err := s.PendingApproval(ctx, "T-1")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, pending.ID, first.ID)

	ticket, _ := s.GetTicket(ctx, "T-1")
	testutil.AssertTrue(t, ticket.LastHumanActivityAt != nil, "approval counts as human activity")
	ticket.Artifacts.Set(core.ArtifactResearch, "notes")
	testutil.AssertNoError(t, ticket.Apply(pending.Event()))
	testutil.AssertNoError(t, s.UpdateTicket(ctx, core.TicketUpdate{Ticket: ticket, ConsumeApprovalID: pending.ID}))

	pending, _ = s.PendingApproval(ctx, "T-1")
	testutil.AssertEqual(t, pending.ID, second.ID)

	// Replaying the consumed approval rolls the whole update back.
	ticket.PriorityBoost = 7
	err = s.UpdateTicket(ctx, core.TicketUpdate{Ticket: ticket, ConsumeApprovalID: first.ID})
	testutil.AssertError(t, err)
	got, _ := s.GetTicket(ctx, "T-1")
	testutil.AssertEqual(t, got.PriorityBoost, 0)
	testutil.AssertEqual(t, got.Phase, core.PhasePlanning)
}

func TestSQLiteStore_PingAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := NewSQLiteStore(path)
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, s.Ping(context.Background()))
	testutil.AssertNoError(t, s.CreateTicket(context.Background(), testutil.NewTestTicket("T-1")))
	testutil.AssertNoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	testutil.AssertNoError(t, err)
	defer reopened.Close()
	_, err = reopened.GetTicket(context.Background(), "T-1")
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, reopened.Close())
	err = reopened.Ping(context.Background())
	if !core.HasCode(err, core.CodeStoreUnavailable) {
		t.Fatalf("expected STORE_UNAVAILABLE after close, got %v", err)
	}
}
