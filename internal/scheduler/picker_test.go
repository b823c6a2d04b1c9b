package scheduler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/testutil"
)

var now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func cand(t *core.Ticket) Candidate { return Candidate{Ticket: t} }

func ids(picks []Pick) []string {
	out := make([]string, 0, len(picks))
	for _, p := range picks {
		out = append(out, p.Ticket.ID)
	}
	return out
}

func TestPicker_Exclusions(t *testing.T) {
	candidates := []Candidate{
		cand(testutil.NewTestTicket("leased", testutil.WithAgent("a1"), testutil.LeasedUntil("run-1", now.Add(time.Minute)))),
		cand(testutil.NewTestTicket("backlog", testutil.WithAgent("a2"), testutil.InPhase(core.PhaseBacklog))),
		cand(testutil.NewTestTicket("done", testutil.WithAgent("a3"), testutil.InPhase(core.PhaseDone))),
		cand(testutil.NewTestTicket("blocked", testutil.WithAgent("a4"), testutil.WithSub(core.SubStateBlockedOnHuman, core.ReasonQuestion))),
		cand(testutil.NewTestTicket("active", testutil.WithAgent("a5"), testutil.WithSub(core.SubStateAgentActive, ""))),
		cand(testutil.NewTestTicket("ok", testutil.WithAgent("a6"))),
	}

	sel := NewPicker().Select(candidates, now, 10)

	assert.Equal(t, []string{"ok"}, ids(sel.Picks))
	assert.Equal(t, SkipLeased, sel.Skipped["leased"].Reason)
	assert.Equal(t, SkipNotWorkable, sel.Skipped["backlog"].Reason)
	assert.Equal(t, SkipNotWorkable, sel.Skipped["done"].Reason)
	assert.Equal(t, SkipBlocked, sel.Skipped["blocked"].Reason)
	assert.Equal(t, SkipActive, sel.Skipped["active"].Reason)
	assert.Len(t, sel.Skipped, 5)
}

func TestPicker_ExpiredLeaseIsIgnored(t *testing.T) {
	tk := testutil.NewTestTicket("T-1", testutil.LeasedUntil("run-1", now.Add(-time.Second)))

	picks := NewPicker().Pick([]Candidate{cand(tk)}, now, 1)

	assert.Equal(t, []string{"T-1"}, ids(picks))
}

func TestPicker_PhaseOrdering(t *testing.T) {
	candidates := []Candidate{
		cand(testutil.NewTestTicket("plan", testutil.WithAgent("a1"), testutil.InPhase(core.PhasePlanning))),
		cand(testutil.NewTestTicket("impl", testutil.WithAgent("a2"), testutil.InPhase(core.PhaseImplementing))),
		cand(testutil.NewTestTicket("res", testutil.WithAgent("a3"), testutil.InPhase(core.PhaseResearch))),
	}

	picks := NewPicker().Pick(candidates, now, 3)

	assert.Equal(t, []string{"impl", "res", "plan"}, ids(picks))
	assert.Equal(t, 300.0, picks[0].Score.Total())
}

func TestPicker_ReworkOutranksImplementing(t *testing.T) {
	candidates := []Candidate{
		cand(testutil.NewTestTicket("impl", testutil.WithAgent("a1"), testutil.InPhase(core.PhaseImplementing))),
		cand(testutil.NewTestTicket("rework", testutil.WithAgent("a2"), testutil.InPhase(core.PhaseImplementing),
			testutil.WithSub(core.SubStateReturnedForRework, ""))),
	}

	picks := NewPicker().Pick(candidates, now, 2)

	assert.Equal(t, []string{"rework", "impl"}, ids(picks))
	assert.Equal(t, 100.0, picks[0].Score.Rework)
}

func TestPicker_UnreadAndBoost(t *testing.T) {
	unread := Candidate{Ticket: testutil.NewTestTicket("unread", testutil.WithAgent("a1"), testutil.InPhase(core.PhasePlanning)), Unread: true}
	boosted := testutil.NewTestTicket("boosted", testutil.WithAgent("a2"), testutil.InPhase(core.PhasePlanning))
	boosted.PriorityBoost = 150
	impl := testutil.NewTestTicket("impl", testutil.WithAgent("a3"), testutil.InPhase(core.PhaseImplementing))

	picks := NewPicker().Pick([]Candidate{cand(impl), cand(boosted), unread}, now, 3)

	// unread 100+200, impl 300, boosted 100+150: unread and impl tie and both
	// never ran, so ID decides.
	assert.Equal(t, []string{"impl", "unread", "boosted"}, ids(picks))
	assert.Equal(t, 200.0, picks[1].Score.Unread)
}

func TestPicker_HumanWaitIsCapped(t *testing.T) {
	p := NewPicker()
	twoHours := testutil.NewTestTicket("T-1", testutil.LastHumanAt(now.Add(-2*time.Hour)))
	tenHours := testutil.NewTestTicket("T-2", testutil.LastHumanAt(now.Add(-10*time.Hour)))
	never := testutil.NewTestTicket("T-3")

	assert.InDelta(t, 50.0, p.Score(cand(twoHours), now).HumanWait, 0.001)
	assert.InDelta(t, 100.0, p.Score(cand(tenHours), now).HumanWait, 0.001)
	assert.Zero(t, p.Score(cand(never), now).HumanWait)
}

func TestPicker_TieBreaksOnOldestAgentActivity(t *testing.T) {
	candidates := []Candidate{
		cand(testutil.NewTestTicket("B", testutil.WithAgent("a1"), testutil.LastAgentAt(now.Add(-time.Hour)))),
		cand(testutil.NewTestTicket("A", testutil.WithAgent("a2"), testutil.LastAgentAt(now.Add(-time.Minute)))),
		cand(testutil.NewTestTicket("D", testutil.WithAgent("a3"))),
		cand(testutil.NewTestTicket("C", testutil.WithAgent("a4"))),
	}

	picks := NewPicker().Pick(candidates, now, 4)

	assert.Equal(t, []string{"C", "D", "B", "A"}, ids(picks))
}

func TestPicker_Deterministic(t *testing.T) {
	base := []Candidate{
		cand(testutil.NewTestTicket("T-1", testutil.WithAgent("a1"), testutil.InPhase(core.PhaseImplementing))),
		cand(testutil.NewTestTicket("T-2", testutil.WithAgent("a2"))),
		cand(testutil.NewTestTicket("T-3", testutil.WithAgent("a3"), testutil.LastHumanAt(now.Add(-3*time.Hour)))),
		cand(testutil.NewTestTicket("T-4", testutil.WithAgent("a1"), testutil.InPhase(core.PhasePlanning))),
		cand(testutil.NewTestTicket("T-5", testutil.WithAgent("a4"), testutil.LastAgentAt(now.Add(-30*time.Hour)))),
		cand(testutil.NewTestTicket("T-6", testutil.WithAgent("a5"))),
	}
	p := NewPicker()
	want := ids(p.Pick(base, now, 3))
	require.Len(t, want, 3)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		shuffled := append([]Candidate(nil), base...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, ids(p.Pick(shuffled, now, 3)))
	}
}

func TestPicker_StarvationBound(t *testing.T) {
	p := NewPicker()
	starved := testutil.NewTestTicket("starved", testutil.WithAgent("a1"), testutil.InPhase(core.PhasePlanning),
		testutil.LastAgentAt(now.Add(-25*time.Hour)))
	fresh := testutil.NewTestTicket("fresh", testutil.WithAgent("a2"), testutil.InPhase(core.PhaseResearch),
		testutil.LastAgentAt(now.Add(-time.Minute)))

	score := p.Score(cand(starved), now)
	assert.Equal(t, 100.0, score.Starvation)

	// Before the bound the research ticket always wins the single slot.
	early := now.Add(-2 * time.Hour)
	assert.Equal(t, []string{"fresh"}, ids(p.Pick([]Candidate{cand(starved), cand(fresh)}, early, 1)))

	// After it the starved ticket ties and wins on older agent activity.
	assert.Equal(t, []string{"starved"}, ids(p.Pick([]Candidate{cand(starved), cand(fresh)}, now, 1)))
}

func TestPicker_NeverRunUsesCreatedAtForStarvation(t *testing.T) {
	old := testutil.NewTestTicket("old", testutil.CreatedAt(now.Add(-48*time.Hour)))
	young := testutil.NewTestTicket("young", testutil.CreatedAt(now.Add(-time.Hour)))
	p := NewPicker()

	assert.Equal(t, 100.0, p.Score(cand(old), now).Starvation)
	assert.Zero(t, p.Score(cand(young), now).Starvation)
}

func TestPicker_IdentityExclusivity(t *testing.T) {
	candidates := []Candidate{
		cand(testutil.NewTestTicket("impl", testutil.InPhase(core.PhaseImplementing))),
		cand(testutil.NewTestTicket("res", testutil.InPhase(core.PhaseResearch))),
		cand(testutil.NewTestTicket("other", testutil.WithProject("other"))),
	}

	sel := NewPicker().Select(candidates, now, 3)

	assert.Equal(t, []string{"impl", "other"}, ids(sel.Picks))
	assert.Equal(t, "project:proj", sel.Picks[0].Identity)
	assert.Equal(t, SkipIdentityUsed, sel.Skipped["res"].Reason)
}

func TestPicker_SkipsIdentityBusyUnderLiveLease(t *testing.T) {
	candidates := []Candidate{
		cand(testutil.NewTestTicket("running", testutil.WithAgent("alice"), testutil.LeasedUntil("run-1", now.Add(time.Minute)))),
		cand(testutil.NewTestTicket("waiting", testutil.WithAgent("alice"), testutil.InPhase(core.PhaseImplementing))),
		cand(testutil.NewTestTicket("free", testutil.WithAgent("bob"))),
	}

	sel := NewPicker().Select(candidates, now, 2)

	assert.Equal(t, []string{"free"}, ids(sel.Picks))
	assert.Equal(t, SkipIdentityBusy, sel.Skipped["waiting"].Reason)
	assert.Contains(t, sel.Skipped["waiting"].Detail, "running")
}

func TestPicker_Limit(t *testing.T) {
	candidates := []Candidate{
		cand(testutil.NewTestTicket("T-1", testutil.WithAgent("a1"))),
		cand(testutil.NewTestTicket("T-2", testutil.WithAgent("a2"))),
		cand(testutil.NewTestTicket("T-3", testutil.WithAgent("a3"))),
	}
	p := NewPicker()

	sel := p.Select(candidates, now, 2)
	assert.Len(t, sel.Picks, 2)
	assert.Equal(t, SkipConcurrency, sel.Skipped["T-3"].Reason)

	assert.Empty(t, p.Pick(candidates, now, 0))
}
