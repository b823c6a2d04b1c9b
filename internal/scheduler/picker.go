// Package scheduler decides which tickets run next. The picker is pure: it
// holds no state between cycles and the same inputs always produce the same
// selection.
package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// Weights are the scoring constants.
type Weights struct {
	Implementing float64
	Research     float64
	Planning     float64
	Verification float64

	Unread float64
	Rework float64

	// HumanWait is earned linearly over HumanWaitCap since the last human
	// activity.
	HumanWait    float64
	HumanWaitCap time.Duration

	Starvation      float64
	StarvationAfter time.Duration
}

// DefaultWeights returns the standard scoring constants.
func DefaultWeights() Weights {
	return Weights{
		Implementing:    300,
		Research:        200,
		Planning:        100,
		Verification:    100,
		Unread:          200,
		Rework:          100,
		HumanWait:       100,
		HumanWaitCap:    4 * time.Hour,
		Starvation:      100,
		StarvationAfter: 24 * time.Hour,
	}
}

func (w Weights) base(p core.Phase) float64 {
	switch p {
	case core.PhaseImplementing:
		return w.Implementing
	case core.PhaseResearch:
		return w.Research
	case core.PhasePlanning:
		return w.Planning
	case core.PhaseVerification:
		return w.Verification
	default:
		return 0
	}
}

// Candidate is a ticket plus the signals the picker cannot derive from it.
type Candidate struct {
	Ticket *core.Ticket
	// Unread is true when a human message arrived after the agent last read.
	Unread bool
}

// Score is the breakdown of a candidate's priority.
type Score struct {
	Base       float64
	Unread     float64
	Rework     float64
	HumanWait  float64
	Boost      float64
	Starvation float64
}

// Total sums the components.
func (s Score) Total() float64 {
	return s.Base + s.Unread + s.Rework + s.HumanWait + s.Boost + s.Starvation
}

// Pick is a selected ticket.
type Pick struct {
	Ticket   *core.Ticket
	Identity string
	Score    Score
}

// SkipReasonCode enumerates why a candidate was not picked.
type SkipReasonCode string

const (
	SkipLeased       SkipReasonCode = "leased"
	SkipNotWorkable  SkipReasonCode = "not-workable"
	SkipBlocked      SkipReasonCode = "blocked-on-human"
	SkipActive       SkipReasonCode = "agent-active"
	SkipIdentityBusy SkipReasonCode = "identity-busy"
	SkipIdentityUsed SkipReasonCode = "identity-picked"
	SkipConcurrency  SkipReasonCode = "concurrency"
)

// SkipReason explains why a candidate was excluded.
type SkipReason struct {
	Reason SkipReasonCode
	Detail string
}

// Selection is the picker's decision.
type Selection struct {
	Picks   []Pick
	Skipped map[string]SkipReason
}

// Picker ranks candidates.
type Picker struct {
	weights Weights
}

// NewPicker creates a picker with the default weights.
func NewPicker() *Picker {
	return &Picker{weights: DefaultWeights()}
}

// NewPickerWithWeights creates a picker with custom weights.
func NewPickerWithWeights(w Weights) *Picker {
	return &Picker{weights: w}
}

// Pick returns up to limit tickets in dispatch order.
func (p *Picker) Pick(candidates []Candidate, now time.Time, limit int) []Pick {
	return p.Select(candidates, now, limit).Picks
}

type scored struct {
	c        Candidate
	identity string
	score    Score
	total    float64
}

// Select is Pick with the reasons every other candidate was skipped.
func (p *Picker) Select(candidates []Candidate, now time.Time, limit int) Selection {
	sel := Selection{Skipped: make(map[string]SkipReason)}

	busy := make(map[string]string)
	for _, c := range candidates {
		if c.Ticket != nil && c.Ticket.Leased(now) {
			busy[c.Ticket.WorkerIdentity()] = c.Ticket.ID
		}
	}

	eligible := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		t := c.Ticket
		if t == nil {
			continue
		}
		if reason, skip := p.exclude(t, now); skip {
			sel.Skipped[t.ID] = reason
			continue
		}
		s := p.Score(c, now)
		eligible = append(eligible, scored{c: c, identity: t.WorkerIdentity(), score: s, total: s.Total()})
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.total != b.total {
			return a.total > b.total
		}
		if c := compareAgentActivity(a.c.Ticket, b.c.Ticket); c != 0 {
			return c < 0
		}
		return a.c.Ticket.ID < b.c.Ticket.ID
	})

	used := make(map[string]string)
	for _, e := range eligible {
		id := e.c.Ticket.ID
		if owner, ok := busy[e.identity]; ok {
			sel.Skipped[id] = SkipReason{Reason: SkipIdentityBusy,
				Detail: fmt.Sprintf("%s is running %s", e.identity, owner)}
			continue
		}
		if owner, ok := used[e.identity]; ok {
			sel.Skipped[id] = SkipReason{Reason: SkipIdentityUsed,
				Detail: fmt.Sprintf("%s already picked for %s", e.identity, owner)}
			continue
		}
		if limit <= 0 || len(sel.Picks) >= limit {
			sel.Skipped[id] = SkipReason{Reason: SkipConcurrency,
				Detail: fmt.Sprintf("limit %d reached", limit)}
			continue
		}
		used[e.identity] = id
		sel.Picks = append(sel.Picks, Pick{Ticket: e.c.Ticket, Identity: e.identity, Score: e.score})
	}
	return sel
}

func (p *Picker) exclude(t *core.Ticket, now time.Time) (SkipReason, bool) {
	switch {
	case t.Leased(now):
		return SkipReason{Reason: SkipLeased, Detail: "lease expires " + t.Lease.ExpiresAt.Format(time.RFC3339)}, true
	case !t.Phase.IsWorkable():
		return SkipReason{Reason: SkipNotWorkable, Detail: string(t.Phase)}, true
	case t.SubState == core.SubStateBlockedOnHuman:
		return SkipReason{Reason: SkipBlocked, Detail: string(t.BlockedReason)}, true
	case t.SubState == core.SubStateAgentActive:
		return SkipReason{Reason: SkipActive, Detail: "awaiting lease reclaim"}, true
	}
	return SkipReason{}, false
}

// Score computes the priority of one candidate at now.
func (p *Picker) Score(c Candidate, now time.Time) Score {
	t := c.Ticket
	w := p.weights
	s := Score{Base: w.base(t.Phase), Boost: float64(t.PriorityBoost)}

	if c.Unread && t.SubState != core.SubStateBlockedOnHuman {
		s.Unread = w.Unread
	}
	if t.SubState == core.SubStateReturnedForRework {
		s.Rework = w.Rework
	}
	if t.LastHumanActivityAt != nil && w.HumanWaitCap > 0 {
		waited := now.Sub(*t.LastHumanActivityAt)
		if waited > w.HumanWaitCap {
			waited = w.HumanWaitCap
		}
		if waited > 0 {
			s.HumanWait = float64(waited) / float64(w.HumanWaitCap) * w.HumanWait
		}
	}
	last := t.CreatedAt
	if t.LastAgentActivityAt != nil {
		last = *t.LastAgentActivityAt
	}
	if now.Sub(last) > w.StarvationAfter {
		s.Starvation = w.Starvation
	}
	return s
}

// compareAgentActivity orders never-run tickets first, then older activity.
func compareAgentActivity(a, b *core.Ticket) int {
	switch {
	case a.LastAgentActivityAt == nil && b.LastAgentActivityAt == nil:
		return 0
	case a.LastAgentActivityAt == nil:
		return -1
	case b.LastAgentActivityAt == nil:
		return 1
	case a.LastAgentActivityAt.Before(*b.LastAgentActivityAt):
		return -1
	case b.LastAgentActivityAt.Before(*a.LastAgentActivityAt):
		return 1
	}
	return 0
}
