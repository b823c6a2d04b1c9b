package core

import "testing"

func TestPhase_Order(t *testing.T) {
	phases := AllPhases()
	for i, p := range phases {
		if PhaseOrder(p) != i {
			t.Fatalf("expected %s order %d, got %d", p, i, PhaseOrder(p))
		}
	}
	if PhaseOrder("invalid") != -1 {
		t.Fatalf("expected invalid phase order -1")
	}
}

func TestPhase_Navigation(t *testing.T) {
	want := map[Phase]Phase{
		PhaseBacklog:      PhaseResearch,
		PhaseResearch:     PhasePlanning,
		PhasePlanning:     PhaseImplementing,
		PhaseImplementing: PhaseVerification,
		PhaseVerification: PhaseDone,
		PhaseDone:         "",
	}
	for from, to := range want {
		if got := NextPhase(from); got != to {
			t.Fatalf("NextPhase(%s) = %q, want %q", from, got, to)
		}
	}
}

func TestPhase_Parse(t *testing.T) {
	p, err := ParsePhase("planning")
	if err != nil {
		t.Fatalf("unexpected error parsing phase: %v", err)
	}
	if p != PhasePlanning {
		t.Fatalf("expected planning phase, got %s", p)
	}
	if _, err := ParsePhase("plan"); err == nil {
		t.Fatalf("expected error for unknown phase")
	}
}

func TestPhase_IsWorkable(t *testing.T) {
	for _, p := range []Phase{PhaseBacklog, PhaseDone} {
		if p.IsWorkable() {
			t.Fatalf("%s should not be workable", p)
		}
	}
	for _, p := range []Phase{PhaseResearch, PhasePlanning, PhaseImplementing, PhaseVerification} {
		if !p.IsWorkable() {
			t.Fatalf("%s should be workable", p)
		}
	}
}

func TestPhase_Description(t *testing.T) {
	for _, p := range AllPhases() {
		if p.Description() == "Unknown phase" {
			t.Fatalf("missing description for %s", p)
		}
	}
	if Phase("x").Description() != "Unknown phase" {
		t.Fatalf("expected unknown description")
	}
}

func TestSubState_Valid(t *testing.T) {
	if !ValidSubState(SubStateNone) || !ValidSubState(SubStateAgentActive) {
		t.Fatalf("expected known sub-states to be valid")
	}
	if ValidSubState("sleeping") {
		t.Fatalf("expected unknown sub-state to be invalid")
	}
}
