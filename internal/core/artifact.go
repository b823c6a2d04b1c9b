package core

// ArtifactKind names an upstream product a later phase depends on.
type ArtifactKind string

const (
	ArtifactResearch       ArtifactKind = "research"
	ArtifactPlan           ArtifactKind = "plan"
	ArtifactImplementation ArtifactKind = "implementation"
	ArtifactVerification   ArtifactKind = "verification"
)

// Artifacts maps an artifact kind to its content or a reference to it.
type Artifacts map[ArtifactKind]string

// Has reports whether a non-empty artifact of kind exists.
func (a Artifacts) Has(kind ArtifactKind) bool {
	if a == nil {
		return false
	}
	return a[kind] != ""
}

// Set stores content under kind, allocating the map if needed.
func (a *Artifacts) Set(kind ArtifactKind, content string) {
	if *a == nil {
		*a = make(Artifacts)
	}
	(*a)[kind] = content
}

// Clone returns an independent copy.
func (a Artifacts) Clone() Artifacts {
	if a == nil {
		return nil
	}
	out := make(Artifacts, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// ArtifactForPhase returns the artifact a phase produces when its work completes.
func ArtifactForPhase(p Phase) (ArtifactKind, bool) {
	switch p {
	case PhaseResearch:
		return ArtifactResearch, true
	case PhasePlanning:
		return ArtifactPlan, true
	case PhaseImplementing:
		return ArtifactImplementation, true
	case PhaseVerification:
		return ArtifactVerification, true
	default:
		return "", false
	}
}
