package lock

// Scope says how widely an operation must be serialized.
type Scope int

const (
	// ScopeLocal serializes only within one working copy.
	ScopeLocal Scope = iota
	// ScopeShared serializes every operation on one repository.
	ScopeShared
)

func (s Scope) String() string {
	if s == ScopeShared {
		return "shared"
	}
	return "local"
}

func (s Scope) key(id string) string {
	return s.String() + ":" + id
}

// Op names a git operation for scope lookup.
type Op string

const (
	OpStage          Op = "stage"
	OpStatus         Op = "status"
	OpDiff           Op = "diff"
	OpCommit         Op = "commit"
	OpWorktreeAdd    Op = "worktree_add"
	OpWorktreeRemove Op = "worktree_remove"
	OpWorktreePrune  Op = "worktree_prune"
	OpBranchCreate   Op = "branch_create"
	OpBranchDelete   Op = "branch_delete"
	OpIntegrate      Op = "integrate"
	OpFetch          Op = "fetch"
	OpPush           Op = "push"
)

// ScopeOf returns the scope an operation needs. Operations confined to one
// copy's index and history are local; anything that adds or removes a copy,
// moves a shared ref or talks to a remote is shared. Unknown operations are
// treated as shared.
func ScopeOf(op Op) Scope {
	switch op {
	case OpStage, OpStatus, OpDiff, OpCommit:
		return ScopeLocal
	default:
		return ScopeShared
	}
}
