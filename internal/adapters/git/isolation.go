package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/fsutil"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/lock"
)

// Outcome is the result of finalizing an item.
type Outcome string

const (
	OutcomeIntegrated Outcome = "integrated"
	OutcomeConflict   Outcome = "conflict"
)

// FinalizeResult describes one finalize attempt. Trunk is untouched unless
// Outcome is integrated.
type FinalizeResult struct {
	ItemID        string
	Outcome       Outcome
	OldTip        string
	NewTip        string
	ConflictPaths []string
	HumanRequired bool
	Overlap       *FileOverlap
	// AlreadyIntegrated is set when the item's commits were on trunk before
	// this attempt, as after a crash between publish and bookkeeping.
	AlreadyIntegrated bool
}

// CopyStatus is the state of one item's working copy.
type CopyStatus struct {
	Path    string
	Branch  string
	Exists  bool
	Dirty   []string
	Commits int
}

// Isolation gives every work item its own worktree and branch of one
// repository and integrates finished items back onto trunk. Operations on
// shared repository metadata go through the repository's FIFO queue.
type Isolation struct {
	client  *Client
	repoID  string
	locks   *lock.RepoLocks
	root    string
	trunk   string
	remote  string
	prefix  string
	policy  ConflictPolicy
	logger  *slog.Logger
	timeout time.Duration
	author  [2]string

	// beforeIntegrate runs after a successful rebase, right before trunk moves.
	beforeIntegrate func(itemID string)
}

// Option configures an Isolation.
type Option func(*Isolation)

// WithWorktreeRoot sets the directory holding item worktrees.
func WithWorktreeRoot(dir string) Option {
	return func(i *Isolation) { i.root = dir }
}

// WithTrunk sets the integration branch.
func WithTrunk(name string) Option {
	return func(i *Isolation) {
		if name != "" {
			i.trunk = name
		}
	}
}

// WithRemote enables fetching from and pushing to remote.
func WithRemote(name string) Option {
	return func(i *Isolation) { i.remote = name }
}

// WithBranchPrefix sets the prefix of item branches.
func WithBranchPrefix(prefix string) Option {
	return func(i *Isolation) { i.prefix = prefix }
}

// WithConflictPolicy sets how conflicts are classified.
func WithConflictPolicy(p ConflictPolicy) Option {
	return func(i *Isolation) { i.policy = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Isolation) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithCommandTimeout bounds each git command.
func WithCommandTimeout(d time.Duration) Option {
	return func(i *Isolation) { i.timeout = d }
}

// WithAuthor sets the identity for auto-commits and rebased commits.
func WithAuthor(name, email string) Option {
	return func(i *Isolation) { i.author = [2]string{name, email} }
}

// NewIsolation creates the provider for the repository at repoPath.
func NewIsolation(ctx context.Context, repoPath string, locks *lock.RepoLocks, opts ...Option) (*Isolation, error) {
	if locks == nil {
		return nil, core.ErrValidation("NO_LOCKS", "repository locks are required")
	}
	client, err := NewClient(repoPath)
	if err != nil {
		return nil, err
	}

	i := &Isolation{
		locks:  locks,
		trunk:  "main",
		prefix: "qd/",
		policy: DefaultConflictPolicy(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(i)
	}

	i.client = client.WithTimeout(i.timeout).WithAuthor(i.author[0], i.author[1])
	i.repoID, err = i.client.CommonDir(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving repository identity: %w", err)
	}
	if i.root == "" {
		repo := i.client.RepoPath()
		i.root = filepath.Join(filepath.Dir(repo), filepath.Base(repo)+"-worktrees")
	}
	i.root, err = filepath.Abs(i.root)
	if err != nil {
		return nil, fmt.Errorf("resolving worktree root: %w", err)
	}
	if i.prefix == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "branch prefix must not be empty")
	}
	return i, nil
}

// RepoID returns the repository identity used for shared locking.
func (i *Isolation) RepoID() string {
	return i.repoID
}

// Trunk returns the integration branch name.
func (i *Isolation) Trunk() string {
	return i.trunk
}

// CopyPath returns where itemID's working copy lives.
func (i *Isolation) CopyPath(itemID string) string {
	return filepath.Join(i.root, itemID)
}

// BranchName returns itemID's branch.
func (i *Isolation) BranchName(itemID string) string {
	return i.prefix + itemID
}

func validateItemID(itemID string) error {
	if !core.ValidTicketID(itemID) {
		return core.ErrValidation(core.CodeInvalidTicketID, fmt.Sprintf("invalid item id %q", itemID))
	}
	return nil
}

// baseRef returns the ref new copies branch from and integrations rebase
// onto: the remote-tracking trunk when a remote is configured.
func (i *Isolation) baseRef() string {
	if i.remote != "" {
		return "refs/remotes/" + i.remote + "/" + i.trunk
	}
	return "refs/heads/" + i.trunk
}

// CreateIsolatedCopy returns the working copy for itemID, creating it from
// trunk's current tip if needed. Calling it again for an existing copy
// returns the same path.
func (i *Isolation) CreateIsolatedCopy(ctx context.Context, itemID string) (string, error) {
	if err := validateItemID(itemID); err != nil {
		return "", err
	}
	return lock.Run(ctx, i.locks, lock.OpWorktreeAdd, i.repoID, "", func(ctx context.Context) (string, error) {
		if i.remote != "" {
			if err := i.client.Fetch(ctx, i.remote); err != nil {
				return "", fmt.Errorf("fetching %s: %w", i.remote, err)
			}
		}
		return i.ensureCopy(ctx, itemID)
	})
}

// ensureCopy must run with shared access held.
func (i *Isolation) ensureCopy(ctx context.Context, itemID string) (string, error) {
	path := i.CopyPath(itemID)
	branch := i.BranchName(itemID)

	wt, err := i.client.FindWorktree(ctx, path)
	if err != nil {
		return "", err
	}
	if wt != nil && !wt.Prunable {
		if wt.Branch != branch {
			return "", core.ErrState("WORKTREE_MISMATCH",
				fmt.Sprintf("%s has %q checked out, expected %q", path, wt.Branch, branch))
		}
		return path, nil
	}
	if wt != nil {
		if _, err := i.client.WorktreePrune(ctx); err != nil {
			return "", fmt.Errorf("pruning worktrees: %w", err)
		}
	}
	if _, err := os.Stat(path); err == nil {
		// Left behind by an interrupted add; nothing registered refers to it.
		i.logger.Warn("removing unregistered worktree directory", "path", path)
		if err := os.RemoveAll(path); err != nil {
			return "", fmt.Errorf("removing stale directory: %w", err)
		}
	}
	if err := os.MkdirAll(i.root, 0o750); err != nil {
		return "", fmt.Errorf("creating worktree root: %w", err)
	}

	exists, err := i.client.RefExists(ctx, "refs/heads/"+branch)
	if err != nil {
		return "", err
	}
	if err := i.client.WorktreeAdd(ctx, path, branch, i.baseRef(), !exists); err != nil {
		return "", fmt.Errorf("adding worktree for %s: %w", itemID, err)
	}
	i.logger.Info("created working copy", "item", itemID, "path", path, "branch", branch, "reused_branch", exists)
	return path, nil
}

// ResolveInCopy resolves rel inside itemID's working copy and rejects paths
// that end up outside it.
func (i *Isolation) ResolveInCopy(itemID, rel string) (string, error) {
	if err := validateItemID(itemID); err != nil {
		return "", err
	}
	resolved, err := fsutil.WithinDir(i.CopyPath(itemID), rel)
	if err != nil {
		if errors.Is(err, fsutil.ErrOutsideDir) {
			return "", core.ErrValidation(core.CodePathEscape,
				fmt.Sprintf("%q resolves outside the working copy of %s", rel, itemID))
		}
		return "", err
	}
	return resolved, nil
}

// Status reports the working copy of itemID. Only that copy is locked.
func (i *Isolation) Status(ctx context.Context, itemID string) (*CopyStatus, error) {
	if err := validateItemID(itemID); err != nil {
		return nil, err
	}
	path := i.CopyPath(itemID)
	return lock.Run(ctx, i.locks, lock.OpStatus, i.repoID, path, func(ctx context.Context) (*CopyStatus, error) {
		st := &CopyStatus{Path: path, Branch: i.BranchName(itemID), Dirty: []string{}}
		if _, err := os.Stat(path); err != nil {
			return st, nil
		}
		st.Exists = true
		wc := i.client.At(path)
		dirty, err := wc.StatusPaths(ctx)
		if err != nil {
			return nil, err
		}
		st.Dirty = dirty
		out, err := wc.run(ctx, "rev-list", "--count", i.baseRef()+"..HEAD")
		if err == nil {
			fmt.Sscanf(out, "%d", &st.Commits)
		}
		return st, nil
	})
}

// Commit records pending work in itemID's copy. It reports false when the
// copy was clean or does not exist.
func (i *Isolation) Commit(ctx context.Context, itemID, message string) (bool, error) {
	if err := validateItemID(itemID); err != nil {
		return false, err
	}
	path := i.CopyPath(itemID)
	return lock.Run(ctx, i.locks, lock.OpCommit, i.repoID, path, func(ctx context.Context) (bool, error) {
		if _, err := os.Stat(path); err != nil {
			return false, nil
		}
		return i.client.At(path).CommitAll(ctx, message)
	})
}

// Overlap compares itemID's changes with trunk's since their merge base.
func (i *Isolation) Overlap(ctx context.Context, itemID string) (*FileOverlap, error) {
	if err := validateItemID(itemID); err != nil {
		return nil, err
	}
	return lock.Shared(ctx, i.locks, i.repoID, func(ctx context.Context) (*FileOverlap, error) {
		trunkTip, err := i.client.RevParse(ctx, i.baseRef())
		if err != nil {
			return nil, fmt.Errorf("resolving trunk: %w", err)
		}
		itemTip, err := i.client.RevParse(ctx, "refs/heads/"+i.BranchName(itemID))
		if err != nil {
			return nil, core.ErrNotFound("branch", i.BranchName(itemID))
		}
		return i.overlap(ctx, itemID, itemTip, trunkTip)
	})
}

func (i *Isolation) overlap(ctx context.Context, itemID, itemTip, trunkTip string) (*FileOverlap, error) {
	base, err := i.client.MergeBase(ctx, itemTip, trunkTip)
	if err != nil {
		return nil, fmt.Errorf("finding branch point: %w", err)
	}
	itemPaths, err := i.client.DiffNames(ctx, base, itemTip)
	if err != nil {
		return nil, err
	}
	trunkPaths, err := i.client.DiffNames(ctx, base, trunkTip)
	if err != nil {
		return nil, err
	}
	return &FileOverlap{
		ItemID:      itemID,
		BranchPoint: base,
		ItemPaths:   itemPaths,
		TrunkPaths:  trunkPaths,
		Overlapping: intersect(itemPaths, trunkPaths),
	}, nil
}

// Overlaps reports pairs of items whose pending changes touch the same
// files. Uncommitted edits in each copy count as pending.
func (i *Isolation) Overlaps(ctx context.Context, itemIDs []string) ([]PairOverlap, error) {
	for _, id := range itemIDs {
		if err := validateItemID(id); err != nil {
			return nil, err
		}
	}
	return lock.Shared(ctx, i.locks, i.repoID, func(ctx context.Context) ([]PairOverlap, error) {
		trunkTip, err := i.client.RevParse(ctx, i.baseRef())
		if err != nil {
			return nil, fmt.Errorf("resolving trunk: %w", err)
		}

		changed := make(map[string][]string, len(itemIDs))
		for _, id := range itemIDs {
			paths, err := i.pendingPaths(ctx, id, trunkTip)
			if err != nil {
				return nil, err
			}
			changed[id] = paths
		}

		pairs := make([]PairOverlap, 0)
		for a := 0; a < len(itemIDs); a++ {
			for b := a + 1; b < len(itemIDs); b++ {
				common := intersect(changed[itemIDs[a]], changed[itemIDs[b]])
				if len(common) > 0 {
					pairs = append(pairs, PairOverlap{A: itemIDs[a], B: itemIDs[b], Paths: common})
				}
			}
		}
		return pairs, nil
	})
}

func (i *Isolation) pendingPaths(ctx context.Context, itemID, trunkTip string) ([]string, error) {
	var committed, dirty []string
	itemTip, err := i.client.RevParse(ctx, "refs/heads/"+i.BranchName(itemID))
	if err == nil {
		base, err := i.client.MergeBase(ctx, itemTip, trunkTip)
		if err != nil {
			return nil, err
		}
		if committed, err = i.client.DiffNames(ctx, base, itemTip); err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(i.CopyPath(itemID)); err == nil {
		if dirty, err = i.client.At(i.CopyPath(itemID)).StatusPaths(ctx); err != nil {
			return nil, err
		}
	}
	return union(committed, dirty), nil
}

// Finalize integrates itemID onto trunk. Pending work in the copy is
// committed, the branch is rebased onto trunk's latest tip and trunk is
// fast-forwarded to it. On a rebase conflict the rebase is aborted and trunk
// is left exactly as it was. After integration the copy and branch are
// removed.
func (i *Isolation) Finalize(ctx context.Context, itemID string) (*FinalizeResult, error) {
	if err := validateItemID(itemID); err != nil {
		return nil, err
	}
	if _, err := i.Commit(ctx, itemID, fmt.Sprintf("%s: pending work", itemID)); err != nil {
		return nil, fmt.Errorf("committing pending work: %w", err)
	}
	return lock.Run(ctx, i.locks, lock.OpIntegrate, i.repoID, "", func(ctx context.Context) (*FinalizeResult, error) {
		return i.integrate(ctx, itemID)
	})
}

// integrate must run with shared access held.
func (i *Isolation) integrate(ctx context.Context, itemID string) (*FinalizeResult, error) {
	path := i.CopyPath(itemID)
	branch := i.BranchName(itemID)
	log := i.logger.With("item", itemID, "branch", branch)

	itemTip, err := i.client.RevParse(ctx, "refs/heads/"+branch)
	if err != nil {
		return nil, core.ErrNotFound("branch", branch)
	}
	if i.remote != "" {
		if err := i.client.Fetch(ctx, i.remote); err != nil {
			return nil, fmt.Errorf("fetching %s: %w", i.remote, err)
		}
	}
	oldTip, err := i.client.RevParse(ctx, i.baseRef())
	if err != nil {
		return nil, fmt.Errorf("resolving trunk: %w", err)
	}

	overlap, err := i.overlap(ctx, itemID, itemTip, oldTip)
	if err != nil {
		return nil, err
	}
	res := &FinalizeResult{ItemID: itemID, OldTip: oldTip, Overlap: overlap}
	if !overlap.Safe() {
		log.Info("item and trunk touched the same files", "paths", overlap.Overlapping)
	}

	onTrunk, err := i.client.IsAncestor(ctx, itemTip, oldTip)
	if err != nil {
		return nil, err
	}
	if onTrunk {
		res.Outcome = OutcomeIntegrated
		res.NewTip = oldTip
		res.AlreadyIntegrated = true
		log.Info("item already on trunk", "trunk", oldTip)
		i.cleanup(ctx, path, branch)
		return res, nil
	}

	if _, err := i.ensureCopy(ctx, itemID); err != nil {
		return nil, err
	}
	wc := i.client.At(path)
	if err := wc.Rebase(ctx, oldTip); err != nil {
		conflicts, listErr := wc.ConflictedFiles(ctx)
		if abortErr := wc.RebaseAbort(ctx); abortErr != nil {
			log.Warn("aborting rebase failed", "error", abortErr)
		}
		if listErr != nil || len(conflicts) == 0 {
			return nil, fmt.Errorf("rebasing %s onto %s: %w", branch, i.trunk, err)
		}
		res.Outcome = OutcomeConflict
		res.ConflictPaths = conflicts
		res.HumanRequired = i.policy.Classify(conflicts) == ConflictHuman
		log.Info("integration conflict", "paths", conflicts, "human_required", res.HumanRequired)
		return res, nil
	}

	newTip, err := wc.RevParse(ctx, "HEAD")
	if err != nil {
		return nil, err
	}
	if err := i.checkLinear(ctx, oldTip, newTip); err != nil {
		return nil, err
	}

	if i.beforeIntegrate != nil {
		i.beforeIntegrate(itemID)
	}
	if err := i.publish(ctx, oldTip, newTip); err != nil {
		return nil, err
	}
	res.Outcome = OutcomeIntegrated
	res.NewTip = newTip
	log.Info("integrated", "old_tip", oldTip, "new_tip", newTip)

	i.cleanup(ctx, path, branch)
	return res, nil
}

func (i *Isolation) checkLinear(ctx context.Context, oldTip, newTip string) error {
	ff, err := i.client.IsAncestor(ctx, oldTip, newTip)
	if err != nil {
		return err
	}
	merges, err := i.client.CountMerges(ctx, oldTip, newTip)
	if err != nil {
		return err
	}
	if !ff || merges > 0 {
		return core.ErrState("NON_LINEAR", fmt.Sprintf("rebased history %s is not a linear extension of %s", newTip, oldTip))
	}
	return nil
}

// publish moves trunk from oldTip to newTip. With a remote the push is the
// commit point and the local trunk follows when it can fast-forward.
func (i *Isolation) publish(ctx context.Context, oldTip, newTip string) error {
	localRef := "refs/heads/" + i.trunk

	if i.remote != "" {
		if err := i.client.Push(ctx, i.remote, newTip, i.trunk); err != nil {
			return err
		}
		if err := i.client.Fetch(ctx, i.remote); err != nil {
			i.logger.Warn("fetch after push failed", "error", err)
		}
		localTip, err := i.client.RevParse(ctx, localRef)
		if err != nil {
			return nil
		}
		ff, err := i.client.IsAncestor(ctx, localTip, newTip)
		if err != nil || !ff || localTip == newTip {
			return nil
		}
		if err := i.client.UpdateRef(ctx, localRef, newTip, localTip, "qdispatch: follow "+i.remote); err != nil {
			i.logger.Warn("advancing local trunk failed", "error", err)
			return nil
		}
		i.syncCheckout(ctx, localTip, newTip)
		return nil
	}

	if err := i.client.UpdateRef(ctx, localRef, newTip, oldTip, "qdispatch: integrate"); err != nil {
		return core.ErrConflict(core.CodeTrunkMoved,
			fmt.Sprintf("%s moved during integration", i.trunk)).WithCause(err)
	}
	i.syncCheckout(ctx, oldTip, newTip)
	return nil
}

// syncCheckout brings a worktree that has trunk checked out up to date with
// the moved ref. Failure leaves that checkout stale but trunk correct.
func (i *Isolation) syncCheckout(ctx context.Context, oldTip, newTip string) {
	worktrees, err := i.client.WorktreeList(ctx)
	if err != nil {
		i.logger.Warn("listing worktrees failed", "error", err)
		return
	}
	for _, wt := range worktrees {
		if wt.Bare || wt.Branch != i.trunk {
			continue
		}
		if err := i.client.At(wt.Path).ReadTreeUpdate(ctx, oldTip, newTip); err != nil {
			i.logger.Warn("trunk checkout left behind", "path", wt.Path, "error", err)
		}
	}
}

// cleanup removes the copy and item branch. Failures are logged; the item
// is already integrated.
func (i *Isolation) cleanup(ctx context.Context, path, branch string) {
	wt, err := i.client.FindWorktree(ctx, path)
	if err != nil {
		i.logger.Warn("listing worktrees failed", "error", err)
	}
	if wt != nil {
		if err := i.client.WorktreeRemove(ctx, path, true); err != nil {
			i.logger.Warn("removing working copy failed", "path", path, "error", err)
		}
	}
	if _, err := i.client.WorktreePrune(ctx); err != nil {
		i.logger.Warn("pruning worktrees failed", "error", err)
	}
	if err := i.deleteBranch(ctx, branch); err != nil {
		i.logger.Warn("deleting item branch failed", "branch", branch, "error", err)
	}
}

// deleteBranch refuses to touch trunk or anything outside the item prefix.
func (i *Isolation) deleteBranch(ctx context.Context, branch string) error {
	if branch == i.trunk || !strings.HasPrefix(branch, i.prefix) || branch == i.prefix {
		return core.ErrValidation(core.CodeProtectedBranch,
			fmt.Sprintf("refusing to delete branch %q", branch))
	}
	return i.client.DeleteBranch(ctx, branch, true)
}

// Prune drops worktree entries whose directories no longer exist.
func (i *Isolation) Prune(ctx context.Context) ([]string, error) {
	return lock.Run(ctx, i.locks, lock.OpWorktreePrune, i.repoID, "", func(ctx context.Context) ([]string, error) {
		return i.client.WorktreePrune(ctx)
	})
}

// Discard removes itemID's copy and branch without integrating.
func (i *Isolation) Discard(ctx context.Context, itemID string) error {
	if err := validateItemID(itemID); err != nil {
		return err
	}
	_, err := lock.Run(ctx, i.locks, lock.OpWorktreeRemove, i.repoID, "", func(ctx context.Context) (struct{}, error) {
		path := i.CopyPath(itemID)
		if wt, err := i.client.FindWorktree(ctx, path); err != nil {
			return struct{}{}, err
		} else if wt != nil {
			if err := i.client.WorktreeRemove(ctx, path, true); err != nil {
				return struct{}{}, err
			}
		}
		branch := i.BranchName(itemID)
		exists, err := i.client.RefExists(ctx, "refs/heads/"+branch)
		if err != nil || !exists {
			return struct{}{}, err
		}
		return struct{}{}, i.deleteBranch(ctx, branch)
	})
	return err
}
