package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/adapters/git"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/lock"
)

// Isolator is the part of the isolation provider the dispatcher drives.
type Isolator interface {
	CreateIsolatedCopy(ctx context.Context, itemID string) (string, error)
	BranchName(itemID string) string
	Trunk() string
	Finalize(ctx context.Context, itemID string) (*git.FinalizeResult, error)
	Overlaps(ctx context.Context, itemIDs []string) ([]git.PairOverlap, error)
	Prune(ctx context.Context) ([]string, error)
	ResolveInCopy(itemID, rel string) (string, error)
}

var _ Isolator = (*git.Isolation)(nil)

// Workspaces resolves a project to its isolation provider.
type Workspaces interface {
	Resolve(ctx context.Context, projectID string) (Isolator, error)
	// Projects lists the configured project ids in a stable order.
	Projects() []string
}

// StaticWorkspaces is a fixed project map.
type StaticWorkspaces map[string]Isolator

// Resolve returns the isolator for projectID.
func (s StaticWorkspaces) Resolve(_ context.Context, projectID string) (Isolator, error) {
	iso, ok := s[projectID]
	if !ok {
		return nil, unknownProject(projectID)
	}
	return iso, nil
}

// Projects returns the sorted project ids.
func (s StaticWorkspaces) Projects() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func unknownProject(id string) error {
	return core.ErrValidation(core.CodeUnknownProject, fmt.Sprintf("project %q is not configured", id))
}

// GitWorkspaces builds one git isolation provider per configured project on
// first use. All providers share the process's repository lock queues, so two
// projects pointing at one repository still serialize.
type GitWorkspaces struct {
	cfg    *config.Config
	locks  *lock.RepoLocks
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*git.Isolation
}

// NewGitWorkspaces creates a resolver over cfg.Projects.
func NewGitWorkspaces(cfg *config.Config, locks *lock.RepoLocks, logger *slog.Logger) *GitWorkspaces {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitWorkspaces{
		cfg:    cfg,
		locks:  locks,
		logger: logger,
		cache:  make(map[string]*git.Isolation),
	}
}

// Resolve returns the isolation provider for projectID.
func (w *GitWorkspaces) Resolve(ctx context.Context, projectID string) (Isolator, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if iso, ok := w.cache[projectID]; ok {
		return iso, nil
	}
	p, ok := w.cfg.Project(projectID)
	if !ok {
		return nil, unknownProject(projectID)
	}
	policy := git.DefaultConflictPolicy()
	if len(w.cfg.Conflicts.MachinePatterns) > 0 {
		policy.MachinePatterns = w.cfg.Conflicts.MachinePatterns
	}
	if len(w.cfg.Conflicts.HumanPatterns) > 0 {
		policy.HumanPatterns = w.cfg.Conflicts.HumanPatterns
	}
	if w.cfg.Conflicts.MaxMachineFiles > 0 {
		policy.MaxMachineFiles = w.cfg.Conflicts.MaxMachineFiles
	}

	opts := []git.Option{
		git.WithWorktreeRoot(filepath.Join(w.cfg.WorktreeDir(), projectID)),
		git.WithTrunk(p.Trunk),
		git.WithRemote(p.Remote),
		git.WithConflictPolicy(policy),
		git.WithCommandTimeout(w.cfg.Git.CommandTimeoutValue()),
		git.WithAuthor(w.cfg.Git.AuthorName, w.cfg.Git.AuthorEmail),
		git.WithLogger(w.logger.With("project", projectID)),
	}
	if w.cfg.Git.BranchPrefix != "" {
		opts = append(opts, git.WithBranchPrefix(w.cfg.Git.BranchPrefix))
	}

	iso, err := git.NewIsolation(ctx, p.Repo, w.locks, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening project %s: %w", projectID, err)
	}
	w.cache[projectID] = iso
	return iso, nil
}

// Projects returns the configured project ids, sorted.
func (w *GitWorkspaces) Projects() []string {
	ids := make([]string, 0, len(w.cfg.Projects))
	for id := range w.cfg.Projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
