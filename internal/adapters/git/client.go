package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// DefaultCommandTimeout bounds a single git invocation.
const DefaultCommandTimeout = 5 * time.Minute

// CommandError is returned when git exits unsuccessfully.
type CommandError struct {
	Args     []string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: %s: %v", strings.Join(e.Args, " "), strings.TrimSpace(e.Stderr), e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// exitCode returns the git exit status carried by err, or -1.
func exitCode(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return -1
}

// Client wraps git CLI operations in one directory.
type Client struct {
	repoPath string
	timeout  time.Duration
	env      []string
}

// NewClient creates a client for the repository (or worktree) at repoPath.
func NewClient(repoPath string) (*Client, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	client := &Client{
		repoPath: absPath,
		timeout:  DefaultCommandTimeout,
	}

	if err := client.verifyRepo(); err != nil {
		return nil, err
	}

	return client, nil
}

func (c *Client) verifyRepo() error {
	_, err := c.run(context.Background(), "rev-parse", "--git-dir")
	if err != nil {
		return core.ErrValidation("NOT_GIT_REPO", fmt.Sprintf("%s is not a git repository", c.repoPath)).WithCause(err)
	}
	return nil
}

// At returns a client with the same settings running in dir.
func (c *Client) At(dir string) *Client {
	env := make([]string, len(c.env))
	copy(env, c.env)
	return &Client{repoPath: dir, timeout: c.timeout, env: env}
}

// WithTimeout sets the command timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// WithAuthor sets the identity used for commits the client creates.
func (c *Client) WithAuthor(name, email string) *Client {
	if name != "" {
		c.env = append(c.env, "GIT_AUTHOR_NAME="+name, "GIT_COMMITTER_NAME="+name)
	}
	if email != "" {
		c.env = append(c.env, "GIT_AUTHOR_EMAIL="+email, "GIT_COMMITTER_EMAIL="+email)
	}
	return c
}

// RepoPath returns the directory the client runs in.
func (c *Client) RepoPath() string {
	return c.repoPath
}

// run executes a git command and returns trimmed stdout.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	out, err := c.runRaw(ctx, args...)
	return strings.TrimSpace(out), err
}

// runRaw is run without trimming, for NUL-separated output whose first
// record may start with a space.
func (c *Client) runRaw(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.repoPath
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true", "LC_ALL=C")
	cmd.Env = append(cmd.Env, c.env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", core.ErrTimeout(fmt.Sprintf("git %s timed out", args[0]))
		}
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return "", &CommandError{Args: args, Stderr: stderr.String(), ExitCode: code, Err: err}
	}

	return stdout.String(), nil
}

// CommonDir returns the absolute path of the shared git directory. Every
// worktree of one repository reports the same value.
func (c *Client) CommonDir(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(c.repoPath, out)
	}
	return resolvePath(out), nil
}

// RevParse resolves ref to a commit hash.
func (c *Client) RevParse(ctx context.Context, ref string) (string, error) {
	return c.run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
}

// RefExists reports whether ref resolves.
func (c *Client) RefExists(ctx context.Context, ref string) (bool, error) {
	_, err := c.run(ctx, "rev-parse", "--verify", "--quiet", ref)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// StatusPaths returns every path with staged, unstaged or untracked changes.
func (c *Client) StatusPaths(ctx context.Context) ([]string, error) {
	out, err := c.runRaw(ctx, "status", "--porcelain=v1", "-z", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return parseStatusZ(out), nil
}

func parseStatusZ(out string) []string {
	paths := make([]string, 0)
	fields := strings.Split(out, "\x00")
	for i := 0; i < len(fields); i++ {
		entry := fields[i]
		if len(entry) < 4 {
			continue
		}
		paths = append(paths, entry[3:])
		// Renames and copies carry the original path as the next field.
		if entry[0] == 'R' || entry[0] == 'C' {
			i++
		}
	}
	return paths
}

// IsDirty reports whether the working copy has uncommitted changes.
func (c *Client) IsDirty(ctx context.Context) (bool, error) {
	paths, err := c.StatusPaths(ctx)
	if err != nil {
		return false, err
	}
	return len(paths) > 0, nil
}

// CommitAll stages everything and commits it. It reports false when there
// was nothing to commit.
func (c *Client) CommitAll(ctx context.Context, message string) (bool, error) {
	if _, err := c.run(ctx, "add", "-A"); err != nil {
		return false, err
	}
	_, err := c.run(ctx, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	if exitCode(err) != 1 {
		return false, err
	}
	if _, err := c.run(ctx, "commit", "--no-verify", "--no-gpg-sign", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// DiffNames returns paths changed between two commits.
func (c *Client) DiffNames(ctx context.Context, base, head string) ([]string, error) {
	out, err := c.runRaw(ctx, "diff", "--name-only", "-z", base, head)
	if err != nil {
		return nil, err
	}
	return splitZ(out), nil
}

// ConflictedFiles returns unmerged paths in the working copy.
func (c *Client) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := c.runRaw(ctx, "diff", "--name-only", "-z", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitZ(out), nil
}

func splitZ(out string) []string {
	files := make([]string, 0)
	for _, f := range strings.Split(out, "\x00") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	return files
}

// MergeBase returns the best common ancestor of a and b.
func (c *Client) MergeBase(ctx context.Context, a, b string) (string, error) {
	return c.run(ctx, "merge-base", a, b)
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (c *Client) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := c.run(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// CountMerges returns the number of merge commits in from..to.
func (c *Client) CountMerges(ctx context.Context, from, to string) (int, error) {
	out, err := c.run(ctx, "rev-list", "--merges", "--count", from+".."+to)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(out)
}

// Fetch fetches from remote.
func (c *Client) Fetch(ctx context.Context, remote string) error {
	_, err := c.run(ctx, "fetch", "--prune", remote)
	return err
}

// Push publishes rev as branch on remote. It never forces; a push that is
// not a fast-forward is reported as a TRUNK_MOVED conflict.
func (c *Client) Push(ctx context.Context, remote, rev, branch string) error {
	_, err := c.run(ctx, "push", "--porcelain", remote, rev+":refs/heads/"+branch)
	if err == nil {
		return nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && isRejection(cmdErr.Stderr) {
		return core.ErrConflict(core.CodeTrunkMoved,
			fmt.Sprintf("%s/%s moved during integration", remote, branch)).WithCause(err)
	}
	return err
}

func isRejection(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "rejected") ||
		strings.Contains(s, "non-fast-forward") ||
		strings.Contains(s, "fetch first")
}

// UpdateRef moves ref to newRev only if it currently points at oldRev.
func (c *Client) UpdateRef(ctx context.Context, ref, newRev, oldRev, reason string) error {
	_, err := c.run(ctx, "update-ref", "-m", reason, ref, newRev, oldRev)
	return err
}

// DeleteBranch deletes a local branch.
func (c *Client) DeleteBranch(ctx context.Context, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := c.run(ctx, "branch", flag, name)
	return err
}

// Rebase replays the checked-out branch onto upstream.
func (c *Client) Rebase(ctx context.Context, upstream string) error {
	_, err := c.run(ctx, "rebase", "--no-autosquash", upstream)
	return err
}

// RebaseAbort abandons an in-progress rebase.
func (c *Client) RebaseAbort(ctx context.Context) error {
	_, err := c.run(ctx, "rebase", "--abort")
	return err
}

// ReadTreeUpdate moves the index and files of the working copy from oldRev's
// tree to newRev's, keeping unrelated local edits.
func (c *Client) ReadTreeUpdate(ctx context.Context, oldRev, newRev string) error {
	_, err := c.run(ctx, "read-tree", "-m", "-u", oldRev, newRev)
	return err
}
