package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// TempDir creates a temporary directory for tests.
func TempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "qdispatch-test-*")
	if err != nil {
		t.Fatalf("creating temp dir: %v", err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

// AssertNoError fails if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertEqual fails if got != want.
func AssertEqual[T comparable](t *testing.T, got, want T) {
	t.Helper()
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// AssertContains fails if s does not contain substr.
func AssertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Fatalf("expected %q to contain %q", s, substr)
	}
}

// AssertLen fails if len(s) != want.
func AssertLen[T any](t *testing.T, s []T, want int) {
	t.Helper()
	if len(s) != want {
		t.Fatalf("len() = %d, want %d", len(s), want)
	}
}

// AssertTrue fails if b is false.
func AssertTrue(t *testing.T, b bool, msg string) {
	t.Helper()
	if !b {
		t.Fatalf("expected true: %s", msg)
	}
}

// AssertFalse fails if b is true.
func AssertFalse(t *testing.T, b bool, msg string) {
	t.Helper()
	if b {
		t.Fatalf("expected false: %s", msg)
	}
}

// GitRepo is a temporary git repository for testing. Its trunk is main and
// it starts with one commit so worktrees can branch from it.
type GitRepo struct {
	Path string
	t    *testing.T
}

// NewGitRepo creates a new temporary git repository.
func NewGitRepo(t *testing.T) *GitRepo {
	t.Helper()

	repo := &GitRepo{
		Path: TempDir(t),
		t:    t,
	}

	repo.run("init")
	repo.run("config", "user.email", "test@example.com")
	repo.run("config", "user.name", "Test User")
	repo.run("config", "commit.gpgsign", "false")
	// Set default branch to main for consistency
	repo.run("checkout", "-b", "main")
	repo.WriteFile("README.md", "# test\n")
	repo.Commit("initial")

	return repo
}

// run executes a git command in the repo.
func (r *GitRepo) run(args ...string) string {
	r.t.Helper()

	out, err := r.Run(args...)
	if err != nil {
		r.t.Fatalf("git %v: %s: %v", args, out, err)
	}
	return out
}

// Run executes a git command (exported for test access).
func (r *GitRepo) Run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.Path

	output, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(output)), err
}

// MustRun executes a git command and fails the test on error.
func (r *GitRepo) MustRun(args ...string) string {
	r.t.Helper()
	return r.run(args...)
}

// WriteFile creates a file in the repo.
func (r *GitRepo) WriteFile(name, content string) {
	r.t.Helper()
	WriteFileIn(r.t, r.Path, name, content)
}

// Commit stages all and commits.
func (r *GitRepo) Commit(message string) string {
	r.t.Helper()

	r.run("add", "-A")
	r.run("commit", "-m", message, "--allow-empty")

	return r.run("rev-parse", "HEAD")
}

// CommitFile writes a file on the checked-out branch and commits it.
func (r *GitRepo) CommitFile(name, content, message string) string {
	r.t.Helper()
	r.WriteFile(name, content)
	return r.Commit(message)
}

// RevParse resolves a ref to a commit hash.
func (r *GitRepo) RevParse(ref string) string {
	r.t.Helper()
	return r.run("rev-parse", ref)
}

// Show returns the content of path at ref.
func (r *GitRepo) Show(ref, path string) (string, error) {
	return r.Run("show", ref+":"+path)
}

// BranchExists reports whether a local branch exists.
func (r *GitRepo) BranchExists(name string) bool {
	_, err := r.Run("rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// CountMerges returns the number of merge commits reachable from ref.
func (r *GitRepo) CountMerges(ref string) string {
	r.t.Helper()
	return r.run("rev-list", "--merges", "--count", ref)
}

// AddBareRemote creates a bare repository, registers it as remote name and
// pushes main to it. It returns the bare repository path.
func (r *GitRepo) AddBareRemote(name string) string {
	r.t.Helper()

	dir := TempDir(r.t)
	cmd := exec.Command("git", "init", "--bare", dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		r.t.Fatalf("creating bare repo: %s: %v", out, err)
	}
	r.run("remote", "add", name, dir)
	r.run("push", name, "main")
	r.run("fetch", name)
	return dir
}

// WriteFileIn writes content to dir/name, creating parent directories.
func WriteFileIn(t *testing.T, dir, name, content string) {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
}

// GitIn runs git in dir and fails the test on error.
func GitIn(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v in %s: %s: %v", args, dir, out, err)
	}
	return strings.TrimSpace(string(out))
}
