package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestReadFileScoped_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(p, []byte("hello"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	b, err := ReadFileScoped(p)
	if err != nil {
		t.Fatalf("ReadFileScoped error: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("unexpected content: %q", string(b))
	}
}

func TestReadFileScoped_RejectsInvalidPath(t *testing.T) {
	for _, p := range []string{"", ".", string(filepath.Separator)} {
		if _, err := ReadFileScoped(p); err == nil {
			t.Fatalf("expected error for %q", p)
		}
	}
}

func TestWithinDir_AllowsNestedPaths(t *testing.T) {
	base := t.TempDir()
	got, err := WithinDir(base, filepath.Join("src", "new", "file.go"))
	if err != nil {
		t.Fatalf("WithinDir error: %v", err)
	}
	resolvedBase, _ := filepath.EvalSymlinks(base)
	if filepath.Dir(filepath.Dir(filepath.Dir(got))) != resolvedBase {
		t.Fatalf("unexpected resolution %q", got)
	}
}

func TestWithinDir_RejectsTraversal(t *testing.T) {
	base := t.TempDir()
	for _, rel := range []string{"..", "../x", "a/../../x", "/etc/passwd"} {
		if _, err := WithinDir(base, rel); !errors.Is(err, ErrOutsideDir) {
			t.Fatalf("expected escape error for %q, got %v", rel, err)
		}
	}
}

func TestWithinDir_RejectsSymlinkEscape(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(base, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := WithinDir(base, filepath.Join("link", "secret")); !errors.Is(err, ErrOutsideDir) {
		t.Fatalf("expected symlink escape to be rejected, got %v", err)
	}
}

func TestAtomicWriteFile_CreatesParents(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a", "b", "out.json")
	if err := AtomicWriteFile(p, []byte(`{"ok":true}`), 0o600); err != nil {
		t.Fatalf("AtomicWriteFile error: %v", err)
	}
	if err := AtomicWriteFile(p, []byte(`{"ok":false}`), 0o600); err != nil {
		t.Fatalf("overwrite error: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != `{"ok":false}` {
		t.Fatalf("unexpected content %q", b)
	}
}
