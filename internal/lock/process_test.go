package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

func TestProcessLease_ExclusiveWithinProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.lock")
	first := NewProcessLease(path)
	second := NewProcessLease(path)

	if err := first.Acquire("run-1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	err := second.Acquire("run-2")
	if !core.HasCode(err, core.CodeCycleContended) {
		t.Fatalf("expected contention, got %v", err)
	}

	holder, err := second.Holder()
	if err != nil || holder == nil {
		t.Fatalf("expected holder info, got %v %v", holder, err)
	}
	if holder.RunID != "run-1" || holder.PID != os.Getpid() {
		t.Fatalf("unexpected holder %+v", holder)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := second.Acquire("run-2"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = second.Release()
}

func TestProcessLease_ReacquireWithoutReleaseFails(t *testing.T) {
	l := NewProcessLease(filepath.Join(t.TempDir(), "dispatch.lock"))
	if err := l.Acquire("r1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release()
	if err := l.Acquire("r2"); !core.HasCode(err, core.CodeCycleContended) {
		t.Fatalf("expected contention, got %v", err)
	}
}

func TestProcessLease_ReleaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.lock")
	l := NewProcessLease(path)
	if err := l.Release(); err != nil {
		t.Fatalf("release unheld: %v", err)
	}
	if err := l.Acquire("r1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected lease file to be removed, got %v", err)
	}
}

func writeLeaseFile(t *testing.T, path string, info LeaseInfo, age time.Duration) {
	t.Helper()
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	mod := time.Now().Add(-age)
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestProcessLease_ReclaimsDeadHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.lock")
	// PIDs near the top of the range are not in use on test machines.
	writeLeaseFile(t, path, LeaseInfo{PID: 1<<22 - 3, AcquiredAt: time.Now().Add(-time.Hour), RunID: "crashed"}, time.Hour)

	l := NewProcessLease(path)
	if err := l.Acquire("fresh"); err != nil {
		t.Fatalf("expected stale lease to be reclaimed, got %v", err)
	}
	defer l.Release()

	holder, _ := l.Holder()
	if holder == nil || holder.RunID != "fresh" {
		t.Fatalf("unexpected holder %+v", holder)
	}
}

func TestProcessLease_YoungFileFromLiveProcessIsRespected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.lock")
	writeLeaseFile(t, path, LeaseInfo{PID: os.Getpid(), AcquiredAt: time.Now(), RunID: "starting"}, 0)

	l := NewProcessLease(path, WithStartupGrace(time.Minute))
	if err := l.Acquire("other"); !core.HasCode(err, core.CodeCycleContended) {
		t.Fatalf("expected contention, got %v", err)
	}
}

func TestProcessLease_UnreadableOldFileIsReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.lock")
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	l := NewProcessLease(path, WithStartupGrace(time.Second))
	if err := l.Acquire("r1"); err != nil {
		t.Fatalf("expected unreadable stale file to be reclaimed, got %v", err)
	}
	_ = l.Release()
}
