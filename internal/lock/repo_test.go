package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestShared_FIFOOrder(t *testing.T) {
	locks := NewRepoLocks()
	ctx := context.Background()

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_, _ = Shared(ctx, locks, "repo", func(context.Context) (struct{}, error) {
			close(holding)
			<-release
			return struct{}{}, nil
		})
	}()
	<-holding

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = Shared(ctx, locks, "repo", func(context.Context) (struct{}, error) {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return struct{}{}, nil
			})
		}(i)
		// Enqueue strictly one after another.
		waitFor(t, func() bool { return locks.Waiting(ScopeShared, "repo") == i+1 })
	}

	close(release)
	wg.Wait()

	for i, n := range order {
		if n != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestShared_DifferentReposRunInParallel(t *testing.T) {
	locks := NewRepoLocks()
	ctx := context.Background()

	var inside sync.WaitGroup
	inside.Add(2)
	release := make(chan struct{})
	done := make(chan struct{}, 2)

	for _, repo := range []string{"a", "b"} {
		go func(repo string) {
			_, _ = Shared(ctx, locks, repo, func(context.Context) (struct{}, error) {
				inside.Done()
				<-release
				return struct{}{}, nil
			})
			done <- struct{}{}
		}(repo)
	}

	waited := make(chan struct{})
	go func() {
		inside.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("shared access on different repositories must not serialize")
	}
	close(release)
	<-done
	<-done
}

func TestLocal_DifferentCopiesRunInParallel(t *testing.T) {
	locks := NewRepoLocks()
	ctx := context.Background()

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_, _ = Local(ctx, locks, "wt-1", func(context.Context) (struct{}, error) {
			close(holding)
			<-release
			return struct{}{}, nil
		})
	}()
	<-holding
	defer close(release)

	got, err := Local(ctx, locks, "wt-2", func(context.Context) (string, error) {
		return "ran", nil
	})
	if err != nil || got != "ran" {
		t.Fatalf("expected second copy to run while first is held, got %q %v", got, err)
	}

	// Shared access on the repository is a separate queue from copy-local work.
	if _, err := Shared(ctx, locks, "repo", func(context.Context) (int, error) { return 1, nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestShared_CancelWhileQueued(t *testing.T) {
	locks := NewRepoLocks()
	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_, _ = Shared(context.Background(), locks, "repo", func(context.Context) (struct{}, error) {
			close(holding)
			<-release
			return struct{}{}, nil
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Shared(ctx, locks, "repo", func(context.Context) (struct{}, error) {
		t.Fatal("cancelled waiter must not run")
		return struct{}{}, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if n := locks.Waiting(ScopeShared, "repo"); n != 0 {
		t.Fatalf("cancelled waiter left in queue: %d", n)
	}

	close(release)
	// The queue must still be usable after the holder leaves.
	if _, err := Shared(context.Background(), locks, "repo", func(context.Context) (int, error) { return 0, nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestShared_PropagatesResultAndError(t *testing.T) {
	locks := NewRepoLocks()
	boom := errors.New("boom")
	_, err := Shared(context.Background(), locks, "repo", func(context.Context) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	v, err := Shared(context.Background(), locks, "repo", func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("got %d %v", v, err)
	}
}

func TestRepoLocks_Close(t *testing.T) {
	locks := NewRepoLocks()
	_ = locks.Close()
	_, err := Shared(context.Background(), locks, "repo", func(context.Context) (int, error) { return 0, nil })
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestScopeOf_RuleTable(t *testing.T) {
	local := []Op{OpStage, OpStatus, OpDiff, OpCommit}
	shared := []Op{OpWorktreeAdd, OpWorktreeRemove, OpWorktreePrune, OpBranchCreate, OpBranchDelete, OpIntegrate, OpFetch, OpPush, Op("something_new")}
	for _, op := range local {
		if ScopeOf(op) != ScopeLocal {
			t.Fatalf("%s should be local", op)
		}
	}
	for _, op := range shared {
		if ScopeOf(op) != ScopeShared {
			t.Fatalf("%s should be shared", op)
		}
	}
}

func TestRun_UsesRuleTable(t *testing.T) {
	locks := NewRepoLocks()
	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_, _ = Shared(context.Background(), locks, "repo", func(context.Context) (struct{}, error) {
			close(holding)
			<-release
			return struct{}{}, nil
		})
	}()
	<-holding
	defer close(release)

	// A commit in a copy proceeds while the repository queue is held.
	if _, err := Run(context.Background(), locks, OpCommit, "repo", "wt-1", func(context.Context) (int, error) { return 1, nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A push waits behind the holder.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := Run(ctx, locks, OpPush, "repo", "wt-1", func(context.Context) (int, error) { return 1, nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected push to queue behind shared holder, got %v", err)
	}
}
