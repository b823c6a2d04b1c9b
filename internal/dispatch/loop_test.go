package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

type scriptedRunner struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (r *scriptedRunner) RunCycle(context.Context) (*CycleReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	var err error
	if len(r.errs) > 0 {
		err = r.errs[0]
		if len(r.errs) > 1 {
			r.errs = r.errs[1:]
		}
	}
	return &CycleReport{CycleID: "c"}, err
}

func (r *scriptedRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func runLoop(t *testing.T, l *Loop) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop")
		}
	}
}

func TestLoop_RunsImmediatelyAndOnEveryTick(t *testing.T) {
	runner := &scriptedRunner{}
	var reports int
	var mu sync.Mutex
	l := NewLoop(LoopConfig{
		Runner:   runner,
		Interval: 10 * time.Millisecond,
		OnCycle: func(*CycleReport, error) {
			mu.Lock()
			reports++
			mu.Unlock()
		},
	})

	stop := runLoop(t, l)
	require.Eventually(t, func() bool { return runner.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	stop()

	status := l.Status()
	assert.GreaterOrEqual(t, status.Cycles, 3)
	assert.NotNil(t, status.LastCycleAt)
	mu.Lock()
	assert.GreaterOrEqual(t, reports, 3)
	mu.Unlock()
}

func TestLoop_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	runner := &scriptedRunner{errs: []error{errors.New("database is locked")}}
	l := NewLoop(LoopConfig{Runner: runner, Interval: 5 * time.Millisecond, BreakerThreshold: 2})

	stop := runLoop(t, l)
	defer stop()
	require.Eventually(t, func() bool { return l.Status().BreakerOpen }, 2*time.Second, 5*time.Millisecond)

	calls := runner.Calls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, runner.Calls(), "no cycles run while the breaker is open")
	assert.Equal(t, "database is locked", l.Status().LastError)
}

func TestLoop_ContentionDoesNotTripBreaker(t *testing.T) {
	runner := &scriptedRunner{errs: []error{core.ErrConflict(core.CodeCycleContended, "held")}}
	l := NewLoop(LoopConfig{Runner: runner, Interval: 5 * time.Millisecond, BreakerThreshold: 1})

	stop := runLoop(t, l)
	require.Eventually(t, func() bool { return runner.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	stop()

	status := l.Status()
	assert.False(t, status.BreakerOpen)
	assert.GreaterOrEqual(t, status.Contended, 3)
	assert.Empty(t, status.LastError)
}

func TestLoop_WakeFileRunsCycleAndResetsBreaker(t *testing.T) {
	dir := t.TempDir()
	wake := filepath.Join(dir, "wake")
	runner := &scriptedRunner{errs: []error{errors.New("boom"), nil}}
	l := NewLoop(LoopConfig{Runner: runner, Interval: time.Hour, WakeFile: wake, BreakerThreshold: 1})

	stop := runLoop(t, l)
	defer stop()
	require.Eventually(t, func() bool { return l.Status().BreakerOpen }, 2*time.Second, 5*time.Millisecond)

	// The watcher starts before the first cycle, so a touch is always seen.
	require.NoError(t, os.WriteFile(wake, []byte("x"), 0o600))
	require.Eventually(t, func() bool { return runner.Calls() >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, l.Status().BreakerOpen)
}

func TestCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(0)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 1; i < DefaultBreakerThreshold; i++ {
		assert.False(t, cb.RecordFailure(at), "failure %d", i)
	}
	assert.True(t, cb.RecordFailure(at))
	assert.False(t, cb.RecordFailure(at), "only the tripping failure reports true")
	assert.True(t, cb.IsOpen())

	cb.RecordSuccess()
	failures, open, last := cb.State()
	assert.Equal(t, 0, failures)
	assert.True(t, open, "success does not close an open breaker")
	assert.Equal(t, at, last)

	cb.Reset()
	assert.False(t, cb.IsOpen())
}
