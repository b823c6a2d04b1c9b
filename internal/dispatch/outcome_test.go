package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/testutil"
)

func TestClassify(t *testing.T) {
	tk := testutil.NewTestTicket("T-1", testutil.InPhase(core.PhasePlanning))

	tests := []struct {
		name     string
		res      *core.WorkerResult
		err      error
		event    core.EventKind
		status   core.RunStatus
		artifact string
	}{
		{"worker error", nil, errors.New("exec failed"), core.EventWorkerFailed, core.RunError, ""},
		{"domain timeout", nil, core.ErrTimeout("slow"), core.EventWorkerFailed, core.RunTimeout, ""},
		{"deadline", nil, fmt.Errorf("wait: %w", context.DeadlineExceeded), core.EventWorkerFailed, core.RunTimeout, ""},
		{"nil result", nil, nil, core.EventWorkerFailed, core.RunError, ""},
		{"budget exceeded", &core.WorkerResult{Status: core.WorkerTimeout}, nil, core.EventWorkerFailed, core.RunTimeout, ""},
		{"reported error", &core.WorkerResult{Status: core.WorkerError}, nil, core.EventWorkerFailed, core.RunError, ""},
		{"question", testutil.Question("which api?"), nil, core.EventWorkerQuestion, core.RunBlocked, ""},
		{"blocked without question", &core.WorkerResult{Status: core.WorkerBlocked}, nil, core.EventWorkerQuestion, core.RunBlocked, ""},
		{"completion", testutil.Completion("the plan"), nil, core.EventWorkerDone, core.RunCompleted, "the plan"},
		{"phase change", &core.WorkerResult{
			Status:      core.WorkerCompleted,
			PhaseChange: core.PhaseImplementing,
			Messages:    []core.WorkerMessage{{Kind: core.MessageNote, Content: "ready"}},
		}, nil, core.EventWorkerDone, core.RunCompleted, "ready"},
		{"progress", &core.WorkerResult{Status: core.WorkerCompleted}, nil, core.EventWorkerProgress, core.RunCompleted, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := classify(tk, tt.res, tt.err)
			assert.Equal(t, tt.event, o.event.Kind)
			assert.Equal(t, tt.status, o.status)
			assert.Equal(t, tt.artifact, o.artifact)
			if tt.status == core.RunError || tt.status == core.RunTimeout {
				assert.NotEmpty(t, o.errText)
			}
		})
	}
}

func TestClassify_MismatchedPhaseChangeWaitsForApproval(t *testing.T) {
	tk := testutil.NewTestTicket("T-1", testutil.InPhase(core.PhasePlanning))
	o := classify(tk, &core.WorkerResult{Status: core.WorkerCompleted, PhaseChange: core.PhaseDone}, nil)
	assert.Equal(t, core.EventWorkerDone, o.event.Kind)
	assert.Contains(t, o.systemMsg, "only implementing can follow planning")
}

func TestPromptRenderer_AllWorkablePhases(t *testing.T) {
	r, err := NewPromptRenderer()
	require.NoError(t, err)

	for _, p := range workablePhases {
		tk := testutil.NewTestTicket("T-9", testutil.InPhase(p))
		tk.Description = "Fix the flaky retry test"
		out, err := r.Render(PromptData{
			Ticket:      tk,
			WorkingCopy: "/wt/T-9",
			Branch:      "qd/T-9",
			Trunk:       "main",
			Unread:      true,
			Messages: []*core.Message{
				{Author: core.AuthorHuman, Kind: core.MessageNote, Content: "please keep it small"},
			},
		})
		require.NoError(t, err, p)
		assert.Contains(t, out, "# T-9: ticket T-9")
		assert.Contains(t, out, "Fix the flaky retry test")
		assert.Contains(t, out, "[human/note] please keep it small")
		assert.Contains(t, out, "New human messages arrived")
		assert.Contains(t, out, "/wt/T-9")
	}
}

func TestPromptRenderer_RejectsUnworkablePhase(t *testing.T) {
	r, err := NewPromptRenderer()
	require.NoError(t, err)

	_, err = r.Render(PromptData{Ticket: testutil.NewTestTicket("T-1", testutil.InPhase(core.PhaseBacklog))})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestPromptData_ArtifactPlaceholder(t *testing.T) {
	d := PromptData{Ticket: testutil.NewTestTicket("T-1")}
	assert.Equal(t, "(none recorded)", d.Artifact("plan"))
	d.Ticket.Artifacts.Set(core.ArtifactPlan, "  step one\n")
	assert.Equal(t, "step one", d.Artifact("plan"))
}

func TestDo_RetriesOnlyRetryableErrors(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

	attempts := 0
	v, err := Do(context.Background(), p, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", core.ErrTimeout("fetch")
		}
		return "ok", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, attempts)

	attempts = 0
	_, err = Do(context.Background(), p, func(context.Context) (int, error) {
		attempts++
		return 0, core.ErrValidation(core.CodePathEscape, "escape")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	var notified []int
	_, err = Do(context.Background(), p, func(context.Context) (int, error) {
		return 0, core.ErrExecution(core.CodeWorkerFailed, "flaky")
	}, func(attempt int, _ error, _ time.Duration) { notified = append(notified, attempt) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, []int{1, 2}, notified)
}

func TestDo_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, DefaultRetryPolicy(), func(context.Context) (int, error) { return 1, nil }, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResourceSnapshot(t *testing.T) {
	assert.Equal(t, 1, ResourceSnapshot{}.Concurrency())
	assert.Equal(t, 1, ResourceSnapshot{MemAvailableMB: 1024}.Concurrency())
	assert.Equal(t, 3, ResourceSnapshot{MemAvailableMB: 6 * 1024}.Concurrency())
	assert.Equal(t, 4, ResourceSnapshot{MemAvailableMB: 64 * 1024}.Concurrency())

	assert.Empty(t, ResourceSnapshot{DiskFreeMB: 10_000, MemPercent: 40, Load1: 1, NumCPU: 4}.Warnings())
	warnings := ResourceSnapshot{DiskFreeMB: 100, MemPercent: 95, Load1: 20, NumCPU: 4}.Warnings()
	assert.Len(t, warnings, 3)
}

func TestProbeResources(t *testing.T) {
	snap := ProbeResources(t.TempDir())
	assert.Positive(t, snap.NumCPU)
	assert.GreaterOrEqual(t, snap.Concurrency(), 1)
}
