// Package worker runs agent work as an external command. The request is
// written to the command's stdin as JSON and the result is read from the
// last JSON object on its stdout.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/fsutil"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/logging"
)

const (
	// DefaultGracePeriod is the time between SIGTERM and kill.
	DefaultGracePeriod = 10 * time.Second
	// DefaultBudget applies when a request carries no MaxDuration.
	DefaultBudget = 30 * time.Minute

	maxTranscriptBytes = 4 << 20
)

// Transcript file names written to the session directory.
const (
	RequestFile = "request.json"
	StdoutFile  = "stdout.log"
	StderrFile  = "stderr.log"
	ResultFile  = "result.json"
)

// CommandWorker implements core.Worker by spawning a command per run.
type CommandWorker struct {
	command string
	args    []string
	env     map[string]string
	grace   time.Duration
	logger  *logging.Logger

	mu     sync.Mutex
	active map[string]*exec.Cmd
}

var _ core.Worker = (*CommandWorker)(nil)

// Option configures a CommandWorker.
type Option func(*CommandWorker)

// WithArgs sets the command arguments.
func WithArgs(args ...string) Option {
	return func(w *CommandWorker) { w.args = append([]string(nil), args...) }
}

// WithEnv adds environment variables to every invocation.
func WithEnv(env map[string]string) Option {
	return func(w *CommandWorker) {
		for k, v := range env {
			w.env[k] = v
		}
	}
}

// WithGracePeriod sets how long a worker may run after SIGTERM.
func WithGracePeriod(d time.Duration) Option {
	return func(w *CommandWorker) {
		if d > 0 {
			w.grace = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *CommandWorker) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewCommandWorker creates a worker running command. Multi-word commands
// such as "agent run" are split on whitespace.
func NewCommandWorker(command string, opts ...Option) (*CommandWorker, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "worker command not configured")
	}
	w := &CommandWorker{
		command: parts[0],
		env:     make(map[string]string),
		grace:   DefaultGracePeriod,
		logger:  logging.NewNop(),
		active:  make(map[string]*exec.Cmd),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.args = append(parts[1:], w.args...)
	return w, nil
}

// wireRequest is the stdin payload.
type wireRequest struct {
	core.WorkerRequest
	BudgetSeconds int64 `json:"budgetSeconds"`
}

// Invoke runs one invocation. A worker that outlives its budget is
// terminated and reported with status timeout and a nil error. Spawn
// failures, non-zero exits and unreadable output return WORKER_FAILED.
func (w *CommandWorker) Invoke(ctx context.Context, req core.WorkerRequest) (*core.WorkerResult, error) {
	budget := req.MaxDuration
	if budget <= 0 {
		budget = DefaultBudget
	}
	logger := w.logger.WithTicket(req.TicketID).WithRun(req.RunID)

	payload, err := json.Marshal(wireRequest{WorkerRequest: req, BudgetSeconds: int64(budget / time.Second)})
	if err != nil {
		return nil, fmt.Errorf("encoding worker request: %w", err)
	}
	w.writeTranscript(logger, req.SessionDir, RequestFile, payload)

	// #nosec G204 -- command comes from operator configuration
	cmd := exec.Command(w.command, w.args...)
	cmd.Dir = req.WorkingCopyPath
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = w.environ(req)
	configureProcAttr(cmd)

	var stdout, stderr limitedBuffer
	stdout.limit, stderr.limit = maxTranscriptBytes, maxTranscriptBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = w.grace

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, core.ErrExecution(core.CodeWorkerFailed, "starting worker").WithCause(err)
	}
	w.track(req.RunID, cmd)
	defer w.untrack(req.RunID)
	logger.Info("worker started", "pid", cmd.Process.Pid, "phase", req.Phase, "budget", budget)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		waitErr = w.terminate(logger, cmd, done)
	case <-ctx.Done():
		timedOut = true
		waitErr = w.terminate(logger, cmd, done)
	}
	elapsed := time.Since(started)

	if stdout.truncated || stderr.truncated {
		logger.Warn("worker output truncated", "limit", maxTranscriptBytes)
	}
	w.writeTranscript(logger, req.SessionDir, StdoutFile, stdout.Bytes())
	w.writeTranscript(logger, req.SessionDir, StderrFile, stderr.Bytes())

	if timedOut {
		logger.Warn("worker exceeded budget", "elapsed", elapsed, "budget", budget)
		result := &core.WorkerResult{
			Status: core.WorkerTimeout,
			Messages: []core.WorkerMessage{{
				Kind:    core.MessageSystem,
				Content: fmt.Sprintf("worker stopped after %s", elapsed.Round(time.Second)),
			}},
		}
		w.writeResult(logger, req.SessionDir, result)
		return result, nil
	}

	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		logger.Error("worker failed", "exit_code", code, "elapsed", elapsed,
			"stderr", tail(stderr.String(), 2000))
		return nil, core.ErrExecution(core.CodeWorkerFailed,
			fmt.Sprintf("worker exited with code %d", code)).
			WithCause(waitErr).
			WithDetail("stderr", tail(stderr.String(), 500))
	}

	result, err := ParseResult(stdout.Bytes())
	if err != nil {
		logger.Error("worker output unreadable", "stdout", tail(stdout.String(), 500))
		return nil, err
	}
	w.writeResult(logger, req.SessionDir, result)
	logger.Info("worker finished", "status", result.Status, "elapsed", elapsed,
		"messages", len(result.Messages))
	return result, nil
}

// terminate signals the process group, waits out the grace period and then
// kills it. It returns the wait error.
func (w *CommandWorker) terminate(logger *logging.Logger, cmd *exec.Cmd, done <-chan error) error {
	if err := signalGroup(cmd, false); err != nil {
		logger.Debug("sigterm failed", "error", err)
	}
	select {
	case err := <-done:
		return err
	case <-time.After(w.grace):
	}
	logger.Warn("worker ignored sigterm, killing", "grace", w.grace)
	if err := signalGroup(cmd, true); err != nil {
		logger.Debug("kill failed", "error", err)
	}
	return <-done
}

// Stop terminates every running invocation.
func (w *CommandWorker) Stop() {
	w.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(w.active))
	for _, cmd := range w.active {
		cmds = append(cmds, cmd)
	}
	w.mu.Unlock()
	for _, cmd := range cmds {
		_ = signalGroup(cmd, false)
	}
}

// Running returns the number of live invocations.
func (w *CommandWorker) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

func (w *CommandWorker) track(runID string, cmd *exec.Cmd) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active[runID] = cmd
}

func (w *CommandWorker) untrack(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, runID)
}

func (w *CommandWorker) environ(req core.WorkerRequest) []string {
	env := os.Environ()
	env = append(env,
		"QDISPATCH_MANAGED=true",
		"QDISPATCH_TICKET="+req.TicketID,
		"QDISPATCH_RUN="+req.RunID,
		"QDISPATCH_PHASE="+string(req.Phase),
		"QDISPATCH_SESSION_DIR="+req.SessionDir,
	)
	for k, v := range w.env {
		env = append(env, k+"="+v)
	}
	return env
}

func (w *CommandWorker) writeResult(logger *logging.Logger, dir string, result *core.WorkerResult) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return
	}
	w.writeTranscript(logger, dir, ResultFile, data)
}

// writeTranscript is best effort; a full disk must not fail the run.
func (w *CommandWorker) writeTranscript(logger *logging.Logger, dir, name string, data []byte) {
	if dir == "" {
		return
	}
	if err := fsutil.AtomicWriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		logger.Warn("writing transcript", "file", name, "error", err)
	}
}

// ParseResult decodes a worker result from stdout. The whole output is tried
// first, then each line from the end, so workers may log before the result.
func ParseResult(out []byte) (*core.WorkerResult, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, core.ErrExecution(core.CodeWorkerFailed, "worker produced no output")
	}

	var result core.WorkerResult
	if err := json.Unmarshal(trimmed, &result); err == nil {
		return normalize(&result)
	}

	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		result = core.WorkerResult{}
		if err := json.Unmarshal(line, &result); err == nil {
			return normalize(&result)
		}
	}
	return nil, core.ErrExecution(core.CodeWorkerFailed, "worker output has no JSON result")
}

func normalize(r *core.WorkerResult) (*core.WorkerResult, error) {
	switch r.Status {
	case core.WorkerCompleted, core.WorkerBlocked, core.WorkerTimeout, core.WorkerError:
	default:
		return nil, core.ErrExecution(core.CodeWorkerFailed,
			fmt.Sprintf("worker reported unknown status %q", r.Status))
	}
	if r.PhaseChange != "" && !core.ValidPhase(r.PhaseChange) {
		return nil, core.ErrExecution(core.CodeWorkerFailed,
			fmt.Sprintf("worker reported unknown phase %q", r.PhaseChange))
	}
	msgs := r.Messages[:0]
	for _, m := range r.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Kind == "" {
			m.Kind = core.MessageNote
		}
		msgs = append(msgs, m)
	}
	r.Messages = msgs
	return r, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// limitedBuffer keeps the first limit bytes and drops the rest.
type limitedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.truncated = true
		b.Buffer.Write(p[:room])
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
