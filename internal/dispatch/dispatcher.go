// Package dispatch runs the periodic dispatch cycle: recover abandoned
// leases, apply human signals, pick the next tickets and run their workers
// under a single process-level lease.
package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/scheduler"
)

// Defaults applied by NewDispatcher.
const (
	DefaultCycleTimeout    = 30 * time.Minute
	DefaultMaxRunDuration  = 20 * time.Minute
	DefaultMinWorkerBudget = time.Minute

	// completionTimeout bounds the final store write of a run. It runs even
	// when the cycle context has expired.
	completionTimeout = 30 * time.Second
)

// CycleLease admits at most one live cycle.
type CycleLease interface {
	Acquire(runID string) error
	Release() error
}

// Config wires a Dispatcher.
type Config struct {
	Store      core.TicketStore
	Comms      core.Communications
	Worker     core.Worker
	Workspaces Workspaces
	Lease      CycleLease
	Picker     *scheduler.Picker
	Prompts    *PromptRenderer
	Logger     *slog.Logger

	CycleTimeout    time.Duration
	MaxRunDuration  time.Duration
	MinWorkerBudget time.Duration
	// MaxConcurrency of 0 derives the bound from available memory.
	MaxConcurrency int
	// SessionDir holds per-run transcripts as <ticket>/<run>/.
	SessionDir string
	DataDir    string

	Retry RetryPolicy
	Now   func() time.Time
	NewID func() string
	Probe ResourceProbe
}

// Dispatcher runs dispatch cycles. It keeps no state between cycles; every
// decision is made from the store.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
}

// NewDispatcher validates cfg and fills defaults.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Store == nil:
		return nil, core.ErrValidation(core.CodeInvalidConfig, "dispatcher needs a store")
	case cfg.Comms == nil:
		return nil, core.ErrValidation(core.CodeInvalidConfig, "dispatcher needs a communications store")
	case cfg.Worker == nil:
		return nil, core.ErrValidation(core.CodeInvalidConfig, "dispatcher needs a worker")
	case cfg.Workspaces == nil:
		return nil, core.ErrValidation(core.CodeInvalidConfig, "dispatcher needs workspaces")
	case cfg.Lease == nil:
		return nil, core.ErrValidation(core.CodeInvalidConfig, "dispatcher needs a process lease")
	}
	if cfg.Picker == nil {
		cfg.Picker = scheduler.NewPicker()
	}
	if cfg.Prompts == nil {
		p, err := NewPromptRenderer()
		if err != nil {
			return nil, err
		}
		cfg.Prompts = p
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = DefaultCycleTimeout
	}
	if cfg.MaxRunDuration <= 0 {
		cfg.MaxRunDuration = DefaultMaxRunDuration
	}
	if cfg.MinWorkerBudget <= 0 {
		cfg.MinWorkerBudget = DefaultMinWorkerBudget
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Probe == nil {
		cfg.Probe = ProbeResources
	}
	return &Dispatcher{cfg: cfg, logger: cfg.Logger}, nil
}

func (d *Dispatcher) now() time.Time { return d.cfg.Now().UTC() }

// ItemResult is the outcome of one claimed ticket in a cycle.
type ItemResult struct {
	TicketID string         `json:"ticketId"`
	RunID    string         `json:"runId,omitempty"`
	TaskType string         `json:"taskType"`
	From     string         `json:"from"`
	To       string         `json:"to,omitempty"`
	Status   core.RunStatus `json:"status,omitempty"`
	Error    string         `json:"error,omitempty"`
	// Contended is set when another owner claimed the ticket first.
	Contended bool `json:"contended,omitempty"`
}

// Failed reports whether the run ended without completing.
func (r ItemResult) Failed() bool {
	return r.Status == core.RunTimeout || r.Status == core.RunError
}

// SignalKind names a human signal applied at cycle start.
type SignalKind string

const (
	SignalStart    SignalKind = "start"
	SignalApprove  SignalKind = "approve"
	SignalRework   SignalKind = "rework"
	SignalReply    SignalKind = "reply"
	SignalRejected SignalKind = "rejected"
)

// SignalResult records one applied signal.
type SignalResult struct {
	TicketID string     `json:"ticketId"`
	Kind     SignalKind `json:"kind"`
	From     string     `json:"from"`
	To       string     `json:"to"`
	Detail   string     `json:"detail,omitempty"`
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	CycleID         string                          `json:"cycleId"`
	StartedAt       time.Time                       `json:"startedAt"`
	EndedAt         time.Time                       `json:"endedAt"`
	Reclaimed       []core.ReclaimedLease           `json:"reclaimed,omitempty"`
	Pruned          []string                        `json:"pruned,omitempty"`
	Signals         []SignalResult                  `json:"signals,omitempty"`
	Picked          []string                        `json:"picked,omitempty"`
	Skipped         map[string]scheduler.SkipReason `json:"skipped,omitempty"`
	Items           []ItemResult                    `json:"items,omitempty"`
	Concurrency     int                             `json:"concurrency"`
	Warnings        []string                        `json:"warnings,omitempty"`
	BudgetExhausted bool                            `json:"budgetExhausted,omitempty"`

	mu sync.Mutex
}

// Failures counts items whose run timed out or failed.
func (r *CycleReport) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, it := range r.Items {
		if it.Failed() {
			n++
		}
	}
	return n
}

// Item returns the result for ticketID, if any.
func (r *CycleReport) Item(ticketID string) (ItemResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.Items {
		if it.TicketID == ticketID {
			return it, true
		}
	}
	return ItemResult{}, false
}

func (r *CycleReport) addItem(it ItemResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Items = append(r.Items, it)
}

func (r *CycleReport) addSignal(s SignalResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Signals = append(r.Signals, s)
}

func (r *CycleReport) warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, msg)
}

// RunCycle runs one dispatch cycle. It fails with a CYCLE_CONTENDED conflict
// when another live cycle holds the process lease, and with the store's error
// when the store is unreachable. Failures of individual tickets are recorded
// on their runs and in the report and never fail the cycle.
func (d *Dispatcher) RunCycle(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{
		CycleID:   d.cfg.NewID(),
		StartedAt: d.now(),
		Skipped:   map[string]scheduler.SkipReason{},
	}
	logger := d.logger.With("cycle_id", report.CycleID)

	if err := d.cfg.Lease.Acquire(report.CycleID); err != nil {
		report.EndedAt = d.now()
		return report, err
	}
	defer func() {
		if err := d.cfg.Lease.Release(); err != nil {
			logger.Warn("releasing process lease", "error", err)
		}
	}()

	deadline := report.StartedAt.Add(d.cfg.CycleTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	logger.Debug("cycle started", "deadline", deadline)
	err := d.runSteps(ctx, report, deadline, logger)
	report.EndedAt = d.now()
	if err != nil {
		logger.Error("cycle aborted", "error", err)
		return report, err
	}
	logger.Info("cycle finished",
		"duration", report.EndedAt.Sub(report.StartedAt),
		"reclaimed", len(report.Reclaimed),
		"signals", len(report.Signals),
		"picked", len(report.Picked),
		"failures", report.Failures(),
	)
	return report, nil
}

func (d *Dispatcher) runSteps(ctx context.Context, report *CycleReport, deadline time.Time, logger *slog.Logger) error {
	if err := d.cfg.Store.Ping(ctx); err != nil {
		return err
	}
	if err := d.recover(ctx, report, logger); err != nil {
		return err
	}
	if err := d.applySignals(ctx, report, logger); err != nil {
		return err
	}
	return d.dispatch(ctx, report, deadline, logger)
}

// complete writes a run's outcome. The write gets its own deadline so a run
// that used the whole cycle budget is still recorded.
func (d *Dispatcher) complete(ctx context.Context, c core.RunCompletion) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()
	return d.cfg.Store.CompleteRun(ctx, c)
}

func (d *Dispatcher) systemMessage(ticketID, content string, at time.Time) *core.Message {
	return &core.Message{
		ID:        d.cfg.NewID(),
		TicketID:  ticketID,
		Author:    core.AuthorAgent,
		Kind:      core.MessageSystem,
		Content:   content,
		CreatedAt: at,
	}
}
