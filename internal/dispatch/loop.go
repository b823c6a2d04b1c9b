package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// DefaultInterval is the time between cycles in serve mode.
const DefaultInterval = 60 * time.Second

// CycleRunner runs one cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*CycleReport, error)
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	Runner   CycleRunner
	Interval time.Duration
	// WakeFile, when set, triggers a cycle whenever it is created or touched.
	// Touching it also resets an open circuit breaker.
	WakeFile         string
	BreakerThreshold int
	Logger           *slog.Logger
	// OnCycle is called after every attempted cycle.
	OnCycle func(*CycleReport, error)
}

// LoopStatus is a snapshot of the serve loop.
type LoopStatus struct {
	Cycles              int          `json:"cycles"`
	Contended           int          `json:"contended"`
	LastCycleAt         *time.Time   `json:"lastCycleAt,omitempty"`
	LastError           string       `json:"lastError,omitempty"`
	LastReport          *CycleReport `json:"lastReport,omitempty"`
	BreakerOpen         bool         `json:"breakerOpen"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
}

// Loop runs cycles on a fixed interval until its context ends.
type Loop struct {
	runner   CycleRunner
	interval time.Duration
	wakeFile string
	breaker  *CircuitBreaker
	logger   *slog.Logger
	onCycle  func(*CycleReport, error)

	mu     sync.Mutex
	status LoopStatus

	// For testing
	tickerFactory func(time.Duration) *time.Ticker
	now           func() time.Time
}

// NewLoop creates a serve loop.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loop{
		runner:        cfg.Runner,
		interval:      cfg.Interval,
		wakeFile:      cfg.WakeFile,
		breaker:       NewCircuitBreaker(cfg.BreakerThreshold),
		logger:        cfg.Logger,
		onCycle:       cfg.OnCycle,
		tickerFactory: time.NewTicker,
		now:           time.Now,
	}
}

// Run runs a cycle immediately, then on every tick or wake until ctx ends.
// A cycle in progress when ctx ends is allowed to finish its current run
// records through the dispatcher's own completion path.
func (l *Loop) Run(ctx context.Context) error {
	wake, stopWatch, err := l.watchWakeFile()
	if err != nil {
		l.logger.Warn("wake file watcher disabled", "path", l.wakeFile, "error", err)
	}
	defer stopWatch()

	ticker := l.tickerFactory(l.interval)
	defer ticker.Stop()

	l.logger.Info("dispatch loop started", "interval", l.interval, "wake_file", l.wakeFile)
	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("dispatch loop stopping")
			return nil
		case <-ticker.C:
			l.tick(ctx)
		case <-wake:
			if l.breaker.IsOpen() {
				l.logger.Info("wake file touched, resetting circuit breaker")
				l.breaker.Reset()
			}
			l.tick(ctx)
		}
	}
}

// tick runs one cycle unless the breaker is open.
func (l *Loop) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if l.breaker.IsOpen() {
		l.logger.Debug("circuit breaker open, skipping cycle")
		return
	}

	report, err := l.runner.RunCycle(ctx)
	now := l.now()

	l.mu.Lock()
	l.status.Cycles++
	l.status.LastCycleAt = &now
	l.status.LastReport = report
	l.status.LastError = ""
	l.mu.Unlock()

	switch {
	case err == nil:
		l.breaker.RecordSuccess()
	case core.HasCode(err, core.CodeCycleContended):
		l.mu.Lock()
		l.status.Contended++
		l.mu.Unlock()
		l.logger.Info("another cycle holds the process lease", "error", err)
	case errors.Is(err, context.Canceled):
	default:
		l.mu.Lock()
		l.status.LastError = err.Error()
		l.mu.Unlock()
		if l.breaker.RecordFailure(now) {
			failures, _, _ := l.breaker.State()
			l.logger.Error("circuit breaker opened, dispatching halted until the wake file is touched",
				"failures", failures, "error", err)
		}
	}

	if l.onCycle != nil {
		l.onCycle(report, err)
	}
}

// Status returns a snapshot of the loop.
func (l *Loop) Status() LoopStatus {
	l.mu.Lock()
	s := l.status
	l.mu.Unlock()
	s.ConsecutiveFailures, s.BreakerOpen, _ = l.breaker.State()
	return s
}

// Breaker exposes the loop's circuit breaker.
func (l *Loop) Breaker() *CircuitBreaker { return l.breaker }

// watchWakeFile watches the wake file's directory. The returned channel never
// fires when no wake file is configured or the watcher fails.
func (l *Loop) watchWakeFile() (<-chan struct{}, func(), error) {
	noop := func() {}
	if l.wakeFile == "" {
		return nil, noop, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, noop, err
	}
	if err := watcher.Add(filepath.Dir(l.wakeFile)); err != nil {
		_ = watcher.Close()
		return nil, noop, err
	}

	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	target := filepath.Clean(l.wakeFile)
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("wake file watcher", "error", err)
			}
		}
	}()

	var once sync.Once
	return wake, func() {
		once.Do(func() {
			close(done)
			_ = watcher.Close()
		})
	}, nil
}
