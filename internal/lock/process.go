package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

var (
	errLockHeld        = errors.New("lock held")
	errLockUnsupported = errors.New("file locking unsupported")
)

// LeaseInfo is the content of the lease file.
type LeaseInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	RunID      string    `json:"run_id"`
}

// ProcessLease is the advisory lock that allows at most one live dispatch
// cycle per data directory. It never queues: a held lease fails fast.
type ProcessLease struct {
	path   string
	grace  time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
	info LeaseInfo
}

// ProcessLeaseOption configures a ProcessLease.
type ProcessLeaseOption func(*ProcessLease)

// WithStartupGrace sets how long a freshly created lease file is trusted
// while its writer is still alive, even when no OS lock is observed.
func WithStartupGrace(d time.Duration) ProcessLeaseOption {
	return func(l *ProcessLease) {
		l.grace = d
	}
}

// WithLeaseLogger sets the logger.
func WithLeaseLogger(logger *slog.Logger) ProcessLeaseOption {
	return func(l *ProcessLease) {
		l.logger = logger
	}
}

// NewProcessLease creates a lease backed by the file at path.
func NewProcessLease(path string, opts ...ProcessLeaseOption) *ProcessLease {
	l := &ProcessLease{
		path:   path,
		grace:  30 * time.Second,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the lease file path.
func (l *ProcessLease) Path() string {
	return l.path
}

// Acquire takes the lease for runID. A live holder yields a CYCLE_CONTENDED
// conflict; a stale file left by a crashed process is removed and retried once.
func (l *ProcessLease) Acquire(runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return core.ErrConflict(core.CodeCycleContended, "lease already held by this process")
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("creating lease directory: %w", err)
	}

	var holder *LeaseInfo
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err == nil {
			return l.install(f, runID)
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("creating lease file: %w", err)
		}

		stale, info, err := l.reapIfStale()
		if err != nil {
			return err
		}
		holder = info
		if !stale {
			break
		}
	}
	return contended(holder)
}

func contended(holder *LeaseInfo) error {
	if holder == nil {
		return core.ErrConflict(core.CodeCycleContended, "another dispatch cycle holds the lease")
	}
	return core.ErrConflict(core.CodeCycleContended,
		fmt.Sprintf("lease held by PID %d since %s", holder.PID, holder.AcquiredAt.Format(time.RFC3339))).
		WithDetail("pid", holder.PID).
		WithDetail("run_id", holder.RunID)
}

func (l *ProcessLease) install(f *os.File, runID string) error {
	fail := func(err error) error {
		_ = f.Close()
		_ = os.Remove(l.path)
		return err
	}

	if err := tryLock(f); err != nil && !errors.Is(err, errLockUnsupported) {
		return fail(fmt.Errorf("locking lease file: %w", err))
	}

	hostname, _ := os.Hostname()
	info := LeaseInfo{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now().UTC(),
		RunID:      runID,
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fail(fmt.Errorf("marshaling lease info: %w", err))
	}
	if _, err := f.Write(data); err != nil {
		return fail(fmt.Errorf("writing lease file: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("syncing lease file: %w", err))
	}

	l.file = f
	l.info = info
	l.logger.Debug("process lease acquired", "path", l.path, "run_id", runID)
	return nil
}

// reapIfStale inspects an existing lease file. It reports stale=true when the
// caller should retry creation, removing the file if its holder is gone.
func (l *ProcessLease) reapIfStale() (bool, *LeaseInfo, error) {
	f, err := os.OpenFile(l.path, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("opening lease file: %w", err)
	}
	defer f.Close()

	info := readLeaseInfo(f)

	lockErr := tryLock(f)
	switch {
	case lockErr == nil:
		defer unlockFile(f)
	case errors.Is(lockErr, errLockHeld):
		return false, info, nil
	case errors.Is(lockErr, errLockUnsupported):
	default:
		return false, info, fmt.Errorf("probing lease file: %w", lockErr)
	}

	if l.holderMayBeLive(f, info, lockErr == nil) {
		return false, info, nil
	}
	if !sameFile(l.path, f) {
		return true, nil, nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, info, fmt.Errorf("removing stale lease: %w", err)
	}
	if info != nil {
		l.logger.Warn("removed stale process lease", "pid", info.PID, "acquired_at", info.AcquiredAt, "run_id", info.RunID)
	} else {
		l.logger.Warn("removed unreadable process lease", "path", l.path)
	}
	return true, info, nil
}

// holderMayBeLive applies the PID check used when no OS lock is held on the
// file. Without lock support this is the only check; with it, it covers a
// writer that created the file but has not locked it yet.
func (l *ProcessLease) holderMayBeLive(f *os.File, info *LeaseInfo, osLocked bool) bool {
	young := false
	if st, err := f.Stat(); err == nil {
		young = time.Since(st.ModTime()) < l.grace
	}
	if info == nil {
		return young
	}
	if !pidAlive(info.PID) {
		return false
	}
	if osLocked {
		return young
	}
	return true
}

// Release drops the lease. Releasing an unheld lease is a no-op.
func (l *ProcessLease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	var removeErr error
	if sameFile(l.path, f) {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			removeErr = fmt.Errorf("removing lease file: %w", err)
		}
	}
	unlockFile(f)
	closeErr := f.Close()
	l.logger.Debug("process lease released", "path", l.path, "run_id", l.info.RunID)
	if removeErr != nil {
		return removeErr
	}
	return closeErr
}

// Close releases the lease if held.
func (l *ProcessLease) Close() error {
	return l.Release()
}

// Holder returns the recorded holder, or nil when no lease file exists.
func (l *ProcessLease) Holder() (*LeaseInfo, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readLeaseInfo(f), nil
}

func readLeaseInfo(r io.Reader) *LeaseInfo {
	data, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil || len(data) == 0 {
		return nil
	}
	var info LeaseInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}

func sameFile(path string, f *os.File) bool {
	a, err := os.Stat(path)
	if err != nil {
		return false
	}
	b, err := f.Stat()
	if err != nil {
		return false
	}
	return os.SameFile(a, b)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		// Unknown; keep the lease rather than risk two cycles.
		return true
	}
	return exists
}
