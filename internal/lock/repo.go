// Package lock provides the concurrency controls the dispatcher relies on:
// per-repository FIFO queues for operations on shared git metadata and the
// process-level lease that keeps two cycles from overlapping.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when acquiring from a closed RepoLocks.
var ErrClosed = errors.New("repository locks closed")

// RepoLocks holds one FIFO queue per key. It is created once per process
// and shared by every component touching a repository.
type RepoLocks struct {
	mu     sync.Mutex
	queues map[string]*fifoMutex
	closed bool
}

// NewRepoLocks creates an empty lock table.
func NewRepoLocks() *RepoLocks {
	return &RepoLocks{queues: make(map[string]*fifoMutex)}
}

// Close rejects further acquisitions. Holders finish normally.
func (r *RepoLocks) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Waiting returns the number of callers queued behind the holder of key.
func (r *RepoLocks) Waiting(scope Scope, id string) int {
	r.mu.Lock()
	q := r.queues[scope.key(id)]
	r.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.waiting()
}

func (r *RepoLocks) queue(key string) (*fifoMutex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	q, ok := r.queues[key]
	if !ok {
		q = &fifoMutex{}
		r.queues[key] = q
	}
	return q, nil
}

func with[T any](ctx context.Context, r *RepoLocks, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	q, err := r.queue(key)
	if err != nil {
		return zero, err
	}
	if err := q.lock(ctx); err != nil {
		return zero, err
	}
	defer q.unlock()
	return fn(ctx)
}

// Shared runs fn while holding the repository-wide queue for repoID.
// Callers are served in arrival order.
func Shared[T any](ctx context.Context, r *RepoLocks, repoID string, fn func(context.Context) (T, error)) (T, error) {
	return with(ctx, r, ScopeShared.key(repoID), fn)
}

// Local runs fn while holding the queue for a single working copy. It never
// waits on other working copies of the same repository.
func Local[T any](ctx context.Context, r *RepoLocks, workingCopyID string, fn func(context.Context) (T, error)) (T, error) {
	return with(ctx, r, ScopeLocal.key(workingCopyID), fn)
}

// Run picks Shared or Local for op according to ScopeOf.
func Run[T any](ctx context.Context, r *RepoLocks, op Op, repoID, workingCopyID string, fn func(context.Context) (T, error)) (T, error) {
	if ScopeOf(op) == ScopeShared {
		return Shared(ctx, r, repoID, fn)
	}
	return Local(ctx, r, workingCopyID, fn)
}

// fifoMutex hands ownership directly to the oldest waiter on unlock, so
// arrival order is preserved even under contention.
type fifoMutex struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

func (m *fifoMutex) lock(ctx context.Context) error {
	m.mu.Lock()
	if !m.held {
		m.held = true
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		for i, w := range m.waiters {
			if w == ch {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				m.mu.Unlock()
				return ctx.Err()
			}
		}
		m.mu.Unlock()
		// Ownership was handed over while we were cancelling; pass it on.
		m.unlock()
		return ctx.Err()
	}
}

func (m *fifoMutex) unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.waiters) == 0 {
		m.held = false
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	close(next)
}

func (m *fifoMutex) waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
