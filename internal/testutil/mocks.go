package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// MockWorker implements core.Worker for testing. Tickets without a scripted
// result complete with a status message.
type MockWorker struct {
	mu       sync.Mutex
	byTicket map[string]func(context.Context, core.WorkerRequest) (*core.WorkerResult, error)
	calls    []core.WorkerRequest
}

// NewMockWorker creates a worker that completes with a status message.
func NewMockWorker() *MockWorker {
	return &MockWorker{
		byTicket: make(map[string]func(context.Context, core.WorkerRequest) (*core.WorkerResult, error)),
	}
}

// Invoke records the request and returns the scripted result.
func (m *MockWorker) Invoke(ctx context.Context, req core.WorkerRequest) (*core.WorkerResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	fn := m.byTicket[req.TicketID]
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &core.WorkerResult{
		Status:     core.WorkerCompleted,
		Messages:   []core.WorkerMessage{{Kind: core.MessageStatus, Content: "worked on " + req.TicketID}},
		TokensUsed: core.TokenUsage{Input: 100, Output: 50},
		CostUSD:    0.001,
	}, nil
}

// OnTicket sets the behaviour for one ticket.
func (m *MockWorker) OnTicket(ticketID string, fn func(context.Context, core.WorkerRequest) (*core.WorkerResult, error)) *MockWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTicket[ticketID] = fn
	return m
}

// Respond returns a fixed result for a ticket.
func (m *MockWorker) Respond(ticketID string, result *core.WorkerResult) *MockWorker {
	return m.OnTicket(ticketID, func(context.Context, core.WorkerRequest) (*core.WorkerResult, error) {
		cp := *result
		return &cp, nil
	})
}

// Fail makes a ticket's invocation return err.
func (m *MockWorker) Fail(ticketID string, err error) *MockWorker {
	return m.OnTicket(ticketID, func(context.Context, core.WorkerRequest) (*core.WorkerResult, error) {
		return nil, err
	})
}

// Hang blocks until the request budget or ctx ends, then reports a timeout.
func (m *MockWorker) Hang(ticketID string) *MockWorker {
	return m.OnTicket(ticketID, func(ctx context.Context, req core.WorkerRequest) (*core.WorkerResult, error) {
		timer := time.NewTimer(req.MaxDuration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		return &core.WorkerResult{Status: core.WorkerTimeout}, nil
	})
}

// Calls returns recorded requests.
func (m *MockWorker) Calls() []core.WorkerRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.WorkerRequest{}, m.calls...)
}

// CallCount returns the number of invocations for a ticket, or all when
// ticketID is empty.
func (m *MockWorker) CallCount(ticketID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ticketID == "" {
		return len(m.calls)
	}
	n := 0
	for _, c := range m.calls {
		if c.TicketID == ticketID {
			n++
		}
	}
	return n
}

// Completion builds a result that finishes the current phase.
func Completion(summary string) *core.WorkerResult {
	return &core.WorkerResult{
		Status:   core.WorkerCompleted,
		Messages: []core.WorkerMessage{{Kind: core.MessageCompletion, Content: summary}},
	}
}

// Question builds a result where the agent asks a human something.
func Question(q string) *core.WorkerResult {
	return &core.WorkerResult{
		Status:   core.WorkerBlocked,
		Messages: []core.WorkerMessage{{Kind: core.MessageQuestion, Content: q}},
	}
}
