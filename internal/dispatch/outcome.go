package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// outcome is what a finished invocation does to its ticket and run.
type outcome struct {
	event     core.Event
	status    core.RunStatus
	summary   string
	errText   string
	artifact  string
	messages  []core.WorkerMessage
	systemMsg string
}

// classify maps a worker result onto a state-machine event and run status.
// A worker error and a timeout both release the ticket; a question or an
// explicit block parks it on a human; a completed phase waits for approval.
func classify(t *core.Ticket, res *core.WorkerResult, werr error) outcome {
	if werr != nil {
		status := core.RunError
		if core.IsCategory(werr, core.ErrCatTimeout) || errors.Is(werr, context.DeadlineExceeded) {
			status = core.RunTimeout
		}
		return outcome{
			event:     core.Event{Kind: core.EventWorkerFailed},
			status:    status,
			errText:   werr.Error(),
			systemMsg: fmt.Sprintf("Run failed in %s: %s", t.Phase, firstLine(werr.Error())),
		}
	}
	if res == nil {
		return outcome{
			event:     core.Event{Kind: core.EventWorkerFailed},
			status:    core.RunError,
			errText:   "worker returned no result",
			systemMsg: fmt.Sprintf("Run failed in %s: worker returned no result", t.Phase),
		}
	}

	o := outcome{messages: res.Messages}
	switch {
	case res.Status == core.WorkerTimeout:
		o.event = core.Event{Kind: core.EventWorkerFailed}
		o.status = core.RunTimeout
		o.errText = "worker exceeded its budget"
		o.systemMsg = fmt.Sprintf("Run timed out in %s; committed progress in the working copy is kept.", t.Phase)

	case res.Status == core.WorkerError:
		o.event = core.Event{Kind: core.EventWorkerFailed}
		o.status = core.RunError
		o.errText = lastContent(res)
		if o.errText == "" {
			o.errText = "worker reported an error"
		}
		o.systemMsg = fmt.Sprintf("Run failed in %s: %s", t.Phase, firstLine(o.errText))

	case res.Status == core.WorkerBlocked || res.HasKind(core.MessageQuestion):
		o.event = core.Event{Kind: core.EventWorkerQuestion}
		o.status = core.RunBlocked
		o.summary = res.LastOfKind(core.MessageQuestion)
		if o.summary == "" {
			o.summary = lastContent(res)
		}
		if !res.HasKind(core.MessageQuestion) {
			o.systemMsg = "Agent stopped and is waiting for input."
		}

	case res.PhaseChange != "" || res.HasKind(core.MessageCompletion):
		o.event = core.Event{Kind: core.EventWorkerDone}
		o.status = core.RunCompleted
		o.summary = res.LastOfKind(core.MessageCompletion)
		if o.summary == "" {
			o.summary = lastContent(res)
		}
		o.artifact = o.summary
		next := core.NextPhase(t.Phase)
		if res.PhaseChange != "" && res.PhaseChange != next {
			o.systemMsg = fmt.Sprintf("Agent asked for %s; only %s can follow %s. Waiting for approval.",
				res.PhaseChange, next, t.Phase)
		} else {
			o.systemMsg = fmt.Sprintf("%s work complete; approve to move to %s.", titleCase(string(t.Phase)), next)
		}

	default:
		o.event = core.Event{Kind: core.EventWorkerProgress}
		o.status = core.RunCompleted
		o.summary = lastContent(res)
	}
	return o
}

func lastContent(res *core.WorkerResult) string {
	if res == nil || len(res.Messages) == 0 {
		return ""
	}
	return res.Messages[len(res.Messages)-1].Content
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
