package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// SanitizingHandler redacts secrets from the message and from every string
// or error attribute before passing the record on.
type SanitizingHandler struct {
	next      slog.Handler
	sanitizer *Sanitizer
}

// NewSanitizingHandler wraps next.
func NewSanitizingHandler(next slog.Handler, sanitizer *Sanitizer) *SanitizingHandler {
	return &SanitizingHandler{next: next, sanitizer: sanitizer}
}

// Enabled defers to the wrapped handler.
func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle rebuilds the record with redacted content.
func (h *SanitizingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, h.sanitizer.Sanitize(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(h.redact(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

// WithAttrs redacts attrs once, when they are bound.
func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		clean = append(clean, h.redact(a))
	}
	return NewSanitizingHandler(h.next.WithAttrs(clean), h.sanitizer)
}

// WithGroup defers to the wrapped handler.
func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return NewSanitizingHandler(h.next.WithGroup(name), h.sanitizer)
}

func (h *SanitizingHandler) redact(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.sanitizer.Sanitize(v.String()))
	case slog.KindGroup:
		members := v.Group()
		clean := make([]slog.Attr, 0, len(members))
		for _, m := range members {
			clean = append(clean, h.redact(m))
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(clean...)}
	case slog.KindAny:
		// Git and worker errors carry remote URLs and command output.
		if err, ok := v.Any().(error); ok && err != nil {
			return slog.String(a.Key, h.sanitizer.Sanitize(err.Error()))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

// ANSI escape sequences used by PrettyHandler.
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// PrettyHandler writes one colored line per record for terminals. The
// ticket_id and run_id attributes are lifted into a bracketed prefix so the
// output of parallel workers stays attributable.
type PrettyHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Level

	// prefix holds the lifted ids bound through WithAttrs.
	ticket, run string
	bound       string
	group       string
}

// NewPrettyHandler creates a handler writing records at level or above to w.
func NewPrettyHandler(w io.Writer, level slog.Level) *PrettyHandler {
	return &PrettyHandler{mu: &sync.Mutex{}, w: w, level: level}
}

// Enabled reports whether level passes the handler's threshold.
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle writes "15:04:05 LVL [ticket run] message key=value...".
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	ticket, run := h.ticket, h.run
	var b strings.Builder
	b.WriteString(h.bound)
	r.Attrs(func(a slog.Attr) bool {
		if h.group == "" && h.lift(a, &ticket, &run) {
			return true
		}
		writeAttr(&b, h.group, a)
		return true
	})

	line := r.Time.Format("15:04:05") + " " + levelLabel(r.Level) + " " + idPrefix(ticket, run) + r.Message + b.String() + "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line)
	return err
}

// WithAttrs pre-renders attrs so Handle does not redo the work per record.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	var b strings.Builder
	b.WriteString(h.bound)
	for _, a := range attrs {
		if c.group == "" && c.lift(a, &c.ticket, &c.run) {
			continue
		}
		writeAttr(&b, c.group, a)
	}
	c.bound = b.String()
	return &c
}

// WithGroup qualifies later attribute keys with name.
func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.group = h.group + name + "."
	return &c
}

func (h *PrettyHandler) lift(a slog.Attr, ticket, run *string) bool {
	switch a.Key {
	case "ticket_id":
		*ticket = a.Value.String()
	case "run_id":
		*run = a.Value.String()
	default:
		return false
	}
	return true
}

func idPrefix(ticket, run string) string {
	if len(run) > 8 {
		run = run[:8]
	}
	switch {
	case ticket != "" && run != "":
		return "[" + ticket + " " + run + "] "
	case ticket != "":
		return "[" + ticket + "] "
	case run != "":
		return "[" + run + "] "
	default:
		return ""
	}
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed + "ERR" + ansiReset
	case level >= slog.LevelWarn:
		return ansiYellow + "WRN" + ansiReset
	case level >= slog.LevelInfo:
		return ansiBlue + "INF" + ansiReset
	default:
		return ansiGray + "DBG" + ansiReset
	}
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		inner := group
		if a.Key != "" {
			inner = group + a.Key + "."
		}
		for _, m := range v.Group() {
			writeAttr(b, inner, m)
		}
		return
	}
	fmt.Fprintf(b, " %s%s%s%s=%v", ansiCyan, group, a.Key, ansiReset, v.Any())
}
