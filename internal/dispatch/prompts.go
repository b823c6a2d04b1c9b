package dispatch

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

//go:embed prompts/*.md.tmpl
var promptsFS embed.FS

// PromptData is the input to a phase prompt.
type PromptData struct {
	Ticket      *core.Ticket
	WorkingCopy string
	Branch      string
	Trunk       string
	Rework      bool
	Unread      bool
	Messages    []*core.Message
}

// Artifact returns the ticket artifact of kind, or a placeholder.
func (d PromptData) Artifact(kind string) string {
	if d.Ticket == nil || !d.Ticket.Artifacts.Has(core.ArtifactKind(kind)) {
		return "(none recorded)"
	}
	return strings.TrimSpace(d.Ticket.Artifacts[core.ArtifactKind(kind)])
}

// PromptRenderer renders the task prompt handed to a worker.
type PromptRenderer struct {
	templates *template.Template
}

// NewPromptRenderer parses the embedded phase templates.
func NewPromptRenderer() (*PromptRenderer, error) {
	tmpl, err := template.New("prompts").Funcs(templateFuncs()).ParseFS(promptsFS, "prompts/*.md.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parsing prompt templates: %w", err)
	}
	for _, p := range core.AllPhases() {
		if !p.IsWorkable() {
			continue
		}
		if tmpl.Lookup(templateName(p)) == nil {
			return nil, fmt.Errorf("missing prompt template for phase %s", p)
		}
	}
	return &PromptRenderer{templates: tmpl}, nil
}

func templateName(p core.Phase) string {
	return string(p) + ".md.tmpl"
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"indent":    indent,
		"trimSpace": strings.TrimSpace,
	}
}

func indent(spaces int, s string) string {
	pad := strings.Repeat(" ", spaces)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = pad + line
		}
	}
	return strings.Join(lines, "\n")
}

// Render renders the prompt for the ticket's current phase.
func (r *PromptRenderer) Render(data PromptData) (string, error) {
	if data.Ticket == nil {
		return "", fmt.Errorf("prompt needs a ticket")
	}
	name := templateName(data.Ticket.Phase)
	if r.templates.Lookup(name) == nil {
		return "", core.ErrValidation("NO_PROMPT", fmt.Sprintf("no prompt for phase %s", data.Ticket.Phase))
	}
	var buf bytes.Buffer
	if err := r.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("executing template %s: %w", name, err)
	}
	return buf.String(), nil
}
