package cmd

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// markdownRenderer renders ticket descriptions and agent artifacts when
// output goes to a terminal. A nil renderer passes text through, so pipes
// and --json keep the raw markdown.
type markdownRenderer struct {
	tr *glamour.TermRenderer
}

func newMarkdownRenderer(w io.Writer) *markdownRenderer {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	width := 80
	if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 24 {
		width = cols - 4
	}
	tr, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width))
	if err != nil {
		return nil
	}
	return &markdownRenderer{tr: tr}
}

func (m *markdownRenderer) render(md string) string {
	md = strings.TrimSpace(md)
	if m == nil || md == "" {
		return md
	}
	out, err := m.tr.Render(md)
	if err != nil {
		return md
	}
	return strings.Trim(out, "\n")
}
