package cmd

import (
	"bytes"
	"testing"

	"github.com/charmbracelet/glamour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkdownRenderer_PassesThroughWhenNotATerminal(t *testing.T) {
	md := newMarkdownRenderer(&bytes.Buffer{})
	assert.Nil(t, md)
	assert.Equal(t, "# Plan\n\n- add tests", md.render("\n# Plan\n\n- add tests\n"))
}

func TestMarkdownRenderer_RendersMarkdown(t *testing.T) {
	tr, err := glamour.NewTermRenderer(glamour.WithStandardStyle("notty"), glamour.WithWordWrap(60))
	require.NoError(t, err)
	md := &markdownRenderer{tr: tr}

	out := md.render("# Plan\n\n- add **tests**")
	assert.Contains(t, out, "Plan")
	assert.Contains(t, out, "tests")
	assert.NotEqual(t, "# Plan\n\n- add **tests**", out)
	assert.Equal(t, "", md.render("  "))
}
