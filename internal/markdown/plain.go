// Package markdown flattens model output to plain text. Chat clients do
// not render markdown, so replies are normalized before the gateway
// send: formatting is dropped, text and code content is kept.
package markdown

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// blankRuns collapses runs of blank lines left behind by removed block
// structure.
var blankRuns = regexp.MustCompile(`\n{3,}`)

// ToPlain converts a markdown document to plain text. Inline formatting
// (emphasis, links, inline code) is reduced to its text content; block
// structure becomes blank-line separated paragraphs; code blocks keep
// their literal lines.
func ToPlain(md string) string {
	src := []byte(md)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var sb strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				sb.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					sb.WriteByte('\n')
				}
			}
		case *ast.AutoLink:
			if entering {
				sb.Write(node.URL(src))
			}
		case *ast.FencedCodeBlock:
			if entering {
				writeLines(&sb, node.Lines(), src)
			}
		case *ast.CodeBlock:
			if entering {
				writeLines(&sb, node.Lines(), src)
			}
		case *ast.Paragraph, *ast.Heading, *ast.Blockquote, *ast.List:
			if !entering {
				sb.WriteString("\n\n")
			}
		case *ast.ListItem:
			if !entering {
				sb.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})

	out := blankRuns.ReplaceAllString(sb.String(), "\n\n")
	return strings.TrimSpace(out)
}

// writeLines appends the literal source lines of a code block.
func writeLines(sb *strings.Builder, lines *text.Segments, src []byte) {
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(src))
	}
	sb.WriteByte('\n')
}
