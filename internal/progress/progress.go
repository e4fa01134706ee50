// Package progress reads the progress log the worker appends to after each
// task. The log is Markdown: a title, a "Started:" line, then one level-2
// section per completed task.
package progress

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// patternsHeading is the shared-learnings section some prompts keep at the
// top of the log. It is not a task entry.
const patternsHeading = "Codebase Patterns"

// Summary is what `ralph status` shows about the progress log.
type Summary struct {
	Title       string
	Started     string
	Entries     []string // Level-2 headings in file order
	HasPatterns bool
}

// Count returns the number of task entries.
func (s *Summary) Count() int {
	return len(s.Entries)
}

// Last returns the most recent entry heading, or "".
func (s *Summary) Last() string {
	if len(s.Entries) == 0 {
		return ""
	}
	return s.Entries[len(s.Entries)-1]
}

// Load parses the progress log at path.
func Load(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read progress log: %w", err)
	}
	return Parse(data), nil
}

// Parse extracts the title, start line and entries from a progress log.
func Parse(source []byte) *Summary {
	doc := goldmark.New().Parser().Parse(text.NewReader(source))
	s := &Summary{}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Heading:
			title := strings.TrimSpace(extractText(node, source))
			switch {
			case node.Level == 1 && s.Title == "":
				s.Title = title
			case s.Started == "" && strings.HasPrefix(title, "Started:"):
				// "Started: ...\n---" reads as a setext heading.
				s.Started = strings.TrimSpace(strings.TrimPrefix(title, "Started:"))
			case node.Level == 2 && strings.EqualFold(title, patternsHeading):
				s.HasPatterns = true
			case node.Level == 2:
				s.Entries = append(s.Entries, title)
			}
			return ast.WalkSkipChildren, nil

		case *ast.Paragraph:
			if s.Started == "" {
				first := firstLine(node, source)
				if rest, ok := strings.CutPrefix(first, "Started:"); ok {
					s.Started = strings.TrimSpace(rest)
				}
			}
			return ast.WalkSkipChildren, nil
		}

		return ast.WalkContinue, nil
	})

	return s
}

// extractText concatenates the text of n's inline descendants.
func extractText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				buf.WriteByte(' ')
			}
			continue
		}
		buf.WriteString(extractText(c, source))
	}
	return buf.String()
}

func firstLine(n ast.Node, source []byte) string {
	lines := n.Lines()
	if lines.Len() == 0 {
		return ""
	}
	seg := lines.At(0)
	return strings.TrimSpace(string(seg.Value(source)))
}
