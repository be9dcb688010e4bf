package scm

import (
	"fmt"
	"strings"
)

// DefaultContextLines is the number of lines shown on each side of a finding.
const DefaultContextLines = 10

// CodeSnippet renders the lines around line (1-indexed) with line numbers,
// marking the target line with ">>>".
func CodeSnippet(content string, line, contextLines int) string {
	lines := strings.Split(content, "\n")
	start := max(0, line-contextLines-1)
	end := min(len(lines), line+contextLines)
	if start >= end {
		return ""
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		n := i + 1
		marker := "   "
		if n == line {
			marker = ">>>"
		}
		if i > start {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s %4d | %s", marker, n, lines[i])
	}
	return b.String()
}
