// Package testutil holds small helpers shared by tests.
package testutil

import "strings"

// Undent strips the common leading indentation from every line of s, so
// YAML and JSON fixtures can sit indented inside Go source. A leading
// newline is dropped, and lines of pure indentation come out empty, which
// lets the closing quote sit at code level:
//
//	testutil.Undent(`
//		server: http://localhost:8080
//		content_id: YWJj
//	`)
func Undent(s string) string {
	s = strings.TrimPrefix(s, "\n")
	lines := strings.Split(s, "\n")

	indent := -1
	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" {
			continue
		}
		if n := len(line) - len(trimmed); indent < 0 || n < indent {
			indent = n
		}
	}
	if indent <= 0 {
		return s
	}

	for i, line := range lines {
		switch {
		case len(line) >= indent && isIndent(line[:indent]):
			lines[i] = line[indent:]
		case isIndent(line):
			lines[i] = ""
		}
	}
	return strings.Join(lines, "\n")
}

func isIndent(s string) bool {
	return strings.TrimLeft(s, " \t") == ""
}
