package yara

import (
	"regexp"
	"strings"

	"rulebox/core"
)

// declarationPattern matches a rule header at the scanner position.
var declarationPattern = regexp.MustCompile(`^(?:(?:global|private)\s+)*rule\s+([A-Za-z_]\w*)\b`)

// Declaration is one top-level rule found in a source file.
type Declaration struct {
	Name string
	Text string
}

type declStart struct {
	offset int
	name   string
}

// SplitRules scans source for top-level rule declarations and returns one
// Declaration per rule, each spanning to the next declaration or to the end
// of the source. A declaration only counts at brace depth zero, at the start
// of a line, outside comments and string or regex literals. A source with no
// declaration yields a single rule named core.UnknownRuleName.
//
// This is a boundary heuristic, not a grammar: unbalanced braces inside
// constructs it does not track can still cause mis-splits.
func SplitRules(source string) []Declaration {
	starts := scanDeclarations(source)
	if len(starts) == 0 {
		return []Declaration{{Name: core.UnknownRuleName, Text: strings.TrimSpace(source)}}
	}

	decls := make([]Declaration, 0, len(starts))
	for i, s := range starts {
		end := len(source)
		if i+1 < len(starts) {
			end = starts[i+1].offset
		}
		decls = append(decls, Declaration{
			Name: s.name,
			Text: strings.TrimSpace(source[s.offset:end]),
		})
	}
	return decls
}

func scanDeclarations(src string) []declStart {
	var (
		starts    []declStart
		depth     int
		lineStart = true
		prev      byte // last significant byte outside comments
		n         = len(src)
	)

	for i := 0; i < n; {
		c := src[i]

		switch {
		case c == '\n':
			lineStart = true
			i++
			continue

		case c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v':
			i++
			continue

		case c == '/' && i+1 < n && src[i+1] == '/':
			// Line comment runs to the newline, which resets lineStart
			if nl := strings.IndexByte(src[i:], '\n'); nl >= 0 {
				i += nl
			} else {
				i = n
			}
			continue

		case c == '/' && i+1 < n && src[i+1] == '*':
			if end := strings.Index(src[i+2:], "*/"); end >= 0 {
				i += end + 4
			} else {
				i = n
			}
			lineStart = false
			continue

		case c == '"':
			i = skipQuoted(src, i, '"')
			lineStart = false
			prev = '"'
			continue

		case c == '/' && depth > 0 && startsRegex(src, i, prev):
			i = skipQuoted(src, i, '/')
			lineStart = false
			prev = '/'
			continue

		case c == '{':
			depth++

		case c == '}':
			if depth > 0 {
				depth--
			}

		default:
			if depth == 0 && lineStart && (c == 'r' || c == 'g' || c == 'p') {
				if m := declarationPattern.FindStringSubmatch(src[i:]); m != nil {
					starts = append(starts, declStart{offset: i, name: m[1]})
				}
			}
		}

		lineStart = false
		prev = c
		i++
	}
	return starts
}

// skipQuoted returns the index just past the literal opened at src[open],
// honoring backslash escapes. An unterminated literal ends at the newline.
func skipQuoted(src string, open int, quote byte) int {
	for i := open + 1; i < len(src); i++ {
		switch src[i] {
		case '\\':
			i++
		case quote:
			return i + 1
		case '\n':
			return i
		}
	}
	return len(src)
}

// startsRegex reports whether the slash at src[i] opens a regex literal:
// after an assignment in the strings section or after the "matches" operator.
func startsRegex(src string, i int, prev byte) bool {
	if prev == '=' {
		return true
	}
	before := strings.TrimRight(src[:i], " \t\r\n")
	return strings.HasSuffix(before, "matches")
}
