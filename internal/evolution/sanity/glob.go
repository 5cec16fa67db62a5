// internal/evolution/sanity/glob.go
package sanity

import (
	"fmt"
	"regexp"
	"strings"
)

// GlobToRegexp translates a path glob into an anchored regular expression.
//
//	**/   zero or more leading directories
//	**    any run of characters, separators included
//	*     any run of characters within one path segment
//	?     exactly one character within one path segment
//
// Every other character is literal. A pattern ending in "/" matches everything
// below that directory. A pattern with no wildcards matches the exact path or
// anything below it, so "secrets" covers both a file and a directory.
func GlobToRegexp(pattern string) (*regexp.Regexp, error) {
	expr := globExpr(pattern)
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile glob %q: %w", pattern, err)
	}
	return re, nil
}

func globExpr(pattern string) string {
	pattern = strings.TrimPrefix(pattern, "./")

	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); {
		rest := pattern[i:]
		switch {
		case strings.HasPrefix(rest, "**/"):
			b.WriteString("(?:.*/)?")
			i += 3
		case strings.HasPrefix(rest, "**"):
			b.WriteString(".*")
			i += 2
		case rest[0] == '*':
			b.WriteString("[^/]*")
			i++
		case rest[0] == '?':
			b.WriteString("[^/]")
			i++
		default:
			// Copy the literal run up to the next wildcard.
			j := strings.IndexAny(rest, "*?")
			if j < 0 {
				j = len(rest)
			}
			b.WriteString(regexp.QuoteMeta(rest[:j]))
			i += j
		}
	}

	switch {
	case strings.HasSuffix(pattern, "/"):
		b.WriteString(".*")
	case !strings.ContainsAny(pattern, "*?"):
		b.WriteString("(?:/.*)?")
	}
	b.WriteString("$")
	return b.String()
}

// matcher is a compiled path pattern.
type matcher struct {
	pattern string
	re      *regexp.Regexp // nil means substring match
}

func (m matcher) match(path string) bool {
	if m.re != nil {
		return m.re.MatchString(path)
	}
	return strings.Contains(path, m.pattern)
}

// normalizePath strips the forms that differ between git and the filesystem.
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(p, "./")
}
