// Package wildcard compiles glob-like terminal path patterns and filters the
// matched paths by ownership.
package wildcard

import (
	"regexp"
	"strings"
)

// IsWildcard reports whether path contains glob metacharacters.
func IsWildcard(path string) bool {
	return strings.ContainsAny(path, "?*[")
}

// Matcher is a compiled, fully anchored path pattern.
type Matcher struct {
	pattern string
	re      *regexp.Regexp
}

// Compile translates pattern: '*' matches any run, '?' one character,
// '[...]' a character class; everything else is literal. The match is
// anchored to the whole path.
func Compile(pattern string) (*Matcher, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		case '[':
			end := strings.IndexByte(pattern[i+1:], ']')
			if end < 0 {
				sb.WriteString(`\[`)
				continue
			}
			class := pattern[i+1 : i+1+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			sb.WriteString("[" + strings.ReplaceAll(class, `\`, `\\`) + "]")
			i += end + 1
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, err
	}
	return &Matcher{pattern: pattern, re: re}, nil
}

// MustCompile is Compile that panics on error.
func MustCompile(pattern string) *Matcher {
	m, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return m
}

// Match reports whether path matches the whole pattern.
func (m *Matcher) Match(path string) bool {
	return m.re.MatchString(path)
}

// Pattern returns the source pattern.
func (m *Matcher) Pattern() string {
	return m.pattern
}

// Requester identifies who is asking for matches.
type Requester struct {
	User    string
	StateID string
	// Super is true for super users and for single-code sessions under a
	// single-code server.
	Super bool
}

// Terminal is what the filter needs to know about one known path.
type Terminal struct {
	Path           string
	Owner          string
	CreatorStateID string
	NotebookName   string
}

// Lookup returns the parameters of a known path, if any.
type Lookup func(path string) (Terminal, bool)

// MayAccess reports whether r may see t: super users see everything, named
// users see what they own, anonymous sessions see what they created.
func (r Requester) MayAccess(t Terminal) bool {
	if r.Super {
		return true
	}
	if r.User != "" {
		return r.User == t.Owner
	}
	return r.StateID != "" && r.StateID == t.CreatorStateID
}

// MatchPaths returns the paths among candidates that match m and that r may
// access. Paths without a parameter record are never returned. When nbName is
// set only terminals with that notebook open qualify.
func MatchPaths(m *Matcher, r Requester, candidates []string, lookup Lookup, nbName string) []string {
	var matched []string
	for _, path := range candidates {
		if !m.Match(path) {
			continue
		}
		t, ok := lookup(path)
		if !ok || !r.MayAccess(t) {
			continue
		}
		if nbName != "" && nbName != t.NotebookName {
			continue
		}
		matched = append(matched, path)
	}
	return matched
}

// MatchPath applies the same ownership filter to a single literal path.
func MatchPath(path string, r Requester, lookup Lookup) []string {
	t, ok := lookup(path)
	if !ok || !r.MayAccess(t) {
		return nil
	}
	return []string{path}
}
