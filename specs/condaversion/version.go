// Package condaversion implements conda's version ordering and the
// version-spec AST used by the match-spec grammar. Conda versions are "a
// dotted sequence of release components with optional epoch, local, and
// post/dev suffixes" whose ordering rules are, component for component,
// the ones PEP 440 defines (1.0a < 1.0 < 1.0.post1 < 1.1) — so comparison
// is delegated to go-pep440-version's Version.Compare and relational/
// compatible matching to its Specifiers, rather than re-deriving PEP 440
// ordering rules from scratch.
package condaversion

import (
	"fmt"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

// Version is a parsed conda version literal.
type Version struct {
	raw   string
	inner pep440.Version
}

// Parse parses a single version literal (no relational operators).
func Parse(s string) (Version, error) {
	inner, err := pep440.Parse(s)
	if err != nil {
		return Version{}, fmt.Errorf("condaversion: invalid version %q: %w", s, err)
	}
	return Version{raw: s, inner: inner}, nil
}

// String returns the original literal.
func (v Version) String() string { return v.raw }

// Compare returns -1, 0 or 1 as a is less than, equal to, or greater than b,
// using go-pep440-version's Version ordering.
func Compare(a, b Version) int {
	if a.raw == b.raw {
		return 0
	}
	return a.inner.Compare(b.inner)
}

// Less reports whether a orders before b.
func Less(a, b Version) bool { return Compare(a, b) < 0 }

// normalizeClause applies conda's literal-version translation rules ("a
// bare version V means ==V; =V means prefix match") before handing the
// clause to go-pep440-version, which natively understands relational
// operators, "~=" compatible-release, and "==V.*" prefix matching.
func normalizeClause(clause string) string {
	c := strings.TrimSpace(clause)
	if c == "" {
		return c
	}
	switch {
	case strings.HasPrefix(c, "=="), strings.HasPrefix(c, "!="),
		strings.HasPrefix(c, ">="), strings.HasPrefix(c, "<="),
		strings.HasPrefix(c, "~="), strings.HasPrefix(c, ">"), strings.HasPrefix(c, "<"):
		return c
	case strings.HasPrefix(c, "="):
		rest := strings.TrimPrefix(c, "=")
		if strings.HasSuffix(rest, "*") {
			return "==" + rest
		}
		return "==" + rest + ".*"
	case strings.HasSuffix(c, "*"):
		// A bare glob such as "1.7.*" is already a valid PEP 440 prefix match.
		return "==" + c
	default:
		return "==" + c
	}
}

// AndGroup is a set of clauses ANDed together, e.g. ">=1.0,<2.0".
type AndGroup struct {
	specifiers pep440.Specifiers
	rendered   string
}

// ParseAndGroup parses a comma-separated list of relational clauses.
func ParseAndGroup(s string) (AndGroup, error) {
	parts := strings.Split(s, ",")
	normalized := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		normalized = append(normalized, normalizeClause(p))
	}
	joined := strings.Join(normalized, ",")
	specifiers, err := pep440.NewSpecifiers(joined)
	if err != nil {
		return AndGroup{}, fmt.Errorf("condaversion: invalid version clause %q: %w", s, err)
	}
	return AndGroup{specifiers: specifiers, rendered: specifiers.String()}, nil
}

func (g AndGroup) Check(v Version) bool {
	return g.specifiers.Check(v.inner)
}

func (g AndGroup) String() string { return g.rendered }

// Spec is the full version-spec AST: an OR of AND-groups ("," binds
// tighter than "|"). An empty Spec is a free wildcard that matches every
// version.
type Spec struct {
	groups []AndGroup
	raw    string
}

// Free is the unconstrained version-spec: it matches any version.
var Free = Spec{}

// ParseSpec parses a full version-spec string such as
// "python>=3.7=*cpython"'s version portion ">=3.7", or "1.7.*|2.0".
func ParseSpec(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Free, nil
	}
	orParts := strings.Split(s, "|")
	groups := make([]AndGroup, 0, len(orParts))
	for _, part := range orParts {
		g, err := ParseAndGroup(part)
		if err != nil {
			return Spec{}, err
		}
		groups = append(groups, g)
	}
	return Spec{groups: groups, raw: s}, nil
}

// Match evaluates the spec against a version. A Free (unpopulated) spec
// always matches.
func (s Spec) Match(v Version) bool {
	if len(s.groups) == 0 {
		return true
	}
	for _, g := range s.groups {
		if g.Check(v) {
			return true
		}
	}
	return false
}

// IsFree reports whether the spec is the unconstrained wildcard.
func (s Spec) IsFree() bool { return len(s.groups) == 0 }

// String renders the spec canonically: re-parsing it must be semantically
// equivalent, though whitespace/quoting may be canonicalized.
func (s Spec) String() string {
	if s.IsFree() {
		return ""
	}
	rendered := make([]string, len(s.groups))
	for i, g := range s.groups {
		rendered[i] = g.String()
	}
	return strings.Join(rendered, "|")
}
