// Package specs implements the match-spec grammar: parsing, canonical
// re-serialization, and matching against pkginfo.PackageInfo values. The
// string-keyed attribute bags a dynamic parser would use ("brackets",
// "parens" maps) are replaced here with a closed MatchSpecAttrs struct
// whose fields are the enumerated allowed keys; unknown keys are rejected
// at parse time.
package specs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gobwas/glob"

	"github.com/a-h/condalink/pkginfo"
	"github.com/a-h/condalink/specs/condaversion"
)

// RelOp is a relational comparison operator over BuildNumber.
type RelOp string

const (
	RelEq RelOp = "="
	RelNe RelOp = "!="
	RelLt RelOp = "<"
	RelLe RelOp = "<="
	RelGt RelOp = ">"
	RelGe RelOp = ">="
)

// BuildNumberSpec constrains PackageInfo.BuildNumber.
type BuildNumberSpec struct {
	Set bool
	Op  RelOp
	N   uint64
}

func (b BuildNumberSpec) Match(n uint64) bool {
	if !b.Set {
		return true
	}
	switch b.Op {
	case RelNe:
		return n != b.N
	case RelLt:
		return n < b.N
	case RelLe:
		return n <= b.N
	case RelGt:
		return n > b.N
	case RelGe:
		return n >= b.N
	default:
		return n == b.N
	}
}

func (b BuildNumberSpec) String() string {
	if !b.Set {
		return ""
	}
	op := b.Op
	if op == RelEq {
		op = ""
	}
	return fmt.Sprintf("%s%d", op, b.N)
}

// MatchSpecAttrs is the closed set of bracket attributes a match-spec
// allows. Every field is an optional exact/set constraint; a zero value
// means "unconstrained".
type MatchSpecAttrs struct {
	Version       string // raw "version=" bracket override (rare; usually the positional version is used instead)
	Build         string
	BuildNumber   string
	MD5           string
	SHA256        string
	URL           string
	Filename      string
	Channel       string
	License       string
	TrackFeatures []string
	Subdirs       []string
}

var allowedAttrKeys = map[string]bool{
	"version": true, "build": true, "build_number": true, "md5": true,
	"sha256": true, "url": true, "fn": true, "channel": true, "subdir": true,
	"license": true, "track_features": true,
}

// MatchSpec is a constraint over a PackageInfo.
type MatchSpec struct {
	Channel       string
	Subdirs       []string
	Name          string // glob
	Version       condaversion.Spec
	BuildString   string // glob, or regex if it begins with '^'
	BuildNumber   BuildNumberSpec
	MD5           string
	SHA256        string
	URL           string
	Filename      string
	License       string
	TrackFeatures []string

	nameGlob  glob.Glob
	buildGlob glob.Glob
	buildRe   *regexp.Regexp
}

// ParseError carries a human-readable position and expectation for a
// grammar error. Position is the offset of the offending version text for
// an invalid version spec and 0 for every other error.
type ParseError struct {
	Input    string
	Position int
	Expected string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("specs: parse error at position %d in %q: expected %s", e.Position, e.Input, e.Expected)
}

// hasArchiveExtension mirrors libmamba's specs::has_archive_extension.
func hasArchiveExtension(s string) bool {
	return strings.HasSuffix(s, string(pkginfo.ExtTarBz2)) || strings.HasSuffix(s, string(pkginfo.ExtConda))
}

var urlSchemeRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

// Parse parses a match-spec string. It never panics on malformed input.
// Grammar errors are returned as *ParseError; an invalid name glob, build
// glob or build regex, and an unparseable version in a URL-form spec's
// filename, are returned as plain wrapped errors.
func Parse(input string) (MatchSpec, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return MatchSpec{}, nil
	}

	if hasArchiveExtension(trimmed) || (urlSchemeRe.MatchString(trimmed) && hasArchiveExtension(trimmed)) {
		return parseURLSpec(trimmed)
	}

	body := trimmed
	var attrs MatchSpecAttrs
	if idx := strings.LastIndexByte(body, '['); idx >= 0 && strings.HasSuffix(body, "]") {
		bracket := body[idx+1 : len(body)-1]
		var err error
		attrs, err = parseAttrs(bracket, input)
		if err != nil {
			return MatchSpec{}, err
		}
		body = body[:idx]
	}

	var ms MatchSpec
	ms.MD5 = attrs.MD5
	ms.SHA256 = attrs.SHA256
	ms.URL = attrs.URL
	ms.Filename = attrs.Filename
	ms.License = attrs.License
	ms.TrackFeatures = attrs.TrackFeatures
	ms.Subdirs = attrs.Subdirs
	if attrs.Channel != "" {
		ms.Channel = attrs.Channel
	}

	// channel::name or channel::subdir/name
	if idx := strings.Index(body, "::"); idx >= 0 {
		ms.Channel = body[:idx]
		body = body[idx+2:]
	}

	// subdir/name
	if idx := strings.IndexByte(body, '/'); idx >= 0 && !strings.ContainsAny(body[:idx], " <>=!~,|") {
		candidateSubdir := body[:idx]
		if candidateSubdir != "" {
			ms.Subdirs = append(ms.Subdirs, candidateSubdir)
			body = body[idx+1:]
		}
	}

	name, versionStr, buildStr, err := splitNameVersionBuild(body)
	if err != nil {
		return MatchSpec{}, &ParseError{Input: input, Position: 0, Expected: "a package name"}
	}
	ms.Name = name

	if attrs.Build != "" {
		buildStr = attrs.Build
	}
	if attrs.Version != "" {
		versionStr = attrs.Version
	}
	ms.BuildString = buildStr

	if versionStr != "" {
		spec, err := condaversion.ParseSpec(versionStr)
		if err != nil {
			return MatchSpec{}, &ParseError{Input: input, Position: strings.Index(input, versionStr), Expected: "a valid version spec: " + err.Error()}
		}
		ms.Version = spec
	}

	if attrs.BuildNumber != "" {
		bn, err := parseBuildNumberSpec(attrs.BuildNumber)
		if err != nil {
			return MatchSpec{}, &ParseError{Input: input, Position: 0, Expected: "a valid build_number spec: " + err.Error()}
		}
		ms.BuildNumber = bn
	}

	if err := ms.compile(); err != nil {
		return MatchSpec{}, err
	}
	return ms, nil
}

// splitNameVersionBuild splits the spec body's "name [version [build]]"
// tail, with the "=V" → "=V*" and bare-version handling folded into
// condaversion.ParseSpec; this function only needs to find the boundary
// between the glob name and the remaining version/build text.
func splitNameVersionBuild(s string) (name, version, build string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", "", fmt.Errorf("empty spec body")
	}
	// The name runs up to the first relational/version-introducing
	// character; conda allows glob characters (*, ?) inside the name.
	i := 0
	for i < len(s) {
		c := s[i]
		if c == ' ' || c == '=' || c == '<' || c == '>' || c == '!' || c == '~' {
			break
		}
		i++
	}
	name = s[:i]
	rest := strings.TrimSpace(s[i:])
	if name == "" {
		return "", "", "", fmt.Errorf("no name found")
	}
	if rest == "" {
		return name, "", "", nil
	}

	// rest is "version[ build]" or "version=build" (space-or-'=' splits
	// version from build, mirroring MatchSpec::parse_version_and_build).
	pos := strings.LastIndexAny(rest, " =")
	if pos <= 0 {
		return name, strings.ReplaceAll(rest, " ", ""), "", nil
	}
	c := rest[pos]
	if c == '=' {
		// Don't split on an '=' that is part of a relational/compat
		// operator immediately preceding it.
		if pos > 0 {
			d := rest[pos-1]
			if d == '=' || d == '!' || d == '|' || d == ',' || d == '<' || d == '>' || d == '~' {
				return name, strings.ReplaceAll(rest, " ", ""), "", nil
			}
		}
	}
	version = strings.ReplaceAll(rest[:pos], " ", "")
	build = strings.ReplaceAll(rest[pos+1:], " ", "")
	return name, version, build, nil
}

func parseAttrs(bracket, original string) (MatchSpecAttrs, error) {
	var attrs MatchSpecAttrs
	for _, kv := range splitAttrPairs(bracket) {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			return attrs, &ParseError{Input: original, Position: 0, Expected: "key=value inside brackets"}
		}
		key := strings.TrimSpace(kv[:eq])
		value := strings.Trim(strings.TrimSpace(kv[eq+1:]), `"'`)
		if !allowedAttrKeys[key] {
			return attrs, &ParseError{Input: original, Position: 0, Expected: fmt.Sprintf("one of the recognized attribute keys, got %q", key)}
		}
		switch key {
		case "version":
			attrs.Version = value
		case "build":
			attrs.Build = value
		case "build_number":
			attrs.BuildNumber = value
		case "md5":
			attrs.MD5 = value
		case "sha256":
			attrs.SHA256 = value
		case "url":
			attrs.URL = value
		case "fn":
			attrs.Filename = value
		case "channel":
			attrs.Channel = value
		case "subdir":
			attrs.Subdirs = splitCommaSet(value)
		case "license":
			attrs.License = value
		case "track_features":
			attrs.TrackFeatures = splitCommaSet(value)
		}
	}
	return attrs, nil
}

func splitAttrPairs(s string) []string {
	// Attributes are comma-separated, but values may themselves be
	// comma-separated sets in quotes/brackets for subdir/track_features;
	// match-spec attrs never nest brackets, so a plain split is sufficient
	// once quoted values are handled by the caller's Trim.
	return strings.Split(s, ",")
}

func splitCommaSet(s string) []string {
	s = strings.Trim(s, "{}")
	var out []string
	for _, p := range strings.Split(s, ";") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 && s != "" {
		out = []string{s}
	}
	return out
}

func parseBuildNumberSpec(s string) (BuildNumberSpec, error) {
	s = strings.TrimSpace(s)
	op := RelEq
	for _, candidate := range []RelOp{RelGe, RelLe, RelNe, RelGt, RelLt} {
		if strings.HasPrefix(s, string(candidate)) {
			op = candidate
			s = strings.TrimPrefix(s, string(candidate))
			break
		}
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return BuildNumberSpec{}, err
	}
	return BuildNumberSpec{Set: true, Op: op, N: n}, nil
}

// parseURLSpec implements MatchSpec::parse_url: a bare archive URL or path
// parses to a spec with url/filename/name/version/build extracted from the
// filename.
func parseURLSpec(spec string) (MatchSpec, error) {
	idx := strings.LastIndexByte(spec, '/')
	filename := spec
	if idx >= 0 {
		filename = spec[idx+1:]
	}
	name, version, build, _, err := pkginfo.ParseFilename(filename)
	if err != nil {
		return MatchSpec{}, &ParseError{Input: spec, Position: 0, Expected: "a valid package filename: " + err.Error()}
	}
	ms := MatchSpec{
		Name:        name,
		BuildString: build,
		URL:         spec,
		Filename:    filename,
	}
	vs, err := condaversion.ParseSpec("==" + version)
	if err != nil {
		return MatchSpec{}, err
	}
	ms.Version = vs
	if err := ms.compile(); err != nil {
		return MatchSpec{}, err
	}
	return ms, nil
}

func (ms *MatchSpec) compile() error {
	var err error
	if ms.Name == "" || ms.Name == "*" {
		ms.nameGlob = nil
	} else {
		ms.nameGlob, err = glob.Compile(ms.Name)
		if err != nil {
			return fmt.Errorf("specs: invalid name glob %q: %w", ms.Name, err)
		}
	}
	if strings.HasPrefix(ms.BuildString, "^") {
		ms.buildRe, err = regexp.Compile(ms.BuildString)
		if err != nil {
			return fmt.Errorf("specs: invalid build regex %q: %w", ms.BuildString, err)
		}
	} else if ms.BuildString != "" && ms.BuildString != "*" {
		ms.buildGlob, err = glob.Compile(ms.BuildString)
		if err != nil {
			return fmt.Errorf("specs: invalid build glob %q: %w", ms.BuildString, err)
		}
	}
	return nil
}

// IsSimple reports whether only Name is constrained.
func (ms MatchSpec) IsSimple() bool {
	return ms.Channel == "" && len(ms.Subdirs) == 0 && ms.Version.IsFree() &&
		(ms.BuildString == "" || ms.BuildString == "*") && !ms.BuildNumber.Set &&
		ms.MD5 == "" && ms.SHA256 == "" && ms.URL == "" && ms.Filename == "" &&
		ms.License == "" && len(ms.TrackFeatures) == 0
}

// ToNamedSpec projects any spec to a simple one preserving only Name.
func (ms MatchSpec) ToNamedSpec() MatchSpec {
	out := MatchSpec{Name: ms.Name}
	_ = out.compile()
	return out
}

// Matches reports whether p satisfies every populated field of ms: an
// unpopulated field is a free wildcard.
func (ms MatchSpec) Matches(p pkginfo.PackageInfo) bool {
	if ms.nameGlob != nil && !ms.nameGlob.Match(p.Name) {
		return false
	}
	if !ms.Version.IsFree() {
		v, err := condaversion.Parse(p.Version)
		if err != nil || !ms.Version.Match(v) {
			return false
		}
	}
	if ms.buildRe != nil && !ms.buildRe.MatchString(p.BuildString) {
		return false
	}
	if ms.buildGlob != nil && !ms.buildGlob.Match(p.BuildString) {
		return false
	}
	if !ms.BuildNumber.Match(p.BuildNumber) {
		return false
	}
	if ms.MD5 != "" && ms.MD5 != p.MD5 {
		return false
	}
	if ms.SHA256 != "" && ms.SHA256 != p.SHA256 {
		return false
	}
	if ms.URL != "" && ms.URL != p.URL {
		return false
	}
	if ms.Filename != "" && ms.Filename != p.Filename {
		return false
	}
	if ms.License != "" && ms.License != p.License {
		return false
	}
	if len(ms.TrackFeatures) > 0 && !setSubsetMatch(ms.TrackFeatures, p.TrackFeatures) {
		return false
	}
	if len(ms.Subdirs) > 0 && !containsString(ms.Subdirs, p.Subdir) {
		return false
	}
	if ms.Channel != "" && ms.Channel != p.Channel {
		return false
	}
	return true
}

func setSubsetMatch(want, have []string) bool {
	haveSet := make(map[string]bool, len(have))
	for _, h := range have {
		haveSet[h] = true
	}
	for _, w := range want {
		if !haveSet[w] {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// String canonicalizes the spec. Re-parsing it is guaranteed to be
// semantically equivalent, though whitespace, quoting and attribute order
// may change.
func (ms MatchSpec) String() string {
	var b strings.Builder
	if ms.Channel != "" {
		b.WriteString(ms.Channel)
		b.WriteString("::")
	}
	b.WriteString(ms.Name)
	if !ms.Version.IsFree() {
		b.WriteString(ms.Version.String())
	}
	if ms.BuildString != "" && !ms.Version.IsFree() {
		b.WriteString("=")
		b.WriteString(ms.BuildString)
	}

	var attrs []string
	if ms.BuildString != "" && ms.Version.IsFree() {
		attrs = append(attrs, "build="+ms.BuildString)
	}
	if ms.BuildNumber.Set {
		attrs = append(attrs, "build_number="+ms.BuildNumber.String())
	}
	if ms.MD5 != "" {
		attrs = append(attrs, "md5="+ms.MD5)
	}
	if ms.SHA256 != "" {
		attrs = append(attrs, "sha256="+ms.SHA256)
	}
	if ms.URL != "" {
		attrs = append(attrs, "url="+ms.URL)
	}
	if ms.Filename != "" {
		attrs = append(attrs, "fn="+ms.Filename)
	}
	if ms.License != "" {
		attrs = append(attrs, "license="+ms.License)
	}
	if len(ms.TrackFeatures) > 0 {
		attrs = append(attrs, "track_features="+strings.Join(ms.TrackFeatures, ";"))
	}
	if len(ms.Subdirs) > 0 {
		attrs = append(attrs, "subdir="+strings.Join(ms.Subdirs, ";"))
	}
	if len(attrs) > 0 {
		b.WriteString("[")
		b.WriteString(strings.Join(attrs, ","))
		b.WriteString("]")
	}
	return b.String()
}
