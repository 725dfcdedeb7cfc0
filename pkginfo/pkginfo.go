// Package pkginfo holds the identity of a single resolved package build
// and the filename/long-name conventions the rest of the system relies on.
package pkginfo

import (
	"fmt"
	"strings"
)

// Ext is one of the two archive extensions a package filename may carry.
type Ext string

const (
	ExtTarBz2 Ext = ".tar.bz2"
	ExtConda  Ext = ".conda"
)

// PackageInfo is the identity of one package build. It is a value type:
// once constructed it is never mutated, and may be freely shared across
// goroutines.
type PackageInfo struct {
	Name          string
	Version       string
	BuildString   string
	BuildNumber   uint64
	Channel       string
	Subdir        string
	Filename      string
	URL           string
	MD5           string
	SHA256        string
	Size          int64
	Depends       []string
	Constrains    []string
	TrackFeatures []string
	License       string
	Timestamp     int64
}

// LongName returns "{channel}/{subdir}::{name}-{version}-{build}", the
// unique identifier used in history records (Glossary: "Long name").
func (p PackageInfo) LongName() string {
	return fmt.Sprintf("%s/%s::%s", p.Channel, p.Subdir, p.BuildTriple())
}

// BuildTriple returns "{name}-{version}-{build}" without channel/subdir.
func (p PackageInfo) BuildTriple() string {
	return fmt.Sprintf("%s-%s-%s", p.Name, p.Version, p.BuildString)
}

// Extension returns the archive extension implied by Filename.
func (p PackageInfo) Extension() (Ext, error) {
	switch {
	case strings.HasSuffix(p.Filename, string(ExtConda)):
		return ExtConda, nil
	case strings.HasSuffix(p.Filename, string(ExtTarBz2)):
		return ExtTarBz2, nil
	default:
		return "", fmt.Errorf("pkginfo: filename %q has no recognized package extension", p.Filename)
	}
}

// ExpectedFilename returns the canonical "{name}-{version}-{build}.{ext}"
// filename for this package.
func ExpectedFilename(name, version, build string, ext Ext) string {
	return fmt.Sprintf("%s-%s-%s%s", name, version, build, ext)
}

// Validate checks that Filename matches the canonical form derived from
// Name/Version/BuildString and a recognized extension.
func (p PackageInfo) Validate() error {
	ext, err := p.Extension()
	if err != nil {
		return err
	}
	want := ExpectedFilename(p.Name, p.Version, p.BuildString, ext)
	if p.Filename != want {
		return fmt.Errorf("pkginfo: filename %q does not match canonical name %q", p.Filename, want)
	}
	if p.Name == "" {
		return fmt.Errorf("pkginfo: name must not be empty")
	}
	return nil
}

// ParseFilename splits a package filename into name, version, build string
// and extension. It is the inverse of ExpectedFilename and is used by the
// URL form of the match-spec grammar and by the acquisition pipeline when
// only a filename is known.
func ParseFilename(filename string) (name, version, build string, ext Ext, err error) {
	trimmed := filename
	switch {
	case strings.HasSuffix(filename, string(ExtConda)):
		ext = ExtConda
		trimmed = strings.TrimSuffix(filename, string(ExtConda))
	case strings.HasSuffix(filename, string(ExtTarBz2)):
		ext = ExtTarBz2
		trimmed = strings.TrimSuffix(filename, string(ExtTarBz2))
	default:
		return "", "", "", "", fmt.Errorf("pkginfo: %q has no recognized package extension", filename)
	}

	// The build string never contains '-', so split from the right once to
	// recover it, then split again to separate name (which may itself
	// contain '-') from version.
	lastDash := strings.LastIndexByte(trimmed, '-')
	if lastDash < 0 {
		return "", "", "", "", fmt.Errorf("pkginfo: %q is missing a build string", filename)
	}
	build = trimmed[lastDash+1:]
	rest := trimmed[:lastDash]

	secondDash := strings.LastIndexByte(rest, '-')
	if secondDash < 0 {
		return "", "", "", "", fmt.Errorf("pkginfo: %q is missing a version", filename)
	}
	version = rest[secondDash+1:]
	name = rest[:secondDash]
	if name == "" {
		return "", "", "", "", fmt.Errorf("pkginfo: %q is missing a name", filename)
	}
	return name, version, build, ext, nil
}

// Key uniquely identifies a build within the universe:
// (channel, subdir, filename).
type Key struct {
	Channel  string
	Subdir   string
	Filename string
}

// KeyOf returns the universe key for p.
func KeyOf(p PackageInfo) Key {
	return Key{Channel: p.Channel, Subdir: p.Subdir, Filename: p.Filename}
}
