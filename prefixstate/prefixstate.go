// Package prefixstate implements the on-disk state of an installed prefix:
// the per-package conda-meta JSON record, the append-only conda-meta/
// history journal, and urls.txt.
package prefixstate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/a-h/condalink/pkginfo"
)

// PathRecord is one entry of paths_data.paths.
type PathRecord struct {
	Path            string `json:"path"`
	PathType        string `json:"path_type"`
	PrefixPlaceholder string `json:"prefix_placeholder,omitempty"`
	FileMode        string `json:"file_mode,omitempty"`
	SHA256InPrefix  string `json:"sha256_in_prefix,omitempty"`
	SizeInBytes     int64  `json:"size_in_bytes,omitempty"`
}

// PathsData is the paths_data object of a conda-meta record.
type PathsData struct {
	PathsVersion int          `json:"paths_version"`
	Paths        []PathRecord `json:"paths"`
}

// Link describes where a package's files were linked from.
type Link struct {
	Source string `json:"source"`
	Type   string `json:"type"`
}

// PackageMeta is the full conda-meta/{pkg}.json record: a PackageInfo
// serialization plus files, paths_data, and link.
type PackageMeta struct {
	pkginfo.PackageInfo
	Files     []string  `json:"files"`
	PathsData PathsData `json:"paths_data"`
	Link      Link      `json:"link"`
}

func metaFilename(p pkginfo.PackageInfo) string {
	return fmt.Sprintf("%s-%s-%s.json", p.Name, p.Version, p.BuildString)
}

func metaDir(prefix string) string { return filepath.Join(prefix, "conda-meta") }

// WriteMeta atomically writes a package's conda-meta record (write-temp,
// fsync, rename, per the ambient write contract used throughout this
// repository).
func WriteMeta(prefix string, meta PackageMeta) error {
	dir := metaDir(prefix)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prefixstate: creating %s: %w", dir, err)
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("prefixstate: encoding conda-meta record: %w", err)
	}
	dest := filepath.Join(dir, metaFilename(meta.PackageInfo))
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("prefixstate: writing %s: %w", tmp, err)
	}
	f, err := os.Open(tmp)
	if err != nil {
		return err
	}
	syncErr := f.Sync()
	f.Close()
	if syncErr != nil {
		return fmt.Errorf("prefixstate: syncing %s: %w", tmp, syncErr)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("prefixstate: renaming %s to %s: %w", tmp, dest, err)
	}
	return nil
}

// ReadMeta reads the conda-meta record for the given long-triple
// "{name}-{version}-{build}".
func ReadMeta(prefix, triple string) (PackageMeta, error) {
	path := filepath.Join(metaDir(prefix), triple+".json")
	b, err := os.ReadFile(path)
	if err != nil {
		return PackageMeta{}, fmt.Errorf("prefixstate: reading %s: %w", path, err)
	}
	var meta PackageMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return PackageMeta{}, fmt.Errorf("prefixstate: decoding %s: %w", path, err)
	}
	return meta, nil
}

// RemoveMeta deletes a package's conda-meta record.
func RemoveMeta(prefix string, p pkginfo.PackageInfo) error {
	path := filepath.Join(metaDir(prefix), metaFilename(p))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("prefixstate: removing %s: %w", path, err)
	}
	return nil
}

// ListInstalled returns the long-triples of every package currently
// recorded in conda-meta.
func ListInstalled(prefix string) ([]string, error) {
	entries, err := os.ReadDir(metaDir(prefix))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prefixstate: reading %s: %w", metaDir(prefix), err)
	}
	var triples []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		triples = append(triples, strings.TrimSuffix(e.Name(), ".json"))
	}
	return triples, nil
}

// HistoryRecord is one entry of conda-meta/history.
//
// Entries carries the "+"/"-" long-name lines in the exact order they were
// applied during the transaction: for a package that is both unlinked and
// linked (an upgrade, downgrade, change, or reinstall), its "-" line
// precedes its "+" line, matching execution order rather than being
// grouped by sign.
type HistoryRecord struct {
	Timestamp    time.Time
	Cmd          string
	CondaVersion string
	Entries      []string // each already prefixed with "+" or "-"
	UpdateSpecs  []string
	RemoveSpecs  []string
}

func historyPath(prefix string) string { return filepath.Join(metaDir(prefix), "history") }

// AppendHistory appends one record to conda-meta/history, in the stable
// line order conda's own history parser expects: a timestamp banner, then
// cmd/conda-version comments, then the "+"/"-" entries, then the
// update/remove specs trailer.
func AppendHistory(prefix string, rec HistoryRecord) error {
	dir := metaDir(prefix)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prefixstate: creating %s: %w", dir, err)
	}
	f, err := os.OpenFile(historyPath(prefix), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("prefixstate: opening %s: %w", historyPath(prefix), err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "==> %s <==\n", rec.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "# cmd: %s\n", rec.Cmd)
	fmt.Fprintf(w, "# conda version: %s\n", rec.CondaVersion)
	for _, entry := range rec.Entries {
		fmt.Fprintf(w, "%s\n", entry)
	}
	fmt.Fprintf(w, "# update specs: %s\n", jsonArray(rec.UpdateSpecs))
	fmt.Fprintf(w, "# remove specs: %s\n", jsonArray(rec.RemoveSpecs))
	if err := w.Flush(); err != nil {
		return fmt.Errorf("prefixstate: writing history: %w", err)
	}
	return f.Sync()
}

func jsonArray(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// AppendURL appends one URL to {prefix}/conda-meta/../urls.txt, which
// lives at the prefix root alongside conda-meta rather than inside it.
func AppendURL(prefix, url string) error {
	f, err := os.OpenFile(filepath.Join(prefix, "urls.txt"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("prefixstate: opening urls.txt: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, url)
	return err
}
