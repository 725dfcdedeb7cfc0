// Package archive implements the tar.bz2 / .conda read-write contract:
// decoding and encoding both package archive formats, and extracting
// either one into a destination directory with safety checks against
// path traversal and atomic all-or-nothing cleanup on failure.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Ext identifies which of the two supported archive formats a path names.
type Ext string

const (
	ExtTarBz2 Ext = ".tar.bz2"
	ExtConda  Ext = ".conda"
)

// ExtOf returns the archive format implied by path's suffix.
func ExtOf(path string) (Ext, error) {
	switch {
	case strings.HasSuffix(path, string(ExtConda)):
		return ExtConda, nil
	case strings.HasSuffix(path, string(ExtTarBz2)):
		return ExtTarBz2, nil
	default:
		return "", fmt.Errorf("archive: %q has no recognized archive extension", path)
	}
}

// UnsafeArchiveError is returned when an archive member would escape the
// extraction destination via path traversal or an absolute symlink target.
type UnsafeArchiveError struct {
	Member string
	Reason string
}

func (e *UnsafeArchiveError) Error() string {
	return fmt.Sprintf("archive: unsafe member %q: %s", e.Member, e.Reason)
}

// extractionMu is the single process-wide extraction mutex: at most one
// archive is being extracted at a time, regardless of how many downloads
// or hash verifications run concurrently.
var extractionMu sync.Mutex

// safeJoin resolves member against dest and rejects any result that would
// not remain lexically inside dest (checked by resolved absolute path
// prefix).
func safeJoin(dest, member string) (string, error) {
	if filepath.IsAbs(member) {
		return "", &UnsafeArchiveError{Member: member, Reason: "absolute path"}
	}
	cleanMember := filepath.Clean(member)
	if cleanMember == ".." || strings.HasPrefix(cleanMember, ".."+string(filepath.Separator)) {
		return "", &UnsafeArchiveError{Member: member, Reason: "path traversal"}
	}
	full := filepath.Join(dest, cleanMember)
	destAbs, err := filepath.Abs(dest)
	if err != nil {
		return "", fmt.Errorf("archive: resolving destination: %w", err)
	}
	fullAbs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("archive: resolving member path: %w", err)
	}
	if fullAbs != destAbs && !strings.HasPrefix(fullAbs, destAbs+string(filepath.Separator)) {
		return "", &UnsafeArchiveError{Member: member, Reason: "resolves outside destination"}
	}
	return full, nil
}

// checkSymlinkTarget rejects an absolute symlink target.
func checkSymlinkTarget(member, target string) error {
	if filepath.IsAbs(target) {
		return &UnsafeArchiveError{Member: member, Reason: "absolute symlink target"}
	}
	return nil
}

// Extract decodes the archive at archivePath (tar.bz2 or .conda, chosen by
// extension) into destDir. destDir must not already exist; Extract creates
// it. On any error or cancellation, destDir is removed entirely before
// Extract returns. ctx is polled between archive members, so an interrupt
// aborts mid-extract and the scope guard cleans up the partial directory.
func Extract(ctx context.Context, archivePath, destDir string) (err error) {
	ext, err := ExtOf(archivePath)
	if err != nil {
		return err
	}

	extractionMu.Lock()
	defer extractionMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("archive: creating destination %s: %w", destDir, err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(destDir)
		}
	}()

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("archive: opening %s: %w", archivePath, err)
	}
	defer f.Close()

	switch ext {
	case ExtTarBz2:
		err = extractTarBz2(ctx, f, destDir)
	case ExtConda:
		fi, statErr := f.Stat()
		if statErr != nil {
			return fmt.Errorf("archive: stat %s: %w", archivePath, statErr)
		}
		err = extractConda(ctx, f, fi.Size(), destDir)
	}
	return err
}
