// Package pkgcache implements the package cache: an ordered list of cache
// roots, extracted/tarball recognition, paths.json validation, and the
// per-root advisory locking that serializes mutation.
package pkgcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/a-h/condalink/pkginfo"
)

// Severity controls how strictly Cache.Validate enforces paths.json
// agreement.
type Severity int

const (
	Disabled Severity = iota
	Warn
	Enabled
)

// pathRecord mirrors one entry of info/paths.json.
type pathRecord struct {
	Path        string `json:"_path"`
	PathType    string `json:"path_type"`
	SizeInBytes int64  `json:"size_in_bytes"`
	SHA256      string `json:"sha256"`
}

type pathsJSON struct {
	PathsVersion int          `json:"paths_version"`
	Paths        []pathRecord `json:"paths"`
}

// Cache is an ordered list of cache roots.
type Cache struct {
	log         *slog.Logger
	roots       []string
	severity    Severity
	extraSafety bool
}

// New constructs a Cache over roots, in lookup order.
func New(log *slog.Logger, roots []string, severity Severity, extraSafety bool) *Cache {
	return &Cache{log: log, roots: roots, severity: severity, extraSafety: extraSafety}
}

// pkgsDir returns "{root}/pkgs", creating it with the setgid-bit
// convention shared-cache roots use if it does not exist.
func pkgsDir(root string) (string, error) {
	dir := filepath.Join(root, "pkgs")
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return "", fmt.Errorf("pkgcache: creating %s: %w", dir, err)
	}
	if err := setgidBestEffort(dir); err != nil {
		slog.Default().Debug("pkgcache: setgid bit not applied", slog.String("dir", dir), slog.Any("error", err))
	}
	return dir, nil
}

func extractedDirName(p pkginfo.PackageInfo) string {
	return fmt.Sprintf("%s-%s-%s", p.Name, p.Version, p.BuildString)
}

func lockPath(root string) string {
	return filepath.Join(root, "pkgs", ".lock")
}

// LockTimeoutError is returned when the per-root advisory lock could not be
// acquired within the configured deadline.
type LockTimeoutError struct {
	Path    string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("pkgcache: could not acquire %s within %s", e.Path, e.Timeout)
}

// lockTimeout bounds advisory lock acquisition process-wide. Zero means
// wait forever, the default.
var (
	lockTimeoutMu sync.Mutex
	lockTimeout   time.Duration
)

// SetLockTimeout bounds how long lock acquisition waits before failing with
// a *LockTimeoutError. Zero restores the default of waiting forever.
func SetLockTimeout(d time.Duration) {
	lockTimeoutMu.Lock()
	defer lockTimeoutMu.Unlock()
	lockTimeout = d
}

func currentLockTimeout() time.Duration {
	lockTimeoutMu.Lock()
	defer lockTimeoutMu.Unlock()
	return lockTimeout
}

// withLock serializes a mutation of root/pkgs behind its advisory file
// lock.
func withLock(root string, fn func() error) error {
	if _, err := pkgsDir(root); err != nil {
		return err
	}
	fl := flock.New(lockPath(root))
	if timeout := currentLockTimeout(); timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		ok, err := fl.TryLockContext(ctx, 100*time.Millisecond)
		if err != nil || !ok {
			if ctx.Err() != nil {
				return &LockTimeoutError{Path: lockPath(root), Timeout: timeout}
			}
			return fmt.Errorf("pkgcache: locking %s: %w", lockPath(root), err)
		}
	} else if err := fl.Lock(); err != nil {
		return fmt.Errorf("pkgcache: locking %s: %w", lockPath(root), err)
	}
	defer fl.Unlock()
	return fn()
}

// Located describes where a package was found and in what state.
type Located struct {
	Root      string
	Extracted bool
	Tarball   bool
}

// FirstCachePath returns the first cache root holding p, preferring an
// already-extracted copy over a bare tarball.
func (c *Cache) FirstCachePath(p pkginfo.PackageInfo, requireExtracted bool) (Located, bool) {
	for _, root := range c.roots {
		extractedDir := filepath.Join(root, "pkgs", extractedDirName(p))
		if fi, err := os.Stat(extractedDir); err == nil && fi.IsDir() {
			if c.Validate(extractedDir) {
				return Located{Root: root, Extracted: true}, true
			}
		}
		if requireExtracted {
			continue
		}
		tarball := filepath.Join(root, "pkgs", p.Filename)
		if _, err := os.Stat(tarball); err == nil {
			return Located{Root: root, Tarball: true}, true
		}
	}
	return Located{}, false
}

// FirstWritableRoot returns the first root usable as a target for new
// downloads.
func (c *Cache) FirstWritableRoot() (string, error) {
	for _, root := range c.roots {
		dir, err := pkgsDir(root)
		if err != nil {
			continue
		}
		probe := filepath.Join(dir, ".write-probe")
		if f, err := os.Create(probe); err == nil {
			f.Close()
			os.Remove(probe)
			return root, nil
		}
	}
	return "", fmt.Errorf("pkgcache: no writable cache root among %v", c.roots)
}

// Validate checks an extracted package directory's info/paths.json against
// its severity.
func (c *Cache) Validate(extractedDir string) bool {
	if c.severity == Disabled {
		return true
	}
	pj, err := readPathsJSON(extractedDir)
	if err != nil {
		return c.reportInvalid(extractedDir, err)
	}
	for _, rec := range pj.Paths {
		if err := c.validateOne(extractedDir, rec); err != nil {
			return c.reportInvalid(extractedDir, err)
		}
	}
	return true
}

func (c *Cache) reportInvalid(dir string, err error) bool {
	if c.severity == Warn {
		c.log.Warn("pkgcache: validation failure", slog.String("dir", dir), slog.Any("error", err))
		return true
	}
	c.log.Debug("pkgcache: validation failure", slog.String("dir", dir), slog.Any("error", err))
	return false
}

func readPathsJSON(extractedDir string) (pathsJSON, error) {
	b, err := os.ReadFile(filepath.Join(extractedDir, "info", "paths.json"))
	if err != nil {
		return pathsJSON{}, fmt.Errorf("reading paths.json: %w", err)
	}
	var pj pathsJSON
	if err := json.Unmarshal(b, &pj); err != nil {
		return pathsJSON{}, fmt.Errorf("decoding paths.json: %w", err)
	}
	return pj, nil
}

func (c *Cache) validateOne(extractedDir string, rec pathRecord) error {
	full := filepath.Join(extractedDir, rec.Path)
	fi, err := os.Lstat(full)
	if err != nil {
		return fmt.Errorf("%s: %w", rec.Path, err)
	}
	isSymlink := fi.Mode()&os.ModeSymlink != 0
	if isSymlink {
		return nil
	}
	if rec.SizeInBytes > 0 && fi.Size() != rec.SizeInBytes {
		return fmt.Errorf("%s: size %d, want %d", rec.Path, fi.Size(), rec.SizeInBytes)
	}
	if c.extraSafety && rec.SHA256 != "" {
		sum, err := sha256File(full)
		if err != nil {
			return fmt.Errorf("%s: hashing: %w", rec.Path, err)
		}
		if sum != rec.SHA256 {
			return fmt.Errorf("%s: sha256 %s, want %s", rec.Path, sum, rec.SHA256)
		}
	}
	return nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// AppendURLsTxt appends url to {root}/pkgs/urls.txt, under the per-root
// lock.
func AppendURLsTxt(root, url string) error {
	return withLock(root, func() error {
		dir, err := pkgsDir(root)
		if err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(dir, "urls.txt"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("pkgcache: opening urls.txt: %w", err)
		}
		defer f.Close()
		_, err = fmt.Fprintln(f, url)
		return err
	})
}

// WithLock exposes the per-root lock to callers that need to hold it across
// several pkgs-directory mutations at once.
func (c *Cache) WithLock(root string, fn func() error) error {
	return withLock(root, fn)
}
