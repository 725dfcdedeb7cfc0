// Package acquire implements the acquisition pipeline: driving each
// PackageInfo through absent → cached-extracted / cached-tarball /
// needs-download → Download → SizeCheck → Hash → Extract → Validate →
// Done, with concurrent downloads and globally serialized extraction.
package acquire

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/a-h/condalink/archive"
	"github.com/a-h/condalink/download"
	"github.com/a-h/condalink/metrics"
	"github.com/a-h/condalink/pkgcache"
	"github.com/a-h/condalink/pkginfo"
	"github.com/a-h/condalink/trust"
)

// ValidationError is returned when an acquired artifact fails an integrity
// gate: size mismatch or hash mismatch.
type ValidationError struct {
	Filename string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("acquire: validation failed for %s: %s", e.Filename, e.Reason)
}

// State is a package's position in the acquisition state machine.
type State int

const (
	StateAbsent State = iota
	StateCachedExtracted
	StateCachedTarball
	StateNeedsDownload
	StateDownloaded
	StateSizeChecked
	StateHashed
	StateExtracted
	StateValidated
	StateDone
)

// Pipeline drives PackageInfo values through acquisition against a Cache.
type Pipeline struct {
	log        *slog.Logger
	cache      *pkgcache.Cache
	engine     *download.Engine
	signers    *trust.Store
	signatures map[string][]trust.Signature
	metrics    metrics.Metrics
}

// New constructs a Pipeline. signers may be nil or an empty *trust.Store to
// disable the optional trust layer.
func New(log *slog.Logger, cache *pkgcache.Cache, engine *download.Engine, signers *trust.Store) *Pipeline {
	if signers == nil {
		signers = &trust.Store{}
	}
	return &Pipeline{log: log, cache: cache, engine: engine, signers: signers}
}

// SetSignatures installs the per-filename signature chains carried by the
// already-loaded repodata, keyed by PackageInfo.Filename. Run consults this
// map only when the Pipeline's trust.Store is Enabled.
func (pl *Pipeline) SetSignatures(sigs map[string][]trust.Signature) {
	pl.signatures = sigs
}

// SetMetrics installs the counters Run reports cache lookups, downloaded
// bytes, and extractions to. An unset Metrics is its zero value, whose
// counters are nil and whose Record* calls are no-ops.
func (pl *Pipeline) SetMetrics(m metrics.Metrics) {
	pl.metrics = m
}

// Acquired describes a package's realized on-disk location after Run.
type Acquired struct {
	Package      pkginfo.PackageInfo
	ExtractedDir string
	Root         string
	Cached       bool // true if no download/extraction was needed
}

// Run drives p through the acquisition state machine and returns its
// extracted location.
func (pl *Pipeline) Run(ctx context.Context, p pkginfo.PackageInfo) (Acquired, error) {
	if loc, ok := pl.cache.FirstCachePath(p, true); ok {
		pl.metrics.RecordCacheLookup(ctx, true)
		return Acquired{Package: p, ExtractedDir: extractedDirFor(loc.Root, p), Root: loc.Root, Cached: true}, nil
	}
	pl.metrics.RecordCacheLookup(ctx, false)

	root, err := pl.cache.FirstWritableRoot()
	if err != nil {
		return Acquired{}, fmt.Errorf("acquire: %w", err)
	}

	tarballPath := filepath.Join(root, "pkgs", p.Filename)
	if loc, ok := pl.cache.FirstCachePath(p, false); ok && loc.Tarball {
		tarballPath = filepath.Join(loc.Root, "pkgs", p.Filename)
		root = loc.Root
	} else {
		tarballPath, err = pl.download(ctx, p, root)
		if err != nil {
			return Acquired{}, err
		}
	}

	if err := pl.verify(p, tarballPath); err != nil {
		os.Remove(tarballPath)
		return Acquired{}, err
	}

	if err := pl.verifySignatures(p); err != nil {
		os.Remove(tarballPath)
		return Acquired{}, err
	}

	extractedDir := extractedDirFor(root, p)
	if err := archive.Extract(ctx, tarballPath, extractedDir); err != nil {
		pl.metrics.RecordExtraction(ctx, true)
		return Acquired{}, fmt.Errorf("acquire: extracting %s: %w", tarballPath, err)
	}
	pl.metrics.RecordExtraction(ctx, false)

	if !pl.cache.Validate(extractedDir) {
		return Acquired{}, &ValidationError{Filename: p.Filename, Reason: "paths.json validation failed after extraction"}
	}

	if err := pl.writeRepodataRecord(extractedDir, p); err != nil {
		return Acquired{}, err
	}
	if err := pkgcache.AppendURLsTxt(root, p.URL); err != nil {
		return Acquired{}, fmt.Errorf("acquire: %w", err)
	}

	return Acquired{Package: p, ExtractedDir: extractedDir, Root: root}, nil
}

func extractedDirFor(root string, p pkginfo.PackageInfo) string {
	return filepath.Join(root, "pkgs", fmt.Sprintf("%s-%s-%s", p.Name, p.Version, p.BuildString))
}

func (pl *Pipeline) download(ctx context.Context, p pkginfo.PackageInfo, root string) (string, error) {
	tarballPath := filepath.Join(root, "pkgs", p.Filename)
	req := download.Request{
		ID:         p.Filename,
		Mirrors:    []download.Mirror{{BaseURL: p.Channel}},
		PathSuffix: p.Subdir + "/" + p.Filename,
		OutPath:    tarballPath,
	}
	res, err := pl.engine.Do(ctx, req)
	if err != nil {
		pl.metrics.RecordDownload(ctx, p.Channel, 0, true)
		return "", fmt.Errorf("acquire: downloading %s: %w", p.Filename, err)
	}
	if p.Size > 0 && res.DownloadedSize != p.Size {
		pl.metrics.RecordDownload(ctx, p.Channel, 0, true)
		os.Remove(tarballPath)
		return "", &ValidationError{Filename: p.Filename, Reason: fmt.Sprintf("downloaded %d bytes, expected %d", res.DownloadedSize, p.Size)}
	}
	pl.metrics.RecordDownload(ctx, p.Channel, res.DownloadedSize, false)
	return tarballPath, nil
}

// verify runs the integrity gates: size (already checked at download
// time when known) then sha256-or-md5.
func (pl *Pipeline) verify(p pkginfo.PackageInfo, path string) error {
	if p.SHA256 != "" {
		sum, err := hashFile(sha256.New(), path)
		if err != nil {
			return fmt.Errorf("acquire: hashing %s: %w", path, err)
		}
		if sum != p.SHA256 {
			return &ValidationError{Filename: p.Filename, Reason: fmt.Sprintf("sha256 %s, expected %s", sum, p.SHA256)}
		}
		return nil
	}
	if p.MD5 != "" {
		sum, err := hashFile(md5.New(), path)
		if err != nil {
			return fmt.Errorf("acquire: hashing %s: %w", path, err)
		}
		if sum != p.MD5 {
			return &ValidationError{Filename: p.Filename, Reason: fmt.Sprintf("md5 %s, expected %s", sum, p.MD5)}
		}
	}
	return nil
}

func hashFile(h hashHasher, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verifySignatures enforces the optional trust layer: a no-op unless the
// Pipeline was built with a non-empty trust.Store.
func (pl *Pipeline) verifySignatures(p pkginfo.PackageInfo) error {
	if !pl.signers.Enabled() {
		return nil
	}
	return pl.signers.VerifyChain(p.Filename, canonicalRepodataEntry(p), pl.signatures[p.Filename])
}

// canonicalRepodataEntry renders the stable identity fields of a package's
// repodata entry as the message a trusted signer's signature chain covers.
// Field order is fixed so the same package always hashes to the same
// bytes regardless of map iteration order elsewhere in the pipeline.
func canonicalRepodataEntry(p pkginfo.PackageInfo) []byte {
	return fmt.Appendf(nil, "%s|%s|%s|%d|%s|%s", p.Filename, p.Channel, p.Subdir, p.Size, p.MD5, p.SHA256)
}

type hashHasher interface {
	io.Writer
	Sum(b []byte) []byte
}

// repodataRecord is info/repodata_record.json: info/index.json merged with
// the acquisition-time PackageInfo fields (URL, channel, size, checksums).
type repodataRecord struct {
	Filename string `json:"fn"`
	URL      string `json:"url"`
	Channel  string `json:"channel"`
	Size     int64  `json:"size"`
	MD5      string `json:"md5,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

func (pl *Pipeline) writeRepodataRecord(extractedDir string, p pkginfo.PackageInfo) error {
	indexPath := filepath.Join(extractedDir, "info", "index.json")
	indexBytes, err := os.ReadFile(indexPath)
	if err != nil {
		return fmt.Errorf("acquire: reading %s: %w", indexPath, err)
	}
	var merged map[string]any
	if err := json.Unmarshal(indexBytes, &merged); err != nil {
		return fmt.Errorf("acquire: decoding %s: %w", indexPath, err)
	}
	rec := repodataRecord{Filename: p.Filename, URL: p.URL, Channel: p.Channel, Size: p.Size, MD5: p.MD5, SHA256: p.SHA256}
	recBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("acquire: encoding repodata_record fields: %w", err)
	}
	var recMap map[string]any
	if err := json.Unmarshal(recBytes, &recMap); err != nil {
		return err
	}
	for k, v := range recMap {
		merged[k] = v
	}

	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("acquire: encoding repodata_record.json: %w", err)
	}
	dest := filepath.Join(extractedDir, "info", "repodata_record.json")
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("acquire: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("acquire: renaming %s to %s: %w", tmp, dest, err)
	}
	return nil
}
