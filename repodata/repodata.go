// Package repodata implements the subdir index loader: loading and caching
// the per-(channel, subdir) repodata JSON with cache-control/ETag/
// Last-Modified validation, zst-variant probing, and read-compatibility
// with the legacy inline metadata form.
package repodata

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/a-h/condalink/download"
)

const (
	defaultRepodataFilename = "repodata.json"
	zstProbeTTL             = 14 * 24 * time.Hour
)

// ZstState records the outcome of a zst-variant HEAD probe, with a 14-day
// TTL before it is re-probed.
type ZstState struct {
	Value       bool      `json:"value"`
	LastChecked time.Time `json:"last_checked"`
}

func (z ZstState) fresh(now time.Time) bool {
	return !z.LastChecked.IsZero() && now.Sub(z.LastChecked) < zstProbeTTL
}

// SubdirMetadata is the cache-control state for one repodata file.
type SubdirMetadata struct {
	URL            string    `json:"url"`
	ETag           string    `json:"etag"`
	LastModified   string    `json:"mod"`
	CacheControl   string    `json:"cache_control"`
	StoredFileSize int64     `json:"size"`
	StoredMtimeNs  int64     `json:"mtime_ns"`
	HasZst         *ZstState `json:"has_zst,omitempty"`
}

// legacyInline is the older form where SubdirMetadata was embedded as
// top-level keys inside the repodata JSON itself. Still read for
// compatibility with caches written by older clients, never written.
type legacyInline struct {
	URL          string `json:"_url"`
	ETag         string `json:"_etag"`
	Mod          string `json:"_mod"`
	CacheControl string `json:"_cache_control"`
}

// CacheHash returns the first 8 hex characters of MD5(channelURL/subdir/).
func CacheHash(channelURL, subdir string) string {
	sum := md5.Sum([]byte(channelURL + "/" + subdir + "/"))
	return hex.EncodeToString(sum[:])[:8]
}

func statePath(cacheRoot, hash string) string {
	return filepath.Join(cacheRoot, "cache", hash+".state.json")
}

func jsonPath(cacheRoot, hash string) string {
	return filepath.Join(cacheRoot, "cache", hash+".json")
}

// Loader loads and caches subdir repodata across an ordered list of cache
// roots. The first root is the writable one new data is persisted into.
type Loader struct {
	log        *slog.Logger
	engine     *download.Engine
	cacheRoots []string
	maxAge     *time.Duration // user override; nil means "derive from cache-control"
	offline    bool
}

// New constructs a Loader.
func New(log *slog.Logger, engine *download.Engine, cacheRoots []string) *Loader {
	return &Loader{log: log, engine: engine, cacheRoots: cacheRoots}
}

// SetMaxAgeOverride pins the max-age used by validity checks, overriding
// the cache-control-derived value.
func (l *Loader) SetMaxAgeOverride(d time.Duration) { l.maxAge = &d }

// SetOffline makes Load accept any existing cache, however old, without
// issuing network requests. Expired caches used this way are reported via
// Result.StaleOffline.
func (l *Loader) SetOffline(offline bool) { l.offline = offline }

// Result is what Load returns: the path to a valid JSON file and,
// optionally, a companion .solv binary cache not older than the JSON.
// StaleOffline reports that the cache had expired but was used anyway
// because the loader is offline.
type Result struct {
	JSONPath     string
	SolvPath     string
	StaleOffline bool
}

// Load runs the cache-then-refresh sequence for one (channelURL, subdir).
func (l *Loader) Load(ctx context.Context, channelURL, subdir string) (Result, error) {
	if strings.HasPrefix(channelURL, "file://") {
		return l.loadLocal(channelURL, subdir)
	}

	hash := CacheHash(channelURL, subdir)

	// Scan every cache root for a fresh hit before touching the network,
	// remembering only the first expired cache seen along the way.
	var (
		expiredRoot string
		expiredMeta SubdirMetadata
		expired     bool
	)
	for _, root := range l.cacheRoots {
		jp := jsonPath(root, hash)
		meta, ok := l.readValidCache(jp, statePath(root, hash))
		if !ok {
			continue
		}
		if l.isFresh(meta) {
			return l.result(root, hash), nil
		}
		if l.offline {
			l.log.Warn("repodata: using stale cache (offline)", slog.String("subdir", subdir), slog.String("path", jp))
			res := l.result(root, hash)
			res.StaleOffline = true
			return res, nil
		}
		if !expired {
			expiredRoot, expiredMeta, expired = root, meta, true
		}
	}
	if expired {
		return l.refresh(ctx, channelURL, subdir, expiredRoot, hash, expiredMeta)
	}
	if l.offline {
		return Result{}, fmt.Errorf("repodata: offline and no cached repodata for %s/%s", channelURL, subdir)
	}
	return l.fetchFresh(ctx, channelURL, subdir, l.cacheRoots[0], hash)
}

func (l *Loader) loadLocal(channelURL, subdir string) (Result, error) {
	dir := strings.TrimPrefix(channelURL, "file://")
	jp := filepath.Join(dir, subdir, defaultRepodataFilename)
	if _, err := os.Stat(jp); err != nil {
		return Result{}, fmt.Errorf("repodata: local channel %s: %w", jp, err)
	}
	return Result{JSONPath: jp}, nil
}

// readValidCache reads the state file (falling back to the legacy inline
// form) and checks it against the on-disk JSON's size/mtime.
func (l *Loader) readValidCache(jsonFile, stateFile string) (SubdirMetadata, bool) {
	fi, err := os.Stat(jsonFile)
	if err != nil {
		return SubdirMetadata{}, false
	}

	meta, err := readStateFile(stateFile)
	if err != nil {
		l.log.Debug("repodata: state file unreadable, falling back to inline", slog.String("path", stateFile), slog.Any("error", err))
		_ = os.Remove(stateFile)
		inline, ok := readInlineMetadata(jsonFile)
		if !ok {
			return SubdirMetadata{}, false
		}
		meta = inline
	}

	if meta.StoredFileSize != fi.Size() || meta.StoredMtimeNs != fi.ModTime().UnixNano() {
		inline, ok := readInlineMetadata(jsonFile)
		if !ok {
			return SubdirMetadata{}, false
		}
		meta = inline
		meta.StoredFileSize = fi.Size()
		meta.StoredMtimeNs = fi.ModTime().UnixNano()
	}
	return meta, true
}

func readStateFile(path string) (SubdirMetadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return SubdirMetadata{}, err
	}
	var meta SubdirMetadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return SubdirMetadata{}, fmt.Errorf("repodata: decoding %s: %w", path, err)
	}
	return meta, nil
}

func readInlineMetadata(jsonFile string) (SubdirMetadata, bool) {
	b, err := os.ReadFile(jsonFile)
	if err != nil {
		return SubdirMetadata{}, false
	}
	var inline legacyInline
	if err := json.Unmarshal(b, &inline); err != nil || inline.URL == "" {
		return SubdirMetadata{}, false
	}
	fi, err := os.Stat(jsonFile)
	if err != nil {
		return SubdirMetadata{}, false
	}
	return SubdirMetadata{
		URL:            inline.URL,
		ETag:           inline.ETag,
		LastModified:   inline.Mod,
		CacheControl:   inline.CacheControl,
		StoredFileSize: fi.Size(),
		StoredMtimeNs:  fi.ModTime().UnixNano(),
	}, true
}

func (l *Loader) maxAgeFor(meta SubdirMetadata) time.Duration {
	if l.maxAge != nil {
		return *l.maxAge
	}
	return time.Duration(download.MaxAgeFromCacheControl(meta.CacheControl)) * time.Second
}

func (l *Loader) isFresh(meta SubdirMetadata) bool {
	age := time.Since(time.Unix(0, meta.StoredMtimeNs))
	return age <= l.maxAgeFor(meta)
}

func (l *Loader) result(root, hash string) Result {
	res := Result{JSONPath: jsonPath(root, hash)}
	solv := strings.TrimSuffix(res.JSONPath, ".json") + ".solv"
	if solvFi, err := os.Stat(solv); err == nil {
		if jsonFi, err := os.Stat(res.JSONPath); err == nil && !solvFi.ModTime().Before(jsonFi.ModTime()) {
			res.SolvPath = solv
		}
	}
	return res
}

// refresh re-validates and, if needed, re-fetches an expired cache entry.
func (l *Loader) refresh(ctx context.Context, channelURL, subdir, root, hash string, meta SubdirMetadata) (Result, error) {
	meta.HasZst = l.resolveZst(ctx, channelURL, subdir, meta.HasZst)
	mirrorSuffix := repodataSuffix(subdir, meta.HasZst)

	writable := l.cacheRoots[0]
	req := download.Request{
		ID:           hash,
		Mirrors:      []download.Mirror{{BaseURL: channelURL}},
		PathSuffix:   mirrorSuffix,
		OutPath:      jsonPath(writable, hash) + ".tmp",
		ETag:         meta.ETag,
		LastModified: meta.LastModified,
	}
	res, err := l.engine.Do(ctx, req)
	if err == download.NotModified {
		return l.useExistingCache(root, writable, hash, meta)
	}
	if err != nil {
		l.log.Warn("repodata: refresh failed, using stale cache", slog.String("subdir", subdir), slog.Any("error", err))
		return l.result(root, hash), nil
	}
	return l.finalizeTransfer(writable, hash, req.OutPath, res, meta.HasZst)
}

func (l *Loader) fetchFresh(ctx context.Context, channelURL, subdir, root, hash string) (Result, error) {
	hasZst := l.resolveZst(ctx, channelURL, subdir, nil)
	req := download.Request{
		ID:         hash,
		Mirrors:    []download.Mirror{{BaseURL: channelURL}},
		PathSuffix: repodataSuffix(subdir, hasZst),
		OutPath:    jsonPath(root, hash) + ".tmp",
	}
	res, err := l.engine.Do(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("repodata: fetching %s/%s: %w", channelURL, subdir, err)
	}
	return l.finalizeTransfer(root, hash, req.OutPath, res, hasZst)
}

// resolveZst returns the zst-variant availability for this subdir, reusing
// prior's probe result while it is within its TTL and HEAD-probing the
// server otherwise. The returned state is persisted with the next state
// file write so the probe is not repeated for 14 days.
func (l *Loader) resolveZst(ctx context.Context, channelURL, subdir string, prior *ZstState) *ZstState {
	now := time.Now()
	if prior != nil && prior.fresh(now) {
		return prior
	}
	probeReq := download.Request{
		ID:         "zst-probe",
		Mirrors:    []download.Mirror{{BaseURL: channelURL}},
		PathSuffix: subdir + "/" + defaultRepodataFilename + ".zst",
		HeadOnly:   true,
	}
	res, err := l.engine.Do(ctx, probeReq)
	return &ZstState{Value: err == nil && res.HTTPStatus == 200, LastChecked: now}
}

func repodataSuffix(subdir string, hasZst *ZstState) string {
	if hasZst != nil && hasZst.Value {
		return subdir + "/" + defaultRepodataFilename + ".zst"
	}
	return subdir + "/" + defaultRepodataFilename
}

// useExistingCache handles a 304: the cached body is still current, so copy
// it to the writable root if it was found in a read-only one, touch its
// mtime so it is no longer expired, and rewrite the state file around the
// unchanged validators.
func (l *Loader) useExistingCache(foundRoot, writable, hash string, meta SubdirMetadata) (Result, error) {
	jp := jsonPath(writable, hash)
	if foundRoot != writable {
		if err := copyFile(jsonPath(foundRoot, hash), jp); err != nil {
			return Result{}, fmt.Errorf("repodata: copying cache to writable root: %w", err)
		}
	}
	now := time.Now()
	if err := os.Chtimes(jp, now, now); err != nil {
		return Result{}, fmt.Errorf("repodata: touching %s: %w", jp, err)
	}
	fi, err := os.Stat(jp)
	if err != nil {
		return Result{}, fmt.Errorf("repodata: stat %s: %w", jp, err)
	}
	meta.StoredFileSize = fi.Size()
	meta.StoredMtimeNs = fi.ModTime().UnixNano()
	if err := writeStateFile(statePath(writable, hash), meta); err != nil {
		return Result{}, err
	}
	return l.result(writable, hash), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// finalizeTransfer atomically renames the temp file in, decompressing it
// if it was served zst, and writes the refreshed state.
func (l *Loader) finalizeTransfer(root, hash, tmpPath string, res download.Result, hasZst *ZstState) (Result, error) {
	final := jsonPath(root, hash)
	if strings.HasSuffix(res.EffectiveURL, ".zst") {
		if err := decompressZstFile(tmpPath, final); err != nil {
			return Result{}, err
		}
	} else if err := os.Rename(tmpPath, final); err != nil {
		return Result{}, fmt.Errorf("repodata: renaming %s to %s: %w", tmpPath, final, err)
	}

	fi, err := os.Stat(final)
	if err != nil {
		return Result{}, fmt.Errorf("repodata: stat %s: %w", final, err)
	}
	meta := SubdirMetadata{
		URL:            res.EffectiveURL,
		ETag:           res.ETag,
		LastModified:   res.LastModified,
		CacheControl:   res.CacheControl,
		StoredFileSize: fi.Size(),
		StoredMtimeNs:  fi.ModTime().UnixNano(),
		HasZst:         hasZst,
	}
	if err := writeStateFile(statePath(root, hash), meta); err != nil {
		return Result{}, err
	}
	return l.result(root, hash), nil
}

func writeStateFile(path string, meta SubdirMetadata) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("repodata: creating %s: %w", filepath.Dir(path), err)
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("repodata: encoding state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("repodata: writing %s: %w", tmp, err)
	}
	f, err := os.Open(tmp)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("repodata: syncing %s: %w", tmp, err)
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("repodata: renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

func decompressZstFile(srcZst, dst string) error {
	in, err := os.Open(srcZst)
	if err != nil {
		return fmt.Errorf("repodata: opening %s: %w", srcZst, err)
	}
	defer in.Close()
	defer os.Remove(srcZst)

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("repodata: creating %s: %w", dst, err)
	}
	defer out.Close()

	zr, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("repodata: opening zst stream %s: %w", srcZst, err)
	}
	defer zr.Close()
	if _, err := io.Copy(out, zr); err != nil {
		return fmt.Errorf("repodata: decompressing %s: %w", srcZst, err)
	}
	return nil
}
