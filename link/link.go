// Package link implements the link/unlink engine: materializing an
// extracted package into a prefix and reversing it, with prefix-placeholder
// rewriting, noarch:python path remapping, entry-point generation, and the
// .mamba_trash busy-file recovery path.
package link

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/a-h/condalink/pkginfo"
	"github.com/a-h/condalink/prefixstate"
)

// Method is the placement method paths.json declares for a file.
type Method string

const (
	MethodHardlink Method = "hardlink"
	MethodSoftlink Method = "softlink"
	MethodCopy     Method = "copy"
)

// Options configures a Linker's behavior.
type Options struct {
	AllowSoftlink    bool
	CompilePyc       bool
	RunPostLinkHooks bool
	PythonVersion    string // effective target python version; empty disables noarch:python handling
	PythonExecutable string
}

// Linker materializes/removes packages in one prefix.
type Linker struct {
	log    *slog.Logger
	prefix string
	opts   Options
}

// New constructs a Linker for prefix.
func New(log *slog.Logger, prefix string, opts Options) *Linker {
	return &Linker{log: log, prefix: prefix, opts: opts}
}

// Undo is the inverse of a primitive: each link/unlink step is a pure
// effect with an undo() partner.
type Undo func() error

// pathRecord mirrors one info/paths.json entry, including the extended
// prefix-placeholder fields.
type pathRecord struct {
	Path              string `json:"_path"`
	PathType          string `json:"path_type"`
	PrefixPlaceholder string `json:"prefix_placeholder"`
	FileMode          string `json:"file_mode"`
	SHA256            string `json:"sha256"`
	SizeInBytes       int64  `json:"size_in_bytes"`
}

type pathsJSON struct {
	PathsVersion int          `json:"paths_version"`
	Paths        []pathRecord `json:"paths"`
}

// linkJSON mirrors info/link.json's noarch entry-point declarations.
type linkJSON struct {
	NoArch *struct {
		Type        string   `json:"type"`
		EntryPoints []string `json:"entry_points"`
	} `json:"noarch"`
}

// Link materializes extractedDir's package into the prefix and returns the
// rollback Undo.
func (l *Linker) Link(p pkginfo.PackageInfo, extractedDir string) (Undo, error) {
	pj, err := readPathsJSON(extractedDir)
	if err != nil {
		return nil, fmt.Errorf("link: %w", err)
	}
	isNoarchPython := isNoarchPythonPackage(extractedDir)
	if isNoarchPython && l.opts.PythonVersion == "" {
		return nil, fmt.Errorf("link: %s is a noarch:python package but no python version is available in this transaction", p.Name)
	}

	var created []string
	undoAll := func() error {
		var firstErr error
		for i := len(created) - 1; i >= 0; i-- {
			if err := os.Remove(created[i]); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	var files []string
	for _, rec := range pj.Paths {
		dest, err := l.targetPath(rec.Path, isNoarchPython)
		if err != nil {
			return undoOnError(undoAll, err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return undoOnError(undoAll, fmt.Errorf("link: creating parent of %s: %w", dest, err))
		}
		if err := l.placeFile(extractedDir, rec, dest); err != nil {
			return undoOnError(undoAll, err)
		}
		created = append(created, dest)
		rel, err := filepath.Rel(l.prefix, dest)
		if err != nil {
			rel = dest
		}
		files = append(files, rel)
	}

	if l.opts.CompilePyc && isNoarchPython {
		l.compilePyc(files)
	}

	lj, err := readLinkJSON(extractedDir)
	if err == nil && lj.NoArch != nil {
		if err := l.generateEntryPoints(lj.NoArch.EntryPoints, &created); err != nil {
			return undoOnError(undoAll, err)
		}
	}

	if l.opts.RunPostLinkHooks {
		l.runHook(extractedDir, "post-link")
	}

	meta := prefixstate.PackageMeta{
		PackageInfo: p,
		Files:       files,
		PathsData:   prefixstate.PathsData{PathsVersion: pj.PathsVersion, Paths: toStatePaths(pj.Paths)},
		Link:        prefixstate.Link{Source: extractedDir, Type: "hardlink"},
	}
	if err := prefixstate.WriteMeta(l.prefix, meta); err != nil {
		return undoOnError(undoAll, err)
	}

	prefix := l.prefix
	triple := fmt.Sprintf("%s-%s-%s", p.Name, p.Version, p.BuildString)
	return func() error {
		err := undoAll()
		if rmErr := prefixstate.RemoveMeta(prefix, p); rmErr != nil && err == nil {
			err = rmErr
		}
		_ = triple
		return err
	}, nil
}

func undoOnError(undo func() error, err error) (Undo, error) {
	_ = undo()
	return nil, err
}

// Unlink reverses a Link: runs pre-unlink, renames every recorded file
// aside to a .mamba_trash path, removes any parent directories left empty,
// then deletes the conda-meta record. Staging rather than deleting outright
// means the returned Undo can restore both the files and the meta record if
// a later step in the same transaction fails.
func (l *Linker) Unlink(triple string) (Undo, error) {
	meta, err := prefixstate.ReadMeta(l.prefix, triple)
	if err != nil {
		return nil, fmt.Errorf("link: %w", err)
	}

	if info, ok := findLinkSourceInfo(meta.Link.Source); ok {
		l.runHook(info, "pre-unlink")
	}

	staged, err := l.stageUnlink(meta.Files)
	if err != nil {
		if restoreErr := l.restoreStaged(staged); restoreErr != nil {
			l.log.Warn("link: restoring partially staged unlink", slog.String("triple", triple), slog.Any("error", restoreErr))
		}
		return nil, fmt.Errorf("link: %w", err)
	}
	removeEmptyParents(l.prefix, meta.Files)

	if err := prefixstate.RemoveMeta(l.prefix, meta.PackageInfo); err != nil {
		if restoreErr := l.restoreStaged(staged); restoreErr != nil {
			l.log.Warn("link: restoring staged unlink after failed meta removal", slog.String("triple", triple), slog.Any("error", restoreErr))
		}
		return nil, fmt.Errorf("link: %w", err)
	}

	prefix := l.prefix
	return func() error {
		if err := l.restoreStaged(staged); err != nil {
			return fmt.Errorf("link: restoring %s: %w", triple, err)
		}
		if err := prefixstate.WriteMeta(prefix, meta); err != nil {
			return fmt.Errorf("link: restoring conda-meta record for %s: %w", triple, err)
		}
		return nil
	}, nil
}

// stagedFile pairs a path's prefix location with the trash path it was
// staged to during an Unlink, so restoreStaged can put it back.
type stagedFile struct {
	original string
	trash    string
}

// stageUnlink renames each file aside into the .mamba_trash recovery path
// instead of deleting it outright, so a failed transaction can still call
// restoreStaged to put the package back exactly as it was.
func (l *Linker) stageUnlink(files []string) ([]stagedFile, error) {
	staged := make([]stagedFile, 0, len(files))
	for _, rel := range files {
		full := filepath.Join(l.prefix, rel)
		trash := full + ".mamba_trash"
		_ = os.Remove(trash)
		if err := os.Rename(full, trash); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return staged, fmt.Errorf("staging %s aside: %w", full, err)
		}
		staged = append(staged, stagedFile{original: full, trash: trash})
	}
	return staged, nil
}

// restoreStaged renames every staged file back to its original location,
// in reverse staging order, continuing past individual failures so that one
// stuck file doesn't block restoring the rest of the package.
func (l *Linker) restoreStaged(staged []stagedFile) error {
	var firstErr error
	for i := len(staged) - 1; i >= 0; i-- {
		s := staged[i]
		if err := os.MkdirAll(filepath.Dir(s.original), 0o755); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := os.Rename(s.trash, s.original); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func removeEmptyParents(prefix string, files []string) {
	seen := map[string]bool{}
	for _, rel := range files {
		dir := filepath.Dir(filepath.Join(prefix, rel))
		for dir != prefix && dir != "." && dir != string(filepath.Separator) {
			seen[dir] = true
			dir = filepath.Dir(dir)
		}
	}
	// Repeat the removal pass once per directory so parents emptied by an
	// earlier pass are removed in turn.
	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	for pass := 0; pass < len(dirs); pass++ {
		for _, d := range dirs {
			_ = os.Remove(d) // no-op if non-empty
		}
	}
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

func readLinkJSON(extractedDir string) (linkJSON, error) {
	b, err := os.ReadFile(filepath.Join(extractedDir, "info", "link.json"))
	if err != nil {
		return linkJSON{}, err
	}
	var lj linkJSON
	if err := json.Unmarshal(b, &lj); err != nil {
		return linkJSON{}, err
	}
	return lj, nil
}

func isNoarchPythonPackage(extractedDir string) bool {
	b, err := os.ReadFile(filepath.Join(extractedDir, "info", "index.json"))
	if err != nil {
		return false
	}
	var idx struct {
		Noarch string `json:"noarch"`
	}
	if err := json.Unmarshal(b, &idx); err != nil {
		return false
	}
	return idx.Noarch == "python"
}

func toStatePaths(recs []pathRecord) []prefixstate.PathRecord {
	out := make([]prefixstate.PathRecord, len(recs))
	for i, r := range recs {
		out[i] = prefixstate.PathRecord{
			Path:              r.Path,
			PathType:          r.PathType,
			PrefixPlaceholder: r.PrefixPlaceholder,
			FileMode:          r.FileMode,
			SHA256InPrefix:    r.SHA256,
			SizeInBytes:       r.SizeInBytes,
		}
	}
	return out
}

// targetPath maps a paths.json entry's recorded path to its destination in
// the prefix, routing noarch:python's site-packages-relative entries
// through site-packages remapping.
func (l *Linker) targetPath(recorded string, isNoarchPython bool) (string, error) {
	rel := recorded
	if isNoarchPython {
		rel = remapNoarchPythonPath(recorded, l.opts.PythonVersion)
	}
	if strings.Contains(rel, "..") {
		return "", fmt.Errorf("link: path %q escapes the prefix", recorded)
	}
	return filepath.Join(l.prefix, rel), nil
}

// remapNoarchPythonPath substitutes "site-packages/" prefixed entries with
// the target Python's actual site-packages directory name, and "python-scripts/"
// entries with the platform bin directory.
func remapNoarchPythonPath(recorded, pythonVersion string) string {
	const sitePkgPrefix = "site-packages/"
	const scriptsPrefix = "python-scripts/"
	switch {
	case strings.HasPrefix(recorded, sitePkgPrefix):
		sitePackages := filepath.Join("lib", "python"+majorMinor(pythonVersion), "site-packages")
		return filepath.Join(sitePackages, strings.TrimPrefix(recorded, sitePkgPrefix))
	case strings.HasPrefix(recorded, scriptsPrefix):
		return filepath.Join("bin", strings.TrimPrefix(recorded, scriptsPrefix))
	default:
		return recorded
	}
}

func majorMinor(version string) string {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return version
	}
	return parts[0] + "." + parts[1]
}

// placeFile places one paths.json record at dest, rewriting any prefix
// placeholder it carries. It tries a hardlink first, then a symlink when
// AllowSoftlink is set, then a copy; the record's path_type is not
// consulted.
func (l *Linker) placeFile(extractedDir string, rec pathRecord, dest string) error {
	src := filepath.Join(extractedDir, rec.Path)

	if rec.PrefixPlaceholder != "" {
		return l.placeWithPlaceholderRewrite(src, dest, rec)
	}

	_ = os.Remove(dest)
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	if l.opts.AllowSoftlink {
		if err := os.Symlink(src, dest); err == nil {
			return nil
		}
	}
	return copyFile(src, dest)
}

func (l *Linker) placeWithPlaceholderRewrite(src, dest string, rec pathRecord) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("link: reading %s: %w", src, err)
	}
	placeholder := []byte(rec.PrefixPlaceholder)
	replacement := []byte(l.prefix)

	if rec.FileMode == "text" {
		data = bytes.ReplaceAll(data, placeholder, replacement)
	} else {
		data = rewriteBinaryPlaceholder(data, placeholder, replacement)
	}
	return os.WriteFile(dest, data, 0o644)
}

// rewriteBinaryPlaceholder zero-pads rather than shifts bytes: a
// replacement shorter than the placeholder is padded with NUL bytes so the
// file's total length is unchanged. A longer replacement cannot be applied
// in binary mode and the occurrence is left as-is.
func rewriteBinaryPlaceholder(data, placeholder, replacement []byte) []byte {
	if len(replacement) > len(placeholder) {
		return data
	}
	padded := make([]byte, len(placeholder))
	copy(padded, replacement)
	return bytes.ReplaceAll(data, placeholder, padded)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("link: opening %s: %w", src, err)
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fi.Mode())
	if err != nil {
		return fmt.Errorf("link: creating %s: %w", dest, err)
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func (l *Linker) compilePyc(files []string) {
	if l.opts.PythonExecutable == "" {
		return
	}
	for _, rel := range files {
		if !strings.HasSuffix(rel, ".py") {
			continue
		}
		full := filepath.Join(l.prefix, rel)
		cmd := exec.Command(l.opts.PythonExecutable, "-m", "py_compile", full)
		if err := cmd.Run(); err != nil {
			l.log.Debug("link: pyc compilation failed", slog.String("file", full), slog.Any("error", err))
		}
	}
}

func (l *Linker) generateEntryPoints(entryPoints []string, created *[]string) error {
	for _, ep := range entryPoints {
		name, module, fn, ok := parseEntryPoint(ep)
		if !ok {
			continue
		}
		binDir := filepath.Join(l.prefix, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			return fmt.Errorf("link: creating %s: %w", binDir, err)
		}
		scriptPath := filepath.Join(binDir, name)
		script := fmt.Sprintf("#!%s\nimport sys\nfrom %s import %s\nif __name__ == \"__main__\":\n    sys.exit(%s())\n",
			filepath.Join(l.prefix, "bin", "python"), module, fn, fn)
		if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
			return fmt.Errorf("link: writing entry point %s: %w", scriptPath, err)
		}
		*created = append(*created, scriptPath)
	}
	return nil
}

// parseEntryPoint parses an info/link.json entry_points string of the form
// "name = module:function".
func parseEntryPoint(ep string) (name, module, fn string, ok bool) {
	eq := strings.Index(ep, "=")
	if eq < 0 {
		return "", "", "", false
	}
	name = strings.TrimSpace(ep[:eq])
	rest := strings.TrimSpace(ep[eq+1:])
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return "", "", "", false
	}
	return name, rest[:colon], rest[colon+1:], true
}

func findLinkSourceInfo(source string) (string, bool) {
	if source == "" {
		return "", false
	}
	return source, true
}

func (l *Linker) runHook(extractedDir, name string) {
	path := filepath.Join(extractedDir, "info", name)
	if _, err := os.Stat(path); err != nil {
		return
	}
	cmd := exec.Command(path)
	cmd.Dir = l.prefix
	cmd.Env = append(os.Environ(), "PREFIX="+l.prefix)
	if err := cmd.Run(); err != nil {
		l.log.Warn("link: hook failed", slog.String("hook", name), slog.Any("error", err))
	}
}

// TrashSweepInterval is how often a caller should invoke SweepTrash to
// clear .mamba_trash files left behind by busy-file renames.
const TrashSweepInterval = 5 * time.Minute

// SweepTrash best-effort deletes every *.mamba_trash file under prefix.
func SweepTrash(prefix string) {
	_ = filepath.Walk(prefix, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".mamba_trash") {
			_ = os.Remove(path)
		}
		return nil
	})
}
