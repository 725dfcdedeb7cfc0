package transaction

import (
	"fmt"
	"path/filepath"

	"github.com/a-h/condalink/link"
	"github.com/a-h/condalink/pkgcache"
	"github.com/a-h/condalink/pkginfo"
)

// PrefixLinker adapts link.Linker plus a package cache into the Linker
// interface Execute drives: it resolves each package's extracted
// directory via the cache before delegating to the underlying linker.
type PrefixLinker struct {
	Linker *link.Linker
	Cache  *pkgcache.Cache
}

// Link delegates to the underlying link.Linker.
func (p *PrefixLinker) Link(pkg pkginfo.PackageInfo, extractedDir string) (link.Undo, error) {
	return p.Linker.Link(pkg, extractedDir)
}

// Unlink delegates to the underlying link.Linker.
func (p *PrefixLinker) Unlink(triple string) (link.Undo, error) {
	return p.Linker.Unlink(triple)
}

// ExtractedDirFor looks up pkg's extracted directory in the cache; the
// acquisition pipeline is expected to have already populated it.
func (p *PrefixLinker) ExtractedDirFor(pkg pkginfo.PackageInfo) (string, error) {
	loc, ok := p.Cache.FirstCachePath(pkg, true)
	if !ok {
		return "", fmt.Errorf("transaction: %s is not extracted in any cache root; acquire it first", pkg.Filename)
	}
	return extractedDirFor(loc.Root, pkg), nil
}

func extractedDirFor(root string, p pkginfo.PackageInfo) string {
	return filepath.Join(root, "pkgs", fmt.Sprintf("%s-%s-%s", p.Name, p.Version, p.BuildString))
}
