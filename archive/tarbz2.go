package archive

import (
	"archive/tar"
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	dbzip2 "github.com/dsnet/compress/bzip2"
)

// DefaultBzip2Level is the default bzip2 compression level used when
// writing tar.bz2 archives. Valid levels are 1-9.
const DefaultBzip2Level = 9

func extractTarBz2(ctx context.Context, r io.Reader, destDir string) error {
	tr := tar.NewReader(bzip2.NewReader(r))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: reading tar.bz2 member: %w", err)
		}
		if err := extractTarEntry(tr, hdr, destDir); err != nil {
			return err
		}
	}
}

func extractTarEntry(r io.Reader, hdr *tar.Header, destDir string) error {
	target, err := safeJoin(destDir, hdr.Name)
	if err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, os.FileMode(hdr.Mode)&0o777); err != nil {
			return fmt.Errorf("archive: creating directory %s: %w", target, err)
		}
	case tar.TypeReg, tar.TypeRegA:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("archive: creating parent of %s: %w", target, err)
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
		if err != nil {
			return fmt.Errorf("archive: creating file %s: %w", target, err)
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			return fmt.Errorf("archive: writing file %s: %w", target, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("archive: closing file %s: %w", target, err)
		}
	case tar.TypeSymlink:
		if err := checkSymlinkTarget(hdr.Name, hdr.Linkname); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("archive: creating parent of %s: %w", target, err)
		}
		_ = os.Remove(target)
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return fmt.Errorf("archive: creating symlink %s: %w", target, err)
		}
	default:
		return nil
	}

	mtime := hdr.ModTime
	if mtime.IsZero() {
		mtime = time.Unix(0, 0)
	}
	if hdr.Typeflag != tar.TypeSymlink {
		_ = os.Chtimes(target, mtime, mtime)
	}
	return nil
}

// WriteTarBz2 writes the given root directory tree as a bzip2-compressed
// POSIX tar, GNU/pax style, at level (1-9; any other value selects
// DefaultBzip2Level). uid/gid are zeroed for reproducibility.
func WriteTarBz2(w io.Writer, root string, level int) error {
	if level < 1 || level > 9 {
		level = DefaultBzip2Level
	}
	bw, err := dbzip2.NewWriter(w, &dbzip2.WriterConfig{Level: level})
	if err != nil {
		return fmt.Errorf("archive: creating bzip2 writer: %w", err)
	}
	tw := tar.NewWriter(bw)

	err = filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		return writeTarEntry(tw, path, rel, info)
	})
	if err != nil {
		tw.Close()
		bw.Close()
		return fmt.Errorf("archive: walking %s: %w", root, err)
	}
	if err := tw.Close(); err != nil {
		bw.Close()
		return fmt.Errorf("archive: closing tar writer: %w", err)
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("archive: closing bzip2 writer: %w", err)
	}
	return nil
}

func writeTarEntry(tw *tar.Writer, path, rel string, info os.FileInfo) error {
	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		var err error
		link, err = os.Readlink(path)
		if err != nil {
			return fmt.Errorf("archive: reading symlink %s: %w", path, err)
		}
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("archive: building header for %s: %w", path, err)
	}
	hdr.Name = filepath.ToSlash(rel)
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""
	hdr.Format = tar.FormatPAX

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("archive: writing header for %s: %w", path, err)
	}
	if info.Mode().IsRegular() {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("archive: opening %s: %w", path, err)
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("archive: copying %s: %w", path, err)
		}
	}
	return nil
}
