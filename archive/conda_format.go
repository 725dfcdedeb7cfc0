package archive

import (
	"archive/tar"
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// DefaultZstdLevel is the default zstd compression level used for the two
// inner tarballs of a .conda archive. Valid levels are 1-22.
const DefaultZstdLevel = 15

// condaMetadata is the required first member of a .conda archive.
type condaMetadata struct {
	CondaPkgFormatVersion int `json:"conda_pkg_format_version"`
}

func extractConda(ctx context.Context, r io.ReaderAt, size int64, destDir string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("archive: opening .conda outer zip: %w", err)
	}

	var metaSeen bool
	for _, f := range zr.File {
		switch {
		case f.Name == "metadata.json":
			if err := readCondaMetadata(f); err != nil {
				return err
			}
			metaSeen = true
		case strings.HasPrefix(f.Name, "info-") && strings.HasSuffix(f.Name, ".tar.zst"):
			if err := extractInnerZstdTar(ctx, f, destDir); err != nil {
				return err
			}
		case strings.HasPrefix(f.Name, "pkg-") && strings.HasSuffix(f.Name, ".tar.zst"):
			if err := extractInnerZstdTar(ctx, f, destDir); err != nil {
				return err
			}
		}
	}
	if !metaSeen {
		return fmt.Errorf("archive: .conda archive is missing metadata.json")
	}
	return nil
}

func readCondaMetadata(f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("archive: opening metadata.json: %w", err)
	}
	defer rc.Close()
	var meta condaMetadata
	if err := json.NewDecoder(rc).Decode(&meta); err != nil {
		return fmt.Errorf("archive: decoding metadata.json: %w", err)
	}
	if meta.CondaPkgFormatVersion != 2 {
		return fmt.Errorf("archive: unsupported conda_pkg_format_version %d", meta.CondaPkgFormatVersion)
	}
	return nil
}

func extractInnerZstdTar(ctx context.Context, f *zip.File, destDir string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("archive: opening %s: %w", f.Name, err)
	}
	defer rc.Close()

	zr, err := zstd.NewReader(rc)
	if err != nil {
		return fmt.Errorf("archive: opening zstd stream %s: %w", f.Name, err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: reading tar member in %s: %w", f.Name, err)
		}
		if err := extractTarEntry(tr, hdr, destDir); err != nil {
			return err
		}
	}
}

// WriteConda writes a .conda archive to w from two pre-built inner tar
// streams: info (the info/* subtree) and pkg (everything else). name is
// the "{name}-{version}-{build}" triple used to name the inner members.
// Outer write order is metadata.json, pkg-*.tar.zst, then
// info-*.tar.zst.
func WriteConda(w io.Writer, name string, infoTar, pkgTar io.Reader, level int) error {
	if level < 1 || level > 22 {
		level = DefaultZstdLevel
	}
	zw := zip.NewWriter(w)

	if err := writeCondaMetadataEntry(zw); err != nil {
		zw.Close()
		return err
	}
	if err := writeCondaInnerZstdTar(zw, fmt.Sprintf("pkg-%s.tar.zst", name), pkgTar, level); err != nil {
		zw.Close()
		return err
	}
	if err := writeCondaInnerZstdTar(zw, fmt.Sprintf("info-%s.tar.zst", name), infoTar, level); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("archive: closing .conda zip: %w", err)
	}
	return nil
}

func writeCondaMetadataEntry(zw *zip.Writer) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "metadata.json", Method: zip.Store})
	if err != nil {
		return fmt.Errorf("archive: creating metadata.json entry: %w", err)
	}
	return json.NewEncoder(w).Encode(condaMetadata{CondaPkgFormatVersion: 2})
}

func writeCondaInnerZstdTar(zw *zip.Writer, name string, tarStream io.Reader, level int) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("archive: creating %s entry: %w", name, err)
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return fmt.Errorf("archive: creating zstd encoder for %s: %w", name, err)
	}
	if _, err := io.Copy(enc, tarStream); err != nil {
		enc.Close()
		return fmt.Errorf("archive: writing %s: %w", name, err)
	}
	return enc.Close()
}
