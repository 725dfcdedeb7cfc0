package repodata

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseIndexMergesCondaAndDropsRemoved(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "repodata.json")
	doc := `{
		"info": {"subdir": "linux-64"},
		"packages": {
			"foo-1.0-0.tar.bz2": {"name": "foo", "version": "1.0", "build": "0", "build_number": 0, "md5": "abc", "size": 10, "depends": ["bar >=1.0"], "track_features": "mkl,avx"},
			"old-1.0-0.tar.bz2": {"name": "old", "version": "1.0", "build": "0"}
		},
		"packages.conda": {
			"foo-1.0-0.conda": {"name": "foo", "version": "1.0", "build": "0", "sha256": "def", "size": 20}
		},
		"removed": ["old-1.0-0.tar.bz2"]
	}`
	if err := os.WriteFile(jsonPath, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	pkgs, err := ParseIndex(jsonPath, "https://repo.example.com/conda-forge")
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	if len(pkgs) != 2 {
		t.Fatalf("ParseIndex returned %d packages, want 2 (old-1.0-0 should be dropped): %+v", len(pkgs), pkgs)
	}

	byFilename := map[string]bool{}
	for _, p := range pkgs {
		byFilename[p.Filename] = true
		if p.Subdir != "linux-64" {
			t.Errorf("%s: Subdir = %q, want linux-64", p.Filename, p.Subdir)
		}
		if p.Channel != "https://repo.example.com/conda-forge" {
			t.Errorf("%s: Channel = %q", p.Filename, p.Channel)
		}
	}
	if !byFilename["foo-1.0-0.tar.bz2"] || !byFilename["foo-1.0-0.conda"] {
		t.Errorf("ParseIndex missing expected filenames: %+v", byFilename)
	}
	if byFilename["old-1.0-0.tar.bz2"] {
		t.Error("ParseIndex included a filename listed in \"removed\"")
	}

	var foundTrackFeatures bool
	for _, p := range pkgs {
		if p.Filename == "foo-1.0-0.tar.bz2" {
			foundTrackFeatures = true
			want := []string{"mkl", "avx"}
			if len(p.TrackFeatures) != len(want) || p.TrackFeatures[0] != want[0] || p.TrackFeatures[1] != want[1] {
				t.Errorf("TrackFeatures = %v, want %v", p.TrackFeatures, want)
			}
		}
	}
	if !foundTrackFeatures {
		t.Fatal("foo-1.0-0.tar.bz2 not found")
	}
}
