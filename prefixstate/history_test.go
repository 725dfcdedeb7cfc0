package prefixstate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/a-h/condalink/pkginfo"
)

func TestParseHistoryRoundTrip(t *testing.T) {
	prefix := t.TempDir()
	recs := []HistoryRecord{
		{
			Timestamp:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Cmd:          "condalink install foo",
			CondaVersion: "24.1.0",
			Entries:      []string{"+conda-forge/linux-64::foo-1.0-0"},
			UpdateSpecs:  []string{"foo"},
		},
		{
			Timestamp:    time.Date(2026, 1, 3, 3, 4, 5, 0, time.UTC),
			Cmd:          "condalink install foo>=1.1",
			CondaVersion: "24.1.0",
			Entries:      []string{"-conda-forge/linux-64::foo-1.0-0", "+conda-forge/linux-64::foo-1.1-0"},
			UpdateSpecs:  []string{"foo>=1.1"},
		},
	}
	for _, rec := range recs {
		if err := AppendHistory(prefix, rec); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}

	got, err := ParseHistory(prefix)
	if err != nil {
		t.Fatalf("ParseHistory: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ParseHistory returned %d records, want 2", len(got))
	}
	if got[0].Cmd != "condalink install foo" {
		t.Errorf("record 0 cmd = %q", got[0].Cmd)
	}
	if !got[1].Timestamp.Equal(recs[1].Timestamp) {
		t.Errorf("record 1 timestamp = %v, want %v", got[1].Timestamp, recs[1].Timestamp)
	}
	if len(got[1].Entries) != 2 || got[1].Entries[0] != "-conda-forge/linux-64::foo-1.0-0" {
		t.Errorf("record 1 entries = %v", got[1].Entries)
	}
	if len(got[1].UpdateSpecs) != 1 || got[1].UpdateSpecs[0] != "foo>=1.1" {
		t.Errorf("record 1 update specs = %v", got[1].UpdateSpecs)
	}
}

func TestParseHistoryToleratesUnknownCommentTags(t *testing.T) {
	prefix := t.TempDir()
	if err := os.MkdirAll(filepath.Join(prefix, "conda-meta"), 0o755); err != nil {
		t.Fatal(err)
	}
	raw := "==> 2026-01-02T03:04:05Z <==\n" +
		"# cmd: conda install foo\n" +
		"# conda version: 24.1.0\n" +
		"# neutered specs: [\"bar\"]\n" +
		"+defaults/linux-64::foo-1.0-0\n" +
		"# update specs: [\"foo\"]\n"
	if err := os.WriteFile(filepath.Join(prefix, "conda-meta", "history"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ParseHistory(prefix)
	if err != nil {
		t.Fatalf("ParseHistory: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ParseHistory returned %d records, want 1", len(got))
	}
	if len(got[0].Entries) != 1 || got[0].Entries[0] != "+defaults/linux-64::foo-1.0-0" {
		t.Errorf("entries = %v", got[0].Entries)
	}
}

func TestVerifyConsistency(t *testing.T) {
	prefix := t.TempDir()
	pkg := pkginfo.PackageInfo{Name: "foo", Version: "1.0", BuildString: "0", Channel: "conda-forge", Subdir: "linux-64"}
	if err := AppendHistory(prefix, HistoryRecord{
		Timestamp: time.Now(),
		Entries:   []string{"+" + pkg.LongName()},
	}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	err := VerifyConsistency(prefix)
	var consistency *ConsistencyError
	if !errors.As(err, &consistency) {
		t.Fatalf("VerifyConsistency with missing conda-meta record: err = %v, want *ConsistencyError", err)
	}

	if err := WriteMeta(prefix, PackageMeta{PackageInfo: pkg}); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	if err := VerifyConsistency(prefix); err != nil {
		t.Fatalf("VerifyConsistency after writing record: %v", err)
	}
}
