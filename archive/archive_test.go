package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestExtOf(t *testing.T) {
	tests := []struct {
		path    string
		want    Ext
		wantErr bool
	}{
		{"foo-1.0-0.tar.bz2", ExtTarBz2, false},
		{"foo-1.0-0.conda", ExtConda, false},
		{"foo-1.0-0.zip", "", true},
	}
	for _, tt := range tests {
		got, err := ExtOf(tt.path)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ExtOf(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ExtOf(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestSafeJoinRejectsTraversal(t *testing.T) {
	dest := t.TempDir()
	tests := []string{"../evil", "a/../../evil", "/etc/passwd"}
	for _, member := range tests {
		if _, err := safeJoin(dest, member); err == nil {
			t.Errorf("safeJoin(%q) = nil error, want UnsafeArchiveError", member)
		} else if _, ok := err.(*UnsafeArchiveError); !ok {
			t.Errorf("safeJoin(%q) error type = %T, want *UnsafeArchiveError", member, err)
		}
	}
}

func TestSafeJoinAcceptsNormalMembers(t *testing.T) {
	dest := t.TempDir()
	got, err := safeJoin(dest, "lib/python3.11/site-packages/foo.py")
	if err != nil {
		t.Fatalf("safeJoin: %v", err)
	}
	want := filepath.Join(dest, "lib/python3.11/site-packages/foo.py")
	if got != want {
		t.Errorf("safeJoin = %q, want %q", got, want)
	}
}

func TestWriteTarBz2RoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "info"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "info", "index.json"), []byte(`{"name":"foo"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteTarBz2(&buf, src, 9); err != nil {
		t.Fatalf("WriteTarBz2: %v", err)
	}

	archivePath := filepath.Join(t.TempDir(), "foo-1.0-0.tar.bz2")
	if err := os.WriteFile(archivePath, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "out")
	if err := Extract(context.Background(), archivePath, dest); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "info", "index.json"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(got) != `{"name":"foo"}` {
		t.Errorf("extracted content = %q, want %q", got, `{"name":"foo"}`)
	}
}

func TestExtractCleansUpOnError(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "bad.tar.bz2")
	if err := os.WriteFile(archivePath, []byte("not a valid archive"), 0o644); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "out")
	if err := Extract(context.Background(), archivePath, dest); err == nil {
		t.Fatal("Extract: want error for corrupt archive")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("dest dir should have been removed on error, stat err = %v", err)
	}
}

func TestExtractAbortsAndCleansUpOnCancelledContext(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "data.txt"), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := WriteTarBz2(&buf, src, 1); err != nil {
		t.Fatalf("WriteTarBz2: %v", err)
	}
	archivePath := filepath.Join(t.TempDir(), "foo-1.0-0.tar.bz2")
	if err := os.WriteFile(archivePath, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dest := filepath.Join(t.TempDir(), "out")
	if err := Extract(ctx, archivePath, dest); err != context.Canceled {
		t.Fatalf("Extract with cancelled context: err = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("dest dir should have been removed after cancellation, stat err = %v", err)
	}
}
