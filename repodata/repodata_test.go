package repodata

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// seedCache writes a cached repodata file plus a matching state file, with
// the JSON's mtime set to age ago so freshness can be controlled.
func seedCache(t *testing.T, root, channelURL, subdir string, age time.Duration) string {
	t.Helper()
	hash := CacheHash(channelURL, subdir)
	jp := jsonPath(root, hash)
	if err := os.MkdirAll(filepath.Dir(jp), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(jp, []byte(`{"info":{"subdir":"`+subdir+`"},"packages":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(jp, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(jp)
	if err != nil {
		t.Fatal(err)
	}
	meta := SubdirMetadata{
		URL:            channelURL + "/" + subdir + "/repodata.json",
		ETag:           `"abc"`,
		StoredFileSize: fi.Size(),
		StoredMtimeNs:  fi.ModTime().UnixNano(),
	}
	b, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(statePath(root, hash), b, 0o644); err != nil {
		t.Fatal(err)
	}
	return jp
}

func TestLoadOfflineUsesFreshCacheWithoutStaleFlag(t *testing.T) {
	root := t.TempDir()
	const channel = "https://conda.example/channel"
	jp := seedCache(t, root, channel, "linux-64", time.Minute)

	l := New(newTestLogger(), nil, []string{root})
	l.SetOffline(true)
	res, err := l.Load(context.Background(), channel, "linux-64")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.JSONPath != jp {
		t.Errorf("Load JSONPath = %s, want %s", res.JSONPath, jp)
	}
	if res.StaleOffline {
		t.Error("Load: StaleOffline should be false for a fresh cache")
	}
}

func TestLoadOfflineSurfacesStaleFlagForExpiredCache(t *testing.T) {
	root := t.TempDir()
	const channel = "https://conda.example/channel"
	seedCache(t, root, channel, "linux-64", 2*time.Hour)

	l := New(newTestLogger(), nil, []string{root})
	l.SetOffline(true)
	res, err := l.Load(context.Background(), channel, "linux-64")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !res.StaleOffline {
		t.Error("Load: want StaleOffline=true for an expired cache in offline mode")
	}
}

func TestLoadPrefersFreshCacheInLaterRootOverStaleEarlierRoot(t *testing.T) {
	staleRoot := t.TempDir()
	freshRoot := t.TempDir()
	const channel = "https://conda.example/channel"
	seedCache(t, staleRoot, channel, "linux-64", 2*time.Hour)
	freshJP := seedCache(t, freshRoot, channel, "linux-64", time.Minute)

	// The nil engine guarantees the fresh hit short-circuits any network
	// request: reaching refresh/fetchFresh here would panic.
	l := New(newTestLogger(), nil, []string{staleRoot, freshRoot})
	res, err := l.Load(context.Background(), channel, "linux-64")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.JSONPath != freshJP {
		t.Errorf("Load JSONPath = %s, want the fresh cache %s", res.JSONPath, freshJP)
	}
	if res.StaleOffline {
		t.Error("Load: StaleOffline should be false for a fresh hit")
	}
}

func TestLoadOfflineFailsWithoutAnyCache(t *testing.T) {
	l := New(newTestLogger(), nil, []string{t.TempDir()})
	l.SetOffline(true)
	if _, err := l.Load(context.Background(), "https://conda.example/channel", "linux-64"); err == nil {
		t.Fatal("Load: want error when offline with no cached repodata")
	}
}

func TestCacheHashIsStableAndEightHexChars(t *testing.T) {
	h1 := CacheHash("https://conda.anaconda.org/conda-forge", "linux-64")
	h2 := CacheHash("https://conda.anaconda.org/conda-forge", "linux-64")
	if h1 != h2 {
		t.Fatalf("CacheHash is not deterministic: %q != %q", h1, h2)
	}
	if len(h1) != 8 {
		t.Fatalf("CacheHash length = %d, want 8", len(h1))
	}
	if other := CacheHash("https://conda.anaconda.org/conda-forge", "osx-64"); other == h1 {
		t.Fatalf("CacheHash collided for different subdirs: %q", h1)
	}
}

func TestZstStateFreshness(t *testing.T) {
	var zero ZstState
	if zero.fresh(zero.LastChecked) {
		t.Fatal("zero-value ZstState must never be fresh")
	}
}
