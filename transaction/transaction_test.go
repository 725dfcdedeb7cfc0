package transaction

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/a-h/condalink/link"
	"github.com/a-h/condalink/pkginfo"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPlanClassifiesInstallUpgradeRemove(t *testing.T) {
	alreadyInstalled := []pkginfo.PackageInfo{
		{Name: "numpy", Version: "1.25.0", BuildString: "0", Channel: "conda-forge"},
		{Name: "requests", Version: "2.30.0", BuildString: "0", Channel: "conda-forge"},
	}
	toInstall := []pkginfo.PackageInfo{
		{Name: "numpy", Version: "1.26.0", BuildString: "0", Channel: "conda-forge", Size: 1000},
		{Name: "scipy", Version: "1.11.0", BuildString: "0", Channel: "conda-forge", Size: 2000},
	}
	toRemove := []pkginfo.PackageInfo{
		{Name: "requests", Version: "2.30.0", BuildString: "0", Channel: "conda-forge"},
	}

	tx, err := Plan(newTestLogger(), Options{}, toInstall, toRemove, alreadyInstalled)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	kinds := map[string]StepKind{}
	for _, s := range tx.Steps() {
		kinds[stepName(s)] = s.Kind
	}
	if kinds["numpy"] != KindUpgrade {
		t.Errorf("numpy classified as %s, want upgrade", kinds["numpy"])
	}
	if kinds["scipy"] != KindInstall {
		t.Errorf("scipy classified as %s, want install", kinds["scipy"])
	}
	if kinds["requests"] != KindRemove {
		t.Errorf("requests classified as %s, want remove", kinds["requests"])
	}
}

func TestPlanIgnoresSameVersionReinstallUnlessForced(t *testing.T) {
	pkg := pkginfo.PackageInfo{Name: "foo", Version: "1.0", BuildString: "0", Channel: "conda-forge"}

	tx, err := Plan(newTestLogger(), Options{}, []pkginfo.PackageInfo{pkg}, nil, []pkginfo.PackageInfo{pkg})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got := tx.Steps()[0].Kind; got != KindIgnored {
		t.Errorf("same-version install classified as %s, want ignored", got)
	}

	tx, err = Plan(newTestLogger(), Options{ForceReinstall: true}, []pkginfo.PackageInfo{pkg}, nil, []pkginfo.PackageInfo{pkg})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got := tx.Steps()[0].Kind; got != KindReinstall {
		t.Errorf("forced same-version install classified as %s, want reinstall", got)
	}
}

func TestPythonVersionDiscoveryLinkSetWins(t *testing.T) {
	oldPython := pkginfo.PackageInfo{Name: "python", Version: "3.10.0", BuildString: "0"}
	newPython := pkginfo.PackageInfo{Name: "python", Version: "3.11.0", BuildString: "0"}

	v, err := pythonVersionFor([]pkginfo.PackageInfo{newPython}, []pkginfo.PackageInfo{oldPython}, []pkginfo.PackageInfo{oldPython})
	if err != nil {
		t.Fatalf("pythonVersionFor: %v", err)
	}
	if v != "3.11.0" {
		t.Errorf("pythonVersionFor = %q, want %q (link set wins)", v, "3.11.0")
	}
}

func TestPythonVersionEmptyWhenRemovedWithoutReplacement(t *testing.T) {
	oldPython := pkginfo.PackageInfo{Name: "python", Version: "3.10.0", BuildString: "0"}
	v, err := pythonVersionFor(nil, []pkginfo.PackageInfo{oldPython}, []pkginfo.PackageInfo{oldPython})
	if err != nil {
		t.Fatalf("pythonVersionFor: %v", err)
	}
	if v != "" {
		t.Errorf("pythonVersionFor = %q, want empty when python is removed without replacement", v)
	}
}

// fakeLinker returns no-op undos instead of touching a real prefix, so
// Execute can be driven in a unit test without extracted packages on disk.
type fakeLinker struct{}

func (fakeLinker) Link(p pkginfo.PackageInfo, extractedDir string) (link.Undo, error) {
	return func() error { return nil }, nil
}
func (fakeLinker) Unlink(triple string) (link.Undo, error) {
	return func() error { return nil }, nil
}
func (fakeLinker) ExtractedDirFor(p pkginfo.PackageInfo) (string, error) {
	return filepath.Join("cache", "pkgs", triple(p)), nil
}

func TestExecuteHistoryOrdersUnlinkBeforeLinkForUpgrade(t *testing.T) {
	prefix := t.TempDir()
	oldFoo := pkginfo.PackageInfo{Name: "foo", Version: "1.0", BuildString: "0", Channel: "conda-forge", Subdir: "linux-64"}
	newFoo := pkginfo.PackageInfo{Name: "foo", Version: "1.1", BuildString: "0", Channel: "conda-forge", Subdir: "linux-64"}

	tx, err := Plan(newTestLogger(), Options{Prefix: prefix}, []pkginfo.PackageInfo{newFoo}, nil, []pkginfo.PackageInfo{oldFoo})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if err := tx.Execute(context.Background(), fakeLinker{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(prefix, "conda-meta", "history"))
	if err != nil {
		t.Fatalf("reading history: %v", err)
	}
	unlinkIdx := strings.Index(string(b), "-conda-forge/linux-64::foo-1.0-0")
	linkIdx := strings.Index(string(b), "+conda-forge/linux-64::foo-1.1-0")
	if unlinkIdx < 0 || linkIdx < 0 {
		t.Fatalf("history missing expected lines:\n%s", b)
	}
	if unlinkIdx > linkIdx {
		t.Errorf("history has '+' line before '-' line for an upgrade, want '-' before '+' (scenario 2): %s", b)
	}
}

// countingLinker tracks link/undo calls so rollback behavior is observable.
type countingLinker struct {
	linked []string
	undone []string
}

func (c *countingLinker) Link(p pkginfo.PackageInfo, extractedDir string) (link.Undo, error) {
	name := p.Name
	c.linked = append(c.linked, name)
	return func() error {
		c.undone = append(c.undone, name)
		return nil
	}, nil
}
func (c *countingLinker) Unlink(triple string) (link.Undo, error) {
	return func() error { return nil }, nil
}
func (c *countingLinker) ExtractedDirFor(p pkginfo.PackageInfo) (string, error) {
	return filepath.Join("cache", "pkgs", triple(p)), nil
}

func TestExecuteRollsBackOnCancelledContext(t *testing.T) {
	prefix := t.TempDir()
	pkgs := []pkginfo.PackageInfo{
		{Name: "alpha", Version: "1.0", BuildString: "0", Channel: "conda-forge"},
		{Name: "beta", Version: "1.0", BuildString: "0", Channel: "conda-forge"},
		{Name: "gamma", Version: "1.0", BuildString: "0", Channel: "conda-forge"},
	}
	tx, err := Plan(newTestLogger(), Options{Prefix: prefix}, pkgs, nil, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	linker := &countingLinker{}
	// Cancel after the second link completes; the third step's poll sees it.
	cancellingLinker := &cancelAfterN{inner: linker, n: 2, cancel: cancel}

	err = tx.Execute(ctx, cancellingLinker)
	var aborted *TransactionAbortedError
	if !errors.As(err, &aborted) {
		t.Fatalf("Execute: err = %v, want *TransactionAbortedError", err)
	}
	if !errors.Is(aborted.Cause, context.Canceled) {
		t.Errorf("aborted cause = %v, want context.Canceled", aborted.Cause)
	}
	if len(linker.undone) != len(linker.linked) {
		t.Errorf("rollback undid %d of %d linked packages, want all", len(linker.undone), len(linker.linked))
	}
	if _, statErr := os.Stat(filepath.Join(prefix, "conda-meta", "history")); !os.IsNotExist(statErr) {
		t.Errorf("history must not be written after rollback, stat err = %v", statErr)
	}
}

// cancelAfterN raises the cancellation after n successful links, standing in
// for a SIGINT arriving mid-transaction.
type cancelAfterN struct {
	inner  *countingLinker
	n      int
	cancel context.CancelFunc
	count  int
}

func (c *cancelAfterN) Link(p pkginfo.PackageInfo, extractedDir string) (link.Undo, error) {
	undo, err := c.inner.Link(p, extractedDir)
	c.count++
	if c.count == c.n {
		c.cancel()
	}
	return undo, err
}
func (c *cancelAfterN) Unlink(triple string) (link.Undo, error) { return c.inner.Unlink(triple) }
func (c *cancelAfterN) ExtractedDirFor(p pkginfo.PackageInfo) (string, error) {
	return c.inner.ExtractedDirFor(p)
}

func TestPrintDryRunListsEachStep(t *testing.T) {
	tx, err := Plan(newTestLogger(), Options{}, []pkginfo.PackageInfo{
		{Name: "foo", Version: "1.0", BuildString: "0", Channel: "conda-forge", Size: 100},
	}, nil, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	var buf bytes.Buffer
	tx.PrintDryRun(&buf)
	if !strings.Contains(buf.String(), "foo") {
		t.Errorf("PrintDryRun output missing package name: %s", buf.String())
	}
}
