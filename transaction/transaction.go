// Package transaction implements the transaction engine: ordering a
// resolved change-set, driving link/unlink primitives with rollback, and
// printing the dry-run plan.
package transaction

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/a-h/condalink/link"
	"github.com/a-h/condalink/metrics"
	"github.com/a-h/condalink/pkginfo"
	"github.com/a-h/condalink/prefixstate"
	"github.com/a-h/condalink/specs/condaversion"
)

// StepKind classifies one plan entry, driving how PrintDryRun labels it.
type StepKind string

const (
	KindInstall   StepKind = "install"
	KindRemove    StepKind = "remove"
	KindUpgrade   StepKind = "upgrade"
	KindDowngrade StepKind = "downgrade"
	KindChange    StepKind = "change"
	KindReinstall StepKind = "reinstall"
	KindIgnored   StepKind = "ignored"
)

// Step is one unit of work in the ordered plan: a link, an unlink, or
// both (an upgrade/change/reinstall unlinks the old build then links the
// new one).
type Step struct {
	Kind    StepKind
	Unlink  *pkginfo.PackageInfo // old build, when this step removes one
	Link    *pkginfo.PackageInfo // new build, when this step installs one
	Channel string
	Size    int64
	Cached  bool
}

// Options configures how a Transaction orders and executes its plan, and
// carries the history-record metadata written on a successful Execute.
type Options struct {
	ForceReinstall  bool
	ChannelPriority string // passed through only; never read from CLI/config here
	Prefix          string
	Cmd             string
	CondaVersion    string
	UpdateSpecs     []string // match-specs the caller asked to install/update, for the history trailer
	RemoveSpecs     []string // names/match-specs the caller asked to remove, for the history trailer
	LinkOptions     link.Options
}

// TransactionAbortedError wraps the error that caused a transaction to
// roll back.
type TransactionAbortedError struct {
	Cause error
}

func (e *TransactionAbortedError) Error() string {
	return fmt.Sprintf("transaction: aborted: %v", e.Cause)
}

func (e *TransactionAbortedError) Unwrap() error { return e.Cause }

// Transaction is a resolved, ordered change-set ready to execute.
type Transaction struct {
	log     *slog.Logger
	opts    Options
	steps   []Step
	metrics metrics.Metrics
}

// SetMetrics installs the histogram Execute reports its wall-clock duration
// to. An unset Metrics is its zero value, whose Record* calls are no-ops.
func (t *Transaction) SetMetrics(m metrics.Metrics) {
	t.metrics = m
}

// Plan builds an ordered Transaction from the sets of packages to install
// and remove, and the already-installed set (used for python-version
// discovery and upgrade/downgrade classification).
func Plan(log *slog.Logger, opts Options, toInstall, toRemove, alreadyInstalled []pkginfo.PackageInfo) (*Transaction, error) {
	pythonVersion, err := pythonVersionFor(toInstall, alreadyInstalled, toRemove)
	if err != nil {
		return nil, err
	}
	opts.LinkOptions.PythonVersion = pythonVersion

	steps := classify(toInstall, toRemove, alreadyInstalled, opts.ForceReinstall)
	steps = order(steps)
	return &Transaction{log: log, opts: opts, steps: steps}, nil
}

// pythonVersionFor discovers the python interpreter version noarch:python
// packages should be linked against: scan the install set, else the
// already-installed set, else empty. If python is being removed without a
// replacement in the install set, an empty version is correct and any
// noarch-python link step downstream is an error (enforced in
// link.Linker.Link). When python is both unlinked and linked at the same
// version within one transaction, the install set wins.
func pythonVersionFor(toInstall, alreadyInstalled, toRemove []pkginfo.PackageInfo) (string, error) {
	if v, ok := findPythonVersion(toInstall); ok {
		return v, nil
	}
	removingPython := false
	for _, p := range toRemove {
		if p.Name == "python" {
			removingPython = true
		}
	}
	if v, ok := findPythonVersion(alreadyInstalled); ok {
		if removingPython {
			return "", nil
		}
		return v, nil
	}
	return "", nil
}

func findPythonVersion(pkgs []pkginfo.PackageInfo) (string, bool) {
	for _, p := range pkgs {
		if p.Name == "python" {
			return p.Version, true
		}
	}
	return "", false
}

// classify assigns a StepKind to each package change.
func classify(toInstall, toRemove, alreadyInstalled []pkginfo.PackageInfo, forceReinstall bool) []Step {
	installedByName := map[string]pkginfo.PackageInfo{}
	for _, p := range alreadyInstalled {
		installedByName[p.Name] = p
	}
	removedByName := map[string]pkginfo.PackageInfo{}
	for _, p := range toRemove {
		removedByName[p.Name] = p
	}

	var steps []Step
	handledNames := map[string]bool{}

	for _, newPkg := range toInstall {
		newPkg := newPkg
		handledNames[newPkg.Name] = true
		old, wasInstalled := installedByName[newPkg.Name]
		switch {
		case !wasInstalled:
			steps = append(steps, Step{Kind: KindInstall, Link: &newPkg, Channel: newPkg.Channel, Size: newPkg.Size})
		case old.Version == newPkg.Version && old.BuildString == newPkg.BuildString:
			if !forceReinstall {
				steps = append(steps, Step{Kind: KindIgnored, Link: &newPkg, Channel: newPkg.Channel, Cached: true})
				continue
			}
			o := old
			steps = append(steps, Step{Kind: KindReinstall, Unlink: &o, Link: &newPkg, Channel: newPkg.Channel, Size: newPkg.Size})
		default:
			o := old
			kind := KindChange
			if cmp := compareVersions(newPkg.Version, old.Version); cmp > 0 {
				kind = KindUpgrade
			} else if cmp < 0 {
				kind = KindDowngrade
			}
			steps = append(steps, Step{Kind: kind, Unlink: &o, Link: &newPkg, Channel: newPkg.Channel, Size: newPkg.Size})
		}
	}

	for _, oldPkg := range toRemove {
		if handledNames[oldPkg.Name] {
			continue
		}
		oldPkg := oldPkg
		steps = append(steps, Step{Kind: KindRemove, Unlink: &oldPkg, Channel: oldPkg.Channel})
	}

	return steps
}

// compareVersions classifies a change as an upgrade or downgrade using the
// same conda version-ordering rules the match-spec grammar evaluates
// packages against (Glossary "Version"), falling back to a lexical
// comparison only if either side fails to parse as a conda version.
func compareVersions(a, b string) int {
	if a == b {
		return 0
	}
	va, errA := condaversion.Parse(a)
	vb, errB := condaversion.Parse(b)
	if errA == nil && errB == nil {
		return condaversion.Compare(va, vb)
	}
	if a > b {
		return 1
	}
	return -1
}

// order fixes the step sequence for execution: unlinks-before-links for
// packages that are both unlinked and linked is implicit per-step (a
// Step already pairs them); dependency order among independent install
// steps falls back to a stable name sort here since this repository
// accepts an already-resolved package list and performs no dependency
// resolution of its own.
func order(steps []Step) []Step {
	sort.SliceStable(steps, func(i, j int) bool {
		return stepName(steps[i]) < stepName(steps[j])
	})
	return steps
}

func stepName(s Step) string {
	if s.Link != nil {
		return s.Link.Name
	}
	if s.Unlink != nil {
		return s.Unlink.Name
	}
	return ""
}

// Steps returns the ordered plan.
func (t *Transaction) Steps() []Step { return t.steps }

// LinkOptions returns the link.Options Plan derived for this transaction,
// including the python-version discovery result a caller-constructed
// link.Linker needs in order to handle noarch:python packages correctly.
func (t *Transaction) LinkOptions() link.Options { return t.opts.LinkOptions }

// Execute runs the plan's primitives in order via linker, recording the
// inverse of each on a rollback stack. On any error, it pops the stack and
// undoes in reverse, then returns a *TransactionAbortedError. ctx is polled
// between primitives, so an interrupt triggers the same rollback path as a
// failed step. On success it appends the history entry.
func (t *Transaction) Execute(ctx context.Context, linker Linker) error {
	start := time.Now()
	defer func() {
		t.metrics.RecordTransactionDuration(context.Background(), time.Since(start).Milliseconds())
	}()

	var undoStack []link.Undo

	rollback := func(cause error) error {
		for i := len(undoStack) - 1; i >= 0; i-- {
			if err := undoStack[i](); err != nil {
				t.log.Warn("transaction: rollback step failed", slog.Any("error", err))
			}
		}
		return &TransactionAbortedError{Cause: cause}
	}

	// entries preserves execution order: for a step that both unlinks and
	// links (upgrade/downgrade/change/reinstall), its "-" line precedes its
	// "+" line, rather than grouping all links before all unlinks.
	var entries []string
	for _, step := range t.steps {
		if err := ctx.Err(); err != nil {
			return rollback(err)
		}
		if step.Kind == KindIgnored {
			continue
		}
		if step.Unlink != nil {
			undo, err := linker.Unlink(triple(*step.Unlink))
			if err != nil {
				return rollback(err)
			}
			undoStack = append(undoStack, undo)
			entries = append(entries, "-"+longName(*step.Unlink))
		}
		if step.Link != nil && step.Kind != KindRemove {
			extractedDir, err := linker.ExtractedDirFor(*step.Link)
			if err != nil {
				return rollback(err)
			}
			undo, err := linker.Link(*step.Link, extractedDir)
			if err != nil {
				return rollback(err)
			}
			undoStack = append(undoStack, undo)
			entries = append(entries, "+"+longName(*step.Link))
		}
	}

	return prefixstate.AppendHistory(t.opts.Prefix, prefixstate.HistoryRecord{
		Timestamp:    start,
		Cmd:          t.opts.Cmd,
		CondaVersion: t.opts.CondaVersion,
		Entries:      entries,
		UpdateSpecs:  t.opts.UpdateSpecs,
		RemoveSpecs:  t.opts.RemoveSpecs,
	})
}

func triple(p pkginfo.PackageInfo) string {
	return fmt.Sprintf("%s-%s-%s", p.Name, p.Version, p.BuildString)
}

func longName(p pkginfo.PackageInfo) string { return p.LongName() }

// Linker is the subset of link.Linker plus extracted-directory resolution
// that Execute needs; transaction depends on it as an interface so it can
// be driven from a pre-populated cache in tests.
type Linker interface {
	Link(p pkginfo.PackageInfo, extractedDir string) (link.Undo, error)
	Unlink(triple string) (link.Undo, error)
	ExtractedDirFor(p pkginfo.PackageInfo) (string, error)
}

// PrintDryRun prints the plan as a package/version/build/channel/size
// table and returns without any effect.
func (t *Transaction) PrintDryRun(w io.Writer) {
	fmt.Fprintln(w, "  Package  |  Version  |  Build  |  Channel  |  Size")
	fmt.Fprintln(w, "  -------------------------------------------------")
	var totalBytes int64
	for _, step := range t.steps {
		p := step.Link
		if p == nil {
			p = step.Unlink
		}
		if p == nil {
			continue
		}
		size := "Cached"
		if !step.Cached && step.Size > 0 {
			size = humanize.Bytes(uint64(step.Size))
			totalBytes += step.Size
		}
		fmt.Fprintf(w, "  %-8s | %-9s | %-7s | %-9s | %s  [%s]\n",
			p.Name, p.Version, p.BuildString, step.Channel, size, strings.ToUpper(string(step.Kind)))
	}
	fmt.Fprintf(w, "\n  Total download: %s\n", humanize.Bytes(uint64(totalBytes)))
}
