// Command condalink drives the acquisition and transaction engines from
// the command line: a kong CLI struct of subcommands, each a thin Run
// method over the library packages.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/a-h/condalink/acquire"
	"github.com/a-h/condalink/cmd/globals"
	"github.com/a-h/condalink/download"
	"github.com/a-h/condalink/link"
	"github.com/a-h/condalink/metrics"
	"github.com/a-h/condalink/pkgcache"
	"github.com/a-h/condalink/pkginfo"
	"github.com/a-h/condalink/prefixstate"
	"github.com/a-h/condalink/repodata"
	"github.com/a-h/condalink/specs"
	"github.com/a-h/condalink/transaction"
	"github.com/a-h/condalink/trust"
)

type CLI struct {
	globals.Globals
	Version VersionCmd `cmd:"" help:"Show version information"`
	Install InstallCmd `cmd:"" help:"Resolve and link packages into a prefix"`
	Remove  RemoveCmd  `cmd:"" help:"Unlink packages from a prefix"`
	List    ListCmd    `cmd:"" help:"List packages installed in a prefix"`
	Check   CheckCmd   `cmd:"" help:"Verify a prefix's history agrees with its conda-meta records"`
	Clean   CleanCmd   `cmd:"" help:"Delete leftover .mamba_trash files under a prefix"`
}

var Version = "dev"

type VersionCmd struct{}

func (cmd *VersionCmd) Run(globals *globals.Globals) error {
	fmt.Printf("%s", Version)
	return nil
}

// CommonFlags are the channel/cache/prefix flags every command that touches
// the acquisition pipeline needs, as an embedded flag-group shared across
// subcommands.
type CommonFlags struct {
	Prefix      string        `help:"Target environment prefix" required:"" env:"CONDALINK_PREFIX"`
	Channel     []string      `help:"Channel base URL(s), searched in order; s3://bucket/prefix is supported" required:"" env:"CONDALINK_CHANNELS"`
	Subdirs     []string      `help:"Platform subdirs to search (e.g. linux-64, noarch)" default:"linux-64,noarch" env:"CONDALINK_SUBDIRS,CONDA_SUBDIR"`
	CacheRoot   []string      `help:"Package cache root(s), searched in order" env:"CONDALINK_CACHE_ROOTS"`
	TrustFile   string        `help:"Path to a trusted-signers file enabling repodata signature verification" env:"CONDALINK_TRUST_FILE"`
	MaxParallel int           `help:"Maximum concurrent downloads" default:"10" env:"CONDALINK_MAX_PARALLEL"`
	MetricsAddr string        `help:"Address for the Prometheus metrics endpoint; empty disables it" default:"" env:"CONDALINK_METRICS_LISTEN_ADDR"`
	Offline     bool          `help:"Use existing repodata caches without network requests, even if expired" env:"CONDALINK_OFFLINE"`
	LockTimeout time.Duration `help:"How long to wait for a package-cache lock before failing; 0 waits forever" default:"0" env:"CONDALINK_LOCK_TIMEOUT"`

	S3Region         string `help:"AWS region for any s3:// channel" env:"CONDALINK_S3_REGION"`
	S3Endpoint       string `help:"Custom S3-compatible endpoint URL" env:"CONDALINK_S3_ENDPOINT"`
	S3AccessKeyID    string `help:"Static AWS access key ID, overriding the default credential chain" env:"CONDALINK_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `help:"Static AWS secret access key, overriding the default credential chain" env:"CONDALINK_S3_SECRET_ACCESS_KEY"`
	S3ForcePathStyle bool   `help:"Use path-style S3 addressing (required by most self-hosted S3-compatible stores)" env:"CONDALINK_S3_FORCE_PATH_STYLE"`
}

func (f *CommonFlags) cacheRoots() []string {
	if len(f.CacheRoot) > 0 {
		return f.CacheRoot
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return []string{".condalink-pkgs"}
	}
	return []string{home + "/.condalink/pkgs"}
}

func newLogger(verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func newMetrics(log *slog.Logger, addr string) metrics.Metrics {
	m, err := metrics.New()
	if err != nil {
		log.Warn("condalink: metrics disabled", slog.Any("error", err))
		return metrics.Metrics{}
	}
	if addr != "" {
		go func() {
			if err := metrics.ListenAndServe(addr); err != nil {
				log.Error("condalink: metrics server exited", slog.String("addr", addr), slog.Any("error", err))
			}
		}()
	}
	return m
}

// registerS3Channels recognizes any s3://bucket/prefix entries in f.Channel
// and registers an S3Mirror for each distinct bucket on engine, so that
// repodata.Loader and acquire.Pipeline fetch those channels through S3
// instead of attempting an HTTP(S) request against the s3:// URL.
func registerS3Channels(ctx context.Context, engine *download.Engine, f CommonFlags) error {
	seen := map[string]bool{}
	for _, channel := range f.Channel {
		bucket, _, ok := download.ParseS3ChannelURL(channel)
		if !ok || seen[bucket] {
			continue
		}
		seen[bucket] = true
		mirror, err := download.NewS3Mirror(ctx, download.S3MirrorConfig{
			Bucket:          bucket,
			Region:          f.S3Region,
			Endpoint:        f.S3Endpoint,
			AccessKeyID:     f.S3AccessKeyID,
			SecretAccessKey: f.S3SecretAccessKey,
			ForcePathStyle:  f.S3ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("condalink: configuring S3 mirror for bucket %q: %w", bucket, err)
		}
		engine.RegisterS3Mirror(bucket, mirror)
	}
	return nil
}

// interruptContext returns a context cancelled by SIGINT; cancellation
// additionally raises the download engine's interruption flag so in-flight
// transfers abort mid-stream rather than only between requests.
func interruptContext(engine *download.Engine) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	if engine != nil {
		go func() {
			<-ctx.Done()
			engine.Cancel()
		}()
	}
	return ctx, stop
}

// resolveUniverse loads every (channel, subdir) repodata index the command
// was configured with into one flat package universe.
func resolveUniverse(ctx context.Context, log *slog.Logger, f CommonFlags, engine *download.Engine) ([]pkginfo.PackageInfo, error) {
	if err := registerS3Channels(ctx, engine, f); err != nil {
		return nil, err
	}
	loader := repodata.New(log, engine, f.cacheRoots())
	loader.SetOffline(f.Offline)
	var universe []pkginfo.PackageInfo
	for _, channel := range f.Channel {
		for _, subdir := range f.Subdirs {
			res, err := loader.Load(ctx, channel, subdir)
			if err != nil {
				log.Warn("condalink: skipping subdir", slog.String("channel", channel), slog.String("subdir", subdir), slog.Any("error", err))
				continue
			}
			if res.StaleOffline {
				log.Warn("condalink: using stale cache (offline)", slog.String("channel", channel), slog.String("subdir", subdir))
			}
			pkgs, err := repodata.ParseIndex(res.JSONPath, channel)
			if err != nil {
				return nil, fmt.Errorf("condalink: %w", err)
			}
			universe = append(universe, pkgs...)
		}
	}
	return universe, nil
}

// bestMatch returns the newest build in pkgs that matches spec. This
// repository performs no dependency resolution of its own: the caller
// supplies exact-enough match specs and gets the best single build
// satisfying each one.
func bestMatch(pkgs []pkginfo.PackageInfo, spec specs.MatchSpec) (pkginfo.PackageInfo, bool) {
	var best pkginfo.PackageInfo
	found := false
	for _, p := range pkgs {
		if !spec.Matches(p) {
			continue
		}
		if !found || p.Timestamp > best.Timestamp {
			best = p
			found = true
		}
	}
	return best, found
}

func installedPackages(prefix string) ([]pkginfo.PackageInfo, error) {
	triples, err := prefixstate.ListInstalled(prefix)
	if err != nil {
		return nil, fmt.Errorf("condalink: %w", err)
	}
	var out []pkginfo.PackageInfo
	for _, triple := range triples {
		meta, err := prefixstate.ReadMeta(prefix, triple)
		if err != nil {
			return nil, fmt.Errorf("condalink: %w", err)
		}
		out = append(out, meta.PackageInfo)
	}
	return out, nil
}

type InstallCmd struct {
	CommonFlags
	Specs          []string `arg:"" help:"Match specs to install, e.g. numpy=1.26.*"`
	DryRun         bool     `help:"Print the plan without executing it"`
	ForceReinstall bool     `help:"Reinstall even if the same build is already installed"`
}

func (cmd *InstallCmd) Run(g *globals.Globals) error {
	log := newLogger(g.Verbose)
	link.SweepTrash(cmd.Prefix)
	pkgcache.SetLockTimeout(cmd.LockTimeout)

	engine := download.New(log, cmd.MaxParallel)
	ctx, stop := interruptContext(engine)
	defer stop()
	universe, err := resolveUniverse(ctx, log, cmd.CommonFlags, engine)
	if err != nil {
		return err
	}

	var toInstall []pkginfo.PackageInfo
	for _, raw := range cmd.Specs {
		spec, err := specs.Parse(raw)
		if err != nil {
			return fmt.Errorf("condalink: parsing match spec %q: %w", raw, err)
		}
		match, ok := bestMatch(universe, spec)
		if !ok {
			return fmt.Errorf("condalink: no package in the configured channels matches %q", raw)
		}
		toInstall = append(toInstall, match)
	}

	already, err := installedPackages(cmd.Prefix)
	if err != nil {
		return err
	}

	tx, err := transaction.Plan(log, transaction.Options{
		Prefix:         cmd.Prefix,
		Cmd:            "condalink install " + strings.Join(cmd.Specs, " "),
		CondaVersion:   Version,
		ForceReinstall: cmd.ForceReinstall,
		UpdateSpecs:    cmd.Specs,
	}, toInstall, nil, already)
	if err != nil {
		return fmt.Errorf("condalink: planning transaction: %w", err)
	}

	if cmd.DryRun {
		tx.PrintDryRun(os.Stdout)
		return nil
	}

	m := newMetrics(log, cmd.MetricsAddr)
	tx.SetMetrics(m)

	signers, err := trust.LoadStore(cmd.TrustFile)
	if err != nil {
		return fmt.Errorf("condalink: loading trust store: %w", err)
	}
	cache := pkgcache.New(log, cmd.cacheRoots(), pkgcache.Enabled, false)
	pipeline := acquire.New(log, cache, engine, signers)
	pipeline.SetMetrics(m)

	for _, p := range toInstall {
		if _, err := pipeline.Run(ctx, p); err != nil {
			return fmt.Errorf("condalink: acquiring %s: %w", p.Filename, err)
		}
	}

	linkOpts := tx.LinkOptions()
	linkOpts.AllowSoftlink = true
	linkOpts.RunPostLinkHooks = true
	linker := link.New(log, cmd.Prefix, linkOpts)
	if err := tx.Execute(ctx, &transaction.PrefixLinker{Linker: linker, Cache: cache}); err != nil {
		return fmt.Errorf("condalink: executing transaction: %w", err)
	}
	for _, p := range toInstall {
		if err := prefixstate.AppendURL(cmd.Prefix, p.URL); err != nil {
			return fmt.Errorf("condalink: %w", err)
		}
	}
	return nil
}

type RemoveCmd struct {
	CommonFlags
	Names []string `arg:"" help:"Package names to remove"`
}

func (cmd *RemoveCmd) Run(g *globals.Globals) error {
	log := newLogger(g.Verbose)
	link.SweepTrash(cmd.Prefix)
	pkgcache.SetLockTimeout(cmd.LockTimeout)
	ctx, stop := interruptContext(nil)
	defer stop()

	already, err := installedPackages(cmd.Prefix)
	if err != nil {
		return err
	}
	remove := make(map[string]bool, len(cmd.Names))
	for _, n := range cmd.Names {
		remove[n] = true
	}
	var toRemove []pkginfo.PackageInfo
	for _, p := range already {
		if remove[p.Name] {
			toRemove = append(toRemove, p)
		}
	}
	if len(toRemove) == 0 {
		return fmt.Errorf("condalink: none of %v are installed in %s", cmd.Names, cmd.Prefix)
	}

	tx, err := transaction.Plan(log, transaction.Options{
		Prefix:       cmd.Prefix,
		Cmd:          "condalink remove " + strings.Join(cmd.Names, " "),
		CondaVersion: Version,
		RemoveSpecs:  cmd.Names,
	}, nil, toRemove, already)
	if err != nil {
		return fmt.Errorf("condalink: planning transaction: %w", err)
	}

	m := newMetrics(log, cmd.MetricsAddr)
	tx.SetMetrics(m)

	cache := pkgcache.New(log, cmd.cacheRoots(), pkgcache.Enabled, false)
	linker := link.New(log, cmd.Prefix, tx.LinkOptions())
	if err := tx.Execute(ctx, &transaction.PrefixLinker{Linker: linker, Cache: cache}); err != nil {
		return fmt.Errorf("condalink: executing transaction: %w", err)
	}
	return nil
}

type ListCmd struct {
	Prefix string `arg:"" help:"Environment prefix to list"`
}

func (cmd *ListCmd) Run(g *globals.Globals) error {
	pkgs, err := installedPackages(cmd.Prefix)
	if err != nil {
		return err
	}
	for _, p := range pkgs {
		fmt.Printf("%-30s %-15s %s\n", p.Name, p.Version, p.BuildString)
	}
	return nil
}

type CheckCmd struct {
	Prefix string `arg:"" help:"Environment prefix to verify"`
}

func (cmd *CheckCmd) Run(g *globals.Globals) error {
	if err := prefixstate.VerifyConsistency(cmd.Prefix); err != nil {
		return err
	}
	fmt.Printf("%s is consistent\n", cmd.Prefix)
	return nil
}

type CleanCmd struct {
	Prefix string `arg:"" help:"Environment prefix to sweep"`
}

func (cmd *CleanCmd) Run(g *globals.Globals) error {
	link.SweepTrash(cmd.Prefix)
	return nil
}

func main() {
	cli := CLI{
		Globals: globals.Globals{},
	}

	ctx := kong.Parse(&cli,
		kong.Name("condalink"),
		kong.Description("Acquire and link conda/mamba packages into a prefix"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(&cli.Globals)
	if err != nil && isInterrupt(err) {
		fmt.Fprintf(os.Stderr, "condalink: %v\n", err)
		os.Exit(2)
	}
	ctx.FatalIfErrorf(err)
}

// isInterrupt reports whether err traces back to the user's SIGINT, which
// exits 2 rather than the generic failure code.
func isInterrupt(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var transfer *download.TransferError
	if errors.As(err, &transfer) && transfer.Kind == download.Cancelled {
		return true
	}
	var aborted *transaction.TransactionAbortedError
	return errors.As(err, &aborted) && errors.Is(aborted.Cause, context.Canceled)
}
